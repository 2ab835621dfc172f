package expand

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"tke/internal/llm"
	"tke/internal/model"
)

// Intent is the retrieval strategy a query calls for.
type Intent string

const (
	IntentStructured Intent = "STRUCTURED"
	IntentSemantic   Intent = "SEMANTIC"
	IntentHybrid     Intent = "HYBRID"
)

// Replacement records one synonym substitution.
type Replacement struct {
	Surface   string `json:"surface"`
	Canonical string `json:"canonical"`
}

// Expansion is the result of preprocessing a raw user query.
type Expansion struct {
	Original     string        `json:"original"`
	Cleaned      string        `json:"cleaned"`
	Expanded     string        `json:"expanded"`
	Intent       Intent        `json:"intent"`
	SynonymsUsed []Replacement `json:"synonyms_used"`
	Confidence   float64       `json:"confidence"`
}

// SynonymSource provides the surface→canonical table.
type SynonymSource interface {
	LoadAll(ctx context.Context) ([]model.Synonym, error)
	BumpUsage(ctx context.Context, canonical, surface string) error
}

// ASR 口语填充词,按长度降序删除
var fillerTokens = []string{
	"就是说", "那个", "这个", "就是", "然后", "反正",
	"嗯", "啊", "额", "呃", "哦", "嘛", "哎",
}

var structuredKeywords = []string{
	"多少", "统计", "数量", "几个", "汇总", "T1", "T2", "OK", "NG",
	"分布", "占比", "排名", "最多", "最少", "列出",
}

var semanticKeywords = []string{
	"怎么", "怎样", "如何", "为什么", "原因", "解决", "类似", "建议", "方案", "措施",
}

// Expander cleans ASR noise, applies the synonym table, and classifies intent.
// The synonym table is cached in memory until Invalidate.
type Expander struct {
	source SynonymSource
	model  llms.Model // optional, intent fallback only
	logger *zap.Logger

	mu       sync.Mutex
	synonyms []model.Synonym // sorted by surface length desc
	loaded   bool
}

// New builds an Expander. model may be nil: intent falls back to SEMANTIC.
func New(source SynonymSource, m llms.Model, logger *zap.Logger) *Expander {
	return &Expander{source: source, model: m, logger: logger}
}

// Invalidate drops the cached synonym table.
func (e *Expander) Invalidate() {
	e.mu.Lock()
	e.loaded = false
	e.synonyms = nil
	e.mu.Unlock()
}

func (e *Expander) table(ctx context.Context) []model.Synonym {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return e.synonyms
	}
	if e.source == nil {
		e.loaded = true
		return nil
	}
	syns, err := e.source.LoadAll(ctx)
	if err != nil {
		e.logger.Warn("synonym table load failed", zap.Error(err))
		return nil // retry on next call
	}
	sort.SliceStable(syns, func(i, j int) bool {
		return len([]rune(syns[i].Surface)) > len([]rune(syns[j].Surface))
	})
	e.synonyms = syns
	e.loaded = true
	return e.synonyms
}

// Expand runs the full pipeline: scrub, synonym replacement, intent.
func (e *Expander) Expand(ctx context.Context, raw string) Expansion {
	cleaned := Scrub(raw)
	expanded, used := e.applySynonyms(ctx, cleaned)
	intent, confidence := e.classify(ctx, expanded)

	for _, r := range used {
		if err := e.source.BumpUsage(ctx, r.Canonical, r.Surface); err != nil {
			e.logger.Debug("synonym usage bump failed",
				zap.String("surface", r.Surface), zap.Error(err))
		}
	}

	return Expansion{
		Original:     raw,
		Cleaned:      cleaned,
		Expanded:     expanded,
		Intent:       intent,
		SynonymsUsed: used,
		Confidence:   confidence,
	}
}

// Scrub removes ASR fillers, collapses character runs and repeated bigrams,
// and normalizes whitespace.
func Scrub(s string) string {
	for _, f := range fillerTokens {
		s = strings.ReplaceAll(s, f, "")
	}
	s = collapseRuns(s)
	s = collapseBigrams(s)
	return strings.Join(strings.Fields(s), " ")
}

// collapseRuns reduces runs of 3 or more identical characters to one.
func collapseRuns(s string) string {
	runes := []rune(s)
	var out []rune
	for i := 0; i < len(runes); {
		j := i
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		if j-i >= 3 {
			out = append(out, runes[i])
		} else {
			out = append(out, runes[i:j]...)
		}
		i = j
	}
	return string(out)
}

// collapseBigrams reduces immediately repeated two-character tokens, e.g.
// 毛刺毛刺 → 毛刺.
func collapseBigrams(s string) string {
	runes := []rune(s)
	var out []rune
	for i := 0; i < len(runes); {
		if i+1 < len(runes) && len(out) >= 2 &&
			out[len(out)-2] == runes[i] && out[len(out)-1] == runes[i+1] {
			i += 2
			continue
		}
		out = append(out, runes[i])
		i++
	}
	return string(out)
}

func (e *Expander) applySynonyms(ctx context.Context, s string) (string, []Replacement) {
	var used []Replacement
	for _, syn := range e.table(ctx) {
		if syn.Surface == syn.Canonical || syn.Surface == "" {
			continue
		}
		if strings.Contains(s, syn.Surface) {
			s = strings.ReplaceAll(s, syn.Surface, syn.Canonical)
			used = append(used, Replacement{Surface: syn.Surface, Canonical: syn.Canonical})
		}
	}
	return s, used
}

func countHits(s string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if strings.Contains(s, k) {
			n++
		}
	}
	return n
}

func (e *Expander) classify(ctx context.Context, s string) (Intent, float64) {
	structured := countHits(s, structuredKeywords)
	semantic := countHits(s, semanticKeywords)

	switch {
	case structured > 0 && semantic == 0:
		return IntentStructured, 0.9
	case semantic > 0 && structured == 0:
		return IntentSemantic, 0.9
	case structured > 0 && semantic > 0:
		return IntentHybrid, 0.8
	}
	return e.classifyLLM(ctx, s)
}

const intentPrompt = `判断下面的制造业问答查询需要哪种检索方式。

查询: %s

STRUCTURED: 统计、计数、过滤、排名类查询
SEMANTIC: 求解释、找原因、要解决方案、找相似案例
HYBRID: 两者都需要

只返回 JSON: {"intent": "STRUCTURED|SEMANTIC|HYBRID", "confidence": 0.0-1.0}`

func (e *Expander) classifyLLM(ctx context.Context, s string) (Intent, float64) {
	if e.model == nil {
		return IntentSemantic, 0.5
	}
	response, err := llm.Call(ctx, e.model, strings.Replace(intentPrompt, "%s", s, 1))
	if err != nil {
		e.logger.Warn("intent classification failed", zap.Error(err))
		return IntentSemantic, 0.5
	}
	var parsed struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(llm.CleanJSON(response)), &parsed); err != nil {
		return IntentSemantic, 0.5
	}
	switch Intent(strings.ToUpper(parsed.Intent)) {
	case IntentStructured, IntentSemantic, IntentHybrid:
		return Intent(strings.ToUpper(parsed.Intent)), parsed.Confidence
	}
	return IntentSemantic, 0.5
}
