package vlm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"tke/internal/config"
	"tke/internal/tkerr"
)

// ImageAnalysis is the vision model's reading of one defect image.
type ImageAnalysis struct {
	Description string   `json:"description"`
	DefectTypes []string `json:"defect_types"`
	Severity    string   `json:"severity"`
	Tags        []string `json:"tags"`
	Insights    []string `json:"insights"`
	Actions     []string `json:"actions"`
	Confidence  float64  `json:"confidence"`
}

// MappingVerdict is the model's judgement on one image→row assignment.
// Mappings are issue row ids ("r1", "r2", …) within the case.
type MappingVerdict struct {
	ImageID          string  `json:"image_id"`
	Status           string  `json:"status"` // confirmed | corrected | unknown
	Confidence       float64 `json:"confidence"`
	CurrentMapping   string  `json:"current_mapping"`
	ValidatedMapping string  `json:"validated_mapping"`
	Reasoning        string  `json:"reasoning,omitempty"`
}

// MappingRow is one data row in the validation context payload.
type MappingRow struct {
	RowID  string            `json:"row_id"`
	Values map[string]string `json:"values"`
}

// MappingImage describes one extracted image in the context payload.
type MappingImage struct {
	ImageID        string `json:"image_id"`
	Filename       string `json:"filename"`
	AnchorRow      int    `json:"anchor_row"`
	CurrentMapping string `json:"current_mapping"`
}

// MappingContext is everything the model needs to judge a page's mappings.
type MappingContext struct {
	CaseID  string         `json:"case_id"`
	Columns []string       `json:"columns"`
	Rows    []MappingRow   `json:"rows"`
	Images  []MappingImage `json:"images"`
}

// JobResult is the terminal state of an async vision job.
type JobResult struct {
	JobID    string           `json:"job_id"`
	Status   string           `json:"status"` // completed | failed
	Error    string           `json:"error,omitempty"`
	Analysis *ImageAnalysis   `json:"analysis,omitempty"`
	Verdicts []MappingVerdict `json:"verdicts,omitempty"`
	Score    float64          `json:"score,omitempty"` // compare_images similarity
}

type cachedJob struct {
	result  *JobResult
	expires time.Time
}

// Client talks to the vision service. Jobs are asynchronous: submit returns a
// job id, completion arrives by polling or webhook. Finished jobs are cached
// in memory for the configured TTL so callers can re-read results cheaply.
type Client struct {
	baseURL    string
	webhookURL string
	http       *http.Client
	maxRetries int
	jobTTL     time.Duration
	waitLimit  time.Duration

	mu   sync.Mutex
	jobs map[string]cachedJob

	// backoff delays between retries, exposed for tests
	retryDelays []time.Duration
}

// NewClient builds a vision client from config.
func NewClient(cfg config.VLMConfig) *Client {
	return &Client{
		baseURL:     cfg.BaseURL,
		webhookURL:  cfg.WebhookURL,
		http:        &http.Client{Timeout: 60 * time.Second},
		maxRetries:  cfg.MaxRetries,
		jobTTL:      time.Duration(cfg.JobTTLSec) * time.Second,
		waitLimit:   time.Duration(cfg.WaitTimeoutSec) * time.Second,
		jobs:        make(map[string]cachedJob),
		retryDelays: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// noRetryError marks a client-side (4xx) failure that must not be retried.
type noRetryError struct{ err error }

func (e *noRetryError) Error() string { return e.err.Error() }
func (e *noRetryError) Unwrap() error { return e.err }

// doWithRetry retries transient failures with exponential backoff. 4xx
// responses fail immediately.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryDelays[len(c.retryDelays)-1]
			if attempt-1 < len(c.retryDelays) {
				delay = c.retryDelays[attempt-1]
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		req, err := build()
		if err != nil {
			return nil, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			return nil, &noRetryError{tkerr.Dependencyf("vlm status %d: %s", resp.StatusCode, string(raw))}
		}
		if resp.StatusCode >= 500 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			lastErr = fmt.Errorf("vlm status %d: %s", resp.StatusCode, string(raw))
			continue
		}
		return resp, nil
	}
	return nil, tkerr.Dependencyf("vlm: %v", lastErr)
}

// submit uploads images as multipart and returns the job id. task selects the
// server-side operation; extra carries task parameters as a JSON field.
func (c *Client) submit(ctx context.Context, task string, images map[string][]byte, extra interface{}) (string, error) {
	build := func() (*http.Request, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		if err := w.WriteField("task", task); err != nil {
			return nil, err
		}
		if c.webhookURL != "" {
			if err := w.WriteField("webhook_url", c.webhookURL); err != nil {
				return nil, err
			}
		}
		if extra != nil {
			raw, err := json.Marshal(extra)
			if err != nil {
				return nil, err
			}
			if err := w.WriteField("params", string(raw)); err != nil {
				return nil, err
			}
		}
		for name, data := range images {
			part, err := w.CreateFormFile("images", name)
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(data); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/v1/jobs/upload", bytes.NewReader(buf.Bytes()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	}

	resp, err := c.doWithRetry(ctx, build)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", tkerr.Dependencyf("vlm: decode submit response: %v", err)
	}
	if sr.JobID == "" {
		return "", tkerr.Dependencyf("vlm: submit returned no job id")
	}
	return sr.JobID, nil
}

func (c *Client) cached(jobID string) *JobResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.jobs[jobID]
	if !ok || time.Now().After(entry.expires) {
		delete(c.jobs, jobID)
		return nil
	}
	return entry.result
}

func (c *Client) remember(res *JobResult) {
	c.mu.Lock()
	c.jobs[res.JobID] = cachedJob{result: res, expires: time.Now().Add(c.jobTTL)}
	c.mu.Unlock()
}

// HandleWebhook records a result delivered by the service's callback.
func (c *Client) HandleWebhook(body []byte) error {
	var res JobResult
	if err := json.Unmarshal(body, &res); err != nil {
		return tkerr.Inputf("vlm webhook: %v", err)
	}
	if res.JobID == "" {
		return tkerr.Inputf("vlm webhook: missing job_id")
	}
	c.remember(&res)
	return nil
}

// pollOnce fetches the job state without retrying.
func (c *Client) pollOnce(ctx context.Context, jobID string) (*JobResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, tkerr.Dependencyf("vlm poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, tkerr.Dependencyf("vlm poll status %d", resp.StatusCode)
	}
	var res JobResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, tkerr.Dependencyf("vlm poll: decode: %v", err)
	}
	res.JobID = jobID
	return &res, nil
}

// WaitForResult blocks until the job finishes, the wait limit passes, or the
// context ends. Webhook-delivered results short-circuit the polling loop.
func (c *Client) WaitForResult(ctx context.Context, jobID string) (*JobResult, error) {
	if res := c.cached(jobID); res != nil {
		return res, nil
	}

	deadline := time.Now().Add(c.waitLimit)
	interval := time.Second
	for {
		if res := c.cached(jobID); res != nil {
			return res, nil
		}
		res, err := c.pollOnce(ctx, jobID)
		if err == nil && (res.Status == "completed" || res.Status == "failed") {
			c.remember(res)
			if res.Status == "failed" {
				return res, tkerr.Dependencyf("vlm job %s failed: %s", jobID, res.Error)
			}
			return res, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("vlm job %s: %w", jobID, tkerr.ErrTimeout)
		}
		select {
		case <-time.After(interval):
			if interval < 8*time.Second {
				interval *= 2
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AnalyzeImage submits one defect image and waits for its analysis.
func (c *Client) AnalyzeImage(ctx context.Context, name string, data []byte) (*ImageAnalysis, error) {
	jobID, err := c.submit(ctx, "analyze_image", map[string][]byte{name: data}, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.WaitForResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if res.Analysis == nil {
		return nil, tkerr.Dependencyf("vlm job %s: no analysis in result", jobID)
	}
	return res.Analysis, nil
}

// ValidateMappings submits a rendered page image, the extracted images that
// anchor into it, and the mapping context, and waits for per-image verdicts.
func (c *Client) ValidateMappings(ctx context.Context, pageImage []byte, images map[string][]byte, mc MappingContext) ([]MappingVerdict, error) {
	files := map[string][]byte{"page.png": pageImage}
	for name, data := range images {
		files[name] = data
	}
	jobID, err := c.submit(ctx, "validate_mappings", files, mc)
	if err != nil {
		return nil, err
	}
	res, err := c.WaitForResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return res.Verdicts, nil
}

// CompareImages submits two images and returns a similarity score in [0,1].
func (c *Client) CompareImages(ctx context.Context, a, b []byte) (float64, error) {
	jobID, err := c.submit(ctx, "compare_images",
		map[string][]byte{"a.jpg": a, "b.jpg": b}, nil)
	if err != nil {
		return 0, err
	}
	res, err := c.WaitForResult(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return res.Score, nil
}

// Health probes the service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return tkerr.Dependencyf("vlm health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tkerr.Dependencyf("vlm health status %d", resp.StatusCode)
	}
	return nil
}
