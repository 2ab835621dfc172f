package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"tke/internal/config"
)

// New creates an OpenAI-compatible model from config.
func New(cfg config.LLMConfig) (llms.Model, error) {
	return openai.New(
		openai.WithModel(cfg.ModelName),
		openai.WithToken(cfg.Token),
		openai.WithBaseURL(cfg.BaseURL),
	)
}

// Call invokes the model with backoff retry.
func Call(ctx context.Context, model llms.Model, prompt string) (string, error) {
	var response string
	var err error
	maxRetries := 2
	backoffDelays := []time.Duration{1 * time.Second, 3 * time.Second}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		response, err = model.Call(ctx, prompt)
		if err == nil {
			return response, nil
		}
		if attempt < maxRetries {
			select {
			case <-time.After(backoffDelays[attempt]):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("LLM call failed after %d attempts: %w", maxRetries+1, err)
}

// CleanJSON strips markdown code fences around a JSON response.
func CleanJSON(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// CleanSQL strips markdown code fences and a trailing semicolon from a SQL
// response.
func CleanSQL(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```sql")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	response = strings.TrimSpace(response)
	return strings.TrimSuffix(response, ";")
}
