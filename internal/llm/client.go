package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// ErrLLMUnavailable marks transient upstream failures eligible for retry.
var ErrLLMUnavailable = errors.New("llm unavailable")

// Client generates a completion for a prompt. The compiler uses it to fill
// RuleIntent slots and to describe compiled queries, never to produce SQL.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeminiClient wraps the genai SDK with a process-wide token bucket and a
// per-call deadline.
type GeminiClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	bucket  *tokenBucket
}

func NewGeminiClient(ctx context.Context, apiKey, model string, timeout time.Duration, ratePerSecond float64, burst int) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}

	return &GeminiClient{
		client:  client,
		model:   model,
		timeout: timeout,
		bucket:  newTokenBucket(ratePerSecond, burst),
	}, nil
}

func (c *GeminiClient) Generate(ctx context.Context, prompt string) (string, error) {
	if err := c.bucket.wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrLLMUnavailable)
	}

	var raw strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			raw.WriteString(part.Text)
		}
	}

	return StripFences(raw.String()), nil
}

// StripFences removes the markdown code fences Gemini likes to wrap JSON in.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// tokenBucket is a minimal refill-on-demand limiter shared by all compile
// calls in the process.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newTokenBucket(ratePerSecond float64, burst int) *tokenBucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}

	return &tokenBucket{
		rate:   ratePerSecond,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

func (b *tokenBucket) wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.last = now

		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
