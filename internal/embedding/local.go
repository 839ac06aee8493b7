package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultLocalBaseURL = "http://localhost:11434/api/embed"
	defaultLocalModel   = "nomic-embed-text"
)

// LocalEmbedder talks to an Ollama-compatible /api/embed endpoint so the
// pipeline can run without a cloud key.
type LocalEmbedder struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

func NewLocalEmbedder(baseURL, model string, dim int, timeout time.Duration) *LocalEmbedder {
	if baseURL == "" {
		baseURL = defaultLocalBaseURL
	}
	if model == "" {
		model = defaultLocalModel
	}

	return &LocalEmbedder{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
	}
}

func (e *LocalEmbedder) Dim() int { return e.dim }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	normalized := make([]string, len(texts))
	for i, t := range texts {
		normalized[i] = Normalize(t)
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: normalized})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbedderUnavailable, resp.StatusCode, raw)
	}

	var parsed ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrEmbedderUnavailable, err)
	}

	if len(parsed.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbedderUnavailable, len(parsed.Embeddings), len(texts))
	}

	return parsed.Embeddings, nil
}
