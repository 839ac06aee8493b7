package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiEmbedder produces embeddings through the Gemini API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
	dim    int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, model string, dim int) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("init gemini embedder: %w", err)
	}

	return &GeminiEmbedder{client: client, model: model, dim: dim}, nil
}

func (e *GeminiEmbedder) Dim() int { return e.dim }

func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(Normalize(t), genai.RoleUser))
	}

	dim := int32(e.dim)
	resp, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedderUnavailable, err)
	}

	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrEmbedderUnavailable, len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if len(emb.Values) != e.dim {
			return nil, fmt.Errorf("%w: dimension %d, want %d", ErrEmbedderUnavailable, len(emb.Values), e.dim)
		}
		vecs[i] = emb.Values
	}

	return vecs, nil
}
