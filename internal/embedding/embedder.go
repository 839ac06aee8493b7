package embedding

import (
	"context"
	"errors"
	"math"
)

// ErrEmbedderUnavailable marks upstream failures. The compiler's duplicate
// check treats it as soft and falls back to textual match; building the
// rule still needs an embedding, so a persistent outage ends the compile
// as temporarily unavailable.
var ErrEmbedderUnavailable = errors.New("embedder unavailable")

// Embedder produces fixed-dimension vectors for text. Implementations are
// stateless per call and must normalise input via Normalize before
// embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// zero-length or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}

	if na == 0 || nb == 0 {
		return 0
	}

	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
