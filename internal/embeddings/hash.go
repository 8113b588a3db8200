package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder is a deterministic bag-of-words embedder: each token hashes
// into a bucket and the resulting vector is L2-normalised, so cosine
// similarity tracks token overlap. No model download, no network; intended
// for development and tests, not retrieval quality.
type HashEmbedder struct {
	dim   int
	model string
}

// NewHashEmbedder creates a hash embedder with the given dimension.
func NewHashEmbedder(dim int, model string) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	if model == "" {
		model = "hash-256"
	}
	return &HashEmbedder{dim: dim, model: model}
}

func (e *HashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e *HashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.embed(text), nil
}

func (e *HashEmbedder) Dimension() int { return e.dim }

func (e *HashEmbedder) Fingerprint() string { return e.model }

func (e *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dim)
	for _, token := range Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%e.dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// Empty chunks still need a valid vector; use a fixed unit basis.
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// Tokenize lower-cases and splits on non-alphanumeric runes. Shared with
// match_reason computation so explanations use the same token view.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

var _ Embedder = (*HashEmbedder)(nil)
