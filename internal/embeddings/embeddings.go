// Package embeddings provides the embedding model collaborator.
//
// The engine consumes embedders through a narrow interface: embed a batch of
// texts, return dense vectors. Two implementations are provided: a remote
// OpenAI/TEI-compatible service (via langchaingo) and a deterministic local
// hash embedder for development and tests.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid embedder configuration.
	ErrInvalidConfig = errors.New("invalid embedder configuration")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts, one per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding vector size.
	Dimension() int

	// Fingerprint identifies the model; collections record it at creation
	// and refuse to open under a different one.
	Fingerprint() string
}

// Config selects and configures an embedder.
type Config struct {
	// Type is "openai" or "hash".
	Type string

	// Model is the model identifier (part of the fingerprint).
	Model string

	// BaseURL is the API endpoint for the openai type.
	BaseURL string

	// APIKey authenticates against the remote API (optional for TEI).
	APIKey string

	// Dimension is the embedding size; required for hash, advisory for openai.
	Dimension int
}

// New creates an embedder from config.
func New(cfg Config) (Embedder, error) {
	switch cfg.Type {
	case "hash":
		return NewHashEmbedder(cfg.Dimension, cfg.Model), nil
	case "openai":
		return NewRemoteEmbedder(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, cfg.Type)
	}
}
