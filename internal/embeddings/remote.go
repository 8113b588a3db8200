package embeddings

import (
	"context"
	"fmt"
	"os"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// RemoteEmbedder calls an OpenAI-compatible embeddings API (OpenAI itself
// or a local TEI server) via langchaingo.
type RemoteEmbedder struct {
	embedder  *lcembeddings.EmbedderImpl
	model     string
	dimension int
}

// NewRemoteEmbedder creates a remote embedder from config. The API key is
// taken from config or the OPENAI_API_KEY environment variable; TEI servers
// accept any token.
func NewRemoteEmbedder(cfg Config) (*RemoteEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		// langchaingo requires a token; TEI ignores it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &RemoteEmbedder{
		embedder:  embedder,
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}, nil
}

func (e *RemoteEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

func (e *RemoteEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}

func (e *RemoteEmbedder) Dimension() int { return e.dimension }

func (e *RemoteEmbedder) Fingerprint() string { return e.model }

var _ Embedder = (*RemoteEmbedder)(nil)
