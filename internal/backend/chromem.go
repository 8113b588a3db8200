package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	chromem "github.com/philippgille/chromem-go"

	"github.com/flowlexi/patchvec/internal/filter"
	"github.com/flowlexi/patchvec/internal/pverr"
)

const chromemCollectionName = "vectors"

// fingerprintMarker records the embedding model a backend was built with.
type fingerprintMarker struct {
	Fingerprint string `json:"fingerprint"`
	Dimension   int    `json:"dimension"`
}

// chromemBackend implements Backend on chromem-go. chromem persists
// automatically and stores chunk text as payload, so hits carry text and
// the sidecar is rarely consulted. Native filtering is equality-only.
type chromemBackend struct {
	db         *chromem.DB
	collection *chromem.Collection
}

func openChromem(cfg Config) (Backend, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating backend dir %s: %w", cfg.Dir, err)
	}
	if err := checkFingerprint(cfg.Dir, cfg.Fingerprint, cfg.Dimension); err != nil {
		return nil, err
	}

	db, err := chromem.NewPersistentDB(filepath.Join(cfg.Dir, "chromem"), false)
	if err != nil {
		return nil, fmt.Errorf("opening chromem DB: %w", err)
	}

	// Embeddings are always precomputed by the engine; the embedding func
	// must still be non-nil or chromem falls back to its OpenAI default.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("chromem backend received text without a precomputed embedding")
	}

	collection, err := db.GetOrCreateCollection(chromemCollectionName, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("opening chromem collection: %w", err)
	}

	return &chromemBackend{db: db, collection: collection}, nil
}

// checkFingerprint enforces the embedding-model marker shared by all
// backend implementations that use a marker file.
func checkFingerprint(dir, fingerprint string, dimension int) error {
	markerPath := filepath.Join(dir, "fingerprint.json")

	data, err := os.ReadFile(markerPath)
	if os.IsNotExist(err) {
		marker, err := json.Marshal(fingerprintMarker{Fingerprint: fingerprint, Dimension: dimension})
		if err != nil {
			return fmt.Errorf("marshaling fingerprint marker: %w", err)
		}
		if err := atomic.WriteFile(markerPath, bytes.NewReader(marker)); err != nil {
			return fmt.Errorf("writing fingerprint marker: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading fingerprint marker: %w", err)
	}

	var marker fingerprintMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return fmt.Errorf("decoding fingerprint marker: %w", err)
	}
	if marker.Fingerprint != fingerprint {
		return pverr.ModelMismatch("index was built with embedding model %q, configured model is %q",
			marker.Fingerprint, fingerprint)
	}
	if marker.Dimension != 0 && dimension != 0 && marker.Dimension != dimension {
		return pverr.ModelMismatch("index was built with dimension %d, configured dimension is %d",
			marker.Dimension, dimension)
	}
	return nil
}

func (b *chromemBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]chromem.Document, len(records))
	for i, rec := range records {
		docs[i] = chromem.Document{
			ID:        rec.RID,
			Content:   rec.Text,
			Metadata:  rec.IndexedFields,
			Embedding: rec.Vector,
		}
	}
	// Concurrency of 1: embeddings are precomputed, nothing to parallelise.
	if err := b.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents to chromem: %w", err)
	}
	return nil
}

func (b *chromemBackend) Delete(ctx context.Context, rids []string) error {
	if len(rids) == 0 {
		return nil
	}
	if err := b.collection.Delete(ctx, nil, nil, rids...); err != nil {
		return fmt.Errorf("deleting from chromem: %w", err)
	}
	return nil
}

func (b *chromemBackend) Search(ctx context.Context, queryVector []float32, k int, pre []filter.Clause) ([]Hit, error) {
	// chromem requires nResults <= document count.
	count := b.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	where := filter.EqualityMap(pre)
	results, err := b.collection.QueryEmbedding(ctx, queryVector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("querying chromem: %w", err)
	}

	hits := make([]Hit, len(results))
	for i, r := range results {
		hits[i] = Hit{
			RID:     r.ID,
			Score:   r.Similarity,
			Text:    r.Content,
			HasText: true,
		}
	}
	return hits, nil
}

func (b *chromemBackend) Caps() filter.Caps {
	return filter.Caps{Eq: true}
}

func (b *chromemBackend) Count(ctx context.Context) (int, error) {
	return b.collection.Count(), nil
}

// Close is a no-op: chromem persists on every write.
func (b *chromemBackend) Close() error {
	return nil
}

var _ Backend = (*chromemBackend)(nil)
