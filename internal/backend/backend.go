// Package backend wraps embedded ANN indexes behind a narrow adapter.
//
// The engine treats the backend as opaque: upsert vectors with denormalised
// pre-filter fields, delete by rid, and run a k-NN search constrained by
// pre-filter clauses. Two implementations exist: chromem (embedded
// chromem-go, equality-only native filtering, stores payloads) and sqlvec
// (sqlite brute-force cosine with real SQL pre-filtering, no payloads).
package backend

import (
	"context"
	"fmt"

	"github.com/flowlexi/patchvec/internal/filter"
)

// Record is one chunk to index: vector plus the denormalised fields the
// backend can pre-filter on, and the chunk text for backends that store
// payloads.
type Record struct {
	RID           string
	Vector        []float32
	IndexedFields map[string]string
	Text          string
}

// Hit is one search candidate returned by a backend.
type Hit struct {
	RID   string
	Score float32

	// Text is the stored payload, if the backend keeps one. HasText
	// distinguishes an empty payload from no payload; callers fall back
	// to the sidecar when false.
	Text    string
	HasText bool
}

// Backend is the adapter interface the engine depends on.
type Backend interface {
	// Upsert writes vectors and indexed fields. Atomic within the call:
	// records become searchable together.
	Upsert(ctx context.Context, records []Record) error

	// Delete removes vectors and index rows for the given rids.
	Delete(ctx context.Context, rids []string) error

	// Search returns up to k hits matching the pre-filter clauses, ranked
	// by similarity (higher score = more similar).
	Search(ctx context.Context, queryVector []float32, k int, pre []filter.Clause) ([]Hit, error)

	// Caps reports which filter operators this backend evaluates natively.
	Caps() filter.Caps

	// Count returns the number of indexed vectors.
	Count(ctx context.Context) (int, error)

	// Close releases resources and flushes durable state.
	Close() error
}

// Config locates and identifies a collection's backend.
type Config struct {
	// Type is "chromem" or "sqlvec".
	Type string

	// Dir is the backend's on-disk directory inside the collection dir.
	Dir string

	// Dimension is the embedding size.
	Dimension int

	// Fingerprint identifies the embedding model. Opening an existing
	// backend under a different fingerprint fails with model_mismatch.
	Fingerprint string
}

// Open creates or opens a backend.
func Open(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "chromem":
		return openChromem(cfg)
	case "sqlvec":
		return openSqlvec(cfg)
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
}
