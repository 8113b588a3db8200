// Package engine implements the core operations: collection lifecycle,
// document ingest, semantic search with hybrid filtering, and archival.
//
// Concurrency model: a guard mutex protects the collection registry; each
// open collection carries its own mutex serialising index mutations. Lock
// order is always guard then collection, and no operation ever holds two
// collection locks at once. Embedding happens outside any lock.
package engine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/flowlexi/patchvec/internal/config"
	"github.com/flowlexi/patchvec/internal/embeddings"
	"github.com/flowlexi/patchvec/internal/metrics"
	"github.com/flowlexi/patchvec/internal/opslog"
	"github.com/flowlexi/patchvec/internal/pverr"
)

// Engine owns the collection registry and executes all business operations.
type Engine struct {
	cfg      config.Config
	log      *zap.Logger
	ops      *opslog.Logger
	embedder embeddings.Embedder

	guard       sync.Mutex
	collections map[string]*collection

	searchSem *semaphore.Weighted
	ingestSem *semaphore.Weighted

	tenantMu   sync.Mutex
	tenantSems map[string]*semaphore.Weighted
}

// New builds an engine from configuration. The embedder is process-wide;
// each collection records the embedder fingerprint at creation and refuses
// to open under a different one.
func New(cfg config.Config, logger *zap.Logger, ops *opslog.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	embedder, err := embeddings.New(embeddings.Config{
		Type:      cfg.Embedder.Type,
		Model:     cfg.Embedder.Model,
		BaseURL:   cfg.Embedder.BaseURL,
		Dimension: cfg.Embedder.Dimension,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		log:         logger,
		ops:         ops,
		embedder:    embedder,
		collections: make(map[string]*collection),
		tenantSems:  make(map[string]*semaphore.Weighted),
	}
	if n := cfg.Limits.Search.MaxConcurrent; n > 0 {
		e.searchSem = semaphore.NewWeighted(int64(n))
	}
	if n := cfg.Limits.Ingest.MaxConcurrent; n > 0 {
		e.ingestSem = semaphore.NewWeighted(int64(n))
	}

	logger.Info("engine initialized",
		zap.String("data_dir", cfg.VectorStore.DataDir),
		zap.String("backend", cfg.VectorStore.Type),
		zap.String("embedder", embedder.Fingerprint()),
	)
	return e, nil
}

// Embedder exposes the process-wide embedder (used by the health endpoint).
func (e *Engine) Embedder() embeddings.Embedder { return e.embedder }

// Close closes every open collection.
func (e *Engine) Close() error {
	e.guard.Lock()
	defer e.guard.Unlock()

	var firstErr error
	for key, c := range e.collections {
		c.mu.Lock()
		if err := c.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.mu.Unlock()
		delete(e.collections, key)
	}
	return firstErr
}

// admit performs fast-fail admission control for one operation. The
// returned release func must be called exactly once. A nil semaphore means
// the corresponding limit is disabled.
func (e *Engine) admit(kind, tenant string, sem *semaphore.Weighted, gauge interface{ Inc(); Dec() }) (func(), error) {
	if sem != nil && !sem.TryAcquire(1) {
		metrics.AdmissionRejections.WithLabelValues(kind).Inc()
		return nil, pverr.Overloaded("too many concurrent %s operations", kind)
	}

	tenantSem := e.tenantSemaphore(tenant)
	if tenantSem != nil && !tenantSem.TryAcquire(1) {
		if sem != nil {
			sem.Release(1)
		}
		metrics.AdmissionRejections.WithLabelValues("tenant").Inc()
		return nil, pverr.Overloaded("too many concurrent operations for tenant %q", tenant)
	}

	if gauge != nil {
		gauge.Inc()
	}
	return func() {
		if gauge != nil {
			gauge.Dec()
		}
		if tenantSem != nil {
			tenantSem.Release(1)
		}
		if sem != nil {
			sem.Release(1)
		}
	}, nil
}

func (e *Engine) tenantSemaphore(tenant string) *semaphore.Weighted {
	n := e.cfg.Limits.Tenant.MaxConcurrent
	if n <= 0 {
		return nil
	}
	e.tenantMu.Lock()
	defer e.tenantMu.Unlock()
	sem, ok := e.tenantSems[tenant]
	if !ok {
		sem = semaphore.NewWeighted(int64(n))
		e.tenantSems[tenant] = sem
	}
	return sem
}

// emit records an operational event and the matching Prometheus series.
func (e *Engine) emit(ev opslog.Event) {
	metrics.RequestsTotal.WithLabelValues(ev.Op, ev.Status).Inc()
	metrics.OperationDuration.WithLabelValues(ev.Op).Observe(ev.LatencyMs / 1000)
	if e.ops != nil {
		e.ops.Emit(ev)
	}
}
