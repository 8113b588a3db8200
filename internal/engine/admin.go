package engine

import (
	"context"
	"os"
	"time"

	"github.com/flowlexi/patchvec/internal/catalog"
	"github.com/flowlexi/patchvec/internal/pverr"
	"github.com/flowlexi/patchvec/internal/sanitize"
)

// CollectionInfo describes one collection for listings.
type CollectionInfo struct {
	Name      string `json:"name"`
	Documents int    `json:"documents"`
	Chunks    int    `json:"chunks"`
}

// ListTenants enumerates tenant slugs present in the data directory.
func (e *Engine) ListTenants() ([]string, error) {
	return catalog.ListTenants(e.cfg.VectorStore.DataDir)
}

// ListCollections enumerates a tenant's collections with document and
// chunk counts.
func (e *Engine) ListCollections(ctx context.Context, tenant string) ([]CollectionInfo, error) {
	start := time.Now()
	infos, err := e.listCollections(ctx, tenant)
	e.emitLifecycle("list_collections", tenant, "", "", start, err)
	return infos, err
}

func (e *Engine) listCollections(ctx context.Context, tenant string) ([]CollectionInfo, error) {
	if err := sanitize.Slug("tenant", tenant); err != nil {
		return nil, pverr.InvalidRequest("%v", err)
	}

	names, err := catalog.ListCollections(e.cfg.VectorStore.DataDir, tenant)
	if err != nil {
		return nil, err
	}

	infos := make([]CollectionInfo, 0, len(names))
	for _, name := range names {
		info := CollectionInfo{Name: name}
		c, err := e.getCollection(tenant, name)
		if err != nil {
			// Unopenable collections (model mismatch, legacy layout) still
			// appear in the listing, with zero counts.
			infos = append(infos, info)
			continue
		}
		if docs, err := c.meta.DocCount(); err == nil {
			info.Documents = docs
		}
		if chunks, err := c.backend.Count(ctx); err == nil {
			info.Chunks = chunks
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// CollectionStats returns counts for one collection.
func (e *Engine) CollectionStats(ctx context.Context, tenant, name string) (*CollectionInfo, error) {
	c, err := e.getCollection(tenant, name)
	if err != nil {
		return nil, err
	}

	info := &CollectionInfo{Name: name}
	if info.Documents, err = c.meta.DocCount(); err != nil {
		return nil, pverr.Internal(err)
	}
	if info.Chunks, err = c.backend.Count(ctx); err != nil {
		return nil, pverr.Internal(err)
	}
	return info, nil
}

// Ready reports whether the engine can serve traffic: the data directory
// must exist and be writable.
func (e *Engine) Ready() error {
	dir := e.cfg.VectorStore.DataDir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pverr.Unavailable("data dir %s is not writable", dir).WithCause(err)
	}
	probe, err := os.CreateTemp(dir, ".readyz-*")
	if err != nil {
		return pverr.Unavailable("data dir %s is not writable", dir).WithCause(err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}
