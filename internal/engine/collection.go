package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/backend"
	"github.com/flowlexi/patchvec/internal/catalog"
	"github.com/flowlexi/patchvec/internal/metastore"
	"github.com/flowlexi/patchvec/internal/opslog"
	"github.com/flowlexi/patchvec/internal/pverr"
	"github.com/flowlexi/patchvec/internal/sanitize"
	"github.com/flowlexi/patchvec/internal/sidecar"
)

const (
	manifestFile  = "schema.json"
	schemaVersion = 2

	indexSubdir  = "index"
	chunksSubdir = "chunks"
)

// manifest is the collection's on-disk identity record. The indexed field
// set grows monotonically as ingests introduce new metadata fields; the
// filter planner reads it to decide which clauses may push down.
type manifest struct {
	SchemaVersion int      `json:"schema_version"`
	Tenant        string   `json:"tenant"`
	Collection    string   `json:"collection"`
	Fingerprint   string   `json:"fingerprint"`
	Dimension     int      `json:"dimension"`
	CreatedAt     string   `json:"created_at"`
	IndexedFields []string `json:"indexed_fields"`
}

func (m *manifest) indexedSet() map[string]bool {
	set := make(map[string]bool, len(m.IndexedFields))
	for _, f := range m.IndexedFields {
		set[f] = true
	}
	return set
}

// collection is an open collection handle. The mutex serialises index
// mutations and is held for the backend query phase of a search.
type collection struct {
	mu sync.Mutex

	tenant string
	name   string
	dir    string

	manifest manifest
	backend  backend.Backend
	meta     *metastore.Store
	sidecar  *sidecar.Store

	closed bool
}

// close releases the collection's stores. Caller holds c.mu.
func (c *collection) close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.meta.Close()
	if berr := c.backend.Close(); err == nil {
		err = berr
	}
	return err
}

// saveManifest writes the manifest atomically. Caller holds c.mu.
func (c *collection) saveManifest() error {
	data, err := json.MarshalIndent(c.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(c.dir, manifestFile), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// addIndexedFields unions new fields into the manifest, persisting only on
// change. Caller holds c.mu.
func (c *collection) addIndexedFields(fields map[string]string) error {
	set := c.manifest.indexedSet()
	changed := false
	for f := range fields {
		if !set[f] {
			set[f] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	names := make([]string, 0, len(set))
	for f := range set {
		names = append(names, f)
	}
	sort.Strings(names)
	c.manifest.IndexedFields = names
	return c.saveManifest()
}

func collectionKey(tenant, name string) string { return tenant + "/" + name }

func validateScope(tenant, name string) error {
	if err := sanitize.Slug("tenant", tenant); err != nil {
		return pverr.InvalidRequest("%v", err)
	}
	if err := sanitize.Slug("collection", name); err != nil {
		return pverr.InvalidRequest("%v", err)
	}
	return nil
}

// getCollection returns the open handle for a collection, opening it from
// disk on first use. Unknown collections yield not_found.
func (e *Engine) getCollection(tenant, name string) (*collection, error) {
	if err := validateScope(tenant, name); err != nil {
		return nil, err
	}

	e.guard.Lock()
	defer e.guard.Unlock()

	key := collectionKey(tenant, name)
	if c, ok := e.collections[key]; ok {
		return c, nil
	}

	if !catalog.Exists(e.cfg.VectorStore.DataDir, tenant, name) {
		return nil, pverr.NotFound("collection %s/%s does not exist", tenant, name)
	}

	c, err := e.openCollection(tenant, name)
	if err != nil {
		return nil, err
	}
	e.collections[key] = c
	return c, nil
}

// openCollection opens an existing collection directory. Caller holds the
// guard mutex.
func (e *Engine) openCollection(tenant, name string) (*collection, error) {
	dir := catalog.CollectionDir(e.cfg.VectorStore.DataDir, tenant, name)

	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, pverr.Unavailable("collection %s/%s has no readable manifest", tenant, name).WithCause(err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, pverr.Unavailable("collection %s/%s has a corrupt manifest", tenant, name).WithCause(err)
	}
	if m.Fingerprint != e.embedder.Fingerprint() {
		return nil, pverr.ModelMismatch(
			"collection %s/%s was created with embedding model %q, configured model is %q",
			tenant, name, m.Fingerprint, e.embedder.Fingerprint())
	}

	meta, err := metastore.Open(dir)
	if err != nil {
		return nil, err
	}

	be, err := backend.Open(backend.Config{
		Type:        e.cfg.VectorStore.Type,
		Dir:         filepath.Join(dir, indexSubdir),
		Dimension:   m.Dimension,
		Fingerprint: m.Fingerprint,
	})
	if err != nil {
		meta.Close()
		return nil, err
	}

	side, err := sidecar.New(filepath.Join(dir, chunksSubdir))
	if err != nil {
		meta.Close()
		be.Close()
		return nil, err
	}

	return &collection{
		tenant:   tenant,
		name:     name,
		dir:      dir,
		manifest: m,
		backend:  be,
		meta:     meta,
		sidecar:  side,
	}, nil
}

// CreateCollection creates an empty collection for the tenant.
func (e *Engine) CreateCollection(tenant, name string) error {
	start := time.Now()
	err := e.createCollection(tenant, name)
	e.emitLifecycle("create_collection", tenant, name, "", start, err)
	return err
}

func (e *Engine) createCollection(tenant, name string) error {
	if err := validateScope(tenant, name); err != nil {
		return err
	}

	e.guard.Lock()
	defer e.guard.Unlock()

	dataDir := e.cfg.VectorStore.DataDir
	if catalog.Exists(dataDir, tenant, name) {
		return pverr.AlreadyExists("collection %s/%s already exists", tenant, name)
	}

	dir := catalog.CollectionDir(dataDir, tenant, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating collection dir: %w", err)
	}

	c := &collection{
		tenant: tenant,
		name:   name,
		dir:    dir,
		manifest: manifest{
			SchemaVersion: schemaVersion,
			Tenant:        tenant,
			Collection:    name,
			Fingerprint:   e.embedder.Fingerprint(),
			Dimension:     e.embedder.Dimension(),
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		},
	}
	if err := c.saveManifest(); err != nil {
		os.RemoveAll(dir)
		return err
	}

	meta, err := metastore.Open(dir)
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	c.meta = meta

	be, err := backend.Open(backend.Config{
		Type:        e.cfg.VectorStore.Type,
		Dir:         filepath.Join(dir, indexSubdir),
		Dimension:   c.manifest.Dimension,
		Fingerprint: c.manifest.Fingerprint,
	})
	if err != nil {
		meta.Close()
		os.RemoveAll(dir)
		return err
	}
	c.backend = be

	side, err := sidecar.New(filepath.Join(dir, chunksSubdir))
	if err != nil {
		meta.Close()
		be.Close()
		os.RemoveAll(dir)
		return err
	}
	c.sidecar = side

	e.collections[collectionKey(tenant, name)] = c
	e.log.Info("collection created", zap.String("tenant", tenant), zap.String("collection", name))
	return nil
}

// DeleteCollection removes a collection and all its data.
func (e *Engine) DeleteCollection(tenant, name string) error {
	start := time.Now()
	err := e.deleteCollection(tenant, name)
	e.emitLifecycle("delete_collection", tenant, name, "", start, err)
	return err
}

func (e *Engine) deleteCollection(tenant, name string) error {
	if err := validateScope(tenant, name); err != nil {
		return err
	}

	e.guard.Lock()
	key := collectionKey(tenant, name)
	c, open := e.collections[key]
	if open {
		delete(e.collections, key)
	}
	exists := open || catalog.Exists(e.cfg.VectorStore.DataDir, tenant, name)
	e.guard.Unlock()

	if !exists {
		return pverr.NotFound("collection %s/%s does not exist", tenant, name)
	}

	if open {
		// Wait out in-flight operations before removing files.
		c.mu.Lock()
		c.close()
		c.mu.Unlock()
	}

	dir := catalog.CollectionDir(e.cfg.VectorStore.DataDir, tenant, name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing collection dir: %w", err)
	}
	e.log.Info("collection deleted", zap.String("tenant", tenant), zap.String("collection", name))
	return nil
}

// RenameCollection renames a collection within its tenant. The rename is a
// directory move: the old handle is closed and evicted, and the collection
// reopens lazily under the new name. At most one collection lock is held.
func (e *Engine) RenameCollection(tenant, oldName, newName string) error {
	start := time.Now()
	err := e.renameCollection(tenant, oldName, newName)
	e.emitLifecycle("rename_collection", tenant, oldName, newName, start, err)
	return err
}

func (e *Engine) renameCollection(tenant, oldName, newName string) error {
	if err := validateScope(tenant, oldName); err != nil {
		return err
	}
	if err := sanitize.Slug("collection", newName); err != nil {
		return pverr.InvalidRequest("%v", err)
	}
	if oldName == newName {
		return pverr.InvalidRequest("new collection name equals the current name")
	}

	e.guard.Lock()
	defer e.guard.Unlock()

	dataDir := e.cfg.VectorStore.DataDir
	if !catalog.Exists(dataDir, tenant, oldName) {
		return pverr.NotFound("collection %s/%s does not exist", tenant, oldName)
	}
	if catalog.Exists(dataDir, tenant, newName) {
		return pverr.AlreadyExists("collection %s/%s already exists", tenant, newName)
	}

	key := collectionKey(tenant, oldName)
	if c, open := e.collections[key]; open {
		delete(e.collections, key)
		c.mu.Lock()
		c.close()
		c.mu.Unlock()
	}

	oldDir := catalog.CollectionDir(dataDir, tenant, oldName)
	newDir := catalog.CollectionDir(dataDir, tenant, newName)
	if err := os.Rename(oldDir, newDir); err != nil {
		return fmt.Errorf("renaming collection dir: %w", err)
	}

	// The manifest still names the old collection; rewrite it in place.
	c, err := e.openCollection(tenant, newName)
	if err != nil {
		return err
	}
	c.manifest.Collection = newName
	if err := c.saveManifest(); err != nil {
		c.close()
		return err
	}
	e.collections[collectionKey(tenant, newName)] = c

	e.log.Info("collection renamed",
		zap.String("tenant", tenant),
		zap.String("from", oldName),
		zap.String("to", newName),
	)
	return nil
}

// emitLifecycle records a lifecycle operation on the ops log and metrics.
func (e *Engine) emitLifecycle(op, tenant, name, newName string, start time.Time, err error) {
	ev := opslog.Event{
		Op:         op,
		Tenant:     tenant,
		Collection: name,
		NewName:    newName,
		LatencyMs:  roundMs(time.Since(start)),
		Status:     "ok",
	}
	if err != nil {
		ev.Status = "error"
		ev.ErrorCode = string(pverr.From(err).Code)
	}
	e.emit(ev)
}
