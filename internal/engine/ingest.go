package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/backend"
	"github.com/flowlexi/patchvec/internal/metastore"
	"github.com/flowlexi/patchvec/internal/metrics"
	"github.com/flowlexi/patchvec/internal/opslog"
	"github.com/flowlexi/patchvec/internal/preprocess"
	"github.com/flowlexi/patchvec/internal/pverr"
	"github.com/flowlexi/patchvec/internal/sanitize"
)

// IngestRequest is one document upload.
type IngestRequest struct {
	// DocID is the caller-chosen document identifier. Empty means derive
	// one from the filename, falling back to a random UUID.
	DocID string

	Filename    string
	ContentType string
	Data        []byte

	// Metadata holds caller-supplied document-level fields. Merged with
	// preprocessor metadata; caller fields win.
	Metadata map[string]any

	CSV preprocess.CSVOptions

	RequestID string
}

// IngestResult reports the outcome of an ingest.
type IngestResult struct {
	DocID     string  `json:"docid"`
	Chunks    int     `json:"chunks"`
	Version   int     `json:"version"`
	Replaced  bool    `json:"replaced"`
	LatencyMs float64 `json:"latency_ms"`
}

// Ingest chunks, embeds and indexes one document. Re-ingesting an existing
// docid atomically replaces its previous chunk set and bumps the version.
func (e *Engine) Ingest(ctx context.Context, tenant, collectionName string, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	res, err := e.doIngest(ctx, tenant, collectionName, req)

	ev := opslog.Event{
		Op:         "ingest",
		Tenant:     tenant,
		Collection: collectionName,
		LatencyMs:  roundMs(time.Since(start)),
		Status:     "ok",
		RequestID:  req.RequestID,
	}
	if err != nil {
		ev.Status = "error"
		ev.ErrorCode = string(pverr.From(err).Code)
		ev.DocID = req.DocID
	} else {
		ev.DocID = res.DocID
		ev.Chunks = res.Chunks
		res.LatencyMs = ev.LatencyMs
	}
	e.emit(ev)
	return res, err
}

func (e *Engine) doIngest(ctx context.Context, tenant, collectionName string, req IngestRequest) (*IngestResult, error) {
	release, err := e.admit("ingest", tenant, e.ingestSem, metrics.IngestsInFlight)
	if err != nil {
		return nil, err
	}
	defer release()

	if max := e.cfg.Limits.Ingest.MaxBytes; max > 0 && int64(len(req.Data)) > max {
		return nil, pverr.TooLarge("document is %d bytes, limit is %d", len(req.Data), max)
	}
	if len(req.Data) == 0 {
		return nil, pverr.InvalidRequest("empty document body")
	}

	docid, err := resolveDocID(req.DocID, req.Filename)
	if err != nil {
		return nil, err
	}

	result, err := preprocess.Process(req.Filename, req.ContentType, req.Data, preprocess.Options{
		TxtChunkSize:    e.cfg.Chunk.Txt.Size,
		TxtChunkOverlap: e.cfg.Chunk.Txt.Overlap,
		CSV:             req.CSV,
	})
	if err != nil {
		return nil, err
	}

	docMeta := result.DocMeta
	for k, v := range req.Metadata {
		if err := sanitize.Field(k); err != nil {
			return nil, pverr.InvalidRequest("metadata field %q: must match [A-Za-z0-9_]+", k)
		}
		docMeta[k] = v
	}
	indexed := indexableFields(docMeta)

	c, err := e.getCollection(tenant, collectionName)
	if err != nil {
		return nil, err
	}

	// Embed before taking the collection lock: the model call dominates
	// ingest latency and needs nothing from the index.
	texts := make([]string, len(result.Chunks))
	for i, chunk := range result.Chunks {
		texts[i] = chunk.Text
	}
	var vectors [][]float32
	if len(texts) > 0 {
		vectors, err = e.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, pverr.Unavailable("embedding service failed").WithCause(err)
		}
		if len(vectors) != len(texts) {
			return nil, pverr.Internal(fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts)))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, pverr.Unavailable("collection %s/%s is shutting down", tenant, collectionName)
	}

	replaced, err := c.meta.HasDoc(docid)
	if err != nil {
		return nil, pverr.Internal(err)
	}
	oldRids, err := c.meta.GetRIDs(docid)
	if err != nil {
		return nil, pverr.Internal(err)
	}

	records := make([]backend.Record, len(result.Chunks))
	rows := make([]metastore.ChunkRow, len(result.Chunks))
	newSet := make(map[string]bool, len(result.Chunks))
	for i, chunk := range result.Chunks {
		rid := fmt.Sprintf("%s::%d", docid, chunk.Ordinal)
		records[i] = backend.Record{
			RID:           rid,
			Vector:        vectors[i],
			IndexedFields: indexed,
			Text:          chunk.Text,
		}
		rows[i] = metastore.ChunkRow{RID: rid, Ordinal: chunk.Ordinal, Meta: chunk.Meta}
		newSet[rid] = true
	}

	// Rids carried over from the previous version are overwritten in place;
	// rollback removes only the additions, so a failed re-ingest leaves the
	// committed version with its full rid set intact.
	oldSet := make(map[string]bool, len(oldRids))
	for _, rid := range oldRids {
		oldSet[rid] = true
	}
	var fresh []string
	for _, rec := range records {
		if !oldSet[rec.RID] {
			fresh = append(fresh, rec.RID)
		}
	}
	rollback := func() {
		if len(fresh) == 0 {
			return
		}
		if rbErr := c.backend.Delete(ctx, fresh); rbErr != nil {
			e.log.Error("ingest rollback failed",
				zap.String("tenant", tenant),
				zap.String("collection", collectionName),
				zap.String("docid", docid),
				zap.Error(rbErr),
			)
		}
		if rbErr := c.sidecar.Delete(fresh); rbErr != nil {
			e.log.Error("ingest sidecar rollback failed",
				zap.String("tenant", tenant),
				zap.String("collection", collectionName),
				zap.String("docid", docid),
				zap.Error(rbErr),
			)
		}
	}

	if err := c.backend.Upsert(ctx, records); err != nil {
		rollback()
		return nil, pverr.Internal(err)
	}

	// Sidecar text lands before the metadata commit: once a rid is
	// recorded, its text must already be readable.
	for _, rec := range records {
		if err := c.sidecar.Write(rec.RID, rec.Text); err != nil {
			rollback()
			return nil, pverr.Internal(err)
		}
	}

	version, err := c.meta.UpsertChunks(docid, rows, docMeta)
	if err != nil {
		rollback()
		return nil, pverr.Internal(err)
	}

	// Only now that the new version is committed may the stale rids go.
	var stale []string
	for _, rid := range oldRids {
		if !newSet[rid] {
			stale = append(stale, rid)
		}
	}
	if len(stale) > 0 {
		if err := c.backend.Delete(ctx, stale); err != nil {
			e.log.Error("stale chunk cleanup failed",
				zap.String("tenant", tenant),
				zap.String("collection", collectionName),
				zap.String("docid", docid),
				zap.Error(err),
			)
		}
		if err := c.sidecar.Delete(stale); err != nil {
			e.log.Error("stale sidecar cleanup failed",
				zap.String("tenant", tenant),
				zap.String("collection", collectionName),
				zap.String("docid", docid),
				zap.Error(err),
			)
		}
	}

	if err := c.addIndexedFields(indexed); err != nil {
		return nil, pverr.Internal(err)
	}

	metrics.ChunksIndexed.Add(float64(len(records)))
	e.log.Debug("document ingested",
		zap.String("tenant", tenant),
		zap.String("collection", collectionName),
		zap.String("docid", docid),
		zap.Int("chunks", len(records)),
		zap.Int("version", version),
	)

	return &IngestResult{DocID: docid, Chunks: len(records), Version: version, Replaced: replaced}, nil
}

// DeleteDocument removes a document's chunks from the index, the metadata
// store and the sidecar. Idempotent: unknown docids delete zero chunks.
func (e *Engine) DeleteDocument(ctx context.Context, tenant, collectionName, docid string) (int, error) {
	start := time.Now()
	deleted, err := e.doDeleteDocument(ctx, tenant, collectionName, docid)

	ev := opslog.Event{
		Op:         "delete_doc",
		Tenant:     tenant,
		Collection: collectionName,
		LatencyMs:  roundMs(time.Since(start)),
		Status:     "ok",
		DocID:      docid,
		Chunks:     deleted,
	}
	if err != nil {
		ev.Status = "error"
		ev.ErrorCode = string(pverr.From(err).Code)
	}
	e.emit(ev)
	return deleted, err
}

func (e *Engine) doDeleteDocument(ctx context.Context, tenant, collectionName, docid string) (int, error) {
	if err := sanitize.Slug("docid", docid); err != nil {
		return 0, pverr.InvalidRequest("%v", err)
	}

	c, err := e.getCollection(tenant, collectionName)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, pverr.Unavailable("collection %s/%s is shutting down", tenant, collectionName)
	}

	rids, err := c.meta.DeleteDoc(docid)
	if err != nil {
		return 0, pverr.Internal(err)
	}
	if len(rids) == 0 {
		return 0, nil
	}
	if err := c.backend.Delete(ctx, rids); err != nil {
		return 0, pverr.Internal(err)
	}
	if err := c.sidecar.Delete(rids); err != nil {
		return 0, pverr.Internal(err)
	}
	return len(rids), nil
}

// docidFromFilename derives a docid slug from an upload filename.
var docidCleaner = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

func resolveDocID(explicit, filename string) (string, error) {
	if explicit != "" {
		if err := sanitize.Slug("docid", explicit); err != nil {
			return "", pverr.InvalidRequest("%v", err)
		}
		return explicit, nil
	}

	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	slug := strings.Trim(docidCleaner.ReplaceAllString(stem, "-"), "-_")
	if sanitize.IsSlug(slug) {
		return slug, nil
	}
	return uuid.NewString(), nil
}

// indexableFields projects document metadata onto the string fields a
// backend can denormalise for pre-filtering. Non-scalar values stay
// post-filter only.
func indexableFields(meta map[string]any) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool:
			out[k] = fmt.Sprintf("%t", val)
		case int:
			out[k] = fmt.Sprintf("%d", val)
		case int64:
			out[k] = fmt.Sprintf("%d", val)
		case float64:
			out[k] = fmt.Sprintf("%g", val)
		}
	}
	return out
}

func roundMs(d time.Duration) float64 {
	ms := float64(d.Microseconds()) / 1000
	return float64(int64(ms*100+0.5)) / 100
}
