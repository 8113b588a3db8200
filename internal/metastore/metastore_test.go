package metastore_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/flowlexi/patchvec/internal/metastore"
	"github.com/flowlexi/patchvec/internal/pverr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *metastore.Store {
	t.Helper()
	s, err := metastore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func chunkRows(rids ...string) []metastore.ChunkRow {
	rows := make([]metastore.ChunkRow, len(rids))
	for i, rid := range rids {
		rows[i] = metastore.ChunkRow{RID: rid, Ordinal: i + 1, Meta: map[string]any{"offset": i * 100}}
	}
	return rows
}

func TestUpsertChunks_VersionIncrements(t *testing.T) {
	s := openStore(t)

	v, err := s.UpsertChunks("doc", chunkRows("doc::1", "doc::2"), map[string]any{"lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = s.UpsertChunks("doc", chunkRows("doc::1", "doc::2", "doc::3"), map[string]any{"lang": "en"})
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	got, err := s.GetDocVersion("doc")
	require.NoError(t, err)
	assert.Equal(t, 2, got)
}

func TestUpsertChunks_ReplacesChunkSet(t *testing.T) {
	s := openStore(t)

	_, err := s.UpsertChunks("doc", chunkRows("doc::1", "doc::2", "doc::3"), nil)
	require.NoError(t, err)

	_, err = s.UpsertChunks("doc", chunkRows("doc::1", "doc::2"), nil)
	require.NoError(t, err)

	rids, err := s.GetRIDs("doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc::1", "doc::2"}, rids)

	// Old chunk is gone from hydration too.
	meta, err := s.GetMetaBatch([]string{"doc::3"})
	require.NoError(t, err)
	assert.Empty(t, meta)
}

func TestDeleteDoc(t *testing.T) {
	s := openStore(t)

	_, err := s.UpsertChunks("doc", chunkRows("doc::1", "doc::2"), nil)
	require.NoError(t, err)

	rids, err := s.DeleteDoc("doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc::1", "doc::2"}, rids)

	ok, err := s.HasDoc("doc")
	require.NoError(t, err)
	assert.False(t, ok)

	// Idempotent.
	rids, err = s.DeleteDoc("doc")
	require.NoError(t, err)
	assert.Empty(t, rids)
}

func TestGetMetaBatch_MergesDocAndChunkMeta(t *testing.T) {
	s := openStore(t)

	chunks := []metastore.ChunkRow{
		{RID: "doc::1", Ordinal: 1, Meta: map[string]any{"page": 1}},
		{RID: "doc::2", Ordinal: 2, Meta: map[string]any{"page": 2}},
	}
	_, err := s.UpsertChunks("doc", chunks, map[string]any{"lang": "en", "filename": "a.pdf"})
	require.NoError(t, err)

	meta, err := s.GetMetaBatch([]string{"doc::1", "doc::2", "ghost::1"})
	require.NoError(t, err)
	require.Len(t, meta, 2)

	m1 := meta["doc::1"]
	assert.Equal(t, "en", m1["lang"])
	assert.Equal(t, "a.pdf", m1["filename"])
	assert.Equal(t, float64(1), m1["page"])
	assert.Equal(t, "doc", m1["docid"])
	assert.Equal(t, 1, m1["version"])
	assert.NotEmpty(t, m1["ingested_at"])
}

func TestGetRIDs_OrdinalOrder(t *testing.T) {
	s := openStore(t)

	chunks := []metastore.ChunkRow{
		{RID: "doc::10", Ordinal: 10},
		{RID: "doc::2", Ordinal: 2},
		{RID: "doc::1", Ordinal: 1},
	}
	_, err := s.UpsertChunks("doc", chunks, nil)
	require.NoError(t, err)

	rids, err := s.GetRIDs("doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"doc::1", "doc::2", "doc::10"}, rids)
}

func TestConcurrentReadsDuringWrite(t *testing.T) {
	s := openStore(t)

	_, err := s.UpsertChunks("base", chunkRows("base::1"), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := s.GetMetaBatch([]string{"base::1"})
				assert.NoError(t, err)
			}
		}()
	}
	for j := 0; j < 20; j++ {
		_, err := s.UpsertChunks("doc", chunkRows("doc::1", "doc::2"), nil)
		require.NoError(t, err)
	}
	wg.Wait()
}

func TestOpen_LegacyLayoutRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.json"), []byte("{}"), 0644))

	_, err := metastore.Open(dir)
	require.Error(t, err)
	assert.Equal(t, pverr.CodeLegacyMetadata, pverr.From(err).Code)
	assert.Contains(t, err.Error(), "re-ingest")
}

func TestDocCount(t *testing.T) {
	s := openStore(t)
	n, err := s.DocCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.UpsertChunks("a", chunkRows("a::1"), nil)
	require.NoError(t, err)
	_, err = s.UpsertChunks("b", chunkRows("b::1"), nil)
	require.NoError(t, err)

	n, err = s.DocCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
