package backend_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlexi/patchvec/internal/backend"
	"github.com/flowlexi/patchvec/internal/filter"
	"github.com/flowlexi/patchvec/internal/pverr"
)

func openBackend(t *testing.T, typ, dir string) backend.Backend {
	t.Helper()
	b, err := backend.Open(backend.Config{Type: typ, Dir: dir, Dimension: 3, Fingerprint: "hash/hash-256/3"})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// axis returns a unit vector along the given axis, slightly rotated so
// distinct records never tie exactly.
func axis(i int, tilt float32) []float32 {
	v := []float32{0, 0, 0}
	v[i] = 1
	v[(i+1)%3] = tilt
	return v
}

func testRecords() []backend.Record {
	return []backend.Record{
		{RID: "a::1", Vector: axis(0, 0), IndexedFields: map[string]string{"lang": "en"}, Text: "alpha"},
		{RID: "a::2", Vector: axis(0, 0.1), IndexedFields: map[string]string{"lang": "en"}, Text: "beta"},
		{RID: "b::1", Vector: axis(1, 0), IndexedFields: map[string]string{"lang": "de"}, Text: "gamma"},
		{RID: "c::1", Vector: axis(2, 0), IndexedFields: map[string]string{"lang": "fr"}, Text: "delta"},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, typ string, b backend.Backend)) {
	for _, typ := range []string{"chromem", "sqlvec"} {
		t.Run(typ, func(t *testing.T) {
			fn(t, typ, openBackend(t, typ, t.TempDir()))
		})
	}
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	eachBackend(t, func(t *testing.T, typ string, b backend.Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, testRecords()))

		hits, err := b.Search(ctx, axis(0, 0), 2, nil)
		require.NoError(t, err)
		require.Len(t, hits, 2)
		assert.Equal(t, "a::1", hits[0].RID)
		assert.Equal(t, "a::2", hits[1].RID)
		assert.Greater(t, hits[0].Score, hits[1].Score)
	})
}

func TestSearch_PreFilterEquality(t *testing.T) {
	eachBackend(t, func(t *testing.T, typ string, b backend.Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, testRecords()))

		pre := []filter.Clause{{Field: "lang", Op: filter.OpEq, Value: "de"}}
		hits, err := b.Search(ctx, axis(0, 0), 10, pre)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "b::1", hits[0].RID)
	})
}

func TestSearch_KLargerThanCount(t *testing.T) {
	eachBackend(t, func(t *testing.T, typ string, b backend.Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, testRecords()))

		hits, err := b.Search(ctx, axis(1, 0), 100, nil)
		require.NoError(t, err)
		assert.Len(t, hits, 4)
	})
}

func TestSearch_EmptyIndex(t *testing.T) {
	eachBackend(t, func(t *testing.T, typ string, b backend.Backend) {
		hits, err := b.Search(context.Background(), axis(0, 0), 5, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestDelete_RemovesVectors(t *testing.T) {
	eachBackend(t, func(t *testing.T, typ string, b backend.Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, testRecords()))
		require.NoError(t, b.Delete(ctx, []string{"a::1", "a::2"}))

		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		hits, err := b.Search(ctx, axis(0, 0), 10, nil)
		require.NoError(t, err)
		for _, h := range hits {
			assert.NotContains(t, []string{"a::1", "a::2"}, h.RID)
		}
	})
}

func TestUpsert_ReplacesByRID(t *testing.T) {
	eachBackend(t, func(t *testing.T, typ string, b backend.Backend) {
		ctx := context.Background()
		require.NoError(t, b.Upsert(ctx, testRecords()))
		require.NoError(t, b.Upsert(ctx, []backend.Record{
			{RID: "a::1", Vector: axis(2, 0.1), IndexedFields: map[string]string{"lang": "fr"}, Text: "alpha2"},
		}))

		n, err := b.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		pre := []filter.Clause{{Field: "lang", Op: filter.OpEq, Value: "fr"}}
		hits, err := b.Search(ctx, axis(2, 0), 10, pre)
		require.NoError(t, err)
		assert.Len(t, hits, 2)
	})
}

func TestOpen_FingerprintMismatch(t *testing.T) {
	for _, typ := range []string{"chromem", "sqlvec"} {
		t.Run(typ, func(t *testing.T) {
			dir := t.TempDir()
			b := openBackend(t, typ, dir)
			require.NoError(t, b.Upsert(context.Background(), testRecords()))
			require.NoError(t, b.Close())

			_, err := backend.Open(backend.Config{Type: typ, Dir: dir, Dimension: 3, Fingerprint: "openai/text-embedding-3-small/1536"})
			require.Error(t, err)
			assert.Equal(t, pverr.CodeModelMismatch, pverr.From(err).Code)
		})
	}
}

func TestOpen_Reopen(t *testing.T) {
	for _, typ := range []string{"chromem", "sqlvec"} {
		t.Run(typ, func(t *testing.T) {
			dir := t.TempDir()
			b := openBackend(t, typ, dir)
			ctx := context.Background()
			require.NoError(t, b.Upsert(ctx, testRecords()))
			require.NoError(t, b.Close())

			b2 := openBackend(t, typ, dir)
			n, err := b2.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, n)

			// sqlvec must rediscover its dynamic index columns on reopen.
			pre := []filter.Clause{{Field: "lang", Op: filter.OpEq, Value: "en"}}
			hits, err := b2.Search(ctx, axis(0, 0), 10, pre)
			require.NoError(t, err)
			assert.Len(t, hits, 2)
		})
	}
}

func TestCaps(t *testing.T) {
	chromemB := openBackend(t, "chromem", t.TempDir())
	assert.Equal(t, filter.Caps{Eq: true}, chromemB.Caps())

	sqlvecB := openBackend(t, "sqlvec", t.TempDir())
	assert.Equal(t, filter.Caps{Eq: true, Neq: true}, sqlvecB.Caps())
}

func TestSqlvec_NeqPreFilter(t *testing.T) {
	b := openBackend(t, "sqlvec", t.TempDir())
	ctx := context.Background()
	require.NoError(t, b.Upsert(ctx, testRecords()))

	pre := []filter.Clause{{Field: "lang", Op: filter.OpNeq, Value: "en"}}
	hits, err := b.Search(ctx, axis(0, 0), 10, pre)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotContains(t, []string{"a::1", "a::2"}, h.RID)
	}
}

func TestOpen_UnknownType(t *testing.T) {
	_, err := backend.Open(backend.Config{Type: "pinecone", Dir: t.TempDir()})
	require.Error(t, err)
}

func TestHit_PayloadPresence(t *testing.T) {
	ctx := context.Background()

	cb := openBackend(t, "chromem", t.TempDir())
	require.NoError(t, cb.Upsert(ctx, testRecords()))
	hits, err := cb.Search(ctx, axis(0, 0), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.True(t, hits[0].HasText)
	assert.Equal(t, "alpha", hits[0].Text)

	sb := openBackend(t, "sqlvec", t.TempDir())
	require.NoError(t, sb.Upsert(ctx, testRecords()))
	hits, err = sb.Search(ctx, axis(0, 0), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.False(t, hits[0].HasText)
}
