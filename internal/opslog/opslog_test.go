package opslog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDisabledLoggerIsInert(t *testing.T) {
	l, err := New("", zap.NewNop())
	require.NoError(t, err)

	l.Emit(Event{Op: "search", Tenant: "acme"})
	require.NoError(t, l.Close())
}

func TestEmitWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")
	l, err := New(path, zap.NewNop())
	require.NoError(t, err)

	l.Emit(Event{
		Op:         "ingest",
		Tenant:     "acme",
		Collection: "docs",
		LatencyMs:  12.34,
		Status:     "ok",
		DocID:      "verne",
		Chunks:     28,
	})
	l.Emit(Event{
		Op:        "search",
		Tenant:    "acme",
		Status:    "error",
		ErrorCode: "not_found",
	})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "ingest", first["op"])
	assert.Equal(t, "acme", first["tenant"])
	assert.Equal(t, "docs", first["collection"])
	assert.Equal(t, float64(28), first["chunks"])
	assert.NotEmpty(t, first["ts"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "error", second["status"])
	assert.Equal(t, "not_found", second["error_code"])
	_, hasDocID := second["docid"]
	assert.False(t, hasDocID, "conditional fields are omitted when empty")
}

func TestAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")

	for i := 0; i < 2; i++ {
		l, err := New(path, zap.NewNop())
		require.NoError(t, err)
		l.Emit(Event{Op: "create_collection", Tenant: "acme", Status: "ok"})
		require.NoError(t, l.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 2, n)
}

func TestOversizedEventIsTrimmed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")
	l, err := New(path, zap.NewNop())
	require.NoError(t, err)

	l.Emit(Event{
		Op:        "ingest",
		Tenant:    "acme",
		Status:    "error",
		DocID:     strings.Repeat("d", 9000),
		ErrorCode: "internal",
	})
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Less(t, len(lines[0]), 8*1024)

	var ev map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &ev))
	assert.Equal(t, "ingest", ev["op"])
	_, hasDocID := ev["docid"]
	assert.False(t, hasDocID)
}
