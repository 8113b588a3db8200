package httpapi_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/auth"
	"github.com/flowlexi/patchvec/internal/config"
	"github.com/flowlexi/patchvec/internal/engine"
	"github.com/flowlexi/patchvec/internal/httpapi"
)

type testServer struct {
	handler http.Handler
	token   string
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Config{
		Server:      config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Auth:        config.AuthConfig{Mode: "none"},
		VectorStore: config.VectorStoreConfig{Type: "chromem", DataDir: t.TempDir()},
		Embedder:    config.EmbedderConfig{Type: "hash", Model: "hash-64", Dimension: 64},
		Chunk:       config.ChunkConfig{Txt: config.TxtChunkConfig{Size: 200, Overlap: 40}},
		Search:      config.SearchConfig{Overfetch: 5},
		Limits: config.LimitsConfig{
			Search: config.SearchLimits{MaxConcurrent: 8, TimeoutMs: 5000},
			Ingest: config.IngestLimits{MaxConcurrent: 4, MaxBytes: 1 << 20},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := engine.New(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	resolver, err := auth.New(auth.Config{
		Mode:        cfg.Auth.Mode,
		GlobalKey:   cfg.Auth.GlobalKey,
		TenantsFile: cfg.Auth.TenantsFile,
	})
	require.NoError(t, err)

	srv, err := httpapi.NewServer(cfg, eng, resolver, zap.NewNop())
	require.NoError(t, err)

	return &testServer{handler: srv.Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body *bytes.Buffer, contentType string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set(echoHeaderContentType, contentType)
	}
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	var payload map[string]any
	if strings.Contains(rec.Header().Get(echoHeaderContentType), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

const echoHeaderContentType = "Content-Type"

func (ts *testServer) doJSON(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	buf := &bytes.Buffer{}
	if body != nil {
		require.NoError(t, json.NewEncoder(buf).Encode(body))
	}
	return ts.do(t, method, path, buf, "application/json")
}

func (ts *testServer) upload(t *testing.T, path, filename, fileContentType, content string, fields map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	hdr["Content-Type"] = []string{fileContentType}
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)

	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	return ts.do(t, http.MethodPost, path, buf, w.FormDataContentType())
}

func TestCollectionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, payload := ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, payload["ok"])

	rec, payload = ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_exists", payload["code"])

	rec, payload = ts.doJSON(t, http.MethodPut, "/collections/acme/docs", map[string]any{"new_name": "papers"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "papers", payload["collection"])

	rec, payload = ts.doJSON(t, http.MethodGet, "/collections/acme", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	collections := payload["collections"].([]any)
	require.Len(t, collections, 1)
	assert.Equal(t, "papers", collections[0].(map[string]any)["name"])

	rec, _ = ts.doJSON(t, http.MethodDelete, "/collections/acme/papers", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, payload = ts.doJSON(t, http.MethodDelete, "/collections/acme/papers", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", payload["code"])
}

func TestIngestAndSearchOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)

	rec, payload := ts.upload(t, "/collections/acme/docs/documents",
		"nemo.txt", "text/plain", "captain nemo sails the nautilus",
		map[string]string{"metadata": `{"lang":"en"}`})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "nemo", payload["docid"])
	assert.Equal(t, float64(1), payload["chunks"])

	// GET search.
	rec, payload = ts.do(t, http.MethodGet, "/collections/acme/docs/search?q=nemo&k=3", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	matches := payload["matches"].([]any)
	require.Len(t, matches, 1)
	hit := matches[0].(map[string]any)
	assert.Equal(t, "nemo::1", hit["id"])
	assert.Contains(t, hit["text"], "captain nemo")
	assert.NotEmpty(t, payload["request_id"])

	// POST search with filters.
	rec, payload = ts.doJSON(t, http.MethodPost, "/collections/acme/docs/search",
		map[string]any{"q": "nemo", "k": 3, "filters": map[string]any{"lang": "en"}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, payload["matches"].([]any), 1)

	rec, payload = ts.doJSON(t, http.MethodPost, "/collections/acme/docs/search",
		map[string]any{"q": "nemo", "filters": map[string]any{"lang": "de"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, payload["matches"])

	// Delete document, idempotently.
	rec, payload = ts.doJSON(t, http.MethodDelete, "/collections/acme/docs/documents/nemo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), payload["chunks_deleted"])

	rec, payload = ts.doJSON(t, http.MethodDelete, "/collections/acme/docs/documents/nemo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), payload["chunks_deleted"])
}

func TestIngestCSVWithQueryKnobs(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)

	csv := "title,body,lang\nfirst,hello world,en\nsecond,hallo welt,de\n"
	rec, payload := ts.upload(t,
		"/collections/acme/docs/documents?csv_has_header=yes&csv_meta_cols=title&csv_include_cols=lang=en",
		"rows.csv", "text/csv", csv, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), payload["chunks"])

	rec, payload = ts.do(t, http.MethodGet, "/collections/acme/docs/search?q=hello", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	matches := payload["matches"].([]any)
	require.Len(t, matches, 1)
	meta := matches[0].(map[string]any)["meta"].(map[string]any)
	assert.Equal(t, "first", meta["title"])
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, nil)

	rec, payload := ts.do(t, http.MethodGet, "/collections/acme/ghost/search?q=x", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, payload["ok"])
	assert.Equal(t, "not_found", payload["code"])
	assert.NotEmpty(t, payload["error"])

	ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)
	rec, payload = ts.do(t, http.MethodGet, "/collections/acme/docs/search", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", payload["code"])

	rec, payload = ts.do(t, http.MethodGet, "/collections/acme/docs/search?q=x&filters={bad", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_filter", payload["code"])
}

func TestStaticAuthOverHTTP(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		path := filepath.Join(t.TempDir(), "tenants.yaml")
		require.NoError(t, os.WriteFile(path, []byte("keys:\n  sk-acme:\n    tenants: [acme]\n"), 0600))
		cfg.Auth = config.AuthConfig{Mode: "static", GlobalKey: "sk-root", TenantsFile: path}
	})

	// No token.
	rec, payload := ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", payload["code"])

	// Tenant-scoped key on its own tenant.
	ts.token = "sk-acme"
	rec, _ = ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Same key on another tenant.
	rec, payload = ts.doJSON(t, http.MethodPost, "/collections/beta/docs", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", payload["code"])

	// Global key is admin.
	ts.token = "sk-root"
	rec, _ = ts.doJSON(t, http.MethodPost, "/collections/beta/docs", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Health endpoints stay open.
	ts.token = ""
	rec, _ = ts.do(t, http.MethodGet, "/health/ready", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	// Populate at least one engine counter series.
	ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)

	rec, payload := ts.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", payload["status"])
	assert.NotEmpty(t, payload["version"])
	assert.Equal(t, "chromem", payload["backend"])

	rec, _ = ts.do(t, http.MethodGet, "/health/live", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = ts.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "patchvec_engine_requests_total")
}

func TestArchiveRestoreOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)
	ts.upload(t, "/collections/acme/docs/documents", "a.txt", "text/plain", "archived text", nil)

	rec, _ := ts.do(t, http.MethodGet, "/collections/acme/docs/archive", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get(echoHeaderContentType))
	archive := rec.Body.Bytes()
	require.NotEmpty(t, archive)

	rec, _ = ts.do(t, http.MethodPut, "/collections/acme/copy/archive", bytes.NewBuffer(archive), "application/gzip")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, payload := ts.do(t, http.MethodGet, "/collections/acme/copy/search?q=archived", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, payload["matches"].([]any), 1)
}

func TestIngestTooLarge(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.Ingest.MaxBytes = 16
	})
	ts.doJSON(t, http.MethodPost, "/collections/acme/docs", nil)

	rec, payload := ts.upload(t, "/collections/acme/docs/documents",
		"big.txt", "text/plain", strings.Repeat("x", 64), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "too_large", payload["code"])
}
