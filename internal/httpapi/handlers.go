package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/flowlexi/patchvec/internal/engine"
	"github.com/flowlexi/patchvec/internal/preprocess"
	"github.com/flowlexi/patchvec/internal/pverr"
)

func (s *Server) handleCreateCollection(c echo.Context) error {
	if err := s.engine.CreateCollection(c.Param("tenant"), c.Param("collection")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"ok":         true,
		"tenant":     c.Param("tenant"),
		"collection": c.Param("collection"),
	})
}

func (s *Server) handleDeleteCollection(c echo.Context) error {
	if err := s.engine.DeleteCollection(c.Param("tenant"), c.Param("collection")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleRenameCollection(c echo.Context) error {
	var body struct {
		NewName string `json:"new_name"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, pverr.InvalidRequest("request body must be JSON with a new_name field"))
	}
	if body.NewName == "" {
		return s.fail(c, pverr.InvalidRequest("new_name is required"))
	}
	if err := s.engine.RenameCollection(c.Param("tenant"), c.Param("collection"), body.NewName); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "collection": body.NewName})
}

func (s *Server) handleListCollections(c echo.Context) error {
	infos, err := s.engine.ListCollections(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return s.fail(c, err)
	}
	if infos == nil {
		infos = []engine.CollectionInfo{}
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "collections": infos})
}

func (s *Server) handleIngest(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return s.fail(c, pverr.InvalidRequest("multipart field 'file' is required"))
	}
	if max := s.cfg.Limits.Ingest.MaxBytes; max > 0 && file.Size > max {
		return s.fail(c, pverr.TooLarge("document is %d bytes, limit is %d", file.Size, max))
	}

	src, err := file.Open()
	if err != nil {
		return s.fail(c, pverr.Internal(err))
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return s.fail(c, pverr.Internal(err))
	}

	var metadata map[string]any
	if raw := c.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			return s.fail(c, pverr.InvalidRequest("metadata must be a JSON object"))
		}
	}

	req := engine.IngestRequest{
		DocID:       c.FormValue("docid"),
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Data:        data,
		Metadata:    metadata,
		CSV:         csvOptions(c),
		RequestID:   c.Response().Header().Get(echo.HeaderXRequestID),
	}

	res, err := s.engine.Ingest(c.Request().Context(), c.Param("tenant"), c.Param("collection"), req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"ok":         true,
		"docid":      res.DocID,
		"chunks":     res.Chunks,
		"version":    res.Version,
		"replaced":   res.Replaced,
		"latency_ms": res.LatencyMs,
	})
}

// csvOptions reads the csv_* query parameters.
func csvOptions(c echo.Context) preprocess.CSVOptions {
	opts := preprocess.CSVOptions{
		HasHeader: c.QueryParam("csv_has_header"),
	}
	if raw := c.QueryParam("csv_meta_cols"); raw != "" {
		for _, col := range strings.Split(raw, ",") {
			if col = strings.TrimSpace(col); col != "" {
				opts.MetaCols = append(opts.MetaCols, col)
			}
		}
	}
	if raw := c.QueryParam("csv_include_cols"); raw != "" {
		opts.IncludeCols = make(map[string]string)
		for _, pair := range strings.Split(raw, ",") {
			if name, value, ok := strings.Cut(pair, "="); ok {
				opts.IncludeCols[strings.TrimSpace(name)] = value
			}
		}
	}
	return opts
}

func (s *Server) handleDeleteDocument(c echo.Context) error {
	deleted, err := s.engine.DeleteDocument(c.Request().Context(),
		c.Param("tenant"), c.Param("collection"), c.Param("docid"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "chunks_deleted": deleted})
}

func (s *Server) handleSearchGet(c echo.Context) error {
	req := engine.SearchRequest{
		Query:     c.QueryParam("q"),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
	}
	if raw := c.QueryParam("k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return s.fail(c, pverr.InvalidRequest("k must be an integer, got %q", raw))
		}
		req.K = k
	}
	if raw := c.QueryParam("filters"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Filters); err != nil {
			return s.fail(c, pverr.InvalidFilter("filters must be a JSON object"))
		}
	}
	return s.search(c, req)
}

func (s *Server) handleSearchPost(c echo.Context) error {
	var body struct {
		Q         string         `json:"q"`
		K         int            `json:"k"`
		Filters   map[string]any `json:"filters"`
		RequestID string         `json:"request_id"`
	}
	if err := c.Bind(&body); err != nil {
		return s.fail(c, pverr.InvalidRequest("request body must be a JSON search object"))
	}

	req := engine.SearchRequest{
		Query:     body.Q,
		K:         body.K,
		Filters:   body.Filters,
		RequestID: body.RequestID,
	}
	if req.RequestID == "" {
		req.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}
	return s.search(c, req)
}

func (s *Server) search(c echo.Context, req engine.SearchRequest) error {
	res, err := s.engine.Search(c.Request().Context(), c.Param("tenant"), c.Param("collection"), req)
	if err != nil {
		return s.fail(c, err)
	}
	if res.Hits == nil {
		res.Hits = []engine.SearchHit{}
	}
	payload := map[string]any{
		"ok":         true,
		"matches":    res.Hits,
		"truncated":  res.Truncated,
		"latency_ms": res.LatencyMs,
	}
	if res.RequestID != "" {
		payload["request_id"] = res.RequestID
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleArchive(c echo.Context) error {
	tenant, collection := c.Param("tenant"), c.Param("collection")

	c.Response().Header().Set(echo.HeaderContentType, "application/gzip")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="`+tenant+`_`+collection+`.tar.gz"`)

	// Errors after the first byte cannot change the status line; existence
	// is checked inside Archive before anything is written.
	if err := s.engine.Archive(tenant, collection, c.Response()); err != nil {
		if c.Response().Committed {
			return err
		}
		return s.fail(c, err)
	}
	return nil
}

func (s *Server) handleRestore(c echo.Context) error {
	err := s.engine.Restore(c.Param("tenant"), c.Param("collection"), c.Request().Body)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"ok": true})
}
