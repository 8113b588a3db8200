package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowlexi/patchvec/internal/embeddings"
	"github.com/flowlexi/patchvec/internal/filter"
	"github.com/flowlexi/patchvec/internal/metrics"
	"github.com/flowlexi/patchvec/internal/opslog"
	"github.com/flowlexi/patchvec/internal/pverr"
)

const (
	// DefaultK is the result count when the caller does not specify one.
	DefaultK = 10

	// minFetchK floors the candidate pool when a post-filter forces
	// overfetching.
	minFetchK = 50
)

// SearchRequest is one semantic search.
type SearchRequest struct {
	Query   string
	K       int
	Filters map[string]any

	RequestID string
}

// SearchHit is one ranked result. Page and Offset surface the provenance
// recorded by the chunker when the format provides one.
type SearchHit struct {
	RID         string         `json:"id"`
	DocID       string         `json:"docid"`
	Score       float32        `json:"score"`
	Text        string         `json:"text"`
	Metadata    map[string]any `json:"meta"`
	MatchReason string         `json:"match_reason"`
	Page        *int           `json:"page,omitempty"`
	Offset      *int           `json:"offset,omitempty"`
}

// SearchResult is the outcome of a search.
type SearchResult struct {
	Hits      []SearchHit `json:"matches"`
	Truncated bool        `json:"truncated"`
	LatencyMs float64     `json:"latency_ms"`
	RequestID string      `json:"request_id,omitempty"`
}

// Search embeds the query, runs a pre-filtered k-NN against the backend,
// hydrates metadata, applies the post-filter and ranks the final top k.
// A deadline hit after candidates were fetched degrades to a truncated
// partial response instead of an error.
func (e *Engine) Search(ctx context.Context, tenant, collectionName string, req SearchRequest) (*SearchResult, error) {
	start := time.Now()
	res, err := e.doSearch(ctx, tenant, collectionName, req)

	ev := opslog.Event{
		Op:         "search",
		Tenant:     tenant,
		Collection: collectionName,
		LatencyMs:  roundMs(time.Since(start)),
		Status:     "ok",
		K:          req.K,
		RequestID:  req.RequestID,
	}
	if err != nil {
		ev.Status = "error"
		ev.ErrorCode = string(pverr.From(err).Code)
	} else {
		ev.Hits = len(res.Hits)
		res.LatencyMs = ev.LatencyMs
		res.RequestID = req.RequestID
	}
	e.emit(ev)
	return res, err
}

func (e *Engine) doSearch(ctx context.Context, tenant, collectionName string, req SearchRequest) (*SearchResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, pverr.InvalidRequest("query must not be empty")
	}
	k := req.K
	if k == 0 {
		k = DefaultK
	}
	if k < 0 {
		return nil, pverr.InvalidRequest("k must be positive, got %d", k)
	}

	release, err := e.admit("search", tenant, e.searchSem, metrics.SearchesInFlight)
	if err != nil {
		return nil, err
	}
	defer release()

	clauses, err := filter.Parse(req.Filters)
	if err != nil {
		return nil, err
	}

	c, err := e.getCollection(tenant, collectionName)
	if err != nil {
		return nil, err
	}

	if timeout := e.cfg.SearchTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	queryVec, err := e.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pverr.Timeout("search timed out while embedding the query")
		}
		return nil, pverr.Unavailable("embedding service failed").WithCause(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, pverr.Unavailable("collection %s/%s is shutting down", tenant, collectionName)
	}
	indexed := c.manifest.indexedSet()
	plan := filter.Split(clauses, func(f string) bool { return indexed[f] }, c.backend.Caps())

	fetchK := k
	if len(plan.Post) > 0 {
		fetchK = k * e.overfetch()
		if fetchK < minFetchK {
			fetchK = minFetchK
		}
	}

	candidates, err := c.backend.Search(ctx, queryVec, fetchK, plan.Pre)
	c.mu.Unlock()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, pverr.Timeout("search timed out before any candidates were ranked")
		}
		return nil, pverr.Internal(err)
	}

	rids := make([]string, len(candidates))
	for i, h := range candidates {
		rids[i] = h.RID
	}
	metaByRID, err := c.meta.GetMetaBatch(rids)
	if err != nil {
		return nil, pverr.Internal(err)
	}

	queryTokens := embeddings.Tokenize(req.Query)

	hits := make([]SearchHit, 0, len(candidates))
	for _, cand := range candidates {
		meta, ok := metaByRID[cand.RID]
		if !ok {
			// Index and metadata can briefly disagree during a crash
			// recovery window; skip rather than surface a ghost chunk.
			continue
		}
		if len(plan.Post) > 0 && !filter.Matches(meta, plan.Post) {
			continue
		}

		text := cand.Text
		if !cand.HasText {
			var found bool
			text, found = c.sidecar.Read(cand.RID)
			if found {
				metrics.SidecarFallbacks.Inc()
			}
		}

		docid, _ := meta["docid"].(string)
		hits = append(hits, SearchHit{
			RID:         cand.RID,
			DocID:       docid,
			Score:       cand.Score,
			Text:        text,
			Metadata:    meta,
			MatchReason: matchReason(queryTokens, text, clauses),
			Page:        metaInt(meta, "page"),
			Offset:      metaInt(meta, "offset"),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RID < hits[j].RID
	})

	truncated := false
	if len(hits) > k {
		hits = hits[:k]
	}
	if ctx.Err() != nil {
		// Deadline passed after candidates arrived: partial results win
		// over a timeout error.
		truncated = true
	}

	e.log.Debug("search completed",
		zap.String("tenant", tenant),
		zap.String("collection", collectionName),
		zap.Int("k", k),
		zap.Int("candidates", len(candidates)),
		zap.Int("hits", len(hits)),
		zap.Int("pre_clauses", len(plan.Pre)),
		zap.Int("post_clauses", len(plan.Post)),
	)

	return &SearchResult{Hits: hits, Truncated: truncated}, nil
}

// metaInt reads an integer metadata value. JSON decoding yields float64 for
// numbers; freshly built maps may still carry int.
func metaInt(meta map[string]any, key string) *int {
	switch v := meta[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		n := v
		return &n
	}
	return nil
}

func (e *Engine) overfetch() int {
	if n := e.cfg.Search.Overfetch; n > 0 {
		return n
	}
	return 5
}

// matchReason explains a hit deterministically: the filters it satisfied
// plus up to three query terms found in the chunk, alphabetically. Built
// from lookup data only, never from model output.
func matchReason(queryTokens []string, text string, clauses []filter.Clause) string {
	var parts []string

	if len(clauses) > 0 {
		rendered := make([]string, len(clauses))
		for i, c := range clauses {
			rendered[i] = c.String()
		}
		parts = append(parts, "matched filter "+strings.Join(rendered, ", "))
	}

	textTokens := make(map[string]bool)
	for _, tok := range embeddings.Tokenize(text) {
		textTokens[tok] = true
	}
	var overlap []string
	seen := make(map[string]bool)
	for _, tok := range queryTokens {
		if textTokens[tok] && !seen[tok] {
			overlap = append(overlap, tok)
			seen[tok] = true
		}
	}
	if len(overlap) > 0 {
		sort.Strings(overlap)
		if len(overlap) > 3 {
			overlap = overlap[:3]
		}
		parts = append(parts, "query terms "+strings.Join(overlap, ", "))
	}

	if len(parts) == 0 {
		return "semantic match"
	}
	return strings.Join(parts, "; ")
}
