// Package metastore is the per-collection durable metadata map.
//
// It stores the docid -> [rid] catalog, per-chunk metadata, and document
// level metadata (stored once, joined at read time). Backed by a sqlite
// database in WAL mode: writes are serialised by the collection lock,
// reads run concurrently and never block writers.
package metastore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowlexi/patchvec/internal/pverr"
)

const dbFileName = "meta.db"

// legacyFiles are the on-disk layout of the previous metadata generation.
// Their presence means the collection predates the sqlite store; we refuse
// to open rather than silently migrate.
var legacyFiles = []string{"catalog.json", "meta.json"}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	docid       TEXT PRIMARY KEY,
	version     INTEGER NOT NULL DEFAULT 1,
	ingested_at TEXT NOT NULL,
	meta        TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS chunks (
	rid     TEXT PRIMARY KEY,
	docid   TEXT NOT NULL,
	ordinal INTEGER NOT NULL,
	meta    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_chunks_docid ON chunks(docid);
`

// ChunkRow is one chunk's metadata for upsert.
type ChunkRow struct {
	RID     string
	Ordinal int
	Meta    map[string]any
}

// Store is the metadata store for one collection.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the metadata database in dir.
// Returns a legacy_metadata error if an older on-disk layout is found.
func Open(dir string) (*Store, error) {
	for _, name := range legacyFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return nil, pverr.LegacyMetadata(
				"collection at %s uses the legacy JSON metadata layout (%s); re-ingest the collection's documents into a freshly created collection", dir, name)
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating metadata dir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	if err != nil {
		return nil, fmt.Errorf("opening metadata db: %w", err)
	}

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating metadata schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertChunks atomically replaces a document's chunk set and metadata.
// The document version increments on each call (starting at 1). Returns
// the new version.
func (s *Store) UpsertChunks(docid string, chunks []ChunkRow, docMeta map[string]any) (int, error) {
	docMetaJSON, err := json.Marshal(orEmpty(docMeta))
	if err != nil {
		return 0, fmt.Errorf("marshaling doc meta: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer tx.Rollback()

	version := 1
	var current int
	err = tx.QueryRow("SELECT version FROM documents WHERE docid = ?", docid).Scan(&current)
	switch {
	case err == nil:
		version = current + 1
	case err == sql.ErrNoRows:
	default:
		return 0, fmt.Errorf("reading doc version: %w", err)
	}

	if _, err := tx.Exec("DELETE FROM chunks WHERE docid = ?", docid); err != nil {
		return 0, fmt.Errorf("clearing prior chunks: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(
		"INSERT INTO documents (docid, version, ingested_at, meta) VALUES (?, ?, ?, ?) "+
			"ON CONFLICT(docid) DO UPDATE SET version = excluded.version, ingested_at = excluded.ingested_at, meta = excluded.meta",
		docid, version, now, string(docMetaJSON),
	); err != nil {
		return 0, fmt.Errorf("upserting document row: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO chunks (rid, docid, ordinal, meta) VALUES (?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		metaJSON, err := json.Marshal(orEmpty(c.Meta))
		if err != nil {
			return 0, fmt.Errorf("marshaling chunk meta for %s: %w", c.RID, err)
		}
		if _, err := stmt.Exec(c.RID, docid, c.Ordinal, string(metaJSON)); err != nil {
			return 0, fmt.Errorf("inserting chunk %s: %w", c.RID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert: %w", err)
	}
	return version, nil
}

// DeleteDoc removes a document and returns the rids that were deleted.
// Unknown docids return an empty slice, no error.
func (s *Store) DeleteDoc(docid string) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning delete tx: %w", err)
	}
	defer tx.Rollback()

	rids, err := queryRIDs(tx, docid)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec("DELETE FROM chunks WHERE docid = ?", docid); err != nil {
		return nil, fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM documents WHERE docid = ?", docid); err != nil {
		return nil, fmt.Errorf("deleting document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing delete: %w", err)
	}
	return rids, nil
}

// HasDoc reports whether a docid exists.
func (s *Store) HasDoc(docid string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM documents WHERE docid = ?", docid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking docid: %w", err)
	}
	return true, nil
}

// GetRIDs returns a document's rids in ordinal order.
func (s *Store) GetRIDs(docid string) ([]string, error) {
	return queryRIDs(s.db, docid)
}

// GetDocVersion returns the document's version counter, or 0 if absent.
func (s *Store) GetDocVersion(docid string) (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM documents WHERE docid = ?", docid).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading doc version: %w", err)
	}
	return version, nil
}

// DocCount returns the number of documents in the collection.
func (s *Store) DocCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting documents: %w", err)
	}
	return n, nil
}

// GetMetaBatch hydrates merged metadata for a batch of rids: document-level
// fields joined with per-chunk fields (chunk wins on key conflicts), plus
// docid and version. Unknown rids are simply absent from the result.
func (s *Store) GetMetaBatch(rids []string) (map[string]map[string]any, error) {
	if len(rids) == 0 {
		return map[string]map[string]any{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rids)), ",")
	query := `
		SELECT c.rid, c.docid, c.meta, d.meta, d.version, d.ingested_at
		FROM chunks c JOIN documents d ON d.docid = c.docid
		WHERE c.rid IN (` + placeholders + `)`

	args := make([]any, len(rids))
	for i, rid := range rids {
		args[i] = rid
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("hydrating metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]any, len(rids))
	for rows.Next() {
		var rid, docid, chunkMetaJSON, docMetaJSON, ingestedAt string
		var version int
		if err := rows.Scan(&rid, &docid, &chunkMetaJSON, &docMetaJSON, &version, &ingestedAt); err != nil {
			return nil, fmt.Errorf("scanning metadata row: %w", err)
		}

		merged := make(map[string]any)
		if err := json.Unmarshal([]byte(docMetaJSON), &merged); err != nil {
			return nil, fmt.Errorf("decoding doc meta for %s: %w", docid, err)
		}
		chunkMeta := make(map[string]any)
		if err := json.Unmarshal([]byte(chunkMetaJSON), &chunkMeta); err != nil {
			return nil, fmt.Errorf("decoding chunk meta for %s: %w", rid, err)
		}
		for k, v := range chunkMeta {
			merged[k] = v
		}
		merged["docid"] = docid
		merged["version"] = version
		merged["ingested_at"] = ingestedAt

		out[rid] = merged
	}
	return out, rows.Err()
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryRIDs(q querier, docid string) ([]string, error) {
	rows, err := q.Query("SELECT rid FROM chunks WHERE docid = ? ORDER BY ordinal", docid)
	if err != nil {
		return nil, fmt.Errorf("querying rids: %w", err)
	}
	defer rows.Close()

	var rids []string
	for rows.Next() {
		var rid string
		if err := rows.Scan(&rid); err != nil {
			return nil, fmt.Errorf("scanning rid: %w", err)
		}
		rids = append(rids, rid)
	}
	return rids, rows.Err()
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
