package backend

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/flowlexi/patchvec/internal/filter"
	"github.com/flowlexi/patchvec/internal/sanitize"
)

// sqlvecBackend implements Backend on a plain sqlite table: one row per
// chunk with the vector as a little-endian float32 blob plus one TEXT
// column per indexed metadata field. Pre-filtering is a real SQL WHERE
// clause; similarity is brute-force cosine over the filtered rows. It
// stores no payload, so search hits lean on the sidecar for text.
type sqlvecBackend struct {
	db *sql.DB

	mu      sync.Mutex
	columns map[string]bool
}

func openSqlvec(cfg Config) (Backend, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("creating backend dir %s: %w", cfg.Dir, err)
	}
	if err := checkFingerprint(cfg.Dir, cfg.Fingerprint, cfg.Dimension); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", filepath.Join(cfg.Dir, "vectors.db"))
	if err != nil {
		return nil, fmt.Errorf("opening vector db: %w", err)
	}
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

	if _, err := db.Exec("CREATE TABLE IF NOT EXISTS vectors (rid TEXT PRIMARY KEY, vec BLOB NOT NULL)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vectors table: %w", err)
	}

	b := &sqlvecBackend{db: db, columns: make(map[string]bool)}
	if err := b.loadColumns(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *sqlvecBackend) loadColumns() error {
	rows, err := b.db.Query("PRAGMA table_info(vectors)")
	if err != nil {
		return fmt.Errorf("reading vectors schema: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("scanning vectors schema: %w", err)
		}
		if name != "rid" && name != "vec" {
			b.columns[name] = true
		}
	}
	return rows.Err()
}

// ensureColumns adds a TEXT column for every indexed field not yet in the
// table. Fields are slug-validated upstream but re-checked here since they
// are spliced into DDL.
func (b *sqlvecBackend) ensureColumns(records []Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		for field := range rec.IndexedFields {
			if b.columns[field] {
				continue
			}
			if err := sanitize.Field(field); err != nil {
				return err
			}
			if _, err := b.db.Exec("ALTER TABLE vectors ADD COLUMN [" + field + "] TEXT"); err != nil {
				return fmt.Errorf("adding index column %s: %w", field, err)
			}
			b.columns[field] = true
		}
	}
	return nil
}

func (b *sqlvecBackend) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := b.ensureColumns(records); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert tx: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		cols := []string{"rid", "vec"}
		args := []any{rec.RID, encodeVector(rec.Vector)}
		for field, value := range rec.IndexedFields {
			cols = append(cols, "["+field+"]")
			args = append(args, value)
		}
		query := "INSERT OR REPLACE INTO vectors (" + strings.Join(cols, ", ") + ") VALUES (" +
			strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upserting vector %s: %w", rec.RID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	return nil
}

func (b *sqlvecBackend) Delete(ctx context.Context, rids []string) error {
	if len(rids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(rids)), ",")
	args := make([]any, len(rids))
	for i, rid := range rids {
		args[i] = rid
	}
	if _, err := b.db.ExecContext(ctx, "DELETE FROM vectors WHERE rid IN ("+placeholders+")", args...); err != nil {
		return fmt.Errorf("deleting vectors: %w", err)
	}
	return nil
}

func (b *sqlvecBackend) Search(ctx context.Context, queryVector []float32, k int, pre []filter.Clause) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	query := "SELECT rid, vec FROM vectors"
	if len(pre) > 0 {
		where, err := filter.RenderSQL(pre)
		if err != nil {
			return nil, err
		}
		query += " WHERE " + where
	}

	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var rid string
		var blob []byte
		if err := rows.Scan(&rid, &blob); err != nil {
			return nil, fmt.Errorf("scanning vector row: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("vector %s: %w", rid, err)
		}
		hits = append(hits, Hit{RID: rid, Score: cosine(queryVector, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vectors: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RID < hits[j].RID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (b *sqlvecBackend) Caps() filter.Caps {
	return filter.Caps{Eq: true, Neq: true}
}

func (b *sqlvecBackend) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vectors").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting vectors: %w", err)
	}
	return n, nil
}

func (b *sqlvecBackend) Close() error {
	return b.db.Close()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("malformed vector blob of %d bytes", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*i:]))
	}
	return vec, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var _ Backend = (*sqlvecBackend)(nil)
