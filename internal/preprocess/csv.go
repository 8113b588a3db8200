package preprocess

import (
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/flowlexi/patchvec/internal/pverr"
)

// CSVOptions controls row chunking.
type CSVOptions struct {
	// HasHeader is "auto" (default), "yes" or "no".
	HasHeader string

	// MetaCols names columns projected into chunk metadata instead of the
	// chunk text. Requires a header row.
	MetaCols []string

	// IncludeCols restricts which rows are emitted: a row is included only
	// if every listed column equals the given value. Requires a header row.
	IncludeCols map[string]string
}

// processCSV emits one chunk per data row. With a header row, MetaCols are
// projected into chunk metadata and the remaining cells joined into the
// chunk text; without one, all cells are joined.
func processCSV(filename string, data []byte, opts CSVOptions) (*Result, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, formatError("csv", filename, err)
	}

	var header []string
	switch strings.ToLower(opts.HasHeader) {
	case "", "auto":
		if looksLikeHeader(rows) {
			header = rows[0]
			rows = rows[1:]
		}
	case "yes":
		if len(rows) == 0 {
			return nil, pverr.InvalidRequest("csv %q declared a header but is empty", filename)
		}
		header = rows[0]
		rows = rows[1:]
	case "no":
	default:
		return nil, pverr.InvalidRequest("csv_has_header must be auto, yes or no, got %q", opts.HasHeader)
	}

	if header == nil && (len(opts.MetaCols) > 0 || len(opts.IncludeCols) > 0) {
		return nil, pverr.InvalidRequest("csv_meta_cols and csv_include_cols require a header row")
	}

	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[strings.TrimSpace(name)] = i
	}
	for _, name := range opts.MetaCols {
		if _, ok := colIndex[name]; !ok {
			return nil, pverr.InvalidRequest("csv_meta_cols names unknown column %q", name)
		}
	}
	for name := range opts.IncludeCols {
		if _, ok := colIndex[name]; !ok {
			return nil, pverr.InvalidRequest("csv_include_cols names unknown column %q", name)
		}
	}

	metaSet := make(map[int]bool, len(opts.MetaCols))
	for _, name := range opts.MetaCols {
		metaSet[colIndex[name]] = true
	}

	var chunks []Chunk
	for rowNum, row := range rows {
		if !rowMatches(row, colIndex, opts.IncludeCols) {
			continue
		}

		meta := map[string]any{
			"row": rowNum + 1,
		}
		var textCells []string
		for i, cell := range row {
			if metaSet[i] {
				meta[strings.TrimSpace(header[i])] = cell
				continue
			}
			textCells = append(textCells, cell)
		}

		chunks = append(chunks, Chunk{
			Ordinal: len(chunks) + 1,
			Text:    strings.Join(textCells, "; "),
			Meta:    meta,
		})
	}

	meta := baseDocMeta(filename, "csv")
	if header != nil {
		meta["columns"] = strings.Join(header, ",")
	}
	return &Result{Chunks: chunks, DocMeta: meta}, nil
}

// rowMatches applies the include filter; rows shorter than a filtered
// column are excluded.
func rowMatches(row []string, colIndex map[string]int, include map[string]string) bool {
	for name, want := range include {
		i := colIndex[name]
		if i >= len(row) || row[i] != want {
			return false
		}
	}
	return true
}

// looksLikeHeader guesses header presence: first row present, all cells
// non-empty, non-numeric and unique.
func looksLikeHeader(rows [][]string) bool {
	if len(rows) == 0 {
		return false
	}
	seen := make(map[string]bool, len(rows[0]))
	for _, cell := range rows[0] {
		cell = strings.TrimSpace(cell)
		if cell == "" || seen[cell] {
			return false
		}
		if _, err := strconv.ParseFloat(cell, 64); err == nil {
			return false
		}
		seen[cell] = true
	}
	return true
}
