// Package preprocess turns uploaded documents into ordered chunks.
//
// Three formats are supported: TXT (sliding character window), PDF (one
// chunk per page) and CSV (one chunk per data row). Chunk ordinals are
// 1-based and deterministic: re-processing identical bytes yields identical
// ordinals, which keeps rid assignment idempotent across re-ingests.
package preprocess

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/flowlexi/patchvec/internal/pverr"
)

// Default sliding-window parameters for TXT sources.
const (
	DefaultTxtChunkSize    = 800
	DefaultTxtChunkOverlap = 120
)

// Chunk is one indexed unit produced by the preprocessor.
type Chunk struct {
	// Ordinal is the 1-based position within the document; the chunk rid
	// is assembled as {docid}::{ordinal}.
	Ordinal int

	// Text is the chunk payload. May be empty (blank PDF pages are still
	// emitted to preserve page numbering).
	Text string

	// Meta holds genuinely per-chunk fields: offset, page, row, section.
	Meta map[string]any
}

// Options controls format-specific behaviour. Zero values fall back to
// defaults at call time, so runtime config changes take effect per request.
type Options struct {
	TxtChunkSize    int
	TxtChunkOverlap int
	CSV             CSVOptions
}

// Result is the preprocessor output: ordered chunks plus document-level
// metadata derived from the source itself.
type Result struct {
	Chunks  []Chunk
	DocMeta map[string]any
}

// Process chunks the given source. The format is resolved from the
// content-type hint first, then the filename extension.
func Process(filename, contentType string, data []byte, opts Options) (*Result, error) {
	switch detectFormat(filename, contentType) {
	case "txt":
		return processTxt(filename, data, opts)
	case "pdf":
		return processPDF(filename, data)
	case "csv":
		return processCSV(filename, data, opts.CSV)
	default:
		return nil, pverr.UnsupportedMedia("cannot preprocess %q (content type %q): supported formats are txt, pdf, csv",
			filename, contentType)
	}
}

// detectFormat resolves the source format, preferring the content-type hint.
func detectFormat(filename, contentType string) string {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch strings.TrimSpace(strings.ToLower(ct)) {
	case "text/plain":
		return "txt"
	case "application/pdf":
		return "pdf"
	case "text/csv", "application/csv":
		return "csv"
	}

	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "txt", "text", "md":
		return "txt"
	case "pdf":
		return "pdf"
	case "csv":
		return "csv"
	}
	return ""
}

// baseDocMeta builds the document-level metadata shared by all formats.
func baseDocMeta(filename, format string) map[string]any {
	return map[string]any{
		"filename":     filename,
		"content_type": format,
	}
}

func processTxt(filename string, data []byte, opts Options) (*Result, error) {
	size := opts.TxtChunkSize
	if size <= 0 {
		size = DefaultTxtChunkSize
	}
	overlap := opts.TxtChunkOverlap
	if overlap <= 0 || overlap >= size {
		overlap = DefaultTxtChunkOverlap
		if overlap >= size {
			overlap = size / 4
		}
	}
	step := size - overlap

	text := []rune(string(data))
	var chunks []Chunk
	byteOffset := 0
	for i := 0; i < len(text); i += step {
		end := i + size
		if end > len(text) {
			end = len(text)
		}
		chunk := string(text[i:end])
		chunks = append(chunks, Chunk{
			Ordinal: len(chunks) + 1,
			Text:    chunk,
			Meta: map[string]any{
				"offset": byteOffset,
			},
		})
		if end == len(text) {
			break
		}
		byteOffset += len(string(text[i : i+step]))
	}

	return &Result{
		Chunks:  chunks,
		DocMeta: baseDocMeta(filename, "txt"),
	}, nil
}

// formatError wraps a parser failure as invalid_request: the payload claimed
// a supported format but could not be decoded as one.
func formatError(format, filename string, err error) error {
	return pverr.InvalidRequest("failed to parse %s source %q: %v", format, filename, err).WithCause(fmt.Errorf("parsing %s: %w", format, err))
}
