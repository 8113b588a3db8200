package preprocess

import (
	"bytes"

	"github.com/ledongthuc/pdf"
)

// processPDF emits one chunk per page. Pages with no extractable text are
// emitted as empty chunks so page numbering stays aligned with the source.
func processPDF(filename string, data []byte) (*Result, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, formatError("pdf", filename, err)
	}

	total := reader.NumPage()
	chunks := make([]Chunk, 0, total)
	for pageNum := 1; pageNum <= total; pageNum++ {
		text := ""
		page := reader.Page(pageNum)
		if !page.V.IsNull() {
			// Extraction failures degrade to an empty page rather than
			// failing the whole document.
			if t, err := page.GetPlainText(nil); err == nil {
				text = t
			}
		}
		chunks = append(chunks, Chunk{
			Ordinal: pageNum,
			Text:    text,
			Meta: map[string]any{
				"page": pageNum,
			},
		})
	}

	meta := baseDocMeta(filename, "pdf")
	meta["pages"] = total
	return &Result{Chunks: chunks, DocMeta: meta}, nil
}
