// Package pdftext extracts per-page plain text from uploaded PDFs. Offsets
// stored against a paper are only meaningful relative to this extraction
// output, so extraction runs once at upload time and the pages are persisted
// with the paper.
package pdftext

import (
	"bytes"
	"fmt"
	"io"
	"log"

	"github.com/ledongthuc/pdf"
)

// ExtractPages returns the plain text of every page, in order. Pages whose
// text layer fails to extract come back as empty strings rather than failing
// the whole document.
func ExtractPages(r io.ReaderAt, size int64) ([]string, error) {
	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	numPages := reader.NumPage()
	pages := make([]string, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			log.Printf("pdftext: page %d extraction failed: %v", i, err)
			pages = append(pages, "")
			continue
		}
		pages = append(pages, text)
	}
	return pages, nil
}

// ExtractPagesFromBytes is a convenience wrapper for in-memory uploads.
func ExtractPagesFromBytes(data []byte) ([]string, error) {
	return ExtractPages(bytes.NewReader(data), int64(len(data)))
}
