// Package document opens PDFs and serves memoized per-page text.
package document

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Document is an open, paginated document.
type Document interface {
	NumPages() int
	Page(n int) (Page, error)
	Close() error
}

// Page exposes the text fragments of one page in reading order.
type Page interface {
	TextItems() ([]string, error)
}

type pdfDocument struct {
	reader *pdf.Reader
	closer io.Closer
}

type pdfPage struct {
	page pdf.Page
}

// OpenFile opens a PDF on disk.
func OpenFile(path string) (Document, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	return &pdfDocument{reader: reader, closer: file}, nil
}

// OpenBytes opens an in-memory PDF.
func OpenBytes(data []byte) (Document, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	return &pdfDocument{reader: reader}, nil
}

func (d *pdfDocument) NumPages() int {
	return d.reader.NumPage()
}

func (d *pdfDocument) Page(n int) (Page, error) {
	if n < 1 || n > d.NumPages() {
		return nil, fmt.Errorf("page %d out of range [1, %d]", n, d.NumPages())
	}
	page := d.reader.Page(n)
	if page.V.IsNull() {
		return nil, fmt.Errorf("page %d is empty", n)
	}
	return pdfPage{page: page}, nil
}

func (d *pdfDocument) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

// TextItems returns one item per text row. Pages whose rows cannot be
// recovered fall back to the plain-text stream as a single item.
func (p pdfPage) TextItems() ([]string, error) {
	rows, err := p.page.GetTextByRow()
	if err == nil && len(rows) > 0 {
		items := make([]string, 0, len(rows))
		for _, row := range rows {
			var b strings.Builder
			for _, text := range row.Content {
				b.WriteString(text.S)
			}
			if item := sanitizeText(b.String()); item != "" {
				items = append(items, item)
			}
		}
		return items, nil
	}
	plain, perr := p.page.GetPlainText(nil)
	if perr != nil {
		if err != nil {
			return nil, fmt.Errorf("failed to extract pdf text: %w", err)
		}
		return nil, fmt.Errorf("failed to extract pdf text: %w", perr)
	}
	if plain = sanitizeText(plain); plain == "" {
		return nil, nil
	}
	return []string{plain}, nil
}

// sanitizeText drops NUL and other non-printing control characters.
func sanitizeText(s string) string {
	if s == "" {
		return s
	}
	r := make([]rune, 0, len(s))
	for _, ch := range s {
		if ch == '\n' || ch == '\r' || ch == '\t' {
			r = append(r, ch)
			continue
		}
		if ch < 0x20 || ch == 0x7f {
			continue
		}
		r = append(r, ch)
	}
	return strings.TrimSpace(string(r))
}
