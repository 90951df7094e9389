package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// DefaultBytesPerPage is the page-size estimate used when a PDF cannot be
// parsed.
const DefaultBytesPerPage int64 = 100 << 10

// PDFPageCounter counts PDF pages, falling back to a size heuristic when the
// file does not parse.
type PDFPageCounter struct {
	BytesPerPage int64
}

// CountPages returns the page count and whether it was estimated.
func (c PDFPageCounter) CountPages(data []byte) (pages int, estimated bool) {
	if n, err := PDFPageCount(data); err == nil && n > 0 {
		return n, false
	}
	return EstimatePages(int64(len(data)), c.BytesPerPage), true
}

// EstimatePages is ceil(size / bytesPerPage), at least 1.
func EstimatePages(size, bytesPerPage int64) int {
	if bytesPerPage <= 0 {
		bytesPerPage = DefaultBytesPerPage
	}
	if size <= 0 {
		return 1
	}
	pages := (size + bytesPerPage - 1) / bytesPerPage
	if pages < 1 {
		pages = 1
	}
	return int(pages)
}

// PDFPageCount reads the page count from the document catalog.
func PDFPageCount(data []byte) (n int, err error) {
	defer recoverPDF(&err)
	r, err := openPDF(data)
	if err != nil {
		return 0, err
	}
	return r.NumPage(), nil
}

// PageRangeText extracts the text of pages start..end (1-based, inclusive).
// Pages past the end of the document are ignored.
func PageRangeText(data []byte, start, end int) (text string, err error) {
	if start < 1 || end < start {
		return "", fmt.Errorf("invalid page range %d-%d", start, end)
	}
	defer recoverPDF(&err)
	r, err := openPDF(data)
	if err != nil {
		return "", err
	}

	total := r.NumPage()
	if end > total {
		end = total
	}
	var b strings.Builder
	for i := start; i <= end; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		fmt.Fprintf(&b, "--- Page %d ---\n", i)
		b.WriteString(strings.TrimSpace(content))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}

func pdfText(data []byte) (text string, err error) {
	defer recoverPDF(&err)
	r, err := openPDF(data)
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func openPDF(data []byte) (*pdf.Reader, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty pdf data")
	}
	return pdf.NewReader(bytes.NewReader(data), int64(len(data)))
}

// recoverPDF turns parser panics on malformed input into errors.
func recoverPDF(err *error) {
	if rec := recover(); rec != nil {
		*err = fmt.Errorf("pdf parse panic: %v", rec)
	}
}
