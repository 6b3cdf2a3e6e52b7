// Package pdftext extracts per-page plain text from PDF files for the
// ingestion pipeline.
package pdftext

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Document is an opened PDF ready for page-scoped text extraction.
type Document struct {
	reader    *pdf.Reader
	pageCount int
	hash      string
	size      int64
}

// Load parses a PDF from memory. The content hash is computed over the raw
// bytes and identifies the document for skip-existing checks.
func Load(data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	sum := sha256.Sum256(data)
	return &Document{
		reader:    r,
		pageCount: r.NumPage(),
		hash:      hex.EncodeToString(sum[:]),
		size:      int64(len(data)),
	}, nil
}

// LoadFile reads and parses a PDF from disk.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Load(data)
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int { return d.pageCount }

// ContentHash returns the sha256 hex digest of the raw file bytes.
func (d *Document) ContentHash() string { return d.hash }

// Size returns the raw file size in bytes.
func (d *Document) Size() int64 { return d.size }

// PageText extracts the plain text of the 1-based page n.
func (d *Document) PageText(n int) (text string, err error) {
	if n < 1 || n > d.pageCount {
		return "", fmt.Errorf("page %d out of range [1..%d]", n, d.pageCount)
	}
	// The pdf library panics on some malformed content streams; convert to
	// an error so one broken page degrades instead of crashing a worker.
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("decoding page %d: %v", n, r)
		}
	}()

	p := d.reader.Page(n)
	if p.V.IsNull() {
		return "", nil
	}
	text, err = p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extracting page %d: %w", n, err)
	}
	return text, nil
}

// RangeText concatenates the text of pages [start..end], each prefixed with
// a page marker so downstream extraction can attribute content to pages.
// Pages that fail to decode contribute an empty body; the page marker is
// kept so numbering stays aligned.
func (d *Document) RangeText(start, end int) (string, error) {
	if start < 1 || end > d.pageCount || start > end {
		return "", fmt.Errorf("page range [%d..%d] invalid for %d-page document", start, end, d.pageCount)
	}

	var b strings.Builder
	for n := start; n <= end; n++ {
		text, err := d.PageText(n)
		if err != nil {
			text = ""
		}
		fmt.Fprintf(&b, "--- Page %d ---\n%s\n", n, strings.TrimSpace(text))
	}
	return b.String(), nil
}
