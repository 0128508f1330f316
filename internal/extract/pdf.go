package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// PDF reads the text layer of a PDF in process. Documents it cannot parse,
// or whose pages carry no text, are handed to the fallback extractor when
// one is set.
type PDF struct {
	fallback crawler.TextExtractor
}

// NewPDF creates a PDF extractor. fallback may be nil.
func NewPDF(fallback crawler.TextExtractor) *PDF {
	return &PDF{fallback: fallback}
}

// ExtractText reads pages 1..pageLimit and marks each page boundary.
func (p *PDF) ExtractText(ctx context.Context, data []byte, pageLimit int) (string, error) {
	if len(data) == 0 {
		return "", crawler.ErrEmptyDocument
	}
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	text, err := readPDF(data, pageLimit)
	if err == nil {
		return text, nil
	}
	if p.fallback == nil || ctx.Err() != nil {
		return "", err
	}
	text, fbErr := p.fallback.ExtractText(ctx, data, pageLimit)
	if fbErr != nil {
		return "", errors.Join(err, fbErr)
	}
	return text, nil
}

func readPDF(data []byte, pageLimit int) (text string, err error) {
	// The reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("read pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	n := min(r.NumPage(), pageLimit)
	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("read pdf page %d: %w", i, err)
		}
		pages = append(pages, pageText)
	}
	joined := joinPages(pages)
	if strings.TrimSpace(strings.Join(pages, "")) == "" {
		return "", fmt.Errorf("read pdf: %w", crawler.ErrEmptyDocument)
	}
	return joined, nil
}
