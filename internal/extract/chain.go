package extract

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// Chain tries the OCR service first and falls back to a local extractor
// chosen by the document format.
type Chain struct {
	service crawler.TextExtractor
	pdf     crawler.TextExtractor
	docx    crawler.TextExtractor
	logger  *zap.Logger
}

// NewChain wires the extractors. service may be nil when no OCR endpoint is
// configured.
func NewChain(service, pdf, docx crawler.TextExtractor, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{service: service, pdf: pdf, docx: docx, logger: logger}
}

// ExtractText returns text for the first pageLimit pages of data.
func (c *Chain) ExtractText(ctx context.Context, data []byte, pageLimit int) (string, error) {
	if len(data) == 0 {
		return "", crawler.ErrEmptyDocument
	}
	format := Sniff(data)

	var serviceErr error
	if c.service != nil {
		text, err := c.service.ExtractText(ctx, data, pageLimit)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("extract text: %w", ctx.Err())
		}
		serviceErr = err
		c.logger.Warn("ocr service failed, using local extractor",
			zap.String("format", format.String()),
			zap.Int("bytes", len(data)),
			zap.Error(err),
		)
	}

	var local crawler.TextExtractor
	switch format {
	case FormatPDF:
		local = c.pdf
	case FormatDOCX:
		local = c.docx
	}
	if local == nil {
		return "", fmt.Errorf("extract text: %w", errors.Join(serviceErr, fmt.Errorf("%w: %s", crawler.ErrUnsupportedFormat, format)))
	}
	text, err := local.ExtractText(ctx, data, pageLimit)
	if err != nil {
		return "", fmt.Errorf("extract text: %w", errors.Join(serviceErr, err))
	}
	return text, nil
}
