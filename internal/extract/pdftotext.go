package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

// PdfToText extracts PDF text with the poppler pdftotext CLI, reading the
// document on stdin.
type PdfToText struct {
	binPath string
}

// NewPdfToText creates a PdfToText extractor. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText converts pages 1..pageLimit and marks each page boundary.
func (p *PdfToText) ExtractText(ctx context.Context, data []byte, pageLimit int) (string, error) {
	if len(data) == 0 {
		return "", crawler.ErrEmptyDocument
	}
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	cmd := exec.CommandContext(ctx, p.binPath,
		"-f", "1",
		"-l", strconv.Itoa(pageLimit),
		"-layout",
		"-", "-",
	)
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pdftotext failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	// pdftotext terminates every page with a form feed.
	pages := strings.Split(stdout.String(), "\f")
	if n := len(pages); n > 0 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}
	text := joinPages(pages)
	if strings.TrimSpace(text) == "" {
		return "", crawler.ErrEmptyDocument
	}
	return text, nil
}
