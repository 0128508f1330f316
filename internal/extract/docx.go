package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

const docxBody = "word/document.xml"

// Docx extracts paragraph text from Office Open XML documents. DOCX has no
// page model, so the page limit is ignored.
type Docx struct{}

// NewDocx returns a DOCX extractor.
func NewDocx() *Docx {
	return &Docx{}
}

// ExtractText returns the document paragraphs joined by newlines.
func (Docx) ExtractText(_ context.Context, data []byte, _ int) (string, error) {
	if len(data) == 0 {
		return "", crawler.ErrEmptyDocument
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("%w: zip has no %s", crawler.ErrUnsupportedFormat, docxBody)
	}
	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", docxBody, err)
	}
	defer func() {
		_ = rc.Close()
	}()

	doc, err := xmlquery.Parse(rc)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", docxBody, err)
	}
	paragraphs := xmlquery.Find(doc, "//*[local-name()='body']//*[local-name()='p']")
	lines := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		var b strings.Builder
		for _, run := range xmlquery.Find(p, ".//*[local-name()='t' or local-name()='tab' or local-name()='br']") {
			switch run.Data {
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			default:
				b.WriteString(run.InnerText())
			}
		}
		lines = append(lines, b.String())
	}
	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		return "", crawler.ErrEmptyDocument
	}
	return text, nil
}
