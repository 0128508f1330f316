package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
	"github.com/JakeFAU/rfp-scanner/internal/retry"
)

func buildDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0"?><Types/>`))
	require.NoError(t, err)
	w, err = zw.Create(docxBody)
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const sampleDocumentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Request for Proposals</w:t></w:r></w:p>
    <w:p><w:r><w:t xml:space="preserve">Scope: </w:t></w:r><w:r><w:t>Dynamics 365</w:t></w:r></w:p>
    <w:p/>
    <w:p><w:r><w:t>Due</w:t><w:tab/><w:t>2026-02-20</w:t></w:r></w:p>
  </w:body>
</w:document>`

func fakePdfToText(t *testing.T, script string) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "pdftotext")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return bin
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond}
}

func TestSniff(t *testing.T) {
	t.Parallel()

	require.Equal(t, FormatPDF, Sniff([]byte("%PDF-1.7\n...")))
	require.Equal(t, FormatPDF, Sniff([]byte("\r\n%PDF-1.4")))
	require.Equal(t, FormatDOCX, Sniff([]byte("PK\x03\x04rest")))
	require.Equal(t, FormatUnknown, Sniff([]byte("<html>")))
	require.Equal(t, FormatUnknown, Sniff(nil))
	require.Equal(t, "application/pdf", FormatPDF.MIMEType())
}

func TestDocxExtractsParagraphs(t *testing.T) {
	t.Parallel()

	text, err := NewDocx().ExtractText(context.Background(), buildDocx(t, sampleDocumentXML), 4)
	require.NoError(t, err)
	require.Equal(t, "Request for Proposals\nScope: Dynamics 365\n\nDue\t2026-02-20", text)
}

func TestDocxRejectsZipWithoutBody(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	_, err := zw.Create("readme.txt")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = NewDocx().ExtractText(context.Background(), buf.Bytes(), 4)
	require.ErrorIs(t, err, crawler.ErrUnsupportedFormat)
}

// buildPDF writes a minimal single-font PDF with one text line per page.
func buildPDF(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	kids := make([]string, len(lines))
	for i := range lines {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(lines)))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>")
	for i, line := range lines {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", line)
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestPDFReadsTextLayer(t *testing.T) {
	t.Parallel()

	data := buildPDF(t, "Cloud Migration Services", "Proposals due 2026-02-20", "Appendix")
	text, err := NewPDF(nil).ExtractText(context.Background(), data, 2)
	require.NoError(t, err)
	require.Contains(t, text, "Cloud Migration Services")
	require.Contains(t, text, "Proposals due 2026-02-20")
	require.Contains(t, text, "--- Page 2 ---")
	require.NotContains(t, text, "Appendix")
}

func TestPDFFallsBackWhenUnreadable(t *testing.T) {
	t.Parallel()

	fallback := &stubExtractor{text: "from pdftotext"}
	text, err := NewPDF(fallback).ExtractText(context.Background(), []byte("%PDF-1.4\ngarbage"), 4)
	require.NoError(t, err)
	require.Equal(t, "from pdftotext", text)
	require.Equal(t, 1, fallback.calls)

	fbErr := errors.New("pdftotext failed")
	_, err = NewPDF(&stubExtractor{err: fbErr}).ExtractText(context.Background(), []byte("%PDF-1.4\ngarbage"), 4)
	require.ErrorIs(t, err, fbErr)

	_, err = NewPDF(nil).ExtractText(context.Background(), []byte("%PDF-1.4\ngarbage"), 4)
	require.Error(t, err)

	_, err = NewPDF(nil).ExtractText(context.Background(), nil, 4)
	require.ErrorIs(t, err, crawler.ErrEmptyDocument)
}

func TestPDFWithoutTextUsesFallback(t *testing.T) {
	t.Parallel()

	fallback := &stubExtractor{text: "scanned text"}
	text, err := NewPDF(fallback).ExtractText(context.Background(), buildPDF(t, ""), 4)
	require.NoError(t, err)
	require.Equal(t, "scanned text", text)
}

func TestPdfToTextMarksPages(t *testing.T) {
	bin := fakePdfToText(t, `cat >/dev/null
printf 'first page\fsecond page last=%s\f' "$4"`)
	text, err := NewPdfToText(bin).ExtractText(context.Background(), []byte("%PDF-1.4"), 2)
	require.NoError(t, err)
	require.Equal(t, "first page\n\n--- Page 1 ---\n\nsecond page last=2\n\n--- Page 2 ---\n", text)
}

func TestPdfToTextBinaryFailure(t *testing.T) {
	_, err := NewPdfToText("/nonexistent/pdftotext").ExtractText(context.Background(), []byte("%PDF"), 4)
	require.Error(t, err)
	require.Contains(t, err.Error(), "pdftotext failed")
	require.Equal(t, "pdftotext", NewPdfToText("").binPath)
}

func TestServiceExtractText(t *testing.T) {
	t.Parallel()

	var got ocrRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer ocr-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ocrResponse{Pages: []ocrPage{
			{Index: 0, Markdown: "# Cover"},
			{Index: 1, Markdown: "Scope of work"},
			{Index: 7, Markdown: "ignored"},
		}})
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "ocr-key", "", srv.Client(), fastPolicy())
	text, err := svc.ExtractText(context.Background(), []byte("%PDF-1.4 body"), 3)
	require.NoError(t, err)
	require.Equal(t, "# Cover\n\n--- Page 1 ---\n\nScope of work\n\n--- Page 2 ---\n", text)

	require.Equal(t, defaultServiceModel, got.Model)
	require.Equal(t, "document_url", got.Document.Type)
	require.True(t, strings.HasPrefix(got.Document.DocumentURL, "data:application/pdf;base64,"))
	require.Equal(t, []int{0, 1, 2}, got.Pages)
}

func TestServiceRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(ocrResponse{Pages: []ocrPage{{Index: 0, Markdown: "ok"}}})
	}))
	defer srv.Close()

	text, err := NewService(srv.URL, "k", "m", srv.Client(), fastPolicy()).ExtractText(context.Background(), []byte("%PDF"), 1)
	require.NoError(t, err)
	require.Contains(t, text, "ok")
	require.Equal(t, int32(2), calls.Load())
}

func TestServiceDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`))
	}))
	defer srv.Close()

	_, err := NewService(srv.URL, "bad", "m", srv.Client(), fastPolicy()).ExtractText(context.Background(), []byte("%PDF"), 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ocr service returned 401")
	require.Equal(t, int32(1), calls.Load())
}

type stubExtractor struct {
	text  string
	err   error
	calls int
}

func (s *stubExtractor) ExtractText(context.Context, []byte, int) (string, error) {
	s.calls++
	return s.text, s.err
}

func TestChainPrefersService(t *testing.T) {
	t.Parallel()

	svc := &stubExtractor{text: "from service"}
	pdf := &stubExtractor{text: "from pdf"}
	text, err := NewChain(svc, pdf, nil, nil).ExtractText(context.Background(), []byte("%PDF"), 4)
	require.NoError(t, err)
	require.Equal(t, "from service", text)
	require.Zero(t, pdf.calls)
}

func TestChainFallsBackByFormat(t *testing.T) {
	t.Parallel()

	svc := &stubExtractor{err: errors.New("ocr down")}
	pdf := &stubExtractor{text: "from pdf"}
	docx := &stubExtractor{text: "from docx"}
	chain := NewChain(svc, pdf, docx, nil)

	text, err := chain.ExtractText(context.Background(), []byte("%PDF-1.4"), 4)
	require.NoError(t, err)
	require.Equal(t, "from pdf", text)

	text, err = chain.ExtractText(context.Background(), []byte("PK\x03\x04..."), 4)
	require.NoError(t, err)
	require.Equal(t, "from docx", text)
}

func TestChainBothFail(t *testing.T) {
	t.Parallel()

	ocrErr := errors.New("ocr down")
	pdfErr := errors.New("pdftotext failed")
	chain := NewChain(&stubExtractor{err: ocrErr}, &stubExtractor{err: pdfErr}, nil, nil)

	_, err := chain.ExtractText(context.Background(), []byte("%PDF"), 4)
	require.ErrorIs(t, err, ocrErr)
	require.ErrorIs(t, err, pdfErr)

	_, err = chain.ExtractText(context.Background(), []byte("plain text"), 4)
	require.ErrorIs(t, err, crawler.ErrUnsupportedFormat)

	_, err = chain.ExtractText(context.Background(), nil, 4)
	require.ErrorIs(t, err, crawler.ErrEmptyDocument)
}

func TestChainWithoutServiceUsesLocal(t *testing.T) {
	t.Parallel()

	text, err := NewChain(nil, nil, NewDocx(), nil).ExtractText(context.Background(), buildDocx(t, sampleDocumentXML), 4)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(text, "Request for Proposals"))
}
