package extract

import "bytes"

// Format is a document container detected from its leading bytes.
type Format int

// Known formats.
const (
	FormatUnknown Format = iota
	FormatPDF
	FormatDOCX
)

var (
	pdfMagic = []byte("%PDF")
	zipMagic = []byte("PK\x03\x04")
)

// Sniff detects the document format. DOCX files are zip containers, so any
// zip is treated as DOCX and confirmed when it is opened.
func Sniff(data []byte) Format {
	trimmed := bytes.TrimLeft(data[:min(len(data), 1024)], "\x00\t\r\n ")
	switch {
	case bytes.HasPrefix(trimmed, pdfMagic):
		return FormatPDF
	case bytes.HasPrefix(data, zipMagic):
		return FormatDOCX
	default:
		return FormatUnknown
	}
}

// MIMEType returns the content type used when uploading the document.
func (f Format) MIMEType() string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatDOCX:
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

func (f Format) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatDOCX:
		return "docx"
	default:
		return "unknown"
	}
}
