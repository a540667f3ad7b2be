package retrieval

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFContentType is the media type of PDF uploads
const PDFContentType = "application/pdf"

var pdfMagic = []byte("%PDF-")

// IsPDF reports whether a record is a PDF, by its declared media type or,
// when none is declared, by its leading bytes.
func IsPDF(contentType string, content []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType != "" {
		if mediaType == PDFContentType {
			return true
		}
		if mediaType != "application/octet-stream" {
			return false
		}
	}
	return bytes.HasPrefix(content, pdfMagic)
}

// ExtractPDFText returns the text layer of a PDF. maxPages limits how many
// pages are read from the start of the document; zero reads every page.
func ExtractPDFText(content []byte, maxPages int) (text string, err error) {
	// the parser panics on some malformed object streams
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}

	pages := reader.NumPage()
	if maxPages > 0 && pages > maxPages {
		pages = maxPages
	}

	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		fonts := make(map[string]*pdf.Font)
		for _, name := range page.Fonts() {
			f := page.Font(name)
			fonts[name] = &f
		}
		pageText, err := page.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("failed to read PDF page %d: %w", i, err)
		}
		sb.WriteString(pageText)
		sb.WriteString("\n\n")
	}

	return strings.TrimSpace(sb.String()), nil
}
