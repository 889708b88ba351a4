package ingest

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// Format enumerates supported document payload formats.
type Format string

const (
	FormatUnknown  Format = ""
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
)

// DetectFormat infers a format from the file name's extension. When the
// extension is unknown the content type is consulted.
func DetectFormat(name, contentType string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	case ".txt", ".text", ".srt", ".vtt":
		return FormatText
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "application/pdf"):
		return FormatPDF
	case strings.HasPrefix(ct, "text/markdown"):
		return FormatMarkdown
	case strings.HasPrefix(ct, "text/"):
		return FormatText
	}
	return FormatUnknown
}

// Extracted is the plain text of a document and the title derived from it.
type Extracted struct {
	Title string
	Text  string
}

// Extract converts data in format f to plain text. name is used as the
// fallback title.
func Extract(f Format, name string, data []byte) (Extracted, error) {
	var text, title string
	switch f {
	case FormatText:
		if !utf8.Valid(data) {
			return Extracted{}, fmt.Errorf("ingest: extract %s: %w", name, ErrNotUTF8)
		}
		text = normalizePlainText(string(data))
	case FormatMarkdown:
		if !utf8.Valid(data) {
			return Extracted{}, fmt.Errorf("ingest: extract %s: %w", name, ErrNotUTF8)
		}
		text = normalizePlainText(string(data))
		title = markdownTitle(text)
	case FormatPDF:
		var err error
		if text, err = pdfText(data); err != nil {
			return Extracted{}, fmt.Errorf("ingest: extract %s: %w", name, err)
		}
		title = firstNonEmptyLine(text)
	default:
		return Extracted{}, fmt.Errorf("ingest: extract %s: %w", name, ErrUnsupportedFormat)
	}
	if strings.TrimSpace(text) == "" {
		return Extracted{}, fmt.Errorf("ingest: extract %s: %w", name, ErrEmptyDocument)
	}
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	return Extracted{Title: title, Text: text}, nil
}

func pdfText(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return normalizePlainText(buf.String()), nil
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// markdownTitle returns the text of the first ATX heading.
func markdownTitle(content string) string {
	for line := range strings.Lines(content) {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if t := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); t != "" {
				return t
			}
		}
	}
	return ""
}

func firstNonEmptyLine(content string) string {
	for line := range strings.Lines(content) {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
