// Package extract turns raw file bytes into chunkable text and classifies
// the content.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"
)

// Content type tags stored on file versions.
const (
	TypeMarkdown = "markdown"
	TypeText     = "text"
	TypeHTML     = "html"
	TypePDF      = "pdf"
	TypeCode     = "code"
)

var typesByExt = map[string]string{
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".mdx":      TypeMarkdown,
	".txt":      TypeText,
	".rst":      TypeText,
	".adoc":     TypeText,
	".html":     TypeHTML,
	".htm":      TypeHTML,
	".pdf":      TypePDF,
	".go":       TypeCode,
	".py":       TypeCode,
	".js":       TypeCode,
	".ts":       TypeCode,
	".java":     TypeCode,
	".rs":       TypeCode,
	".c":        TypeCode,
	".h":        TypeCode,
	".sh":       TypeCode,
	".sql":      TypeCode,
	".yaml":     TypeCode,
	".yml":      TypeCode,
	".json":     TypeCode,
	".toml":     TypeCode,
}

// DefaultExtensions is the extension whitelist used when none is configured.
var DefaultExtensions = []string{".md", ".markdown", ".txt", ".rst", ".html", ".htm", ".pdf"}

// Document is the extracted form of one file.
type Document struct {
	Text        string
	ContentType string
	WordCount   int
	// Binary is set for formats whose text is derived rather than read
	// verbatim.
	Binary bool
}

// Classify returns the content type tag for a file name.
func Classify(name string) string {
	if t, ok := typesByExt[strings.ToLower(path.Ext(name))]; ok {
		return t
	}
	return TypeText
}

// IsBinaryFormat reports whether name is a format that is not read as text.
func IsBinaryFormat(name string) bool {
	return Classify(name) == TypePDF
}

// Fingerprint returns the hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Extract converts data to text according to the type implied by name.
func Extract(name string, data []byte) (Document, error) {
	ct := Classify(name)
	doc := Document{ContentType: ct}

	switch ct {
	case TypePDF:
		text, err := pdfText(data)
		if err != nil {
			return Document{}, fmt.Errorf("extracting pdf text: %w", err)
		}
		doc.Text = text
		doc.Binary = true
	case TypeHTML:
		text, err := htmlText(data)
		if err != nil {
			return Document{}, fmt.Errorf("extracting html text: %w", err)
		}
		doc.Text = text
	case TypeCode:
		// Fence code files so the chunker treats blank-line separated
		// sections as code.
		doc.Text = fenceCode(name, decode(data))
	default:
		doc.Text = decode(data)
	}

	doc.WordCount = WordCount(doc.Text)
	return doc, nil
}

// WordCount counts whitespace separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}

func decode(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

func fenceCode(name, src string) string {
	lang := strings.TrimPrefix(strings.ToLower(path.Ext(name)), ".")
	return "```" + lang + "\n" + strings.TrimRight(src, "\n") + "\n```\n"
}
