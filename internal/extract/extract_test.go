package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/strata/internal/chunker"
)

func TestClassify(t *testing.T) {
	tests := map[string]string{
		"README.md":       TypeMarkdown,
		"docs/Guide.MD":   TypeMarkdown,
		"notes.txt":       TypeText,
		"page.html":       TypeHTML,
		"paper.pdf":       TypePDF,
		"main.go":         TypeCode,
		"no-extension":    TypeText,
		"archive.unknown": TypeText,
	}
	for name, want := range tests {
		assert.Equal(t, want, Classify(name), name)
	}
	assert.True(t, IsBinaryFormat("a.pdf"))
	assert.False(t, IsBinaryFormat("a.md"))
}

func TestFingerprint(t *testing.T) {
	// SHA-256 of "abc".
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Fingerprint([]byte("abc")))
}

func TestExtractMarkdown(t *testing.T) {
	doc, err := Extract("a.md", []byte("\xef\xbb\xbf# Title\n\nSome body text here.\n"))
	require.NoError(t, err)
	assert.Equal(t, TypeMarkdown, doc.ContentType)
	assert.True(t, strings.HasPrefix(doc.Text, "# Title"), "BOM should be stripped")
	assert.Equal(t, 6, doc.WordCount)
}

func TestExtractInvalidUTF8(t *testing.T) {
	doc, err := Extract("a.txt", []byte("ok \xff\xfe bytes"))
	require.NoError(t, err)
	assert.Contains(t, doc.Text, "ok")
	assert.Contains(t, doc.Text, "bytes")
}

func TestExtractCodeIsFenced(t *testing.T) {
	doc, err := Extract("main.go", []byte("package main\n\nfunc main() {}\n"))
	require.NoError(t, err)
	assert.Equal(t, TypeCode, doc.ContentType)

	parsed := chunker.Parse(doc.Text)
	require.Len(t, parsed.Blocks, 1)
	assert.Equal(t, chunker.CodeFence, parsed.Blocks[0].Kind)
	assert.Equal(t, "go", parsed.Blocks[0].Lang)
}

func TestExtractHTML(t *testing.T) {
	page := `<html><head><title>ignored</title><style>p{}</style></head><body>
<h1>Install  Guide</h1>
<p>Run the   installer:</p>
<ul><li>download</li><li>unpack</li></ul>
<table><tr><th>flag</th><th>meaning</th></tr><tr><td>-v</td><td>verbose</td></tr></table>
<pre>make
make install</pre>
<script>alert(1)</script>
</body></html>`

	doc, err := Extract("page.html", []byte(page))
	require.NoError(t, err)
	assert.Equal(t, TypeHTML, doc.ContentType)
	assert.NotContains(t, doc.Text, "ignored")
	assert.NotContains(t, doc.Text, "alert")
	assert.Contains(t, doc.Text, "# Install Guide")
	assert.Contains(t, doc.Text, "Run the installer:\n\n- download\n- unpack")
	assert.Contains(t, doc.Text, "| flag | meaning |\n|---|---|\n| -v | verbose |")
	assert.Contains(t, doc.Text, "```\nmake\nmake install\n```")

	parsed := chunker.Parse(doc.Text)
	var kinds []chunker.BlockKind
	for _, b := range parsed.Blocks {
		kinds = append(kinds, b.Kind)
	}
	assert.Equal(t, []chunker.BlockKind{chunker.Heading, chunker.Paragraph, chunker.List, chunker.Table, chunker.CodeFence}, kinds)
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	_, err := Extract("broken.pdf", []byte("this is not a pdf"))
	assert.Error(t, err)
}
