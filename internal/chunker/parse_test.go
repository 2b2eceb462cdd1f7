package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(doc Document) []BlockKind {
	out := make([]BlockKind, len(doc.Blocks))
	for i, b := range doc.Blocks {
		out[i] = b.Kind
	}
	return out
}

func TestParseBlockKinds(t *testing.T) {
	text := "# Title\n" +
		"\n" +
		"Intro line one\n" +
		"intro line two.\n" +
		"\n" +
		"- first\n" +
		"- second\n" +
		"\n" +
		"  continued item\n" +
		"- third\n" +
		"\n" +
		"| a | b |\n" +
		"|---|---|\n" +
		"| 1 | 2 |\n" +
		"\n" +
		"```go\n" +
		"x := 1\n" +
		"\n" +
		"y := 2\n" +
		"```\n" +
		"\n" +
		"Term\n" +
		": the definition\n"

	doc := Parse(text)
	require.Empty(t, doc.Warnings)
	assert.Equal(t, []BlockKind{Heading, Paragraph, List, Table, CodeFence, Definition}, kinds(doc))

	assert.Equal(t, 1, doc.Blocks[0].Level)
	assert.Equal(t, 3, doc.Blocks[1].StartLine)
	assert.Equal(t, 4, doc.Blocks[1].EndLine)
	assert.Equal(t, 6, doc.Blocks[2].StartLine)
	assert.Equal(t, 10, doc.Blocks[2].EndLine, "blank line between items stays inside the list")
	assert.Equal(t, "go", doc.Blocks[4].Lang)
	assert.Contains(t, doc.Blocks[4].Text, "y := 2", "blank lines inside a fence do not end it")
}

func TestParseUnterminatedFence(t *testing.T) {
	doc := Parse("Before\n\n```\ncode\n\nmore code\n")

	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, CodeFence, doc.Blocks[1].Kind)
	assert.Contains(t, doc.Blocks[1].Text, "more code")
	require.Len(t, doc.Warnings, 1)
	assert.Contains(t, doc.Warnings[0], "line 3")
}

func TestParseCRLF(t *testing.T) {
	doc := Parse("one\r\ntwo\r\n\r\nthree\r\n")
	require.Len(t, doc.Blocks, 2)
	assert.Equal(t, "one\ntwo", doc.Blocks[0].Text)
}

func TestDetectPatterns(t *testing.T) {
	text := "Install the tool:\n" +
		"\n" +
		"- download\n" +
		"- unpack\n" +
		"\n" +
		"Plain paragraph.\n" +
		"\n" +
		"Table 1: sizes\n" +
		"\n" +
		"| k | v |\n" +
		"|---|---|\n" +
		"\n" +
		"func Open(path string) (*Store, error)\n" +
		"\n" +
		"Returns the opened store.\n" +
		"\n" +
		"```go\n" +
		"s, err := Open(\"x\")\n" +
		"```\n" +
		"\n" +
		"expr ::= term '+' term\n" +
		"\n" +
		"Example: 1 + 2\n" +
		"\n" +
		"Alpha\n" +
		": first letter\n" +
		"\n" +
		"Beta\n" +
		": second letter\n" +
		"\n" +
		"See also [the guide](guide.md).\n" +
		"\n" +
		"Related: [faq](faq.md) and [api](api.md).\n"

	doc := Parse(text)
	patterns := DetectPatterns(doc)

	var got []string
	for _, p := range patterns {
		got = append(got, p.Kinds[0])
	}
	assert.Equal(t, []string{
		PatternListWithContext,
		PatternTable,
		PatternAPIDoc,
		PatternGrammarRule,
		PatternDefinitionList,
		PatternCrossReference,
	}, got)

	for i := 1; i < len(patterns); i++ {
		assert.Greater(t, patterns[i].StartBlock, patterns[i-1].EndBlock, "patterns must be disjoint")
	}
	assert.Equal(t, 1, patterns[0].StartLine)
	assert.Equal(t, 4, patterns[0].EndLine)
}

func TestMergePatternsUnionsOverlaps(t *testing.T) {
	merged := mergePatterns([]Pattern{
		{Kinds: []string{PatternAPIDoc}, StartBlock: 2, EndBlock: 5},
		{Kinds: []string{PatternListWithContext}, StartBlock: 4, EndBlock: 6},
		{Kinds: []string{PatternTable}, StartBlock: 8, EndBlock: 8},
	})

	require.Len(t, merged, 2)
	assert.Equal(t, 2, merged[0].StartBlock)
	assert.Equal(t, 6, merged[0].EndBlock)
	assert.Equal(t, []string{PatternAPIDoc, PatternListWithContext}, merged[0].Kinds)
}
