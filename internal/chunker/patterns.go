package chunker

import (
	"regexp"
	"slices"
	"sort"
	"strings"
)

// Pattern kinds detected by the pre-pass.
const (
	PatternListWithContext = "list_with_context"
	PatternAPIDoc          = "api_doc"
	PatternGrammarRule     = "grammar_rule"
	PatternDefinitionList  = "definition_list"
	PatternTable           = "table"
	PatternCrossReference  = "cross_reference"
)

// Pattern is a run of blocks that must stay in one chunk. Block indices and
// lines are inclusive.
type Pattern struct {
	Kinds      []string
	StartBlock int
	EndBlock   int
	StartLine  int
	EndLine    int
}

var (
	signatureRe = regexp.MustCompile(`(?m)^\s*(#+\s*)?(` +
		`(func|def|class|fn|function|method|interface|type)\s+[\w.]+` +
		`|(GET|POST|PUT|PATCH|DELETE|HEAD|OPTIONS)\s+/\S*` +
		"|`?[\\w.]+\\([^)]*\\)`?\\s*(->|:|$)" +
		`)`)
	docSectionRe = regexp.MustCompile(`(?i)^\s*(\*\*)?(parameters|params|arguments|args|returns?|raises|throws|errors|example|usage|response|request)\b`)
	productionRe = regexp.MustCompile(`(?m)^\s*<?[\w\-]+>?\s*(::=|:=|→|->)\s*\S`)
	exampleRe    = regexp.MustCompile(`(?i)^\s*(\*\*)?(example|examples|for example|e\.g\.)`)
	captionRe    = regexp.MustCompile(`(?i)^\s*(\*\*)?table\s+[\w.\-]+`)
	crossRefRe   = regexp.MustCompile(`(?i)\bsee also\b|\bsee:|\bsee \[|\bcf\.|\[[^\]]+\]\([^)]+\)`)
)

// DetectPatterns returns disjoint block ranges that must not be split,
// ordered by position. Overlapping detections are merged.
func DetectPatterns(doc Document) []Pattern {
	blocks := doc.Blocks
	var found []Pattern
	add := func(kind string, start, end int) {
		if start < 0 || end >= len(blocks) || start > end {
			return
		}
		found = append(found, Pattern{Kinds: []string{kind}, StartBlock: start, EndBlock: end})
	}

	for i := 0; i < len(blocks); i++ {
		b := blocks[i]
		switch b.Kind {
		case Table:
			start, end := i, i
			if i > 0 && blocks[i-1].Kind == Paragraph && captionRe.MatchString(blocks[i-1].Text) {
				start = i - 1
			}
			if i+1 < len(blocks) && blocks[i+1].Kind == Paragraph && captionRe.MatchString(blocks[i+1].Text) {
				end = i + 1
			}
			add(PatternTable, start, end)

		case Definition:
			end := i
			for end+1 < len(blocks) && blocks[end+1].Kind == Definition {
				end++
			}
			add(PatternDefinitionList, i, end)
			i = end
			continue
		}

		if i+1 < len(blocks) && blocks[i+1].Kind == List && introducesList(b) {
			add(PatternListWithContext, i, i+1)
		}

		if end := apiDocEnd(blocks, i); end > i {
			add(PatternAPIDoc, i, end)
		}

		if end := grammarEnd(blocks, i); end > i {
			add(PatternGrammarRule, i, end)
		}
	}

	for i := 0; i < len(blocks); {
		if !isCrossRef(blocks[i]) {
			i++
			continue
		}
		end := i
		for end+1 < len(blocks) && isCrossRef(blocks[end+1]) {
			end++
		}
		if end > i {
			add(PatternCrossReference, i, end)
		}
		i = end + 1
	}

	merged := mergePatterns(found)
	for i := range merged {
		merged[i].StartLine = blocks[merged[i].StartBlock].StartLine
		merged[i].EndLine = blocks[merged[i].EndBlock].EndLine
	}
	return merged
}

func introducesList(b Block) bool {
	if b.Kind == Heading {
		return true
	}
	return b.Kind == Paragraph && strings.HasSuffix(strings.TrimSpace(b.Text), ":")
}

// apiDocEnd returns the last block of an API-doc section starting at i, or i
// when block i does not open one.
func apiDocEnd(blocks []Block, i int) int {
	b := blocks[i]
	if b.Kind != Heading && b.Kind != Paragraph && b.Kind != CodeFence {
		return i
	}
	if !signatureRe.MatchString(b.Text) {
		return i
	}
	end := i
	for j := i + 1; j < len(blocks); j++ {
		nb := blocks[j]
		switch {
		case nb.Kind == List || nb.Kind == Definition || nb.Kind == Table:
		case nb.Kind == CodeFence && b.Kind != CodeFence:
		case nb.Kind == Paragraph && docSectionRe.MatchString(nb.Text):
		case nb.Kind == CodeFence && j > i+1 && blocks[j-1].Kind == Paragraph && docSectionRe.MatchString(blocks[j-1].Text):
		default:
			return end
		}
		end = j
	}
	return end
}

// grammarEnd returns the last block of a production rule plus its example.
func grammarEnd(blocks []Block, i int) int {
	b := blocks[i]
	if (b.Kind != Paragraph && b.Kind != CodeFence) || !productionRe.MatchString(b.Text) {
		return i
	}
	if i+1 >= len(blocks) {
		return i
	}
	next := blocks[i+1]
	switch {
	case next.Kind == CodeFence:
		return i + 1
	case next.Kind == Paragraph && exampleRe.MatchString(next.Text):
		if i+2 < len(blocks) && blocks[i+2].Kind == CodeFence {
			return i + 2
		}
		return i + 1
	}
	return i
}

func isCrossRef(b Block) bool {
	return (b.Kind == Paragraph || b.Kind == List) && crossRefRe.MatchString(b.Text)
}

func mergePatterns(ps []Pattern) []Pattern {
	if len(ps) == 0 {
		return nil
	}
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].StartBlock != ps[j].StartBlock {
			return ps[i].StartBlock < ps[j].StartBlock
		}
		return ps[i].EndBlock > ps[j].EndBlock
	})

	out := []Pattern{ps[0]}
	for _, p := range ps[1:] {
		last := &out[len(out)-1]
		if p.StartBlock <= last.EndBlock {
			last.EndBlock = max(last.EndBlock, p.EndBlock)
			for _, k := range p.Kinds {
				if !slices.Contains(last.Kinds, k) {
					last.Kinds = append(last.Kinds, k)
				}
			}
			continue
		}
		out = append(out, p)
	}
	return out
}
