package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

// BlockKind is the structural type of a block.
type BlockKind int

const (
	Paragraph BlockKind = iota
	Heading
	CodeFence
	List
	Table
	Definition
)

func (k BlockKind) String() string {
	switch k {
	case Heading:
		return "heading"
	case CodeFence:
		return "code"
	case List:
		return "list"
	case Table:
		return "table"
	case Definition:
		return "definition"
	default:
		return "paragraph"
	}
}

// Block is one structural element of a document. Lines are 1-based and inclusive.
type Block struct {
	Kind      BlockKind
	Text      string
	StartLine int
	EndLine   int
	// Level is the heading depth for Heading blocks.
	Level int
	// Lang is the info string of a CodeFence block.
	Lang string
}

// Document is a parsed text. Warnings report recoverable oddities such as an
// unterminated code fence.
type Document struct {
	Blocks   []Block
	Warnings []string
}

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+\S`)
	listItemRe = regexp.MustCompile(`^\s*([-*+]|\d{1,9}[.)])\s+`)
	fenceRe    = regexp.MustCompile("^\\s{0,3}(`{3,}|~{3,})\\s*([^`\\s]*)")
)

// Parse splits markdown-like text into blocks. It never fails: unterminated
// fences run to the end of the document and are reported in Warnings.
func Parse(text string) Document {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	p := &parser{lines: lines}
	p.run()
	return Document{Blocks: p.blocks, Warnings: p.warnings}
}

type parser struct {
	lines    []string
	blocks   []Block
	warnings []string

	cur   *Block
	start int
	buf   []string
}

func (p *parser) open(kind BlockKind, line int) {
	p.close()
	p.cur = &Block{Kind: kind}
	p.start = line
	p.buf = nil
}

func (p *parser) add(s string) {
	p.buf = append(p.buf, s)
}

func (p *parser) close() {
	if p.cur == nil {
		return
	}
	// Trailing blank lines kept for list lookahead do not belong to the block.
	for len(p.buf) > 0 && strings.TrimSpace(p.buf[len(p.buf)-1]) == "" {
		p.buf = p.buf[:len(p.buf)-1]
	}
	if len(p.buf) > 0 {
		b := *p.cur
		b.Text = strings.Join(p.buf, "\n")
		b.StartLine = p.start + 1
		b.EndLine = p.start + len(p.buf)
		p.blocks = append(p.blocks, b)
	}
	p.cur = nil
	p.buf = nil
}

func (p *parser) kind() (BlockKind, bool) {
	if p.cur == nil {
		return 0, false
	}
	return p.cur.Kind, true
}

func (p *parser) run() {
	for i := 0; i < len(p.lines); i++ {
		line := p.lines[i]
		trimmed := strings.TrimSpace(line)
		kind, inBlock := p.kind()

		switch {
		case trimmed == "":
			if inBlock && kind == List && p.listContinues(i+1) {
				p.add(line)
				continue
			}
			p.close()

		case fenceRe.MatchString(line):
			i = p.fence(i)

		case headingRe.MatchString(line):
			p.open(Heading, i)
			p.cur.Level = len(headingRe.FindStringSubmatch(line)[1])
			p.add(line)
			p.close()

		case strings.HasPrefix(trimmed, "|"):
			if !inBlock || kind != Table {
				p.open(Table, i)
			}
			p.add(line)

		case listItemRe.MatchString(line):
			if !inBlock || kind != List {
				p.open(List, i)
			}
			p.add(line)

		case strings.HasPrefix(trimmed, ": "):
			switch {
			case inBlock && kind == Definition:
			case inBlock && kind == Paragraph && len(p.buf) == 1:
				p.cur.Kind = Definition
			default:
				p.open(Definition, i)
			}
			p.add(line)

		default:
			if inBlock && (kind == Paragraph || kind == List || kind == Definition) {
				p.add(line)
				continue
			}
			p.open(Paragraph, i)
			p.add(line)
		}
	}
	p.close()
}

// listContinues reports whether the next non-blank line after from still
// belongs to the current list.
func (p *parser) listContinues(from int) bool {
	for j := from; j < len(p.lines); j++ {
		l := p.lines[j]
		if strings.TrimSpace(l) == "" {
			continue
		}
		return listItemRe.MatchString(l) || strings.HasPrefix(l, "  ") || strings.HasPrefix(l, "\t")
	}
	return false
}

// fence consumes a fenced code block starting at line i and returns the index
// of its last line.
func (p *parser) fence(i int) int {
	m := fenceRe.FindStringSubmatch(p.lines[i])
	marker := m[1]
	p.open(CodeFence, i)
	p.cur.Lang = m[2]
	p.add(p.lines[i])

	for j := i + 1; j < len(p.lines); j++ {
		p.add(p.lines[j])
		t := strings.TrimSpace(p.lines[j])
		if strings.HasPrefix(t, marker) && strings.Trim(t, marker[:1]) == "" {
			p.close()
			return j
		}
	}
	p.warnings = append(p.warnings, fmt.Sprintf("unterminated code fence at line %d", i+1))
	p.close()
	return len(p.lines) - 1
}
