package extract

import (
	"bytes"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// htmlText renders the visible content of an HTML page as markdown-like
// text so that headings, lists, tables and preformatted blocks survive as
// blocks the chunker recognises.
func htmlText(data []byte) (string, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	r := &htmlRenderer{}
	r.walk(root)
	r.endBlock()
	return strings.TrimSpace(strings.Join(r.blocks, "\n\n")) + "\n", nil
}

type htmlRenderer struct {
	blocks []string
	cur    strings.Builder
}

func (r *htmlRenderer) endBlock() {
	s := strings.TrimSpace(collapse(r.cur.String()))
	if s != "" {
		r.blocks = append(r.blocks, s)
	}
	r.cur.Reset()
}

func (r *htmlRenderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.cur.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			r.endBlock()
			level := int(n.Data[1] - '0')
			if t := flat(textOf(n)); t != "" {
				r.blocks = append(r.blocks, strings.Repeat("#", level)+" "+t)
			}
			return
		case atom.Pre:
			r.endBlock()
			r.blocks = append(r.blocks, "```\n"+strings.Trim(textOf(n), "\n")+"\n```")
			return
		case atom.Ul, atom.Ol:
			r.endBlock()
			r.list(n)
			return
		case atom.Table:
			r.endBlock()
			if t := table(n); t != "" {
				r.blocks = append(r.blocks, t)
			}
			return
		case atom.Br:
			r.cur.WriteString("\n")
			return
		case atom.P, atom.Div, atom.Section, atom.Article, atom.Blockquote, atom.Dl, atom.Header, atom.Footer, atom.Main:
			r.endBlock()
			defer r.endBlock()
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
}

func (r *htmlRenderer) list(n *html.Node) {
	var items []string
	i := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.DataAtom != atom.Li {
			continue
		}
		i++
		marker := "-"
		if n.DataAtom == atom.Ol {
			marker = strconv.Itoa(i) + "."
		}
		items = append(items, marker+" "+collapse(textOf(c)))
	}
	if len(items) > 0 {
		r.blocks = append(r.blocks, strings.Join(items, "\n"))
	}
}

func table(n *html.Node) string {
	var rows [][]string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.DataAtom == atom.Td || c.DataAtom == atom.Th {
					cells = append(cells, strings.ReplaceAll(flat(textOf(c)), "|", `\|`))
				}
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	if len(rows) == 0 {
		return ""
	}

	var b strings.Builder
	for i, row := range rows {
		b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat("---|", len(row)) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}

// collapse squeezes runs of spaces and tabs but keeps line breaks.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func flat(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
