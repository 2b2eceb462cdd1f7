// Package chunker splits documents into bounded-size chunks along block
// boundaries without breaking tables, lists, API-doc sections or code fences.
package chunker

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxSize is the size in runes at which a chunk is flushed.
	DefaultMaxSize = 1500
	// DefaultMinSize is the size below which a trailing chunk is merged back.
	DefaultMinSize = 200
	// DefaultOverlap is the number of trailing runes copied into the next chunk.
	DefaultOverlap = 150

	separator = "\n\n"
)

// Chunker is a pattern-aware semantic chunker. It is safe for concurrent use.
type Chunker struct {
	maxSize int
	minSize int
	overlap int
	ceiling int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithMaxSize sets the flush threshold in runes.
func WithMaxSize(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithMinSize sets the residual merge threshold in runes.
func WithMinSize(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.minSize = n
		}
	}
}

// WithOverlap sets the trailing overlap in runes. Zero disables overlap.
func WithOverlap(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.overlap = n
		}
	}
}

// WithHardCeiling sets the absolute chunk size cap in runes. Defaults to
// twice the max size.
func WithHardCeiling(n int) Option {
	return func(c *Chunker) {
		if n > 0 {
			c.ceiling = n
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{
		maxSize: DefaultMaxSize,
		minSize: DefaultMinSize,
		overlap: DefaultOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ceiling == 0 {
		c.ceiling = 2 * c.maxSize
	}
	if c.ceiling < c.maxSize {
		c.ceiling = c.maxSize
	}
	if c.minSize >= c.maxSize {
		c.minSize = c.maxSize / 4
	}
	if c.overlap >= c.maxSize {
		c.overlap = c.maxSize / 4
	}
	return c
}

// Chunk is one segment of a document. Content starts with OverlapLen bytes
// copied from the previous chunk; Body returns the rest.
type Chunk struct {
	Ordinal     int
	Content     string
	OverlapLen  int
	StartLine   int
	EndLine     int
	FirstBlock  int
	LastBlock   int
	ContentType string
	HasCode     bool
	Headings    []string
	Patterns    []string
	Oversized   bool
	ForcedSplit bool
}

// Body returns the chunk content without the overlap prefix.
func (c Chunk) Body() string {
	return c.Content[c.OverlapLen:]
}

// Stats summarises a chunking result. Runes excludes overlap.
type Stats struct {
	Chunks       int
	Runes        int
	Oversized    int
	ForcedSplits int
	Patterns     int
}

type Result struct {
	Chunks   []Chunk
	Patterns []Pattern
	Stats    Stats
	Warnings []string
}

// Split parses text and chunks it.
func (c *Chunker) Split(text string) Result {
	return c.Chunk(Parse(text))
}

// Chunk splits a parsed document.
func (c *Chunker) Chunk(doc Document) Result {
	patterns := DetectPatterns(doc)
	w := &walker{c: c, doc: doc, patterns: patterns, rangeOf: make([]int, len(doc.Blocks))}
	for i := range w.rangeOf {
		w.rangeOf[i] = -1
	}
	for pi, p := range patterns {
		for b := p.StartBlock; b <= p.EndBlock; b++ {
			w.rangeOf[b] = pi
		}
	}

	w.run()
	chunks := w.chunks
	if len(chunks) == 0 {
		chunks = []Chunk{{ContentType: "prose", FirstBlock: -1, LastBlock: -1}}
	}
	chunks = c.mergeResidual(chunks)

	res := Result{Chunks: chunks, Patterns: patterns, Warnings: doc.Warnings}
	for i := range res.Chunks {
		ch := &res.Chunks[i]
		ch.Ordinal = i
		ch.Patterns = w.patternsIn(ch.FirstBlock, ch.LastBlock)
		res.Stats.Runes += utf8.RuneCountInString(ch.Body())
		if ch.Oversized {
			res.Stats.Oversized++
		}
		if ch.ForcedSplit {
			res.Stats.ForcedSplits++
		}
	}
	res.Stats.Chunks = len(res.Chunks)
	res.Stats.Patterns = len(patterns)
	return res
}

type walker struct {
	c        *Chunker
	doc      Document
	patterns []Pattern
	// rangeOf maps a block index to its pattern index, or -1.
	rangeOf []int

	chunks []Chunk
	trail  []string

	parts    []string
	overlap  string
	size     int
	first    int
	last     int
	headings []string
}

func (w *walker) run() {
	w.reset("")
	for i, b := range w.doc.Blocks {
		if b.Kind == Heading {
			w.pushHeading(b)
		}
		bs := runeLen(b.Text)

		if bs > w.c.ceiling {
			if len(w.parts) > 0 {
				w.flush(w.protected(w.last, i))
			}
			w.reset("")
			w.start(i)
			w.parts = append(w.parts, b.Text)
			w.size = bs
			ch := w.build()
			w.chunks = append(w.chunks, ch)
			w.reset("")
			continue
		}

		if len(w.parts) > 0 {
			need := w.unitSize(i)
			switch {
			case !w.protected(w.last, i):
				if w.size >= w.c.maxSize || w.size+len(separator)+need > w.c.ceiling {
					w.seed(w.flush(false))
				}
			case w.size+len(separator)+bs > w.c.ceiling:
				w.seed(w.flush(true))
			}
		}
		w.appendBlock(i, b.Text, bs)
	}
	if len(w.parts) > 0 {
		w.flush(false)
	}
}

// protected reports whether the boundary between blocks a and b lies inside
// a pattern range. Code fences are single blocks, so no boundary falls
// inside one.
func (w *walker) protected(a, b int) bool {
	return w.rangeOf[a] >= 0 && w.rangeOf[a] == w.rangeOf[b]
}

// unitSize is the size of what must follow block i-1 as a whole: the entire
// pattern range when i opens one, otherwise block i alone.
func (w *walker) unitSize(i int) int {
	pi := w.rangeOf[i]
	if pi < 0 || w.patterns[pi].StartBlock != i {
		return runeLen(w.doc.Blocks[i].Text)
	}
	p := w.patterns[pi]
	n := 0
	for j := p.StartBlock; j <= p.EndBlock; j++ {
		if j > p.StartBlock {
			n += len(separator)
		}
		n += runeLen(w.doc.Blocks[j].Text)
	}
	return n
}

func (w *walker) appendBlock(i int, text string, size int) {
	if len(w.parts) == 0 {
		if w.overlap != "" && runeLen(w.overlap)+len(separator)+w.unitSize(i) > w.c.ceiling {
			w.reset("")
		}
		w.start(i)
	}
	if w.size > 0 {
		w.size += len(separator)
	}
	w.parts = append(w.parts, text)
	w.size += size
	w.last = i
}

func (w *walker) start(i int) {
	w.first, w.last = i, i
	w.headings = append([]string(nil), w.trail...)
}

func (w *walker) reset(overlap string) {
	w.parts = nil
	w.overlap = overlap
	w.size = runeLen(overlap)
	w.first, w.last = -1, -1
	w.headings = nil
}

// seed starts the next candidate with the trailing overlap of ch.
func (w *walker) seed(ch Chunk) {
	w.reset(tail(ch.Content, w.c.overlap))
}

func (w *walker) flush(forced bool) Chunk {
	ch := w.build()
	ch.ForcedSplit = forced
	w.chunks = append(w.chunks, ch)
	w.reset("")
	return ch
}

func (w *walker) build() Chunk {
	body := strings.Join(w.parts, separator)
	ch := Chunk{
		Content:    body,
		StartLine:  w.doc.Blocks[w.first].StartLine,
		EndLine:    w.doc.Blocks[w.last].EndLine,
		FirstBlock: w.first,
		LastBlock:  w.last,
		Headings:   w.headings,
	}
	if w.overlap != "" {
		prefix := w.overlap + separator
		ch.Content = prefix + body
		ch.OverlapLen = len(prefix)
	}
	ch.ContentType, ch.HasCode = classify(w.doc.Blocks[w.first : w.last+1])
	// A lone block that could not fit under the flush threshold.
	ch.Oversized = w.first == w.last && runeLen(body) > w.c.maxSize
	return ch
}

func (w *walker) pushHeading(b Block) {
	title := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(b.Text), "#"))
	level := max(b.Level, 1)
	if len(w.trail) >= level {
		w.trail = w.trail[:level-1]
	}
	for len(w.trail) < level-1 {
		w.trail = append(w.trail, "")
	}
	w.trail = append(w.trail, title)
}

func (w *walker) patternsIn(first, last int) []string {
	if first < 0 {
		return nil
	}
	var kinds []string
	for _, p := range w.patterns {
		if p.EndBlock < first || p.StartBlock > last {
			continue
		}
		for _, k := range p.Kinds {
			if !slices.Contains(kinds, k) {
				kinds = append(kinds, k)
			}
		}
	}
	return kinds
}

// mergeResidual folds a trailing chunk smaller than the min size into its
// predecessor when the result stays under the hard ceiling.
func (c *Chunker) mergeResidual(chunks []Chunk) []Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	last := chunks[len(chunks)-1]
	prev := &chunks[len(chunks)-2]
	body := last.Body()
	if last.Oversized || prev.Oversized || runeLen(body) >= c.minSize {
		return chunks
	}
	if runeLen(prev.Content)+len(separator)+runeLen(body) > c.ceiling {
		return chunks
	}
	prev.Content += separator + body
	prev.EndLine = last.EndLine
	prev.LastBlock = last.LastBlock
	prev.HasCode = prev.HasCode || last.HasCode
	if prev.ContentType != last.ContentType {
		prev.ContentType = "mixed"
	}
	return chunks[:len(chunks)-1]
}

// classify derives a content type tag and the code flag from the blocks of a chunk.
func classify(blocks []Block) (string, bool) {
	kinds := make(map[BlockKind]bool)
	for _, b := range blocks {
		if b.Kind == Heading {
			continue
		}
		kinds[b.Kind] = true
	}
	hasCode := kinds[CodeFence]
	if len(kinds) == 0 {
		return "prose", false
	}
	if len(kinds) > 1 {
		return "mixed", hasCode
	}
	for k := range kinds {
		if k == Paragraph {
			return "prose", hasCode
		}
		return k.String(), hasCode
	}
	return "mixed", hasCode
}

// tail returns roughly the last n runes of s, starting at a word boundary.
func tail(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return strings.TrimSpace(s)
	}
	cut := len(runes) - n
	if !unicode.IsSpace(runes[cut-1]) {
		for cut < len(runes) && !unicode.IsSpace(runes[cut]) {
			cut++
		}
	}
	return strings.TrimSpace(string(runes[cut:]))
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
