package chunker

import (
	"fmt"
	"strings"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/parser"
)

// Options sizes the chunk window. MaxCodeFenceSize is a character cap on
// fences kept atomic; fences above it split on blank lines.
type Options struct {
	MaxTokens        int
	OverlapTokens    int
	HardCharCap      int
	MaxCodeFenceSize int
}

// Defaults mirror the seeded ingestion settings.
func DefaultOptions() Options {
	return Options{MaxTokens: 250, OverlapTokens: 50, HardCharCap: 1000, MaxCodeFenceSize: 4096}
}

// Chunk is one emitted window.
type Chunk struct {
	Order          int
	Text           string
	TokenCount     int
	CharacterCount int
}

// Chunker walks document elements in order and accumulates text into
// token-bounded windows with overlap carried between adjacent chunks.
type Chunker struct {
	tok Tokenizer
}

func New(tok Tokenizer) *Chunker {
	return &Chunker{tok: tok}
}

// piece is one indivisible unit of chunk text. Headings never end a
// chunk; atomic pieces (whole fences, whole tables) are not split even
// when they overflow the window.
type piece struct {
	text    string
	tokens  int
	heading bool
	atomic  bool
}

// Split produces the ordered chunk sequence for a parsed document.
func (c *Chunker) Split(doc *parser.Document, opts Options) ([]Chunk, error) {
	if opts.MaxTokens <= 0 {
		opts = DefaultOptions()
	}
	pieces := c.pieces(doc, opts)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("%w", domain.ErrEmptyDocument)
	}

	var chunks []Chunk
	var window []piece
	windowTokens := 0

	emit := func() {
		// Bind trailing headings forward instead of orphaning them.
		var carried []piece
		for len(window) > 0 && window[len(window)-1].heading {
			carried = append([]piece{window[len(window)-1]}, carried...)
			window = window[:len(window)-1]
		}
		if len(window) > 0 {
			chunks = append(chunks, c.assemble(len(chunks), window))
		}
		next := c.overlapTail(window, opts.OverlapTokens)
		window = append(next, carried...)
		windowTokens = 0
		for _, p := range window {
			windowTokens += p.tokens
		}
	}

	for _, p := range pieces {
		if windowTokens > 0 && windowTokens+p.tokens > opts.MaxTokens {
			emit()
		}
		window = append(window, p)
		windowTokens += p.tokens
		// An atomic piece that alone overflows the window becomes its own
		// chunk rather than being split.
		if p.atomic && p.tokens > opts.MaxTokens {
			emit()
		}
	}
	if hasText(window) {
		chunks = append(chunks, c.assemble(len(chunks), window))
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w", domain.ErrEmptyDocument)
	}
	return chunks, nil
}

func hasText(window []piece) bool {
	for _, p := range window {
		if !p.heading {
			return true
		}
	}
	// A document that is nothing but headings still yields one chunk.
	return len(window) > 0
}

func (c *Chunker) assemble(order int, window []piece) Chunk {
	parts := make([]string, 0, len(window))
	for _, p := range window {
		parts = append(parts, p.text)
	}
	text := strings.Join(parts, "\n\n")
	return Chunk{
		Order:          order,
		Text:           text,
		TokenCount:     c.tok.Count(text),
		CharacterCount: len([]rune(text)),
	}
}

// overlapTail picks the trailing non-atomic pieces worth up to
// overlapTokens to seed the next window.
func (c *Chunker) overlapTail(window []piece, overlapTokens int) []piece {
	if overlapTokens <= 0 {
		return nil
	}
	total := 0
	start := len(window)
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].atomic {
			break
		}
		if total+window[i].tokens > overlapTokens {
			break
		}
		total += window[i].tokens
		start = i
	}
	if start == len(window) {
		return nil
	}
	tail := make([]piece, len(window)-start)
	copy(tail, window[start:])
	return tail
}

// pieces renders elements into window units, splitting oversized
// paragraphs, fences and tables up front.
func (c *Chunker) pieces(doc *parser.Document, opts Options) []piece {
	var out []piece
	add := func(text string, heading, atomic bool) {
		text = strings.TrimRight(text, "\n")
		if strings.TrimSpace(text) == "" {
			return
		}
		out = append(out, piece{text: text, tokens: c.tok.Count(text), heading: heading, atomic: atomic})
	}

	for _, el := range doc.Elements {
		switch el.Kind {
		case parser.KindHeading:
			level := el.Level
			if level < 1 {
				level = 1
			}
			if level > 6 {
				level = 6
			}
			add(strings.Repeat("#", level)+" "+el.Text, true, false)
		case parser.KindParagraph:
			for _, part := range splitLongText(el.Text, opts.HardCharCap) {
				add(part, false, false)
			}
		case parser.KindQuote:
			for _, part := range splitLongText(el.Text, opts.HardCharCap) {
				add("> "+part, false, false)
			}
		case parser.KindList:
			for i, item := range el.Items {
				if el.Ordered {
					add(fmt.Sprintf("%d. %s", i+1, item), false, false)
				} else {
					add("- "+item, false, false)
				}
			}
		case parser.KindCodeBlock:
			for _, fence := range splitFence(el, opts.MaxCodeFenceSize) {
				add(fence, false, true)
			}
		case parser.KindTable:
			for _, part := range splitTable(el.Rows, opts) {
				add(part, false, true)
			}
		}
	}
	return out
}

// splitFence keeps a fence whole under the size cap; above it, the body
// splits on blank lines and every part keeps the fence markers and the
// language tag.
func splitFence(el parser.Element, maxFenceSize int) []string {
	render := func(body string) string {
		body = strings.TrimRight(body, "\n")
		return "```" + el.Language + "\n" + body + "\n```"
	}
	whole := render(el.Text)
	if maxFenceSize <= 0 || len(whole) <= maxFenceSize {
		return []string{whole}
	}

	blocks := strings.Split(strings.TrimRight(el.Text, "\n"), "\n\n")
	var out []string
	var cur []string
	curLen := 0
	flush := func() {
		if len(cur) > 0 {
			out = append(out, render(strings.Join(cur, "\n\n")))
			cur, curLen = nil, 0
		}
	}
	for _, block := range blocks {
		if curLen > 0 && curLen+len(block) > maxFenceSize {
			flush()
		}
		cur = append(cur, block)
		curLen += len(block) + 2
	}
	flush()
	if len(out) == 0 {
		return []string{whole}
	}
	return out
}

// splitTable emits the table whole when it fits, otherwise row groups
// with the header row repeated at the top of each group.
func splitTable(rows [][]string, opts Options) []string {
	renderRows := func(rs [][]string) string {
		lines := make([]string, 0, len(rs))
		for _, r := range rs {
			lines = append(lines, strings.Join(r, " | "))
		}
		return strings.Join(lines, "\n")
	}
	whole := renderRows(rows)
	if len(whole) <= opts.HardCharCap || len(rows) <= 2 {
		return []string{whole}
	}

	header := rows[0]
	var out []string
	group := [][]string{header}
	groupLen := len(renderRows(group))
	for _, row := range rows[1:] {
		rowLen := len(strings.Join(row, " | ")) + 1
		if len(group) > 1 && groupLen+rowLen > opts.HardCharCap {
			out = append(out, renderRows(group))
			group = [][]string{header}
			groupLen = len(renderRows(group))
		}
		group = append(group, row)
		groupLen += rowLen
	}
	if len(group) > 1 {
		out = append(out, renderRows(group))
	}
	return out
}

// splitLongText breaks prose on sentence boundaries so no piece exceeds
// the character cap; pathological unbroken runs split on rune count.
func splitLongText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var sentences []string
	rest := text
	for rest != "" {
		idx := sentenceEnd(rest)
		if idx < 0 {
			sentences = append(sentences, rest)
			break
		}
		sentences = append(sentences, rest[:idx])
		rest = strings.TrimLeft(rest[idx:], " ")
	}

	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	for _, s := range sentences {
		if len(s) > limit {
			flush()
			out = append(out, splitByRunes(s, limit)...)
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(s)+1 > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(s)
	}
	flush()
	return out
}

func sentenceEnd(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			if s[i+1] == ' ' || s[i+1] == '\n' {
				return i + 1
			}
		}
	}
	return -1
}

func splitByRunes(s string, limit int) []string {
	var out []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := limit
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, strings.TrimSpace(string(runes[:n])))
		runes = runes[n:]
	}
	return out
}
