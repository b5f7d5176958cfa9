package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/pkg/domain"
	"github.com/lorekeep/lorekeep/pkg/parser"
)

// wordTokenizer counts whitespace-separated words, which keeps the window
// math in tests easy to reason about.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int { return len(strings.Fields(text)) }

func newTestChunker() *Chunker { return New(wordTokenizer{}) }

func paragraphDoc(paragraphs ...string) *parser.Document {
	doc := &parser.Document{}
	for _, p := range paragraphs {
		doc.Elements = append(doc.Elements, parser.Element{Kind: parser.KindParagraph, Text: p})
	}
	return doc
}

func words(n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(out, " ")
}

func TestSplitEmptyDocument(t *testing.T) {
	_, err := newTestChunker().Split(&parser.Document{}, DefaultOptions())
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)

	_, err = newTestChunker().Split(paragraphDoc("   "), DefaultOptions())
	assert.ErrorIs(t, err, domain.ErrEmptyDocument)
}

func TestSplitSingleChunk(t *testing.T) {
	chunks, err := newTestChunker().Split(paragraphDoc("hello world"), Options{
		MaxTokens: 100, HardCharCap: 1000, MaxCodeFenceSize: 4096,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Order)
	assert.Equal(t, "hello world", chunks[0].Text)
	assert.Equal(t, 2, chunks[0].TokenCount)
	assert.Equal(t, 11, chunks[0].CharacterCount)
}

func TestSplitWindowAndOverlap(t *testing.T) {
	doc := paragraphDoc(words(8), words(8), words(8))
	chunks, err := newTestChunker().Split(doc, Options{
		MaxTokens: 10, OverlapTokens: 8, HardCharCap: 10_000, MaxCodeFenceSize: 4096,
	})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(chunks), 2)

	// Each window after the first re-includes the previous trailing piece.
	for i := 1; i < len(chunks); i++ {
		prevTail := lastParagraph(chunks[i-1].Text)
		assert.True(t, strings.HasPrefix(chunks[i].Text, prevTail),
			"chunk %d does not start with the previous tail", i)
	}

	// Order is dense.
	for i, c := range chunks {
		assert.Equal(t, i, c.Order)
	}
}

func lastParagraph(text string) string {
	parts := strings.Split(text, "\n\n")
	return parts[len(parts)-1]
}

func TestHeadingBindsForward(t *testing.T) {
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindParagraph, Text: words(9)},
		{Kind: parser.KindHeading, Level: 2, Text: "Next Section"},
		{Kind: parser.KindParagraph, Text: words(9)},
	}}
	chunks, err := newTestChunker().Split(doc, Options{
		MaxTokens: 10, OverlapTokens: 0, HardCharCap: 10_000, MaxCodeFenceSize: 4096,
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.NotContains(t, chunks[0].Text, "Next Section")
	assert.True(t, strings.HasPrefix(chunks[1].Text, "## Next Section"))
}

func TestSmallFenceStaysAtomic(t *testing.T) {
	code := "func a() {}\n\nfunc b() {}\n"
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindParagraph, Text: words(9)},
		{Kind: parser.KindCodeBlock, Language: "go", Text: code},
	}}
	chunks, err := newTestChunker().Split(doc, Options{
		MaxTokens: 10, OverlapTokens: 0, HardCharCap: 10_000, MaxCodeFenceSize: 4096,
	})
	require.NoError(t, err)

	var fenced int
	for _, c := range chunks {
		if strings.Contains(c.Text, "```go") {
			fenced++
			assert.Contains(t, c.Text, "func a() {}\n\nfunc b() {}")
		}
	}
	assert.Equal(t, 1, fenced, "fence must appear whole in exactly one chunk")
}

func TestOversizedFenceSplitsOnBlankLines(t *testing.T) {
	var blocks []string
	for i := 0; i < 6; i++ {
		blocks = append(blocks, fmt.Sprintf("func fn%d() {\n\treturn\n}", i))
	}
	code := strings.Join(blocks, "\n\n") + "\n"

	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindCodeBlock, Language: "go", Text: code},
	}}
	chunks, err := newTestChunker().Split(doc, Options{
		MaxTokens: 20, OverlapTokens: 0, HardCharCap: 10_000, MaxCodeFenceSize: 60,
	})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.True(t, strings.HasPrefix(c.Text, "```go\n"), "chunk %d lost its opening fence", i)
		assert.True(t, strings.HasSuffix(c.Text, "\n```"), "chunk %d lost its closing fence", i)
	}
	joined := strings.Join(chunkTexts(chunks), "\n")
	for i := 0; i < 6; i++ {
		assert.Contains(t, joined, fmt.Sprintf("func fn%d()", i))
	}
}

func TestLargeTableSplitsWithRepeatedHeader(t *testing.T) {
	rows := [][]string{{"name", "value"}}
	for i := 0; i < 50; i++ {
		rows = append(rows, []string{fmt.Sprintf("row-%02d-padding-padding", i), fmt.Sprintf("%d", i)})
	}
	doc := &parser.Document{Elements: []parser.Element{{Kind: parser.KindTable, Rows: rows}}}

	chunks, err := newTestChunker().Split(doc, Options{
		MaxTokens: 40, OverlapTokens: 0, HardCharCap: 300, MaxCodeFenceSize: 4096,
	})
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.True(t, strings.HasPrefix(c.Text, "name | value"),
			"chunk %d does not repeat the header row", i)
	}
	joined := strings.Join(chunkTexts(chunks), "\n")
	for i := 0; i < 50; i++ {
		assert.Contains(t, joined, fmt.Sprintf("row-%02d", i))
	}
}

func TestRoundTripPreservesAllTokens(t *testing.T) {
	doc := &parser.Document{Elements: []parser.Element{
		{Kind: parser.KindHeading, Level: 1, Text: "Guide"},
		{Kind: parser.KindParagraph, Text: words(30)},
		{Kind: parser.KindList, Items: []string{"itemalpha", "itembeta"}},
		{Kind: parser.KindCodeBlock, Language: "sh", Text: "echo tokenmarker\n"},
		{Kind: parser.KindParagraph, Text: words(30)},
	}}
	chunks, err := newTestChunker().Split(doc, Options{
		MaxTokens: 25, OverlapTokens: 5, HardCharCap: 10_000, MaxCodeFenceSize: 4096,
	})
	require.NoError(t, err)

	joined := strings.Join(chunkTexts(chunks), " ")
	for _, token := range strings.Fields(doc.PlainText()) {
		assert.Contains(t, joined, token)
	}
}

func TestEstimatorTokenizerIsStable(t *testing.T) {
	tok := estimatorTokenizer{}
	text := "The quick brown fox jumps over the lazy dog."
	first := tok.Count(text)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, tok.Count(text))
	}
	assert.Greater(t, first, 0)
	assert.Zero(t, tok.Count(""))
}

func chunkTexts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
