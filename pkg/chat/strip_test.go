package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripMarkdownRemovesFormatting(t *testing.T) {
	in := "# Title\n\nSome **bold** and *italic* text with `code` and a [link](https://example.com).\n\n> quoted line\n\n---\n"
	out := StripMarkdown(in)

	assert.NotContains(t, out, "#")
	assert.NotContains(t, out, "**")
	assert.NotContains(t, out, "`")
	assert.NotContains(t, out, "](")
	assert.Contains(t, out, "Title")
	assert.Contains(t, out, "Some bold and italic text with code and a link.")
	assert.Contains(t, out, "quoted line")
}

func TestStripMarkdownPreservesCodeFences(t *testing.T) {
	in := "Intro **bold**\n\n```go\n// **not bold** inside a fence\nfmt.Println(\"# not a heading\")\n```\n\nOutro *italic*"
	out := StripMarkdown(in)

	assert.Contains(t, out, "```go")
	assert.Contains(t, out, "// **not bold** inside a fence")
	assert.Contains(t, out, "fmt.Println(\"# not a heading\")")
	assert.Contains(t, out, "Intro bold")
	assert.Contains(t, out, "Outro italic")
}

func TestStripMarkdownPlainTextUnchanged(t *testing.T) {
	in := "Just a plain sentence.\nAnd another one."
	assert.Equal(t, in, StripMarkdown(in))
}
