package parser

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownParser walks the goldmark AST and maps block nodes onto the
// element model. Fenced code blocks are carried verbatim, language tag
// included, so the chunker can keep them whole.
type MarkdownParser struct{}

func (p *MarkdownParser) Parse(data []byte) (*Document, *ParseError) {
	if err := checkSize(data); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, newError(ErrEmpty, "markdown file has no content")
	}

	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	reader := text.NewReader(data)
	root := md.Parser().Parse(reader)

	doc := &Document{}
	for node := root.FirstChild(); node != nil; node = node.NextSibling() {
		el, ok := p.convert(node, data)
		if ok {
			doc.Elements = append(doc.Elements, el)
		}
	}
	if len(doc.Elements) == 0 {
		return nil, newError(ErrEmpty, "markdown file has no content")
	}
	return doc, nil
}

func (p *MarkdownParser) convert(node ast.Node, source []byte) (Element, bool) {
	switch n := node.(type) {
	case *ast.Heading:
		return Element{Kind: KindHeading, Level: n.Level, Text: nodeText(n, source)}, true
	case *ast.Paragraph:
		t := nodeText(n, source)
		if t == "" {
			return Element{}, false
		}
		return Element{Kind: KindParagraph, Text: t}, true
	case *ast.FencedCodeBlock:
		var lang string
		if l := n.Language(source); l != nil {
			lang = string(l)
		}
		return Element{Kind: KindCodeBlock, Language: lang, Text: blockLines(n, source)}, true
	case *ast.CodeBlock:
		return Element{Kind: KindCodeBlock, Text: blockLines(n, source)}, true
	case *ast.List:
		var items []string
		for item := n.FirstChild(); item != nil; item = item.NextSibling() {
			if t := nodeText(item, source); t != "" {
				items = append(items, t)
			}
		}
		if len(items) == 0 {
			return Element{}, false
		}
		return Element{Kind: KindList, Ordered: n.IsOrdered(), Items: items}, true
	case *ast.Blockquote:
		t := nodeText(n, source)
		if t == "" {
			return Element{}, false
		}
		return Element{Kind: KindQuote, Text: t}, true
	case *east.Table:
		var rows [][]string
		for row := n.FirstChild(); row != nil; row = row.NextSibling() {
			var cells []string
			for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
				cells = append(cells, nodeText(cell, source))
			}
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
		}
		if len(rows) == 0 {
			return Element{}, false
		}
		return Element{Kind: KindTable, Rows: rows}, true
	case *ast.ThematicBreak, *ast.HTMLBlock:
		return Element{}, false
	default:
		t := nodeText(node, source)
		if t == "" {
			return Element{}, false
		}
		return Element{Kind: KindParagraph, Text: t}, true
	}
}

// nodeText concatenates the inline text under a node.
func nodeText(node ast.Node, source []byte) string {
	var b bytes.Buffer
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			_, _ = b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				_ = b.WriteByte(' ')
			}
		case *ast.CodeSpan:
			for child := t.FirstChild(); child != nil; child = child.NextSibling() {
				if seg, ok := child.(*ast.Text); ok {
					_, _ = b.Write(seg.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

// blockLines copies the raw lines of a code block without trimming.
func blockLines(node ast.Node, source []byte) string {
	var b bytes.Buffer
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		_, _ = b.Write(seg.Value(source))
	}
	return b.String()
}
