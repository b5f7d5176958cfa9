package parser

import (
	"strings"
	"unicode/utf8"
)

// TextParser emits one paragraph per blank-line-separated block.
type TextParser struct{}

func (p *TextParser) Parse(data []byte) (*Document, *ParseError) {
	if err := checkSize(data); err != nil {
		return nil, err
	}
	if !utf8.Valid(data) {
		return nil, newError(ErrCorruptInput, "text file is not valid UTF-8")
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	doc := &Document{}
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		doc.Elements = append(doc.Elements, Element{Kind: KindParagraph, Text: block})
	}
	if len(doc.Elements) == 0 {
		return nil, newError(ErrEmpty, "text file has no content")
	}
	return doc, nil
}
