// Package parser turns uploaded files into a structured element stream the
// chunker consumes. One parser per supported extension; all of them emit
// the same element model so downstream code never branches on file type.
package parser

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MaxDocumentBytes caps single-file uploads; larger inputs fail with
// KindTooLarge before any parsing work happens.
const MaxDocumentBytes = 64 << 20

// ElementKind tags one structural element of a parsed document.
type ElementKind string

const (
	KindHeading   ElementKind = "heading"
	KindParagraph ElementKind = "paragraph"
	KindList      ElementKind = "list"
	KindTable     ElementKind = "table"
	KindCodeBlock ElementKind = "code"
	KindQuote     ElementKind = "quote"
)

// Element is one node of the structured document, in source order. Which
// fields are set depends on Kind: Level for headings, Language for code
// blocks, Items for lists, Rows for tables, Text for everything textual.
type Element struct {
	Kind     ElementKind
	Level    int
	Text     string
	Language string
	Ordered  bool
	Items    []string
	Rows     [][]string
}

// Document is the ordered element stream of one parsed file.
type Document struct {
	Elements []Element
}

// ErrorKind classifies a parse failure.
type ErrorKind string

const (
	ErrUnsupportedFormat ErrorKind = "UnsupportedFormat"
	ErrCorruptInput      ErrorKind = "CorruptInput"
	ErrEmpty             ErrorKind = "Empty"
	ErrTooLarge          ErrorKind = "TooLarge"
)

// ParseError is the only error type parsers return.
type ParseError struct {
	Kind    ErrorKind
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Parser consumes raw file bytes and produces the structured document.
type Parser interface {
	Parse(data []byte) (*Document, *ParseError)
}

// ForFile resolves a parser from the file extension.
func ForFile(filename string) (Parser, *ParseError) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return &MarkdownParser{}, nil
	case ".txt":
		return &TextParser{}, nil
	case ".pdf":
		return &PDFParser{}, nil
	case ".docx":
		return &DocxParser{}, nil
	default:
		return nil, newError(ErrUnsupportedFormat, "no parser for %q", filepath.Ext(filename))
	}
}

// FileType normalizes the extension stored on document rows.
func FileType(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "markdown" {
		return "md"
	}
	return ext
}

func checkSize(data []byte) *ParseError {
	if len(data) > MaxDocumentBytes {
		return newError(ErrTooLarge, "file is %d bytes, limit is %d", len(data), MaxDocumentBytes)
	}
	return nil
}

// PlainText flattens a document back to text, used for summaries and
// token accounting. Code fences keep their markers so the chunker can
// treat them atomically.
func (d *Document) PlainText() string {
	var b strings.Builder
	for _, el := range d.Elements {
		switch el.Kind {
		case KindCodeBlock:
			b.WriteString("```")
			b.WriteString(el.Language)
			b.WriteString("\n")
			b.WriteString(el.Text)
			if !strings.HasSuffix(el.Text, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("```\n\n")
		case KindList:
			for i, item := range el.Items {
				if el.Ordered {
					fmt.Fprintf(&b, "%d. %s\n", i+1, item)
				} else {
					fmt.Fprintf(&b, "- %s\n", item)
				}
			}
			b.WriteString("\n")
		case KindTable:
			for _, row := range el.Rows {
				b.WriteString(strings.Join(row, " | "))
				b.WriteString("\n")
			}
			b.WriteString("\n")
		default:
			b.WriteString(el.Text)
			b.WriteString("\n\n")
		}
	}
	return strings.TrimSpace(b.String())
}
