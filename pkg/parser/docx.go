package parser

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"
)

// DocxParser reads word/document.xml out of the OOXML container and walks
// it with a streaming decoder. Explicit Heading1-6 styles map to heading
// levels; numbered paragraphs become list items; w:tbl becomes a table.
type DocxParser struct{}

func (p *DocxParser) Parse(data []byte) (*Document, *ParseError) {
	if err := checkSize(data); err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newError(ErrCorruptInput, "open docx container: %v", err)
	}

	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, err := f.Open()
			if err != nil {
				return nil, newError(ErrCorruptInput, "open document.xml: %v", err)
			}
			docXML, err = io.ReadAll(io.LimitReader(rc, MaxDocumentBytes))
			_ = rc.Close()
			if err != nil {
				return nil, newError(ErrCorruptInput, "read document.xml: %v", err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, newError(ErrCorruptInput, "docx has no word/document.xml")
	}

	doc, perr := p.walk(docXML)
	if perr != nil {
		return nil, perr
	}
	if len(doc.Elements) == 0 {
		return nil, newError(ErrEmpty, "docx has no content")
	}
	return doc, nil
}

func (p *DocxParser) walk(docXML []byte) (*Document, *ParseError) {
	dec := xml.NewDecoder(bytes.NewReader(docXML))
	doc := &Document{}

	var (
		inParagraph bool
		inTable     bool
		inText      bool
		paraText    strings.Builder
		paraStyle   string
		paraListed  bool
		listItems   []string
		tableRows   [][]string
		tableRow    []string
		cellText    strings.Builder
	)

	flushList := func() {
		if len(listItems) > 0 {
			doc.Elements = append(doc.Elements, Element{Kind: KindList, Items: listItems})
			listItems = nil
		}
	}
	endParagraph := func() {
		text := strings.TrimSpace(paraText.String())
		paraText.Reset()
		inParagraph = false
		if text == "" {
			return
		}
		switch {
		case paraListed:
			listItems = append(listItems, text)
		case strings.HasPrefix(paraStyle, "Heading"):
			flushList()
			level, err := strconv.Atoi(strings.TrimPrefix(paraStyle, "Heading"))
			if err != nil || level < 1 || level > 6 {
				level = 1
			}
			doc.Elements = append(doc.Elements, Element{Kind: KindHeading, Level: level, Text: text})
		case paraStyle == "Quote" || paraStyle == "IntenseQuote":
			flushList()
			doc.Elements = append(doc.Elements, Element{Kind: KindQuote, Text: text})
		default:
			flushList()
			doc.Elements = append(doc.Elements, Element{Kind: KindParagraph, Text: text})
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newError(ErrCorruptInput, "malformed document.xml: %v", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				flushList()
				inTable = true
				tableRows = nil
			case "tr":
				tableRow = nil
			case "tc":
				cellText.Reset()
			case "p":
				if !inTable {
					inParagraph = true
					paraStyle = ""
					paraListed = false
				}
			case "pStyle":
				for _, attr := range t.Attr {
					if attr.Name.Local == "val" {
						paraStyle = attr.Value
					}
				}
			case "numPr":
				if inParagraph && !inTable {
					paraListed = true
				}
			case "t":
				inText = true
			}
		case xml.CharData:
			if !inText {
				break
			}
			if inTable {
				cellText.Write(t)
			} else if inParagraph {
				paraText.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if !inTable && inParagraph {
					endParagraph()
				} else if inTable {
					// Paragraph breaks inside a cell become spaces.
					cellText.WriteByte(' ')
				}
			case "tc":
				tableRow = append(tableRow, strings.TrimSpace(cellText.String()))
			case "tr":
				if len(tableRow) > 0 {
					tableRows = append(tableRows, tableRow)
				}
			case "tbl":
				inTable = false
				if len(tableRows) > 0 {
					doc.Elements = append(doc.Elements, Element{Kind: KindTable, Rows: tableRows})
				}
			}
		}
	}
	flushList()
	return doc, nil
}
