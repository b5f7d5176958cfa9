package parser

import (
	"bytes"
	"math"
	"sort"
	"strings"

	pdf "github.com/dslipak/pdf"
)

// PDFParser extracts styled text runs and reconstructs the heading
// hierarchy from font sizes: the most common size is body text, larger
// sizes become heading levels in descending order. PDFs carry no explicit
// structure, so this stays a heuristic; when nothing looks like a heading
// a synthetic "Untitled" root is emitted.
type PDFParser struct{}

type pdfLine struct {
	page int
	y    float64
	size float64
	text string
}

func (p *PDFParser) Parse(data []byte) (*Document, *ParseError) {
	if err := checkSize(data); err != nil {
		return nil, err
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, newError(ErrCorruptInput, "open pdf: %v", err)
	}

	lines := collectLines(reader)
	if len(lines) == 0 {
		// Some PDFs expose no styled content; fall back to plain text.
		return plainTextFallback(reader)
	}

	bodySize := dominantFontSize(lines)
	levelFor := headingLevels(lines, bodySize)

	doc := &Document{}
	sawHeading := false
	var para []string
	flush := func() {
		if len(para) > 0 {
			doc.Elements = append(doc.Elements, Element{
				Kind: KindParagraph, Text: strings.Join(para, " "),
			})
			para = nil
		}
	}

	for _, line := range lines {
		if level, ok := levelFor[quantize(line.size)]; ok {
			flush()
			if !sawHeading {
				sawHeading = true
			}
			doc.Elements = append(doc.Elements, Element{
				Kind: KindHeading, Level: level, Text: line.text,
			})
			continue
		}
		para = append(para, line.text)
	}
	flush()

	if len(doc.Elements) == 0 {
		return nil, newError(ErrEmpty, "pdf contains no extractable text")
	}
	if !sawHeading {
		doc.Elements = append([]Element{{Kind: KindHeading, Level: 1, Text: "Untitled"}}, doc.Elements...)
	}
	return doc, nil
}

// collectLines groups styled runs into visual lines per page, ordered
// top-to-bottom then left-to-right.
func collectLines(reader *pdf.Reader) []pdfLine {
	type runKey struct {
		page int
		y    float64
	}
	type run struct {
		x    float64
		size float64
		s    string
	}
	grouped := map[runKey][]run{}

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content := page.Content()
		for _, t := range content.Text {
			if strings.TrimSpace(t.S) == "" {
				continue
			}
			key := runKey{page: i, y: math.Round(t.Y)}
			grouped[key] = append(grouped[key], run{x: t.X, size: t.FontSize, s: t.S})
		}
	}

	keys := make([]runKey, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	// PDF Y grows upward, so within a page higher Y comes first.
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].page != keys[b].page {
			return keys[a].page < keys[b].page
		}
		return keys[a].y > keys[b].y
	})

	var lines []pdfLine
	for _, k := range keys {
		runs := grouped[k]
		sort.Slice(runs, func(a, b int) bool { return runs[a].x < runs[b].x })
		var b strings.Builder
		maxSize := 0.0
		for _, r := range runs {
			b.WriteString(r.s)
			if r.size > maxSize {
				maxSize = r.size
			}
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			continue
		}
		lines = append(lines, pdfLine{page: k.page, y: k.y, size: maxSize, text: text})
	}
	return lines
}

// dominantFontSize returns the most frequent quantized size; ties go to
// the smaller size so headings never become the body baseline.
func dominantFontSize(lines []pdfLine) float64 {
	counts := map[float64]int{}
	for _, l := range lines {
		counts[quantize(l.size)]++
	}
	best, bestCount := 0.0, -1
	for size, count := range counts {
		if count > bestCount || (count == bestCount && size < best) {
			best, bestCount = size, count
		}
	}
	return best
}

// headingLevels maps each font size clearly above the body size to a
// heading level, largest first, capped at six levels.
func headingLevels(lines []pdfLine, bodySize float64) map[float64]int {
	const headingRatio = 1.15
	distinct := map[float64]bool{}
	for _, l := range lines {
		size := quantize(l.size)
		if size > bodySize*headingRatio {
			distinct[size] = true
		}
	}
	sizes := make([]float64, 0, len(distinct))
	for s := range distinct {
		sizes = append(sizes, s)
	}
	sort.Sort(sort.Reverse(sort.Float64Slice(sizes)))

	levels := map[float64]int{}
	for i, s := range sizes {
		if i >= 6 {
			break
		}
		levels[s] = i + 1
	}
	return levels
}

func quantize(size float64) float64 {
	return math.Round(size*2) / 2
}

func plainTextFallback(reader *pdf.Reader) (*Document, *ParseError) {
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	content := strings.TrimSpace(b.String())
	if content == "" {
		return nil, newError(ErrEmpty, "pdf contains no extractable text")
	}
	doc := &Document{Elements: []Element{{Kind: KindHeading, Level: 1, Text: "Untitled"}}}
	for _, block := range strings.Split(content, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		doc.Elements = append(doc.Elements, Element{Kind: KindParagraph, Text: block})
	}
	return doc, nil
}
