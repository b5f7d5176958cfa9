package chat

import (
	"regexp"
	"strings"
)

var (
	linkPattern     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	imagePattern    = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	boldPattern     = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	italicPattern   = regexp.MustCompile(`\*([^*]+)\*|\b_([^_]+)_\b`)
	headingPattern  = regexp.MustCompile(`^#{1,6}\s+`)
	quotePattern    = regexp.MustCompile(`^>\s?`)
	hrulePattern    = regexp.MustCompile(`^(-{3,}|\*{3,}|_{3,})\s*$`)
	inlineCodeRe    = regexp.MustCompile("`([^`]*)`")
)

// StripMarkdown removes markdown formatting from a reply while leaving
// fenced code blocks byte-for-byte intact.
func StripMarkdown(text string) string {
	var out strings.Builder
	inFence := false

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			out.WriteString(line)
		} else if inFence {
			out.WriteString(line)
		} else {
			out.WriteString(stripLine(line))
		}
		if i < len(lines)-1 {
			out.WriteByte('\n')
		}
	}
	return out.String()
}

func stripLine(line string) string {
	if hrulePattern.MatchString(strings.TrimSpace(line)) {
		return ""
	}
	line = headingPattern.ReplaceAllString(line, "")
	line = quotePattern.ReplaceAllString(line, "")
	line = imagePattern.ReplaceAllString(line, "")
	line = linkPattern.ReplaceAllString(line, "$1")
	line = boldPattern.ReplaceAllString(line, "$1$2")
	line = italicPattern.ReplaceAllString(line, "$1$2")
	line = inlineCodeRe.ReplaceAllString(line, "$1")
	return line
}
