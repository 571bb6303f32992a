package normalize

import (
	"regexp"
	"strings"
)

var multiSpaceRe = regexp.MustCompile(`\s+`)

// CleanText normalises a text payload for comparison: zero-width characters
// are removed, whitespace runs collapse to a single space, and the result is
// trimmed. Formatting-only re-renders therefore never count as changes.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		// Zero-width space/joiners, BOM, soft hyphen.
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)
	text = multiSpaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

var paragraphRe = regexp.MustCompile(`\n\s*\n`)

// SplitParagraphs splits plain text on blank-line boundaries, dropping empty
// parts.
func SplitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
