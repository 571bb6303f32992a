package fetch

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// IsSufficient reports whether the HTML body carries enough server-rendered
// text to diff. Script-driven shells that paint their content client-side
// come back false so the check can be logged as insufficient instead of
// producing an empty baseline.
func IsSufficient(body []byte) bool {
	if len(body) < 256 {
		return false
	}

	lower := bytes.ToLower(body)
	shellMarkers := []string{
		`<div id="root"></div>`,
		`<div id="app"></div>`,
		`<div id="__next"></div>`,
		"<noscript>you need to enable javascript",
		"<noscript>enable javascript",
	}
	for _, m := range shellMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return false
		}
	}

	text := visibleTextLen(body)
	if text < 200 {
		return false
	}
	return float64(text)/float64(len(body)) >= 0.02
}

// visibleTextLen tokenizes the document and counts bytes of text outside
// script and style elements.
func visibleTextLen(body []byte) int {
	z := html.NewTokenizer(bytes.NewReader(body))
	var n int
	var skip atom.Atom

	for {
		switch z.Next() {
		case html.ErrorToken:
			return n
		case html.StartTagToken:
			name, _ := z.TagName()
			switch a := atom.Lookup(name); a {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				skip = a
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if atom.Lookup(name) == skip {
				skip = 0
			}
		case html.TextToken:
			if skip == 0 {
				n += len(strings.TrimSpace(string(z.Text())))
			}
		}
	}
}
