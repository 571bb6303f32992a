// Package normalize converts raw fetched documents into canonical snapshots.
//
// The pipeline: sanitize → parse → prune exclusions → segment. Sanitization
// (bluemonday) removes scripts, styles, event handlers and any markup outside
// the structural allowlist, so volatile executable noise never reaches the
// comparison. Segmentation walks the DOM and emits one Segment per element
// that owns visible text, addressed by a tag+ordinal path such as
// "html[1]/body[1]/div[2]/p[1]".
//
// Normalization is deterministic: byte-identical input produces a
// byte-identical Segment sequence on every run.
package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/pagewatch/change"
)

// ErrMalformed indicates content that cannot produce a snapshot. This is
// distinct from "no change": malformed content must never silently compare
// equal to the previous snapshot.
var ErrMalformed = errors.New("normalize: malformed document")

// ErrUnsupportedContent indicates a content type the normalizer does not
// handle (binary formats, images).
var ErrUnsupportedContent = errors.New("normalize: unsupported content type")

// RawDocument is the opaque fetched content handed to the normalizer.
type RawDocument struct {
	URL         string
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// Options controls normalization for one page.
type Options struct {
	// Exclude holds XPath-subset expressions (see exclude.go) whose matching
	// subtrees are dropped before segmentation. Empty means full fidelity.
	Exclude []string
	// KeepHTML retains the rendered fragment on each Segment for reporting.
	// Comparison never looks at it.
	KeepHTML bool
}

// Normalizer produces canonical snapshots from raw documents.
type Normalizer struct {
	policy *bluemonday.Policy
}

// New creates a Normalizer with the structural sanitization policy.
func New() *Normalizer {
	return &Normalizer{policy: newPolicy()}
}

// newPolicy builds the sanitization allowlist: structural and text-bearing
// elements keep their place, class/id survive for exclusion matching, and
// everything executable is removed with its content.
func newPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"html", "head", "title", "body",
		"article", "section", "main", "aside", "header", "footer", "nav",
		"div", "span", "p", "h1", "h2", "h3", "h4", "h5", "h6",
		"blockquote", "pre", "code", "ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tfoot", "tr", "td", "th", "caption",
		"figure", "figcaption", "details", "summary",
		"a", "b", "i", "strong", "em", "small", "u", "s", "sub", "sup",
		"br", "hr", "img", "time", "address",
	)
	p.AllowAttrs("class", "id").Globally()
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt").OnElements("img")
	return p
}

// Normalize converts a raw document into a canonical snapshot.
//
// Empty bodies and documents with no text-bearing content at all are
// ErrMalformed. A document whose visible text is entirely removed by
// exclusion rules is a valid, empty snapshot.
func (n *Normalizer) Normalize(doc RawDocument, opts Options) (*change.Snapshot, error) {
	if len(bytes.TrimSpace(doc.Body)) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var snap *change.Snapshot
	var err error
	switch contentKind(doc.ContentType) {
	case kindHTML:
		snap, err = n.normalizeHTML(doc, opts)
	case kindText:
		snap, err = normalizeText(doc)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContent, doc.ContentType)
	}
	if err != nil {
		return nil, err
	}
	snap.RulesHash = RulesHash(opts.Exclude)
	return snap, nil
}

func (n *Normalizer) normalizeHTML(doc RawDocument, opts Options) (*change.Snapshot, error) {
	sanitized := n.policy.SanitizeBytes(doc.Body)

	root, err := html.Parse(bytes.NewReader(sanitized))
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrMalformed, err)
	}

	rules, err := CompileExclusions(opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("normalize: exclusion rules: %w", err)
	}
	excluded := rules.Evaluate(root)

	w := &walker{keepHTML: opts.KeepHTML, excluded: excluded}
	w.walk(root, "")

	if len(w.segments) == 0 && len(opts.Exclude) == 0 {
		return nil, fmt.Errorf("%w: no text-bearing content", ErrMalformed)
	}

	return &change.Snapshot{
		URL:       doc.URL,
		Segments:  w.segments,
		Hash:      change.HashSegments(w.segments),
		Title:     w.title,
		FetchedAt: doc.FetchedAt.UnixMilli(),
	}, nil
}

// normalizeText handles text/plain documents: one segment per non-empty
// paragraph, addressed as text[N].
func normalizeText(doc RawDocument) (*change.Snapshot, error) {
	var segs []change.Segment
	for i, para := range SplitParagraphs(string(doc.Body)) {
		segs = append(segs, change.Segment{
			Path: fmt.Sprintf("text[%d]", i+1),
			Text: CleanText(para),
		})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: no text content", ErrMalformed)
	}
	return &change.Snapshot{
		URL:       doc.URL,
		Segments:  segs,
		Hash:      change.HashSegments(segs),
		FetchedAt: doc.FetchedAt.UnixMilli(),
	}, nil
}

type walker struct {
	keepHTML bool
	excluded map[*html.Node]bool
	segments []change.Segment
	title    string
}

// walk descends the tree building tag+ordinal paths. An element that owns
// visible text (a non-empty direct text child) becomes a Segment.
func (w *walker) walk(n *html.Node, parentPath string) {
	// Ordinal per tag name among element siblings, 1-based.
	counts := make(map[string]int)

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if w.excluded[c] {
			continue
		}
		switch c.DataAtom {
		case atom.Script, atom.Style, atom.Noscript, atom.Template:
			continue
		}
		if isInline(c.DataAtom) {
			// Absorbed into the enclosing segment's text by directText.
			continue
		}

		counts[c.Data]++
		path := fmt.Sprintf("%s[%d]", c.Data, counts[c.Data])
		if parentPath != "" {
			path = parentPath + "/" + path
		}

		if c.DataAtom == atom.Title {
			if c.FirstChild != nil {
				w.title = CleanText(c.FirstChild.Data)
			}
			continue
		}

		if text := directText(c); text != "" {
			seg := change.Segment{Path: path, Text: text}
			if w.keepHTML {
				seg.HTML = renderNode(c)
			}
			w.segments = append(w.segments, seg)
		}

		w.walk(c, path)
	}
}

// directText gathers the normalized text of a node's immediate text children,
// including inline descendants (span, a, b, em, ...) that do not form
// segments of their own.
func directText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case html.TextNode:
			sb.WriteByte(' ')
			sb.WriteString(c.Data)
		case html.ElementNode:
			if isInline(c.DataAtom) {
				sb.WriteByte(' ')
				sb.WriteString(collectText(c))
			}
		}
	}
	return CleanText(sb.String())
}

// isInline reports whether an element contributes its text to the enclosing
// block instead of forming its own segment.
func isInline(a atom.Atom) bool {
	switch a {
	case atom.A, atom.B, atom.I, atom.Strong, atom.Em, atom.Span,
		atom.Small, atom.U, atom.S, atom.Sub, atom.Sup, atom.Code,
		atom.Time, atom.Br:
		return true
	}
	return false
}

// collectText extracts all visible text from a subtree.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteByte(' ')
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return CleanText(sb.String())
}

// renderNode serialises a subtree back to HTML for report fragments.
func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	html.Render(&buf, n)
	return buf.String()
}

type kind int

const (
	kindHTML kind = iota
	kindText
	kindOther
)

func contentKind(ct string) kind {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch {
	case ct == "" || ct == "text/html" || ct == "application/xhtml+xml":
		return kindHTML
	case strings.HasPrefix(ct, "text/"):
		return kindText
	default:
		return kindOther
	}
}
