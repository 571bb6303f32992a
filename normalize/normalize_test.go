package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/pagewatch/change"
)

func doc(body string) RawDocument {
	return RawDocument{
		URL:         "https://example.com/page",
		Body:        []byte(body),
		ContentType: "text/html",
		FetchedAt:   time.UnixMilli(1700000000000),
	}
}

func mustNormalize(t *testing.T, n *Normalizer, d RawDocument, opts Options) *change.Snapshot {
	t.Helper()
	snap, err := n.Normalize(d, opts)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	return snap
}

func TestNormalize_Deterministic(t *testing.T) {
	// WHAT: byte-identical input yields byte-identical segment sequences.
	// WHY: the determinism invariant underpins every diff downstream.
	n := New()
	input := doc(`<html><body><h1>Title</h1><p>First paragraph.</p><p>Second.</p></body></html>`)

	a := mustNormalize(t, n, input, Options{})
	b := mustNormalize(t, n, input, Options{})

	if !a.Equal(b) {
		t.Error("two runs over identical input should be equal")
	}
	if a.Hash != b.Hash {
		t.Errorf("hash mismatch: %s vs %s", a.Hash, b.Hash)
	}
}

func TestNormalize_Paths(t *testing.T) {
	// WHAT: segments carry tag+ordinal paths and clean text.
	// WHY: paths are the alignment key for the diff engine.
	n := New()
	snap := mustNormalize(t, n, doc(`<html><body><p>one</p><div><p>two</p></div><p>three</p></body></html>`), Options{})

	want := []change.Segment{
		{Path: "html[1]/body[1]/p[1]", Text: "one"},
		{Path: "html[1]/body[1]/div[1]/p[1]", Text: "two"},
		{Path: "html[1]/body[1]/p[2]", Text: "three"},
	}
	if len(snap.Segments) != len(want) {
		t.Fatalf("segments: got %d, want %d: %+v", len(snap.Segments), len(want), snap.Segments)
	}
	for i, w := range want {
		if snap.Segments[i].Path != w.Path || snap.Segments[i].Text != w.Text {
			t.Errorf("segment %d: got %+v, want %+v", i, snap.Segments[i], w)
		}
	}
}

func TestNormalize_WhitespaceCollapse(t *testing.T) {
	// WHAT: whitespace-only differences normalize identically.
	// WHY: formatting-only re-renders must not count as changes.
	n := New()
	a := mustNormalize(t, n, doc("<p>Price:   $10</p>"), Options{})
	b := mustNormalize(t, n, doc("<p>\n  Price:\n\t$10  </p>"), Options{})

	if !a.Equal(b) {
		t.Errorf("whitespace variants should be equal: %+v vs %+v", a.Segments, b.Segments)
	}
}

func TestNormalize_InlineMerged(t *testing.T) {
	// WHAT: inline elements contribute text to the enclosing block.
	// WHY: "<b>" markup shuffles inside a paragraph are not structural.
	n := New()
	snap := mustNormalize(t, n, doc(`<p>Hello <b>world</b> again</p>`), Options{})

	if len(snap.Segments) != 1 {
		t.Fatalf("segments: got %d: %+v", len(snap.Segments), snap.Segments)
	}
	if snap.Segments[0].Text != "Hello world again" {
		t.Errorf("text: got %q", snap.Segments[0].Text)
	}
}

func TestNormalize_ScriptStyleDropped(t *testing.T) {
	// WHAT: script/style content never produces segments.
	// WHY: executable noise is the canonical source of spurious diffs.
	n := New()
	a := mustNormalize(t, n, doc(`<p>stable</p><script>var x=1;</script><style>p{}</style>`), Options{})
	b := mustNormalize(t, n, doc(`<p>stable</p><script>var x=2;</script>`), Options{})

	if !a.Equal(b) {
		t.Errorf("script changes should be invisible: %+v vs %+v", a.Segments, b.Segments)
	}
}

func TestNormalize_VolatileAttributesIgnored(t *testing.T) {
	// WHAT: attributes outside the allowlist (timestamps, tokens) vanish.
	// WHY: session tokens embedded in markup must not trigger reports.
	n := New()
	a := mustNormalize(t, n, doc(`<div data-ts="1700000001"><p>body</p></div>`), Options{})
	b := mustNormalize(t, n, doc(`<div data-ts="1700009999"><p>body</p></div>`), Options{})

	if !a.Equal(b) {
		t.Error("volatile attribute change should be invisible")
	}
}

func TestNormalize_Exclusion(t *testing.T) {
	// WHAT: documents differing only under an excluded path normalize equal.
	// WHY: exclusion rules exist to suppress ads/counters/clocks.
	n := New()
	opts := Options{Exclude: []string{`//div[@class='ads']`}}

	a := mustNormalize(t, n, doc(`<p>content</p><div class="ads"><p>buy now</p></div>`), opts)
	b := mustNormalize(t, n, doc(`<p>content</p><div class="ads"><p>different ad</p></div>`), opts)

	if !a.Equal(b) {
		t.Errorf("excluded subtree should be invisible: %+v vs %+v", a.Segments, b.Segments)
	}
	for _, seg := range a.Segments {
		if seg.Text == "buy now" {
			t.Error("excluded content leaked into segments")
		}
	}
}

func TestNormalize_ExclusionClassToken(t *testing.T) {
	// WHAT: class predicates match one token of a multi-class attribute.
	// WHY: real pages write class="banner ads rotating".
	n := New()
	opts := Options{Exclude: []string{`//div[@class='ads']`}}
	snap := mustNormalize(t, n, doc(`<p>keep</p><div class="banner ads"><p>drop</p></div>`), opts)

	if len(snap.Segments) != 1 || snap.Segments[0].Text != "keep" {
		t.Errorf("got %+v", snap.Segments)
	}
}

func TestNormalize_ExclusionInvalidExpr(t *testing.T) {
	// WHAT: a broken exclusion expression fails up front.
	// WHY: a typo must surface at configuration time, not as a no-op rule.
	n := New()
	_, err := n.Normalize(doc(`<p>x</p>`), Options{Exclude: []string{`//div[bogus]`}})
	if err == nil {
		t.Fatal("expected error for invalid exclusion expression")
	}
}

func TestNormalize_EmptyBody(t *testing.T) {
	// WHAT: empty input is malformed, not "no change".
	// WHY: silently treating it as empty-but-valid would hide outages.
	n := New()
	_, err := n.Normalize(doc("   "), Options{})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestNormalize_NoTextContent(t *testing.T) {
	// WHAT: markup with zero visible text is malformed.
	// WHY: an SPA shell or error page must be surfaced, not diffed as empty.
	n := New()
	_, err := n.Normalize(doc(`<div><img src="x.png"></div>`), Options{})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestNormalize_UnsupportedContentType(t *testing.T) {
	// WHAT: binary content types are rejected distinctly.
	// WHY: the monitor should log a clear error, not diff image bytes.
	n := New()
	d := doc("\x89PNG")
	d.ContentType = "image/png"
	_, err := n.Normalize(d, Options{})
	if !errors.Is(err, ErrUnsupportedContent) {
		t.Fatalf("got %v, want ErrUnsupportedContent", err)
	}
}

func TestNormalize_PlainText(t *testing.T) {
	// WHAT: text/plain documents segment per paragraph.
	// WHY: monitored endpoints are not always HTML (status pages, robots.txt).
	n := New()
	d := RawDocument{
		URL:         "https://example.com/status.txt",
		Body:        []byte("all systems go\n\nuptime 42 days\n"),
		ContentType: "text/plain; charset=utf-8",
		FetchedAt:   time.UnixMilli(1700000000000),
	}
	snap := mustNormalize(t, n, d, Options{})
	if len(snap.Segments) != 2 {
		t.Fatalf("segments: got %+v", snap.Segments)
	}
	if snap.Segments[0].Path != "text[1]" || snap.Segments[1].Path != "text[2]" {
		t.Errorf("paths: %+v", snap.Segments)
	}
}

func TestNormalize_KeepHTML(t *testing.T) {
	// WHAT: KeepHTML retains fragments without affecting comparison.
	// WHY: reports show fragment markdown; diffs must stay text-only.
	n := New()
	with := mustNormalize(t, n, doc(`<p>hello</p>`), Options{KeepHTML: true})
	without := mustNormalize(t, n, doc(`<p>hello</p>`), Options{})

	if with.Segments[0].HTML == "" {
		t.Error("expected fragment HTML to be kept")
	}
	if !with.Equal(without) {
		t.Error("KeepHTML must not affect snapshot equality")
	}
	if with.Hash != without.Hash {
		t.Error("KeepHTML must not affect the hash")
	}
}

func TestCleanText(t *testing.T) {
	// WHAT: zero-width characters, the BOM and soft hyphens are removed,
	// and whitespace runs collapse.
	// WHY: invisible characters are a classic false-positive source.
	got := CleanText("\ufeffa\u200b b\u200c\u200d\n\n\tc\u00ad")
	if got != "a b c" {
		t.Errorf("got %q", got)
	}
}

func TestNormalize_AbsoluteExclusion(t *testing.T) {
	// WHAT: absolute /html/body/div[2] exclusion drops the second div only.
	// WHY: positional rules target repeated siblings without classes.
	n := New()
	opts := Options{Exclude: []string{`/html/body/div[2]`}}
	snap := mustNormalize(t, n, doc(`<div><p>first</p></div><div><p>second</p></div>`), opts)

	if len(snap.Segments) != 1 || snap.Segments[0].Text != "first" {
		t.Errorf("got %+v", snap.Segments)
	}
}

func TestRulesHash(t *testing.T) {
	// WHAT: the fingerprint is order-insensitive, rule-sensitive, and empty
	// for an empty set; Normalize stamps it on every snapshot.
	// WHY: baselines segmented under different rules must be detectable.
	if RulesHash(nil) != "" {
		t.Error("empty rule set should hash to \"\"")
	}
	a := RulesHash([]string{"//div[@class='ads']", "footer"})
	b := RulesHash([]string{"footer", "//div[@class='ads']"})
	if a != b {
		t.Errorf("order changed the hash: %q vs %q", a, b)
	}
	if a == RulesHash([]string{"footer"}) {
		t.Error("different rule sets collide")
	}

	n := New()
	opts := Options{Exclude: []string{"footer"}}
	snap, err := n.Normalize(RawDocument{
		URL:         "https://example.com",
		Body:        []byte(`<html><body><p>hello</p><footer>x</footer></body></html>`),
		ContentType: "text/html",
	}, opts)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if snap.RulesHash != RulesHash(opts.Exclude) {
		t.Errorf("snapshot fingerprint = %q, want %q", snap.RulesHash, RulesHash(opts.Exclude))
	}
}
