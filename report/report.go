// Package report renders change deltas into human-readable output and
// delivers them to sinks (stdout, webhook, in-process callback).
//
// Rendering and delivery are separate steps on purpose: the monitor persists
// a new baseline only after rendering succeeds, so a rendering failure never
// silently advances the baseline and loses the unreported change.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"

	"github.com/hazyhaar/pagewatch/change"
)

// Report is the rendered output for one URL with a non-empty delta.
type Report struct {
	URL       string   `json:"url"`
	Title     string   `json:"title,omitempty"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds
	Lines     []string `json:"lines"`     // one line per change record
}

// Renderer turns deltas into Reports. Fragment HTML, when present, is
// converted to markdown for readability; the plain text payload is the
// fallback when conversion fails or produces nothing.
type Renderer struct {
	md *converter.Converter
}

// NewRenderer creates a Renderer with the markdown converter configured.
func NewRenderer() *Renderer {
	return &Renderer{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

// Render produces a Report for a non-empty delta. An empty delta renders to
// nil with no error: nothing to report.
func (r *Renderer) Render(d *change.Delta, title string, now time.Time) (*Report, error) {
	if d.Empty() {
		return nil, nil
	}

	lines := make([]string, 0, len(d.Records))
	for _, rec := range d.Records {
		line, err := r.renderRecord(rec, d.URL)
		if err != nil {
			return nil, fmt.Errorf("report: render %s %s: %w", rec.Op, rec.Path, err)
		}
		lines = append(lines, line)
	}

	return &Report{
		URL:       d.URL,
		Title:     title,
		Timestamp: now.UnixMilli(),
		Lines:     lines,
	}, nil
}

func (r *Renderer) renderRecord(rec change.Record, pageURL string) (string, error) {
	switch rec.Op {
	case change.OpModified:
		return fmt.Sprintf("~ %s: %s => %s",
			rec.Path,
			r.fragment(rec.OldHTML, rec.OldText, pageURL),
			r.fragment(rec.HTML, rec.Text, pageURL)), nil
	case change.OpAdded:
		return fmt.Sprintf("+ %s: %s", rec.Path, r.fragment(rec.HTML, rec.Text, pageURL)), nil
	case change.OpRemoved:
		return fmt.Sprintf("- %s: %s", rec.Path, r.fragment(rec.OldHTML, rec.OldText, pageURL)), nil
	default:
		return "", fmt.Errorf("unknown op %q", rec.Op)
	}
}

// fragment renders a fragment as markdown, falling back to the plain text
// payload when there is no HTML or conversion yields nothing useful.
func (r *Renderer) fragment(htmlFragment, fallback, pageURL string) string {
	if htmlFragment == "" {
		return fallback
	}
	md, err := r.md.ConvertString(htmlFragment, converter.WithDomain(pageURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return fallback
	}
	// Reports are line-oriented; flatten multi-line markdown.
	return strings.Join(strings.Fields(md), " ")
}
