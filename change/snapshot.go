// Package change defines the structured types produced and consumed by the
// pagewatch core. These are the public API contract: the normalizer emits
// Snapshots, the diff engine turns two Snapshots into a Delta, and the
// reporter renders Deltas for sinks and storage.
package change

// Segment is one addressable unit of comparable page content: a structural
// path plus the normalized text found under it. HTML carries the rendered
// fragment for reporting; it is never compared.
type Segment struct {
	Path string `json:"path"`           // tag+ordinal path, e.g. "html[1]/body[1]/div[2]/p[1]"
	Text string `json:"text"`           // whitespace-collapsed payload
	HTML string `json:"html,omitempty"` // rendered fragment, report-only
}

// Snapshot is the canonical, comparable representation of one page at one
// point in time. Two structurally identical documents normalize to identical
// Segment sequences.
type Snapshot struct {
	URL       string    `json:"url"`
	Segments  []Segment `json:"segments"`
	Hash      string    `json:"hash"`       // SHA-256 over path+text pairs
	Title     string    `json:"title"`      // page <title>, report-only
	FetchedAt int64     `json:"fetched_at"` // epoch milliseconds

	// RulesHash fingerprints the exclusion rules in force when the snapshot
	// was segmented. Snapshots produced under different rules have
	// incomparable paths and must not be diffed against each other.
	RulesHash string `json:"rules_hash,omitempty"`
}

// Equal reports whether two snapshots have identical Segment sequences.
// Only Path and Text participate: fragment HTML is presentation detail.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.Segments) != len(o.Segments) {
		return false
	}
	for i := range s.Segments {
		if s.Segments[i].Path != o.Segments[i].Path || s.Segments[i].Text != o.Segments[i].Text {
			return false
		}
	}
	return true
}
