package change

// Op is the kind of change observed for a Segment.
type Op string

const (
	OpAdded    Op = "added"    // present only in the current snapshot
	OpRemoved  Op = "removed"  // present only in the previous snapshot
	OpModified Op = "modified" // present in both with differing text
)

// Record is a single detected change.
type Record struct {
	Op      Op     `json:"op"`
	Path    string `json:"path"`
	Text    string `json:"text,omitempty"`     // current text (added/modified)
	OldText string `json:"old_text,omitempty"` // previous text (removed/modified)
	HTML    string `json:"html,omitempty"`     // current fragment, report-only
	OldHTML string `json:"old_html,omitempty"` // previous fragment, report-only
}

// Delta is the ordered change set between two snapshots of one URL.
// Records are grouped Removed, then Modified, then Added; Removed and
// Modified keep the previous snapshot's document order, Added keeps the
// current one. The ordering is stable across runs.
type Delta struct {
	URL     string   `json:"url"`
	Records []Record `json:"records"`
}

// Empty reports whether the delta carries no changes. An empty Delta means
// the two snapshots are Segment-sequence-equal (or the previous snapshot was
// absent and first observations are silent).
func (d *Delta) Empty() bool {
	return d == nil || len(d.Records) == 0
}
