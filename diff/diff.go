// Package diff compares two canonical snapshots and produces a Delta.
//
// Alignment is a hash-join on segment paths, not a tree edit distance:
// segments sharing a path pair up directly, repeated siblings under the same
// path pair by ordinal position left-to-right. The cost is linear in total
// segment count, which keeps latency bounded on large pages. The trade-off
// is accepted: this reports what changed, it does not compute a minimal
// edit script.
//
// Output ordering: all Removed records first, then Modified, then Added.
// Removed and Modified follow the previous snapshot's document order, Added
// follows the current one. The ordering is stable across runs for identical
// input.
package diff

import "github.com/hazyhaar/pagewatch/change"

// Compare computes the Delta between the previous and current snapshots of
// one URL.
//
// A nil previous snapshot is the first observation: it establishes a
// baseline and yields an empty Delta. Callers that want the first fetch
// reported pass reportFirst=true, which turns every current segment into an
// Added record.
func Compare(previous, current *change.Snapshot, reportFirst bool) *change.Delta {
	d := &change.Delta{URL: current.URL}

	if previous == nil {
		if reportFirst {
			for _, seg := range current.Segments {
				d.Records = append(d.Records, change.Record{
					Op:   change.OpAdded,
					Path: seg.Path,
					Text: seg.Text,
					HTML: seg.HTML,
				})
			}
		}
		return d
	}

	// Hash-join: bucket both sides by path, preserving document order
	// within each bucket so repeated siblings pair by ordinal.
	prevByPath := bucket(previous.Segments)
	curByPath := bucket(current.Segments)

	var removed, modified, added []change.Record

	// Previous side drives Removed and Modified, in previous document order.
	seen := make(map[string]bool, len(prevByPath))
	for _, seg := range previous.Segments {
		if seen[seg.Path] {
			continue
		}
		seen[seg.Path] = true

		prevBucket := prevByPath[seg.Path]
		curBucket := curByPath[seg.Path]

		n := len(prevBucket)
		if len(curBucket) < n {
			n = len(curBucket)
		}
		for i := 0; i < n; i++ {
			p, c := prevBucket[i], curBucket[i]
			if p.Text != c.Text {
				modified = append(modified, change.Record{
					Op:      change.OpModified,
					Path:    c.Path,
					Text:    c.Text,
					OldText: p.Text,
					HTML:    c.HTML,
					OldHTML: p.HTML,
				})
			}
		}
		for _, p := range prevBucket[n:] {
			removed = append(removed, change.Record{
				Op:      change.OpRemoved,
				Path:    p.Path,
				OldText: p.Text,
				OldHTML: p.HTML,
			})
		}
	}

	// Current side drives Added, in current document order.
	taken := make(map[string]int, len(curByPath))
	for _, seg := range current.Segments {
		taken[seg.Path]++
		if taken[seg.Path] > len(prevByPath[seg.Path]) {
			added = append(added, change.Record{
				Op:   change.OpAdded,
				Path: seg.Path,
				Text: seg.Text,
				HTML: seg.HTML,
			})
		}
	}

	d.Records = append(d.Records, removed...)
	d.Records = append(d.Records, modified...)
	d.Records = append(d.Records, added...)
	return d
}

// bucket groups segments by path, keeping document order inside each group.
func bucket(segs []change.Segment) map[string][]change.Segment {
	m := make(map[string][]change.Segment, len(segs))
	for _, seg := range segs {
		m[seg.Path] = append(m[seg.Path], seg)
	}
	return m
}
