package change

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// MarshalSnapshot serialises a Snapshot to JSON for storage.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSnapshot deserialises a stored Snapshot.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// MarshalDelta serialises a Delta to JSON.
func MarshalDelta(d *Delta) ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDelta deserialises a Delta from JSON.
func UnmarshalDelta(data []byte) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// HashSegments returns the SHA-256 hex digest over the comparable parts of a
// segment sequence. Fragment HTML is excluded so presentation-only parser
// differences never change the hash.
func HashSegments(segs []Segment) string {
	h := sha256.New()
	for _, seg := range segs {
		h.Write([]byte(seg.Path))
		h.Write([]byte{0})
		h.Write([]byte(seg.Text))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
