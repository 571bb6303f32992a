package idgen

import (
	"sort"
	"strings"
	"testing"
	"time"
)

func TestUUIDv7_TimeSortable(t *testing.T) {
	// WHAT: IDs generated in order sort lexicographically in the same order.
	// WHY: change log rows rely on the ID for creation-time ordering.
	gen := UUIDv7()
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = gen()
		time.Sleep(2 * time.Millisecond)
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("IDs not time-sorted: %v", ids)
	}
}

func TestUUIDv7_Unique(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]bool)
	for range 1000 {
		id := gen()
		if seen[id] {
			t.Fatalf("duplicate ID %s", id)
		}
		seen[id] = true
	}
}

func TestPrefixed(t *testing.T) {
	gen := Prefixed("page_", UUIDv7())
	id := gen()
	if !strings.HasPrefix(id, "page_") {
		t.Errorf("expected page_ prefix, got %s", id)
	}
	if _, err := Parse(strings.TrimPrefix(id, "page_")); err != nil {
		t.Errorf("suffix not a valid UUID: %v", err)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
}
