package watch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/pagewatch/dbopen"
	_ "modernc.org/sqlite"
)

func TestPragmaDataVersion(t *testing.T) {
	db := dbopen.OpenMemory(t)
	v, err := PragmaDataVersion(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if v < 0 {
		t.Fatalf("expected non-negative version, got %d", v)
	}
}

func TestMaxColumnDetector(t *testing.T) {
	// WHAT: the detector tracks MAX(updated_at) and sees new writes.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		"CREATE TABLE pages (id TEXT PRIMARY KEY, updated_at INTEGER NOT NULL)"))
	ctx := context.Background()
	det := MaxColumnDetector("pages", "updated_at")

	v, err := det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("empty table version = %d, want 0", v)
	}

	if _, err := db.Exec("INSERT INTO pages (id, updated_at) VALUES ('a', 123)"); err != nil {
		t.Fatal(err)
	}
	v, err = det(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v != 123 {
		t.Fatalf("version = %d, want 123", v)
	}
}

func TestOnChange_FiresOnNewVersion(t *testing.T) {
	// WHAT: a version bump triggers exactly one reload.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		"CREATE TABLE pages (id TEXT PRIMARY KEY, updated_at INTEGER NOT NULL)"))

	var reloads atomic.Int32
	w := New(db, Options{
		Interval: 10 * time.Millisecond,
		Detector: MaxColumnDetector("pages", "updated_at"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		reloads.Add(1)
		return nil
	})

	// Let the watcher seed its initial version before writing.
	time.Sleep(30 * time.Millisecond)
	if _, err := db.Exec("INSERT INTO pages (id, updated_at) VALUES ('a', 1)"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reloads.Load() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reloads = %d, want 1", reloads.Load())
}

func TestOnChange_FailedReloadRetries(t *testing.T) {
	// WHAT: a failing action keeps the old version so the reload retries on
	// the next detected change.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(
		"CREATE TABLE pages (id TEXT PRIMARY KEY, updated_at INTEGER NOT NULL)"))

	var calls atomic.Int32
	w := New(db, Options{
		Interval: 10 * time.Millisecond,
		Detector: MaxColumnDetector("pages", "updated_at"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func() error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	time.Sleep(30 * time.Millisecond)
	if _, err := db.Exec("INSERT INTO pages (id, updated_at) VALUES ('a', 1)"); err != nil {
		t.Fatal(err)
	}
	// First attempt fails; a second write re-triggers the action.
	time.Sleep(100 * time.Millisecond)
	if _, err := db.Exec("INSERT INTO pages (id, updated_at) VALUES ('b', 2)"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() >= 2 && w.Stats().Reloads == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("calls = %d, reloads = %d", calls.Load(), w.Stats().Reloads)
}
