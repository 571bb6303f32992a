package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hazyhaar/pagewatch/change"
	"github.com/hazyhaar/pagewatch/dbopen"
	"github.com/hazyhaar/pagewatch/idgen"
	_ "modernc.org/sqlite"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(dbopen.OpenMemory(t, dbopen.WithSchema(Schema)))
}

func insertPage(t *testing.T, s *Store, url string) *Page {
	t.Helper()
	p := &Page{
		ID:      idgen.New(),
		URL:     url,
		Enabled: true,
	}
	if err := s.InsertPage(context.Background(), p); err != nil {
		t.Fatalf("insert page: %v", err)
	}
	return p
}

func TestPage_CRUD(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	p := &Page{
		ID:            idgen.New(),
		URL:           "https://example.com/news",
		Title:         "News",
		CheckInterval: 60_000,
		Enabled:       true,
		Exclusions:    []string{"//div[@class='ads']"},
		ReportFirst:   true,
	}
	if err := s.InsertPage(ctx, p); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.GetPage(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.URL != p.URL || !got.ReportFirst || len(got.Exclusions) != 1 {
		t.Errorf("got %+v", got)
	}
	if got.LastStatus != "pending" {
		t.Errorf("last_status = %q, want pending", got.LastStatus)
	}

	byURL, err := s.GetPageByURL(ctx, p.URL)
	if err != nil || byURL == nil || byURL.ID != p.ID {
		t.Errorf("by url: %+v, %v", byURL, err)
	}

	got.Title = "Updated"
	got.Enabled = false
	if err := s.UpdatePage(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	got2, _ := s.GetPage(ctx, p.ID)
	if got2.Title != "Updated" || got2.Enabled {
		t.Errorf("after update: %+v", got2)
	}

	if err := s.DeletePage(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	gone, err := s.GetPage(ctx, p.ID)
	if err != nil || gone != nil {
		t.Errorf("after delete: %+v, %v", gone, err)
	}
}

func TestInsertPage_DuplicateURL(t *testing.T) {
	s := newStore(t)
	insertPage(t, s, "https://example.com")

	err := s.InsertPage(context.Background(), &Page{ID: idgen.New(), URL: "https://example.com"})
	if err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestDuePages(t *testing.T) {
	// WHAT: never-checked pages are due; recently checked ones are not;
	// disabled and repeatedly failing pages are skipped.
	s := newStore(t)
	ctx := context.Background()

	fresh := insertPage(t, s, "https://fresh.example")
	recent := insertPage(t, s, "https://recent.example")
	disabled := insertPage(t, s, "https://disabled.example")
	failing := insertPage(t, s, "https://failing.example")

	if err := s.RecordCheck(ctx, recent.ID, "ok", "h1", "", "", ""); err != nil {
		t.Fatalf("record check: %v", err)
	}
	disabled.Enabled = false
	if err := s.UpdatePage(ctx, disabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	for range 3 {
		if err := s.RecordCheck(ctx, failing.ID, "fetch_error", "", "", "", "conn refused"); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}

	due, err := s.DuePages(ctx, 3)
	if err != nil {
		t.Fatalf("due pages: %v", err)
	}
	if len(due) != 1 || due[0].ID != fresh.ID {
		ids := make([]string, len(due))
		for i, p := range due {
			ids[i] = p.URL
		}
		t.Errorf("due = %v, want only fresh", ids)
	}
}

func TestRecordCheck_SuccessResetsFailures(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := insertPage(t, s, "https://example.com")

	s.RecordCheck(ctx, p.ID, "fetch_error", "", "", "", "timeout")
	s.RecordCheck(ctx, p.ID, "ok", "abc", `W/"v2"`, "Mon, 01 Jan 2026 00:00:00 GMT", "")

	got, _ := s.GetPage(ctx, p.ID)
	if got.FailCount != 0 || got.LastHash != "abc" || got.ETag != `W/"v2"` {
		t.Errorf("after success: %+v", got)
	}
	if got.LastError != "" || got.LastStatus != "ok" {
		t.Errorf("status fields: %+v", got)
	}
}

func TestSnapshot_GetAbsent(t *testing.T) {
	// WHAT: a page with no stored baseline reads back as nil, nil.
	s := newStore(t)
	p := insertPage(t, s, "https://example.com")

	snap, err := s.GetSnapshot(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snap != nil {
		t.Errorf("expected nil snapshot, got %+v", snap)
	}
}

func TestSnapshot_PutGetReplace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := insertPage(t, s, "https://example.com")

	first := &change.Snapshot{
		URL:       p.URL,
		Title:     "v1",
		FetchedAt: 1,
		Segments:  []change.Segment{{Path: "html[1]/body[1]/p[1]", Text: "one"}},
	}
	first.Hash = change.HashSegments(first.Segments)
	if err := s.PutSnapshot(ctx, p.ID, first); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.GetSnapshot(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(first) {
		t.Errorf("round-trip mismatch: %+v", got)
	}

	second := &change.Snapshot{
		URL:       p.URL,
		Title:     "v2",
		FetchedAt: 2,
		Segments:  []change.Segment{{Path: "html[1]/body[1]/p[1]", Text: "two"}},
	}
	second.Hash = change.HashSegments(second.Segments)
	if err := s.PutSnapshot(ctx, p.ID, second); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got2, _ := s.GetSnapshot(ctx, p.ID)
	if !got2.Equal(second) || got2.Equal(first) {
		t.Errorf("baseline not replaced: %+v", got2)
	}

	n, _ := s.CountSnapshots(ctx)
	if n != 1 {
		t.Errorf("snapshot count = %d, want 1", n)
	}
}

func TestSnapshot_CorruptRow(t *testing.T) {
	// WHAT: an undecodable baseline surfaces ErrCorruptSnapshot.
	// WHY: callers treat corruption as an absent baseline and re-observe
	// instead of reporting garbage diffs.
	s := newStore(t)
	ctx := context.Background()
	p := insertPage(t, s, "https://example.com")

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO snapshots (page_id, url, data, hash, fetched_at, updated_at)
		VALUES (?, ?, ?, '', 0, 0)`,
		p.ID, p.URL, []byte("{not json"),
	)
	if err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}

	_, err = s.GetSnapshot(ctx, p.ID)
	if !errors.Is(err, ErrCorruptSnapshot) {
		t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
	}
}

func TestChangeLog_AppendAndRecent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := insertPage(t, s, "https://a.example")
	b := insertPage(t, s, "https://b.example")

	for i, p := range []*Page{a, a, b} {
		d := &change.Delta{
			URL: p.URL,
			Records: []change.Record{
				{Op: change.OpModified, Path: "p[1]", OldText: "x", Text: "y"},
			},
		}
		if err := s.AppendChange(ctx, idgen.New(), p.ID, d); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	all, err := s.RecentChanges(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].PageID != b.ID {
		t.Errorf("newest first: got %s", all[0].URL)
	}
	if all[0].RecordCount != 1 || all[0].Delta == nil || len(all[0].Delta.Records) != 1 {
		t.Errorf("entry payload: %+v", all[0])
	}

	onlyA, err := s.RecentChanges(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("recent for page: %v", err)
	}
	if len(onlyA) != 2 {
		t.Errorf("page filter: len = %d, want 2", len(onlyA))
	}
}

func TestDeletePage_Cascades(t *testing.T) {
	// WHAT: deleting a page removes its snapshot, change log, and fetch log.
	s := newStore(t)
	ctx := context.Background()
	p := insertPage(t, s, "https://example.com")

	snap := &change.Snapshot{URL: p.URL, Segments: []change.Segment{{Path: "p[1]", Text: "x"}}}
	snap.Hash = change.HashSegments(snap.Segments)
	if err := s.PutSnapshot(ctx, p.ID, snap); err != nil {
		t.Fatalf("put snapshot: %v", err)
	}
	if err := s.AppendChange(ctx, idgen.New(), p.ID,
		&change.Delta{URL: p.URL, Records: []change.Record{{Op: change.OpAdded, Path: "p[1]", Text: "x"}}}); err != nil {
		t.Fatalf("append change: %v", err)
	}
	if err := s.InsertFetchLog(ctx, &FetchLogEntry{ID: idgen.New(), PageID: p.ID, Status: "ok"}); err != nil {
		t.Fatalf("fetch log: %v", err)
	}

	if err := s.DeletePage(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if n, _ := s.CountSnapshots(ctx); n != 0 {
		t.Errorf("snapshots remain: %d", n)
	}
	if n, _ := s.CountChanges(ctx); n != 0 {
		t.Errorf("changes remain: %d", n)
	}
	hist, _ := s.FetchHistory(ctx, p.ID, 10)
	if len(hist) != 0 {
		t.Errorf("fetch log remains: %d", len(hist))
	}
}

func TestFetchHistoryAndPrune(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	p := insertPage(t, s, "https://example.com")

	code := 200
	old := &FetchLogEntry{
		ID: idgen.New(), PageID: p.ID, Status: "ok", StatusCode: &code,
		ContentHash: "h", DurationMS: 12,
		FetchedAt: time.Now().Add(-48 * time.Hour).UnixMilli(),
	}
	recent := &FetchLogEntry{ID: idgen.New(), PageID: p.ID, Status: "unchanged"}
	for _, e := range []*FetchLogEntry{old, recent} {
		if err := s.InsertFetchLog(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	hist, err := s.FetchHistory(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Status != "unchanged" {
		t.Errorf("history: %+v", hist)
	}
	if hist[1].StatusCode == nil || *hist[1].StatusCode != 200 {
		t.Errorf("status code round-trip: %+v", hist[1])
	}

	pruned, err := s.PruneFetchLog(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}

func TestCommitBaseline_Atomic(t *testing.T) {
	// WHAT: CommitBaseline stores the snapshot and the change entry together.
	// WHY: a change log row must never point at a baseline that was not kept.
	s := newStore(t)
	ctx := context.Background()
	p := insertPage(t, s, "https://example.com")

	snap := &change.Snapshot{
		URL:       p.URL,
		Title:     "v2",
		FetchedAt: 2,
		Segments:  []change.Segment{{Path: "html[1]/body[1]/p[1]", Text: "two"}},
	}
	snap.Hash = change.HashSegments(snap.Segments)
	d := &change.Delta{
		URL: p.URL,
		Records: []change.Record{
			{Op: change.OpModified, Path: "html[1]/body[1]/p[1]", OldText: "one", Text: "two"},
		},
	}

	if err := s.CommitBaseline(ctx, p.ID, idgen.New(), snap, d); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := s.GetSnapshot(ctx, p.ID)
	if err != nil || !got.Equal(snap) {
		t.Fatalf("baseline not stored: %v %+v", err, got)
	}
	entries, err := s.RecentChanges(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].RecordCount != 1 {
		t.Fatalf("change log: %+v", entries)
	}
}

func TestClearValidators(t *testing.T) {
	// WHAT: ClearValidators wipes last_hash, etag and last_modified.
	// WHY: after an exclusion rules edit the next fetch must be
	// unconditional, or the hash short-circuit skips renormalization.
	s := newStore(t)
	ctx := context.Background()
	p := insertPage(t, s, "https://example.com")

	if err := s.RecordCheck(ctx, p.ID, "ok", "bodyhash", `"etag-1"`, "Mon, 01 Jan 2024 00:00:00 GMT", ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.ClearValidators(ctx, p.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}

	got, err := s.GetPage(ctx, p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastHash != "" || got.ETag != "" || got.LastModified != "" {
		t.Errorf("validators survived: hash=%q etag=%q lm=%q", got.LastHash, got.ETag, got.LastModified)
	}
}

func TestErrStore_TagsDatabaseFailures(t *testing.T) {
	// WHAT: database failures carry ErrStore; decode failures do not.
	// WHY: the worker nacks ErrStore for redelivery and acks everything
	// else, so the classification must survive message rewording.
	s := newStore(t)
	ctx := context.Background()
	p := insertPage(t, s, "https://example.com")

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO snapshots (page_id, url, data, hash, fetched_at, updated_at)
		VALUES (?, ?, ?, '', 0, 0)`,
		p.ID, p.URL, []byte("{not json"),
	)
	if err != nil {
		t.Fatalf("seed corrupt row: %v", err)
	}
	if _, err := s.GetSnapshot(ctx, p.ID); errors.Is(err, ErrStore) {
		t.Fatalf("corrupt snapshot tagged as store failure: %v", err)
	}

	if err := s.DB.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.GetPage(ctx, p.ID); !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore from closed db, got %v", err)
	}
	if err := s.RecordCheck(ctx, p.ID, "ok", "h", "", "", ""); !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore from closed db, got %v", err)
	}
}
