package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hazyhaar/pagewatch/change"
)

// ChangeEntry is one reported delta from the change log.
type ChangeEntry struct {
	ID          string        `json:"id"`
	PageID      string        `json:"page_id"`
	URL         string        `json:"url"`
	Delta       *change.Delta `json:"delta"`
	RecordCount int           `json:"record_count"`
	ReportedAt  int64         `json:"reported_at"`
}

// AppendChange records a reported delta.
func (s *Store) AppendChange(ctx context.Context, id, pageID string, d *change.Delta) error {
	data, err := change.MarshalDelta(d)
	if err != nil {
		return fmt.Errorf("store: marshal delta for %s: %w", pageID, err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO change_log (id, page_id, url, delta, record_count, reported_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, pageID, d.URL, data, len(d.Records), time.Now().UnixMilli(),
	)
	return dbErr("append change "+id, err)
}

// RecentChanges returns the latest change entries, newest first. An empty
// pageID spans all pages.
func (s *Store) RecentChanges(ctx context.Context, pageID string, limit int) ([]*ChangeEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, page_id, url, delta, record_count, reported_at
		FROM change_log`
	args := []any{}
	if pageID != "" {
		query += ` WHERE page_id = ?`
		args = append(args, pageID)
	}
	query += ` ORDER BY reported_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbErr("recent changes", err)
	}
	defer rows.Close()

	var entries []*ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		var data []byte
		if err := rows.Scan(&e.ID, &e.PageID, &e.URL, &data, &e.RecordCount, &e.ReportedAt); err != nil {
			return nil, dbErr("recent changes", err)
		}
		if e.Delta, err = change.UnmarshalDelta(data); err != nil {
			return nil, fmt.Errorf("store: decode delta %s: %w", e.ID, err)
		}
		entries = append(entries, &e)
	}
	return entries, dbErr("recent changes", rows.Err())
}

// CountChanges returns the total number of change log entries.
func (s *Store) CountChanges(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log`).Scan(&count)
	return count, dbErr("count changes", err)
}

// PruneChanges deletes change entries older than the retention window.
func (s *Store) PruneChanges(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM change_log WHERE reported_at < ?`, cutoff)
	if err != nil {
		return 0, dbErr("prune changes", err)
	}
	return res.RowsAffected()
}
