package store

import (
	"context"
	"time"
)

// InsertFetchLog records one check attempt.
func (s *Store) InsertFetchLog(ctx context.Context, e *FetchLogEntry) error {
	if e.FetchedAt == 0 {
		e.FetchedAt = time.Now().UnixMilli()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fetch_log (id, page_id, status, status_code, content_hash,
		error_message, duration_ms, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PageID, e.Status, e.StatusCode, e.ContentHash,
		e.ErrorMessage, e.DurationMS, e.FetchedAt,
	)
	return dbErr("insert fetch log "+e.ID, err)
}

// FetchHistory returns recent check attempts for a page, newest first.
func (s *Store) FetchHistory(ctx context.Context, pageID string, limit int) ([]*FetchLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, page_id, status, status_code, content_hash, error_message,
		duration_ms, fetched_at
		FROM fetch_log WHERE page_id = ?
		ORDER BY fetched_at DESC, id DESC LIMIT ?`,
		pageID, limit,
	)
	if err != nil {
		return nil, dbErr("fetch history "+pageID, err)
	}
	defer rows.Close()

	var entries []*FetchLogEntry
	for rows.Next() {
		var e FetchLogEntry
		if err := rows.Scan(&e.ID, &e.PageID, &e.Status, &e.StatusCode,
			&e.ContentHash, &e.ErrorMessage, &e.DurationMS, &e.FetchedAt); err != nil {
			return nil, dbErr("fetch history "+pageID, err)
		}
		entries = append(entries, &e)
	}
	return entries, dbErr("fetch history "+pageID, rows.Err())
}

// PruneFetchLog deletes fetch log rows older than the retention window.
func (s *Store) PruneFetchLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM fetch_log WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, dbErr("prune fetch log", err)
	}
	return res.RowsAffected()
}
