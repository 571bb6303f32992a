package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const pageColumns = `id, url, title, check_interval, enabled, exclusions,
	report_first, etag, last_modified, last_checked_at, last_hash,
	last_status, last_error, fail_count, created_at, updated_at`

// InsertPage adds a page. The URL must not already be watched.
func (s *Store) InsertPage(ctx context.Context, p *Page) error {
	now := time.Now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	if p.UpdatedAt == 0 {
		p.UpdatedAt = now
	}
	if p.CheckInterval == 0 {
		p.CheckInterval = 900_000
	}
	if p.LastStatus == "" {
		p.LastStatus = "pending"
	}

	excl, err := json.Marshal(p.Exclusions)
	if err != nil {
		return fmt.Errorf("store: marshal exclusions: %w", err)
	}

	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO pages (id, url, title, check_interval, enabled, exclusions,
		report_first, etag, last_modified, last_checked_at, last_hash,
		last_status, last_error, fail_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.URL, p.Title, p.CheckInterval, p.Enabled, string(excl),
		p.ReportFirst, p.ETag, p.LastModified, p.LastCheckedAt, p.LastHash,
		p.LastStatus, p.LastError, p.FailCount, p.CreatedAt, p.UpdatedAt,
	)
	return dbErr("insert page "+p.ID, err)
}

// GetPage retrieves a page by ID. Returns nil, nil when not found.
func (s *Store) GetPage(ctx context.Context, id string) (*Page, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE id = ?`, id)
	return scanPage(row.Scan)
}

// GetPageByURL retrieves a page by URL. Returns nil, nil when not found.
func (s *Store) GetPageByURL(ctx context.Context, url string) (*Page, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE url = ? LIMIT 1`, url)
	return scanPage(row.Scan)
}

// ListPages returns all pages, newest first.
func (s *Store) ListPages(ctx context.Context) ([]*Page, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages ORDER BY created_at DESC`)
	if err != nil {
		return nil, dbErr("list pages", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows.Scan)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, dbErr("list pages", rows.Err())
}

// UpdatePage updates a page's mutable fields.
func (s *Store) UpdatePage(ctx context.Context, p *Page) error {
	p.UpdatedAt = time.Now().UnixMilli()
	excl, err := json.Marshal(p.Exclusions)
	if err != nil {
		return fmt.Errorf("store: marshal exclusions: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`UPDATE pages SET title=?, check_interval=?, enabled=?, exclusions=?,
		report_first=?, updated_at=? WHERE id=?`,
		p.Title, p.CheckInterval, p.Enabled, string(excl),
		p.ReportFirst, p.UpdatedAt, p.ID,
	)
	return dbErr("update page "+p.ID, err)
}

// ClearValidators wipes the page's conditional-fetch state (body hash, ETag,
// Last-Modified) so the next check fetches and renormalizes unconditionally.
func (s *Store) ClearValidators(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE pages SET last_hash='', etag='', last_modified='', updated_at=? WHERE id=?`,
		time.Now().UnixMilli(), id,
	)
	return dbErr("clear validators "+id, err)
}

// DeletePage removes a page (cascades to snapshot, change log, fetch log).
func (s *Store) DeletePage(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id)
	return dbErr("delete page "+id, err)
}

// CountPages returns the number of watched pages.
func (s *Store) CountPages(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&count)
	return count, dbErr("count pages", err)
}

// DuePages returns enabled pages whose next check time has passed.
// next check = last_checked_at + check_interval; never-checked pages are
// always due. Pages at or above maxFailCount are skipped until an operator
// intervenes (maxFailCount <= 0 disables the cutoff).
func (s *Store) DuePages(ctx context.Context, maxFailCount int) ([]*Page, error) {
	now := time.Now().UnixMilli()
	cutoff := maxFailCount
	if cutoff <= 0 {
		cutoff = 1 << 30
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages
		WHERE enabled = 1
		  AND fail_count < ?
		  AND (last_checked_at IS NULL OR last_checked_at + check_interval <= ?)
		ORDER BY last_checked_at ASC NULLS FIRST`,
		cutoff, now,
	)
	if err != nil {
		return nil, dbErr("due pages", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows.Scan)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, dbErr("due pages", rows.Err())
}

// RecordCheck updates a page's bookkeeping after a check attempt. On
// success it stores the new hash and validators and resets fail_count; on
// failure it keeps the old hash and increments fail_count.
func (s *Store) RecordCheck(ctx context.Context, id, status, hash, etag, lastModified, errMsg string) error {
	now := time.Now().UnixMilli()
	if status == "ok" || status == "unchanged" {
		_, err := s.DB.ExecContext(ctx,
			`UPDATE pages SET last_checked_at=?, last_hash=?, etag=?, last_modified=?,
			last_status=?, last_error='', fail_count=0, updated_at=? WHERE id=?`,
			now, hash, etag, lastModified, status, now, id,
		)
		return dbErr("record check "+id, err)
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE pages SET last_checked_at=?, last_status=?, last_error=?,
		fail_count=fail_count+1, updated_at=? WHERE id=?`,
		now, status, errMsg, now, id,
	)
	return dbErr("record check "+id, err)
}

func scanPage(scan func(...any) error) (*Page, error) {
	var p Page
	var enabled, reportFirst int
	var excl string
	var lastChecked sql.NullInt64
	err := scan(&p.ID, &p.URL, &p.Title, &p.CheckInterval, &enabled, &excl,
		&reportFirst, &p.ETag, &p.LastModified, &lastChecked, &p.LastHash,
		&p.LastStatus, &p.LastError, &p.FailCount, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("scan page", err)
	}
	p.Enabled = enabled != 0
	p.ReportFirst = reportFirst != 0
	if lastChecked.Valid {
		p.LastCheckedAt = &lastChecked.Int64
	}
	if err := json.Unmarshal([]byte(excl), &p.Exclusions); err != nil {
		return nil, fmt.Errorf("store: decode exclusions for %s: %w", p.ID, err)
	}
	return &p, nil
}
