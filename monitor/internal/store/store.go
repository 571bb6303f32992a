// Package store is the data access layer for the monitor: pages under
// watch, their baseline snapshots, the change log, and per-check fetch
// observability.
package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrCorruptSnapshot marks a baseline row that cannot be decoded. Callers
// treat it the same as an absent baseline: re-observe and overwrite.
var ErrCorruptSnapshot = errors.New("store: corrupt snapshot")

// ErrStore marks a database operation that failed and may succeed on a
// later attempt. Callers use errors.Is to decide between retrying and
// giving up; decode failures (ErrCorruptSnapshot, bad JSON columns) are
// deliberately not tagged since retrying cannot fix them.
var ErrStore = errors.New("store: operation failed")

// dbErr tags a database error with ErrStore. Returns nil when err is nil
// so ExecContext results can be passed through directly.
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}

// Store wraps the monitor database.
type Store struct {
	DB *sql.DB
}

// New creates a Store from an already-opened database connection. The
// schema must have been applied (dbopen.WithSchema(store.Schema)).
func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// Page is one URL under watch.
type Page struct {
	ID            string   `json:"id"`
	URL           string   `json:"url"`
	Title         string   `json:"title,omitempty"`
	CheckInterval int64    `json:"check_interval"` // milliseconds
	Enabled       bool     `json:"enabled"`
	Exclusions    []string `json:"exclusions,omitempty"`
	ReportFirst   bool     `json:"report_first"`
	ETag          string   `json:"-"`
	LastModified  string   `json:"-"`
	LastCheckedAt *int64   `json:"last_checked_at,omitempty"`
	LastHash      string   `json:"last_hash,omitempty"`
	LastStatus    string   `json:"last_status"`
	LastError     string   `json:"last_error,omitempty"`
	FailCount     int      `json:"fail_count"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
}

// FetchLogEntry is one recorded check attempt.
type FetchLogEntry struct {
	ID           string `json:"id"`
	PageID       string `json:"page_id"`
	Status       string `json:"status"`
	StatusCode   *int   `json:"status_code,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	FetchedAt    int64  `json:"fetched_at"`
}
