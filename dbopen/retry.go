package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	txAttempts  = 4
	backoffStep = 75 * time.Millisecond
)

// IsBusy reports whether err indicates an SQLite BUSY or LOCKED condition.
// modernc.org/sqlite surfaces both as plain error strings.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	for _, marker := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(err.Error(), marker) {
			return true
		}
	}
	return false
}

// RunTx executes fn inside a transaction, retrying on BUSY with linear
// backoff. Writers in WAL mode still serialize; under contention the busy
// handler alone is not always enough when two connections are mid-write.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = attemptTx(ctx, db, fn); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == txAttempts {
			return fmt.Errorf("dbopen: tx still busy after %d attempts: %w", txAttempts, err)
		}
		wait := time.Duration(attempt) * backoffStep
		select {
		case <-ctx.Done():
			return fmt.Errorf("dbopen: tx retry interrupted: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func attemptTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}
