package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/pagewatch/change"
	"github.com/hazyhaar/pagewatch/dbopen"
)

// GetSnapshot returns the baseline snapshot for a page, or nil, nil when
// none has been stored yet. A row that fails to decode returns
// ErrCorruptSnapshot; treating that like an absent baseline and overwriting
// on the next successful check is the expected recovery.
func (s *Store) GetSnapshot(ctx context.Context, pageID string) (*change.Snapshot, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE page_id = ?`, pageID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr("get snapshot "+pageID, err)
	}

	snap, err := change.UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("%w: page %s: %v", ErrCorruptSnapshot, pageID, err)
	}
	return snap, nil
}

// PutSnapshot stores snap as the page's new baseline, replacing any
// previous one.
func (s *Store) PutSnapshot(ctx context.Context, pageID string, snap *change.Snapshot) error {
	data, err := change.MarshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot %s: %w", pageID, err)
	}
	now := time.Now().UnixMilli()
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO snapshots (page_id, url, data, hash, title, fetched_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (page_id) DO UPDATE SET
			url = excluded.url,
			data = excluded.data,
			hash = excluded.hash,
			title = excluded.title,
			fetched_at = excluded.fetched_at,
			updated_at = excluded.updated_at`,
		pageID, snap.URL, data, snap.Hash, snap.Title, snap.FetchedAt, now,
	)
	return dbErr("put snapshot "+pageID, err)
}

// CommitBaseline advances the page's baseline and records the delta that
// produced it in one transaction, so the change log never references a
// baseline that was not stored. Retries on BUSY.
func (s *Store) CommitBaseline(ctx context.Context, pageID, changeID string, snap *change.Snapshot, d *change.Delta) error {
	data, err := change.MarshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("store: marshal snapshot %s: %w", pageID, err)
	}
	deltaData, err := change.MarshalDelta(d)
	if err != nil {
		return fmt.Errorf("store: marshal delta for %s: %w", pageID, err)
	}
	now := time.Now().UnixMilli()

	err = dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (page_id, url, data, hash, title, fetched_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (page_id) DO UPDATE SET
				url = excluded.url,
				data = excluded.data,
				hash = excluded.hash,
				title = excluded.title,
				fetched_at = excluded.fetched_at,
				updated_at = excluded.updated_at`,
			pageID, snap.URL, data, snap.Hash, snap.Title, snap.FetchedAt, now,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO change_log (id, page_id, url, delta, record_count, reported_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			changeID, pageID, d.URL, deltaData, len(d.Records), now,
		)
		return err
	})
	return dbErr("commit baseline "+pageID, err)
}

// DeleteSnapshot drops a page's baseline so the next check starts cold.
func (s *Store) DeleteSnapshot(ctx context.Context, pageID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE page_id = ?`, pageID)
	return dbErr("delete snapshot "+pageID, err)
}

// CountSnapshots returns the number of stored baselines.
func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&count)
	return count, dbErr("count snapshots", err)
}
