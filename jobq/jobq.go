// Package jobq is the SQLite-backed queue of pending page checks.
//
// The scheduler publishes one job per due page; workers claim jobs, run the
// check cycle, and ack. A claimed job stays invisible for a visibility
// window. If the worker crashes or overruns the window the job reappears and
// another worker picks it up, so a wedged fetch never strands a page.
//
// Each page has at most one queued job at a time: Publish is idempotent on
// the page ID. Combined with the monitor's per-URL locking this keeps check
// cycles for the same page strictly serialized.
//
// The queue is pure SQLite. No broker, no extra process.
package jobq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job is one pending page check.
type Job struct {
	ID        string
	PageID    string
	URL       string
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Visibility is how long a claimed job stays invisible. It should exceed
	// the slowest expected fetch plus diff. Default: 60s.
	Visibility time.Duration
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts limits redeliveries of a failing job before it is
	// discarded. 0 means unlimited. Default: 5.
	MaxAttempts int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 60 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db    *sql.DB
	opts  Options
	newID func() string
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, newID func() string, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts, newID: newID}
}

// EnsureTable creates the fetch_jobs table and indexes if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fetch_jobs (
			id          TEXT PRIMARY KEY,
			page_id     TEXT NOT NULL UNIQUE,
			url         TEXT NOT NULL,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_fetch_jobs_visible ON fetch_jobs (visible_at);
	`)
	return err
}

// Publish enqueues a check for the page, immediately visible. If the page
// already has a queued or in-flight job the call is a no-op.
func (q *Q) Publish(ctx context.Context, pageID, url string) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO fetch_jobs (id, page_id, url, visible_at, created_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT (page_id) DO NOTHING`,
		q.newID(), pageID, url, now, now,
	)
	return err
}

// Claim atomically picks the oldest visible job and hides it for the
// visibility window. Returns nil, nil when nothing is due.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE fetch_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM fetch_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, page_id, url, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	j, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// BatchClaim atomically claims up to n visible jobs. Returns an empty
// (non-nil) slice when nothing is due.
func (q *Q) BatchClaim(ctx context.Context, n int) ([]*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	rows, err := q.db.QueryContext(ctx, `
		UPDATE fetch_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM fetch_jobs
			WHERE visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT ?
		)
		RETURNING id, page_id, url, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(), n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanJob(scan func(...any) error) (*Job, error) {
	var j Job
	var visAt, creAt int64
	if err := scan(&j.ID, &j.PageID, &j.URL, &visAt, &creAt, &j.Attempts); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Ack deletes a completed job, freeing the page for the next schedule.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM fetch_jobs WHERE id = ?`, id)
	return err
}

// Nack makes a job immediately visible again.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE fetch_jobs SET visible_at = 0 WHERE id = ?`, id)
	return err
}

// Len returns the number of queued jobs, visible or claimed.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fetch_jobs`).Scan(&n)
	return n, err
}

// Handler processes a claimed job. Return nil to ack, non-nil to nack.
type Handler func(ctx context.Context, job *Job) error

// Run polls in batches and processes jobs with bounded concurrency. It
// blocks until ctx is cancelled, draining in-flight handlers first.
func (q *Q) Run(ctx context.Context, batchSize, maxConcurrency int, handler Handler) {
	log := q.opts.Logger
	log.Info("jobq: consumer started",
		"batch_size", batchSize,
		"max_concurrency", maxConcurrency,
		"visibility", q.opts.Visibility,
		"poll", q.opts.PollInterval,
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("jobq: consumer stopping, draining in-flight handlers")
			wg.Wait()
			log.Info("jobq: consumer stopped")
			return
		case <-ticker.C:
			jobs, err := q.BatchClaim(ctx, batchSize)
			if err != nil {
				if ctx.Err() != nil {
					wg.Wait()
					return
				}
				log.Warn("jobq: batch claim failed", "error", err)
				continue
			}

			for _, job := range jobs {
				if q.opts.MaxAttempts > 0 && job.Attempts > q.opts.MaxAttempts {
					log.Warn("jobq: job exceeded max attempts, discarding",
						"id", job.ID, "page_id", job.PageID, "attempts", job.Attempts)
					_ = q.Ack(ctx, job.ID)
					continue
				}

				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					_ = q.Nack(ctx, job.ID)
					wg.Wait()
					return
				}

				wg.Add(1)
				go func(j *Job) {
					defer wg.Done()
					defer func() { <-sem }()

					if err := handler(ctx, j); err != nil {
						log.Warn("jobq: handler failed, nacking",
							"id", j.ID, "page_id", j.PageID, "error", err)
						_ = q.Nack(context.Background(), j.ID)
					} else {
						_ = q.Ack(context.Background(), j.ID)
					}
				}(job)
			}
		}
	}
}
