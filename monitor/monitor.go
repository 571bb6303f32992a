// Package monitor is the page change monitor: it watches a set of URLs,
// normalizes each fetch into a canonical snapshot, diffs it against the
// stored baseline, and reports the differences to configured sinks.
//
// The pipeline for one check cycle is fetch -> normalize -> diff -> render
// -> persist baseline -> deliver. The baseline advances only after rendering
// succeeds, so a reporting failure never silently swallows a change. Cycles
// for the same page are serialized; different pages check concurrently.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pagewatch/diff"
	"github.com/hazyhaar/pagewatch/idgen"
	"github.com/hazyhaar/pagewatch/jobq"
	"github.com/hazyhaar/pagewatch/monitor/internal/fetch"
	"github.com/hazyhaar/pagewatch/monitor/internal/scheduler"
	"github.com/hazyhaar/pagewatch/monitor/internal/store"
	"github.com/hazyhaar/pagewatch/normalize"
	"github.com/hazyhaar/pagewatch/report"
	"github.com/hazyhaar/pagewatch/watch"
)

// Page is one URL under watch.
type Page = store.Page

// ChangeEntry is one reported delta from the change log.
type ChangeEntry = store.ChangeEntry

// FetchLogEntry is one recorded check attempt.
type FetchLogEntry = store.FetchLogEntry

// Service is the monitor orchestrator.
type Service struct {
	store    *store.Store
	fetcher  *fetch.Fetcher
	norm     *normalize.Normalizer
	renderer *report.Renderer
	sink     report.Sink
	queue    *jobq.Q
	sched    *scheduler.Scheduler
	watcher  *watch.Watcher
	logger   *slog.Logger
	config   *Config
	newID    func() string

	urlValidator func(string) error

	// locks serializes check cycles per page.
	locks sync.Map // page ID -> *sync.Mutex

	checks   atomic.Int64
	reported atomic.Int64
	failures atomic.Int64

	wg sync.WaitGroup
}

// Option configures a Service during creation.
type Option func(*Service)

// WithLogger sets the service logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithSink overrides the sinks built from config (tests, embedding).
func WithSink(sink report.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithURLValidator overrides the URL safety check applied when pages are
// added and before every fetch.
func WithURLValidator(fn func(string) error) Option {
	return func(s *Service) {
		s.urlValidator = fn
	}
}

// New creates a Service on an already-opened database. The store schema
// must have been applied (dbopen.WithSchema(monitor.Schema)).
func New(db *sql.DB, cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.applyDefaults()

	svc := &Service{
		store:        store.New(db),
		norm:         normalize.New(),
		renderer:     report.NewRenderer(),
		config:       cfg,
		newID:        idgen.New,
		urlValidator: fetch.ValidateURL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}

	fcfg := cfg.fetchConfig()
	fcfg.URLValidator = svc.urlValidator
	svc.fetcher = fetch.New(fcfg)

	if svc.sink == nil {
		sink, err := buildSinks(cfg.Sinks, svc.logger)
		if err != nil {
			return nil, err
		}
		svc.sink = sink
	}

	qopts := cfg.queueOptions()
	qopts.Logger = svc.logger
	svc.queue = jobq.New(db, svc.newID, qopts)
	if err := svc.queue.EnsureTable(context.Background()); err != nil {
		return nil, fmt.Errorf("monitor: ensure job table: %w", err)
	}

	svc.sched = scheduler.New(svc.store,
		func(ctx context.Context, pageID, url string) error {
			return svc.queue.Publish(ctx, pageID, url)
		},
		cfg.schedulerConfig(), svc.logger)

	svc.watcher = watch.New(db, watch.Options{
		Interval: cfg.Scheduler.SweepInterval,
		Debounce: 500 * time.Millisecond,
		Detector: watch.MaxColumnDetector("pages", "updated_at"),
		Logger:   svc.logger,
	})

	return svc, nil
}

// Schema is the SQL applied at open time.
const Schema = store.Schema

// buildSinks constructs the configured report sinks behind a fan-out router.
func buildSinks(cfgs []SinkConfig, logger *slog.Logger) (report.Sink, error) {
	var sinks []report.Sink
	for _, c := range cfgs {
		switch c.Type {
		case "stdout":
			sinks = append(sinks, report.NewStdout(nil))
		case "webhook":
			if c.URL == "" {
				return nil, fmt.Errorf("monitor: webhook sink requires a url")
			}
			sinks = append(sinks, report.NewWebhook(c.URL, report.WithWebhookLogger(logger)))
		default:
			return nil, fmt.Errorf("monitor: unknown sink type %q", c.Type)
		}
	}
	return report.NewRouter(logger, sinks...), nil
}

// Start launches the scheduler, the queue consumers, and the database
// watcher. It returns immediately; the background loops stop when ctx is
// cancelled. Call Close after cancellation to wait for them.
func (s *Service) Start(ctx context.Context) error {
	if err := s.queue.EnsureTable(ctx); err != nil {
		return fmt.Errorf("monitor: ensure job table: %w", err)
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.sched.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.queue.Run(ctx, s.config.Queue.BatchSize, s.config.Queue.Workers, s.handleJob)
	}()
	go func() {
		defer s.wg.Done()
		s.watcher.OnChange(ctx, func() error { return s.sched.Refresh(ctx) })
	}()

	if s.config.Retention > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runRetention(ctx)
		}()
	}

	s.logger.Info("monitor: started",
		"sweep_interval", s.config.Scheduler.SweepInterval,
		"workers", s.config.Queue.Workers)
	return nil
}

// Close waits for background loops to drain and closes the sinks.
func (s *Service) Close() error {
	s.wg.Wait()
	return s.sink.Close()
}

func (s *Service) runRetention(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.PruneChanges(ctx, s.config.Retention); err != nil {
				s.logger.Warn("monitor: prune change log", "error", err)
			} else if n > 0 {
				s.logger.Debug("monitor: pruned change log", "rows", n)
			}
			if n, err := s.store.PruneFetchLog(ctx, s.config.Retention); err != nil {
				s.logger.Warn("monitor: prune fetch log", "error", err)
			} else if n > 0 {
				s.logger.Debug("monitor: pruned fetch log", "rows", n)
			}
		}
	}
}

// handleJob runs one queued check. Domain failures (unreachable page,
// unparseable content) are recorded against the page and acked; only store
// write failures nack so the cycle retries with the baseline intact.
func (s *Service) handleJob(ctx context.Context, job *jobq.Job) error {
	page, err := s.store.GetPage(ctx, job.PageID)
	if err != nil {
		return fmt.Errorf("monitor: load page %s: %w", job.PageID, err)
	}
	if page == nil || !page.Enabled {
		// Removed or disabled after scheduling.
		return nil
	}

	if _, err := s.checkPage(ctx, page); err != nil {
		if isStoreFailure(err) {
			return err
		}
		s.logger.Warn("monitor: check failed", "page_id", page.ID, "url", page.URL, "error", err)
	}
	return nil
}

// isStoreFailure reports whether the check failed because the database
// itself failed. Those errors nack the job for redelivery; everything
// else (fetch errors, bad content) is logged and acked.
func isStoreFailure(err error) bool {
	return errors.Is(err, store.ErrStore)
}

// lockFor returns the mutex serializing cycles for one page.
func (s *Service) lockFor(pageID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(pageID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// checkPage runs one full check cycle. It returns the rendered report, or
// nil when the page is unchanged.
func (s *Service) checkPage(ctx context.Context, page *store.Page) (*report.Report, error) {
	mu := s.lockFor(page.ID)
	mu.Lock()
	defer mu.Unlock()

	s.checks.Add(1)
	start := time.Now()

	res, err := s.fetcher.Fetch(ctx, page.URL, page.ETag, page.LastModified, page.LastHash)
	if err != nil {
		s.failures.Add(1)
		s.recordFailure(ctx, page.ID, "fetch_error", statusCode(res), err)
		return nil, err
	}

	if !res.Changed {
		if err := s.store.RecordCheck(ctx, page.ID, "unchanged", page.LastHash,
			pick(res.ETag, page.ETag), pick(res.LastMod, page.LastModified), ""); err != nil {
			return nil, fmt.Errorf("monitor: record check: %w", err)
		}
		s.logAttempt(ctx, page.ID, "unchanged", &res.StatusCode, page.LastHash, "", start)
		return nil, nil
	}

	if isHTML(res.ContentType) && !fetch.IsSufficient(res.Body) {
		s.failures.Add(1)
		s.recordFailure(ctx, page.ID, "insufficient", &res.StatusCode, ErrInsufficientContent)
		return nil, fmt.Errorf("%w: %s", ErrInsufficientContent, page.URL)
	}

	snap, err := s.norm.Normalize(normalize.RawDocument{
		URL:         page.URL,
		Body:        res.Body,
		ContentType: res.ContentType,
		FetchedAt:   start,
	}, normalize.Options{
		Exclude:  page.Exclusions,
		KeepHTML: true,
	})
	if err != nil {
		// The baseline stays untouched: an unparseable fetch is a failed
		// observation, not an observed change.
		s.failures.Add(1)
		s.recordFailure(ctx, page.ID, "normalize_error", &res.StatusCode, err)
		return nil, err
	}

	prev, err := s.store.GetSnapshot(ctx, page.ID)
	if err != nil {
		// Unreadable baselines degrade to a cold start: the snapshot is
		// re-observed and overwritten below.
		s.logger.Warn("monitor: baseline unreadable, starting cold",
			"page_id", page.ID, "error", err)
		prev = nil
	}
	reportFirst := page.ReportFirst
	if prev != nil && prev.RulesHash != snap.RulesHash {
		// The baseline was segmented under different exclusion rules, so its
		// paths are incomparable with the current snapshot. Re-seed silently
		// instead of reporting the rules edit as page changes; report_first
		// does not apply, the page was already observed.
		s.logger.Info("monitor: exclusion rules changed, re-seeding baseline",
			"page_id", page.ID)
		prev = nil
		reportFirst = false
	}

	delta := diff.Compare(prev, snap, reportFirst)

	var rep *report.Report
	if !delta.Empty() {
		rep, err = s.renderer.Render(delta, snap.Title, time.Now())
		if err != nil {
			s.failures.Add(1)
			s.recordFailure(ctx, page.ID, "render_error", &res.StatusCode, err)
			return nil, err
		}
	}

	// The baseline and its change log entry advance together. A silent
	// observation (first seed, or excluded-only churn) stores the snapshot
	// alone.
	switch {
	case rep != nil:
		if err := s.store.CommitBaseline(ctx, page.ID, s.newID(), snap, delta); err != nil {
			s.failures.Add(1)
			s.recordFailure(ctx, page.ID, "store_error", &res.StatusCode, err)
			return nil, err
		}
	case prev == nil || !prev.Equal(snap):
		if err := s.store.PutSnapshot(ctx, page.ID, snap); err != nil {
			s.failures.Add(1)
			s.recordFailure(ctx, page.ID, "store_error", &res.StatusCode, err)
			return nil, err
		}
	}

	if rep != nil {
		s.reported.Add(1)
		if err := s.sink.Send(ctx, rep); err != nil {
			s.logger.Error("monitor: deliver report", "page_id", page.ID, "error", err)
		}
	}

	// last_hash holds the raw body hash: it is what the fetcher compares
	// against on the next conditional GET.
	if err := s.store.RecordCheck(ctx, page.ID, "ok", res.Hash, res.ETag, res.LastMod, ""); err != nil {
		return nil, fmt.Errorf("monitor: record check: %w", err)
	}
	status := "ok"
	if rep != nil {
		status = "changed"
	}
	s.logAttempt(ctx, page.ID, status, &res.StatusCode, res.Hash, "", start)
	return rep, nil
}

func (s *Service) recordFailure(ctx context.Context, pageID, status string, code *int, cause error) {
	if err := s.store.RecordCheck(ctx, pageID, status, "", "", "", cause.Error()); err != nil {
		s.logger.Warn("monitor: record failure", "page_id", pageID, "error", err)
	}
	s.logAttempt(ctx, pageID, status, code, "", cause.Error(), time.Now())
}

func (s *Service) logAttempt(ctx context.Context, pageID, status string, code *int, hash, errMsg string, start time.Time) {
	entry := &store.FetchLogEntry{
		ID:           s.newID(),
		PageID:       pageID,
		Status:       status,
		StatusCode:   code,
		ContentHash:  hash,
		ErrorMessage: errMsg,
		DurationMS:   time.Since(start).Milliseconds(),
	}
	if err := s.store.InsertFetchLog(ctx, entry); err != nil {
		s.logger.Warn("monitor: fetch log", "page_id", pageID, "error", err)
	}
}

func statusCode(res *fetch.Result) *int {
	if res == nil || res.StatusCode == 0 {
		return nil
	}
	return &res.StatusCode
}

func pick(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// Stats is a point-in-time view of the monitor.
type Stats struct {
	Pages       int         `json:"pages"`
	Snapshots   int         `json:"snapshots"`
	ChangeLog   int         `json:"change_log"`
	QueuedJobs  int         `json:"queued_jobs"`
	Checks      int64       `json:"checks"`
	Reported    int64       `json:"reported"`
	Failures    int64       `json:"failures"`
	WatchStats  watch.Stats `json:"watch"`
}

// --- Operations ---

// PageInput is the caller-supplied description of a page to watch.
type PageInput struct {
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	CheckInterval int64    `json:"check_interval"` // milliseconds; 0 = default
	Exclusions    []string `json:"exclusions"`
	ReportFirst   *bool    `json:"report_first"` // nil = config default
}

// AddPage registers a URL for monitoring. Exclusion rules are compiled up
// front so a typo fails here instead of inside every future check cycle.
func (s *Service) AddPage(ctx context.Context, in *PageInput) (*Page, error) {
	if in == nil || strings.TrimSpace(in.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if err := s.urlValidator(in.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if _, err := normalize.CompileExclusions(in.Exclusions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	existing, err := s.store.GetPageByURL(ctx, in.URL)
	if err != nil {
		return nil, fmt.Errorf("monitor: lookup url: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicatePage
	}

	reportFirst := s.config.ReportFirstFetch
	if in.ReportFirst != nil {
		reportFirst = *in.ReportFirst
	}
	interval := in.CheckInterval
	if interval <= 0 {
		interval = s.config.DefaultInterval.Milliseconds()
	}

	page := &Page{
		ID:            s.newID(),
		URL:           in.URL,
		Title:         in.Title,
		CheckInterval: interval,
		Enabled:       true,
		Exclusions:    in.Exclusions,
		ReportFirst:   reportFirst,
	}
	if err := s.store.InsertPage(ctx, page); err != nil {
		return nil, fmt.Errorf("monitor: insert page: %w", err)
	}

	s.logger.Info("monitor: page added", "page_id", page.ID, "url", page.URL,
		"interval_ms", page.CheckInterval)
	_ = s.sched.Refresh(ctx)
	return page, nil
}

// GetPage returns one page by ID.
func (s *Service) GetPage(ctx context.Context, id string) (*Page, error) {
	page, err := s.store.GetPage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("monitor: get page: %w", err)
	}
	if page == nil {
		return nil, ErrNotFound
	}
	return page, nil
}

// ListPages returns all watched pages.
func (s *Service) ListPages(ctx context.Context) ([]*Page, error) {
	return s.store.ListPages(ctx)
}

// UpdatePage patches a page's mutable fields. Zero values leave a field
// unchanged, except Enabled and ReportFirst which are pointers.
type PagePatch struct {
	Title         *string   `json:"title"`
	CheckInterval *int64    `json:"check_interval"`
	Enabled       *bool     `json:"enabled"`
	Exclusions    *[]string `json:"exclusions"`
	ReportFirst   *bool     `json:"report_first"`
}

// UpdatePage applies a patch to a page.
func (s *Service) UpdatePage(ctx context.Context, id string, patch *PagePatch) (*Page, error) {
	page, err := s.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch == nil {
		return page, nil
	}

	if patch.Title != nil {
		page.Title = *patch.Title
	}
	if patch.CheckInterval != nil && *patch.CheckInterval > 0 {
		page.CheckInterval = *patch.CheckInterval
	}
	if patch.Enabled != nil {
		page.Enabled = *patch.Enabled
	}
	rulesChanged := false
	if patch.Exclusions != nil {
		if _, err := normalize.CompileExclusions(*patch.Exclusions); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		rulesChanged = normalize.RulesHash(*patch.Exclusions) != normalize.RulesHash(page.Exclusions)
		page.Exclusions = *patch.Exclusions
	}
	if patch.ReportFirst != nil {
		page.ReportFirst = *patch.ReportFirst
	}

	if err := s.store.UpdatePage(ctx, page); err != nil {
		return nil, fmt.Errorf("monitor: update page: %w", err)
	}
	if rulesChanged {
		// New rules mean new segmentation. Clear the conditional-fetch state
		// so the hash short-circuit cannot skip renormalization; the stale
		// baseline is re-seeded on the next cycle (see checkPage).
		if err := s.store.ClearValidators(ctx, page.ID); err != nil {
			return nil, fmt.Errorf("monitor: update page: %w", err)
		}
		page.LastHash = ""
		page.ETag = ""
		page.LastModified = ""
	}
	_ = s.sched.Refresh(ctx)
	return page, nil
}

// RemovePage stops watching a page and deletes its baseline and history.
func (s *Service) RemovePage(ctx context.Context, id string) error {
	page, err := s.GetPage(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeletePage(ctx, page.ID); err != nil {
		return fmt.Errorf("monitor: delete page: %w", err)
	}
	s.locks.Delete(page.ID)
	s.logger.Info("monitor: page removed", "page_id", page.ID, "url", page.URL)
	return nil
}

// ResetBaseline drops a page's stored snapshot so the next check observes
// from scratch.
func (s *Service) ResetBaseline(ctx context.Context, id string) error {
	page, err := s.GetPage(ctx, id)
	if err != nil {
		return err
	}
	mu := s.lockFor(page.ID)
	mu.Lock()
	defer mu.Unlock()
	if err := s.store.DeleteSnapshot(ctx, page.ID); err != nil {
		return fmt.Errorf("monitor: reset baseline: %w", err)
	}
	// Clear the transport validators so the next fetch is unconditional.
	if err := s.store.RecordCheck(ctx, page.ID, "ok", "", "", "", ""); err != nil {
		return fmt.Errorf("monitor: reset validators: %w", err)
	}
	return nil
}

// CheckNow runs a check cycle for the page immediately, bypassing the
// schedule. It returns the rendered report, or nil when nothing changed.
func (s *Service) CheckNow(ctx context.Context, id string) (*report.Report, error) {
	page, err := s.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.checkPage(ctx, page)
}

// RecentChanges returns the latest reported deltas, newest first. Empty
// pageID spans all pages.
func (s *Service) RecentChanges(ctx context.Context, pageID string, limit int) ([]*ChangeEntry, error) {
	return s.store.RecentChanges(ctx, pageID, limit)
}

// FetchHistory returns recent check attempts for a page.
func (s *Service) FetchHistory(ctx context.Context, pageID string, limit int) ([]*FetchLogEntry, error) {
	if _, err := s.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	return s.store.FetchHistory(ctx, pageID, limit)
}

// GetStats returns the current counters.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	pages, err := s.store.CountPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: stats: %w", err)
	}
	snaps, err := s.store.CountSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: stats: %w", err)
	}
	changes, err := s.store.CountChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: stats: %w", err)
	}
	queued, err := s.queue.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("monitor: stats: %w", err)
	}

	return &Stats{
		Pages:      pages,
		Snapshots:  snaps,
		ChangeLog:  changes,
		QueuedJobs: queued,
		Checks:     s.checks.Load(),
		Reported:   s.reported.Load(),
		Failures:   s.failures.Load(),
		WatchStats: s.watcher.Stats(),
	}, nil
}
