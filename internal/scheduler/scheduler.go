// Package scheduler runs ingestion sweeps over every stored identity on a
// fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/sheetvault/internal/credential"
	"github.com/wesm/sheetvault/internal/ingest"
	"github.com/wesm/sheetvault/internal/store"
)

// DefaultInterval is the sweep cadence when none is configured.
const DefaultInterval = 5 * time.Minute

var (
	// ErrSweepRunning is returned when a sweep is triggered while another
	// is in flight. The trigger is dropped, not queued.
	ErrSweepRunning = errors.New("sweep already running")

	// ErrStopped is returned when a sweep is triggered after Stop.
	ErrStopped = errors.New("scheduler is stopped")
)

// Identity sync results.
const (
	ResultOK        = "ok"
	ResultPartial   = "partial"    // synced, some candidates failed
	ResultAuthError = "auth_error" // no usable session this cycle
	ResultError     = "error"
)

// Lister enumerates stored credentials. credential.Store implements it.
type Lister interface {
	ListAll(ctx context.Context) ([]credential.Record, error)
}

// Sessions turns a stored record into a usable session.
// *credential.Manager implements it.
type Sessions interface {
	Obtain(ctx context.Context, rec credential.Record) (*credential.Session, error)
}

// Syncer ingests one identity. *ingest.Pipeline implements it.
type Syncer interface {
	Sync(ctx context.Context, identity string, session *credential.Session, since time.Time) *ingest.Report
}

// Watermarks persists per-identity high-water marks. *store.Store
// implements it.
type Watermarks interface {
	GetWatermark(ctx context.Context, identity string) (time.Time, error)
	AdvanceWatermark(ctx context.Context, identity string, t time.Time) error
}

// RunRecorder records sync runs. *store.Store implements it.
type RunRecorder interface {
	StartRun(ctx context.Context, sweepID, identity string, watermark time.Time) (int64, error)
	CompleteRun(ctx context.Context, runID int64, counts store.RunCounts, watermark time.Time) error
	FailRun(ctx context.Context, runID int64, errMsg string) error
}

// Observer receives sweep metrics. *metrics.Metrics implements it.
type Observer interface {
	ObserveSweep(result string, d time.Duration, finished time.Time)
	ObserveDroppedSweep()
	ObserveIdentitySync(result string)
}

// Deps are the collaborators a Scheduler drives. Runs and Metrics are
// optional.
type Deps struct {
	Credentials Lister
	Sessions    Sessions
	Pipeline    Syncer
	Watermarks  Watermarks
	Runs        RunRecorder
	Metrics     Observer
}

// Options tune sweeps.
type Options struct {
	// Interval between timer-driven sweeps. Zero means DefaultInterval.
	Interval time.Duration

	// Schedule is a cron expression that replaces Interval when set.
	Schedule string

	// Concurrency bounds how many identities sync in parallel. Values
	// below 1 mean 1.
	Concurrency int

	// InitialSince is the window start for identities with no watermark.
	// Zero means all history.
	InitialSince time.Time
}

// IdentityResult is one identity's outcome within a sweep.
type IdentityResult struct {
	Identity        string         `json:"email"`
	Result          string         `json:"result"`
	Error           string         `json:"error,omitempty"`
	Since           time.Time      `json:"since"`
	WatermarkBefore time.Time      `json:"watermark_before"`
	WatermarkAfter  time.Time      `json:"watermark_after"`
	Report          *ingest.Report `json:"report,omitempty"`
}

// SweepReport summarizes one pass over all identities.
type SweepReport struct {
	ID         string           `json:"id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Result     string           `json:"result"`
	Error      string           `json:"error,omitempty"`
	Identities []IdentityResult `json:"identities"`
}

// Scheduler runs sweeps from a cron timer or on demand. At most one sweep
// is in flight per Scheduler.
type Scheduler struct {
	deps     Deps
	opts     Options
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	entryID    cron.EntryID
	running    bool
	lastSweep  *SweepReport
	lastResult map[string]IdentityResult // identity -> most recent result

	ctx     context.Context    // cancelled on Stop
	cancel  context.CancelFunc // cancels ctx
	wg      sync.WaitGroup     // tracks running sweeps
	started bool               // true after Start(), false after Stop()
	stopped bool               // true after Stop()
}

// New creates a Scheduler. The schedule is validated here so a bad
// configuration fails at startup.
func New(deps Deps, opts Options) (*Scheduler, error) {
	if deps.Credentials == nil || deps.Sessions == nil || deps.Pipeline == nil || deps.Watermarks == nil {
		return nil, fmt.Errorf("scheduler: credentials, sessions, pipeline and watermarks are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = "@every " + opts.Interval.String()
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		deps:       deps,
		opts:       opts,
		schedule:   schedule,
		cron:       cron.New(cron.WithParser(parser)),
		logger:     slog.Default(),
		now:        time.Now,
		lastResult: make(map[string]IdentityResult),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule validates a cron expression or @every descriptor
// without scheduling anything.
func ValidateSchedule(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// Start registers the timer and begins executing sweeps.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}

	id, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.claim(); err != nil {
			s.logger.Info("skipping timer sweep", "reason", err)
			return
		}
		s.sweep(s.ctx, nil)
	})
	if err != nil {
		return fmt.Errorf("register schedule %q: %w", s.schedule, err)
	}
	s.entryID = id
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", s.schedule, "next_run", s.cron.Entry(id).Next)
	return nil
}

// IsRunning returns true if the scheduler has been started and not yet stopped.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

// Stop stops the timer, cancels a running sweep, and returns a context that
// is done once all work has finished.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// RunOnce runs a sweep synchronously. Identities restricts the sweep to
// the given identities; none means every stored identity. It returns
// ErrSweepRunning without doing anything when a sweep is in flight.
func (s *Scheduler) RunOnce(ctx context.Context, identities ...string) (*SweepReport, error) {
	if err := s.claim(); err != nil {
		return nil, err
	}
	rep := s.sweep(ctx, identities)
	if rep.Result == ResultError {
		return rep, errors.New(rep.Error)
	}
	return rep, nil
}

// Trigger starts a sweep in the background and returns once it has been
// claimed. The sweep is cancelled by Stop.
func (s *Scheduler) Trigger() (string, error) {
	if err := s.claim(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	go s.sweepWithID(s.ctx, id, nil)
	return id, nil
}

// claim marks a sweep in flight. The caller must run sweep afterwards.
func (s *Scheduler) claim() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.running {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveDroppedSweep()
		}
		return ErrSweepRunning
	}
	s.running = true
	s.wg.Add(1)
	return nil
}

func (s *Scheduler) sweep(ctx context.Context, only []string) *SweepReport {
	return s.sweepWithID(ctx, uuid.NewString(), only)
}

// sweepWithID syncs every selected identity. The caller must have claimed
// the sweep.
func (s *Scheduler) sweepWithID(ctx context.Context, id string, only []string) *SweepReport {
	defer s.wg.Done()

	rep := &SweepReport{ID: id, StartedAt: s.now(), Identities: []IdentityResult{}}
	defer func() {
		rep.FinishedAt = s.now()
		s.mu.Lock()
		s.running = false
		s.lastSweep = rep
		for _, r := range rep.Identities {
			s.lastResult[r.Identity] = r
		}
		s.mu.Unlock()
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveSweep(rep.Result, rep.FinishedAt.Sub(rep.StartedAt), rep.FinishedAt)
		}
	}()

	log := s.logger.With("sweep", id)
	log.Info("starting sweep")

	records, err := s.deps.Credentials.ListAll(ctx)
	if err != nil {
		rep.Result = ResultError
		rep.Error = fmt.Sprintf("list credentials: %v", err)
		log.Error("sweep failed", "error", err)
		return rep
	}
	records = selectRecords(records, only)

	results := make([]IdentityResult, len(records))
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for i, rec := range records {
		g.Go(func() error {
			results[i] = s.syncIdentity(ctx, id, rec)
			return nil
		})
	}
	_ = g.Wait()

	rep.Identities = results
	rep.Result = ResultOK
	for _, r := range results {
		if r.Result != ResultOK {
			rep.Result = ResultPartial
		}
	}
	log.Info("sweep completed",
		"identities", len(results),
		"result", rep.Result,
		"duration", s.now().Sub(rep.StartedAt))
	return rep
}

// selectRecords de-duplicates records by canonical identity, keeping the
// first, and applies the optional filter.
func selectRecords(records []credential.Record, only []string) []credential.Record {
	want := make(map[string]bool, len(only))
	for _, id := range only {
		want[credential.Canonical(id)] = true
	}
	seen := make(map[string]bool, len(records))
	out := make([]credential.Record, 0, len(records))
	for _, rec := range records {
		id := credential.Canonical(rec.Identity)
		if id == "" || seen[id] || (len(want) > 0 && !want[id]) {
			continue
		}
		seen[id] = true
		rec.Identity = id
		out = append(out, rec)
	}
	return out
}

// syncIdentity runs one identity's cycle. Every error stays inside the
// returned result.
func (s *Scheduler) syncIdentity(ctx context.Context, sweepID string, rec credential.Record) (res IdentityResult) {
	identity := rec.Identity
	res = IdentityResult{Identity: identity}
	log := s.logger.With("email", identity, "sweep", sweepID)
	defer func() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveIdentitySync(res.Result)
		}
	}()

	mark, err := s.deps.Watermarks.GetWatermark(ctx, identity)
	if err != nil {
		log.Error("load watermark", "error", err)
		res.Result, res.Error = ResultError, err.Error()
		return res
	}
	res.WatermarkBefore, res.WatermarkAfter = mark, mark
	res.Since = s.opts.InitialSince
	if !mark.IsZero() {
		res.Since = mark.Add(time.Millisecond)
	}

	runID := s.startRun(ctx, log, sweepID, identity, mark)

	session, err := s.deps.Sessions.Obtain(ctx, rec)
	if err != nil {
		log.Warn("skipping identity", "error", err)
		res.Result, res.Error = ResultAuthError, err.Error()
		if ce := ctx.Err(); ce != nil && errors.Is(err, ce) {
			res.Result = ResultError
		}
		s.failRun(ctx, log, runID, res.Error)
		return res
	}

	report := s.deps.Pipeline.Sync(ctx, identity, session, res.Since)
	res.Report = report

	if report.Watermark.After(mark) {
		if err := s.deps.Watermarks.AdvanceWatermark(ctx, identity, report.Watermark); err != nil {
			log.Error("advance watermark", "error", err)
		} else {
			res.WatermarkAfter = report.Watermark
		}
	}

	res.Result = ResultOK
	if len(report.Failed) > 0 {
		res.Result = ResultPartial
	}
	if s.deps.Runs != nil && runID != 0 {
		counts := store.RunCounts{
			MessagesSeen: report.MessagesSeen,
			Stored:       report.Stored,
			Skipped:      report.Skipped,
			Failed:       len(report.Failed),
		}
		if err := s.deps.Runs.CompleteRun(ctx, runID, counts, res.WatermarkAfter); err != nil {
			log.Warn("record sync run", "error", err)
		}
	}
	return res
}

func (s *Scheduler) startRun(ctx context.Context, log *slog.Logger, sweepID, identity string, mark time.Time) int64 {
	if s.deps.Runs == nil {
		return 0
	}
	id, err := s.deps.Runs.StartRun(ctx, sweepID, identity, mark)
	if err != nil {
		log.Warn("record sync run", "error", err)
		return 0
	}
	return id
}

func (s *Scheduler) failRun(ctx context.Context, log *slog.Logger, runID int64, msg string) {
	if s.deps.Runs == nil || runID == 0 {
		return
	}
	if err := s.deps.Runs.FailRun(ctx, runID, msg); err != nil {
		log.Warn("record sync run", "error", err)
	}
}

// AccountStatus is the most recent result for one identity.
type AccountStatus struct {
	Email     string    `json:"email"`
	Result    string    `json:"result"`
	LastError string    `json:"last_error,omitempty"`
	Stored    int       `json:"stored"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Watermark time.Time `json:"watermark"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Started   bool            `json:"started"`
	Running   bool            `json:"running"`
	Schedule  string          `json:"schedule"`
	NextSweep time.Time       `json:"next_sweep,omitempty"`
	LastSweep *SweepReport    `json:"last_sweep,omitempty"`
	Accounts  []AccountStatus `json:"accounts"`
}

// Status returns the scheduler's current state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Started:   s.started && !s.stopped,
		Running:   s.running,
		Schedule:  s.schedule,
		LastSweep: s.lastSweep,
		Accounts:  make([]AccountStatus, 0, len(s.lastResult)),
	}
	if s.started {
		st.NextSweep = s.cron.Entry(s.entryID).Next
	}
	for _, r := range s.lastResult {
		a := AccountStatus{
			Email:     r.Identity,
			Result:    r.Result,
			LastError: r.Error,
			Watermark: r.WatermarkAfter,
		}
		if r.Report != nil {
			a.Stored = r.Report.Stored
			a.Skipped = r.Report.Skipped
			a.Failed = len(r.Report.Failed)
		}
		st.Accounts = append(st.Accounts, a)
	}
	sort.Slice(st.Accounts, func(i, j int) bool { return st.Accounts[i].Email < st.Accounts[j].Email })
	return st
}
