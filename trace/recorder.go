package trace

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/run"
	"github.com/m-mizutani/spanwatch/span"
)

// Option is a functional option for configuring a Recorder.
type Option func(*Recorder)

// WithInterval sets the minimum time between two saves of the same run.
// Zero saves on every Record call.
func WithInterval(d time.Duration) Option {
	return func(r *Recorder) {
		r.interval = d
	}
}

// WithLogger sets the logger used to report failed background saves.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

type entry struct {
	snapshot *Snapshot
	savedAt  time.Time
	dirty    bool
}

// Recorder keeps the latest snapshot of every run and writes it to a
// Repository. Saves of one run are throttled by the configured interval;
// Flush writes whatever is still pending.
type Recorder struct {
	repo     Repository
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	runs map[string]*entry
}

// New creates a new Recorder writing to repo.
func New(repo Repository, opts ...Option) *Recorder {
	r := &Recorder{
		repo:   repo,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
		runs:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores the current state of runID and saves it when the run has
// not been saved within the interval. spans is copied.
func (r *Recorder) Record(ctx context.Context, runID string, spans []span.Span, summary *run.Summary) error {
	if err := ValidateRunID(runID); err != nil {
		return err
	}

	r.mu.Lock()
	now := r.now()
	e, ok := r.runs[runID]
	if !ok {
		e = &entry{}
		r.runs[runID] = e
	}
	e.snapshot = &Snapshot{
		RunID:   runID,
		Summary: summary,
		Spans:   slices.Clone(spans),
		SavedAt: now,
	}
	e.dirty = true

	due := !ok || r.interval <= 0 || now.Sub(e.savedAt) >= r.interval
	if !due {
		r.mu.Unlock()
		return nil
	}
	snapshot := e.snapshot
	e.savedAt = now
	e.dirty = false
	r.mu.Unlock()

	if err := r.repo.Save(ctx, snapshot); err != nil {
		r.markDirty(runID, snapshot)
		return goerr.Wrap(err, "failed to save snapshot", goerr.V("run_id", runID))
	}
	return nil
}

// Snapshot returns the latest snapshot recorded for runID, or nil.
func (r *Recorder) Snapshot(runID string) *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[runID]; ok {
		return e.snapshot
	}
	return nil
}

// Flush saves every run whose latest snapshot has not been written yet.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	var pending []*Snapshot
	now := r.now()
	for _, e := range r.runs {
		if e.dirty {
			pending = append(pending, e.snapshot)
			e.dirty = false
			e.savedAt = now
		}
	}
	r.mu.Unlock()

	slices.SortFunc(pending, func(a, b *Snapshot) int {
		return strings.Compare(a.RunID, b.RunID)
	})

	var errs []error
	for _, s := range pending {
		if err := r.repo.Save(ctx, s); err != nil {
			r.markDirty(s.RunID, s)
			r.logger.Warn("failed to flush snapshot", "run_id", s.RunID, "error", err)
			errs = append(errs, goerr.Wrap(err, "failed to save snapshot", goerr.V("run_id", s.RunID)))
		}
	}
	return errors.Join(errs...)
}

// markDirty flags runID for the next Flush unless a newer snapshot already
// replaced s.
func (r *Recorder) markDirty(runID string, s *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.runs[runID]; ok && e.snapshot == s {
		e.dirty = true
	}
}
