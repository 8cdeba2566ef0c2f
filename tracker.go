// Package spanwatch reconstructs the spans of agent runs from a live project
// event stream.
//
// The Tracker is the reference consumer: it shards events by run, folds them
// into span sets with span.Reducer, keeps a run.Summary per run, and merges
// the spans replayed by a breakpoint.Overlay. Subscribe it to a
// stream.Client:
//
//	client := stream.New(baseURL, stream.WithProjectID(projectID))
//	tracker := spanwatch.New(spanwatch.WithUpdateHandler(func(u spanwatch.Update) {
//	    fmt.Println(u.RunID, u.Summary.Cost)
//	}))
//	client.Subscribe("tracker", tracker.HandleEvent, nil)
//	client.Connect(ctx)
package spanwatch

import (
	"cmp"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/m-mizutani/spanwatch/breakpoint"
	"github.com/m-mizutani/spanwatch/event"
	"github.com/m-mizutani/spanwatch/run"
	"github.com/m-mizutani/spanwatch/span"
)

// Update is passed to update handlers after a run changed. Spans and Summary
// must be treated as read-only.
type Update struct {
	RunID   string
	Spans   []span.Span
	Summary *run.Summary
}

// Option is a functional option for configuring a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger of the tracker and of its reducer.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// WithRunOptions sets the options passed to run.UpdatedWithSpans, such as a
// custom extractor.
func WithRunOptions(opts ...run.Option) Option {
	return func(t *Tracker) {
		t.runOpts = append(t.runOpts, opts...)
	}
}

// WithUpdateHandler adds a handler called after every change of a run.
// Handlers are called outside the tracker lock, in the order they were added.
func WithUpdateHandler(fn func(Update)) Option {
	return func(t *Tracker) {
		t.handlers = append(t.handlers, fn)
	}
}

// Tracker holds the span set and summary of every run seen on the stream.
// It is safe for concurrent use.
type Tracker struct {
	logger   *slog.Logger
	reducer  *span.Reducer
	runOpts  []run.Option
	handlers []func(Update)

	mu        sync.RWMutex
	runs      span.RunMap
	summaries map[string]*run.Summary
}

// New creates a new Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		logger:    slog.New(slog.DiscardHandler),
		runs:      span.RunMap{},
		summaries: map[string]*run.Summary{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.reducer = span.NewReducer(span.WithLogger(t.logger))
	return t
}

// HandleEvent applies ev to the span set of its run. It matches
// stream.Handler. Events without a run ID and events that change nothing
// do not trigger update handlers.
func (t *Tracker) HandleEvent(ev event.Event) {
	runID := ev.Base().RunID
	if runID == "" {
		return
	}

	t.mu.Lock()
	prev := t.runs[runID]
	t.runs = t.reducer.ApplyRunMap(t.runs, ev)
	spans := t.runs[runID]
	if sameSpans(prev, spans) {
		t.mu.Unlock()
		return
	}
	u := t.updateLocked(runID, spans)
	t.mu.Unlock()

	t.notify([]Update{u})
}

// ApplyBatch merges the spans replayed for paused requests. It matches the
// batch sink of breakpoint.Overlay. Spans are grouped by run and every run
// is merged in a single pass.
func (t *Tracker) ApplyBatch(b breakpoint.Batch) {
	byRun := map[string][]span.Span{}
	for _, s := range b.Spans {
		if s.RunID == "" {
			t.logger.Debug("skip replayed span without run id", "span_id", s.SpanID)
			continue
		}
		byRun[s.RunID] = append(byRun[s.RunID], s)
	}
	if len(byRun) == 0 {
		return
	}

	t.mu.Lock()
	next := maps.Clone(t.runs)
	updates := make([]Update, 0, len(byRun))
	for _, runID := range slices.Sorted(maps.Keys(byRun)) {
		next[runID] = span.Merge(next[runID], byRun[runID])
		updates = append(updates, t.updateLocked(runID, next[runID]))
	}
	t.runs = next
	t.mu.Unlock()

	t.notify(updates)
}

func (t *Tracker) updateLocked(runID string, spans []span.Span) Update {
	summary := run.UpdatedWithSpans(runID, spans, t.summaries[runID], t.runOpts...)
	t.summaries[runID] = summary
	return Update{RunID: runID, Spans: spans, Summary: summary}
}

func (t *Tracker) notify(updates []Update) {
	for _, u := range updates {
		for _, fn := range t.handlers {
			fn(u)
		}
	}
}

// Spans returns the span set of runID. The returned slice is a copy.
func (t *Tracker) Spans(runID string) []span.Span {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.runs[runID])
}

// Summary returns the summary of runID, or nil when the run is unknown.
func (t *Tracker) Summary(runID string) *run.Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summaries[runID]
}

// Tree returns the span hierarchy of runID.
func (t *Tracker) Tree(runID string) []*span.Node {
	return span.BuildTree(t.Spans(runID))
}

// Runs returns the known run IDs in lexical order.
func (t *Tracker) Runs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.runs))
}

// Summaries returns the summary of every run, latest start first.
func (t *Tracker) Summaries() []*run.Summary {
	t.mu.RLock()
	out := slices.Collect(maps.Values(t.summaries))
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b *run.Summary) int {
		if c := cmp.Compare(b.StartTimeUS, a.StartTimeUS); c != 0 {
			return c
		}
		return cmp.Compare(a.RunID, b.RunID)
	})
	return out
}

// Reset drops every run. It is used when the tracker is moved to another
// project.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs = span.RunMap{}
	t.summaries = map[string]*run.Summary{}
}

func sameSpans(a, b []span.Span) bool {
	return len(a) == len(b) && (len(a) == 0 || &a[0] == &b[0])
}
