package breakpoint

import (
	"cmp"
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/event"
	"github.com/m-mizutani/spanwatch/span"
)

// API is the breakpoint surface used by Overlay. *Client implements it.
type API interface {
	List(ctx context.Context) (*ListResponse, error)
	Continue(ctx context.Context, breakpointID string, request json.RawMessage) error
	ContinueAll(ctx context.Context) error
	SetGlobalBreakpoint(ctx context.Context, interceptAll bool) (bool, error)
}

// NoticeLevel is the severity of a Notice.
type NoticeLevel int

const (
	NoticeSuccess NoticeLevel = iota
	NoticeError
)

// Notice is a user facing outcome of an overlay action.
type Notice struct {
	Level   NoticeLevel
	Message string
	Err     error
}

// Notifier reports action outcomes to the user.
type Notifier func(ctx context.Context, n Notice)

// Batch holds every span and thread touched by one refresh.
type Batch struct {
	Spans     []span.Span
	ThreadIDs []string
}

// State is a snapshot of the overlay.
type State struct {
	IsDebugActive bool
	IsLoading     bool
	Breakpoints   []Breakpoint
	InterceptAll  bool
	Err           error
}

// Overlay tracks paused requests. It reconstructs their spans from the
// events buffered by the server, which exist nowhere else until the request
// resumes.
type Overlay struct {
	api     API
	notify  Notifier
	sink    func(Batch)
	reducer *span.Reducer
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State
}

// Option configures an Overlay.
type Option func(*Overlay)

// WithNotifier sets the receiver of action outcomes.
func WithNotifier(n Notifier) Option {
	return func(o *Overlay) {
		o.notify = n
	}
}

// WithBatchSink sets the receiver of spans reconstructed by Refresh.
func WithBatchSink(sink func(Batch)) Option {
	return func(o *Overlay) {
		o.sink = sink
	}
}

// WithReducer sets the reducer used to replay buffered events.
func WithReducer(r *span.Reducer) Option {
	return func(o *Overlay) {
		o.reducer = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Overlay) {
		o.logger = logger
	}
}

// WithClock sets the time source used for events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *Overlay) {
		o.now = now
	}
}

// NewOverlay creates an Overlay. The overlay starts in loading state until the
// first Refresh completes.
func NewOverlay(api API, opts ...Option) *Overlay {
	o := &Overlay{
		api:     api,
		notify:  func(context.Context, Notice) {},
		sink:    func(Batch) {},
		reducer: span.NewReducer(),
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
		state: State{
			IsLoading:   true,
			Breakpoints: []Breakpoint{},
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// State returns a copy of the current state.
func (o *Overlay) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.state
	s.Breakpoints = slices.Clone(o.state.Breakpoints)
	return s
}

// Refresh fetches the paused breakpoints, replays their buffered events and
// hands the reconstructed spans to the batch sink in a single Batch.
func (o *Overlay) Refresh(ctx context.Context) error {
	o.mu.Lock()
	o.state.IsLoading = true
	o.mu.Unlock()

	resp, err := o.api.List(ctx)
	if err != nil {
		o.mu.Lock()
		o.state.IsLoading = false
		o.state.Err = err
		o.mu.Unlock()
		o.logger.Warn("failed to fetch breakpoints", "error", err)
		return goerr.Wrap(err, "failed to refresh breakpoints")
	}

	batch := o.replay(resp.Breakpoints)

	o.mu.Lock()
	o.state = State{
		IsDebugActive: len(resp.Breakpoints) > 0 || resp.InterceptAll,
		Breakpoints:   slices.Clone(resp.Breakpoints),
		InterceptAll:  resp.InterceptAll,
	}
	o.mu.Unlock()

	o.sink(batch)
	return nil
}

func (o *Overlay) replay(bps []Breakpoint) Batch {
	var batch Batch
	threads := map[string]struct{}{}
	addThread := func(id string) {
		if id == "" {
			return
		}
		if _, ok := threads[id]; ok {
			return
		}
		threads[id] = struct{}{}
		batch.ThreadIDs = append(batch.ThreadIDs, id)
	}

	now := o.now()
	for _, bp := range bps {
		addThread(bp.ThreadID)

		events := make([]event.Event, 0, len(bp.Events))
		for _, raw := range bp.Events {
			ev, err := event.Parse(raw, now)
			if err != nil {
				o.logger.Warn("skip malformed buffered event",
					"breakpoint_id", bp.BreakpointID,
					"error", err,
				)
				continue
			}
			events = append(events, ev)
		}
		slices.SortStableFunc(events, func(a, b event.Event) int {
			return cmp.Compare(a.Base().Timestamp, b.Base().Timestamp)
		})

		var spans []span.Span
		for _, ev := range events {
			spans = o.reducer.Apply(spans, ev)
			addThread(ev.Base().ThreadID)
		}
		batch.Spans = span.Merge(batch.Spans, spans)
	}
	return batch
}

// ContinueBreakpoint resumes a paused request. A nil request resumes it
// unmodified. On failure the local state is left unchanged.
func (o *Overlay) ContinueBreakpoint(ctx context.Context, breakpointID string, request json.RawMessage) error {
	if err := o.api.Continue(ctx, breakpointID, request); err != nil {
		o.notify(ctx, Notice{Level: NoticeError, Message: "Failed to continue breakpoint", Err: err})
		return err
	}

	o.mu.Lock()
	o.removeLocked(breakpointID)
	o.mu.Unlock()

	o.notify(ctx, Notice{Level: NoticeSuccess, Message: "Breakpoint continued"})
	return nil
}

// ContinueAllBreakpoints resumes every paused request and refreshes the list.
func (o *Overlay) ContinueAllBreakpoints(ctx context.Context) error {
	if err := o.api.ContinueAll(ctx); err != nil {
		o.notify(ctx, Notice{Level: NoticeError, Message: "Failed to continue all breakpoints", Err: err})
		return err
	}
	return o.Refresh(ctx)
}

// ToggleDebugMode flips intercept-all mode. The local state is updated as
// soon as the server accepts; the next global_breakpoint event reconciles it.
func (o *Overlay) ToggleDebugMode(ctx context.Context) error {
	o.mu.Lock()
	next := !o.state.IsDebugActive
	o.mu.Unlock()

	if _, err := o.api.SetGlobalBreakpoint(ctx, next); err != nil {
		o.notify(ctx, Notice{Level: NoticeError, Message: "Failed to toggle debug mode", Err: err})
		return err
	}

	o.mu.Lock()
	o.state.IsDebugActive = next
	o.state.InterceptAll = next
	o.mu.Unlock()

	msg := "Debug mode disabled"
	if next {
		msg = "Debug mode enabled"
	}
	o.notify(ctx, Notice{Level: NoticeSuccess, Message: msg})
	return nil
}

// HandleEvent applies server pushed breakpoint events to the state.
func (o *Overlay) HandleEvent(ev event.Event) {
	c, ok := ev.(*event.Custom)
	if !ok {
		return
	}

	switch body := c.Body.(type) {
	case *event.Breakpoint:
		if c.SpanID == "" {
			return
		}
		request, err := json.Marshal(body.Request)
		if err != nil {
			o.logger.Warn("failed to encode breakpoint request", "span_id", c.SpanID, "error", err)
			return
		}

		o.mu.Lock()
		defer o.mu.Unlock()
		bps := slices.Clone(o.state.Breakpoints)
		if idx := o.indexLocked(c.SpanID); idx >= 0 {
			bps[idx].Request = request
		} else {
			bps = append(bps, Breakpoint{
				BreakpointID: c.SpanID,
				ThreadID:     c.ThreadID,
				Request:      request,
			})
		}
		o.state.Breakpoints = bps
		o.state.IsDebugActive = true

	case *event.BreakpointResume:
		if c.SpanID == "" {
			return
		}
		o.mu.Lock()
		o.removeLocked(c.SpanID)
		o.mu.Unlock()

	case *event.GlobalBreakpoint:
		o.mu.Lock()
		o.state.Breakpoints = []Breakpoint{}
		o.state.InterceptAll = body.InterceptAll
		o.state.IsDebugActive = body.InterceptAll
		o.mu.Unlock()
	}
}

func (o *Overlay) indexLocked(id string) int {
	return slices.IndexFunc(o.state.Breakpoints, func(b Breakpoint) bool {
		return b.BreakpointID == id
	})
}

func (o *Overlay) removeLocked(id string) {
	o.state.Breakpoints = slices.DeleteFunc(slices.Clone(o.state.Breakpoints), func(b Breakpoint) bool {
		return b.BreakpointID == id
	})
	o.state.IsDebugActive = len(o.state.Breakpoints) > 0 || o.state.InterceptAll
}
