package span

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/m-mizutani/spanwatch/event"
)

// Reducer applies events to span sets. The zero value is not usable; create
// one with NewReducer. A Reducer holds no span state and is safe for
// concurrent use.
type Reducer struct {
	logger *slog.Logger
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithLogger sets the logger used to report ignored events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reducer) {
		r.logger = logger
	}
}

// NewReducer creates a Reducer.
func NewReducer(opts ...Option) *Reducer {
	r := &Reducer{
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var defaultReducer = NewReducer()

// Process applies ev to spans with a Reducer that does not log.
func Process(spans []Span, ev event.Event) []Span {
	return defaultReducer.Apply(spans, ev)
}

// Apply returns spans updated by ev. spans is never modified. Events that do
// not match any span rule are returned unchanged.
func (r *Reducer) Apply(spans []Span, ev event.Event) []Span {
	switch e := ev.(type) {
	case *event.RunStarted:
		return openSpan(spans, e.Meta, runStartKey(e.Meta), OpRun, nil)
	case *event.RunFinished:
		return closeSpan(spans, e.Meta, runFinishKey(e.Meta), OpRun, nil)
	case *event.RunError:
		return closeSpan(spans, e.Meta, runFinishKey(e.Meta), OpRun, Attributes{
			AttrError:     e.Message,
			AttrErrorCode: e.Code,
		})

	case *event.AgentStarted:
		return openSpan(spans, e.Meta, startKey(e.Meta, OpAgent), OpAgent, nameAttr(AttrAgentName, e.Name))
	case *event.TaskStarted:
		return openSpan(spans, e.Meta, startKey(e.Meta, OpTask), OpTask, nameAttr(AttrTaskName, e.Name))
	case *event.StepStarted:
		return openSpan(spans, e.Meta, startKey(e.Meta, OpStep), OpStep, nameAttr(AttrStepName, e.StepName))
	case *event.AgentFinished:
		return closeSpan(spans, e.Meta, e.SpanID, OpAgent, nameAttr(AttrAgentName, e.Name))
	case *event.TaskFinished:
		return closeSpan(spans, e.Meta, e.SpanID, OpTask, nameAttr(AttrTaskName, e.Name))
	case *event.StepFinished:
		return closeSpan(spans, e.Meta, e.SpanID, OpStep, nameAttr(AttrStepName, e.StepName))

	case *event.TextMessageStart:
		return openSpan(spans, e.Meta, startKey(e.Meta, OpTextMessage), OpTextMessage, Attributes{AttrRole: e.Role})
	case *event.TextMessageContent:
		return appendContent(spans, e)
	case *event.TextMessageEnd:
		// A message end never creates a span.
		if Find(spans, e.SpanID) < 0 {
			return spans
		}
		return closeSpan(spans, e.Meta, e.SpanID, OpTextMessage, nil)

	case *event.ToolCallStart:
		return toolCallStart(spans, e)
	case *event.ToolCallArgs:
		return toolCallArgs(spans, e)
	case *event.ToolCallEnd:
		return toolCallEnd(spans, e)
	case *event.ToolCallResult:
		return toolCallResult(spans, e)

	case *event.StateSnapshot:
		return setAttribute(spans, e.Meta, OpStateSnapshot, AttrStateSnapshot, e.Snapshot)
	case *event.StateDelta:
		return setAttribute(spans, e.Meta, OpGenericSpan, AttrStateDelta, e.Delta)
	case *event.MessagesSnapshot:
		return setAttribute(spans, e.Meta, OpGenericSpan, AttrMessagesSnapshot, e.Messages)
	case *event.Raw:
		if e.SpanID == "" {
			return spans
		}
		return upsert(spans, e.SpanID,
			func() Span {
				return newSpan(e.Meta, e.SpanID, OpRaw, Attributes{
					AttrRawEvent:       e.Event,
					AttrRawEventSource: e.Source,
				})
			},
			func(s *Span) {
				fillContext(s, e.Meta)
				s.Attribute = s.Attribute.merged(map[string]any{
					AttrRawEvent:       e.Event,
					AttrRawEventSource: e.Source,
				})
			})

	case *event.Custom:
		return r.applyCustom(spans, e)

	case *event.Unknown:
		r.logger.Warn("ignore unknown event type",
			slog.String("type", e.Type),
			slog.String("run_id", e.RunID),
		)
		return spans
	}

	return spans
}

func runStartKey(m event.Meta) string {
	switch {
	case m.SpanID != "":
		return m.SpanID
	case m.RunID != "":
		return m.RunID
	}
	return synthesizedID(OpRun, m)
}

func runFinishKey(m event.Meta) string {
	if m.SpanID != "" {
		return m.SpanID
	}
	return m.RunID
}

func startKey(m event.Meta, op string) string {
	if m.SpanID != "" {
		return m.SpanID
	}
	return synthesizedID(op, m)
}

// synthesizedID derives an ID from the event time so that a redelivered
// event maps to the same span.
func synthesizedID(prefix string, m event.Meta) string {
	return fmt.Sprintf("%s_%d", prefix, int64(m.Timestamp))
}

func nameAttr(key, name string) Attributes {
	if name == "" {
		return nil
	}
	return Attributes{key: name}
}

func newSpan(m event.Meta, id, op string, attrs Attributes) Span {
	if attrs == nil {
		attrs = Attributes{}
	}
	return Span{
		SpanID:        id,
		ParentSpanID:  m.ParentSpanID,
		OperationName: op,
		ThreadID:      m.ThreadID,
		RunID:         m.RunID,
		StartTimeUS:   m.Timestamp.Micros(),
		Attribute:     attrs,
		IsInProgress:  true,
	}
}

// newClosedSpan builds a span for a closing event whose span was never seen.
// Its start time is approximated by the close time.
func newClosedSpan(m event.Meta, id, op string, attrs Attributes) Span {
	s := newSpan(m, id, op, attrs)
	s.FinishTimeUS = s.StartTimeUS
	s.IsInProgress = false
	return s
}

// fillContext sets context fields the span does not have yet.
func fillContext(s *Span, m event.Meta) {
	if s.ParentSpanID == "" {
		s.ParentSpanID = m.ParentSpanID
	}
	if s.ThreadID == "" {
		s.ThreadID = m.ThreadID
	}
	if s.RunID == "" {
		s.RunID = m.RunID
	}
}

func markStarted(s *Span, startUS int64) {
	if s.StartTimeUS == 0 {
		s.StartTimeUS = startUS
	}
}

func markFinished(s *Span, finishUS int64) {
	s.FinishTimeUS = max(s.FinishTimeUS, finishUS)
	s.IsInProgress = false
}

// upsert updates the span with id through update, or appends create() when
// no such span exists. A nil create makes a missing span a no-op.
func upsert(spans []Span, id string, create func() Span, update func(*Span)) []Span {
	idx := Find(spans, id)
	if idx < 0 {
		if create == nil {
			return spans
		}
		return append(slices.Clip(spans), create())
	}

	out := slices.Clone(spans)
	s := out[idx].Clone()
	update(&s)
	out[idx] = s
	return out
}

func openSpan(spans []Span, m event.Meta, id, op string, attrs Attributes) []Span {
	return upsert(spans, id,
		func() Span { return newSpan(m, id, op, attrs) },
		func(s *Span) {
			fillContext(s, m)
			markStarted(s, m.Timestamp.Micros())
			s.Attribute = s.Attribute.filled(attrs)
		})
}

func closeSpan(spans []Span, m event.Meta, id, op string, attrs Attributes) []Span {
	if id == "" {
		return spans
	}
	return upsert(spans, id,
		func() Span { return newClosedSpan(m, id, op, attrs) },
		func(s *Span) {
			fillContext(s, m)
			markFinished(s, m.Timestamp.Micros())
			s.Attribute = s.Attribute.merged(attrs)
		})
}

func setAttribute(spans []Span, m event.Meta, op, key string, value any) []Span {
	if m.SpanID == "" {
		return spans
	}
	return upsert(spans, m.SpanID,
		func() Span { return newSpan(m, m.SpanID, op, Attributes{key: value}) },
		func(s *Span) {
			fillContext(s, m)
			s.Attribute = s.Attribute.merged(map[string]any{key: value})
		})
}

func appendContent(spans []Span, e *event.TextMessageContent) []Span {
	if e.SpanID == "" {
		return spans
	}
	at := e.Timestamp.Micros()
	return upsert(spans, e.SpanID,
		func() Span {
			s := newSpan(e.Meta, e.SpanID, OpTextMessage, Attributes{AttrContent: e.Delta})
			s.FinishTimeUS = at
			return s
		},
		func(s *Span) {
			fillContext(s, e.Meta)
			s.Attribute[AttrContent] = s.Attribute.String(AttrContent) + e.Delta
			// Deltas move the finish time forward until the message ends.
			if s.IsInProgress {
				s.FinishTimeUS = max(s.FinishTimeUS, at)
			}
		})
}
