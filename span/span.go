// Package span reconstructs timed operations from project stream events.
//
// The reducer is a pure function over an immutable span slice: Process never
// modifies its input and returns a new slice holding the upserted span. Every
// consumer keeps its own span set and feeds it the same events.
package span

import (
	"maps"
)

// Operation names assigned by the reducer. Custom span events carry their own
// operation name (an LLM provider name, "api_invoke", ...).
const (
	OpRun           = "run"
	OpAgent         = "agent"
	OpTask          = "task"
	OpStep          = "step"
	OpTextMessage   = "text_message"
	OpToolCall      = "tool_call"
	OpCost          = "cost"
	OpLLM           = "llm"
	OpLLMStop       = "llm_stop"
	OpAPIInvoke     = "api_invoke"
	OpRaw           = "raw"
	OpStateSnapshot = "state_snapshot"
	OpGenericSpan   = "span"
)

// Attribute keys written by the reducer.
const (
	AttrContent          = "content"
	AttrRole             = "role"
	AttrToolCallID       = "tool_call_id"
	AttrToolCallName     = "tool_call_name"
	AttrToolArguments    = "tool_arguments"
	AttrResult           = "result"
	AttrResultRole       = "result_role"
	AttrError            = "error"
	AttrErrorCode        = "error_code"
	AttrStateSnapshot    = "state_snapshot"
	AttrStateDelta       = "state_delta"
	AttrMessagesSnapshot = "messages_snapshot"
	AttrRawEvent         = "raw_event"
	AttrRawEventSource   = "raw_event_source"
	AttrRequest          = "request"
	AttrModelName        = "model_name"
	AttrProviderName     = "provider_name"
	AttrInput            = "input"
	AttrAgentName        = "langdb.agent_name"
	AttrTaskName         = "langdb.task_name"
	AttrStepName         = "langdb.step_name"
)

// Attributes is the open key/value bag of a span.
type Attributes map[string]any

// Span is a single timed operation. Times are Unix microseconds. A zero
// FinishTimeUS means the span has no finish time yet.
type Span struct {
	SpanID        string     `json:"span_id"`
	ParentSpanID  string     `json:"parent_span_id,omitempty"`
	OperationName string     `json:"operation_name"`
	ThreadID      string     `json:"thread_id"`
	RunID         string     `json:"run_id"`
	TraceID       string     `json:"trace_id"`
	StartTimeUS   int64      `json:"start_time_us"`
	FinishTimeUS  int64      `json:"finish_time_us,omitempty"`
	Attribute     Attributes `json:"attribute"`
	IsInProgress  bool       `json:"isInProgress"`
	IsInDebug     bool       `json:"isInDebug,omitempty"`
}

// Finished reports whether the span has a finish time.
func (s Span) Finished() bool {
	return s.FinishTimeUS != 0
}

// DurationUS returns the span duration in microseconds, or zero while the
// span has no finish time.
func (s Span) DurationUS() int64 {
	if !s.Finished() || s.FinishTimeUS < s.StartTimeUS {
		return 0
	}
	return s.FinishTimeUS - s.StartTimeUS
}

// String returns the attribute value for key when it is a string.
func (a Attributes) String(key string) string {
	v, _ := a[key].(string)
	return v
}

// filled returns a copy of a with the keys of src that a does not have yet.
func (a Attributes) filled(src map[string]any) Attributes {
	out := make(Attributes, len(a)+len(src))
	maps.Copy(out, a)
	for k, v := range src {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

// merged returns a copy of a overlaid by src.
func (a Attributes) merged(src map[string]any) Attributes {
	out := make(Attributes, len(a)+len(src))
	maps.Copy(out, a)
	maps.Copy(out, src)
	return out
}

// Clone returns a deep enough copy of s: the attribute map is copied, the
// values it holds are shared.
func (s Span) Clone() Span {
	s.Attribute = maps.Clone(s.Attribute)
	if s.Attribute == nil {
		s.Attribute = Attributes{}
	}
	return s
}

// Find returns the index of the span with id, or -1.
func Find(spans []Span, id string) int {
	if id == "" {
		return -1
	}
	for i := range spans {
		if spans[i].SpanID == id {
			return i
		}
	}
	return -1
}

// Merge upserts every span of src into dst in a single pass and returns the
// new slice. Spans of src replace spans of dst with the same ID. dst is not
// modified.
func Merge(dst, src []Span) []Span {
	if len(src) == 0 {
		return dst
	}

	index := make(map[string]int, len(dst)+len(src))
	out := make([]Span, len(dst), len(dst)+len(src))
	copy(out, dst)
	for i, s := range out {
		index[s.SpanID] = i
	}

	for _, s := range src {
		if i, ok := index[s.SpanID]; ok {
			out[i] = s
			continue
		}
		index[s.SpanID] = len(out)
		out = append(out, s)
	}
	return out
}
