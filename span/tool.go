package span

import (
	"github.com/m-mizutani/spanwatch/event"
)

// findToolCall resolves a tool call span. Servers may omit span_id on tool
// call deltas, so the span ID and the tool call ID both identify the call.
func findToolCall(spans []Span, spanID, toolCallID string) int {
	if idx := Find(spans, spanID); idx >= 0 {
		return idx
	}
	if toolCallID == "" {
		return -1
	}
	if idx := Find(spans, toolCallID); idx >= 0 {
		return idx
	}
	for i := range spans {
		if spans[i].OperationName == OpToolCall && spans[i].Attribute.String(AttrToolCallID) == toolCallID {
			return i
		}
	}
	return -1
}

// upsertToolCall is upsert keyed by findToolCall. id names a created span.
func upsertToolCall(spans []Span, m event.Meta, toolCallID, id string, create func() Span, update func(*Span)) []Span {
	idx := findToolCall(spans, m.SpanID, toolCallID)
	if idx < 0 {
		if id == "" || create == nil {
			return spans
		}
		return upsert(spans, id, create, update)
	}
	return upsert(spans, spans[idx].SpanID, create, update)
}

func toolCallStart(spans []Span, e *event.ToolCallStart) []Span {
	id := event.ToolCallKey(e.Meta, e.ToolCallID)
	if id == "" {
		id = synthesizedID(OpToolCall, e.Meta)
	}
	attrs := Attributes{
		AttrToolCallID:   e.ToolCallID,
		AttrToolCallName: e.ToolCallName,
	}
	return upsertToolCall(spans, e.Meta, e.ToolCallID, id,
		func() Span { return newSpan(e.Meta, id, OpToolCall, attrs) },
		func(s *Span) {
			fillContext(s, e.Meta)
			markStarted(s, e.Timestamp.Micros())
			s.Attribute = s.Attribute.filled(attrs)
			if s.Attribute.String(AttrToolCallName) == "" && e.ToolCallName != "" {
				s.Attribute[AttrToolCallName] = e.ToolCallName
			}
		})
}

func toolCallArgs(spans []Span, e *event.ToolCallArgs) []Span {
	id := event.ToolCallKey(e.Meta, e.ToolCallID)
	return upsertToolCall(spans, e.Meta, e.ToolCallID, id,
		func() Span {
			return newSpan(e.Meta, id, OpToolCall, Attributes{
				AttrToolCallID:    e.ToolCallID,
				AttrToolArguments: e.Delta,
			})
		},
		func(s *Span) {
			fillContext(s, e.Meta)
			s.Attribute[AttrToolArguments] = s.Attribute.String(AttrToolArguments) + e.Delta
		})
}

func toolCallEnd(spans []Span, e *event.ToolCallEnd) []Span {
	id := event.ToolCallKey(e.Meta, e.ToolCallID)
	return upsertToolCall(spans, e.Meta, e.ToolCallID, id,
		func() Span {
			return newClosedSpan(e.Meta, id, OpToolCall, Attributes{AttrToolCallID: e.ToolCallID})
		},
		func(s *Span) {
			fillContext(s, e.Meta)
			markFinished(s, e.Timestamp.Micros())
		})
}

// toolCallResult attaches the result without closing the span; ToolCallEnd
// closes it.
func toolCallResult(spans []Span, e *event.ToolCallResult) []Span {
	id := event.ToolCallKey(e.Meta, e.ToolCallID)
	result := map[string]any{
		AttrResult:     e.Content,
		AttrResultRole: e.Role,
	}
	return upsertToolCall(spans, e.Meta, e.ToolCallID, id,
		func() Span {
			return newSpan(e.Meta, id, OpToolCall, Attributes{AttrToolCallID: e.ToolCallID}.merged(result))
		},
		func(s *Span) {
			fillContext(s, e.Meta)
			s.Attribute = s.Attribute.merged(result)
		})
}
