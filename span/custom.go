package span

import (
	"log/slog"

	"github.com/m-mizutani/spanwatch/event"
)

func (r *Reducer) applyCustom(spans []Span, e *event.Custom) []Span {
	switch body := e.Body.(type) {
	case nil:
		// Named custom events without a body describe threads, not spans.
		return spans

	case *event.SpanStart:
		id := startKey(e.Meta, OpGenericSpan)
		startUS := e.Timestamp.Micros()
		if body.StartTimeUnixNano > 0 {
			startUS = body.StartTimeUnixNano / 1000
		}
		return upsert(spans, id,
			func() Span {
				s := newSpan(e.Meta, id, body.OperationName, Attributes(body.Attributes).filled(nil))
				s.StartTimeUS = startUS
				return s
			},
			func(s *Span) {
				fillContext(s, e.Meta)
				markStarted(s, startUS)
				if s.OperationName == "" {
					s.OperationName = body.OperationName
				}
				s.Attribute = s.Attribute.filled(body.Attributes)
			})

	case *event.SpanEnd:
		if e.SpanID == "" {
			return spans
		}
		startUS := body.StartTimeUnixNano / 1000
		finishUS := body.FinishTimeUnixNano / 1000
		if finishUS == 0 {
			finishUS = e.Timestamp.Micros()
		}
		if startUS == 0 {
			startUS = finishUS
		}
		return upsert(spans, e.SpanID,
			func() Span {
				s := newSpan(e.Meta, e.SpanID, body.OperationName, Attributes(body.Attributes).filled(nil))
				s.StartTimeUS = startUS
				s.FinishTimeUS = finishUS
				s.IsInProgress = false
				return s
			},
			func(s *Span) {
				fillContext(s, e.Meta)
				if body.OperationName != "" {
					s.OperationName = body.OperationName
				}
				markStarted(s, startUS)
				markFinished(s, finishUS)
				s.Attribute = s.Attribute.merged(body.Attributes)
			})

	case *event.LLMStart:
		if e.SpanID == "" {
			return spans
		}
		op := body.ProviderName
		if op == "" {
			op = OpLLM
		}
		attrs := Attributes{
			AttrProviderName: body.ProviderName,
			AttrModelName:    body.ModelName,
			AttrInput:        body.Input,
		}
		return upsert(spans, e.SpanID,
			func() Span { return newSpan(e.Meta, e.SpanID, op, attrs) },
			func(s *Span) {
				fillContext(s, e.Meta)
				markStarted(s, e.Timestamp.Micros())
				s.Attribute = s.Attribute.merged(map[string]any{
					AttrModelName: body.ModelName,
					AttrInput:     body.Input,
				})
			})

	case *event.LLMStop:
		if e.SpanID == "" {
			return spans
		}
		attrs := Attributes{}
		if body.Output != nil {
			attrs["output"] = body.Output
		}
		if body.Usage != nil {
			attrs["usage"] = body.Usage
		}
		return upsert(spans, e.SpanID,
			func() Span { return newClosedSpan(e.Meta, e.SpanID, OpLLMStop, attrs) },
			func(s *Span) {
				fillContext(s, e.Meta)
				markFinished(s, e.Timestamp.Micros())
				s.Attribute = s.Attribute.merged(attrs)
			})

	case *event.Cost:
		if e.SpanID == "" {
			return spans
		}
		return upsert(spans, e.SpanID,
			func() Span { return newClosedSpan(e.Meta, e.SpanID, OpCost, Attributes(body.Value).filled(nil)) },
			func(s *Span) {
				fillContext(s, e.Meta)
				markFinished(s, e.Timestamp.Micros())
				s.Attribute = s.Attribute.merged(body.Value)
			})

	case *event.Breakpoint:
		if e.SpanID == "" {
			return spans
		}
		return upsert(spans, e.SpanID,
			func() Span {
				s := newSpan(e.Meta, e.SpanID, OpAPIInvoke, Attributes{AttrRequest: body.Request})
				s.IsInDebug = true
				return s
			},
			func(s *Span) {
				fillContext(s, e.Meta)
				s.IsInDebug = true
				s.Attribute = s.Attribute.merged(map[string]any{AttrRequest: body.Request})
			})

	case *event.BreakpointResume:
		// Resuming never creates a span, it only clears the debug flag.
		return upsert(spans, e.SpanID, nil, func(s *Span) {
			s.IsInDebug = false
		})

	case *event.Ping, *event.GlobalBreakpoint, *event.CustomEvent:
		return spans

	case *event.UnknownCustom:
		r.logger.Warn("ignore unknown custom event type",
			slog.String("type", body.Type),
			slog.String("run_id", e.RunID),
			slog.String("span_id", e.SpanID),
		)
		return spans
	}

	return spans
}
