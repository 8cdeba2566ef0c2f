package span_test

import (
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/spanwatch/event"
	"github.com/m-mizutani/spanwatch/internal"
	"github.com/m-mizutani/spanwatch/span"
)

func meta(ts int64, spanID string) event.Meta {
	return event.Meta{Timestamp: event.Millis(ts), RunID: "R", ThreadID: "T", SpanID: spanID}
}

func apply(spans []span.Span, events ...event.Event) []span.Span {
	for _, ev := range events {
		spans = span.Process(spans, ev)
	}
	return spans
}

func find(t *testing.T, spans []span.Span, id string) span.Span {
	t.Helper()
	idx := span.Find(spans, id)
	if idx < 0 {
		t.Fatalf("span %q not found", id)
	}
	return spans[idx]
}

func TestEndToEndTextMessage(t *testing.T) {
	child := meta(2, "S1")
	child.ParentSpanID = "S0"

	spans := apply(nil,
		&event.RunStarted{Meta: meta(1, "S0")},
		&event.TextMessageStart{Meta: child, Role: "assistant"},
		&event.TextMessageContent{Meta: meta(3, "S1"), Delta: "Hel"},
		&event.TextMessageContent{Meta: meta(4, "S1"), Delta: "lo"},
		&event.TextMessageEnd{Meta: meta(5, "S1")},
		&event.RunFinished{Meta: meta(6, "S0")},
	)

	gt.A(t, spans).Length(2)

	run := find(t, spans, "S0")
	gt.Equal(t, run.OperationName, span.OpRun)
	gt.False(t, run.IsInProgress)
	gt.Equal(t, run.StartTimeUS, int64(1000))
	gt.Equal(t, run.FinishTimeUS, int64(6000))

	msg := find(t, spans, "S1")
	gt.Equal(t, msg.OperationName, span.OpTextMessage)
	gt.Equal(t, msg.ParentSpanID, "S0")
	gt.Equal(t, msg.Attribute.String(span.AttrContent), "Hello")
	gt.Equal(t, msg.Attribute.String(span.AttrRole), "assistant")
	gt.False(t, msg.IsInProgress)
	gt.Equal(t, msg.FinishTimeUS, int64(5000))
}

func TestContentBeforeStart(t *testing.T) {
	spans := apply(nil,
		&event.TextMessageContent{Meta: meta(2, "S"), Delta: "b"},
		&event.TextMessageStart{Meta: meta(1, "S"), Role: "assistant"},
	)

	gt.A(t, spans).Length(1)
	s := spans[0]
	gt.Equal(t, s.OperationName, span.OpTextMessage)
	gt.S(t, s.Attribute.String(span.AttrContent)).Contains("b")
	gt.Equal(t, s.Attribute.String(span.AttrRole), "assistant")
	gt.True(t, s.IsInProgress)
}

func TestContentAdvancesFinishWhileOpen(t *testing.T) {
	spans := apply(nil,
		&event.TextMessageStart{Meta: meta(1, "S")},
		&event.TextMessageContent{Meta: meta(3, "S"), Delta: "a"},
		&event.TextMessageContent{Meta: meta(2, "S"), Delta: "b"},
	)
	gt.Equal(t, spans[0].FinishTimeUS, int64(3000))
	gt.True(t, spans[0].IsInProgress)
}

func TestIdempotentRedelivery(t *testing.T) {
	cost := meta(9, "C1")
	testCases := map[string]event.Event{
		"run started":  &event.RunStarted{Meta: meta(1, "S0")},
		"run finished": &event.RunFinished{Meta: meta(2, "S0")},
		"run error":    &event.RunError{Meta: meta(2, "S0"), Message: "boom", Code: "500"},
		"agent":        &event.AgentStarted{Meta: meta(1, "A"), Name: "planner"},
		"step end":     &event.StepFinished{Meta: meta(3, "P"), StepName: "search"},
		"message":      &event.TextMessageStart{Meta: meta(1, "M"), Role: "assistant"},
		"message end":  &event.TextMessageEnd{Meta: meta(1, "M")},
		"tool start":   &event.ToolCallStart{Meta: meta(1, ""), ToolCallID: "call_1", ToolCallName: "search"},
		"tool end":     &event.ToolCallEnd{Meta: meta(2, ""), ToolCallID: "call_1"},
		"tool result":  &event.ToolCallResult{Meta: meta(2, ""), ToolCallID: "call_1", Content: "ok", Role: "tool"},
		"snapshot":     &event.StateSnapshot{Meta: meta(1, "X"), Snapshot: map[string]any{"a": 1}},
		"raw":          &event.Raw{Meta: meta(1, "W"), Event: "payload", Source: "test"},
		"span start": &event.Custom{Meta: meta(1, "G"), Body: &event.SpanStart{
			OperationName: "openai", StartTimeUnixNano: 1_000_000,
		}},
		"span end": &event.Custom{Meta: meta(1, "G"), Body: &event.SpanEnd{
			OperationName: "openai", StartTimeUnixNano: 1_000_000, FinishTimeUnixNano: 5_000_000,
			Attributes: map[string]any{"model": "gpt"},
		}},
		"llm stop":   &event.Custom{Meta: meta(4, "L"), Body: &event.LLMStop{Usage: map[string]any{"input_tokens": 3}}},
		"cost":       &event.Custom{Meta: cost, Body: &event.Cost{Value: map[string]any{"cost": 0.1}}},
		"breakpoint": &event.Custom{Meta: meta(1, "B"), Body: &event.Breakpoint{Request: map[string]any{"model": "x"}}},
	}

	for name, ev := range testCases {
		t.Run(name, func(t *testing.T) {
			base := apply(nil, &event.RunStarted{Meta: meta(0, "S0")})
			once := apply(base, ev)
			twice := apply(once, ev)
			gt.Equal(t, twice, once)
		})
	}
}

func TestDuplicateContentDoubleAppends(t *testing.T) {
	delta := &event.TextMessageContent{Meta: meta(1, "S"), Delta: "a"}
	spans := apply(nil, delta, delta)
	gt.Equal(t, spans[0].Attribute.String(span.AttrContent), "aa")
}

func TestProcessDoesNotMutateInput(t *testing.T) {
	base := apply(nil, &event.TextMessageContent{Meta: meta(1, "S"), Delta: "a"})
	next := apply(base, &event.TextMessageContent{Meta: meta(2, "S"), Delta: "b"})

	gt.Equal(t, base[0].Attribute.String(span.AttrContent), "a")
	gt.Equal(t, next[0].Attribute.String(span.AttrContent), "ab")

	grown := apply(base, &event.RunStarted{Meta: meta(3, "S0")})
	gt.A(t, base).Length(1)
	gt.A(t, grown).Length(2)
}

func TestSynthesizedFinish(t *testing.T) {
	spans := apply(nil, &event.RunFinished{Meta: meta(7, "S0")})
	gt.A(t, spans).Length(1)
	gt.Equal(t, spans[0].OperationName, span.OpRun)
	gt.False(t, spans[0].IsInProgress)
	gt.Equal(t, spans[0].StartTimeUS, int64(7000))
	gt.Equal(t, spans[0].FinishTimeUS, int64(7000))
}

func TestRunKeys(t *testing.T) {
	t.Run("run id when span id is absent", func(t *testing.T) {
		spans := apply(nil,
			&event.RunStarted{Meta: event.Meta{Timestamp: 1, RunID: "R"}},
			&event.RunFinished{Meta: event.Meta{Timestamp: 2, RunID: "R"}},
		)
		gt.A(t, spans).Length(1)
		gt.Equal(t, spans[0].SpanID, "R")
		gt.False(t, spans[0].IsInProgress)
	})

	t.Run("synthesized id is stable on redelivery", func(t *testing.T) {
		ev := &event.RunStarted{Meta: event.Meta{Timestamp: 42}}
		spans := apply(nil, ev, ev)
		gt.A(t, spans).Length(1)
		gt.Equal(t, spans[0].SpanID, "run_42")
	})

	t.Run("finish without any id is ignored", func(t *testing.T) {
		spans := apply(nil, &event.RunFinished{Meta: event.Meta{Timestamp: 2}})
		gt.A(t, spans).Length(0)
	})
}

func TestStartNeverReopens(t *testing.T) {
	spans := apply(nil,
		&event.RunStarted{Meta: meta(1, "S0")},
		&event.RunFinished{Meta: meta(5, "S0")},
		&event.RunStarted{Meta: meta(3, "S0")},
	)
	gt.False(t, spans[0].IsInProgress)
	gt.Equal(t, spans[0].StartTimeUS, int64(1000))
	gt.Equal(t, spans[0].FinishTimeUS, int64(5000))
}

func TestFinishKeepsLatest(t *testing.T) {
	spans := apply(nil,
		&event.StepFinished{Meta: meta(9, "P")},
		&event.StepFinished{Meta: meta(4, "P")},
	)
	gt.Equal(t, spans[0].FinishTimeUS, int64(9000))
}

func TestRunError(t *testing.T) {
	spans := apply(nil,
		&event.RunStarted{Meta: meta(1, "S0")},
		&event.RunError{Meta: meta(2, "S0"), Message: "rate limited", Code: "429"},
	)
	gt.False(t, spans[0].IsInProgress)
	gt.Equal(t, spans[0].Attribute.String(span.AttrError), "rate limited")
	gt.Equal(t, spans[0].Attribute.String(span.AttrErrorCode), "429")
}

func TestNamedLifecycle(t *testing.T) {
	spans := apply(nil,
		&event.AgentStarted{Meta: meta(1, "A"), Name: "planner"},
		&event.TaskStarted{Meta: meta(2, "K"), Name: "research"},
		&event.StepStarted{Meta: meta(3, "P"), StepName: "search"},
		&event.StepFinished{Meta: meta(4, "P")},
		&event.TaskFinished{Meta: meta(5, "K")},
		&event.AgentFinished{Meta: meta(6, "A")},
	)

	gt.A(t, spans).Length(3)
	gt.Equal(t, find(t, spans, "A").Attribute.String(span.AttrAgentName), "planner")
	gt.Equal(t, find(t, spans, "K").Attribute.String(span.AttrTaskName), "research")
	gt.Equal(t, find(t, spans, "P").Attribute.String(span.AttrStepName), "search")
	for _, s := range spans {
		gt.False(t, s.IsInProgress)
	}
}

func TestToolCallFallbackKey(t *testing.T) {
	t.Run("args without span id accumulate by tool call id", func(t *testing.T) {
		spans := apply(nil,
			&event.ToolCallArgs{Meta: meta(1, ""), ToolCallID: "call_1", Delta: `{"q":`},
			&event.ToolCallArgs{Meta: meta(2, ""), ToolCallID: "call_1", Delta: `"go"}`},
		)
		gt.A(t, spans).Length(1)
		gt.Equal(t, spans[0].SpanID, "call_1")
		gt.Equal(t, spans[0].OperationName, span.OpToolCall)
		gt.Equal(t, spans[0].Attribute.String(span.AttrToolArguments), `{"q":"go"}`)
	})

	t.Run("span id and tool call id address the same call", func(t *testing.T) {
		spans := apply(nil,
			&event.ToolCallStart{Meta: meta(1, "S2"), ToolCallID: "call_1", ToolCallName: "search"},
			&event.ToolCallArgs{Meta: meta(2, ""), ToolCallID: "call_1", Delta: "{}"},
			&event.ToolCallResult{Meta: meta(3, ""), ToolCallID: "call_1", Content: "found", Role: "tool"},
			&event.ToolCallEnd{Meta: meta(4, "S2"), ToolCallID: "call_1"},
		)
		gt.A(t, spans).Length(1)
		s := spans[0]
		gt.Equal(t, s.SpanID, "S2")
		gt.Equal(t, s.Attribute.String(span.AttrToolCallName), "search")
		gt.Equal(t, s.Attribute.String(span.AttrToolArguments), "{}")
		gt.Equal(t, s.Attribute.String(span.AttrResult), "found")
		gt.Equal(t, s.Attribute.String(span.AttrResultRole), "tool")
		gt.False(t, s.IsInProgress)
	})

	t.Run("result does not close the call", func(t *testing.T) {
		spans := apply(nil,
			&event.ToolCallStart{Meta: meta(1, ""), ToolCallID: "call_2"},
			&event.ToolCallResult{Meta: meta(2, ""), ToolCallID: "call_2", Content: "x"},
		)
		gt.True(t, spans[0].IsInProgress)
	})
}

func TestBreakpointLifecycle(t *testing.T) {
	spans := apply(nil,
		&event.Custom{Meta: meta(1, "S"), Body: &event.Breakpoint{Request: map[string]any{"model": "gpt"}}},
	)
	gt.A(t, spans).Length(1)
	gt.Equal(t, spans[0].OperationName, span.OpAPIInvoke)
	gt.True(t, spans[0].IsInDebug)
	gt.Value(t, spans[0].Attribute[span.AttrRequest]).NotNil()

	spans = apply(spans, &event.Custom{Meta: meta(2, "S"), Body: &event.BreakpointResume{}})
	gt.A(t, spans).Length(1)
	gt.False(t, spans[0].IsInDebug)
	gt.Equal(t, spans[0].SpanID, "S")
}

func TestPureClosersIgnoreMissingSpan(t *testing.T) {
	testCases := map[string]event.Event{
		"text message end":  &event.TextMessageEnd{Meta: meta(1, "S")},
		"breakpoint resume": &event.Custom{Meta: meta(1, "S"), Body: &event.BreakpointResume{}},
	}
	for name, ev := range testCases {
		t.Run(name, func(t *testing.T) {
			gt.A(t, apply(nil, ev)).Length(0)
		})
	}
}

func TestCustomSpanTimes(t *testing.T) {
	spans := apply(nil,
		&event.Custom{Meta: meta(99, "G"), Body: &event.SpanStart{
			OperationName:     "openai",
			StartTimeUnixNano: 1_700_000_000_000_000_000,
			Attributes:        map[string]any{"label": "first"},
		}},
	)
	gt.Equal(t, spans[0].StartTimeUS, int64(1_700_000_000_000_000))
	gt.True(t, spans[0].IsInProgress)

	spans = apply(spans,
		&event.Custom{Meta: meta(100, "G"), Body: &event.SpanEnd{
			OperationName:      "openai",
			StartTimeUnixNano:  1_700_000_000_000_000_000,
			FinishTimeUnixNano: 1_700_000_000_500_000_000,
			Attributes:         map[string]any{"label": "final", "usage": map[string]any{"input_tokens": 10}},
		}},
	)
	s := spans[0]
	gt.False(t, s.IsInProgress)
	gt.Equal(t, s.FinishTimeUS, int64(1_700_000_000_500_000))
	gt.Equal(t, s.DurationUS(), int64(500_000))
	gt.Equal(t, s.Attribute.String("label"), "final")
}

func TestSpanEndWithoutStart(t *testing.T) {
	spans := apply(nil,
		&event.Custom{Meta: meta(1, "G"), Body: &event.SpanEnd{
			OperationName:      "api_invoke",
			StartTimeUnixNano:  2_000_000,
			FinishTimeUnixNano: 3_000_000,
		}},
	)
	gt.A(t, spans).Length(1)
	gt.Equal(t, spans[0].StartTimeUS, int64(2000))
	gt.Equal(t, spans[0].FinishTimeUS, int64(3000))
	gt.False(t, spans[0].IsInProgress)
}

func TestLLMLifecycle(t *testing.T) {
	spans := apply(nil,
		&event.Custom{Meta: meta(1, "L"), Body: &event.LLMStart{ProviderName: "openai", ModelName: "gpt-4o", Input: "hi"}},
	)
	gt.Equal(t, spans[0].OperationName, "openai")
	gt.Equal(t, spans[0].Attribute.String(span.AttrModelName), "gpt-4o")
	gt.True(t, spans[0].IsInProgress)

	spans = apply(spans,
		&event.Custom{Meta: meta(3, "L"), Body: &event.LLMStop{Output: "hello", Usage: map[string]any{"output_tokens": 2}}},
	)
	gt.False(t, spans[0].IsInProgress)
	gt.Equal(t, spans[0].FinishTimeUS, int64(3000))
	gt.Equal(t, spans[0].Attribute.String("output"), "hello")
	gt.Value(t, spans[0].Attribute["usage"]).NotNil()
}

func TestCostMergesAttributes(t *testing.T) {
	t.Run("existing span", func(t *testing.T) {
		spans := apply(nil,
			&event.Custom{Meta: meta(1, "L"), Body: &event.LLMStart{ProviderName: "openai"}},
			&event.Custom{Meta: meta(2, "L"), Body: &event.Cost{Value: map[string]any{"cost": 0.25, "input_tokens": 10.0}}},
		)
		gt.A(t, spans).Length(1)
		gt.Equal(t, spans[0].OperationName, "openai")
		gt.Equal(t, spans[0].Attribute["cost"], any(0.25))
		gt.False(t, spans[0].IsInProgress)
	})

	t.Run("missing span", func(t *testing.T) {
		spans := apply(nil,
			&event.Custom{Meta: meta(2, "C"), Body: &event.Cost{Value: map[string]any{"cost": 0.5}}},
		)
		gt.A(t, spans).Length(1)
		gt.Equal(t, spans[0].OperationName, span.OpCost)
		gt.Equal(t, spans[0].Attribute["cost"], any(0.5))
		gt.False(t, spans[0].IsInProgress)
	})
}

func TestIgnoredEvents(t *testing.T) {
	base := apply(nil, &event.RunStarted{Meta: meta(1, "S0")})
	testCases := map[string]event.Event{
		"ping":              &event.Custom{Meta: meta(2, "S0"), Body: &event.Ping{}},
		"global breakpoint": &event.Custom{Meta: meta(2, "S0"), Body: &event.GlobalBreakpoint{InterceptAll: true}},
		"custom event":      &event.Custom{Meta: meta(2, "S0"), Body: &event.CustomEvent{Payload: map[string]any{"k": "v"}}},
		"named custom":      &event.Custom{Meta: meta(2, "S0"), Name: "thread_title", Value: "hi"},
		"unknown custom":    &event.Custom{Meta: meta(2, "S0"), Body: &event.UnknownCustom{Type: "future_tag"}},
		"unknown event":     &event.Unknown{Meta: meta(2, "S0"), Type: "FutureEvent"},
	}
	for name, ev := range testCases {
		t.Run(name, func(t *testing.T) {
			gt.Equal(t, apply(base, ev), base)
		})
	}
}

func TestReducerWithLogger(t *testing.T) {
	r := span.NewReducer(span.WithLogger(internal.TestLogger()))
	spans := r.Apply(nil, &event.Unknown{Meta: meta(1, "X"), Type: "FutureEvent"})
	gt.A(t, spans).Length(0)
}
