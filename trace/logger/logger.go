// Package logger logs project stream events via slog.
//
// Events are grouped into families that can be enabled one by one. Lifecycle
// events log at Info, streamed deltas at Debug and run errors at Warn.
package logger

import (
	"context"
	"log/slog"

	"github.com/m-mizutani/spanwatch/event"
	"github.com/m-mizutani/spanwatch/stream"
)

// Family is a group of event kinds that can be selectively enabled.
type Family int

const (
	// Run enables logging of run start, finish and error.
	Run Family = iota
	// Agent enables logging of agent, task and step lifecycle.
	Agent
	// Message enables logging of text message streaming.
	Message
	// Tool enables logging of tool call streaming.
	Tool
	// State enables logging of state, messages snapshots and raw events.
	State
	// LLM enables logging of server side spans, LLM calls and cost.
	LLM
	// Breakpoint enables logging of paused requests and the intercept-all switch.
	Breakpoint
	// Custom enables logging of custom and unrecognized events.
	Custom

	familyCount // sentinel for iteration
)

type config struct {
	logger   *slog.Logger
	families map[Family]bool
}

// Option configures the event logger.
type Option func(*config)

// WithLogger sets a custom slog.Logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithFamilies enables only the specified families.
// When not specified, all families are enabled.
func WithFamilies(families ...Family) Option {
	return func(c *config) {
		c.families = make(map[Family]bool, len(families))
		for _, f := range families {
			c.families[f] = true
		}
	}
}

type handler struct {
	cfg config
}

// New creates a stream.Handler that logs events via slog.
// By default, all families are enabled. Use WithFamilies to enable only specific ones.
func New(opts ...Option) stream.Handler {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.families == nil {
		cfg.families = make(map[Family]bool, familyCount)
		for i := Family(0); i < familyCount; i++ {
			cfg.families[i] = true
		}
	}

	h := &handler{cfg: cfg}
	return h.handle
}

func (h *handler) logger() *slog.Logger {
	if h.cfg.logger != nil {
		return h.cfg.logger
	}
	return slog.Default()
}

// FamilyOf returns the family ev belongs to.
func FamilyOf(ev event.Event) Family {
	switch ev.(type) {
	case *event.RunStarted, *event.RunFinished, *event.RunError:
		return Run
	case *event.AgentStarted, *event.AgentFinished,
		*event.TaskStarted, *event.TaskFinished,
		*event.StepStarted, *event.StepFinished:
		return Agent
	case *event.TextMessageStart, *event.TextMessageContent, *event.TextMessageEnd:
		return Message
	case *event.ToolCallStart, *event.ToolCallArgs, *event.ToolCallEnd, *event.ToolCallResult:
		return Tool
	case *event.StateSnapshot, *event.StateDelta, *event.MessagesSnapshot, *event.Raw:
		return State
	case *event.Custom:
		body, _ := event.CustomBodyOf(ev)
		switch body.(type) {
		case *event.SpanStart, *event.SpanEnd, *event.LLMStart, *event.LLMStop, *event.Cost:
			return LLM
		case *event.Breakpoint, *event.BreakpointResume, *event.GlobalBreakpoint:
			return Breakpoint
		}
	}
	return Custom
}

func (h *handler) handle(ev event.Event) {
	if !h.cfg.families[FamilyOf(ev)] {
		return
	}

	ctx := context.Background()
	m := ev.Base()
	attrs := []any{
		slog.String("type", string(ev.Kind())),
		slog.String("run_id", m.RunID),
	}
	if m.ThreadID != "" {
		attrs = append(attrs, slog.String("thread_id", m.ThreadID))
	}
	if m.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", m.SpanID))
	}

	level := slog.LevelInfo
	switch x := ev.(type) {
	case *event.RunError:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("message", x.Message), slog.String("code", x.Code))
	case *event.AgentStarted:
		attrs = append(attrs, slog.String("name", x.Name))
	case *event.AgentFinished:
		attrs = append(attrs, slog.String("name", x.Name))
	case *event.TaskStarted:
		attrs = append(attrs, slog.String("name", x.Name))
	case *event.TaskFinished:
		attrs = append(attrs, slog.String("name", x.Name))
	case *event.StepStarted:
		attrs = append(attrs, slog.String("step_name", x.StepName))
	case *event.StepFinished:
		attrs = append(attrs, slog.String("step_name", x.StepName))
	case *event.TextMessageContent:
		level = slog.LevelDebug
		attrs = append(attrs, slog.Int("delta_len", len(x.Delta)))
	case *event.ToolCallStart:
		attrs = append(attrs, slog.String("tool_call_id", x.ToolCallID), slog.String("tool", x.ToolCallName))
	case *event.ToolCallArgs:
		level = slog.LevelDebug
		attrs = append(attrs, slog.String("tool_call_id", x.ToolCallID), slog.Int("delta_len", len(x.Delta)))
	case *event.ToolCallResult:
		attrs = append(attrs, slog.String("tool_call_id", x.ToolCallID))
	case *event.StateDelta, *event.StateSnapshot, *event.MessagesSnapshot:
		level = slog.LevelDebug
	case *event.Raw:
		level = slog.LevelDebug
		attrs = append(attrs, slog.String("source", x.Source))
	case *event.Custom:
		attrs = append(attrs, customAttrs(x)...)
	}

	h.logger().Log(ctx, level, "stream event", attrs...)
}

func customAttrs(x *event.Custom) []any {
	if x.Body == nil {
		return []any{slog.String("name", x.Name)}
	}

	attrs := []any{slog.String("custom_type", string(x.Body.CustomKind()))}
	switch b := x.Body.(type) {
	case *event.SpanStart:
		attrs = append(attrs, slog.String("operation", b.OperationName))
	case *event.SpanEnd:
		attrs = append(attrs, slog.String("operation", b.OperationName))
	case *event.LLMStart:
		attrs = append(attrs, slog.String("provider", b.ProviderName), slog.String("model", b.ModelName))
	case *event.LLMStop:
		attrs = append(attrs, slog.Any("usage", b.Usage))
	case *event.Cost:
		attrs = append(attrs, slog.Any("cost", b.Value))
	case *event.GlobalBreakpoint:
		attrs = append(attrs, slog.Bool("intercept_all", b.InterceptAll))
	}
	return attrs
}
