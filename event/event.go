// Package event defines the events pushed by the orchestration server on a
// project stream.
//
// Events form a closed two-level tagged union. The first level is selected by
// the "type" field (RunStarted, TextMessageContent, Custom, ...). Custom events
// wrap a second-level union selected by "event.type" (span_start, llm_stop,
// breakpoint, ...). Unknown tags at either level decode into Unknown and
// UnknownCustom so that additions on the server side never break a consumer.
package event

import (
	"encoding/json"
	"strconv"
	"time"
)

// Type is the first-level tag of an event.
type Type string

const (
	TypeRunStarted       Type = "RunStarted"
	TypeRunFinished      Type = "RunFinished"
	TypeRunError         Type = "RunError"
	TypeAgentStarted     Type = "AgentStarted"
	TypeAgentFinished    Type = "AgentFinished"
	TypeTaskStarted      Type = "TaskStarted"
	TypeTaskFinished     Type = "TaskFinished"
	TypeStepStarted      Type = "StepStarted"
	TypeStepFinished     Type = "StepFinished"
	TypeTextMessageStart Type = "TextMessageStart"
	TypeTextMessageDelta Type = "TextMessageContent"
	TypeTextMessageEnd   Type = "TextMessageEnd"
	TypeToolCallStart    Type = "ToolCallStart"
	TypeToolCallArgs     Type = "ToolCallArgs"
	TypeToolCallEnd      Type = "ToolCallEnd"
	TypeToolCallResult   Type = "ToolCallResult"
	TypeStateSnapshot    Type = "StateSnapshot"
	TypeStateDelta       Type = "StateDelta"
	TypeMessagesSnapshot Type = "MessagesSnapshot"
	TypeRaw              Type = "Raw"
	TypeCustom           Type = "Custom"
)

// Millis is a Unix timestamp in milliseconds. It accepts both integer and
// fractional JSON numbers.
type Millis int64

// UnmarshalJSON implements json.Unmarshaler.
func (m *Millis) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = 0
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*m = Millis(f)
	return nil
}

// Micros converts the timestamp to microseconds, the unit used by spans.
func (m Millis) Micros() int64 {
	return int64(m) * 1000
}

// MillisOf returns t as a Millis value.
func MillisOf(t time.Time) Millis {
	return Millis(t.UnixMilli())
}

// Meta is the context shared by every event. All fields except Timestamp are
// optional on the wire.
type Meta struct {
	Timestamp    Millis `json:"timestamp"`
	RunID        string `json:"run_id,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	SpanID       string `json:"span_id,omitempty"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

func (m *Meta) meta() *Meta { return m }

// Base returns the shared context of the event.
func (m *Meta) Base() Meta { return *m }

// Event is implemented by every first-level event struct in this package.
type Event interface {
	Kind() Type
	Base() Meta
	meta() *Meta
}

// Run lifecycle

type RunStarted struct {
	Meta
}

type RunFinished struct {
	Meta
	Result any `json:"result,omitempty"`
}

type RunError struct {
	Meta
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Agent, task and step lifecycle

type AgentStarted struct {
	Meta
	Name string `json:"name,omitempty"`
}

type AgentFinished struct {
	Meta
	Name string `json:"name,omitempty"`
}

type TaskStarted struct {
	Meta
	Name string `json:"name,omitempty"`
}

type TaskFinished struct {
	Meta
	Name string `json:"name,omitempty"`
}

type StepStarted struct {
	Meta
	StepName string `json:"step_name,omitempty"`
}

type StepFinished struct {
	Meta
	StepName string `json:"step_name,omitempty"`
}

// Text streaming

type TextMessageStart struct {
	Meta
	MessageID string `json:"message_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

type TextMessageContent struct {
	Meta
	MessageID string `json:"message_id,omitempty"`
	Delta     string `json:"delta"`
}

type TextMessageEnd struct {
	Meta
	MessageID string `json:"message_id,omitempty"`
}

// Tool-call streaming

type ToolCallStart struct {
	Meta
	ToolCallID      string `json:"tool_call_id,omitempty"`
	ToolCallName    string `json:"tool_call_name,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
}

type ToolCallArgs struct {
	Meta
	ToolCallID string `json:"tool_call_id,omitempty"`
	Delta      string `json:"delta"`
}

type ToolCallEnd struct {
	Meta
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type ToolCallResult struct {
	Meta
	MessageID  string `json:"message_id,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    any    `json:"content,omitempty"`
	Role       string `json:"role,omitempty"`
}

// State snapshots

type StateSnapshot struct {
	Meta
	Snapshot any `json:"snapshot,omitempty"`
}

type StateDelta struct {
	Meta
	Delta any `json:"delta,omitempty"`
}

type MessagesSnapshot struct {
	Meta
	Messages any `json:"messages,omitempty"`
}

// Raw passes through an event of a foreign protocol.
type Raw struct {
	Meta
	Event  any    `json:"event,omitempty"`
	Source string `json:"source,omitempty"`
}

// Unknown is an event whose first-level type is not recognized. Data keeps
// the original message.
type Unknown struct {
	Meta
	Type string          `json:"-"`
	Data json.RawMessage `json:"-"`
}

func (*RunStarted) Kind() Type         { return TypeRunStarted }
func (*RunFinished) Kind() Type        { return TypeRunFinished }
func (*RunError) Kind() Type           { return TypeRunError }
func (*AgentStarted) Kind() Type       { return TypeAgentStarted }
func (*AgentFinished) Kind() Type      { return TypeAgentFinished }
func (*TaskStarted) Kind() Type        { return TypeTaskStarted }
func (*TaskFinished) Kind() Type       { return TypeTaskFinished }
func (*StepStarted) Kind() Type        { return TypeStepStarted }
func (*StepFinished) Kind() Type       { return TypeStepFinished }
func (*TextMessageStart) Kind() Type   { return TypeTextMessageStart }
func (*TextMessageContent) Kind() Type { return TypeTextMessageDelta }
func (*TextMessageEnd) Kind() Type     { return TypeTextMessageEnd }
func (*ToolCallStart) Kind() Type      { return TypeToolCallStart }
func (*ToolCallArgs) Kind() Type       { return TypeToolCallArgs }
func (*ToolCallEnd) Kind() Type        { return TypeToolCallEnd }
func (*ToolCallResult) Kind() Type     { return TypeToolCallResult }
func (*StateSnapshot) Kind() Type      { return TypeStateSnapshot }
func (*StateDelta) Kind() Type         { return TypeStateDelta }
func (*MessagesSnapshot) Kind() Type   { return TypeMessagesSnapshot }
func (*Raw) Kind() Type                { return TypeRaw }
func (*Custom) Kind() Type             { return TypeCustom }
func (x *Unknown) Kind() Type          { return Type(x.Type) }

// ToolCallKey returns the identifier of the tool call span: the span ID when
// present, otherwise the tool call ID.
func ToolCallKey(meta Meta, toolCallID string) string {
	if meta.SpanID != "" {
		return meta.SpanID
	}
	return toolCallID
}
