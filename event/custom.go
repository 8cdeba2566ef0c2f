package event

import (
	"encoding/json"
)

// CustomType is the second-level tag carried by Custom events in "event.type".
type CustomType string

const (
	CustomSpanStart        CustomType = "span_start"
	CustomSpanEnd          CustomType = "span_end"
	CustomLLMStart         CustomType = "llm_start"
	CustomLLMStop          CustomType = "llm_stop"
	CustomCost             CustomType = "cost"
	CustomPing             CustomType = "ping"
	CustomBreakpoint       CustomType = "breakpoint"
	CustomBreakpointResume CustomType = "breakpoint_resume"
	CustomGlobalBreakpoint CustomType = "global_breakpoint"
	CustomCustomEvent      CustomType = "custom_event"
)

// Custom is the envelope for server specific events. Body is nil when the
// message has no "event" object (a plain named custom event).
type Custom struct {
	Meta
	Name  string     `json:"name,omitempty"`
	Value any        `json:"value,omitempty"`
	Body  CustomBody `json:"-"`
}

// CustomBody is implemented by every second-level event struct.
type CustomBody interface {
	CustomKind() CustomType
}

// SpanStart opens a span described by the server.
type SpanStart struct {
	OperationName     string         `json:"operation_name"`
	Attributes        map[string]any `json:"attributes,omitempty"`
	StartTimeUnixNano int64          `json:"start_time_unix_nano,omitempty"`
}

// SpanEnd carries a finished span. Its times are Unix nanoseconds.
type SpanEnd struct {
	OperationName      string         `json:"operation_name"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	StartTimeUnixNano  int64          `json:"start_time_unix_nano"`
	FinishTimeUnixNano int64          `json:"finish_time_unix_nano"`
}

type LLMStart struct {
	ProviderName string `json:"provider_name"`
	ModelName    string `json:"model_name,omitempty"`
	Input        any    `json:"input,omitempty"`
}

type LLMStop struct {
	Output any            `json:"output,omitempty"`
	Usage  map[string]any `json:"usage,omitempty"`
}

// Cost reports the cost and token usage of an LLM call. Value is merged into
// the span attributes as is, typically {"cost": 0.01, "usage": {...}}.
type Cost struct {
	Value map[string]any `json:"value"`
}

type Ping struct{}

// Breakpoint reports a request paused on the server.
type Breakpoint struct {
	Request any `json:"request,omitempty"`
}

type BreakpointResume struct{}

// GlobalBreakpoint reports a change of the intercept-all switch. Any paused
// request list held by a consumer is reset by it.
type GlobalBreakpoint struct {
	InterceptAll bool `json:"intercept_all"`
}

// CustomEvent is an application defined payload forwarded as is.
type CustomEvent struct {
	Payload map[string]any `json:"-"`
}

// UnknownCustom is a second-level tag this package does not know.
type UnknownCustom struct {
	Type    string          `json:"-"`
	Payload json.RawMessage `json:"-"`
}

func (*SpanStart) CustomKind() CustomType        { return CustomSpanStart }
func (*SpanEnd) CustomKind() CustomType          { return CustomSpanEnd }
func (*LLMStart) CustomKind() CustomType         { return CustomLLMStart }
func (*LLMStop) CustomKind() CustomType          { return CustomLLMStop }
func (*Cost) CustomKind() CustomType             { return CustomCost }
func (*Ping) CustomKind() CustomType             { return CustomPing }
func (*Breakpoint) CustomKind() CustomType       { return CustomBreakpoint }
func (*BreakpointResume) CustomKind() CustomType { return CustomBreakpointResume }
func (*GlobalBreakpoint) CustomKind() CustomType { return CustomGlobalBreakpoint }
func (*CustomEvent) CustomKind() CustomType      { return CustomCustomEvent }
func (x *UnknownCustom) CustomKind() CustomType  { return CustomType(x.Type) }

var customBodies = map[CustomType]func() CustomBody{
	CustomSpanStart:        func() CustomBody { return &SpanStart{} },
	CustomSpanEnd:          func() CustomBody { return &SpanEnd{} },
	CustomLLMStart:         func() CustomBody { return &LLMStart{} },
	CustomLLMStop:          func() CustomBody { return &LLMStop{} },
	CustomCost:             func() CustomBody { return &Cost{} },
	CustomPing:             func() CustomBody { return &Ping{} },
	CustomBreakpoint:       func() CustomBody { return &Breakpoint{} },
	CustomBreakpointResume: func() CustomBody { return &BreakpointResume{} },
	CustomGlobalBreakpoint: func() CustomBody { return &GlobalBreakpoint{} },
}

type customWire struct {
	Meta
	Name  string          `json:"name,omitempty"`
	Value any             `json:"value,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (x *Custom) UnmarshalJSON(data []byte) error {
	var w customWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	x.Meta = w.Meta
	x.Name = w.Name
	x.Value = w.Value
	x.Body = nil

	if len(w.Event) == 0 || string(w.Event) == "null" {
		return nil
	}

	body, err := decodeCustomBody(w.Event)
	if err != nil {
		return err
	}
	x.Body = body
	return nil
}

// MarshalJSON implements json.Marshaler. The top-level "type" field is added
// by Marshal.
func (x *Custom) MarshalJSON() ([]byte, error) {
	w := customWire{Meta: x.Meta, Name: x.Name, Value: x.Value}
	if x.Body != nil {
		raw, err := marshalCustomBody(x.Body)
		if err != nil {
			return nil, err
		}
		w.Event = raw
	}
	return json.Marshal(w)
}

func decodeCustomBody(data json.RawMessage) (CustomBody, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch CustomType(head.Type) {
	case CustomCustomEvent:
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		delete(payload, "type")
		return &CustomEvent{Payload: payload}, nil
	}

	newBody, ok := customBodies[CustomType(head.Type)]
	if !ok {
		return &UnknownCustom{Type: head.Type, Payload: append(json.RawMessage(nil), data...)}, nil
	}

	body := newBody()
	if err := json.Unmarshal(data, body); err != nil {
		return nil, err
	}
	return body, nil
}

func marshalCustomBody(body CustomBody) ([]byte, error) {
	switch v := body.(type) {
	case *UnknownCustom:
		return v.Payload, nil
	case *CustomEvent:
		payload := make(map[string]any, len(v.Payload)+1)
		for k, val := range v.Payload {
			payload[k] = val
		}
		payload["type"] = string(CustomCustomEvent)
		return json.Marshal(payload)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return withType(raw, string(body.CustomKind())), nil
}
