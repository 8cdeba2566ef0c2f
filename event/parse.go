package event

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// ErrMalformedEvent is returned by Parse for messages that are not a JSON
// object with a "type" field, or whose fields do not match their type.
var ErrMalformedEvent = errors.New("malformed event")

var constructors = map[Type]func() Event{
	TypeRunStarted:       func() Event { return &RunStarted{} },
	TypeRunFinished:      func() Event { return &RunFinished{} },
	TypeRunError:         func() Event { return &RunError{} },
	TypeAgentStarted:     func() Event { return &AgentStarted{} },
	TypeAgentFinished:    func() Event { return &AgentFinished{} },
	TypeTaskStarted:      func() Event { return &TaskStarted{} },
	TypeTaskFinished:     func() Event { return &TaskFinished{} },
	TypeStepStarted:      func() Event { return &StepStarted{} },
	TypeStepFinished:     func() Event { return &StepFinished{} },
	TypeTextMessageStart: func() Event { return &TextMessageStart{} },
	TypeTextMessageDelta: func() Event { return &TextMessageContent{} },
	TypeTextMessageEnd:   func() Event { return &TextMessageEnd{} },
	TypeToolCallStart:    func() Event { return &ToolCallStart{} },
	TypeToolCallArgs:     func() Event { return &ToolCallArgs{} },
	TypeToolCallEnd:      func() Event { return &ToolCallEnd{} },
	TypeToolCallResult:   func() Event { return &ToolCallResult{} },
	TypeStateSnapshot:    func() Event { return &StateSnapshot{} },
	TypeStateDelta:       func() Event { return &StateDelta{} },
	TypeMessagesSnapshot: func() Event { return &MessagesSnapshot{} },
	TypeRaw:              func() Event { return &Raw{} },
	TypeCustom:           func() Event { return &Custom{} },
}

// Parse decodes one stream message. A missing or zero timestamp is replaced
// by now. Unknown first-level types decode into *Unknown.
func Parse(data []byte, now time.Time) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, goerr.Wrap(ErrMalformedEvent, err.Error())
	}
	if head.Type == "" {
		return nil, goerr.Wrap(ErrMalformedEvent, "type is missing")
	}

	var ev Event
	if newEvent, ok := constructors[Type(head.Type)]; ok {
		ev = newEvent()
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, goerr.Wrap(ErrMalformedEvent, err.Error(), goerr.V("type", head.Type))
		}
	} else {
		unknown := &Unknown{Type: head.Type, Data: append(json.RawMessage(nil), data...)}
		// Unknown events still carry the shared context.
		if err := json.Unmarshal(data, &unknown.Meta); err != nil {
			return nil, goerr.Wrap(ErrMalformedEvent, err.Error(), goerr.V("type", head.Type))
		}
		ev = unknown
	}

	if m := ev.meta(); m.Timestamp == 0 {
		m.Timestamp = MillisOf(now)
	}
	return ev, nil
}

// ParseList decodes a JSON array of events, as returned in the buffered
// events of a paused breakpoint.
func ParseList(data []byte, now time.Time) ([]Event, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, goerr.Wrap(ErrMalformedEvent, err.Error())
	}

	events := make([]Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := Parse(raw, now)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to parse event in list", goerr.V("index", i))
		}
		events = append(events, ev)
	}
	return events, nil
}

// Marshal encodes ev in the wire format, including its "type" field.
func Marshal(ev Event) ([]byte, error) {
	if u, ok := ev.(*Unknown); ok && len(u.Data) > 0 {
		return u.Data, nil
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal event", goerr.V("type", ev.Kind()))
	}
	return withType(raw, string(ev.Kind())), nil
}

// CustomBodyOf returns the second-level body of ev when ev is a Custom event.
func CustomBodyOf(ev Event) (CustomBody, bool) {
	c, ok := ev.(*Custom)
	if !ok || c.Body == nil {
		return nil, false
	}
	return c.Body, true
}

// withType injects "type" as the first field of a JSON object.
func withType(obj []byte, typ string) []byte {
	quoted := strconv.Quote(typ)
	if len(obj) < 2 || obj[0] != '{' {
		return obj
	}
	out := make([]byte, 0, len(obj)+len(quoted)+9)
	out = append(out, `{"type":`...)
	out = append(out, quoted...)
	if len(obj) > 2 {
		out = append(out, ',')
	}
	out = append(out, obj[1:]...)
	return out
}
