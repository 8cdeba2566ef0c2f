package run

import (
	"encoding/json"
	"strconv"

	"github.com/m-mizutani/spanwatch/span"
)

// Data is what a single span contributes to its run.
type Data struct {
	Cost         float64
	InputTokens  int64
	OutputTokens int64
	Errors       []string
	Model        string
	RequestModel string
	Tool         string
}

// Extractor reads the contribution of one span.
type Extractor func(s span.Span) Data

// Attribute keys read by DefaultExtractor.
const (
	AttrUsage = "usage"
	AttrCost  = "cost"
)

// DefaultExtractor reads cost and token usage written by llm_stop and cost
// events, errors, the model of LLM spans, the requested model of api_invoke
// spans and the tool name of tool calls. Usage and cost payloads may be
// objects or JSON-encoded strings.
func DefaultExtractor(s span.Span) Data {
	var d Data

	usage := asObject(s.Attribute[AttrUsage])
	if usage != nil {
		d.InputTokens = int64(firstNumber(usage, "input_tokens", "prompt_tokens"))
		d.OutputTokens = int64(firstNumber(usage, "output_tokens", "completion_tokens"))
	}

	switch v := s.Attribute[AttrCost].(type) {
	case nil:
		d.Cost = firstNumber(usage, "cost")
	default:
		if n, ok := asNumber(v); ok {
			d.Cost = n
			break
		}
		obj := asObject(v)
		d.Cost = firstNumber(obj, "cost")
		if usage == nil {
			d.InputTokens = int64(firstNumber(obj, "input_tokens", "prompt_tokens"))
			d.OutputTokens = int64(firstNumber(obj, "output_tokens", "completion_tokens"))
		}
	}

	if msg := s.Attribute.String(span.AttrError); msg != "" {
		d.Errors = []string{msg}
	}

	d.Model = s.Attribute.String(span.AttrModelName)
	if req := asObject(s.Attribute[span.AttrRequest]); req != nil {
		d.RequestModel, _ = req["model"].(string)
	}
	if s.OperationName == span.OpToolCall {
		d.Tool = s.Attribute.String(span.AttrToolCallName)
	}
	return d
}

func asObject(v any) map[string]any {
	switch x := v.(type) {
	case map[string]any:
		return x
	case span.Attributes:
		return x
	case string:
		var obj map[string]any
		if err := json.Unmarshal([]byte(x), &obj); err != nil {
			return nil
		}
		return obj
	case json.RawMessage:
		var obj map[string]any
		if err := json.Unmarshal(x, &obj); err != nil {
			return nil
		}
		return obj
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// firstNumber returns the first non-zero number among keys.
func firstNumber(obj map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if n, ok := asNumber(obj[k]); ok && n != 0 {
			return n
		}
	}
	return 0
}
