package otel

import (
	"encoding/json"
	"fmt"

	"github.com/m-mizutani/spanwatch/span"
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys identifying the reconstructed span.
const (
	keySpanID     = "spanwatch.span_id"
	keyRunID      = "spanwatch.run_id"
	keyThreadID   = "spanwatch.thread_id"
	keyTraceID    = "spanwatch.trace_id"
	keyInProgress = "spanwatch.in_progress"
	keyDebug      = "spanwatch.in_debug"
	attrPrefix    = "spanwatch.attribute."
)

func identityAttrs(s span.Span) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(keySpanID, s.SpanID),
		attribute.String(keyRunID, s.RunID),
	}
	if s.ThreadID != "" {
		attrs = append(attrs, attribute.String(keyThreadID, s.ThreadID))
	}
	if s.TraceID != "" {
		attrs = append(attrs, attribute.String(keyTraceID, s.TraceID))
	}
	if s.IsInDebug {
		attrs = append(attrs, attribute.Bool(keyDebug, true))
	}
	return attrs
}

// valueAttr converts one span attribute. Scalars keep their type, anything
// else is JSON encoded.
func valueAttr(key string, v any) attribute.KeyValue {
	k := attrPrefix + key
	switch x := v.(type) {
	case string:
		return attribute.String(k, x)
	case bool:
		return attribute.Bool(k, x)
	case float64:
		return attribute.Float64(k, x)
	case int:
		return attribute.Int(k, x)
	case int64:
		return attribute.Int64(k, x)
	case nil:
		return attribute.String(k, "")
	}
	if b, err := json.Marshal(v); err == nil {
		return attribute.String(k, string(b))
	}
	return attribute.String(k, fmt.Sprint(v))
}
