// Package otel exports reconstructed runs to OpenTelemetry.
//
// Spans reach their final shape only when the run is over: parents close
// after their children and attributes keep arriving until then. The exporter
// therefore emits a whole run at once, walking the span hierarchy so that
// every OTel span is started under its parent, with the original start and
// finish times.
//
// Basic usage with global TracerProvider:
//
//	exp := otel.New()
//	exp.Observe(ctx, runID, spans)
//
// With explicit TracerProvider:
//
//	exp := otel.New(otel.WithTracerProvider(tp))
package otel

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/spanwatch/span"
	otelAPI "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/m-mizutani/spanwatch"
)

// Option is a functional option for configuring the Exporter.
type Option func(*Exporter)

// WithTracerProvider sets an explicit TracerProvider.
// If not set, the global TracerProvider is used.
func WithTracerProvider(tp otelTrace.TracerProvider) Option {
	return func(e *Exporter) {
		e.tracerProvider = tp
	}
}

// Exporter emits the spans of a run as OpenTelemetry spans. Each run is
// exported at most once.
type Exporter struct {
	tracerProvider otelTrace.TracerProvider
	tracer         otelTrace.Tracer

	mu       sync.Mutex
	exported map[string]struct{}
}

// New creates a new Exporter.
// If no TracerProvider is specified via options, the global TracerProvider is used.
func New(opts ...Option) *Exporter {
	e := &Exporter{
		exported: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.tracerProvider == nil {
		e.tracerProvider = otelAPI.GetTracerProvider()
	}
	e.tracer = e.tracerProvider.Tracer(tracerName)

	return e
}

// Observe exports the run once its run span has finished. It reports
// whether the run was exported by this call.
func (e *Exporter) Observe(ctx context.Context, runID string, spans []span.Span) bool {
	if !runFinished(spans) {
		return false
	}
	return e.ExportRun(ctx, runID, spans)
}

// Exported reports whether runID has already been exported.
func (e *Exporter) Exported(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.exported[runID]
	return ok
}

// ExportRun exports spans regardless of the run state. Open spans end at
// the latest time seen in the run and are marked in progress. It reports false when the run was exported before or has no
// spans.
func (e *Exporter) ExportRun(ctx context.Context, runID string, spans []span.Span) bool {
	if len(spans) == 0 {
		return false
	}

	e.mu.Lock()
	if _, ok := e.exported[runID]; ok {
		e.mu.Unlock()
		return false
	}
	e.exported[runID] = struct{}{}
	e.mu.Unlock()

	last := latestTime(spans)
	for _, root := range span.BuildTree(spans) {
		e.export(ctx, root, last, otelTrace.WithNewRoot())
	}
	return true
}

func (e *Exporter) export(ctx context.Context, n *span.Node, lastUS int64, opts ...otelTrace.SpanStartOption) {
	start := time.UnixMicro(n.StartTimeUS)
	open := isOpen(n.Span)
	endUS := n.FinishTimeUS
	if open {
		endUS = lastUS
	}
	end := time.UnixMicro(max(endUS, n.StartTimeUS))

	name := n.OperationName
	if name == "" {
		name = span.OpGenericSpan
	}

	attrs := identityAttrs(n.Span)
	if open {
		attrs = append(attrs, attribute.Bool(keyInProgress, true))
	}
	for _, k := range slices.Sorted(maps.Keys(n.Attribute)) {
		attrs = append(attrs, valueAttr(k, n.Attribute[k]))
	}

	opts = append(opts,
		otelTrace.WithTimestamp(start),
		otelTrace.WithSpanKind(spanKind(n.Span)),
		otelTrace.WithAttributes(attrs...),
	)
	ctx, s := e.tracer.Start(ctx, name, opts...)

	if msg := n.Attribute.String(span.AttrError); msg != "" {
		s.SetStatus(codes.Error, msg)
	}

	for _, child := range n.Children {
		e.export(ctx, child, lastUS)
	}
	s.End(otelTrace.WithTimestamp(end))
}

func spanKind(s span.Span) otelTrace.SpanKind {
	switch s.OperationName {
	case span.OpLLM, span.OpLLMStop, span.OpAPIInvoke:
		return otelTrace.SpanKindClient
	}
	if s.Attribute.String(span.AttrProviderName) != "" {
		return otelTrace.SpanKindClient
	}
	return otelTrace.SpanKindInternal
}

// isOpen reports whether s has not been closed yet. Content deltas advance
// the finish time of a span that is still in progress.
func isOpen(s span.Span) bool {
	return s.IsInProgress || !s.Finished()
}

func runFinished(spans []span.Span) bool {
	for _, s := range spans {
		if s.OperationName == span.OpRun && !isOpen(s) {
			return true
		}
	}
	return false
}

func latestTime(spans []span.Span) int64 {
	var last int64
	for _, s := range spans {
		last = max(last, s.StartTimeUS, s.FinishTimeUS)
	}
	return last
}
