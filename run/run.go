// Package run folds the spans of a run into a Summary.
//
// A Summary is rebuilt from the full span set on every update. Spans are
// re-delivered and updated in place on the stream, so adding deltas to a
// previous total would count the same span twice.
package run

import (
	"cmp"
	"slices"

	"github.com/m-mizutani/spanwatch/span"
)

// Summary is the run-level rollup of a span set.
type Summary struct {
	RunID         string   `json:"run_id"`
	ThreadIDs     []string `json:"thread_ids"`
	TraceIDs      []string `json:"trace_ids"`
	RootSpanIDs   []string `json:"root_span_ids"`
	StartTimeUS   int64    `json:"start_time_us"`
	FinishTimeUS  int64    `json:"finish_time_us"`
	Cost          float64  `json:"cost"`
	InputTokens   int64    `json:"input_tokens"`
	OutputTokens  int64    `json:"output_tokens"`
	Errors        []string `json:"errors"`
	UsedModels    []string `json:"used_models"`
	RequestModels []string `json:"request_models"`
	UsedTools     []string `json:"used_tools"`
}

// New returns an empty summary of runID.
func New(runID string) *Summary {
	return &Summary{
		RunID:         runID,
		ThreadIDs:     []string{},
		TraceIDs:      []string{},
		RootSpanIDs:   []string{},
		Errors:        []string{},
		UsedModels:    []string{},
		RequestModels: []string{},
		UsedTools:     []string{},
	}
}

// Finished reports whether any span of the run has finished.
func (s *Summary) Finished() bool {
	return s.FinishTimeUS != 0
}

// DurationUS returns the time between the earliest start and the latest
// finish, or zero while nothing has finished.
func (s *Summary) DurationUS() int64 {
	if s.FinishTimeUS < s.StartTimeUS {
		return 0
	}
	return s.FinishTimeUS - s.StartTimeUS
}

type config struct {
	extract Extractor
}

// Option configures UpdatedWithSpans.
type Option func(*config)

// WithExtractor replaces DefaultExtractor.
func WithExtractor(extract Extractor) Option {
	return func(c *config) {
		c.extract = extract
	}
}

// UpdatedWithSpans recomputes the summary of runID from spans. prev carries
// the watermarks of an earlier summary: its start time is kept once set and
// its finish time never moves backwards. prev is not modified. An empty span
// set yields an empty summary that still carries prev's watermarks.
func UpdatedWithSpans(runID string, spans []span.Span, prev *Summary, opts ...Option) *Summary {
	cfg := config{extract: DefaultExtractor}
	for _, opt := range opts {
		opt(&cfg)
	}

	out := New(runID)
	if prev != nil {
		out.StartTimeUS = prev.StartTimeUS
		out.FinishTimeUS = prev.FinishTimeUS
	}
	if len(spans) == 0 {
		return out
	}

	sorted := slices.Clone(spans)
	slices.SortStableFunc(sorted, func(a, b span.Span) int {
		return cmp.Compare(a.StartTimeUS, b.StartTimeUS)
	})

	threads := newSet()
	traces := newSet()
	roots := newSet()
	models := newSet()
	requested := newSet()
	tools := newSet()

	for _, s := range sorted {
		d := cfg.extract(s)
		out.Cost += d.Cost
		out.InputTokens += d.InputTokens
		out.OutputTokens += d.OutputTokens
		out.Errors = append(out.Errors, d.Errors...)

		threads.add(s.ThreadID)
		traces.add(s.TraceID)
		if s.ParentSpanID == "" {
			roots.add(s.SpanID)
		}
		models.add(d.Model)
		requested.add(d.RequestModel)
		tools.add(d.Tool)

		if out.StartTimeUS == 0 {
			out.StartTimeUS = s.StartTimeUS
		}
		out.FinishTimeUS = max(out.FinishTimeUS, s.FinishTimeUS)
	}

	out.ThreadIDs = threads.items
	out.TraceIDs = traces.items
	out.RootSpanIDs = roots.items
	out.UsedModels = models.items
	out.RequestModels = requested.items
	out.UsedTools = tools.items
	return out
}

// set keeps insertion order and skips empty strings.
type set struct {
	seen  map[string]struct{}
	items []string
}

func newSet() *set {
	return &set{seen: map[string]struct{}{}, items: []string{}}
}

func (x *set) add(v string) {
	if v == "" {
		return
	}
	if _, ok := x.seen[v]; ok {
		return
	}
	x.seen[v] = struct{}{}
	x.items = append(x.items, v)
}
