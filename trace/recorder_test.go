package trace_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/spanwatch/internal"
	"github.com/m-mizutani/spanwatch/span"
	"github.com/m-mizutani/spanwatch/trace"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestRecorderSavesEveryRecordWithoutInterval(t *testing.T) {
	repo := &mockRepository{}
	rec := trace.New(repo)
	ctx := context.Background()

	s := newSnapshot("R1")
	gt.NoError(t, rec.Record(ctx, "R1", s.Spans, s.Summary))
	gt.NoError(t, rec.Record(ctx, "R1", s.Spans, s.Summary))
	gt.A(t, repo.saved).Length(2)
}

func TestRecorderThrottle(t *testing.T) {
	repo := &mockRepository{}
	clock := &manualClock{now: time.Unix(1000, 0)}
	rec := trace.New(repo,
		trace.WithInterval(time.Second),
		trace.WithClock(clock.Now),
		trace.WithLogger(internal.TestLogger()),
	)
	ctx := context.Background()
	s := newSnapshot("R1")

	// First record of a run is saved immediately.
	gt.NoError(t, rec.Record(ctx, "R1", s.Spans[:1], s.Summary))
	gt.A(t, repo.saved).Length(1)

	clock.Advance(100 * time.Millisecond)
	gt.NoError(t, rec.Record(ctx, "R1", s.Spans, s.Summary))
	gt.A(t, repo.saved).Length(1)
	gt.A(t, rec.Snapshot("R1").Spans).Length(2)

	// Another run has its own window.
	gt.NoError(t, rec.Record(ctx, "R2", s.Spans, s.Summary))
	gt.A(t, repo.saved).Length(2)

	clock.Advance(time.Second)
	gt.NoError(t, rec.Record(ctx, "R1", s.Spans, s.Summary))
	gt.A(t, repo.saved).Length(3)
	gt.Equal(t, repo.saved[2].RunID, "R1")
	gt.A(t, repo.saved[2].Spans).Length(2)
}

func TestRecorderFlush(t *testing.T) {
	repo := &mockRepository{}
	clock := &manualClock{now: time.Unix(1000, 0)}
	rec := trace.New(repo, trace.WithInterval(time.Minute), trace.WithClock(clock.Now))
	ctx := context.Background()
	s := newSnapshot("R1")

	gt.NoError(t, rec.Record(ctx, "R2", s.Spans, s.Summary))
	gt.NoError(t, rec.Record(ctx, "R1", s.Spans, s.Summary))
	gt.NoError(t, rec.Record(ctx, "R2", s.Spans[:1], s.Summary))
	gt.NoError(t, rec.Record(ctx, "R1", s.Spans[:1], s.Summary))
	gt.A(t, repo.saved).Length(2)

	gt.NoError(t, rec.Flush(ctx))
	gt.A(t, repo.saved).Length(4)
	gt.Equal(t, repo.saved[2].RunID, "R1")
	gt.Equal(t, repo.saved[3].RunID, "R2")
	gt.A(t, repo.saved[3].Spans).Length(1)

	// Nothing pending anymore.
	gt.NoError(t, rec.Flush(ctx))
	gt.A(t, repo.saved).Length(4)
}

func TestRecorderRetriesFailedSaveOnFlush(t *testing.T) {
	errSave := errors.New("disk full")
	fail := true
	repo := &mockRepository{
		SaveFunc: func(context.Context, *trace.Snapshot) error {
			if fail {
				return errSave
			}
			return nil
		},
	}
	rec := trace.New(repo, trace.WithInterval(time.Minute))
	ctx := context.Background()
	s := newSnapshot("R1")

	err := rec.Record(ctx, "R1", s.Spans, s.Summary)
	gt.True(t, errors.Is(err, errSave))

	err = rec.Flush(ctx)
	gt.True(t, errors.Is(err, errSave))

	fail = false
	gt.NoError(t, rec.Flush(ctx))
	gt.A(t, repo.saved).Length(3)
}

func TestRecorderDoesNotAliasSpans(t *testing.T) {
	rec := trace.New(&mockRepository{})
	spans := []span.Span{{SpanID: "a"}}

	gt.NoError(t, rec.Record(context.Background(), "R1", spans, nil))
	spans[0].SpanID = "changed"
	gt.Equal(t, rec.Snapshot("R1").Spans[0].SpanID, "a")
	gt.Value(t, rec.Snapshot("missing")).Nil()
}

func TestRecorderRejectsInvalidRunID(t *testing.T) {
	repo := &mockRepository{}
	rec := trace.New(repo)

	err := rec.Record(context.Background(), "../x", nil, nil)
	gt.True(t, errors.Is(err, trace.ErrInvalidRunID))
	gt.A(t, repo.saved).Length(0)
}
