package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/spanwatch/event"
	"github.com/m-mizutani/spanwatch/internal"
	"github.com/m-mizutani/spanwatch/run"
	spanredis "github.com/m-mizutani/spanwatch/sink/redis"
	goredis "github.com/redis/go-redis/v9"
)

type published struct {
	channel string
	message []byte
}

type fakeRedis struct {
	published []published
	hash      map[string]map[string][]byte
	ttl       map[string]time.Duration
	err       error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hash: map[string]map[string][]byte{},
		ttl:  map[string]time.Duration{},
	}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.published = append(f.published, published{channel: channel, message: message.([]byte)})
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...any) *goredis.IntCmd {
	cmd := goredis.NewIntCmd(ctx, append([]any{"hset", key}, values...)...)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if f.hash[key] == nil {
		f.hash[key] = map[string][]byte{}
	}
	for i := 0; i+1 < len(values); i += 2 {
		f.hash[key][values[i].(string)] = values[i+1].([]byte)
	}
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd {
	cmd := goredis.NewBoolCmd(ctx, "expire", key, expiration)
	f.ttl[key] = expiration
	cmd.SetVal(true)
	return cmd
}

func TestPublishEvent(t *testing.T) {
	fake := newFakeRedis()
	pub := spanredis.NewPublisher(fake, "P1")

	ev := &event.RunStarted{Meta: event.Meta{Timestamp: 1, RunID: "R1"}}
	gt.NoError(t, pub.PublishEvent(context.Background(), ev))

	gt.A(t, fake.published).Length(1)
	gt.Equal(t, fake.published[0].channel, "spanwatch:P1:events")

	parsed, err := event.Parse(fake.published[0].message, time.Now())
	gt.NoError(t, err)
	gt.Equal(t, parsed.Kind(), event.TypeRunStarted)
	gt.Equal(t, parsed.Base().RunID, "R1")
}

func TestPublishSummary(t *testing.T) {
	fake := newFakeRedis()
	pub := spanredis.NewPublisher(fake, "P1", spanredis.WithPrefix("sw"), spanredis.WithTTL(time.Hour))

	s := run.New("R1")
	s.Cost = 0.5
	gt.NoError(t, pub.PublishSummary(context.Background(), s))

	gt.Equal(t, pub.SummariesKey(), "sw:P1:summaries")
	stored := fake.hash["sw:P1:summaries"]["R1"]
	var got run.Summary
	gt.NoError(t, json.Unmarshal(stored, &got))
	gt.Equal(t, got.Cost, 0.5)
	gt.Equal(t, fake.ttl["sw:P1:summaries"], time.Hour)

	gt.A(t, fake.published).Length(1)
	gt.Equal(t, fake.published[0].channel, "sw:P1:runs")
}

func TestPublishSummaryWithoutTTL(t *testing.T) {
	fake := newFakeRedis()
	pub := spanredis.NewPublisher(fake, "P1")

	gt.NoError(t, pub.PublishSummary(context.Background(), run.New("R1")))
	gt.Equal(t, len(fake.ttl), 0)
}

func TestPublishErrors(t *testing.T) {
	errDown := errors.New("connection refused")
	fake := newFakeRedis()
	fake.err = errDown
	pub := spanredis.NewPublisher(fake, "P1", spanredis.WithLogger(internal.TestLogger()))
	ctx := context.Background()

	err := pub.PublishEvent(ctx, &event.RunStarted{})
	gt.True(t, errors.Is(err, errDown))

	err = pub.PublishSummary(ctx, run.New("R1"))
	gt.True(t, errors.Is(err, errDown))

	// The handler swallows the failure.
	pub.Handler(ctx)(&event.RunStarted{})
	gt.A(t, fake.published).Length(0)
}

func TestHandlerRelaysEvents(t *testing.T) {
	fake := newFakeRedis()
	pub := spanredis.NewPublisher(fake, "P1")
	h := pub.Handler(context.Background())

	h(&event.RunStarted{Meta: event.Meta{RunID: "R1"}})
	h(&event.RunFinished{Meta: event.Meta{RunID: "R1"}})
	gt.A(t, fake.published).Length(2)
	gt.Equal(t, pub.EventsChannel(), "spanwatch:P1:events")
}
