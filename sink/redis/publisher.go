// Package redis relays stream events and run summaries to Redis.
//
// Events are published as JSON on {prefix}:{project}:events, summaries on
// {prefix}:{project}:runs. The latest summary of every run is also kept in
// the hash {prefix}:{project}:summaries so that late subscribers can catch
// up.
package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/event"
	"github.com/m-mizutani/spanwatch/run"
	"github.com/m-mizutani/spanwatch/stream"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "spanwatch"

	// Connection timeouts
	connectTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
	writeTimeout   = 5 * time.Second
)

// Commander is the subset of the go-redis client used by Publisher.
type Commander interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
	HSet(ctx context.Context, key string, values ...any) *goredis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *goredis.BoolCmd
}

// Dial connects to the Redis server at url and checks the connection.
func Dial(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse redis url")
	}
	opts.DialTimeout = connectTimeout
	opts.ReadTimeout = readTimeout
	opts.WriteTimeout = writeTimeout

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, goerr.Wrap(err, "failed to connect to redis", goerr.V("addr", opts.Addr))
	}
	return client, nil
}

// Option is a functional option for configuring a Publisher.
type Option func(*Publisher)

// WithPrefix sets the key prefix. Default is DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.prefix = prefix
	}
}

// WithTTL sets the expiration of the summary hash. It is refreshed on every
// summary. Zero keeps the hash forever.
func WithTTL(ttl time.Duration) Option {
	return func(p *Publisher) {
		p.ttl = ttl
	}
}

// WithLogger sets the logger used by the stream handler.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// Publisher writes events and summaries of one project to Redis.
type Publisher struct {
	client    Commander
	projectID string
	prefix    string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewPublisher creates a Publisher for projectID.
func NewPublisher(client Commander, projectID string, opts ...Option) *Publisher {
	p := &Publisher{
		client:    client,
		projectID: projectID,
		prefix:    DefaultPrefix,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// EventsChannel returns the channel events are published on.
func (p *Publisher) EventsChannel() string {
	return p.key("events")
}

// RunsChannel returns the channel summaries are published on.
func (p *Publisher) RunsChannel() string {
	return p.key("runs")
}

// SummariesKey returns the hash holding the latest summary of every run.
func (p *Publisher) SummariesKey() string {
	return p.key("summaries")
}

func (p *Publisher) key(name string) string {
	return p.prefix + ":" + p.projectID + ":" + name
}

// PublishEvent publishes ev in its wire format.
func (p *Publisher) PublishEvent(ctx context.Context, ev event.Event) error {
	data, err := event.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.EventsChannel(), data).Err(); err != nil {
		return goerr.Wrap(err, "failed to publish event",
			goerr.V("channel", p.EventsChannel()),
			goerr.V("type", ev.Kind()),
		)
	}
	return nil
}

// PublishSummary publishes s and stores it as the latest summary of its run.
func (p *Publisher) PublishSummary(ctx context.Context, s *run.Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal summary", goerr.V("run_id", s.RunID))
	}

	if err := p.client.HSet(ctx, p.SummariesKey(), s.RunID, data).Err(); err != nil {
		return goerr.Wrap(err, "failed to store summary",
			goerr.V("key", p.SummariesKey()),
			goerr.V("run_id", s.RunID),
		)
	}
	if p.ttl > 0 {
		if err := p.client.Expire(ctx, p.SummariesKey(), p.ttl).Err(); err != nil {
			return goerr.Wrap(err, "failed to set summary expiration", goerr.V("key", p.SummariesKey()))
		}
	}
	if err := p.client.Publish(ctx, p.RunsChannel(), data).Err(); err != nil {
		return goerr.Wrap(err, "failed to publish summary",
			goerr.V("channel", p.RunsChannel()),
			goerr.V("run_id", s.RunID),
		)
	}
	return nil
}

// Handler returns a stream.Handler relaying every event. Failures are
// logged and do not stop the stream.
func (p *Publisher) Handler(ctx context.Context) stream.Handler {
	return func(ev event.Event) {
		if err := p.PublishEvent(ctx, ev); err != nil {
			p.logger.Warn("failed to relay event", "error", err)
		}
	}
}
