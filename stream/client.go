// Package stream maintains the live event stream of a project and fans its
// events out to subscribers.
//
// A Client owns at most one connection. Every connect attempt is tagged with
// an epoch; work started for an older epoch (a slow response, a pending
// retry, queued events) is discarded once a newer attempt or a Disconnect has
// replaced it.
package stream

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/event"
)

var payloadScope = ctxlog.NewScope("stream_payload", ctxlog.EnabledBy("SPANWATCH_LOGGING_STREAM_PAYLOAD"))

const (
	DefaultEventsPath   = "/events"
	DefaultRetryBase    = time.Second
	DefaultMaxRetries   = 5
	DefaultFlushTimeout = 50 * time.Millisecond
	DefaultQueueSize    = 1024
)

// Client is the transport of a project event stream.
type Client struct {
	baseURL      string
	eventsPath   string
	apiKey       string
	httpClient   *http.Client
	clock        Clock
	retryBase    time.Duration
	maxRetries   int
	flushTimeout time.Duration
	queueSize    int
	maxEventSize int
	logger       *slog.Logger
	metrics      Metrics
	onState      func(State)
	isNoise      func(event.Event) bool
	registry     *Registry

	mu         sync.Mutex
	projectID  string
	epoch      uint64
	connecting bool
	cancel     context.CancelFunc
	state      State
}

// Option configures a Client.
type Option func(*Client)

// WithProjectID sets the project whose stream is opened.
func WithProjectID(projectID string) Option {
	return func(c *Client) {
		c.projectID = projectID
	}
}

// WithEventsPath sets the path of the stream endpoint. Default is "/events".
func WithEventsPath(path string) Option {
	return func(c *Client) {
		c.eventsPath = path
	}
}

// WithAPIKey sets a bearer token sent with the stream request.
func WithAPIKey(apiKey string) Option {
	return func(c *Client) {
		c.apiKey = apiKey
	}
}

// WithHTTPClient sets the HTTP client. It must not time out the whole
// request, the stream is long lived.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithClock sets the time source for timestamps, backoff and flush timers.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithRetry sets the backoff base delay and the number of retries after
// which the client gives up.
func WithRetry(base time.Duration, maxRetries int) Option {
	return func(c *Client) {
		c.retryBase = base
		c.maxRetries = maxRetries
	}
}

// WithFlushTimeout bounds how long parsed events wait before delivery while
// the stream stays busy.
func WithFlushTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.flushTimeout = d
	}
}

// WithQueueSize sets the capacity of the delivery queue.
func WithQueueSize(n int) Option {
	return func(c *Client) {
		c.queueSize = n
	}
}

// WithMaxEventSize sets the largest stream message accepted. Larger
// messages are dropped and the connection stays open. Default is
// DefaultMaxEventSize.
func WithMaxEventSize(n int) Option {
	return func(c *Client) {
		c.maxEventSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithStateHandler sets a callback invoked on every state transition.
func WithStateHandler(fn func(State)) Option {
	return func(c *Client) {
		c.onState = fn
	}
}

// WithNoiseFilter replaces IsNoise as the filter of dropped events.
func WithNoiseFilter(fn func(event.Event) bool) Option {
	return func(c *Client) {
		c.isNoise = fn
	}
}

// New creates a Client for the server at baseURL. The client is idle until
// Connect is called.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		eventsPath:   DefaultEventsPath,
		httpClient:   http.DefaultClient,
		clock:        realClock{},
		retryBase:    DefaultRetryBase,
		maxRetries:   DefaultMaxRetries,
		flushTimeout: DefaultFlushTimeout,
		queueSize:    DefaultQueueSize,
		maxEventSize: DefaultMaxEventSize,
		logger:       slog.New(slog.DiscardHandler),
		metrics:      nopMetrics{},
		onState:      func(State) {},
		isNoise:      IsNoise,
		state:        newState(PhaseIdle, 0, nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.registry = NewRegistry(c.logger)
	return c
}

// IsNoise reports events that are never fanned out: ping keepalives and
// Custom events that belong to no run.
func IsNoise(ev event.Event) bool {
	c, ok := ev.(*event.Custom)
	if !ok || c.Body == nil {
		return false
	}
	if _, ok := c.Body.(*event.Ping); ok {
		return true
	}
	return c.RunID == ""
}

// Subscribe registers handler under id. See Registry.Subscribe.
func (c *Client) Subscribe(id string, handler Handler, filter Filter) (func(), error) {
	return c.registry.Subscribe(id, handler, filter)
}

// Events returns a channel subscription. See Registry.Events.
func (c *Client) Events(ctx context.Context, filter Filter, buffer int) <-chan event.Event {
	return c.registry.Events(ctx, filter, buffer)
}

// Registry returns the subscriber registry of the client.
func (c *Client) Registry() *Registry {
	return c.registry
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ProjectID returns the current project.
func (c *Client) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID
}

// Connect starts a connection in the background and returns immediately. It
// fails with ErrConnectInFlight while another attempt is opening the stream.
// An established connection is torn down first. The connection lives until
// Disconnect, a terminal failure, or the end of ctx.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.projectID == "" {
		c.mu.Unlock()
		return goerr.Wrap(ErrNoProject, "failed to connect")
	}
	if c.connecting {
		c.mu.Unlock()
		return goerr.Wrap(ErrConnectInFlight, "failed to connect", goerr.V("project_id", c.projectID))
	}

	c.teardownLocked()
	c.epoch++
	epoch := c.epoch
	projectID := c.projectID
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.connecting = true
	st := newState(PhaseConnecting, 0, nil)
	c.state = st
	c.mu.Unlock()
	c.notify(st)

	logger := c.logger.With("project_id", projectID, "epoch", epoch)
	runCtx = ctxlog.With(runCtx, logger)

	d := newDispatcher(c.queueSize, c.flushTimeout, c.clock, func(batch []queued) {
		c.deliver(epoch, batch)
	})
	go d.run(runCtx)
	go c.loop(runCtx, epoch, projectID, d)
	return nil
}

// Disconnect tears down the connection. Pending retries and queued events of
// the connection are discarded.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.teardownLocked()
	c.epoch++
	c.connecting = false
	st := newState(PhaseDisconnected, 0, nil)
	c.state = st
	c.mu.Unlock()
	c.notify(st)
}

// SetProject switches the client to another project. Subscribers of the
// previous project are removed. When a connection was active the client
// reconnects to the new project with ctx.
func (c *Client) SetProject(ctx context.Context, projectID string) error {
	c.mu.Lock()
	if c.projectID == projectID {
		c.mu.Unlock()
		return nil
	}
	active := c.cancel != nil
	c.mu.Unlock()

	c.Disconnect()
	c.registry.Clear()

	c.mu.Lock()
	c.projectID = projectID
	c.mu.Unlock()

	if active && projectID != "" {
		return c.Connect(ctx)
	}
	return nil
}

func (c *Client) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Client) notify(st State) {
	c.metrics.StateChanged(st)
	c.onState(st)
}

// transition applies st when epoch is still current. mutate runs under the
// lock before the state changes.
func (c *Client) transition(epoch uint64, st State, mutate func()) bool {
	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return false
	}
	if mutate != nil {
		mutate()
	}
	c.state = st
	c.mu.Unlock()
	c.notify(st)
	return true
}

func (c *Client) isCurrent(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return epoch == c.epoch
}

// backoff returns the delay before retry attempt n (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	return c.retryBase * time.Duration(1<<(attempt-1))
}

func (c *Client) loop(ctx context.Context, epoch uint64, projectID string, d *dispatcher) {
	logger := ctxlog.From(ctx)
	attempt := 0

	for {
		err := c.open(ctx, epoch, projectID, d, &attempt)
		if ctx.Err() != nil {
			c.stop(epoch, attempt)
			return
		}
		if !c.isCurrent(epoch) {
			return
		}

		if !IsRetryable(err) {
			logger.Warn("stream failed", "error", err)
			c.transition(epoch, newState(PhaseDisconnected, attempt, err), func() {
				c.connecting = false
			})
			return
		}

		attempt++
		if attempt > c.maxRetries {
			err = goerr.Wrap(ErrRetryExhausted, "gave up reconnecting",
				goerr.V("max_retries", c.maxRetries),
				goerr.V("last_error", err.Error()),
			)
			logger.Warn("stream retries exhausted", "error", err)
			c.transition(epoch, newState(PhaseDisconnected, attempt-1, err), func() {
				c.connecting = false
			})
			return
		}

		delay := c.backoff(attempt)
		logger.Info("stream reconnecting", "attempt", attempt, "delay", delay, "error", err)
		c.metrics.Reconnect(attempt)
		if !c.transition(epoch, newState(PhaseRetrying, attempt, err), func() { c.connecting = false }) {
			return
		}

		select {
		case <-ctx.Done():
			c.stop(epoch, attempt)
			return
		case <-c.clock.After(delay):
		}

		if !c.transition(epoch, newState(PhaseConnecting, attempt, nil), func() { c.connecting = true }) {
			return
		}
	}
}

// stop moves a connection whose context ended to the disconnected phase so
// that a later Connect is not refused as in flight.
func (c *Client) stop(epoch uint64, attempt int) {
	c.transition(epoch, newState(PhaseDisconnected, attempt, nil), func() {
		c.connecting = false
		c.teardownLocked()
	})
}

// open runs one connection until it fails or closes.
func (c *Client) open(ctx context.Context, epoch uint64, projectID string, d *dispatcher, attempt *int) error {
	logger := ctxlog.From(ctx)
	url := c.baseURL + c.eventsPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to create stream request", goerr.V("url", url))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("x-project-id", projectID)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return goerr.Wrap(err, "failed to open stream", goerr.V("url", url), goerr.Tag(ErrTagRetryable))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		opts := []goerr.Option{goerr.V("url", url), goerr.V("status", resp.StatusCode)}
		if retryableStatus(resp.StatusCode) {
			opts = append(opts, goerr.Tag(ErrTagRetryable))
		}
		return goerr.New("unexpected status code from stream", opts...)
	}

	if !c.transition(epoch, newState(PhaseConnected, 0, nil), func() { c.connecting = false }) {
		return nil
	}
	*attempt = 0
	logger.Info("stream connected", "url", url)

	var dec ssestream.Decoder = newEventDecoder(resp.Body, c.maxEventSize, func(size int) {
		logger.Warn("drop oversized stream message", "size", size, "max_event_size", c.maxEventSize)
		c.metrics.EventDropped(DropOversized)
	})
	defer dec.Close()

	for dec.Next() {
		if !c.isCurrent(epoch) {
			return nil
		}
		c.handleMessage(ctx, epoch, dec.Event().Data, d)
	}
	if err := dec.Err(); err != nil {
		return goerr.Wrap(err, "failed to read stream", goerr.V("url", url), goerr.Tag(ErrTagRetryable))
	}
	return goerr.Wrap(ErrConnectionClosed, "stream ended", goerr.V("url", url))
}

func (c *Client) handleMessage(ctx context.Context, epoch uint64, data []byte, d *dispatcher) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return
	}
	ctxlog.From(ctx, payloadScope).Debug("stream message", "data", string(data))

	now := c.clock.Now()
	ev, err := event.Parse(data, now)
	if err != nil {
		ctxlog.From(ctx).Warn("drop malformed stream message", "error", err)
		c.metrics.EventDropped(DropMalformed)
		return
	}
	if c.isNoise(ev) {
		c.metrics.EventDropped(DropNoise)
		return
	}

	c.metrics.EventReceived(ev.Kind())
	d.enqueue(ctx, queued{epoch: epoch, ev: ev, parsedAt: now})
}

func (c *Client) deliver(epoch uint64, batch []queued) {
	for _, q := range batch {
		if !c.isCurrent(epoch) {
			c.metrics.EventDropped(DropStale)
			continue
		}
		c.registry.Publish(q.ev)
		c.metrics.EventDelivered(c.clock.Now().Sub(q.parsedAt))
	}
}
