package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch"
	"github.com/m-mizutani/spanwatch/breakpoint"
	"github.com/m-mizutani/spanwatch/event"
	"github.com/m-mizutani/spanwatch/internal/config"
	spanredis "github.com/m-mizutani/spanwatch/sink/redis"
	"github.com/m-mizutani/spanwatch/span"
	"github.com/m-mizutani/spanwatch/stream"
	"github.com/m-mizutani/spanwatch/trace"
	"github.com/m-mizutani/spanwatch/trace/logger"
	traceOtel "github.com/m-mizutani/spanwatch/trace/otel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkTrace "go.opentelemetry.io/otel/sdk/trace"
)

const shutdownTimeout = 10 * time.Second

type watchOptions struct {
	cfg          config.Config
	outDir       string
	outBucket    string
	outInterval  time.Duration
	otelEndpoint string
	redisURL     string
	metricsAddr  string
	breakpoints  bool
	eventLog     bool
}

func watchCommand(g *globals) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow the project stream and reconstruct runs",
		Flags: append(connectionFlags(),
			&cli.StringFlag{
				Name:    "out",
				Sources: cli.EnvVars("SPANWATCH_OUT_DIR"),
				Usage:   "Directory to write run snapshots to",
			},
			&cli.StringFlag{
				Name:    "out-bucket",
				Sources: cli.EnvVars("SPANWATCH_OUT_BUCKET"),
				Usage:   "gs://bucket/prefix URI to write run snapshots to",
			},
			&cli.DurationFlag{
				Name:  "out-interval",
				Value: time.Second,
				Usage: "Minimum time between two snapshot writes of the same run",
			},
			&cli.StringFlag{
				Name:    "otel-endpoint",
				Sources: cli.EnvVars("SPANWATCH_OTEL_ENDPOINT"),
				Usage:   "OTLP/HTTP traces endpoint URL to export finished runs to",
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Sources: cli.EnvVars("SPANWATCH_REDIS_URL"),
				Usage:   "Redis URL to relay events and run summaries to",
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Sources: cli.EnvVars("SPANWATCH_METRICS_ADDR"),
				Usage:   "Listen address of the Prometheus metrics endpoint",
			},
			&cli.BoolFlag{
				Name:  "no-breakpoints",
				Usage: "Do not track paused requests",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Do not log every stream event",
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runWatch(ctx, cmd.Root().Writer, watchOptions{
				cfg:          g.connection(cmd),
				outDir:       cmd.String("out"),
				outBucket:    cmd.String("out-bucket"),
				outInterval:  cmd.Duration("out-interval"),
				otelEndpoint: cmd.String("otel-endpoint"),
				redisURL:     cmd.String("redis-url"),
				metricsAddr:  cmd.String("metrics-addr"),
				breakpoints:  !cmd.Bool("no-breakpoints"),
				eventLog:     !cmd.Bool("quiet"),
			})
		},
	}
}

// watcher wires the optional outputs of the watch command around a Tracker.
type watcher struct {
	logger   *slog.Logger
	handlers []func(spanwatch.Update)
	subs     map[string]stream.Handler
	closers  []func(ctx context.Context) error
	tracker  *spanwatch.Tracker
}

func (w *watcher) onUpdate(fn func(spanwatch.Update)) {
	w.handlers = append(w.handlers, fn)
}

func (w *watcher) onClose(fn func(ctx context.Context) error) {
	w.closers = append(w.closers, fn)
}

func (w *watcher) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(w.closers) - 1; i >= 0; i-- {
		if err := w.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runWatch(ctx context.Context, out io.Writer, opts watchOptions) (err error) {
	if opts.cfg.ProjectID == "" {
		return goerr.Wrap(stream.ErrNoProject, "--project or SPANWATCH_PROJECT_ID is required")
	}

	w := &watcher{
		logger: ctxlog.From(ctx),
		subs:   map[string]stream.Handler{},
	}
	defer func() {
		if cerr := w.close(); cerr != nil {
			w.logger.Warn("failed to shut down outputs", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	if err := w.setupRecorder(ctx, opts); err != nil {
		return err
	}
	if err := w.setupOTel(ctx, opts); err != nil {
		return err
	}
	if err := w.setupRedis(ctx, opts); err != nil {
		return err
	}
	metrics := w.setupMetrics(opts)
	// Reported runs are already persisted.
	w.onUpdate(newReporter(out).report)

	trackerOpts := []spanwatch.Option{spanwatch.WithLogger(w.logger)}
	for _, fn := range w.handlers {
		trackerOpts = append(trackerOpts, spanwatch.WithUpdateHandler(fn))
	}
	w.tracker = spanwatch.New(trackerOpts...)

	failed := make(chan error, 1)
	streamOpts := []stream.Option{
		stream.WithProjectID(opts.cfg.ProjectID),
		stream.WithEventsPath(opts.cfg.EventsPath),
		stream.WithAPIKey(opts.cfg.APIKey),
		stream.WithRetry(opts.cfg.RetryBase, opts.cfg.MaxRetries),
		stream.WithFlushTimeout(opts.cfg.FlushTimeout),
		stream.WithQueueSize(opts.cfg.QueueSize),
		stream.WithLogger(w.logger),
		stream.WithStateHandler(func(st stream.State) {
			w.logger.Info("stream state changed", "phase", st.Phase, "attempt", st.RetryAttempt)
			if st.Phase == stream.PhaseDisconnected && st.Err != nil {
				select {
				case failed <- st.Err:
				default:
				}
			}
		}),
	}
	if metrics != nil {
		streamOpts = append(streamOpts, stream.WithMetrics(metrics))
	}
	client := stream.New(opts.cfg.BaseURL, streamOpts...)

	if _, err := client.Subscribe("tracker", w.tracker.HandleEvent, nil); err != nil {
		return err
	}
	if opts.eventLog {
		if _, err := client.Subscribe("logger", logger.New(logger.WithLogger(w.logger)), nil); err != nil {
			return err
		}
	}
	for id, h := range w.subs {
		if _, err := client.Subscribe(id, h, nil); err != nil {
			return err
		}
	}
	if opts.breakpoints {
		overlay := w.newOverlay(opts.cfg)
		if _, err := client.Subscribe("breakpoints", overlay.HandleEvent, stream.ByKind(event.TypeCustom)); err != nil {
			return err
		}
		if err := overlay.Refresh(ctx); err != nil {
			w.logger.Warn("failed to load paused requests", "error", err)
		}
	}

	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Disconnect()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return goerr.Wrap(err, "stream connection failed", goerr.V("project_id", opts.cfg.ProjectID))
	}
}

func (w *watcher) newOverlay(cfg config.Config) *breakpoint.Overlay {
	api := breakpoint.NewClient(cfg.BaseURL,
		breakpoint.WithProjectID(cfg.ProjectID),
		breakpoint.WithAPIKey(cfg.APIKey),
	)
	return breakpoint.NewOverlay(api,
		breakpoint.WithBatchSink(w.tracker.ApplyBatch),
		breakpoint.WithLogger(w.logger),
		breakpoint.WithNotifier(func(ctx context.Context, n breakpoint.Notice) {
			if n.Level == breakpoint.NoticeError {
				w.logger.Warn(n.Message, "error", n.Err)
				return
			}
			w.logger.Info(n.Message)
		}),
	)
}

func (w *watcher) setupRecorder(ctx context.Context, opts watchOptions) error {
	var repos []trace.Repository
	if opts.outDir != "" {
		repos = append(repos, trace.NewFileRepository(opts.outDir))
	}
	if opts.outBucket != "" {
		bucket, prefix, err := parseGSURI(opts.outBucket)
		if err != nil {
			return err
		}
		store, err := newCSStore(ctx, bucket, prefix)
		if err != nil {
			return err
		}
		w.onClose(func(context.Context) error { return store.Close() })
		repos = append(repos, store)
	}
	if len(repos) == 0 {
		return nil
	}

	rec := trace.New(trace.Multi(repos...),
		trace.WithInterval(opts.outInterval),
		trace.WithLogger(w.logger),
	)
	w.onUpdate(func(u spanwatch.Update) {
		if err := rec.Record(ctx, u.RunID, u.Spans, u.Summary); err != nil {
			w.logger.Warn("failed to save snapshot", "run_id", u.RunID, "error", err)
		}
	})
	w.onClose(rec.Flush)
	return nil
}

func (w *watcher) setupOTel(ctx context.Context, opts watchOptions) error {
	if opts.otelEndpoint == "" {
		return nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(opts.otelEndpoint))
	if err != nil {
		return goerr.Wrap(err, "failed to create OTLP exporter", goerr.V("endpoint", opts.otelEndpoint))
	}
	tp := sdkTrace.NewTracerProvider(sdkTrace.WithBatcher(exp))
	exporter := traceOtel.New(traceOtel.WithTracerProvider(tp))

	w.onUpdate(func(u spanwatch.Update) {
		if exporter.Observe(ctx, u.RunID, u.Spans) {
			w.logger.Debug("exported run", "run_id", u.RunID)
		}
	})
	w.onClose(func(ctx context.Context) error {
		// Runs still open at shutdown are exported as they are.
		if w.tracker != nil {
			for _, runID := range w.tracker.Runs() {
				exporter.ExportRun(ctx, runID, w.tracker.Spans(runID))
			}
		}
		if err := tp.Shutdown(ctx); err != nil {
			return goerr.Wrap(err, "failed to shut down tracer provider")
		}
		return nil
	})
	return nil
}

func (w *watcher) setupRedis(ctx context.Context, opts watchOptions) error {
	if opts.redisURL == "" {
		return nil
	}

	client, err := spanredis.Dial(ctx, opts.redisURL)
	if err != nil {
		return err
	}
	w.onClose(func(context.Context) error { return client.Close() })

	pub := spanredis.NewPublisher(client, opts.cfg.ProjectID, spanredis.WithLogger(w.logger))
	w.subs["redis"] = pub.Handler(ctx)
	w.onUpdate(func(u spanwatch.Update) {
		if err := pub.PublishSummary(ctx, u.Summary); err != nil {
			w.logger.Warn("failed to relay summary", "run_id", u.RunID, "error", err)
		}
	})
	return nil
}

func (w *watcher) setupMetrics(opts watchOptions) *stream.PromMetrics {
	if opts.metricsAddr == "" {
		return nil
	}

	reg := prometheus.NewRegistry()
	metrics := stream.NewPromMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              opts.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("metrics server failed", "addr", opts.metricsAddr, "error", err)
		}
	}()
	w.onClose(srv.Shutdown)
	return metrics
}

// reporter prints one line per run when the run span finishes.
type reporter struct {
	out io.Writer

	mu       sync.Mutex
	reported map[string]bool
}

func newReporter(out io.Writer) *reporter {
	return &reporter{out: out, reported: map[string]bool{}}
}

func (r *reporter) report(u spanwatch.Update) {
	if !runSpanFinished(u) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reported[u.RunID] {
		return
	}
	r.reported[u.RunID] = true

	s := u.Summary
	_, _ = fmt.Fprintf(r.out, "run %s finished: duration=%s spans=%d cost=%.6f input_tokens=%d output_tokens=%d models=%v tools=%v errors=%d\n",
		s.RunID,
		time.Duration(s.DurationUS())*time.Microsecond,
		len(u.Spans),
		s.Cost,
		s.InputTokens,
		s.OutputTokens,
		s.UsedModels,
		s.UsedTools,
		len(s.Errors),
	)
}

func runSpanFinished(u spanwatch.Update) bool {
	for _, s := range u.Spans {
		if s.OperationName == span.OpRun && s.Finished() {
			return true
		}
	}
	return false
}
