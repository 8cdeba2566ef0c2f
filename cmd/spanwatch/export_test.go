package main

import (
	"context"
	"io"
	"net/http"

	"github.com/m-mizutani/spanwatch/internal/config"
	"github.com/m-mizutani/spanwatch/stream"
	"github.com/m-mizutani/spanwatch/trace"
)

// ListRunsResponse is exported for testing.
type ListRunsResponse = listRunsResponse

// RunTreeResponse is exported for testing.
type RunTreeResponse = runTreeResponse

// RunEntry is exported for testing.
type RunEntry = runEntry

// Exported constructors for testing
var NewServer = newServer
var NewApp = newApp

// Exported server options for testing
var WithAddr = withAddr

var ParseGSURI = parseGSURI
var BucketAndPrefix = bucketAndPrefix
var NewLogger = newLogger

// Handler returns the server's HTTP handler for testing.
func (s *server) Handler() http.Handler {
	return s.handler()
}

// ListResult holds the exported result of a List call.
type ListResult struct {
	Runs          []RunEntry
	NextPageToken string
}

// TestableSource wraps a runSource for external test access.
type TestableSource struct {
	src runSource
}

// NewLocalSource creates a TestableSource backed by localSource.
func NewLocalSource(dir string) *TestableSource {
	return &TestableSource{src: newLocalSource(dir)}
}

// List calls the underlying source's List with exported types.
func (ts *TestableSource) List(ctx context.Context, pageSize int, pageToken string) (*ListResult, error) {
	resp, err := ts.src.List(ctx, listRequest{
		pageSize:  pageSize,
		pageToken: pageToken,
	})
	if err != nil {
		return nil, err
	}
	return &ListResult{
		Runs:          resp.runs,
		NextPageToken: resp.nextPageToken,
	}, nil
}

// Get calls the underlying source's Get.
func (ts *TestableSource) Get(ctx context.Context, runID string) (*trace.Snapshot, error) {
	return ts.src.Get(ctx, runID)
}

// WithTestSource creates a server option from a TestableSource.
func WithTestSource(ts *TestableSource) serverOption {
	return withSource(ts.src)
}

// WithTestLive creates a server option relaying events of src.
func WithTestLive(src *stream.Registry) serverOption {
	return withLive(src)
}

// WSWriter is exported for testing.
type WSWriter = wsWriter

// RelayEvents is exported for testing.
func RelayEvents(ctx context.Context, src *stream.Registry, filter stream.Filter, w WSWriter) error {
	return relayEvents(ctx, src, filter, w)
}

// WatchOptions mirrors watchOptions for testing.
type WatchOptions struct {
	Config      config.Config
	OutDir      string
	Breakpoints bool
	EventLog    bool
}

// RunWatch runs the watch command body for testing.
func RunWatch(ctx context.Context, out io.Writer, opts WatchOptions) error {
	return runWatch(ctx, out, watchOptions{
		cfg:         opts.Config,
		outDir:      opts.OutDir,
		breakpoints: opts.Breakpoints,
		eventLog:    opts.EventLog,
	})
}
