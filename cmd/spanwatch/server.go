package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

type serverOption func(*server)

func withAddr(addr string) serverOption {
	return func(s *server) {
		s.addr = addr
	}
}

func withSource(src runSource) serverOption {
	return func(s *server) {
		s.source = src
	}
}

func withLive(live liveSource) serverOption {
	return func(s *server) {
		s.live = live
	}
}

type server struct {
	addr   string
	source runSource
	live   liveSource
	mux    *http.ServeMux
}

func newServer(opts ...serverOption) *server {
	s := &server{
		addr: ":18900",
		mux:  http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/runs/{id}/tree", s.handleGetRunTree)
	s.mux.HandleFunc("GET /api/live", s.handleLive)
}

func (s *server) handler() http.Handler {
	return s.mux
}

func (s *server) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return goerr.Wrap(err, "failed to listen", goerr.V("addr", s.addr))
	}

	addr := listener.Addr().String()
	slog.Info("starting run viewer server",
		slog.String("addr", addr),
		slog.String("url", "http://"+addr+"/api/runs"),
		slog.Bool("live", s.live != nil),
	)

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return goerr.Wrap(err, "server error")
	}
	return nil
}
