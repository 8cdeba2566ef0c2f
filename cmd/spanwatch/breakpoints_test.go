package main_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"
	main "github.com/m-mizutani/spanwatch/cmd/spanwatch"
)

type recordedRequest struct {
	Method  string
	Path    string
	Project string
	Body    string
}

type breakpointServer struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (s *breakpointServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Project: r.Header.Get("x-project-id"),
		Body:    string(body),
	})
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/debug/breakpoints":
		_, _ = w.Write([]byte(`{"breakpoints":[{"breakpoint_id":"bp1","thread_id":"T1"}],"intercept_all":true}`))
	case "/debug/continue", "/debug/continue/all":
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case "/debug/global_breakpoint":
		var req map[string]bool
		_ = json.Unmarshal(body, &req)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "intercept_all": req["intercept_all"]})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *breakpointServer) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := main.NewApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	argv := append([]string{"spanwatch", "--env-file", t.TempDir() + "/missing.env"}, args...)
	err := app.Run(context.Background(), argv)
	return out.String(), err
}

func TestBreakpointsCommand(t *testing.T) {
	api := &breakpointServer{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	conn := []string{"--base-url", srv.URL, "-p", "P1"}

	t.Run("list", func(t *testing.T) {
		out, err := runApp(t, append([]string{"breakpoints", "list"}, conn...)...)
		gt.NoError(t, err)

		var resp map[string]any
		gt.NoError(t, json.Unmarshal([]byte(out), &resp))
		gt.Equal(t, resp["intercept_all"], any(true))
		gt.Equal(t, api.last().Project, "P1")
	})

	t.Run("continue", func(t *testing.T) {
		out, err := runApp(t, append(append([]string{"breakpoints", "continue"}, conn...), "bp1")...)
		gt.NoError(t, err)
		gt.Equal(t, out, "continued bp1\n")

		req := api.last()
		gt.Equal(t, req.Path, "/debug/continue")
		gt.True(t, strings.Contains(req.Body, `"action":"continue"`))
	})

	t.Run("continue with modified request", func(t *testing.T) {
		args := append([]string{"breakpoints", "continue"}, conn...)
		args = append(args, "--request", `{"model":"gpt-4o-mini"}`, "bp1")
		_, err := runApp(t, args...)
		gt.NoError(t, err)
		gt.True(t, strings.Contains(api.last().Body, `"action":{"model":"gpt-4o-mini"}`))
	})

	t.Run("continue with invalid request", func(t *testing.T) {
		args := append([]string{"breakpoints", "continue"}, conn...)
		args = append(args, "--request", `{broken`, "bp1")
		_, err := runApp(t, args...)
		gt.Error(t, err)
	})

	t.Run("continue without id", func(t *testing.T) {
		_, err := runApp(t, append([]string{"breakpoints", "continue"}, conn...)...)
		gt.Error(t, err)
	})

	t.Run("continue all", func(t *testing.T) {
		out, err := runApp(t, append([]string{"breakpoints", "continue-all"}, conn...)...)
		gt.NoError(t, err)
		gt.Equal(t, out, "continued all\n")
		gt.Equal(t, api.last().Path, "/debug/continue/all")
	})

	t.Run("debug on", func(t *testing.T) {
		out, err := runApp(t, append(append([]string{"breakpoints", "debug"}, conn...), "on")...)
		gt.NoError(t, err)
		gt.Equal(t, out, "intercept_all: true\n")
	})

	t.Run("debug invalid argument", func(t *testing.T) {
		_, err := runApp(t, append(append([]string{"breakpoints", "debug"}, conn...), "maybe")...)
		gt.Error(t, err)
	})
}

func TestBreakpointsCommandServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := runApp(t, "breakpoints", "list", "--base-url", srv.URL)
	gt.Error(t, err)
}
