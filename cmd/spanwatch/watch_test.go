package main_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/gt"
	main "github.com/m-mizutani/spanwatch/cmd/spanwatch"
	"github.com/m-mizutani/spanwatch/internal"
	"github.com/m-mizutani/spanwatch/internal/config"
	"github.com/m-mizutani/spanwatch/stream"
	"github.com/m-mizutani/spanwatch/trace"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" || r.Header.Get("x-project-id") != "P1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, ev := range events {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			w.(http.Flusher).Flush()
		}
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) config.Config {
	return config.Config{
		BaseURL:      baseURL,
		EventsPath:   "/events",
		ProjectID:    "P1",
		RetryBase:    10 * time.Millisecond,
		MaxRetries:   1,
		FlushTimeout: 10 * time.Millisecond,
		QueueSize:    64,
	}
}

func TestRunWatch(t *testing.T) {
	srv := eventServer(t,
		`{"type":"RunStarted","timestamp":1000,"run_id":"R1","thread_id":"T1","span_id":"S0"}`,
		`{"type":"Custom","timestamp":1100,"run_id":"R1","thread_id":"T1","span_id":"L1","parent_span_id":"S0","event":{"type":"llm_start","provider_name":"openai","model_name":"gpt-4o"}}`,
		`{"type":"Custom","timestamp":1500,"run_id":"R1","thread_id":"T1","span_id":"L1","event":{"type":"llm_stop"}}`,
		`{"type":"RunFinished","timestamp":2000,"run_id":"R1","thread_id":"T1","span_id":"S0"}`,
	)

	outDir := t.TempDir()
	var out syncBuffer
	ctx, cancel := context.WithCancel(ctxlog.With(context.Background(), internal.TestLogger()))

	done := make(chan error, 1)
	go func() {
		done <- main.RunWatch(ctx, &out, main.WatchOptions{
			Config:   testConfig(srv.URL),
			OutDir:   outDir,
			EventLog: true,
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "run R1 finished") {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("run was not reported, output: %q", out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		gt.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("watch did not stop")
	}

	gt.True(t, strings.Contains(out.String(), "models=[gpt-4o]"))

	repo := trace.NewFileRepository(outDir)
	snapshot := gt.R1(repo.Load(context.Background(), "R1")).NoError(t)
	gt.Equal(t, snapshot.RunID, "R1")
	gt.True(t, snapshot.Summary.Finished())
	gt.A(t, snapshot.Spans).Length(2)
	gt.Equal(t, snapshot.Summary.UsedModels, []string{"gpt-4o"})

	_, err := os.Stat(filepath.Join(outDir, "R1.json"))
	gt.NoError(t, err)
}

func TestRunWatchRequiresProject(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.ProjectID = ""

	err := main.RunWatch(context.Background(), &syncBuffer{}, main.WatchOptions{Config: cfg})
	gt.True(t, errors.Is(err, stream.ErrNoProject))
}

func TestRunWatchTerminalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := main.RunWatch(ctx, &syncBuffer{}, main.WatchOptions{Config: testConfig(srv.URL)})
	gt.Error(t, err)
	gt.NoError(t, ctx.Err())
}
