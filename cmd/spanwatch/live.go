package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/m-mizutani/spanwatch/event"
	"github.com/m-mizutani/spanwatch/stream"
)

const liveBuffer = 256

// liveSource is satisfied by *stream.Client and *stream.Registry.
type liveSource interface {
	Events(ctx context.Context, filter stream.Filter, buffer int) <-chan event.Event
}

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// liveFilter builds the event filter of a live connection from the run_id
// and thread_id query parameters.
func liveFilter(r *http.Request) stream.Filter {
	runID := r.URL.Query().Get("run_id")
	threadID := r.URL.Query().Get("thread_id")
	return func(ev event.Event) bool {
		m := ev.Base()
		if runID != "" && m.RunID != runID {
			return false
		}
		if threadID != "" && m.ThreadID != threadID {
			return false
		}
		return true
	}
}

func (s *server) handleLive(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusNotFound, "live relay is not enabled, start the viewer with --project")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("failed to accept websocket", slog.Any("error", err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// The relay only writes; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	if err := relayEvents(ctx, s.live, liveFilter(r), conn); err != nil && ctx.Err() == nil {
		slog.Warn("live relay stopped", slog.Any("error", err))
		_ = conn.Close(websocket.StatusInternalError, "relay error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func relayEvents(ctx context.Context, src liveSource, filter stream.Filter, writer wsWriter) error {
	ch := src.Events(ctx, filter, liveBuffer)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			payload, err := event.Marshal(ev)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
