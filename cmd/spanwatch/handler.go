package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/m-mizutani/spanwatch/span"
	"github.com/m-mizutani/spanwatch/trace"
)

type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listRunsResponse struct {
	Runs          []runEntry `json:"runs"`
	NextPageToken string     `json:"next_page_token,omitempty"`
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	pageSizeStr := r.URL.Query().Get("page_size")
	pageToken := r.URL.Query().Get("page_token")

	pageSize := defaultPageSize
	if pageSizeStr != "" {
		n, err := strconv.Atoi(pageSizeStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid page_size parameter")
			return
		}
		pageSize = n
	}

	resp, err := s.source.List(r.Context(), listRequest{
		pageSize:  pageSize,
		pageToken: pageToken,
	})
	if err != nil {
		slog.Error("failed to list runs", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	runs := resp.runs
	if runs == nil {
		runs = []runEntry{}
	}

	writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:          runs,
		NextPageToken: resp.nextPageToken,
	})
}

// getSnapshot writes the error response itself and returns nil on failure.
func (s *server) getSnapshot(w http.ResponseWriter, r *http.Request) *trace.Snapshot {
	runID := r.PathValue("id")
	if err := trace.ValidateRunID(runID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run ID")
		return nil
	}

	snapshot, err := s.source.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, trace.ErrSnapshotNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return nil
		}
		slog.Error("failed to get run", slog.Any("error", err), slog.String("run_id", runID))
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil
	}
	return snapshot
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if snapshot := s.getSnapshot(w, r); snapshot != nil {
		writeJSON(w, http.StatusOK, snapshot)
	}
}

type runTreeResponse struct {
	RunID string       `json:"run_id"`
	Roots []*span.Node `json:"roots"`
}

func (s *server) handleGetRunTree(w http.ResponseWriter, r *http.Request) {
	snapshot := s.getSnapshot(w, r)
	if snapshot == nil {
		return
	}

	roots := snapshot.Tree()
	if roots == nil {
		roots = []*span.Node{}
	}
	writeJSON(w, http.StatusOK, runTreeResponse{RunID: snapshot.RunID, Roots: roots})
}
