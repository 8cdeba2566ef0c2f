package main

import (
	"context"
	"time"

	"github.com/m-mizutani/spanwatch/trace"
)

// runEntry is a lightweight representation of a stored snapshot,
// derived from file or object metadata without reading the contents.
type runEntry struct {
	RunID     string    `json:"run_id"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

type listRequest struct {
	pageSize  int
	pageToken string
}

type listResponse struct {
	runs          []runEntry
	nextPageToken string
}

const defaultPageSize = 20

// runSource provides access to run snapshots from various backends. Get
// returns an error matching trace.ErrSnapshotNotFound for unknown runs.
type runSource interface {
	List(ctx context.Context, req listRequest) (*listResponse, error)
	Get(ctx context.Context, runID string) (*trace.Snapshot, error)
}
