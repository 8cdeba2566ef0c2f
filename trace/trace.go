// Package trace persists reconstructed runs as snapshots.
//
// A Snapshot is the span set and summary of one run at a point in time. The
// Recorder keeps the latest snapshot of every run it sees and writes it to a
// Repository, throttled per run. Snapshots are stored as {run_id}.json so
// that the view command can list and serve them.
package trace

import (
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/run"
	"github.com/m-mizutani/spanwatch/span"
)

// ErrInvalidRunID is returned when a run ID cannot be used as a snapshot name.
var ErrInvalidRunID = goerr.New("invalid run id")

// Snapshot is the state of a single run.
type Snapshot struct {
	RunID   string       `json:"run_id"`
	Summary *run.Summary `json:"summary"`
	Spans   []span.Span  `json:"spans"`
	SavedAt time.Time    `json:"saved_at"`
}

// Tree returns the span hierarchy of the snapshot.
func (s *Snapshot) Tree() []*span.Node {
	return span.BuildTree(s.Spans)
}

// ValidateRunID checks that id is usable as a file or object name.
func ValidateRunID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return goerr.Wrap(ErrInvalidRunID, "run id is not a valid snapshot name", goerr.V("run_id", id))
	}
	return nil
}
