package trace

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
)

// Repository is the interface for persisting run snapshots.
type Repository interface {
	Save(ctx context.Context, snapshot *Snapshot) error
}

// ErrSnapshotNotFound is returned by Load when no snapshot exists for a run.
var ErrSnapshotNotFound = goerr.New("snapshot not found")

// FileRepository persists snapshots as JSON files.
type FileRepository struct {
	dir string
}

// NewFileRepository creates a new FileRepository that writes to the given directory.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// Dir returns the directory snapshots are written to.
func (r *FileRepository) Dir() string {
	return r.dir
}

// Save writes the snapshot as JSON to {dir}/{run_id}.json. The file is
// replaced atomically so readers never see a partial snapshot.
func (r *FileRepository) Save(_ context.Context, snapshot *Snapshot) error {
	if err := ValidateRunID(snapshot.RunID); err != nil {
		return err
	}
	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return goerr.Wrap(err, "failed to create snapshot directory", goerr.V("dir", r.dir))
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return goerr.Wrap(err, "failed to marshal snapshot", goerr.V("run_id", snapshot.RunID))
	}

	filePath := filepath.Join(r.dir, snapshot.RunID+".json")
	tmp, err := os.CreateTemp(r.dir, ".snapshot-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temporary snapshot file", goerr.V("dir", r.dir))
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return goerr.Wrap(err, "failed to write snapshot file", goerr.V("path", tmp.Name()))
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return goerr.Wrap(err, "failed to set snapshot file mode", goerr.V("path", tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return goerr.Wrap(err, "failed to close snapshot file", goerr.V("path", tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return goerr.Wrap(err, "failed to move snapshot file", goerr.V("path", filePath))
	}

	return nil
}

// Load reads the snapshot of runID.
func (r *FileRepository) Load(_ context.Context, runID string) (*Snapshot, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}

	filePath := filepath.Join(r.dir, runID+".json")
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, goerr.Wrap(ErrSnapshotNotFound, "no snapshot for run", goerr.V("run_id", runID))
		}
		return nil, goerr.Wrap(err, "failed to read snapshot file", goerr.V("path", filePath))
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, goerr.Wrap(err, "failed to parse snapshot file", goerr.V("path", filePath))
	}
	return &snapshot, nil
}
