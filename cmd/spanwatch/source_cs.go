package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/trace"
	"google.golang.org/api/iterator"
)

// csStore reads and writes run snapshots as {prefix}{run_id}.json objects
// of a Cloud Storage bucket. It serves as the view source and as a
// trace.Repository for the watch command.
type csStore struct {
	bucket string
	prefix string
	client *storage.Client
}

func newCSStore(ctx context.Context, bucket, prefix string) (*csStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Cloud Storage client")
	}
	return &csStore{
		bucket: bucket,
		prefix: prefix,
		client: client,
	}, nil
}

func (s *csStore) objectName(runID string) string {
	return s.prefix + runID + ".json"
}

func (s *csStore) List(ctx context.Context, req listRequest) (*listResponse, error) {
	pageSize := req.pageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	query := &storage.Query{
		Prefix: s.prefix,
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, query)

	pager := iterator.NewPager(it, pageSize, req.pageToken)
	var attrs []*storage.ObjectAttrs
	nextToken, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list objects",
			goerr.V("bucket", s.bucket),
			goerr.V("prefix", s.prefix),
		)
	}

	resp := &listResponse{
		nextPageToken: nextToken,
	}
	for _, attr := range attrs {
		runID := strings.TrimSuffix(strings.TrimPrefix(attr.Name, s.prefix), ".json")
		// Skip directory-like entries
		if !strings.HasSuffix(attr.Name, ".json") || trace.ValidateRunID(runID) != nil {
			continue
		}
		resp.runs = append(resp.runs, runEntry{
			RunID:     runID,
			Size:      attr.Size,
			UpdatedAt: attr.Updated,
		})
	}
	return resp, nil
}

func (s *csStore) Get(ctx context.Context, runID string) (*trace.Snapshot, error) {
	if err := trace.ValidateRunID(runID); err != nil {
		return nil, err
	}

	objectName := s.objectName(runID)
	reader, err := s.client.Bucket(s.bucket).Object(objectName).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, goerr.Wrap(trace.ErrSnapshotNotFound, "no snapshot object for run",
				goerr.V("bucket", s.bucket),
				goerr.V("object", objectName),
			)
		}
		return nil, goerr.Wrap(err, "failed to read snapshot object",
			goerr.V("bucket", s.bucket),
			goerr.V("object", objectName),
		)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read snapshot data",
			goerr.V("bucket", s.bucket),
			goerr.V("object", objectName),
		)
	}

	var snapshot trace.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, goerr.Wrap(err, "failed to parse snapshot data",
			goerr.V("bucket", s.bucket),
			goerr.V("object", objectName),
		)
	}
	return &snapshot, nil
}

// Save implements trace.Repository.
func (s *csStore) Save(ctx context.Context, snapshot *trace.Snapshot) error {
	if err := trace.ValidateRunID(snapshot.RunID); err != nil {
		return err
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal snapshot", goerr.V("run_id", snapshot.RunID))
	}

	objectName := s.objectName(snapshot.RunID)
	w := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return goerr.Wrap(err, "failed to write snapshot object",
			goerr.V("bucket", s.bucket),
			goerr.V("object", objectName),
		)
	}
	if err := w.Close(); err != nil {
		return goerr.Wrap(err, "failed to finalize snapshot object",
			goerr.V("bucket", s.bucket),
			goerr.V("object", objectName),
		)
	}
	return nil
}

func (s *csStore) Close() error {
	return s.client.Close()
}
