package main

import (
	"context"
	"encoding/base64"
	"os"
	"slices"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/spanwatch/trace"
)

type localSource struct {
	repo *trace.FileRepository
}

func newLocalSource(dir string) runSource {
	return &localSource{repo: trace.NewFileRepository(dir)}
}

func (s *localSource) List(ctx context.Context, req listRequest) (*listResponse, error) {
	entries, err := os.ReadDir(s.repo.Dir())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read directory", goerr.V("dir", s.repo.Dir()))
	}

	var files []runEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, runEntry{
			RunID:     strings.TrimSuffix(name, ".json"),
			Size:      info.Size(),
			UpdatedAt: info.ModTime(),
		})
	}

	slices.SortFunc(files, func(a, b runEntry) int {
		return strings.Compare(a.RunID, b.RunID)
	})

	startIdx := 0
	if req.pageToken != "" {
		last, err := decodePageToken(req.pageToken)
		if err != nil {
			return nil, goerr.Wrap(err, "invalid page token")
		}
		startIdx = slices.IndexFunc(files, func(f runEntry) bool { return f.RunID > last })
		if startIdx < 0 {
			return &listResponse{}, nil
		}
	}

	pageSize := req.pageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	endIdx := min(startIdx+pageSize, len(files))

	resp := &listResponse{runs: files[startIdx:endIdx]}
	if endIdx < len(files) {
		resp.nextPageToken = encodePageToken(files[endIdx-1].RunID)
	}
	return resp, nil
}

func (s *localSource) Get(ctx context.Context, runID string) (*trace.Snapshot, error) {
	return s.repo.Load(ctx, runID)
}

func encodePageToken(runID string) string {
	return base64.URLEncoding.EncodeToString([]byte(runID))
}

func decodePageToken(token string) (string, error) {
	b, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return "", goerr.Wrap(err, "failed to decode page token")
	}
	return string(b), nil
}
