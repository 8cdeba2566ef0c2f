package trace_test

import (
	"context"
	"errors"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/spanwatch/trace"
)

type mockRepository struct {
	SaveFunc func(ctx context.Context, snapshot *trace.Snapshot) error
	saved    []*trace.Snapshot
}

func (m *mockRepository) Save(ctx context.Context, snapshot *trace.Snapshot) error {
	m.saved = append(m.saved, snapshot)
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, snapshot)
	}
	return nil
}

func TestMultiFanOut(t *testing.T) {
	repo1 := &mockRepository{}
	repo2 := &mockRepository{}
	multi := trace.Multi(repo1, repo2)

	gt.NoError(t, multi.Save(context.Background(), newSnapshot("R1")))

	gt.A(t, repo1.saved).Length(1)
	gt.A(t, repo2.saved).Length(1)
	gt.Equal(t, repo2.saved[0].RunID, "R1")
}

func TestMultiJoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	failing := &mockRepository{
		SaveFunc: func(context.Context, *trace.Snapshot) error { return errA },
	}
	healthy := &mockRepository{}
	multi := trace.Multi(failing, healthy)

	err := multi.Save(context.Background(), newSnapshot("R1"))
	gt.True(t, errors.Is(err, errA))
	gt.A(t, healthy.saved).Length(1)
}

func TestMultiWithFileRepositories(t *testing.T) {
	ctx := context.Background()
	repo1 := trace.NewFileRepository(t.TempDir())
	repo2 := trace.NewFileRepository(t.TempDir())

	gt.NoError(t, trace.Multi(repo1, repo2).Save(ctx, newSnapshot("R1")))

	for _, repo := range []*trace.FileRepository{repo1, repo2} {
		loaded, err := repo.Load(ctx, "R1")
		gt.NoError(t, err)
		gt.Equal(t, loaded.RunID, "R1")
	}
}
