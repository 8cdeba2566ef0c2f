package trace

import (
	"context"
	"errors"
)

type multiRepository struct {
	repos []Repository
}

// Multi creates a Repository that saves every snapshot to all of repos. A
// failing repository does not stop the others; their errors are joined.
func Multi(repos ...Repository) Repository {
	return &multiRepository{repos: repos}
}

func (m *multiRepository) Save(ctx context.Context, snapshot *Snapshot) error {
	var errs []error
	for _, r := range m.repos {
		if err := r.Save(ctx, snapshot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
