package job

import (
	"context"
	"errors"
)

// ErrAdmissionDenied is returned when a user already has too many pending or
// running jobs.
var ErrAdmissionDenied = errors.New("too many active jobs for user")

// Admission enforces the per-user concurrency ceiling before a job may be
// created. The global ceiling is not checked here; it is enforced by the
// queue's configured worker concurrency.
type Admission struct {
	repo  *Repo
	limit int
}

func NewAdmission(repo *Repo, limit int) *Admission {
	if limit <= 0 {
		limit = 2
	}
	return &Admission{repo: repo, limit: limit}
}

// TryAdmit checks the user's pending+running job count against the ceiling.
// It reserves nothing: the caller must persist the job record and enqueue
// right away. A user may transiently exceed the limit by one job under
// concurrent creation; this is tolerated.
func (a *Admission) TryAdmit(ctx context.Context, userID uint64) error {
	n, err := a.repo.CountActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	if n >= int64(a.limit) {
		return ErrAdmissionDenied
	}
	return nil
}
