package job

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/table"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, j *Job) error {
	return r.db.WithContext(ctx).Create(j).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// CountActiveByUser counts the user's pending and running jobs. Used by
// admission control.
func (r *Repo) CountActiveByUser(ctx context.Context, userID uint64) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Job{}).
		Where("user_id = ? AND status IN ?", userID, []Status{StatusPending, StatusRunning}).
		Count(&n).Error
	return n, err
}

// MarkRunning moves pending -> running and stamps StartedAt. Returns false
// when the job was not pending, which signals a redelivery or a cancellation
// that won the race.
func (r *Repo) MarkRunning(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{
			"status":     StatusRunning,
			"started_at": now,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *Repo) StatusOf(ctx context.Context, id string) (Status, error) {
	var j Job
	if err := r.db.WithContext(ctx).Select("status").First(&j, "id = ?", id).Error; err != nil {
		return "", err
	}
	return j.Status, nil
}

func (r *Repo) SetTotalEstimated(ctx context.Context, id string, total int) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Update("total_estimated", total).Error
}

// AddBatchProgress atomically applies one batch's outcome to the job's
// counters. Counters are only ever mutated by the single worker processing
// the job, so relative updates are sufficient.
func (r *Repo) AddBatchProgress(ctx context.Context, id string, processed, failed, currentPage int, lastErr *string) error {
	updates := map[string]any{
		"processed": gorm.Expr("processed + ?", processed),
		"failed":    gorm.Expr("failed + ?", failed),
	}
	if currentPage > 0 {
		updates["current_page"] = currentPage
	}
	if lastErr != nil {
		updates["last_error"] = *lastErr
	}
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ResetProgress zeroes the counters of a job that is being re-run after a
// crash redelivery.
func (r *Repo) ResetProgress(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed":    0,
			"failed":       0,
			"current_page": 0,
			"last_error":   nil,
		}).Error
}

// Finish moves a job into a terminal state, stamps CompletedAt and releases
// the target table's import mark in the same transaction. It is a no-op on
// jobs that are already terminal and reports whether the transition happened.
// When verified is non-nil the processed counter is overwritten with it, so
// the persisted record reflects the durably counted ground truth.
func (r *Repo) Finish(ctx context.Context, id string, to Status, verified *int, errMsg *string) (bool, error) {
	moved := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.First(&j, "id = ?", id).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"status":       to,
			"completed_at": time.Now(),
		}
		if verified != nil {
			updates["processed"] = *verified
		}
		if errMsg != nil {
			updates["last_error"] = *errMsg
		}

		res := tx.Model(&Job{}).
			Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusRunning}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		moved = true

		// Terminal transitions always release the exclusive import mark,
		// whichever path got here.
		return tx.Model(&table.Table{}).
			Where("id = ? AND import_job_id = ?", j.TableID, id).
			Update("import_job_id", nil).Error
	})
	return moved, err
}

func (r *Repo) AppendLedger(ctx context.Context, entries []LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&entries).Error
}

func (r *Repo) ListLedger(ctx context.Context, jobID string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("unit_index ASC").
		Find(&entries).Error
	return entries, err
}

func (r *Repo) CreateExecutions(ctx context.Context, execs []Execution) error {
	if len(execs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&execs).Error
}

// CountCompletedExecutions counts an AI job's durably persisted unit results.
// Used by post-run verification.
func (r *Repo) CountCompletedExecutions(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Execution{}).
		Where("job_id = ? AND status = ?", jobID, "completed").
		Count(&n).Error
	return n, err
}

// DeleteExecutionsByJob removes a job's execution records before a clean
// re-run after crash redelivery.
func (r *Repo) DeleteExecutionsByJob(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&Execution{}).Error
}
