package job

import (
	"context"
	"log"
)

// Tracker converts batch outcomes into durable counters and live progress
// events. It runs alongside the scheduler and decouples persistence of
// progress from scheduling.
type Tracker struct {
	repo     *Repo
	notifier Notifier
}

func NewTracker(repo *Repo, notifier Notifier) *Tracker {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Tracker{repo: repo, notifier: notifier}
}

// Run consumes outcomes until the channel closes and returns the cumulative
// processed and failed counts it applied. Counter updates happen once per
// batch, not per unit.
func (t *Tracker) Run(ctx context.Context, j *Job, outcomes <-chan BatchOutcome) (processed, failed int) {
	processed = j.Processed
	failed = j.Failed

	for bo := range outcomes {
		processed += bo.Processed
		failed += bo.Failed

		var lastErr *string
		if bo.Err != nil {
			msg := bo.Err.Error()
			lastErr = &msg
		} else {
			for _, u := range bo.Units {
				if u.Err != nil {
					msg := u.Err.Error()
					lastErr = &msg
				}
			}
		}

		if err := t.repo.AddBatchProgress(ctx, j.ID, bo.Processed, bo.Failed, bo.LastPage, lastErr); err != nil {
			log.Printf("tracker job=%s counter update failed: %v", j.ID, err)
		}

		if j.Type == TypeAIBatch {
			for _, u := range bo.Units {
				evt := Event{
					Type:      EventUnitResult,
					JobID:     j.ID,
					UserID:    j.UserID,
					UnitIndex: u.Index,
					RowID:     u.RowID,
					Result:    u.Result,
				}
				if u.Err != nil {
					evt.Error = u.Err.Error()
				}
				t.notifier.Publish(ctx, j.UserID, evt)
			}
		}

		t.notifier.Publish(ctx, j.UserID, Event{
			Type:      EventProgress,
			JobID:     j.ID,
			UserID:    j.UserID,
			Processed: processed,
			Failed:    failed,
			Total:     j.TotalEstimated,
			Percent:   percent(processed, failed, j.TotalEstimated),
		})
	}
	return processed, failed
}

func percent(processed, failed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := (processed + failed) * 100 / total
	if pct > 100 {
		pct = 100
	}
	return pct
}
