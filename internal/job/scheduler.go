package job

import (
	"context"
	"log"
	"sync"
	"time"
)

// Unit is the smallest independently retriable piece of a job: one result
// page for bulk imports, one target cell for AI batch tasks.
type Unit struct {
	Index int    // logical position, ascending
	Page  int    // bulk imports
	RowID uint64 // AI tasks
}

// UnitResult is the executor's product for one unit. Payload is type-specific
// and consumed by the matching Persister.
type UnitResult struct {
	Unit    Unit
	Records int
	Payload any
}

// Executor performs one unit of work against an external capability. Calls
// carry their own timeout; errors are classified by the source package.
type Executor interface {
	ExecuteUnit(ctx context.Context, u Unit) (*UnitResult, error)
}

// Persister durably stores the successful results of one batch in a single
// bulk write. An error fails the whole batch.
type Persister interface {
	PersistBatch(ctx context.Context, jobID string, results []*UnitResult) error
}

type SchedulerConfig struct {
	BatchSize        int
	Delay            time.Duration // applied between batches, never within one
	UnitTimeout      time.Duration
	MaxBatchFailures int
}

// Scheduler groups a job's units into batches, runs each batch with bounded
// concurrency and bulk-persists the results. One bad batch never aborts the
// job; only the cumulative batch-failure budget does.
type Scheduler struct {
	repo *Repo
	cfg  SchedulerConfig
}

func NewScheduler(repo *Repo, cfg SchedulerConfig) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.UnitTimeout <= 0 {
		cfg.UnitTimeout = 30 * time.Second
	}
	if cfg.MaxBatchFailures <= 0 {
		cfg.MaxBatchFailures = 3
	}
	return &Scheduler{repo: repo, cfg: cfg}
}

// Outcome summarizes a run for the orchestrator.
type Outcome struct {
	Processed int // records produced
	Failed    int // failed units
	Cancelled bool
	Aborted   bool // batch-failure budget exhausted
	LastErr   error
}

// Run processes units strictly in ascending batch order. It returns an error
// only for unrecoverable conditions (the durable store being unreachable);
// unit and batch failures are absorbed into the outcome and the ledger.
func (s *Scheduler) Run(ctx context.Context, j *Job, units []Unit, exec Executor, persist Persister, out chan<- BatchOutcome) (Outcome, error) {
	var outcome Outcome
	batchFailures := 0

	for start := 0; start < len(units); start += s.cfg.BatchSize {
		// Cancellation is cooperative and checked at batch boundaries only;
		// an in-flight batch runs to completion.
		st, err := s.repo.StatusOf(ctx, j.ID)
		if err != nil {
			return outcome, err
		}
		if st == StatusCancelled {
			outcome.Cancelled = true
			return outcome, nil
		}

		if start > 0 && s.cfg.Delay > 0 {
			select {
			case <-time.After(s.cfg.Delay):
			case <-ctx.Done():
				return outcome, ctx.Err()
			}
		}

		end := start + s.cfg.BatchSize
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]

		// Results are indexed by batch position, so persisted order follows
		// logical unit order regardless of completion order.
		results := make([]*UnitResult, len(batch))
		unitErrs := make([]error, len(batch))

		var wg sync.WaitGroup
		wg.Add(len(batch))
		for i, u := range batch {
			go func(i int, u Unit) {
				defer wg.Done()
				uctx, cancel := context.WithTimeout(ctx, s.cfg.UnitTimeout)
				defer cancel()
				res, err := exec.ExecuteUnit(uctx, u)
				if err != nil {
					unitErrs[i] = err
					return
				}
				results[i] = res
			}(i, u)
		}
		wg.Wait()

		succeeded := make([]*UnitResult, 0, len(batch))
		for _, r := range results {
			if r != nil {
				succeeded = append(succeeded, r)
			}
		}

		var batchErr error
		if len(succeeded) > 0 {
			batchErr = persist.PersistBatch(ctx, j.ID, succeeded)
		}

		bo := BatchOutcome{BatchIndex: start / s.cfg.BatchSize}
		entries := make([]LedgerEntry, 0, len(batch))

		if batchErr != nil {
			// The whole batch is recorded failed; the job keeps going with
			// the next batch.
			batchFailures++
			outcome.LastErr = batchErr
			outcome.Failed += len(batch)
			bo.Failed = len(batch)
			bo.Err = batchErr
			msg := batchErr.Error()
			for _, u := range batch {
				entries = append(entries, LedgerEntry{
					JobID:     j.ID,
					UnitIndex: u.Index,
					Outcome:   "failed",
					Error:     &msg,
				})
				bo.Units = append(bo.Units, UnitOutcome{Index: u.Index, RowID: u.RowID, Err: batchErr})
			}
		} else {
			for i, u := range batch {
				if unitErrs[i] != nil {
					msg := unitErrs[i].Error()
					entries = append(entries, LedgerEntry{
						JobID:     j.ID,
						UnitIndex: u.Index,
						Outcome:   "failed",
						Error:     &msg,
					})
					bo.Units = append(bo.Units, UnitOutcome{Index: u.Index, RowID: u.RowID, Err: unitErrs[i]})
					bo.Failed++
					outcome.Failed++
					outcome.LastErr = unitErrs[i]
					continue
				}
				res := results[i]
				entries = append(entries, LedgerEntry{
					JobID:     j.ID,
					UnitIndex: u.Index,
					Outcome:   "completed",
					Records:   res.Records,
				})
				uo := UnitOutcome{Index: u.Index, Records: res.Records, RowID: u.RowID}
				if ar, ok := res.Payload.(aiResult); ok {
					uo.Result = ar.Result
				}
				bo.Units = append(bo.Units, uo)
				bo.Processed += res.Records
				outcome.Processed += res.Records
			}
		}

		if err := s.repo.AppendLedger(ctx, entries); err != nil {
			log.Printf("scheduler job=%s ledger append failed: %v", j.ID, err)
		}

		bo.LastPage = batch[len(batch)-1].Page
		out <- bo

		if batchFailures >= s.cfg.MaxBatchFailures {
			outcome.Aborted = true
			return outcome, nil
		}
	}

	return outcome, nil
}
