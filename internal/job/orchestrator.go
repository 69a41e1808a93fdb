package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/source"
	"github.com/leadgrid/leadgrid/internal/table"
)

type OrchestratorConfig struct {
	PageBatchSize    int
	CellBatchSize    int
	BatchDelay       time.Duration
	UnitTimeout      time.Duration
	MaxBatchFailures int
	PageSize         int
}

// Orchestrator drives one dequeued job from running to a terminal state:
// select the type's unit source and executor, schedule the batches, verify
// durable output, finalize. Every exit path reaches a terminal status and
// releases the table's import mark.
type Orchestrator struct {
	repo      *Repo
	tables    *table.Repo
	fetcher   PageFetcher
	providers *source.Registry
	notifier  Notifier
	cfg       OrchestratorConfig
}

func NewOrchestrator(repo *Repo, tables *table.Repo, fetcher PageFetcher, providers *source.Registry, notifier Notifier, cfg OrchestratorConfig) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	return &Orchestrator{
		repo:      repo,
		tables:    tables,
		fetcher:   fetcher,
		providers: providers,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// Run processes a single job-start delivery. It returns an error only when
// the durable store is unreachable, which hands the message back to the
// queue's retry/dead-letter path. All other failures finalize the job here.
func (o *Orchestrator) Run(ctx context.Context, jobID, messageID string) error {
	j, err := o.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("orchestrator job=%s unknown, dropping message", jobID)
			return nil
		}
		return err
	}

	// Cancelled before start, or a redelivery of an already-finished job.
	if j.Status.Terminal() {
		return nil
	}
	// A job owns exactly one outstanding queue message; anything else is stale.
	if messageID != "" && j.QueueMessageID != messageID {
		log.Printf("orchestrator job=%s stale message=%s, dropping", jobID, messageID)
		return nil
	}

	moved, err := o.repo.MarkRunning(ctx, j.ID)
	if err != nil {
		return err
	}
	if !moved {
		// Crash redelivery mid-run: discard the partial output so a single
		// logical run's worth of records remains after this pass.
		if err := o.reset(ctx, j); err != nil {
			return err
		}
		j.Processed, j.Failed, j.CurrentPage = 0, 0, 0
	}

	units, exec, persist, verify, err := o.plan(ctx, j)
	if err != nil {
		// Planning failures (bad payload, provider unknown, count call
		// failed) are job failures, not queue failures.
		msg := err.Error()
		if _, ferr := o.repo.Finish(ctx, j.ID, StatusFailed, nil, &msg); ferr != nil {
			return ferr
		}
		o.publishTerminal(ctx, j, EventFailed, 0, 0, msg)
		return nil
	}

	batchSize := o.cfg.PageBatchSize
	if j.Type == TypeAIBatch {
		batchSize = o.cfg.CellBatchSize
	}
	sched := NewScheduler(o.repo, SchedulerConfig{
		BatchSize:        batchSize,
		Delay:            o.cfg.BatchDelay,
		UnitTimeout:      o.cfg.UnitTimeout,
		MaxBatchFailures: o.cfg.MaxBatchFailures,
	})

	tracker := NewTracker(o.repo, o.notifier)
	outcomes := make(chan BatchOutcome, 16)
	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(ctx, j, outcomes)
	}()

	outcome, runErr := sched.Run(ctx, j, units, exec, persist, outcomes)
	close(outcomes)
	<-trackerDone

	if runErr != nil {
		return runErr
	}

	start := time.Now()
	switch {
	case outcome.Cancelled:
		// The cancel request already finalized the record and released the
		// table; nothing to overwrite here.
		log.Printf("orchestrator job=%s cancelled after %d records", j.ID, outcome.Processed)
		return nil

	case outcome.Aborted:
		msg := fmt.Sprintf("batch failure budget exhausted: %v", outcome.LastErr)
		if _, err := o.repo.Finish(ctx, j.ID, StatusFailed, nil, &msg); err != nil {
			return err
		}
		o.publishTerminal(ctx, j, EventFailed, outcome.Processed, outcome.Failed, msg)
		log.Printf("orchestrator job=%s failed err=%v", j.ID, outcome.LastErr)
		return nil
	}

	// Verification backstop: a batch that "succeeded" at the API level but
	// partially failed to persist must not produce a completed job.
	verified, err := verify(ctx)
	if err != nil {
		return err
	}
	if verified != int64(outcome.Processed) {
		msg := fmt.Sprintf("verification mismatch: persisted=%d expected=%d", verified, outcome.Processed)
		if _, err := o.repo.Finish(ctx, j.ID, StatusFailed, nil, &msg); err != nil {
			return err
		}
		o.publishTerminal(ctx, j, EventFailed, outcome.Processed, outcome.Failed, msg)
		log.Printf("orchestrator job=%s %s", j.ID, msg)
		return nil
	}

	v := int(verified)
	if _, err := o.repo.Finish(ctx, j.ID, StatusCompleted, &v, nil); err != nil {
		return err
	}
	o.publishTerminal(ctx, j, EventCompleted, v, outcome.Failed, "")
	log.Printf("orchestrator job=%s completed processed=%d failed=%d verify_cost=%s", j.ID, v, outcome.Failed, time.Since(start))
	return nil
}

type verifyFunc func(ctx context.Context) (int64, error)

// plan binds the job type to its unit source, executor, persister and
// verifier, once at entry.
func (o *Orchestrator) plan(ctx context.Context, j *Job) ([]Unit, Executor, Persister, verifyFunc, error) {
	switch j.Type {
	case TypeBulkImport:
		var p BulkImportPayload
		if err := json.Unmarshal([]byte(j.Payload), &p); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("bad payload: %w", err)
		}

		total, err := o.fetcher.Count(ctx, p.Query)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("count records: %w", err)
		}
		if p.MaxRecords > 0 && total > p.MaxRecords {
			total = p.MaxRecords
		}
		if err := o.repo.SetTotalEstimated(ctx, j.ID, total); err != nil {
			return nil, nil, nil, nil, err
		}
		j.TotalEstimated = total

		pages := (total + o.cfg.PageSize - 1) / o.cfg.PageSize
		units := make([]Unit, 0, pages)
		for page := 1; page <= pages; page++ {
			units = append(units, Unit{Index: page - 1, Page: page})
		}

		exec := &bulkExecutor{fetcher: o.fetcher, query: p.Query, pageSize: o.cfg.PageSize, cap: total}
		persist := &bulkPersister{tables: o.tables, tableID: j.TableID, pageSize: o.cfg.PageSize}
		verify := func(ctx context.Context) (int64, error) {
			return o.tables.CountRowsByJob(ctx, j.ID)
		}
		return units, exec, persist, verify, nil

	case TypeAIBatch:
		var p AIBatchPayload
		if err := json.Unmarshal([]byte(j.Payload), &p); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("bad payload: %w", err)
		}

		// Blank provider and model fall back to the registry's and the
		// factory's defaults respectively.
		provider, err := o.providers.Get(ctx, p.Provider, p.Model)
		if err != nil {
			return nil, nil, nil, nil, err
		}

		if err := o.repo.SetTotalEstimated(ctx, j.ID, len(p.RowIDs)); err != nil {
			return nil, nil, nil, nil, err
		}
		j.TotalEstimated = len(p.RowIDs)

		units := make([]Unit, 0, len(p.RowIDs))
		for i, rowID := range p.RowIDs {
			units = append(units, Unit{Index: i, RowID: rowID})
		}

		exec := &aiExecutor{provider: provider, tables: o.tables, prompt: p.Prompt, columnID: p.ColumnID}
		persist := &aiPersister{repo: o.repo, tables: o.tables}
		verify := func(ctx context.Context) (int64, error) {
			return o.repo.CountCompletedExecutions(ctx, j.ID)
		}
		return units, exec, persist, verify, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown job type: %s", j.Type)
	}
}

func (o *Orchestrator) reset(ctx context.Context, j *Job) error {
	if err := o.tables.DeleteRowsByJob(ctx, j.ID); err != nil {
		return err
	}
	if err := o.repo.DeleteExecutionsByJob(ctx, j.ID); err != nil {
		return err
	}
	return o.repo.ResetProgress(ctx, j.ID)
}

func (o *Orchestrator) publishTerminal(ctx context.Context, j *Job, typ EventType, processed, failed int, errMsg string) {
	o.notifier.Publish(ctx, j.UserID, Event{
		Type:      typ,
		JobID:     j.ID,
		UserID:    j.UserID,
		Processed: processed,
		Failed:    failed,
		Total:     j.TotalEstimated,
		Percent:   percent(processed, failed, j.TotalEstimated),
		Error:     errMsg,
	})
}
