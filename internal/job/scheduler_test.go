package job

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

type funcExecutor struct {
	fn func(ctx context.Context, u Unit) (*UnitResult, error)
}

func (f funcExecutor) ExecuteUnit(ctx context.Context, u Unit) (*UnitResult, error) {
	return f.fn(ctx, u)
}

type recordingPersister struct {
	mu      sync.Mutex
	batches [][]int // unit indices per persisted batch
	err     error
	onBatch func()
}

func (p *recordingPersister) PersistBatch(ctx context.Context, jobID string, results []*UnitResult) error {
	_ = ctx
	_ = jobID
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	idx := make([]int, 0, len(results))
	for _, r := range results {
		idx = append(idx, r.Unit.Index)
	}
	p.batches = append(p.batches, idx)
	p.mu.Unlock()
	if p.onBatch != nil {
		p.onBatch()
	}
	return nil
}

func runScheduler(t *testing.T, s *Scheduler, j *Job, units []Unit, exec Executor, persist Persister) (Outcome, []BatchOutcome) {
	t.Helper()
	out := make(chan BatchOutcome, len(units)+16)
	outcome, err := s.Run(context.Background(), j, units, exec, persist, out)
	if err != nil {
		t.Fatalf("scheduler run: %v", err)
	}
	close(out)
	var collected []BatchOutcome
	for bo := range out {
		collected = append(collected, bo)
	}
	return outcome, collected
}

func cellUnits(n int) []Unit {
	units := make([]Unit, n)
	for i := range units {
		units[i] = Unit{Index: i, RowID: uint64(i + 1)}
	}
	return units
}

// 237 units, batch size 50, units at indices 100-149 fail deterministically:
// the run still completes with processed=187 and failed=50 because unit
// failures never count against the batch-failure budget.
func TestScheduler_UnitFailuresDoNotAbortJob(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	j := mustCreateJob(t, repo, &Job{ID: "01SCHED0000000000000000001", UserID: 1, Type: TypeAIBatch, Status: StatusRunning, TableID: "t1", Payload: "{}", TotalEstimated: 237})

	exec := funcExecutor{fn: func(ctx context.Context, u Unit) (*UnitResult, error) {
		if u.Index >= 100 && u.Index < 150 {
			return nil, errors.New("provider exploded")
		}
		return &UnitResult{Unit: u, Records: 1}, nil
	}}
	persist := &recordingPersister{}

	s := NewScheduler(repo, SchedulerConfig{BatchSize: 50, MaxBatchFailures: 3, UnitTimeout: time.Second})
	outcome, _ := runScheduler(t, s, j, cellUnits(237), exec, persist)

	if outcome.Aborted || outcome.Cancelled {
		t.Fatalf("unexpected terminal flags: %+v", outcome)
	}
	if outcome.Processed != 187 {
		t.Fatalf("processed = %d, want 187", outcome.Processed)
	}
	if outcome.Failed != 50 {
		t.Fatalf("failed = %d, want 50", outcome.Failed)
	}

	entries, err := repo.ListLedger(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 237 {
		t.Fatalf("ledger entries = %d, want 237", len(entries))
	}
	failed := 0
	for _, e := range entries {
		if e.Outcome == "failed" {
			failed++
			if e.Error == nil || *e.Error == "" {
				t.Fatalf("failed entry %d missing error text", e.UnitIndex)
			}
		}
	}
	if failed != 50 {
		t.Fatalf("failed ledger entries = %d, want 50", failed)
	}
}

// A durable bulk-write that throws on every batch exhausts the batch-failure
// budget and aborts the job with the last error attached.
func TestScheduler_BatchFailureBudgetAborts(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	j := mustCreateJob(t, repo, &Job{ID: "01SCHED0000000000000000002", UserID: 1, Type: TypeAIBatch, Status: StatusRunning, TableID: "t1", Payload: "{}", TotalEstimated: 500})

	exec := funcExecutor{fn: func(ctx context.Context, u Unit) (*UnitResult, error) {
		return &UnitResult{Unit: u, Records: 1}, nil
	}}
	persist := &recordingPersister{err: errors.New("bulk write: disk full")}

	s := NewScheduler(repo, SchedulerConfig{BatchSize: 50, MaxBatchFailures: 3, UnitTimeout: time.Second})
	outcome, _ := runScheduler(t, s, j, cellUnits(500), exec, persist)

	if !outcome.Aborted {
		t.Fatalf("expected aborted outcome, got %+v", outcome)
	}
	if outcome.Failed != 150 {
		t.Fatalf("failed = %d, want 150 (3 batches of 50)", outcome.Failed)
	}
	if outcome.LastErr == nil || !strings.Contains(outcome.LastErr.Error(), "disk full") {
		t.Fatalf("last error = %v, want the write error", outcome.LastErr)
	}

	entries, err := repo.ListLedger(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(entries) != 150 {
		t.Fatalf("ledger entries = %d, want 150", len(entries))
	}
}

// Units complete in arbitrary order inside a batch, but persisted order must
// follow logical unit order.
func TestScheduler_PersistsInLogicalOrder(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	j := mustCreateJob(t, repo, &Job{ID: "01SCHED0000000000000000003", UserID: 1, Type: TypeAIBatch, Status: StatusRunning, TableID: "t1", Payload: "{}", TotalEstimated: 40})

	rng := rand.New(rand.NewSource(42))
	var mu sync.Mutex
	exec := funcExecutor{fn: func(ctx context.Context, u Unit) (*UnitResult, error) {
		mu.Lock()
		d := time.Duration(rng.Intn(10)) * time.Millisecond
		mu.Unlock()
		time.Sleep(d)
		return &UnitResult{Unit: u, Records: 1}, nil
	}}
	persist := &recordingPersister{}

	s := NewScheduler(repo, SchedulerConfig{BatchSize: 8, MaxBatchFailures: 3, UnitTimeout: time.Second})
	outcome, _ := runScheduler(t, s, j, cellUnits(40), exec, persist)
	if outcome.Processed != 40 {
		t.Fatalf("processed = %d, want 40", outcome.Processed)
	}

	next := 0
	for bi, batch := range persist.batches {
		for _, idx := range batch {
			if idx != next {
				t.Fatalf("batch %d: persisted index %d, want %d", bi, idx, next)
			}
			next++
		}
	}
	if next != 40 {
		t.Fatalf("persisted %d units, want 40", next)
	}
}

// Cancellation is honored at the next batch boundary: the in-flight batch
// finishes, later batches never start.
func TestScheduler_CancellationStopsBeforeNextBatch(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	j := mustCreateJob(t, repo, &Job{ID: "01SCHED0000000000000000004", UserID: 1, Type: TypeAIBatch, Status: StatusRunning, TableID: "t1", Payload: "{}", TotalEstimated: 30})

	exec := funcExecutor{fn: func(ctx context.Context, u Unit) (*UnitResult, error) {
		return &UnitResult{Unit: u, Records: 1}, nil
	}}
	persist := &recordingPersister{}
	persist.onBatch = func() {
		if err := db.Model(&Job{}).Where("id = ?", j.ID).Update("status", StatusCancelled).Error; err != nil {
			t.Errorf("cancel job: %v", err)
		}
	}

	s := NewScheduler(repo, SchedulerConfig{BatchSize: 10, MaxBatchFailures: 3, UnitTimeout: time.Second})
	outcome, _ := runScheduler(t, s, j, cellUnits(30), exec, persist)

	if !outcome.Cancelled {
		t.Fatalf("expected cancelled outcome, got %+v", outcome)
	}
	if len(persist.batches) != 1 {
		t.Fatalf("persisted batches = %d, want exactly the in-flight one", len(persist.batches))
	}
	if outcome.Processed != 10 {
		t.Fatalf("processed = %d, want 10", outcome.Processed)
	}
}

func TestScheduler_NoUnitsIsANoOp(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	j := mustCreateJob(t, repo, &Job{ID: "01SCHED0000000000000000005", UserID: 1, Type: TypeBulkImport, Status: StatusRunning, TableID: "t1", Payload: "{}"})

	exec := funcExecutor{fn: func(ctx context.Context, u Unit) (*UnitResult, error) {
		return nil, fmt.Errorf("must not be called")
	}}
	s := NewScheduler(repo, SchedulerConfig{BatchSize: 5, MaxBatchFailures: 3, UnitTimeout: time.Second})
	outcome, collected := runScheduler(t, s, j, nil, exec, &recordingPersister{})

	if outcome.Processed != 0 || outcome.Failed != 0 || outcome.Aborted || outcome.Cancelled {
		t.Fatalf("unexpected outcome for empty unit list: %+v", outcome)
	}
	if len(collected) != 0 {
		t.Fatalf("expected no batch outcomes, got %d", len(collected))
	}
}
