package job

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/table"
)

var testDBSeq atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:jobtest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&table.Table{}, &table.Column{}, &table.Row{}, &table.Cell{},
		&Job{}, &Execution{}, &LedgerEntry{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func mustCreateJob(t *testing.T, repo *Repo, j *Job) *Job {
	t.Helper()
	if j.Status == "" {
		j.Status = StatusPending
	}
	if err := repo.Create(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

// recordingNotifier collects published events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(ctx context.Context, userID uint64, evt Event) {
	_ = ctx
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) byType(typ EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
