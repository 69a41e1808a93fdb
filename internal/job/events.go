package job

import "context"

type EventType string

const (
	EventProgress   EventType = "progress"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventUnitResult EventType = "unit_result"
)

// Event is what live subscribers receive. Delivery is best-effort and
// at-most-once per connected channel.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	UserID    uint64    `json:"user_id"`
	Processed int       `json:"processed"`
	Failed    int       `json:"failed"`
	Total     int       `json:"total"`
	Percent   int       `json:"percent"`
	UnitIndex int       `json:"unit_index,omitempty"`
	RowID     uint64    `json:"row_id,omitempty"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Notifier fans an event out to the user's live channels. Publishing with no
// subscribers is a no-op, never an error.
type Notifier interface {
	Publish(ctx context.Context, userID uint64, evt Event)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) Publish(ctx context.Context, userID uint64, evt Event) {}

// UnitOutcome is the result of one attempted unit inside a batch.
type UnitOutcome struct {
	Index   int
	Records int
	RowID   uint64 // AI jobs only
	Result  string // AI jobs only
	Err     error
}

// BatchOutcome is emitted by the scheduler after every batch attempt and
// consumed by the progress tracker.
type BatchOutcome struct {
	BatchIndex int
	Units      []UnitOutcome
	Processed  int   // records produced by successful units
	Failed     int   // failed units
	LastPage   int   // highest page covered, bulk imports only
	Err        error // whole-batch failure, if any
}
