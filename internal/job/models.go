package job

import "time"

type Type string

const (
	TypeBulkImport Type = "bulk_import"
	TypeAIBatch    Type = "ai_batch_task"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal states are final; no transition leaves them.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one user-requested unit of bulk work: a paginated lead import into a
// table, or an AI operation across many table cells.
type Job struct {
	ID     string `gorm:"primaryKey;size:26"` // ULID length
	UserID uint64 `gorm:"index;not null"`
	Type   Type   `gorm:"type:varchar(32);not null"`
	Status Status `gorm:"type:varchar(16);index;not null"`

	TableID string `gorm:"size:26;index;not null"`

	// Payload holds the type-specific declared scope as JSON: BulkImportPayload
	// or AIBatchPayload.
	Payload string `gorm:"type:text;not null"`

	// Counters. Processed counts records produced, Failed counts failed units.
	// Invariant: Processed + Failed <= TotalEstimated.
	TotalEstimated int `gorm:"not null;default:0"`
	Processed      int `gorm:"not null;default:0"`
	Failed         int `gorm:"not null;default:0"`
	CurrentPage    int `gorm:"not null;default:0"`

	// QueueMessageID ties the job to its single outstanding queue message.
	// Deliveries carrying any other id are stale and dropped.
	QueueMessageID string `gorm:"size:26;index"`

	// LastError records the most recent non-fatal error for diagnostics. It
	// does not by itself change Status.
	LastError *string `gorm:"type:text"`

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

func (Job) TableName() string { return "jobs" }

// Progress returns processed, total and a 0-100 percentage.
func (j *Job) Progress() (int, int, int) {
	total := j.TotalEstimated
	if total <= 0 {
		return j.Processed, total, 0
	}
	pct := (j.Processed + j.Failed) * 100 / total
	if pct > 100 {
		pct = 100
	}
	return j.Processed, total, pct
}

// BulkImportPayload is the declared scope of a bulk_import job.
type BulkImportPayload struct {
	Query      string `json:"query"`
	MaxRecords int    `json:"max_records,omitempty"`
}

// AIBatchPayload is the declared scope of an ai_batch_task job.
type AIBatchPayload struct {
	ColumnID string   `json:"column_id"`
	Prompt   string   `json:"prompt"`
	RowIDs   []uint64 `json:"row_ids"`
	Provider string   `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// Execution is the durable record of one AI unit's run. Bulk import pages are
// tracked through the progress ledger only.
type Execution struct {
	ID       string `gorm:"primaryKey;size:26"`
	JobID    string `gorm:"size:26;index;not null"`
	RowID    uint64 `gorm:"index;not null"`
	ColumnID string `gorm:"size:36;not null"`

	Status    string  `gorm:"type:varchar(16);index;not null"` // "completed"; failed units live in the progress ledger, not here
	Result    string  `gorm:"type:text"`
	Error     *string `gorm:"type:text"`
	LatencyMS int64   `gorm:"not null;default:0"`

	CreatedAt time.Time
}

func (Execution) TableName() string { return "job_executions" }

// LedgerEntry is one append-only record per attempted unit. It distinguishes
// "never attempted" from "attempted and failed".
type LedgerEntry struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"size:26;index;not null"`
	UnitIndex int    `gorm:"not null"`
	Outcome   string `gorm:"type:varchar(16);not null"` // completed | failed
	Records   int    `gorm:"not null;default:0"`
	Error     *string `gorm:"type:text"`

	CreatedAt time.Time
}

func (LedgerEntry) TableName() string { return "job_progress_ledger" }
