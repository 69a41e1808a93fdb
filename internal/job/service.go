package job

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/table"
)

// ErrInvalidPayload is returned when a creation request misses required
// fields for its job type.
var ErrInvalidPayload = errors.New("invalid job payload")

// QueuePublisher enqueues the job-start message.
type QueuePublisher interface {
	PublishJob(ctx context.Context, jobID, messageID string) error
}

// Service is the creation/query/cancellation boundary consumed by the API
// layer. After creation, job records are mutated only by the worker side,
// except for cancellation.
type Service struct {
	repo      *Repo
	tables    *table.Repo
	admission *Admission
	queue     QueuePublisher
}

func NewService(repo *Repo, tables *table.Repo, admission *Admission, queue QueuePublisher) *Service {
	return &Service{repo: repo, tables: tables, admission: admission, queue: queue}
}

type CreateRequest struct {
	Type    Type   `json:"type" binding:"required"`
	TableID string `json:"table_id" binding:"required"`

	// bulk_import
	Query      string `json:"query,omitempty"`
	MaxRecords int    `json:"max_records,omitempty"`

	// ai_batch_task
	ColumnID string   `json:"column_id,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
	RowIDs   []uint64 `json:"row_ids,omitempty"`
	Provider string   `json:"provider,omitempty"`
	Model    string   `json:"model,omitempty"`
}

// Create admits, persists and enqueues a new job. The table is claimed for
// the job before the record exists so no other job can slip in between.
func (s *Service) Create(ctx context.Context, userID uint64, req CreateRequest) (*Job, error) {
	var payload any
	total := 0

	switch req.Type {
	case TypeBulkImport:
		if strings.TrimSpace(req.Query) == "" {
			return nil, ErrInvalidPayload
		}
		payload = BulkImportPayload{Query: req.Query, MaxRecords: req.MaxRecords}
	case TypeAIBatch:
		if req.ColumnID == "" || strings.TrimSpace(req.Prompt) == "" || len(req.RowIDs) == 0 {
			return nil, ErrInvalidPayload
		}
		payload = AIBatchPayload{
			ColumnID: req.ColumnID,
			Prompt:   req.Prompt,
			RowIDs:   req.RowIDs,
			Provider: req.Provider,
			Model:    req.Model,
		}
		total = len(req.RowIDs)
	default:
		return nil, ErrInvalidPayload
	}

	// Table must exist and belong to the caller; hide foreign tables.
	t, err := s.tables.GetByID(ctx, req.TableID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}

	if err := s.admission.TryAdmit(ctx, userID); err != nil {
		return nil, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	messageID, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if err := s.tables.LockForImport(ctx, req.TableID, jobID); err != nil {
		return nil, err
	}

	j := &Job{
		ID:             jobID,
		UserID:         userID,
		Type:           req.Type,
		Status:         StatusPending,
		TableID:        req.TableID,
		Payload:        string(body),
		TotalEstimated: total,
		QueueMessageID: messageID,
	}
	if err := s.repo.Create(ctx, j); err != nil {
		_ = s.tables.ReleaseImportLock(ctx, req.TableID, jobID)
		return nil, err
	}

	if err := s.queue.PublishJob(ctx, jobID, messageID); err != nil {
		// The job can never start; finalize it so the table is released.
		msg := "enqueue failed: " + err.Error()
		_, _ = s.repo.Finish(ctx, jobID, StatusFailed, nil, &msg)
		return nil, err
	}
	return j, nil
}

// GetInfo returns a job for its owner; unknown and foreign ids both surface
// as record-not-found.
func (s *Service) GetInfo(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return j, nil
}

// Cancel moves a pending or running job to cancelled. It reports false, not
// an error, when the job does not exist, belongs to someone else, or is
// already terminal. The outstanding queue message is not withdrawn; the
// worker drops deliveries for terminal jobs.
func (s *Service) Cancel(ctx context.Context, userID uint64, jobID string) (bool, error) {
	j, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if j.UserID != userID || j.Status.Terminal() {
		return false, nil
	}
	return s.repo.Finish(ctx, jobID, StatusCancelled, nil, nil)
}
