package table

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrTableBusy is returned when another job already holds the import mark.
var ErrTableBusy = errors.New("table is already being processed by another job")

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction runs fn with a Repo bound to a single database transaction, so
// a multi-step bulk write commits or rolls back as one unit.
func (r *Repo) Transaction(ctx context.Context, fn func(txRepo *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

func (r *Repo) Create(ctx context.Context, t *Table) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Table, error) {
	var t Table
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// LockForImport claims the table for jobID. The conditional update keeps the
// claim exclusive: it only succeeds while no other job holds the mark.
func (r *Repo) LockForImport(ctx context.Context, tableID, jobID string) error {
	res := r.db.WithContext(ctx).Model(&Table{}).
		Where("id = ? AND (import_job_id IS NULL OR import_job_id = ?)", tableID, jobID).
		Update("import_job_id", jobID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTableBusy
	}
	return nil
}

// ReleaseImportLock clears the import mark, but only if jobID still owns it.
func (r *Repo) ReleaseImportLock(ctx context.Context, tableID, jobID string) error {
	return r.db.WithContext(ctx).Model(&Table{}).
		Where("id = ? AND import_job_id = ?", tableID, jobID).
		Update("import_job_id", nil).Error
}

// EnsureColumns creates any missing columns for the given names and returns
// the full name -> column id mapping for the table.
func (r *Repo) EnsureColumns(ctx context.Context, tableID string, names []string) (map[string]string, error) {
	var existing []Column
	if err := r.db.WithContext(ctx).
		Where("table_id = ?", tableID).
		Order("position ASC").
		Find(&existing).Error; err != nil {
		return nil, err
	}

	byName := make(map[string]string, len(existing))
	for _, c := range existing {
		byName[c.Name] = c.ID
	}

	pos := len(existing)
	var missing []Column
	for _, n := range names {
		if _, ok := byName[n]; ok {
			continue
		}
		col := Column{
			ID:       uuid.NewString(),
			TableID:  tableID,
			Name:     n,
			Position: pos,
		}
		pos++
		missing = append(missing, col)
		byName[n] = col.ID
	}
	if len(missing) > 0 {
		if err := r.db.WithContext(ctx).Create(&missing).Error; err != nil {
			return nil, err
		}
	}
	return byName, nil
}

// CreateRows bulk-inserts rows in one statement. Row ids are assigned by the
// store; use RowIDsByPosition to resolve them afterwards.
func (r *Repo) CreateRows(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&rows).Error
}

// RowIDsByPosition reads back the store-assigned ids for the given logical
// positions of a job's rows.
func (r *Repo) RowIDsByPosition(ctx context.Context, jobID string, positions []int) (map[int]uint64, error) {
	var rows []Row
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND position IN ?", jobID, positions).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[int]uint64, len(rows))
	for _, row := range rows {
		out[row.Position] = row.ID
	}
	return out, nil
}

func (r *Repo) CreateCells(ctx context.Context, cells []Cell) error {
	if len(cells) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&cells).Error
}

// UpsertCellValues writes one value per (row, column) pair, inserting the cell
// when it does not exist yet. All writes run in a single transaction.
func (r *Repo) UpsertCellValues(ctx context.Context, cells []Cell) error {
	if len(cells) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range cells {
			res := tx.Model(&Cell{}).
				Where("row_id = ? AND column_id = ?", c.RowID, c.ColumnID).
				Update("value", c.Value)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				if err := tx.Create(&Cell{RowID: c.RowID, ColumnID: c.ColumnID, Value: c.Value}).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ListRowCells returns the row's cell values keyed by column name, for
// building AI prompts out of existing lead data.
func (r *Repo) ListRowCells(ctx context.Context, rowID uint64) (map[string]string, error) {
	var cells []Cell
	if err := r.db.WithContext(ctx).Where("row_id = ?", rowID).Find(&cells).Error; err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return map[string]string{}, nil
	}

	colIDs := make([]string, 0, len(cells))
	for _, c := range cells {
		colIDs = append(colIDs, c.ColumnID)
	}
	var cols []Column
	if err := r.db.WithContext(ctx).Where("id IN ?", colIDs).Find(&cols).Error; err != nil {
		return nil, err
	}
	nameByID := make(map[string]string, len(cols))
	for _, c := range cols {
		nameByID[c.ID] = c.Name
	}

	out := make(map[string]string, len(cells))
	for _, c := range cells {
		if name, ok := nameByID[c.ColumnID]; ok {
			out[name] = c.Value
		}
	}
	return out, nil
}

// CountRowsByJob counts the durably persisted rows a job produced. Used by
// post-run verification.
func (r *Repo) CountRowsByJob(ctx context.Context, jobID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Row{}).Where("job_id = ?", jobID).Count(&n).Error
	return n, err
}

// DeleteRowsByJob removes a job's partial output, including dependent cells,
// so a redelivered job can start from a clean slate.
func (r *Repo) DeleteRowsByJob(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint64
		if err := tx.Model(&Row{}).Where("job_id = ?", jobID).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("row_id IN ?", ids).Delete(&Cell{}).Error; err != nil {
			return err
		}
		return tx.Where("job_id = ?", jobID).Delete(&Row{}).Error
	})
}
