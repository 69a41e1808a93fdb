package table

import "time"

type Table struct {
	ID     string `gorm:"primaryKey;size:26" json:"id"` // ULID length
	UserID uint64 `gorm:"index;not null" json:"-"`
	Name   string `gorm:"size:255;not null" json:"name"`

	// ImportJobID marks the table as the exclusive target of a pending or
	// running job. Cleared on every terminal job transition.
	ImportJobID *string `gorm:"size:26;index" json:"import_job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Table) TableName() string { return "lead_tables" }

type Column struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	TableID  string `gorm:"size:26;not null;index:idx_col_table_name,unique,priority:1" json:"table_id"`
	Name     string `gorm:"size:128;not null;index:idx_col_table_name,unique,priority:2" json:"name"`
	Position int    `gorm:"not null" json:"position"`

	CreatedAt time.Time `json:"created_at"`
}

func (Column) TableName() string { return "lead_columns" }

type Row struct {
	ID      uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	TableID string `gorm:"size:26;not null;index:idx_row_table_pos,priority:1" json:"table_id"`

	// JobID attributes the row to the import that produced it, so a job's
	// output can be counted and reconciled after the fact.
	JobID string `gorm:"size:26;index" json:"-"`

	// Position reflects fetch order, not insertion or completion order.
	Position int `gorm:"not null;index:idx_row_table_pos,priority:2" json:"position"`

	CreatedAt time.Time `json:"created_at"`
}

func (Row) TableName() string { return "lead_rows" }

type Cell struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	RowID    uint64 `gorm:"not null;index:idx_cell_row_col,unique,priority:1" json:"row_id"`
	ColumnID string `gorm:"size:36;not null;index:idx_cell_row_col,unique,priority:2" json:"column_id"`
	Value    string `gorm:"type:text" json:"value"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Cell) TableName() string { return "lead_cells" }
