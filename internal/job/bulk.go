package job

import (
	"context"
	"sort"

	"github.com/leadgrid/leadgrid/internal/source"
	"github.com/leadgrid/leadgrid/internal/table"
)

// PageFetcher is the unit-source capability for bulk imports.
type PageFetcher interface {
	Count(ctx context.Context, query string) (int, error)
	Search(ctx context.Context, query string, page int) ([]source.SearchRecord, int, error)
}

type bulkExecutor struct {
	fetcher  PageFetcher
	query    string
	pageSize int
	cap      int // declared record ceiling; 0 means no cap
}

func (e *bulkExecutor) ExecuteUnit(ctx context.Context, u Unit) (*UnitResult, error) {
	recs, _, err := e.fetcher.Search(ctx, e.query, u.Page)
	if err != nil {
		return nil, err
	}
	// Trim the final page down to the declared scope.
	if e.cap > 0 {
		offset := (u.Page - 1) * e.pageSize
		if offset >= e.cap {
			recs = nil
		} else if offset+len(recs) > e.cap {
			recs = recs[:e.cap-offset]
		}
	}
	return &UnitResult{Unit: u, Records: len(recs), Payload: recs}, nil
}

// bulkPersister writes a batch of fetched pages in two phases: bulk-insert
// rows, read the store-assigned ids back, then bulk-insert the dependent
// cells. Per-record round trips are too slow at scale.
type bulkPersister struct {
	tables   *table.Repo
	tableID  string
	pageSize int
}

func (p *bulkPersister) PersistBatch(ctx context.Context, jobID string, results []*UnitResult) error {
	var rows []table.Row
	recordsByPos := make(map[int]source.SearchRecord)
	seen := make(map[string]struct{})
	var fieldNames []string

	for _, res := range results {
		recs, _ := res.Payload.([]source.SearchRecord)
		for i, rec := range recs {
			// Position reconstructs fetch order from the unit's logical
			// place, not from completion order.
			pos := (res.Unit.Page-1)*p.pageSize + i
			rows = append(rows, table.Row{
				TableID:  p.tableID,
				JobID:    jobID,
				Position: pos,
			})
			recordsByPos[pos] = rec
			for name := range rec.Fields {
				if _, ok := seen[name]; !ok {
					seen[name] = struct{}{}
					fieldNames = append(fieldNames, name)
				}
			}
		}
	}
	if len(rows) == 0 {
		return nil
	}
	sort.Strings(fieldNames)

	// The whole batch commits or rolls back as one unit; a failure between
	// the row and cell phases must not leave orphan rows behind, they would
	// skew the post-run verification count.
	return p.tables.Transaction(ctx, func(txr *table.Repo) error {
		if err := txr.CreateRows(ctx, rows); err != nil {
			return err
		}

		positions := make([]int, 0, len(rows))
		for _, r := range rows {
			positions = append(positions, r.Position)
		}
		ids, err := txr.RowIDsByPosition(ctx, jobID, positions)
		if err != nil {
			return err
		}

		cols, err := txr.EnsureColumns(ctx, p.tableID, fieldNames)
		if err != nil {
			return err
		}

		var cells []table.Cell
		for _, pos := range positions {
			rowID, ok := ids[pos]
			if !ok {
				continue
			}
			rec := recordsByPos[pos]
			for _, name := range fieldNames {
				val, ok := rec.Fields[name]
				if !ok {
					continue
				}
				cells = append(cells, table.Cell{
					RowID:    rowID,
					ColumnID: cols[name],
					Value:    val,
				})
			}
		}
		return txr.CreateCells(ctx, cells)
	})
}
