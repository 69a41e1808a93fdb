package job

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/leadgrid/leadgrid/internal/common"
	"github.com/leadgrid/leadgrid/internal/source"
	"github.com/leadgrid/leadgrid/internal/table"
)

// aiResult is the payload of one completed AI unit.
type aiResult struct {
	RowID     uint64
	ColumnID  string
	Result    string
	LatencyMS int64
}

type aiExecutor struct {
	provider source.Provider
	tables   *table.Repo
	prompt   string
	columnID string
}

func (e *aiExecutor) ExecuteUnit(ctx context.Context, u Unit) (*UnitResult, error) {
	fields, err := e.tables.ListRowCells(ctx, u.RowID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := e.provider.Complete(ctx, renderPrompt(e.prompt, fields))
	if err != nil {
		return nil, err
	}

	return &UnitResult{
		Unit:    u,
		Records: 1,
		Payload: aiResult{
			RowID:     u.RowID,
			ColumnID:  e.columnID,
			Result:    out,
			LatencyMS: time.Since(start).Milliseconds(),
		},
	}, nil
}

// renderPrompt appends the row's lead data to the user prompt in a stable
// field order.
func renderPrompt(prompt string, fields map[string]string) string {
	if len(fields) == 0 {
		return prompt
	}
	names := make([]string, 0, len(fields))
	for n := range fields {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nLead data:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "%s: %s\n", n, fields[n])
	}
	return b.String()
}

// aiPersister bulk-writes a batch of cell values and the matching execution
// records in one pass.
type aiPersister struct {
	repo   *Repo
	tables *table.Repo
}

func (p *aiPersister) PersistBatch(ctx context.Context, jobID string, results []*UnitResult) error {
	cells := make([]table.Cell, 0, len(results))
	execs := make([]Execution, 0, len(results))

	for _, res := range results {
		ar, ok := res.Payload.(aiResult)
		if !ok {
			continue
		}
		cells = append(cells, table.Cell{
			RowID:    ar.RowID,
			ColumnID: ar.ColumnID,
			Value:    ar.Result,
		})
		id, err := common.NewULID()
		if err != nil {
			return err
		}
		execs = append(execs, Execution{
			ID:        id,
			JobID:     jobID,
			RowID:     ar.RowID,
			ColumnID:  ar.ColumnID,
			Status:    "completed",
			Result:    ar.Result,
			LatencyMS: ar.LatencyMS,
		})
	}

	if err := p.tables.UpsertCellValues(ctx, cells); err != nil {
		return err
	}
	return p.repo.CreateExecutions(ctx, execs)
}
