package cvr

import (
	"github.com/google/uuid"

	"zero-sync/internal/model"
	"zero-sync/internal/watermark"
)

// QueryResult is one query pipeline's currently materialized output,
// as pulled from its TreeView (spec §4.H step 3b).
type QueryResult struct {
	Hash    string
	Columns []string // nil means every column the row carries
	Rows    []model.Row
}

// reconcileRows computes the row patches and updated RowRecords for
// one reconciliation pass (spec §4.G). It does not modify rowRecords:
// it returns a new RowRecord map, and the caller decides whether to
// store it.
//
// Reconciliation is idempotent: calling it twice with the same
// newQueryResults against the resulting CVR produces no further
// patches, because the second pass recomputes the identical covered
// set from identical rowVersions and finds nothing changed.
func reconcileRows(rowRecords map[string]RowRecord, results []QueryResult) ([]RowPatch, map[string]RowRecord) {
	// touched accumulates, for every row any query currently returns,
	// which columns that query covers and its row version.
	type touch struct {
		row     model.Row
		queries map[string]map[string]bool // column -> set of query hashes
	}
	touched := make(map[string]*touch)

	for _, result := range results {
		columns := result.Columns
		for _, row := range result.Rows {
			key := row.Key()
			t, ok := touched[key]
			if !ok {
				t = &touch{row: row, queries: make(map[string]map[string]bool)}
				touched[key] = t
			}
			cols := columns
			if cols == nil {
				cols = columnNames(row)
			}
			for _, col := range cols {
				if t.queries[col] == nil {
					t.queries[col] = make(map[string]bool)
				}
				t.queries[col][result.Hash] = true
			}
		}
	}

	next := make(map[string]RowRecord, len(touched))
	var patches []RowPatch

	for key, t := range touched {
		prior, existed := rowRecords[key]
		record := RowRecord{
			Table:          t.row.Table.Raw(),
			PrimaryKey:     t.row.PrimaryKey,
			QueriedColumns: t.queries,
			RowVersion:     t.row.RowVersion,
		}
		next[key] = record

		switch {
		case !existed:
			patches = append(patches, RowPatch{
				ID: uuid.NewString(), Op: OpPut, Table: record.Table, PrimaryKey: record.PrimaryKey,
				Columns: t.row.Columns, RowVersion: t.row.RowVersion,
			})
		case watermark.Less(prior.RowVersion, t.row.RowVersion) || !sameCoverage(prior.QueriedColumns, record.QueriedColumns):
			patches = append(patches, RowPatch{
				ID: uuid.NewString(), Op: OpPut, Table: record.Table, PrimaryKey: record.PrimaryKey,
				Columns: t.row.Columns, RowVersion: t.row.RowVersion,
			})
		}
	}

	for key, prior := range rowRecords {
		if _, stillTouched := touched[key]; stillTouched {
			continue
		}
		if prior.covered() {
			patches = append(patches, RowPatch{ID: uuid.NewString(), Op: OpDel, Table: prior.Table, PrimaryKey: prior.PrimaryKey})
		}
		// Rows already uncovered (covered() == false) that disappear
		// from every query's results produce no further patch: they
		// were already deleted downstream.
	}

	return patches, next
}

func columnNames(row model.Row) []string {
	names := make([]string, 0, len(row.Columns))
	for name := range row.Columns {
		names = append(names, name)
	}
	return names
}

func sameCoverage(a, b map[string]map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for col, queriesA := range a {
		queriesB, ok := b[col]
		if !ok || len(queriesA) != len(queriesB) {
			return false
		}
		for q := range queriesA {
			if !queriesB[q] {
				return false
			}
		}
	}
	return true
}
