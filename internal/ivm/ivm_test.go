package ivm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/ivm"
	"zero-sync/internal/model"
	"zero-sync/internal/util/ident"
)

var issues = ident.NewTable(ident.NewSchema("public"), "issues")

func row(id string, big bool) model.Row {
	return model.Row{
		Table:      issues,
		PrimaryKey: []string{id},
		Columns:    map[string]any{"id": id, "big": big},
	}
}

func pkCompare(a, b model.Row) int {
	ai, bi := a.PrimaryKey[0], b.PrimaryKey[0]
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	default:
		return 0
	}
}

func TestSourcePushAddRemoveIsIdempotent(t *testing.T) {
	src := ivm.NewSource(pkCompare)
	src.Push([]ivm.SourceChange{{Op: ivm.RowAdd, Row: row("1", false)}})
	before := src.Rows()

	src.Push([]ivm.SourceChange{
		{Op: ivm.RowAdd, Row: row("2", true)},
		{Op: ivm.RowRemove, Row: row("2", true)},
	})
	after := src.Rows()

	assert.Equal(t, before, after)
}

func TestCollapseCancelsOppositeDeltasForSameCommit(t *testing.T) {
	r := row("1", false)
	out := ivm.Collapse([]ivm.Delta{
		{Row: r, Mult: 1},
		{Row: r, Mult: -1},
	})
	assert.Empty(t, out)
}

func TestFilterPassesOnlyMatching(t *testing.T) {
	src := ivm.NewSource(pkCompare)
	out := src.Connect(nil)
	f := ivm.NewFilter(out, func(r model.Row) bool { return r.Columns["big"] == true })

	src.Push([]ivm.SourceChange{
		{Op: ivm.RowAdd, Row: row("1", false)},
		{Op: ivm.RowAdd, Row: row("2", true)},
	})
	deltas, err := f.Hydrate(context.Background())
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "2", deltas[0].Row.PrimaryKey[0])
}

func TestReduceComputesGroupAggregateLazily(t *testing.T) {
	src := ivm.NewSource(pkCompare)
	out := src.Connect(nil)

	called := 0
	combine := func(members []model.Row) (model.Row, bool) {
		called++
		if len(members) == 0 {
			return model.Row{}, false
		}
		return model.Row{
			Table:      issues,
			PrimaryKey: []string{"count"},
			Columns:    map[string]any{"count": len(members)},
		}, true
	}
	red := ivm.NewReduce(out,
		func(r model.Row) string { return "all" },
		func(r model.Row) string { return r.PrimaryKey[0] },
		combine,
	)

	src.Push([]ivm.SourceChange{
		{Op: ivm.RowAdd, Row: row("1", false)},
		{Op: ivm.RowAdd, Row: row("2", true)},
	})
	assert.Equal(t, 0, called, "combiner must not run before a pull")

	deltas, err := red.Hydrate(context.Background())
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, 2, deltas[0].Row.Columns["count"])
	assert.Equal(t, 1, called)
}

func TestReduceRetractsEmptyGroup(t *testing.T) {
	src := ivm.NewSource(pkCompare)
	out := src.Connect(nil)
	combine := func(members []model.Row) (model.Row, bool) {
		if len(members) == 0 {
			return model.Row{}, false
		}
		return model.Row{Table: issues, PrimaryKey: []string{"all"}, Columns: map[string]any{"n": len(members)}}, true
	}
	red := ivm.NewReduce(out,
		func(r model.Row) string { return "all" },
		func(r model.Row) string { return r.PrimaryKey[0] },
		combine,
	)
	src.Push([]ivm.SourceChange{{Op: ivm.RowAdd, Row: row("1", false)}})
	_, err := red.Hydrate(context.Background())
	require.NoError(t, err)

	deltas := src.Push([]ivm.SourceChange{{Op: ivm.RowRemove, Row: row("1", false)}})
	out2, err := red.Push(context.Background(), deltas)
	require.NoError(t, err)
	require.Len(t, out2, 1)
	assert.Equal(t, -1, out2[0].Mult)
}

func TestTreeViewTreatsDeleteThenAddAsUpdate(t *testing.T) {
	src := ivm.NewSource(pkCompare)
	out := src.Connect(nil)
	tv := ivm.NewTreeView(out, pkCompare, 0)

	src.Push([]ivm.SourceChange{{Op: ivm.RowAdd, Row: row("1", false)}})
	_, err := tv.Hydrate(context.Background())
	require.NoError(t, err)

	deltas := src.Push([]ivm.SourceChange{{Op: ivm.RowEdit, Row: row("1", true)}})
	_, err = tv.Push(context.Background(), deltas)
	require.NoError(t, err)

	rows := tv.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0].Columns["big"])
}

func TestTreeViewRespectsLimit(t *testing.T) {
	src := ivm.NewSource(pkCompare)
	out := src.Connect(nil)
	tv := ivm.NewTreeView(out, pkCompare, 1)

	src.Push([]ivm.SourceChange{
		{Op: ivm.RowAdd, Row: row("1", false)},
		{Op: ivm.RowAdd, Row: row("2", false)},
	})
	deltas, err := tv.Hydrate(context.Background())
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, "1", deltas[0].Row.PrimaryKey[0])
}

func TestDistinctDedupesConcatBranches(t *testing.T) {
	src := ivm.NewSource(pkCompare)
	outA := ivm.NewFilter(src.Connect(nil), func(r model.Row) bool { return true })
	outB := ivm.NewFilter(src.Connect(nil), func(r model.Row) bool { return true })
	d := ivm.NewDistinct(ivm.NewConcat(outA, outB))

	src.Push([]ivm.SourceChange{{Op: ivm.RowAdd, Row: row("1", false)}})
	deltas, err := d.Hydrate(context.Background())
	require.NoError(t, err)
	assert.Len(t, deltas, 1)
}
