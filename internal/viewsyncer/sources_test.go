package viewsyncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zero-sync/internal/ivm"
	"zero-sync/internal/model"
)

func TestSourceSetEnsureHydratesFromReplicaOnce(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, []model.Row{
		row(issueTable(), "1", map[string]any{"id": "1"}),
	})
	set := newSourceSet(replica, testSchema)

	src, err := set.ensure(context.Background(), "issue")
	require.NoError(t, err)
	assert.Len(t, src.Rows(), 1)

	again, err := set.Source("issue")
	require.NoError(t, err)
	assert.Same(t, src, again)
}

func TestSourceSetSourceBeforeEnsureErrors(t *testing.T) {
	set := newSourceSet(newFakeReplica(), testSchema)
	_, err := set.Source("issue")
	require.Error(t, err)
}

func TestSourceSetEnsureUnknownTableErrors(t *testing.T) {
	set := newSourceSet(newFakeReplica(), testSchema)
	_, err := set.ensure(context.Background(), "ghost")
	require.Error(t, err)
}

func TestSourceSetApplyIgnoresUnpreparedTable(t *testing.T) {
	set := newSourceSet(newFakeReplica(), testSchema)
	deltas := set.apply("never-ensured", []ivm.SourceChange{
		{Op: ivm.RowAdd, Row: row(issueTable(), "1", map[string]any{"id": "1"})},
	})
	assert.Nil(t, deltas)
}

func TestSourceChangesByTableGroupsByKindAndTruncateEvicts(t *testing.T) {
	replica := newFakeReplica()
	replica.addTable(issueTable(), []string{"id"}, []model.Row{
		row(issueTable(), "1", map[string]any{"id": "1"}),
	})
	set := newSourceSet(replica, testSchema)
	_, err := set.ensure(context.Background(), "issue")
	require.NoError(t, err)

	changes := []model.Change{
		{Kind: model.KindInsert, Row: row(issueTable(), "2", map[string]any{"id": "2"})},
		{Kind: model.KindTruncate, Table: issueTable()},
	}
	byTable := sourceChangesByTable(set, changes)
	require.Contains(t, byTable, "issue")

	counts := map[ivm.PushOp]int{}
	for _, c := range byTable["issue"] {
		counts[c.Op]++
	}
	assert.Equal(t, 1, counts[ivm.RowAdd])
	assert.Equal(t, 1, counts[ivm.RowRemove])
}
