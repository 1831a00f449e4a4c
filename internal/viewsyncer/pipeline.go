package viewsyncer

import (
	"context"

	"github.com/pkg/errors"

	"zero-sync/internal/ivm"
	"zero-sync/internal/model"
	"zero-sync/internal/query"
)

// pipeline is one compiled query, bound to this group's shared
// sourceSet, plus the bookkeeping needed to feed it each commit.
type pipeline struct {
	hash     string
	ast      *query.AST
	compiled *query.Compiled
	tree     *ivm.TreeView // compiled.Root, narrowed: query.Compile always wraps with a final TreeView.

	rootTable string
	// childTables holds every table reachable only through a join's
	// child side (ast.Joins[*].Other, recursively). Pushing a change
	// to one of these incrementally is architecturally unsupported:
	// see push below.
	childTables map[string]bool
}

func newPipeline(hash string, ast *query.AST, sources query.SourceProvider) (*pipeline, error) {
	compiled, err := query.Compile(ast, sources)
	if err != nil {
		return nil, err
	}
	tree, ok := compiled.Root.(*ivm.TreeView)
	if !ok {
		return nil, errors.Errorf("compiled query %s did not terminate in a TreeView", hash)
	}
	return &pipeline{
		hash:        hash,
		ast:         ast,
		compiled:    compiled,
		tree:        tree,
		rootTable:   ast.Table,
		childTables: joinChildTables(ast),
	}, nil
}

func joinChildTables(ast *query.AST) map[string]bool {
	tables := make(map[string]bool)
	for _, j := range ast.Joins {
		collectTables(j.Other, tables)
	}
	return tables
}

func collectTables(ast *query.AST, into map[string]bool) {
	into[ast.Table] = true
	for _, j := range ast.Joins {
		collectTables(j.Other, into)
	}
}

func (p *pipeline) hydrate(ctx context.Context) error {
	_, err := p.tree.Hydrate(ctx)
	return err
}

// push feeds one commit's changes into the pipeline. changed is the
// set of table names this commit touched anywhere in the group;
// rootDeltas is the already-collapsed delta the commit produced on
// this pipeline's own root table (nil if the root table wasn't
// touched this commit).
//
// A root-table delta composes correctly through the whole operator
// chain regardless of how many joins or wrapping operators sit above
// it: every Operator.Push in the chain forwards its input down to a
// single parent and transforms the result on the way back up, and
// Join.Push (the parent-side entry point) does exactly that too.
//
// A delta on a table reached only through some join's child side has
// no equivalent generic path: updating a join's child-side index needs
// a second, non-Operator entry point distinct from Operator.Push, but
// any Filter/Reduce/TreeView stacked above that join — and
// query.Compile always stacks at least a final TreeView — only holds a
// reference to call the single parent Push it was built with. There is
// no generic way to route a child-side update through an arbitrary
// stack of wrapping operators built from the outside in. Rather than
// teach every operator a second push entry point to plumb that
// through, a commit touching any of this pipeline's child tables
// re-hydrates the whole pipeline: correct, and no more expensive than
// the subscribe-time hydration already paid once per pipeline.
func (p *pipeline) push(ctx context.Context, rootDeltas []ivm.Delta, changed map[string]bool) error {
	for table := range p.childTables {
		if changed[table] {
			return p.hydrate(ctx)
		}
	}
	if rootDeltas == nil {
		return nil
	}
	_, err := p.compiled.Root.Push(ctx, rootDeltas)
	return err
}

// rows returns the pipeline's current materialized output.
func (p *pipeline) rows() []model.Row {
	return p.tree.Rows()
}
