// Package query implements the declarative query AST (spec §3) and
// its compiler into an IVM operator graph (spec §4.F). There is no
// teacher analogue for SQL-shaped query compilation in cdc-sink; the
// AST node shapes instead borrow the plain-struct, registry-friendly
// style cdc-sink uses for applycfg.Configs (a flat set of typed
// config objects rather than an open class hierarchy).
package query

import "zero-sync/internal/ivm"

// AggKind is the set of supported aggregate functions (spec §3).
type AggKind int

const (
	AggCount AggKind = iota
	AggSum
	AggAvg
	AggMin
	AggMax
	AggArray
)

// Aggregate computes one aggregate column in a GroupBy's combiner.
type Aggregate struct {
	Kind  AggKind
	Field string // empty for Count(*)
	Alias string
}

// Direction is ASC or DESC for one OrderBy term.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// OrderTerm is one column of an ORDER BY clause.
type OrderTerm struct {
	Field     string
	Direction Direction
}

// JoinKind mirrors ivm.JoinKind at the AST level.
type JoinKind = ivm.JoinKind

// Join describes a join(...) AST node (spec §3).
type Join struct {
	Kind     JoinKind
	LeftCol  string
	RightCol string
	Other    *AST
	As       string
}

// AST is a single query's parsed tree (spec §3).
type AST struct {
	Table       string
	Columns     []string // select(columns); nil means all
	Where       *Condition
	Joins       []Join
	GroupBy     []string
	Aggregates  []Aggregate
	Having      *Condition
	OrderBy     []OrderTerm
	Limit       *int // nil means unlimited
	DistinctOn  string
	Distinct    bool // distinct() with no column
	Singular    bool // one()
}

// Op is a condition operator (spec §3).
type Op int

const (
	OpEq Op = iota
	OpNeq
	OpLt
	OpGt
	OpLte
	OpGte
	OpIn
	OpNotIn
	OpLike
	OpNotLike
	OpILike
	OpNotILike
	OpIntersects
	OpDisjoint
	OpSuperset
	OpSubset
	OpCongruent
	OpIncongruent
)

// CondKind distinguishes AND/OR composition from a leaf simple(...)
// condition.
type CondKind int

const (
	CondAnd CondKind = iota
	CondOr
	CondSimple
)

// Condition is a node in the where/having condition tree (spec §3).
type Condition struct {
	Kind Kind

	// CondAnd / CondOr
	Children []*Condition

	// CondSimple
	Op    Op
	Field string
	Value any
}

// Kind is an alias kept for readability at construction sites.
type Kind = CondKind

// And builds an AND condition over children.
func And(children ...*Condition) *Condition {
	return &Condition{Kind: CondAnd, Children: children}
}

// Or builds an OR condition over children.
func Or(children ...*Condition) *Condition {
	return &Condition{Kind: CondOr, Children: children}
}

// Simple builds a leaf comparison condition.
func Simple(op Op, field string, value any) *Condition {
	return &Condition{Kind: CondSimple, Op: op, Field: field, Value: value}
}
