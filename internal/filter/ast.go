// Package filter parses and evaluates metadata filter expressions.
//
// Filters arrive in three surface syntaxes (plain map, structured map with
// $-operators, SQL-ish string) and all produce the same Expr tree, which a
// single evaluator interprets against a vector's metadata.
package filter

import "fmt"

// Op is a comparison operator.
type Op string

const (
	OpEq   Op = "eq"
	OpNe   Op = "ne"
	OpLt   Op = "lt"
	OpLe   Op = "le"
	OpGt   Op = "gt"
	OpGe   Op = "ge"
	OpIn   Op = "in"
	OpNin  Op = "nin"
	OpLike Op = "like"
)

// Expr is a node in the filter expression tree.
type Expr interface {
	fmt.Stringer
	isExpr()
}

// And is a conjunction of sub-expressions.
type And struct {
	Exprs []Expr
}

// Or is a disjunction of sub-expressions.
type Or struct {
	Exprs []Expr
}

// Not negates a sub-expression.
type Not struct {
	Expr Expr
}

// Cmp compares a metadata field against a literal value.
// Field paths may use dotted notation for nested metadata.
type Cmp struct {
	Field string
	Op    Op
	Value any
}

// Exists tests whether a metadata field is present.
type Exists struct {
	Field string
}

// IsNull tests whether a metadata field is null (or absent).
type IsNull struct {
	Field string
}

func (And) isExpr()    {}
func (Or) isExpr()     {}
func (Not) isExpr()    {}
func (Cmp) isExpr()    {}
func (Exists) isExpr() {}
func (IsNull) isExpr() {}

func (e And) String() string {
	s := "("
	for i, sub := range e.Exprs {
		if i > 0 {
			s += " AND "
		}
		s += sub.String()
	}
	return s + ")"
}

func (e Or) String() string {
	s := "("
	for i, sub := range e.Exprs {
		if i > 0 {
			s += " OR "
		}
		s += sub.String()
	}
	return s + ")"
}

func (e Not) String() string    { return "NOT " + e.Expr.String() }
func (e Cmp) String() string    { return fmt.Sprintf("%s %s %v", e.Field, e.Op, e.Value) }
func (e Exists) String() string { return e.Field + " EXISTS" }
func (e IsNull) String() string { return e.Field + " IS NULL" }
