package querylang

import "strings"

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpIn  Op = "in"
)

// Expr is a node of a parsed query.
type Expr interface {
	expr()
}

// AndExpr matches when every term matches.
type AndExpr struct {
	Terms []Expr
}

// OrExpr matches when any term matches.
type OrExpr struct {
	Terms []Expr
}

// NotExpr negates its term.
type NotExpr struct {
	Term Expr
}

// CompareExpr compares a field path with a value.
//
// Value is one of string, int64, float64, bool, time.Time, primitive.Regex,
// Exists, Size or List.
type CompareExpr struct {
	Field string
	Op    Op
	Value interface{}
}

// ConnectionLabelExpr is a comparison against the synthetic connection_label
// field. It must be expanded against live label data before translation.
type ConnectionLabelExpr struct {
	Field string
	Op    Op
	Value interface{}
}

// ConnectionTupleExpr matches an adapter record by client id and plugin unique
// name together.
type ConnectionTupleExpr struct {
	ClientID         string
	PluginUniqueName string
}

func (AndExpr) expr()             {}
func (OrExpr) expr()              {}
func (NotExpr) expr()             {}
func (CompareExpr) expr()         {}
func (ConnectionLabelExpr) expr() {}
func (ConnectionTupleExpr) expr() {}

// Exists is the value of exists(bool).
type Exists bool

// Size is the value of size(n).
type Size int64

// List is a bracketed value list.
type List []interface{}

const connectionLabelField = "connection_label"

func isConnectionLabelField(field string) bool {
	return field == connectionLabelField || field == "specific_data."+connectionLabelField
}

// ContainsConnectionLabel reports whether the query text references connection labels.
func ContainsConnectionLabel(query string) bool {
	return strings.Contains(query, connectionLabelField)
}
