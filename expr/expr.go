// Package expr implements row filters. Filters are written against column names
// and bound to a schema, after which they refer to field IDs and can be
// evaluated against rows or, conservatively, against column statistics.
package expr

import (
	"fmt"
	"strings"

	"arctic-table/failure"
	"arctic-table/schema"
)

type Op int

const (
	OpTrue Op = iota
	OpEqual
	OpNotEqual
	OpLessThan
	OpLessThanOrEqual
	OpGreaterThan
	OpGreaterThanOrEqual
	OpIsNull
	OpNotNull
	OpIn
	OpAnd
	OpOr
)

var opSymbols = map[Op]string{
	OpTrue:               "true",
	OpEqual:              "=",
	OpNotEqual:           "!=",
	OpLessThan:           "<",
	OpLessThanOrEqual:    "<=",
	OpGreaterThan:        ">",
	OpGreaterThanOrEqual: ">=",
	OpIsNull:             "is null",
	OpNotNull:            "is not null",
	OpIn:                 "in",
	OpAnd:                "and",
	OpOr:                 "or",
}

func (op Op) String() string { return opSymbols[op] }

// Expr is an unbound filter referring to columns by name. The zero value
// matches every row.
type Expr struct {
	Op       Op
	Column   string
	Values   []any
	Children []Expr
}

func AlwaysTrue() Expr { return Expr{Op: OpTrue} }

func Equal(column string, v any) Expr {
	return Expr{Op: OpEqual, Column: column, Values: []any{v}}
}

func NotEqual(column string, v any) Expr {
	return Expr{Op: OpNotEqual, Column: column, Values: []any{v}}
}

func LessThan(column string, v any) Expr {
	return Expr{Op: OpLessThan, Column: column, Values: []any{v}}
}

func LessThanOrEqual(column string, v any) Expr {
	return Expr{Op: OpLessThanOrEqual, Column: column, Values: []any{v}}
}

func GreaterThan(column string, v any) Expr {
	return Expr{Op: OpGreaterThan, Column: column, Values: []any{v}}
}

func GreaterThanOrEqual(column string, v any) Expr {
	return Expr{Op: OpGreaterThanOrEqual, Column: column, Values: []any{v}}
}

func IsNull(column string) Expr { return Expr{Op: OpIsNull, Column: column} }

func NotNull(column string) Expr { return Expr{Op: OpNotNull, Column: column} }

func In(column string, vs ...any) Expr {
	return Expr{Op: OpIn, Column: column, Values: vs}
}

// And combines filters; an empty And matches everything.
func And(children ...Expr) Expr { return combine(OpAnd, children) }

// Or combines filters.
func Or(children ...Expr) Expr { return combine(OpOr, children) }

func combine(op Op, children []Expr) Expr {
	var kept []Expr
	for _, c := range children {
		if c.Op == OpTrue {
			if op == OpOr {
				return AlwaysTrue()
			}
			continue
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return AlwaysTrue()
	case 1:
		return kept[0]
	}
	return Expr{Op: op, Children: kept}
}

func (e Expr) IsAlwaysTrue() bool { return e.Op == OpTrue }

func (e Expr) String() string {
	switch e.Op {
	case OpTrue:
		return "true"
	case OpAnd, OpOr:
		parts := make([]string, len(e.Children))
		for i, c := range e.Children {
			parts[i] = "(" + c.String() + ")"
		}
		return strings.Join(parts, " "+e.Op.String()+" ")
	case OpIsNull, OpNotNull:
		return e.Column + " " + e.Op.String()
	case OpIn:
		return fmt.Sprintf("%s in %v", e.Column, e.Values)
	}
	return fmt.Sprintf("%s %s %v", e.Column, e.Op, e.Values[0])
}

// Bound is a filter resolved against one schema.
type Bound struct {
	Op       Op
	FieldID  int
	Type     schema.Type
	Values   []any
	Children []*Bound
}

// Bind resolves column names and coerces literals to the column types. Text
// literals are parsed when the column is not a string.
func (e Expr) Bind(s *schema.Schema) (*Bound, error) {
	switch e.Op {
	case OpTrue:
		return &Bound{Op: OpTrue}, nil
	case OpAnd, OpOr:
		b := &Bound{Op: e.Op}
		for _, c := range e.Children {
			child, err := c.Bind(s)
			if err != nil {
				return nil, err
			}
			b.Children = append(b.Children, child)
		}
		return b, nil
	}

	field, ok := s.Field(e.Column)
	if !ok {
		return nil, failure.InvalidArgument.New("filter column %q not in schema %d", e.Column, s.ID)
	}
	if !field.Type.IsPrimitive() {
		return nil, failure.InvalidArgument.New("filter column %q has nested type %s", e.Column, field.Type)
	}
	b := &Bound{Op: e.Op, FieldID: field.ID, Type: field.Type}

	switch e.Op {
	case OpIsNull, OpNotNull:
		return b, nil
	case OpIn:
		if len(e.Values) == 0 {
			return nil, failure.InvalidArgument.New("empty in list for %q", e.Column)
		}
	default:
		if len(e.Values) != 1 {
			return nil, failure.InvalidArgument.New("%s on %q takes one value", e.Op, e.Column)
		}
	}

	// literal bounds never restrict filters
	litType := field.Type
	litType.Length = 0
	for _, v := range e.Values {
		lit, err := bindLiteral(litType, v)
		if err != nil {
			return nil, fmt.Errorf("filter on %q: %w", e.Column, err)
		}
		if lit == nil {
			return nil, failure.InvalidArgument.New("null literal in filter on %q; use IsNull", e.Column)
		}
		b.Values = append(b.Values, lit)
	}
	return b, nil
}

func bindLiteral(t schema.Type, v any) (any, error) {
	if s, ok := v.(string); ok && t.Kind != schema.KindString && t.Kind != schema.KindBinary {
		return schema.Parse(t, s)
	}
	lit, err := schema.Coerce(t, v)
	if err != nil {
		return nil, failure.InvalidArgument.New("%v", err)
	}
	return lit, nil
}

// Eval reports whether the row matches. Comparisons against null are false.
func (b *Bound) Eval(r schema.Record) bool {
	switch b.Op {
	case OpTrue:
		return true
	case OpAnd:
		for _, c := range b.Children {
			if !c.Eval(r) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range b.Children {
			if c.Eval(r) {
				return true
			}
		}
		return false
	}

	v := r[b.FieldID]
	switch b.Op {
	case OpIsNull:
		return v == nil
	case OpNotNull:
		return v != nil
	}
	if v == nil {
		return false
	}
	if b.Op == OpIn {
		for _, lit := range b.Values {
			if c, ok := schema.Compare(v, lit); ok && c == 0 {
				return true
			}
		}
		return false
	}

	c, ok := schema.Compare(v, b.Values[0])
	if !ok {
		// unordered, as NaN is against everything
		return b.Op == OpNotEqual
	}
	switch b.Op {
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpLessThan:
		return c < 0
	case OpLessThanOrEqual:
		return c <= 0
	case OpGreaterThan:
		return c > 0
	case OpGreaterThanOrEqual:
		return c >= 0
	}
	return false
}

// FieldIDs lists the columns the filter reads.
func (b *Bound) FieldIDs() []int {
	seen := map[int]bool{}
	var ids []int
	var walk func(*Bound)
	walk = func(n *Bound) {
		if n.Op != OpTrue && n.Op != OpAnd && n.Op != OpOr && !seen[n.FieldID] {
			seen[n.FieldID] = true
			ids = append(ids, n.FieldID)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(b)
	return ids
}

func (b *Bound) IsAlwaysTrue() bool { return b == nil || b.Op == OpTrue }
