package expr

import (
	"arctic-table/schema"
)

// Metrics summarizes the values of a file, row group or manifest. Bounds are
// canonical values; a missing entry means unknown.
type Metrics struct {
	RowCount    int64
	ValueCounts map[int]int64
	NullCounts  map[int]int64
	Lower       map[int]any
	Upper       map[int]any
}

// MightMatch reports whether any row summarized by m could match. It returns
// false only when the statistics prove that no row matches.
func (b *Bound) MightMatch(m Metrics) bool {
	if b.IsAlwaysTrue() {
		return m.RowCount != 0
	}
	if m.RowCount == 0 {
		return false
	}
	return b.mightMatch(m)
}

func (b *Bound) mightMatch(m Metrics) bool {
	switch b.Op {
	case OpTrue:
		return true
	case OpAnd:
		for _, c := range b.Children {
			if !c.mightMatch(m) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range b.Children {
			if c.mightMatch(m) {
				return true
			}
		}
		return false
	}

	nulls, nullsKnown := m.NullCounts[b.FieldID]
	allNull := nullsKnown && nulls >= m.RowCount

	switch b.Op {
	case OpIsNull:
		return !nullsKnown || nulls > 0
	case OpNotNull:
		return !allNull
	}
	if allNull {
		return false
	}

	lower, hasLower := m.Lower[b.FieldID]
	upper, hasUpper := m.Upper[b.FieldID]
	// below and above are true only when the bounds prove it
	below := func(v any) bool { // upper < v
		if !hasUpper {
			return false
		}
		c, ok := schema.Compare(upper, v)
		return ok && c < 0
	}
	above := func(v any) bool { // lower > v
		if !hasLower {
			return false
		}
		c, ok := schema.Compare(lower, v)
		return ok && c > 0
	}

	v := b.Values[0]
	switch b.Op {
	case OpEqual:
		return !below(v) && !above(v)
	case OpNotEqual:
		// bounds leave out NaN, which never equals the literal
		if hasLower && hasUpper && !floating(v) {
			cl, okl := schema.Compare(lower, v)
			cu, oku := schema.Compare(upper, v)
			if okl && oku && cl == 0 && cu == 0 {
				return false
			}
		}
		return true
	case OpLessThan:
		if hasLower {
			if c, ok := schema.Compare(lower, v); ok && c >= 0 {
				return false
			}
		}
		return true
	case OpLessThanOrEqual:
		return !above(v)
	case OpGreaterThan:
		if hasUpper {
			if c, ok := schema.Compare(upper, v); ok && c <= 0 {
				return false
			}
		}
		return true
	case OpGreaterThanOrEqual:
		return !below(v)
	case OpIn:
		for _, lit := range b.Values {
			if !below(lit) && !above(lit) {
				return true
			}
		}
		return false
	}
	return true
}

func floating(v any) bool {
	switch v.(type) {
	case float32, float64:
		return true
	}
	return false
}
