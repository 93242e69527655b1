package expr

import (
	"strings"

	"arctic-table/failure"
)

// ParseCondition reads a single condition such as "age>=21", "name=bob",
// "city is null" or "id in 1,2,3". Literals stay text until the filter is bound.
func ParseCondition(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	switch {
	case strings.HasSuffix(lower, " is not null"):
		return NotNull(strings.TrimSpace(s[:len(s)-len(" is not null")])), nil
	case strings.HasSuffix(lower, " is null"):
		return IsNull(strings.TrimSpace(s[:len(s)-len(" is null")])), nil
	}
	if i := strings.Index(lower, " in "); i > 0 {
		var values []any
		for _, v := range strings.Split(s[i+len(" in "):], ",") {
			values = append(values, strings.TrimSpace(v))
		}
		return In(strings.TrimSpace(s[:i]), values...), nil
	}

	// two-character operators first so ">=" is not read as ">"
	for _, op := range []struct {
		token string
		build func(string, any) Expr
	}{
		{">=", GreaterThanOrEqual},
		{"<=", LessThanOrEqual},
		{"!=", NotEqual},
		{"=", Equal},
		{">", GreaterThan},
		{"<", LessThan},
	} {
		if i := strings.Index(s, op.token); i > 0 {
			column := strings.TrimSpace(s[:i])
			value := strings.TrimSpace(s[i+len(op.token):])
			if column == "" {
				break
			}
			return op.build(column, value), nil
		}
	}
	return Expr{}, failure.InvalidArgument.New("cannot parse condition %q", s)
}

// ParseConditions parses every condition and joins them with And.
func ParseConditions(conds []string) (Expr, error) {
	var parsed []Expr
	for _, c := range conds {
		e, err := ParseCondition(c)
		if err != nil {
			return Expr{}, err
		}
		parsed = append(parsed, e)
	}
	return And(parsed...), nil
}
