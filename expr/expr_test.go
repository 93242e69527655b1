package expr_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	s, _, err := schema.New(0, 0,
		schema.Field{Name: "id", Type: schema.Long, Required: true},
		schema.Field{Name: "name", Type: schema.StringN(4)},
		schema.Field{Name: "score", Type: schema.Double},
	)
	require.NoError(t, err)
	return s
}

func TestEval(t *testing.T) {
	s := testSchema(t)
	row := schema.Record{1: int64(10), 2: "bob", 3: nil}

	for _, tc := range []struct {
		filter expr.Expr
		want   bool
	}{
		{expr.AlwaysTrue(), true},
		{expr.Equal("id", 10), true},
		{expr.Equal("id", "10"), true},
		{expr.NotEqual("id", 10), false},
		{expr.LessThan("id", 11), true},
		{expr.LessThanOrEqual("id", 10), true},
		{expr.GreaterThan("id", 10), false},
		{expr.GreaterThanOrEqual("id", 10), true},
		{expr.Equal("name", "bob"), true},
		{expr.Equal("name", "robert"), false},
		{expr.IsNull("score"), true},
		{expr.NotNull("score"), false},
		{expr.GreaterThan("score", 1.0), false},
		{expr.NotEqual("score", 1.0), false},
		{expr.In("id", 1, 10, 100), true},
		{expr.And(expr.Equal("id", 10), expr.IsNull("score")), true},
		{expr.And(expr.Equal("id", 10), expr.NotNull("score")), false},
		{expr.Or(expr.Equal("id", 1), expr.Equal("name", "bob")), true},
	} {
		bound, err := tc.filter.Bind(s)
		require.NoError(t, err, tc.filter.String())
		require.Equal(t, tc.want, bound.Eval(row), tc.filter.String())
	}
}

func TestEvalNaN(t *testing.T) {
	s := testSchema(t)
	row := schema.Record{1: int64(1), 3: math.NaN()}

	for _, tc := range []struct {
		filter expr.Expr
		want   bool
	}{
		{expr.Equal("score", 5.0), false},
		{expr.NotEqual("score", 5.0), true},
		{expr.LessThan("score", 5.0), false},
		{expr.LessThanOrEqual("score", 5.0), false},
		{expr.GreaterThan("score", 5.0), false},
		{expr.GreaterThanOrEqual("score", 5.0), false},
		{expr.In("score", 1.0, 5.0), false},
		{expr.NotNull("score"), true},
	} {
		bound, err := tc.filter.Bind(s)
		require.NoError(t, err, tc.filter.String())
		require.Equal(t, tc.want, bound.Eval(row), tc.filter.String())
	}

	// bounds never include NaN, so equal bounds do not prove every row equal
	single := expr.Metrics{RowCount: 3, Lower: map[int]any{3: 5.0}, Upper: map[int]any{3: 5.0}}
	ne, err := expr.NotEqual("score", 5.0).Bind(s)
	require.NoError(t, err)
	require.True(t, ne.MightMatch(single))

	_, ok := schema.Compare(math.NaN(), 5.0)
	require.False(t, ok)
	_, ok = schema.Compare(int64(5), math.NaN())
	require.False(t, ok)
}

func TestBindErrors(t *testing.T) {
	s := testSchema(t)

	_, err := expr.Equal("missing", 1).Bind(s)
	require.True(t, failure.InvalidArgument.Has(err))
	_, err = expr.Equal("id", "abc").Bind(s)
	require.True(t, failure.InvalidArgument.Has(err))
	_, err = expr.Equal("id", nil).Bind(s)
	require.True(t, failure.InvalidArgument.Has(err))
	_, err = expr.In("id").Bind(s)
	require.True(t, failure.InvalidArgument.Has(err))
}

func TestMightMatch(t *testing.T) {
	s := testSchema(t)
	m := expr.Metrics{
		RowCount:   100,
		NullCounts: map[int]int64{1: 0, 3: 100},
		Lower:      map[int]any{1: int32(10), 2: "b"},
		Upper:      map[int]any{1: int32(20), 2: "d"},
	}

	for _, tc := range []struct {
		filter expr.Expr
		want   bool
	}{
		{expr.AlwaysTrue(), true},
		{expr.Equal("id", 5), false},
		{expr.Equal("id", 10), true},
		{expr.Equal("id", 21), false},
		{expr.LessThan("id", 10), false},
		{expr.LessThanOrEqual("id", 10), true},
		{expr.GreaterThan("id", 20), false},
		{expr.GreaterThanOrEqual("id", 20), true},
		{expr.In("id", 1, 2, 30), false},
		{expr.In("id", 1, 15), true},
		{expr.IsNull("id"), false},
		{expr.NotNull("id"), true},
		{expr.IsNull("score"), true},
		{expr.NotNull("score"), false},
		{expr.GreaterThan("score", 0.0), false},
		{expr.Equal("name", "a"), false},
		{expr.Equal("name", "c"), true},
		{expr.Or(expr.Equal("id", 5), expr.Equal("name", "c")), true},
		{expr.And(expr.Equal("id", 15), expr.Equal("name", "z")), false},
	} {
		bound, err := tc.filter.Bind(s)
		require.NoError(t, err)
		require.Equal(t, tc.want, bound.MightMatch(m), tc.filter.String())
	}

	// unknown statistics never prune
	bound, err := expr.Equal("id", 5).Bind(s)
	require.NoError(t, err)
	require.True(t, bound.MightMatch(expr.Metrics{RowCount: 1}))
	require.False(t, bound.MightMatch(expr.Metrics{}))

	single := expr.Metrics{RowCount: 3, Lower: map[int]any{1: int64(7)}, Upper: map[int]any{1: int64(7)}}
	ne, err := expr.NotEqual("id", 7).Bind(s)
	require.NoError(t, err)
	require.False(t, ne.MightMatch(single))
}

func TestParseCondition(t *testing.T) {
	s := testSchema(t)
	row := schema.Record{1: int64(21), 2: "ann"}

	for cond, want := range map[string]bool{
		"id>=21":            true,
		"id > 21":           false,
		"id<=20":            false,
		"id!=21":            false,
		"name=ann":          true,
		"score is null":     true,
		"score IS NOT NULL": false,
		"id in 1, 21":       true,
	} {
		e, err := expr.ParseCondition(cond)
		require.NoError(t, err, cond)
		bound, err := e.Bind(s)
		require.NoError(t, err, cond)
		require.Equal(t, want, bound.Eval(row), cond)
	}

	_, err := expr.ParseCondition("nonsense")
	require.True(t, failure.InvalidArgument.Has(err))

	combined, err := expr.ParseConditions([]string{"id>1", "name=ann"})
	require.NoError(t, err)
	require.Equal(t, expr.OpAnd, combined.Op)
}
