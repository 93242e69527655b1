package schema_test

import (
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"arctic-table/failure"
	"arctic-table/schema"
)

func baseSchema(t *testing.T) (*schema.Schema, int) {
	s, last, err := schema.New(0, 0,
		schema.Field{Name: "a", Type: schema.Int, Required: true},
		schema.Field{Name: "b", Type: schema.StringN(8)},
		schema.Field{Name: "addr", Type: schema.StructOf(
			schema.Field{Name: "city", Type: schema.String},
			schema.Field{Name: "zip", Type: schema.Int},
		)},
		schema.Field{Name: "tags", Type: schema.ListOf(schema.String, false)},
	)
	require.NoError(t, err)
	return s, last
}

func TestNewAssignsIDs(t *testing.T) {
	s, last := baseSchema(t)
	require.Equal(t, 7, last)
	require.Equal(t, []int{1, 2, 3, 6}, s.FieldIDs())

	city, ok := s.FindByPath("addr.city")
	require.True(t, ok)
	require.Equal(t, 4, city.ID)

	elem, ok := s.FindByID(7)
	require.True(t, ok)
	require.Equal(t, "element", elem.Name)
	require.NoError(t, s.Validate())
}

func TestSchemaJSONRoundTrip(t *testing.T) {
	s, _ := baseSchema(t)
	data, err := json.Marshal(s)
	require.NoError(t, err)

	var decoded schema.Schema
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, s.SameFields(&decoded), "%s\n%s", s, &decoded)
}

func TestManagerEvolution(t *testing.T) {
	s, last := baseSchema(t)
	m, err := schema.NewManager([]*schema.Schema{s}, 0, last)
	require.NoError(t, err)

	added, err := m.AddField("c", schema.Boolean, "flag")
	require.NoError(t, err)
	require.Equal(t, 1, added.ID)
	c, ok := added.Field("c")
	require.True(t, ok)
	require.Equal(t, 8, c.ID)
	require.False(t, c.Required)

	renamed, err := m.RenameField(1, "alpha")
	require.NoError(t, err)
	alpha, ok := renamed.Field("alpha")
	require.True(t, ok)
	require.Equal(t, 1, alpha.ID)

	widened, err := m.PromoteType(1, schema.Long)
	require.NoError(t, err)
	alpha, _ = widened.Field("alpha")
	require.Equal(t, schema.Long, alpha.Type)

	_, err = m.PromoteType(2, schema.StringN(4))
	require.True(t, failure.IncompatibleType.Has(err))
	_, err = m.PromoteType(2, schema.Int)
	require.True(t, failure.IncompatibleType.Has(err))
	_, err = m.PromoteType(3, schema.String)
	require.True(t, failure.IncompatibleType.Has(err))

	wider, err := m.PromoteType(2, schema.StringN(32))
	require.NoError(t, err)
	unchanged, err := m.PromoteType(2, schema.StringN(32))
	require.NoError(t, err)
	require.Same(t, wider, unchanged)

	dropped, err := m.DropField(8)
	require.NoError(t, err)
	_, ok = dropped.Field("c")
	require.False(t, ok)

	readded, err := m.AddField("c", schema.Boolean, "")
	require.NoError(t, err)
	c, _ = readded.Field("c")
	require.Equal(t, 9, c.ID, "dropped ids are never reused")
	require.Equal(t, 9, m.LastColumnID())

	nested, err := m.AddNestedField(3, "country", schema.String, "")
	require.NoError(t, err)
	country, ok := nested.FindByPath("addr.country")
	require.True(t, ok)
	require.Equal(t, 10, country.ID)

	_, err = m.AddField("b", schema.Int, "")
	require.True(t, failure.AlreadyExists.Has(err))
	_, err = m.RenameField(2, "alpha")
	require.True(t, failure.AlreadyExists.Has(err))
	_, err = m.DropField(99)
	require.True(t, failure.NotFound.Has(err))

	prior, err := m.Get(0)
	require.NoError(t, err)
	require.Same(t, s, prior, "history is immutable")
	for _, sc := range m.All() {
		require.NoError(t, sc.Validate())
	}
}

func TestCoerceFloatToLongRange(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want any
	}{
		{float64(42), int64(42)},
		{float32(-8), int64(-8)},
		{float64(math.MinInt64), int64(math.MinInt64)},
		{math.Ldexp(1, 62), int64(1) << 62},
		{float32(math.Ldexp(1, 62)), int64(1) << 62},
	} {
		got, err := schema.Coerce(schema.Long, tc.in)
		require.NoError(t, err, "%v", tc.in)
		require.Equal(t, tc.want, got)
	}

	for _, in := range []any{
		math.Ldexp(1, 63), // float64(math.MaxInt64) rounds up to 2^63
		float64(math.MaxInt64),
		float32(math.Ldexp(1, 63)),
		float32(math.Ldexp(1, 70)),
		float32(-math.Ldexp(1, 70)),
		math.Inf(1),
		math.NaN(),
		1.5,
	} {
		_, err := schema.Coerce(schema.Long, in)
		require.True(t, failure.SchemaMismatch.Has(err), "%v", in)
	}
}

func TestCoerce(t *testing.T) {
	s, _ := baseSchema(t)

	rec, err := schema.FromMap(s, map[string]any{
		"a":    7,
		"b":    "hi",
		"addr": map[string]any{"city": "Oslo"},
		"tags": []string{"x", "y"},
	})
	require.NoError(t, err)
	require.Equal(t, int32(7), rec[1])
	require.Equal(t, schema.Record{4: "Oslo"}, rec[3])
	require.Equal(t, []any{"x", "y"}, rec[6])

	_, err = schema.FromMap(s, map[string]any{"a": "seven"})
	require.True(t, failure.SchemaMismatch.Has(err))
	_, err = schema.FromMap(s, map[string]any{"b": "x"})
	require.True(t, failure.SchemaMismatch.Has(err), "a is required")
	_, err = schema.FromMap(s, map[string]any{"a": 1, "b": "way too long"})
	require.True(t, failure.SchemaMismatch.Has(err))
	_, err = schema.FromMap(s, map[string]any{"a": 1, "nope": 1})
	require.True(t, failure.SchemaMismatch.Has(err))
	_, err = schema.FromMap(s, map[string]any{"a": int64(1) << 40})
	require.True(t, failure.SchemaMismatch.Has(err))

	day := time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)
	d, err := schema.Coerce(schema.Date, day)
	require.NoError(t, err)
	require.True(t, day.Truncate(24*time.Hour).Equal(schema.TimeFromDate(d.(int32))))
	d2, err := schema.Coerce(schema.Date, "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, d, d2)

	ts, err := schema.Coerce(schema.Timestamp, day)
	require.NoError(t, err)
	require.True(t, day.Equal(schema.TimeFromMicros(ts.(int64))))

	back := rec.ToMap(s)
	require.Equal(t, map[string]any{"city": "Oslo", "zip": nil}, back["addr"])
}

func TestPromoteAndCompare(t *testing.T) {
	v, err := schema.Promote(int32(5), schema.Int, schema.Long)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	v, err = schema.Promote(float32(1.5), schema.Float, schema.Double)
	require.NoError(t, err)
	require.Equal(t, 1.5, v)

	_, err = schema.Promote("x", schema.String, schema.Int)
	require.True(t, failure.IncompatibleType.Has(err))

	c, ok := schema.Compare(int32(3), int64(4))
	require.True(t, ok)
	require.Equal(t, -1, c)
	c, ok = schema.Compare("b", "a")
	require.True(t, ok)
	require.Equal(t, 1, c)
	_, ok = schema.Compare("b", int32(1))
	require.False(t, ok)
}

func TestBounds(t *testing.T) {
	for _, v := range []any{true, int32(-3), int64(1 << 40), float32(2.5), 3.25, "abc", []byte{0, 1}} {
		enc, err := schema.EncodeBound(v)
		require.NoError(t, err)
		dec, err := schema.DecodeBound(enc)
		require.NoError(t, err)
		require.Equal(t, v, dec)
	}
	_, err := schema.DecodeBound([]byte{'i', 1})
	require.True(t, failure.CorruptMetadata.Has(err))
}

func TestNestedEncoding(t *testing.T) {
	s, _ := baseSchema(t)
	addr, _ := s.Field("addr")

	data, err := schema.EncodeNested(addr.Type, schema.Record{4: "Oslo", 5: int32(150)})
	require.NoError(t, err)

	m, err := schema.NewManager([]*schema.Schema{s}, 0, 7)
	require.NoError(t, err)
	_, err = m.RenameField(4, "town")
	require.NoError(t, err)
	evolved, err := m.PromoteType(5, schema.Long)
	require.NoError(t, err)
	newAddr, _ := evolved.Field("addr")

	v, err := schema.DecodeNested(newAddr.Type, data)
	require.NoError(t, err)
	require.Equal(t, schema.Record{4: "Oslo", 5: int64(150)}, v)
}

func TestParseType(t *testing.T) {
	typ, err := schema.ParseType("string(12)")
	require.NoError(t, err)
	require.Equal(t, schema.StringN(12), typ)
	typ, err = schema.ParseType("LONG")
	require.NoError(t, err)
	require.Equal(t, schema.Long, typ)
	_, err = schema.ParseType("decimal(10,2)")
	require.True(t, failure.InvalidArgument.Has(err))
}
