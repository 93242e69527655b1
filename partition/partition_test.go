package partition_test

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"arctic-table/failure"
	"arctic-table/partition"
	"arctic-table/schema"
)

func eventsSchema(t *testing.T) *schema.Schema {
	s, _, err := schema.New(0, 0,
		schema.Field{Name: "id", Type: schema.Int, Required: true},
		schema.Field{Name: "region", Type: schema.String},
		schema.Field{Name: "ts", Type: schema.Timestamp},
		schema.Field{Name: "score", Type: schema.Double},
	)
	require.NoError(t, err)
	return s
}

func TestParseTransform(t *testing.T) {
	for _, s := range []string{"identity", "bucket[16]", "truncate[4]", "year", "month", "day", "hour"} {
		tr, err := partition.ParseTransform(s)
		require.NoError(t, err)
		require.Equal(t, s, tr.String())
	}
	for _, s := range []string{"bucket", "bucket[0]", "zorder", "truncate[x]"} {
		_, err := partition.ParseTransform(s)
		require.True(t, failure.InvalidArgument.Has(err), s)
	}
}

func TestSpecPartition(t *testing.T) {
	s := eventsSchema(t)
	spec, err := partition.NewSpec(0, s,
		partition.FieldSpec{Column: "region", Transform: partition.Identity},
		partition.FieldSpec{Column: "ts", Transform: partition.Day},
		partition.FieldSpec{Column: "id", Transform: partition.Bucket(8)},
	)
	require.NoError(t, err)
	require.NoError(t, spec.Validate(s))
	require.Equal(t, "ts_day", spec.Fields[1].Name)
	require.Equal(t, partition.FirstFieldID+2, spec.Fields[2].FieldID)

	ts := time.Date(2024, 5, 17, 23, 59, 0, 0, time.UTC)
	rec := schema.Record{1: int32(42), 2: "eu/west", 3: ts.UnixMicro()}
	values, err := spec.Partition(s, rec)
	require.NoError(t, err)
	require.Equal(t, "eu/west", values["region"])
	require.Equal(t, "2024-05-17", values["ts_day"])

	again, err := spec.Partition(s, rec)
	require.NoError(t, err)
	require.Equal(t, values.Key(), again.Key())

	require.Equal(t, "region=eu%2Fwest/ts_day=2024-05-17/id_bucket="+values["id_bucket"], spec.Path(values))

	nulls, err := spec.Partition(s, schema.Record{1: int32(1)})
	require.NoError(t, err)
	require.Equal(t, "region=null/ts_day=null/id_bucket="+nulls["id_bucket"], spec.Path(nulls))

	lower, upper := spec.Bounds(s, values)
	require.Equal(t, map[int]any{2: "eu/west"}, lower)
	require.Equal(t, lower, upper)
}

func TestBucketStableAcrossPromotion(t *testing.T) {
	small, ok, err := partition.Bucket(16).Apply(schema.Int, int32(123456))
	require.NoError(t, err)
	require.True(t, ok)
	wide, _, err := partition.Bucket(16).Apply(schema.Long, int64(123456))
	require.NoError(t, err)
	require.Equal(t, small, wide)
}

func TestTruncate(t *testing.T) {
	v, _, err := partition.Truncate(10).Apply(schema.Int, int32(-3))
	require.NoError(t, err)
	require.Equal(t, "-10", v)
	v, _, err = partition.Truncate(10).Apply(schema.Long, int64(27))
	require.NoError(t, err)
	require.Equal(t, "20", v)
	v, _, err = partition.Truncate(3).Apply(schema.String, "héllo")
	require.NoError(t, err)
	require.Equal(t, "hél", v)
}

func TestSpecRejects(t *testing.T) {
	s := eventsSchema(t)
	_, err := partition.NewSpec(0, s, partition.FieldSpec{Column: "nope", Transform: partition.Identity})
	require.True(t, failure.InvalidArgument.Has(err))
	_, err = partition.NewSpec(0, s, partition.FieldSpec{Column: "score", Transform: partition.Bucket(4)})
	require.True(t, failure.InvalidArgument.Has(err))
	_, err = partition.NewSpec(0, s, partition.FieldSpec{Column: "region", Transform: partition.Hour})
	require.True(t, failure.InvalidArgument.Has(err))
}

func TestSpecJSON(t *testing.T) {
	s := eventsSchema(t)
	spec, err := partition.NewSpec(0, s, partition.FieldSpec{Column: "id", Transform: partition.Truncate(100)})
	require.NoError(t, err)

	data, err := json.Marshal(spec)
	require.NoError(t, err)
	require.Contains(t, string(data), `"transform":"truncate[100]"`)

	var decoded partition.Spec
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, *spec, decoded)
}
