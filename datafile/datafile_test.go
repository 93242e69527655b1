package datafile_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"arctic-table/datafile"
	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/manifest"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/storage"
)

func eventSchema(t *testing.T) *schema.Schema {
	s, _, err := schema.New(0, 0,
		schema.Field{Name: "id", Type: schema.Int, Required: true},
		schema.Field{Name: "name", Type: schema.String},
		schema.Field{Name: "score", Type: schema.Float},
		schema.Field{Name: "at", Type: schema.Timestamp},
		schema.Field{Name: "tags", Type: schema.ListOf(schema.String, false)},
	)
	require.NoError(t, err)
	return s
}

func rows(t *testing.T, s *schema.Schema, n int) []schema.Record {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]schema.Record, n)
	for i := range out {
		row := map[string]any{
			"id":    i,
			"score": float32(i) / 2,
			"at":    base.Add(time.Duration(i) * time.Hour),
			"tags":  []any{"t" + fmt.Sprint(i%3)},
		}
		if i%4 != 0 {
			row["name"] = fmt.Sprintf("name-%03d", i)
		}
		rec, err := schema.FromMap(s, row)
		require.NoError(t, err)
		out[i] = rec
	}
	return out
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := eventSchema(t)
	input := rows(t, s, 100)

	files, err := datafile.WriteFiles(ctx, zaptest.NewLogger(t), store, datafile.WriterOptions{
		Schema:       s,
		Location:     "db/events",
		RowGroupSize: 30,
	}, input)
	require.NoError(t, err)
	require.Len(t, files, 1)

	df := files[0]
	require.True(t, strings.HasPrefix(df.FilePath, "db/events/data/"))
	require.True(t, strings.HasSuffix(df.FilePath, ".parquet"))
	require.EqualValues(t, 100, df.RecordCount)
	require.Equal(t, manifest.FormatParquet, df.FileFormat)
	info, err := store.Stat(ctx, df.FilePath)
	require.NoError(t, err)
	require.Equal(t, info.Size, df.FileSizeBytes)

	name, _ := s.Field("name")
	id, _ := s.Field("id")
	require.EqualValues(t, 25, df.Metrics.NullValueCounts[name.ID])
	require.EqualValues(t, 100, df.Metrics.ValueCounts[name.ID])
	lower, err := schema.DecodeBound(df.Metrics.LowerBounds[id.ID])
	require.NoError(t, err)
	upper, err := schema.DecodeBound(df.Metrics.UpperBounds[id.ID])
	require.NoError(t, err)
	require.Equal(t, int32(0), lower)
	require.Equal(t, int32(99), upper)

	got, err := datafile.ReadAll(ctx, store, df, datafile.ReadOptions{Schema: s})
	require.NoError(t, err)
	require.Len(t, got, 100)
	for i := range input {
		require.Equal(t, input[i].ToMap(s), got[i].ToMap(s), "row %d", i)
	}
}

func TestRowGroupPruning(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := eventSchema(t)

	files, err := datafile.WriteFiles(ctx, zaptest.NewLogger(t), store, datafile.WriterOptions{
		Schema:       s,
		Location:     "t",
		RowGroupSize: 10,
		Compression:  "snappy",
	}, rows(t, s, 50))
	require.NoError(t, err)

	filter, err := expr.And(expr.GreaterThanOrEqual("id", 12), expr.LessThan("id", 18)).Bind(s)
	require.NoError(t, err)

	f, err := datafile.Open(ctx, store, files[0])
	require.NoError(t, err)
	require.EqualValues(t, 50, f.NumRows())

	var stats datafile.ReadStats
	var ids []int32
	for rec, err := range f.Rows(ctx, datafile.ReadOptions{Schema: s, Filter: filter}, &stats) {
		require.NoError(t, err)
		ids = append(ids, rec[1].(int32))
	}
	// one whole row group survives; row filtering is the caller's job
	require.Len(t, ids, 10)
	require.Equal(t, int32(10), ids[0])
	require.Equal(t, 5, stats.RowGroups)
	require.Equal(t, 4, stats.RowGroupsSkipped)

	// ranging again restarts the sequence
	count := 0
	for _, err := range f.Rows(ctx, datafile.ReadOptions{Schema: s}, nil) {
		require.NoError(t, err)
		count++
	}
	require.Equal(t, 50, count)
}

func TestReadAfterEvolution(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := eventSchema(t)
	files, err := datafile.WriteFiles(ctx, zaptest.NewLogger(t), store, datafile.WriterOptions{Schema: s, Location: "t"}, rows(t, s, 8))
	require.NoError(t, err)

	m, err := schema.NewManager([]*schema.Schema{s}, s.ID, s.HighestFieldID())
	require.NoError(t, err)
	id, _ := s.Field("id")
	name, _ := s.Field("name")
	_, err = m.PromoteType(id.ID, schema.Long)
	require.NoError(t, err)
	_, err = m.RenameField(name.ID, "label")
	require.NoError(t, err)
	evolved, err := m.AddField("country", schema.String, "")
	require.NoError(t, err)

	got, err := datafile.ReadAll(ctx, store, files[0], datafile.ReadOptions{Schema: evolved})
	require.NoError(t, err)
	require.Len(t, got, 8)
	require.Equal(t, int64(5), got[5][id.ID])
	row := got[5].ToMap(evolved)
	require.Equal(t, "name-005", row["label"])
	require.Nil(t, row["country"])

	// projection returns only the requested columns
	got, err = datafile.ReadAll(ctx, store, files[0], datafile.ReadOptions{Schema: evolved, Columns: []int{name.ID}})
	require.NoError(t, err)
	require.Equal(t, schema.Record{name.ID: "name-001"}, got[1])
	require.Equal(t, schema.Record{}, got[0])
}

func TestPartitionedWriteAndRoll(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s, _, err := schema.New(0, 0,
		schema.Field{Name: "id", Type: schema.Long, Required: true},
		schema.Field{Name: "region", Type: schema.String},
	)
	require.NoError(t, err)
	spec, err := partition.NewSpec(0, s, partition.FieldSpec{Column: "region", Transform: partition.Identity})
	require.NoError(t, err)

	var input []schema.Record
	for i := 0; i < 25; i++ {
		region := []any{"eu", "us", nil}[i%3]
		input = append(input, schema.Record{1: int64(i), 2: region})
	}
	files, err := datafile.WriteFiles(ctx, zaptest.NewLogger(t), store, datafile.WriterOptions{
		Schema:         s,
		Spec:           spec,
		Location:       "t",
		TargetFileRows: 5,
	}, input)
	require.NoError(t, err)

	perPartition := map[string]int64{}
	for _, f := range files {
		perPartition[f.Partition.Key()] += f.RecordCount
		require.LessOrEqual(t, f.RecordCount, int64(5))
		require.Contains(t, f.FilePath, "/data/"+spec.Path(f.Partition)+"/")
	}
	require.Equal(t, map[string]int64{
		partition.Values{"region": "eu"}.Key(): 9,
		partition.Values{"region": "us"}.Key(): 8,
		partition.Values{}.Key():               8,
	}, perPartition)
	require.Len(t, files, 6)
}

func TestWriteRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := eventSchema(t)
	w, err := datafile.NewWriter(zaptest.NewLogger(t), store, datafile.WriterOptions{Schema: s, Location: "t"})
	require.NoError(t, err)

	err = w.Write(ctx, schema.Record{1: "not a number"})
	require.True(t, failure.SchemaMismatch.Has(err))
	err = w.Write(ctx, schema.Record{2: "missing id"})
	require.True(t, failure.SchemaMismatch.Has(err))

	require.NoError(t, w.Write(ctx, schema.Record{1: int32(1)}))
	files, err := w.Close(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)

	w.Abort(ctx)
	_, err = store.Get(ctx, files[0].FilePath)
	require.True(t, failure.NotFound.Has(err))

	_, err = datafile.NewWriter(zaptest.NewLogger(t), store, datafile.WriterOptions{Schema: s, Compression: "lzma"})
	require.True(t, failure.InvalidArgument.Has(err))
}
