package manifest_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/manifest"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/storage"
)

func bound(t *testing.T, v any) []byte {
	b, err := schema.EncodeBound(v)
	require.NoError(t, err)
	return b
}

// dataFile describes a file holding ids lo..hi with no nulls.
func dataFile(t *testing.T, name string, lo, hi int32) manifest.DataFile {
	m := manifest.NewFileMetrics()
	rows := int64(hi - lo + 1)
	m.ValueCounts[1] = rows
	m.NullValueCounts[1] = 0
	m.LowerBounds[1] = bound(t, lo)
	m.UpperBounds[1] = bound(t, hi)
	m.ColumnSizes[1] = rows * 4
	return manifest.DataFile{
		FilePath:      "tbl/data/" + name + ".parquet",
		FileFormat:    manifest.FormatParquet,
		Partition:     partition.Values{},
		RecordCount:   rows,
		FileSizeBytes: rows * 4,
		Metrics:       m,
	}
}

func TestManifestCarryForward(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	a, b, c := dataFile(t, "a", 1, 10), dataFile(t, "b", 11, 20), dataFile(t, "c", 21, 30)
	first, err := manifest.WriteManifest(ctx, store, "tbl/metadata/m1.manifest",
		manifest.WriteOptions{SnapshotID: 1, SequenceNumber: 1, Codec: manifest.CodecDeflate},
		[]manifest.DataFile{a, b}, nil, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, first.AddedFilesCount)
	require.EqualValues(t, 20, first.AddedRowsCount)

	entries, err := manifest.ReadManifest(ctx, store, first.Path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, manifest.StatusAdded, entries[0].Status)
	require.Equal(t, a, entries[0].DataFile)

	second, err := manifest.WriteManifest(ctx, store, "tbl/metadata/m2.manifest",
		manifest.WriteOptions{SnapshotID: 2, SequenceNumber: 2, Codec: manifest.CodecNull},
		[]manifest.DataFile{c}, []manifest.DataFile{a}, &first)
	require.NoError(t, err)
	require.EqualValues(t, 1, second.AddedFilesCount)
	require.EqualValues(t, 1, second.ExistingFilesCount)
	require.EqualValues(t, 1, second.DeletedFilesCount)
	require.EqualValues(t, 1, second.MinSequenceNumber)

	entries, err = manifest.ReadManifest(ctx, store, second.Path)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, manifest.StatusDeleted, entries[0].Status)
	require.EqualValues(t, 2, entries[0].SnapshotID)
	require.Equal(t, manifest.StatusExisting, entries[1].Status)
	require.EqualValues(t, 1, entries[1].SequenceNumber)
	require.Equal(t, manifest.StatusAdded, entries[2].Status)

	// a third rewrite drops entries deleted earlier
	third, err := manifest.WriteManifest(ctx, store, "tbl/metadata/m3.manifest",
		manifest.WriteOptions{SnapshotID: 3, SequenceNumber: 3}, nil, nil, &second)
	require.NoError(t, err)
	require.EqualValues(t, 0, third.DeletedFilesCount)
	require.EqualValues(t, 2, third.ExistingFilesCount)

	_, err = manifest.WriteManifest(ctx, store, "tbl/metadata/m4.manifest",
		manifest.WriteOptions{SnapshotID: 4, SequenceNumber: 4}, nil, []manifest.DataFile{a}, &third)
	require.True(t, failure.InvalidArgument.Has(err))

	// summary bounds cover the live files only
	metrics, err := third.Metrics()
	require.NoError(t, err)
	require.Equal(t, int32(11), metrics.Lower[1])
	require.Equal(t, int32(30), metrics.Upper[1])
}

func TestManifestListRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	m, err := manifest.WriteManifest(ctx, store, "tbl/metadata/m1.manifest",
		manifest.WriteOptions{SnapshotID: 7, SequenceNumber: 3, SpecID: 0},
		[]manifest.DataFile{dataFile(t, "a", 1, 5)}, nil, nil)
	require.NoError(t, err)

	_, err = manifest.WriteList(ctx, store, "tbl/metadata/snap-7.manifest-list",
		manifest.ListOptions{SnapshotID: 7, ParentSnapshotID: 6, SequenceNumber: 3, Codec: manifest.CodecSnappy},
		[]manifest.ManifestFile{m})
	require.NoError(t, err)

	list, err := manifest.ReadList(ctx, store, "tbl/metadata/snap-7.manifest-list")
	require.NoError(t, err)
	require.Equal(t, []manifest.ManifestFile{m}, list)
}

func TestCorruptManifest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Put(ctx, "bad.manifest", []byte("not avro")))

	_, err := manifest.ReadManifest(ctx, store, "bad.manifest")
	require.True(t, failure.CorruptMetadata.Has(err))
	_, err = manifest.ReadList(ctx, store, "missing.manifest-list")
	require.True(t, failure.NotFound.Has(err))
}

func TestPlanPrunesAndOrders(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s, _, err := schema.New(0, 0, schema.Field{Name: "id", Type: schema.Int, Required: true})
	require.NoError(t, err)

	var manifests []manifest.ManifestFile
	// newest manifest first, the way snapshots prepend them
	for seq := int64(3); seq >= 1; seq-- {
		lo := int32(seq-1)*100 + 1
		m, err := manifest.WriteManifest(ctx, store, fmt.Sprintf("tbl/metadata/m%d.manifest", seq),
			manifest.WriteOptions{SnapshotID: seq, SequenceNumber: seq},
			[]manifest.DataFile{
				dataFile(t, fmt.Sprintf("f%d-0", seq), lo, lo+49),
				dataFile(t, fmt.Sprintf("f%d-1", seq), lo+50, lo+99),
			}, nil, nil)
		require.NoError(t, err)
		manifests = append(manifests, m)
	}

	all, err := manifest.LiveFiles(ctx, store, manifests, 2)
	require.NoError(t, err)
	var paths []string
	for _, f := range all {
		paths = append(paths, f.DataFile.FilePath)
	}
	require.Equal(t, []string{
		"tbl/data/f1-0.parquet", "tbl/data/f1-1.parquet",
		"tbl/data/f2-0.parquet", "tbl/data/f2-1.parquet",
		"tbl/data/f3-0.parquet", "tbl/data/f3-1.parquet",
	}, paths)

	filter, err := expr.And(expr.GreaterThanOrEqual("id", 120), expr.LessThan("id", 160)).Bind(s)
	require.NoError(t, err)
	planner := &manifest.Planner{Store: store, Filter: filter, Schema: s, Parallelism: 4}
	files, stats, err := planner.Plan(ctx, manifests)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "tbl/data/f2-0.parquet", files[0].DataFile.FilePath)
	require.Equal(t, "tbl/data/f2-1.parquet", files[1].DataFile.FilePath)
	require.Equal(t, 2, stats.ManifestsSkipped)
	require.Equal(t, 0, stats.FilesSkipped)

	filter, err = expr.Equal("id", 175).Bind(s)
	require.NoError(t, err)
	planner.Filter = filter
	files, stats, err = planner.Plan(ctx, manifests)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "tbl/data/f2-1.parquet", files[0].DataFile.FilePath)
	require.Equal(t, 1, stats.FilesSkipped)
}

// countingStore counts reads.
type countingStore struct {
	storage.Storage
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.gets.Add(1)
	return s.Storage.Get(ctx, key)
}

func TestPlanCorruptSummaryStartsNoReads(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Storage: storage.NewMemoryStorage()}
	s, _, err := schema.New(0, 0, schema.Field{Name: "id", Type: schema.Int, Required: true})
	require.NoError(t, err)

	var manifests []manifest.ManifestFile
	for i := range 3 {
		m, err := manifest.WriteManifest(ctx, store, fmt.Sprintf("tbl/metadata/m%d.manifest", i),
			manifest.WriteOptions{SnapshotID: 1, SequenceNumber: 1},
			[]manifest.DataFile{dataFile(t, fmt.Sprintf("f%d", i), 1, 10)}, nil, nil)
		require.NoError(t, err)
		manifests = append(manifests, m)
	}
	manifests[2].Summary.LowerBounds = map[int][]byte{1: {}}

	filter, err := expr.Equal("id", 5).Bind(s)
	require.NoError(t, err)
	planner := &manifest.Planner{Store: store, Filter: filter, Schema: s, Parallelism: 4}
	store.gets.Store(0)
	_, _, err = planner.Plan(ctx, manifests)
	require.True(t, failure.CorruptMetadata.Has(err))
	require.Zero(t, store.gets.Load())
}

func TestPlanUsesIdentityPartitions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s, _, err := schema.New(0, 0,
		schema.Field{Name: "id", Type: schema.Int, Required: true},
		schema.Field{Name: "region", Type: schema.String},
	)
	require.NoError(t, err)
	spec, err := partition.NewSpec(0, s, partition.FieldSpec{Column: "region", Transform: partition.Identity})
	require.NoError(t, err)

	eu := dataFile(t, "eu", 1, 10)
	eu.Partition = partition.Values{"region": "eu"}
	us := dataFile(t, "us", 1, 10)
	us.Partition = partition.Values{"region": "us"}
	m, err := manifest.WriteManifest(ctx, store, "tbl/metadata/m.manifest",
		manifest.WriteOptions{SnapshotID: 1, SequenceNumber: 1}, []manifest.DataFile{eu, us}, nil, nil)
	require.NoError(t, err)

	filter, err := expr.Equal("region", "us").Bind(s)
	require.NoError(t, err)
	files, _, err := (&manifest.Planner{Store: store, Filter: filter, Spec: spec, Schema: s}).Plan(ctx, []manifest.ManifestFile{m})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, us.FilePath, files[0].DataFile.FilePath)
}
