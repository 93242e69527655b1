package iceberg_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arctic-table/failure"
	"arctic-table/iceberg"
	"arctic-table/manifest"
	"arctic-table/schema"
	"arctic-table/storage"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTable(t *testing.T) *iceberg.TableMetadata {
	s, _, err := schema.New(0, 0,
		schema.Field{Name: "a", Type: schema.Int, Required: true},
		schema.Field{Name: "b", Type: schema.String},
	)
	require.NoError(t, err)
	md, err := iceberg.NewTable("db/t", s, nil, map[string]string{"owner": "tests"}, epoch)
	require.NoError(t, err)
	return md
}

func snapshot(b *iceberg.Builder, parent int64, at time.Time) *iceberg.Snapshot {
	return &iceberg.Snapshot{
		SnapshotID:       b.NextSnapshotID(),
		ParentSnapshotID: parent,
		SequenceNumber:   b.NextSequenceNumber(),
		TimestampMs:      at.UnixMilli(),
		ManifestList:     "db/t/metadata/snap.manifest-list",
		SchemaID:         b.Current().CurrentSchemaID,
		Summary:          iceberg.Summary{Operation: iceberg.OpAppend},
	}
}

// commit adds n snapshots in a chain, one minute apart.
func commit(t *testing.T, md *iceberg.TableMetadata, n int) *iceberg.TableMetadata {
	for i := 0; i < n; i++ {
		b := iceberg.NewBuilder(md)
		at := epoch.Add(time.Duration(md.LastSnapshotID+1) * time.Minute)
		require.NoError(t, b.AddSnapshot(snapshot(b, md.CurrentSnapshotID, at)))
		next, err := b.Build("db/t/metadata/prev.metadata.json", at)
		require.NoError(t, err)
		md = next
	}
	return md
}

func TestNewTable(t *testing.T) {
	md := newTable(t)
	require.Equal(t, iceberg.FormatVersion, md.FormatVersion)
	require.NotEmpty(t, md.TableUUID)
	require.Equal(t, 2, md.LastColumnID)
	require.Nil(t, md.CurrentSnapshot())
	require.True(t, md.Spec().IsUnpartitioned())
	require.Equal(t, "tests", md.Property("owner", ""))
	require.NoError(t, md.Validate())
}

func TestSnapshotChain(t *testing.T) {
	md := commit(t, newTable(t), 3)
	require.EqualValues(t, 3, md.CurrentSnapshotID)
	require.EqualValues(t, 3, md.LastSequenceNumber)
	require.Len(t, md.SnapshotLog, 3)

	var ids []int64
	for _, s := range md.Ancestors(md.CurrentSnapshotID) {
		ids = append(ids, s.SnapshotID)
	}
	require.Equal(t, []int64{3, 2, 1}, ids)
	require.True(t, md.IsAncestor(1, 3))
	require.False(t, md.IsAncestor(3, 1))
}

func TestAddSnapshotDetectsRace(t *testing.T) {
	base := commit(t, newTable(t), 1)

	// two writers start from the same base
	first := iceberg.NewBuilder(base)
	second := iceberg.NewBuilder(base)
	require.NoError(t, first.AddSnapshot(snapshot(first, base.CurrentSnapshotID, epoch)))
	winner, err := first.Build("k", epoch)
	require.NoError(t, err)

	// replaying the loser's snapshot on the winner's metadata fails
	loser := snapshot(second, base.CurrentSnapshotID, epoch)
	err = iceberg.NewBuilder(winner).AddSnapshot(loser)
	require.True(t, failure.ConcurrentModification.Has(err))

	stale := iceberg.NewBuilder(winner)
	snap := snapshot(stale, winner.CurrentSnapshotID, epoch)
	snap.SnapshotID = 1
	require.True(t, failure.ConcurrentModification.Has(stale.AddSnapshot(snap)))
}

func TestRollbackAndAsOf(t *testing.T) {
	md := commit(t, newTable(t), 4)

	snap, err := md.SnapshotAsOf(epoch.Add(2*time.Minute + 30*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.SnapshotID)
	_, err = md.SnapshotAsOf(epoch)
	require.True(t, failure.NotFound.Has(err))

	b := iceberg.NewBuilder(md)
	require.NoError(t, b.RollbackTo(2, epoch.Add(time.Hour)))
	rolled, err := b.Build("k", epoch.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, rolled.CurrentSnapshotID)
	require.Len(t, rolled.Snapshots, 4)
	require.Equal(t, md.Snapshots, rolled.Snapshots)

	// after rollback, as-of only sees ancestors of the new current snapshot
	snap, err = rolled.SnapshotAsOf(epoch.Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 2, snap.SnapshotID)

	// 4 is no longer an ancestor of current
	err = iceberg.NewBuilder(rolled).RollbackTo(4, epoch)
	require.True(t, failure.InvalidArgument.Has(err))
	err = iceberg.NewBuilder(rolled).RollbackTo(42, epoch)
	require.True(t, failure.NotFound.Has(err))

	// the next commit after rollback branches from 2 and keeps ids monotonic
	next := commit(t, rolled, 1)
	require.EqualValues(t, 5, next.CurrentSnapshotID)
	require.EqualValues(t, 2, next.CurrentSnapshot().ParentSnapshotID)
}

func TestRemoveSnapshots(t *testing.T) {
	md := commit(t, newTable(t), 3)
	b := iceberg.NewBuilder(md)
	require.True(t, failure.InvalidArgument.Has(b.RemoveSnapshots(3)))
	require.NoError(t, b.RemoveSnapshots(1))
	out, err := b.Build("k", epoch)
	require.NoError(t, err)
	require.Len(t, out.Snapshots, 2)
	require.Len(t, out.Ancestors(3), 2)
	for _, e := range out.SnapshotLog {
		require.NotEqual(t, int64(1), e.SnapshotID)
	}
}

func TestMetadataLogLimit(t *testing.T) {
	md := newTable(t)
	b := iceberg.NewBuilder(md)
	b.SetProperties(map[string]string{iceberg.PropMetadataPreviousVersionsMax: "2"})
	md, err := b.Build("", epoch)
	require.NoError(t, err)
	require.Empty(t, md.MetadataLog)

	for _, prev := range []string{"v1", "v2", "v3"} {
		b := iceberg.NewBuilder(md)
		b.SetProperties(map[string]string{"x": prev})
		md, err = b.Build(prev, epoch)
		require.NoError(t, err)
	}
	require.Len(t, md.MetadataLog, 2)
	require.Equal(t, "v3", md.MetadataLog[1].MetadataFile)
}

func TestAddSchema(t *testing.T) {
	md := newTable(t)
	m, err := md.SchemaManager()
	require.NoError(t, err)
	next, err := m.AddField("c", schema.Boolean, "")
	require.NoError(t, err)

	b := iceberg.NewBuilder(md)
	require.NoError(t, b.AddSchema(next, m.LastColumnID()))
	require.True(t, b.Changed())
	out, err := b.Build("k", epoch)
	require.NoError(t, err)
	require.Equal(t, next.ID, out.CurrentSchemaID)
	require.Equal(t, 3, out.LastColumnID)
	require.Len(t, out.Schemas, 2)

	require.True(t, failure.InvalidArgument.Has(iceberg.NewBuilder(out).AddSchema(next, 1)))
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	md := commit(t, newTable(t), 2)

	for _, compression := range []string{iceberg.CompressionNone, iceberg.CompressionZstd} {
		key, created, err := iceberg.WriteMetadata(ctx, store, md, 3, compression)
		require.NoError(t, err)
		require.True(t, created)
		require.True(t, strings.HasPrefix(key, "db/t/metadata/00003-"))
		version, err := iceberg.ParseVersion(key)
		require.NoError(t, err)
		require.Equal(t, 3, version)

		again, created, err := iceberg.WriteMetadata(ctx, store, md, 3, compression)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, key, again)

		got, err := iceberg.ReadMetadata(ctx, store, key)
		require.NoError(t, err)
		require.Equal(t, md, got)
	}

	_, err := iceberg.ParseVersion("db/t/data/x.parquet")
	require.True(t, failure.InvalidArgument.Has(err))
}

func TestReadCorruptMetadata(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	require.NoError(t, store.Put(ctx, "m/00001-x.metadata.json", []byte("{not json")))
	_, err := iceberg.ReadMetadata(ctx, store, "m/00001-x.metadata.json")
	require.True(t, failure.CorruptMetadata.Has(err))

	require.NoError(t, store.Put(ctx, "m/00002-x.metadata.json", []byte(`{"format-version": 2, "location": "m"}`)))
	_, err = iceberg.ReadMetadata(ctx, store, "m/00002-x.metadata.json")
	require.True(t, failure.CorruptMetadata.Has(err))

	_, err = iceberg.ReadMetadata(ctx, store, "m/missing.metadata.json")
	require.True(t, failure.NotFound.Has(err))
}

func TestDiff(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	md := newTable(t)

	file := func(name string) manifest.DataFile {
		return manifest.DataFile{FilePath: "db/t/data/" + name, FileFormat: manifest.FormatParquet, RecordCount: 1, Metrics: manifest.NewFileMetrics()}
	}
	// snapshot 1 adds a and b; snapshot 2 deletes a and adds c
	m1, err := manifest.WriteManifest(ctx, store, "db/t/metadata/m1.manifest",
		manifest.WriteOptions{SnapshotID: 1, SequenceNumber: 1}, []manifest.DataFile{file("a"), file("b")}, nil, nil)
	require.NoError(t, err)
	_, err = manifest.WriteList(ctx, store, "db/t/metadata/l1.manifest-list", manifest.ListOptions{SnapshotID: 1, SequenceNumber: 1}, []manifest.ManifestFile{m1})
	require.NoError(t, err)
	m2, err := manifest.WriteManifest(ctx, store, "db/t/metadata/m2.manifest",
		manifest.WriteOptions{SnapshotID: 2, SequenceNumber: 2}, []manifest.DataFile{file("c")}, []manifest.DataFile{file("a")}, &m1)
	require.NoError(t, err)
	_, err = manifest.WriteList(ctx, store, "db/t/metadata/l2.manifest-list", manifest.ListOptions{SnapshotID: 2, ParentSnapshotID: 1, SequenceNumber: 2}, []manifest.ManifestFile{m2})
	require.NoError(t, err)

	for i, list := range []string{"db/t/metadata/l1.manifest-list", "db/t/metadata/l2.manifest-list"} {
		b := iceberg.NewBuilder(md)
		snap := snapshot(b, md.CurrentSnapshotID, epoch.Add(time.Duration(i)*time.Minute))
		snap.ManifestList = list
		require.NoError(t, b.AddSnapshot(snap))
		md, err = b.Build("k", epoch)
		require.NoError(t, err)
	}

	added, removed, err := iceberg.Diff(ctx, store, md, 1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"db/t/data/c"}, manifest.SortedPaths(added))
	require.Equal(t, []string{"db/t/data/a"}, manifest.SortedPaths(removed))

	added, _, err = iceberg.Diff(ctx, store, md, iceberg.NoSnapshot, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"db/t/data/b", "db/t/data/c"}, manifest.SortedPaths(added))
}
