package table

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"arctic-table/datafile"
	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/iceberg"
	"arctic-table/manifest"
	"arctic-table/schema"
	"arctic-table/storage"
)

// writerOptions resolves data file settings from table properties, falling
// back to the configured defaults.
func (t *Table) writerOptions(md *iceberg.TableMetadata, s *schema.Schema) datafile.WriterOptions {
	cfg := t.opts.Table
	return datafile.WriterOptions{
		Schema:         s,
		Spec:           md.Spec(),
		Location:       md.Location,
		RowGroupSize:   md.PropertyInt(iceberg.PropRowGroupSize, cfg.RowGroupSize),
		TargetFileRows: md.PropertyInt(iceberg.PropTargetFileRows, cfg.TargetFileRows),
		Compression:    md.Property(iceberg.PropCompression, cfg.Compression),
	}
}

// state is one commit attempt: the base it started from, the metadata being
// built and the data file changes staged so far.
type state struct {
	t    *Table
	base *iceberg.TableMetadata
	b    *iceberg.Builder
	now  time.Time

	loaded    bool
	manifests []manifest.ManifestFile
	live      []manifest.ScanFile

	data    bool
	replace bool
	added   []manifest.DataFile
	deleted map[string]manifest.DataFile
	// alreadyLive is set when staged files turned out to be committed.
	alreadyLive bool
	// written holds keys created by this attempt, removed if it fails.
	written []string
}

func newState(t *Table, base *iceberg.TableMetadata) *state {
	return &state{
		t:       t,
		base:    base,
		b:       iceberg.NewBuilder(base),
		now:     t.opts.now(),
		deleted: map[string]manifest.DataFile{},
	}
}

// load reads the live files of the base snapshot once per attempt.
func (st *state) load(ctx context.Context) error {
	if st.loaded {
		return nil
	}
	manifests, err := iceberg.Manifests(ctx, st.t.store, st.base.CurrentSnapshot())
	if err != nil {
		return err
	}
	live, err := manifest.LiveFiles(ctx, st.t.store, manifests, st.t.opts.Table.ReadParallelism)
	if err != nil {
		return err
	}
	st.manifests, st.live, st.loaded = manifests, live, true
	return nil
}

// files returns the data files live after the changes staged so far.
func (st *state) files() []manifest.DataFile {
	out := make([]manifest.DataFile, 0, len(st.live)+len(st.added))
	for _, f := range st.live {
		if _, gone := st.deleted[f.DataFile.FilePath]; !gone {
			out = append(out, f.DataFile)
		}
	}
	return append(out, st.added...)
}

func (st *state) remove(df manifest.DataFile) {
	for i, f := range st.added {
		if f.FilePath == df.FilePath {
			st.added = append(st.added[:i], st.added[i+1:]...)
			return
		}
	}
	st.deleted[df.FilePath] = df
}

func (st *state) write(ctx context.Context, s *schema.Schema, rows []schema.Record) ([]manifest.DataFile, error) {
	files, err := datafile.WriteFiles(ctx, st.t.log, st.t.store, st.t.writerOptions(st.b.Current(), s), rows)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		st.written = append(st.written, f.FilePath)
	}
	return files, nil
}

// cleanup removes what this attempt wrote. Failures only leave orphans for
// RemoveOrphanFiles, so they are logged and ignored.
func (st *state) cleanup(ctx context.Context) {
	for _, key := range st.written {
		if err := st.t.store.Delete(ctx, key); err != nil {
			st.t.log.Debug("removing file of failed attempt", zap.String("key", key), zap.Error(err))
		}
	}
	st.written = nil
}

func (st *state) operation() iceberg.Operation {
	switch {
	case st.replace:
		return iceberg.OpReplace
	case len(st.deleted) > 0 && len(st.added) > 0:
		return iceberg.OpOverwrite
	case len(st.deleted) > 0:
		return iceberg.OpDelete
	default:
		return iceberg.OpAppend
	}
}

// writeSnapshot writes the manifests and manifest list of the staged data
// changes and adds the snapshot to the builder. It returns nil when no data
// changed.
func (st *state) writeSnapshot(ctx context.Context) (*iceberg.Snapshot, error) {
	if !st.data || (len(st.added) == 0 && len(st.deleted) == 0) {
		return nil, nil
	}
	md := st.b.Current()
	store := st.t.store
	codec := md.Property(iceberg.PropManifestCodec, st.t.opts.Table.ManifestCodec)
	opts := manifest.WriteOptions{
		SnapshotID:     st.b.NextSnapshotID(),
		SequenceNumber: st.b.NextSequenceNumber(),
		SpecID:         md.DefaultSpecID,
		Codec:          codec,
	}
	dir := iceberg.MetadataDir(md.Location)
	newKey := func() string { return storage.Join(dir, uuid.NewString()+".manifest") }

	var manifests []manifest.ManifestFile
	if len(st.added) > 0 {
		key := newKey()
		st.written = append(st.written, key)
		mf, err := manifest.WriteManifest(ctx, store, key, opts, st.added, nil, nil)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, mf)
	}

	gone := map[int][]manifest.DataFile{}
	for _, f := range st.live {
		if _, ok := st.deleted[f.DataFile.FilePath]; ok {
			gone[f.ManifestIndex] = append(gone[f.ManifestIndex], f.DataFile)
		}
	}
	for i, m := range st.manifests {
		deleted := gone[i]
		if len(deleted) == 0 {
			// manifests left without live files by an earlier snapshot drop out
			if m.LiveFiles() > 0 {
				manifests = append(manifests, m)
			}
			continue
		}
		sort.Slice(deleted, func(a, b int) bool { return deleted[a].FilePath < deleted[b].FilePath })
		key := newKey()
		st.written = append(st.written, key)
		mf, err := manifest.WriteManifest(ctx, store, key, opts, nil, deleted, &m)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, mf)
	}

	listKey := storage.Join(dir, fmt.Sprintf("snap-%d-%s.manifest-list", opts.SnapshotID, uuid.NewString()))
	st.written = append(st.written, listKey)
	_, err := manifest.WriteList(ctx, store, listKey, manifest.ListOptions{
		SnapshotID:       opts.SnapshotID,
		ParentSnapshotID: md.CurrentSnapshotID,
		SequenceNumber:   opts.SequenceNumber,
		Codec:            codec,
	}, manifests)
	if err != nil {
		return nil, err
	}

	sum := iceberg.Summary{Operation: st.operation()}
	for _, f := range st.added {
		sum.AddedDataFiles++
		sum.AddedRecords += f.RecordCount
		sum.AddedFilesSize += f.FileSizeBytes
	}
	for _, f := range st.deleted {
		sum.DeletedDataFiles++
		sum.DeletedRecords += f.RecordCount
		sum.RemovedFilesSize += f.FileSizeBytes
	}
	var prev iceberg.Summary
	if cur := md.CurrentSnapshot(); cur != nil {
		prev = cur.Summary
	}
	sum.TotalDataFiles = prev.TotalDataFiles + sum.AddedDataFiles - sum.DeletedDataFiles
	sum.TotalRecords = prev.TotalRecords + sum.AddedRecords - sum.DeletedRecords
	sum.TotalFilesSize = prev.TotalFilesSize + sum.AddedFilesSize - sum.RemovedFilesSize

	snap := &iceberg.Snapshot{
		SnapshotID:       opts.SnapshotID,
		ParentSnapshotID: md.CurrentSnapshotID,
		SequenceNumber:   opts.SequenceNumber,
		TimestampMs:      max(st.now.UnixMilli(), md.LastUpdatedMs),
		ManifestList:     listKey,
		SchemaID:         md.CurrentSchemaID,
		Summary:          sum,
	}
	if err := st.b.AddSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

type appendOp struct {
	files []manifest.DataFile
	// schema is the schema the files were written with, nil for files
	// written elsewhere.
	schema *schema.Schema
}

func (o *appendOp) apply(ctx context.Context, st *state) error {
	if len(o.files) == 0 {
		return nil
	}
	if err := st.load(ctx); err != nil {
		return err
	}
	md := st.b.Current()
	if o.schema != nil {
		known := false
		for _, s := range md.Schemas {
			if s.SameFields(o.schema) {
				known = true
				break
			}
		}
		if !known {
			return backoff.Permanent(failure.ConcurrentModification.New("table %s: schema changed since rows were written", st.t.ident))
		}
	}
	live := make(map[string]bool)
	for _, f := range st.files() {
		live[f.FilePath] = true
	}
	for _, f := range o.files {
		if live[f.FilePath] {
			st.alreadyLive = true
			return backoff.Permanent(failure.ConcurrentModification.New("table %s: data file %s is already committed", st.t.ident, f.FilePath))
		}
		live[f.FilePath] = true
	}
	st.added = append(st.added, o.files...)
	st.data = true
	return nil
}

type deleteOp struct {
	filter expr.Expr
}

func (o *deleteOp) apply(ctx context.Context, st *state) error {
	if err := st.load(ctx); err != nil {
		return err
	}
	st.data = true
	md := st.b.Current()
	s := md.CurrentSchema()
	bound, err := o.filter.Bind(s)
	if err != nil {
		return err
	}
	planner := &manifest.Planner{Filter: bound, Spec: md.Spec(), Schema: s}
	for _, df := range st.files() {
		ok, err := planner.MightMatch(df)
		if err != nil {
			return failure.CorruptMetadata.New("table %s: file %s: %v", st.t.ident, df.FilePath, err)
		}
		if !ok {
			continue
		}
		if bound.IsAlwaysTrue() {
			st.remove(df)
			continue
		}
		rows, err := datafile.ReadAll(ctx, st.t.store, df, datafile.ReadOptions{Schema: s})
		if err != nil {
			return err
		}
		kept := rows[:0:0]
		for _, r := range rows {
			if !bound.Eval(r) {
				kept = append(kept, r)
			}
		}
		if len(kept) == len(rows) {
			continue
		}
		st.remove(df)
		if len(kept) == 0 {
			continue
		}
		files, err := st.write(ctx, s, kept)
		if err != nil {
			return err
		}
		st.added = append(st.added, files...)
	}
	return nil
}

type rewriteOp struct{}

func (rewriteOp) apply(ctx context.Context, st *state) error {
	if err := st.load(ctx); err != nil {
		return err
	}
	st.data = true
	md := st.b.Current()
	s := md.CurrentSchema()
	target := max(st.t.writerOptions(md, s).TargetFileRows, 1)

	groups := map[string][]manifest.DataFile{}
	var order []string
	for _, df := range st.files() {
		key := df.Partition.Key()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], df)
	}

	for _, key := range order {
		files := groups[key]
		var total int64
		for _, df := range files {
			total += df.RecordCount
		}
		if int64(len(files)) <= (total+int64(target)-1)/int64(target) {
			continue
		}
		var rows []schema.Record
		for _, df := range files {
			got, err := datafile.ReadAll(ctx, st.t.store, df, datafile.ReadOptions{Schema: s})
			if err != nil {
				return err
			}
			rows = append(rows, got...)
		}
		out, err := st.write(ctx, s, rows)
		if err != nil {
			return err
		}
		for _, df := range files {
			st.remove(df)
		}
		st.added = append(st.added, out...)
		st.replace = true
		st.t.log.Debug("compacting partition",
			zap.String("partition", key),
			zap.Int("files", len(files)),
			zap.Int("rewritten", len(out)))
	}
	return nil
}

type schemaOp struct {
	steps []schemaStep
}

type schemaStep func(m *schema.Manager) (*schema.Schema, error)

func (o *schemaOp) apply(_ context.Context, st *state) error {
	m, err := st.b.Current().SchemaManager()
	if err != nil {
		return err
	}
	s := m.Current()
	for _, step := range o.steps {
		if s, err = step(m); err != nil {
			return err
		}
	}
	return st.b.AddSchema(s, m.LastColumnID())
}

type propertiesOp struct {
	set    map[string]string
	remove []string
}

func (o *propertiesOp) apply(_ context.Context, st *state) error {
	st.b.SetProperties(o.set, o.remove...)
	return nil
}

type rollbackOp struct {
	snapshotID int64
	at         time.Time
}

func (o *rollbackOp) apply(_ context.Context, st *state) error {
	id := o.snapshotID
	if !o.at.IsZero() {
		snap, err := st.b.Current().SnapshotAsOf(o.at)
		if err != nil {
			return err
		}
		id = snap.SnapshotID
	}
	return st.b.RollbackTo(id, st.now)
}

type expireOp struct {
	olderThan  time.Time
	retainLast int
	removed    *[]int64
}

func (o *expireOp) apply(_ context.Context, st *state) error {
	md := st.b.Current()
	keep := map[int64]bool{}
	for i, s := range md.Ancestors(md.CurrentSnapshotID) {
		if i >= max(o.retainLast, 1) {
			break
		}
		keep[s.SnapshotID] = true
	}
	cutoff := o.olderThan.UnixMilli()
	var ids []int64
	for _, s := range md.Snapshots {
		if !keep[s.SnapshotID] && s.TimestampMs < cutoff {
			ids = append(ids, s.SnapshotID)
		}
	}
	if o.removed != nil {
		*o.removed = ids
	}
	if len(ids) == 0 {
		return nil
	}
	return st.b.RemoveSnapshots(ids...)
}
