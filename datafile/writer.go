package datafile

import (
	"context"
	"sort"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"arctic-table/failure"
	"arctic-table/manifest"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/storage"
)

var mon = monkit.Package()

// WriterOptions configures a Writer.
type WriterOptions struct {
	Schema *schema.Schema
	// Spec fans rows out to one file per partition. Nil means unpartitioned.
	Spec *partition.Spec
	// Location is the table root; files go under <Location>/data/.
	Location       string
	RowGroupSize   int
	TargetFileRows int
	// Compression is one of none, snappy, zstd.
	Compression string
}

// Writer turns rows into data files. It is not safe for concurrent use.
type Writer struct {
	log     *zap.Logger
	store   storage.Storage
	opts    WriterOptions
	codec   parquet.WriterOption
	pschema *parquet.Schema

	open    map[string]*fileWriter
	order   []string
	written []manifest.DataFile
	closed  bool
}

type fileWriter struct {
	values partition.Values
	groups []rowGroup
	cur    rowGroup
	file   *stats
}

type rowGroup struct {
	rows  []parquet.Row
	stats *stats
}

// NewWriter creates a writer for rows of opts.Schema.
func NewWriter(log *zap.Logger, store storage.Storage, opts WriterOptions) (*Writer, error) {
	if opts.Schema == nil {
		return nil, failure.InvalidArgument.New("writer needs a schema")
	}
	if opts.Spec == nil {
		opts.Spec = partition.Unpartitioned()
	}
	if err := opts.Spec.Validate(opts.Schema); err != nil {
		return nil, err
	}
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = 10000
	}
	if opts.TargetFileRows <= 0 {
		opts.TargetFileRows = 100000
	}
	codec, err := compression(opts.Compression)
	if err != nil {
		return nil, err
	}
	return &Writer{
		log:     log,
		store:   store,
		opts:    opts,
		codec:   codec,
		pschema: parquetSchema(opts.Schema),
		open:    map[string]*fileWriter{},
	}, nil
}

func compression(name string) (parquet.WriterOption, error) {
	switch name {
	case "", "zstd":
		return parquet.Compression(&parquet.Zstd), nil
	case "snappy":
		return parquet.Compression(&parquet.Snappy), nil
	case "none":
		return parquet.Compression(&parquet.Uncompressed), nil
	}
	return nil, failure.InvalidArgument.New("unknown parquet compression %q", name)
}

// Write buffers one row. Rows that do not match the schema fail with
// failure.SchemaMismatch and leave the writer usable.
func (w *Writer) Write(ctx context.Context, rec schema.Record) error {
	if w.closed {
		return failure.InvalidArgument.New("write after close")
	}
	canonical, err := schema.Coerce(schema.StructOf(w.opts.Schema.Fields...), rec)
	if err != nil {
		return failure.SchemaMismatch.Wrap(err)
	}
	rec = canonical.(schema.Record)

	values, err := w.opts.Spec.Partition(w.opts.Schema, rec)
	if err != nil {
		return err
	}
	row, encoded, err := w.row(rec)
	if err != nil {
		return err
	}

	key := values.Key()
	fw, ok := w.open[key]
	if !ok {
		fw = &fileWriter{values: values, file: newStats(w.opts.Schema), cur: rowGroup{stats: newStats(w.opts.Schema)}}
		w.open[key] = fw
		w.order = append(w.order, key)
	}
	fw.cur.rows = append(fw.cur.rows, row)
	fw.cur.stats.add(w.opts.Schema, rec, encoded)
	fw.file.add(w.opts.Schema, rec, encoded)
	if len(fw.cur.rows) >= w.opts.RowGroupSize {
		fw.groups = append(fw.groups, fw.cur)
		fw.cur = rowGroup{stats: newStats(w.opts.Schema)}
	}
	if fw.file.rows >= int64(w.opts.TargetFileRows) {
		delete(w.open, key)
		return w.finish(ctx, fw)
	}
	return nil
}

// WriteAll writes every row in order.
func (w *Writer) WriteAll(ctx context.Context, rows []schema.Record) error {
	for _, rec := range rows {
		if err := w.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) row(rec schema.Record) (parquet.Row, map[int]int, error) {
	row := make(parquet.Row, len(w.opts.Schema.Fields))
	var encoded map[int]int
	for _, f := range w.opts.Schema.Fields {
		leaf, ok := w.pschema.Lookup(columnName(f.ID))
		if !ok {
			return nil, nil, failure.SchemaMismatch.New("no column for field %d", f.ID)
		}
		v, err := toParquet(f.Type, rec[f.ID])
		if err != nil {
			return nil, nil, err
		}
		def := 0
		if !v.IsNull() {
			def = leaf.MaxDefinitionLevel
			if !f.Type.IsPrimitive() {
				if encoded == nil {
					encoded = map[int]int{}
				}
				encoded[f.ID] = len(v.ByteArray())
			}
		}
		row[leaf.ColumnIndex] = v.Level(0, def, leaf.ColumnIndex)
	}
	return row, encoded, nil
}

// finish writes one buffered file to the store.
func (w *Writer) finish(ctx context.Context, fw *fileWriter) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(fw.cur.rows) > 0 {
		fw.groups = append(fw.groups, fw.cur)
		fw.cur = rowGroup{}
	}
	if len(fw.groups) == 0 {
		return nil
	}

	schemaJSON, err := json.Marshal(w.opts.Schema)
	if err != nil {
		return failure.InvalidArgument.Wrap(err)
	}
	groupMetrics := make([]manifest.FileMetrics, len(fw.groups))
	for i, g := range fw.groups {
		groupMetrics[i] = g.stats.metrics()
	}
	groupsJSON, err := json.Marshal(groupMetrics)
	if err != nil {
		return failure.InvalidArgument.Wrap(err)
	}

	buf := storage.NewBuffer()
	pw := parquet.NewWriter(buf,
		w.pschema,
		w.codec,
		parquet.KeyValueMetadata(schemaKey, string(schemaJSON)),
		parquet.KeyValueMetadata(rowGroupsKey, string(groupsJSON)),
	)
	for _, g := range fw.groups {
		if _, err := pw.WriteRows(g.rows); err != nil {
			return failure.IO.New("writing rows: %v", err)
		}
		if err := pw.Flush(); err != nil {
			return failure.IO.New("flushing row group: %v", err)
		}
	}
	if err := pw.Close(); err != nil {
		return failure.IO.New("closing parquet writer: %v", err)
	}

	key := storage.Join(w.opts.Location, "data", w.opts.Spec.Path(fw.values), uuid.NewString()+".parquet")
	size, err := buf.Store(ctx, w.store, key)
	if err != nil {
		return err
	}
	df := manifest.DataFile{
		FilePath:      key,
		FileFormat:    manifest.FormatParquet,
		Partition:     fw.values,
		RecordCount:   fw.file.rows,
		FileSizeBytes: size,
		SchemaID:      w.opts.Schema.ID,
		Metrics:       fw.file.metrics(),
	}
	w.written = append(w.written, df)
	w.log.Debug("wrote data file",
		zap.String("path", key),
		zap.Int64("rows", df.RecordCount),
		zap.Int64("bytes", size),
		zap.Int("row_groups", len(fw.groups)))
	return nil
}

// Close flushes every open file and returns all files written, ordered by
// path. Partitions with no rows produce no file.
func (w *Writer) Close(ctx context.Context) (_ []manifest.DataFile, err error) {
	defer mon.Task()(&ctx)(&err)
	if w.closed {
		return w.written, nil
	}
	w.closed = true
	for _, key := range w.order {
		fw, ok := w.open[key]
		if !ok {
			continue
		}
		delete(w.open, key)
		if err := w.finish(ctx, fw); err != nil {
			return nil, err
		}
	}
	sort.Slice(w.written, func(i, j int) bool { return w.written[i].FilePath < w.written[j].FilePath })
	return w.written, nil
}

// Abort deletes files already written. Failures are logged; leftovers are
// found later by orphan removal.
func (w *Writer) Abort(ctx context.Context) {
	w.closed = true
	w.open = map[string]*fileWriter{}
	for _, df := range w.written {
		if err := w.store.Delete(ctx, df.FilePath); err != nil {
			w.log.Warn("removing aborted data file", zap.String("path", df.FilePath), zap.Error(err))
		}
	}
	w.written = nil
}

// WriteFiles writes rows into new data files in one call.
func WriteFiles(ctx context.Context, log *zap.Logger, store storage.Storage, opts WriterOptions, rows []schema.Record) ([]manifest.DataFile, error) {
	w, err := NewWriter(log, store, opts)
	if err != nil {
		return nil, err
	}
	if err := w.WriteAll(ctx, rows); err != nil {
		w.Abort(ctx)
		return nil, err
	}
	files, err := w.Close(ctx)
	if err != nil {
		w.Abort(ctx)
		return nil, err
	}
	return files, nil
}
