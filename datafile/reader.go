package datafile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"

	"github.com/goccy/go-json"
	"github.com/parquet-go/parquet-go"

	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/manifest"
	"arctic-table/schema"
	"arctic-table/storage"
)

// ReadOptions controls what a read returns.
type ReadOptions struct {
	// Schema is the schema rows are returned in. Columns written under older
	// schemas are promoted to it; columns the file lacks read as null.
	Schema *schema.Schema
	// Columns projects top-level field IDs. Nil reads every field of Schema.
	Columns []int
	// Filter skips row groups whose statistics rule it out. Rows inside the
	// remaining groups are returned unfiltered.
	Filter *expr.Bound
}

// ReadStats counts the row groups a read visited.
type ReadStats struct {
	RowGroups        int
	RowGroupsSkipped int
}

type column struct {
	field   schema.Field
	written schema.Type
}

// File is an opened data file.
type File struct {
	path      string
	file      *parquet.File
	written   *schema.Schema
	rowGroups []manifest.FileMetrics
}

// Open loads and parses the data file at df.FilePath.
func Open(ctx context.Context, store storage.Storage, df manifest.DataFile) (_ *File, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.Get(ctx, df.FilePath)
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, failure.CorruptMetadata.New("opening %s: %v", df.FilePath, err)
	}
	f := &File{path: df.FilePath, file: pf}

	raw, ok := pf.Lookup(schemaKey)
	if !ok {
		return nil, failure.CorruptMetadata.New("%s: missing %s", df.FilePath, schemaKey)
	}
	f.written = new(schema.Schema)
	if err := json.Unmarshal([]byte(raw), f.written); err != nil {
		return nil, failure.CorruptMetadata.New("%s: decoding schema: %v", df.FilePath, err)
	}
	if raw, ok := pf.Lookup(rowGroupsKey); ok {
		if err := json.Unmarshal([]byte(raw), &f.rowGroups); err != nil {
			return nil, failure.CorruptMetadata.New("%s: decoding row group statistics: %v", df.FilePath, err)
		}
	}
	return f, nil
}

// Schema returns the schema the file was written with.
func (f *File) Schema() *schema.Schema { return f.written }

// NumRows is the number of rows in the file.
func (f *File) NumRows() int64 { return f.file.NumRows() }

func (f *File) columns(opts ReadOptions) ([]column, []int, error) {
	read := opts.Schema
	if read == nil {
		read = f.written
	}
	fields := read.Fields
	if opts.Columns != nil {
		fields = read.SelectIDs(opts.Columns).Fields
	}

	cols := make([]column, len(fields))
	// byLeaf maps a parquet column index to an entry of cols.
	byLeaf := make([]int, len(f.file.Schema().Columns()))
	for i := range byLeaf {
		byLeaf[i] = -1
	}
	for i, field := range fields {
		cols[i].field = field
		written, ok := f.written.FindByID(field.ID)
		if !ok {
			continue
		}
		if !readable(written.Type, field.Type) {
			return nil, nil, failure.IncompatibleType.New("%s: field %d written as %s cannot be read as %s", f.path, field.ID, written.Type, field.Type)
		}
		leaf, ok := f.file.Schema().Lookup(columnName(field.ID))
		if !ok {
			return nil, nil, failure.CorruptMetadata.New("%s: no column for field %d", f.path, field.ID)
		}
		cols[i].written = written.Type
		byLeaf[leaf.ColumnIndex] = i
	}
	return cols, byLeaf, nil
}

func readable(written, read schema.Type) bool {
	if written.IsPrimitive() != read.IsPrimitive() {
		return false
	}
	return written.Kind == read.Kind || schema.CanPromote(written, read)
}

// Rows returns the rows of the file. The sequence can be ranged over more
// than once; stats, when not nil, is updated by each pass.
func (f *File) Rows(ctx context.Context, opts ReadOptions, stats *ReadStats) iter.Seq2[schema.Record, error] {
	return func(yield func(schema.Record, error) bool) {
		cols, byLeaf, err := f.columns(opts)
		if err != nil {
			yield(nil, err)
			return
		}
		for i, rg := range f.file.RowGroups() {
			if stats != nil {
				stats.RowGroups++
			}
			if !opts.Filter.IsAlwaysTrue() && i < len(f.rowGroups) {
				m, err := f.rowGroups[i].Decode(rg.NumRows())
				if err != nil {
					yield(nil, failure.CorruptMetadata.New("%s: row group %d: %v", f.path, i, err))
					return
				}
				if !opts.Filter.MightMatch(m) {
					if stats != nil {
						stats.RowGroupsSkipped++
					}
					continue
				}
			}
			if !f.readGroup(ctx, rg, cols, byLeaf, yield) {
				return
			}
		}
	}
}

func (f *File) readGroup(ctx context.Context, rg parquet.RowGroup, cols []column, byLeaf []int, yield func(schema.Record, error) bool) bool {
	rows := rg.Rows()
	defer func() { _ = rows.Close() }()

	buf := make([]parquet.Row, 256)
	for {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return false
		}
		n, err := rows.ReadRows(buf)
		for _, row := range buf[:n] {
			rec := make(schema.Record, len(cols))
			for _, v := range row {
				idx := v.Column()
				if idx < 0 || idx >= len(byLeaf) || byLeaf[idx] < 0 {
					continue
				}
				c := cols[byLeaf[idx]]
				out, cerr := fromParquet(c.written, c.field.Type, v)
				if cerr != nil {
					yield(nil, failure.CorruptMetadata.New("%s: field %d: %v", f.path, c.field.ID, cerr))
					return false
				}
				if out != nil {
					rec[c.field.ID] = out
				}
			}
			if !yield(rec, nil) {
				return false
			}
		}
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return true
		}
		if err != nil {
			yield(nil, failure.IO.New("%s: reading rows: %v", f.path, err))
			return false
		}
	}
}

// Read opens a data file and returns its rows.
func Read(ctx context.Context, store storage.Storage, df manifest.DataFile, opts ReadOptions) iter.Seq2[schema.Record, error] {
	return func(yield func(schema.Record, error) bool) {
		f, err := Open(ctx, store, df)
		if err != nil {
			yield(nil, err)
			return
		}
		for rec, err := range f.Rows(ctx, opts, nil) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
	}
}

// ReadAll collects the rows of a data file.
func ReadAll(ctx context.Context, store storage.Storage, df manifest.DataFile, opts ReadOptions) ([]schema.Record, error) {
	var out []schema.Record
	for rec, err := range Read(ctx, store, df, opts) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
