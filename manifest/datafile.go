// Package manifest tracks which data files make up a table state. Manifests
// list data files with their status and statistics; a manifest list groups the
// manifests of one snapshot. Both are immutable Avro object container files.
package manifest

import (
	"fmt"
	"sort"
	"strconv"

	"arctic-table/expr"
	"arctic-table/partition"
	"arctic-table/schema"
)

const FormatParquet = "PARQUET"

// DataFile describes one immutable file of rows.
type DataFile struct {
	FilePath      string
	FileFormat    string
	Partition     partition.Values
	RecordCount   int64
	FileSizeBytes int64
	SchemaID      int
	Metrics       FileMetrics
}

// FileMetrics holds per-column statistics keyed by field ID. Bounds use the
// schema.EncodeBound encoding.
type FileMetrics struct {
	ColumnSizes     map[int]int64
	ValueCounts     map[int]int64
	NullValueCounts map[int]int64
	LowerBounds     map[int][]byte
	UpperBounds     map[int][]byte
}

func NewFileMetrics() FileMetrics {
	return FileMetrics{
		ColumnSizes:     make(map[int]int64),
		ValueCounts:     make(map[int]int64),
		NullValueCounts: make(map[int]int64),
		LowerBounds:     make(map[int][]byte),
		UpperBounds:     make(map[int][]byte),
	}
}

// Decode converts the metrics into canonical values for filter evaluation.
func (m FileMetrics) Decode(rowCount int64) (expr.Metrics, error) {
	out := expr.Metrics{
		RowCount:    rowCount,
		ValueCounts: m.ValueCounts,
		NullCounts:  m.NullValueCounts,
		Lower:       make(map[int]any, len(m.LowerBounds)),
		Upper:       make(map[int]any, len(m.UpperBounds)),
	}
	for id, raw := range m.LowerBounds {
		v, err := schema.DecodeBound(raw)
		if err != nil {
			return expr.Metrics{}, fmt.Errorf("lower bound of field %d: %w", id, err)
		}
		out.Lower[id] = v
	}
	for id, raw := range m.UpperBounds {
		v, err := schema.DecodeBound(raw)
		if err != nil {
			return expr.Metrics{}, fmt.Errorf("upper bound of field %d: %w", id, err)
		}
		out.Upper[id] = v
	}
	return out, nil
}

// summary accumulates the statistics of many files into manifest-level
// statistics that stay sound for pruning.
type summary struct {
	rows    int64
	columns map[int]*columnSummary
	files   []FileMetrics
	counts  []int64
}

type columnSummary struct {
	nulls        int64
	nullsKnown   bool
	lower, upper any
	boundsKnown  bool
}

func newSummary() *summary { return &summary{columns: map[int]*columnSummary{}} }

func (s *summary) add(df DataFile) {
	s.rows += df.RecordCount
	s.files = append(s.files, df.Metrics)
	s.counts = append(s.counts, df.RecordCount)
	for id := range df.Metrics.ValueCounts {
		if _, ok := s.columns[id]; !ok {
			s.columns[id] = &columnSummary{nullsKnown: true, boundsKnown: true}
		}
	}
}

// metrics folds every added file into one FileMetrics. A file that never had a
// column holds only nulls for it.
func (s *summary) metrics() FileMetrics {
	for id, col := range s.columns {
		for i, fm := range s.files {
			rows := s.counts[i]
			if _, has := fm.ValueCounts[id]; !has {
				col.nulls += rows
				continue
			}
			nulls, ok := fm.NullValueCounts[id]
			if !ok {
				col.nullsKnown = false
			}
			col.nulls += nulls
			if ok && nulls >= rows {
				continue
			}
			lowRaw, hasLow := fm.LowerBounds[id]
			upRaw, hasUp := fm.UpperBounds[id]
			if !hasLow || !hasUp {
				col.boundsKnown = false
				continue
			}
			low, err1 := schema.DecodeBound(lowRaw)
			up, err2 := schema.DecodeBound(upRaw)
			if err1 != nil || err2 != nil {
				col.boundsKnown = false
				continue
			}
			if col.lower == nil {
				col.lower, col.upper = low, up
				continue
			}
			if c, ok := schema.Compare(low, col.lower); !ok {
				col.boundsKnown = false
			} else if c < 0 {
				col.lower = low
			}
			if c, ok := schema.Compare(up, col.upper); !ok {
				col.boundsKnown = false
			} else if c > 0 {
				col.upper = up
			}
		}
	}

	out := NewFileMetrics()
	for id, col := range s.columns {
		out.ValueCounts[id] = s.rows
		if col.nullsKnown {
			out.NullValueCounts[id] = col.nulls
		}
		if col.boundsKnown && col.lower != nil {
			low, err1 := schema.EncodeBound(col.lower)
			up, err2 := schema.EncodeBound(col.upper)
			if err1 == nil && err2 == nil {
				out.LowerBounds[id] = low
				out.UpperBounds[id] = up
			}
		}
	}
	return out
}

func intKeyed[V any](m map[int]V) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strconv.Itoa(k)] = v
	}
	return out
}

func fromIntKeyed[V any](raw any) (map[int]V, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", raw)
	}
	out := make(map[int]V, len(m))
	for k, v := range m {
		id, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("field id %q: %w", k, err)
		}
		typed, ok := v.(V)
		if !ok {
			return nil, fmt.Errorf("field %d: unexpected %T", id, v)
		}
		out[id] = typed
	}
	return out, nil
}

func (m FileMetrics) native() map[string]any {
	return map[string]any{
		"column_sizes":      intKeyed(m.ColumnSizes),
		"value_counts":      intKeyed(m.ValueCounts),
		"null_value_counts": intKeyed(m.NullValueCounts),
		"lower_bounds":      intKeyed(m.LowerBounds),
		"upper_bounds":      intKeyed(m.UpperBounds),
	}
}

func metricsFromNative(rec map[string]any) (FileMetrics, error) {
	var m FileMetrics
	var err error
	if m.ColumnSizes, err = fromIntKeyed[int64](rec["column_sizes"]); err != nil {
		return m, fmt.Errorf("column_sizes: %w", err)
	}
	if m.ValueCounts, err = fromIntKeyed[int64](rec["value_counts"]); err != nil {
		return m, fmt.Errorf("value_counts: %w", err)
	}
	if m.NullValueCounts, err = fromIntKeyed[int64](rec["null_value_counts"]); err != nil {
		return m, fmt.Errorf("null_value_counts: %w", err)
	}
	if m.LowerBounds, err = fromIntKeyed[[]byte](rec["lower_bounds"]); err != nil {
		return m, fmt.Errorf("lower_bounds: %w", err)
	}
	if m.UpperBounds, err = fromIntKeyed[[]byte](rec["upper_bounds"]); err != nil {
		return m, fmt.Errorf("upper_bounds: %w", err)
	}
	return m, nil
}

func (df DataFile) native() map[string]any {
	part := make(map[string]any, len(df.Partition))
	for k, v := range df.Partition {
		part[k] = v
	}
	rec := df.Metrics.native()
	rec["file_path"] = df.FilePath
	rec["file_format"] = df.FileFormat
	rec["partition"] = part
	rec["record_count"] = df.RecordCount
	rec["file_size_in_bytes"] = df.FileSizeBytes
	rec["schema_id"] = int32(df.SchemaID)
	return rec
}

func dataFileFromNative(raw any) (DataFile, error) {
	rec, ok := raw.(map[string]any)
	if !ok {
		return DataFile{}, fmt.Errorf("data_file: expected record, got %T", raw)
	}
	var df DataFile
	var err error
	if df.Metrics, err = metricsFromNative(rec); err != nil {
		return DataFile{}, err
	}
	part, ok := rec["partition"].(map[string]any)
	if !ok {
		return DataFile{}, fmt.Errorf("partition: unexpected %T", rec["partition"])
	}
	df.Partition = partition.Values{}
	for k, v := range part {
		s, ok := v.(string)
		if !ok {
			return DataFile{}, fmt.Errorf("partition %q: unexpected %T", k, v)
		}
		df.Partition[k] = s
	}

	if df.FilePath, err = get[string](rec, "file_path"); err != nil {
		return DataFile{}, err
	}
	if df.FileFormat, err = get[string](rec, "file_format"); err != nil {
		return DataFile{}, err
	}
	if df.RecordCount, err = get[int64](rec, "record_count"); err != nil {
		return DataFile{}, err
	}
	if df.FileSizeBytes, err = get[int64](rec, "file_size_in_bytes"); err != nil {
		return DataFile{}, err
	}
	schemaID, err := get[int32](rec, "schema_id")
	if err != nil {
		return DataFile{}, err
	}
	df.SchemaID = int(schemaID)
	return df, nil
}

func get[T any](rec map[string]any, name string) (T, error) {
	v, ok := rec[name].(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s: unexpected %T", name, rec[name])
	}
	return v, nil
}

// SortedPaths returns the file paths in order, for stable comparisons.
func SortedPaths(files []DataFile) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.FilePath
	}
	sort.Strings(paths)
	return paths
}
