// Package datafile writes and reads the immutable parquet files holding table
// rows. Columns are named after field IDs, so renames never touch data and
// files written under older schemas stay readable.
package datafile

import (
	"bytes"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"arctic-table/failure"
	"arctic-table/manifest"
	"arctic-table/schema"
)

// Key-value metadata written into every file.
const (
	schemaKey    = "arctic.schema"
	rowGroupsKey = "arctic.row-groups"
)

func columnName(id int) string { return "f" + strconv.Itoa(id) }

// parquetSchema maps top-level fields to parquet leaves. Structs and lists are
// stored as JSON documents keyed by child field ID.
func parquetSchema(s *schema.Schema) *parquet.Schema {
	root := make(parquet.Group)
	for _, field := range s.Fields {
		var node parquet.Node
		switch field.Type.Kind {
		case schema.KindBoolean:
			node = parquet.Leaf(parquet.BooleanType)
		case schema.KindInt:
			node = parquet.Leaf(parquet.Int32Type)
		case schema.KindLong:
			node = parquet.Leaf(parquet.Int64Type)
		case schema.KindFloat:
			node = parquet.Leaf(parquet.FloatType)
		case schema.KindDouble:
			node = parquet.Leaf(parquet.DoubleType)
		case schema.KindDate:
			node = parquet.Date()
		case schema.KindTimestamp:
			node = parquet.Timestamp(parquet.Microsecond)
		case schema.KindString:
			node = parquet.String()
		case schema.KindBinary:
			node = parquet.Leaf(parquet.ByteArrayType)
		default:
			node = parquet.JSON()
		}
		if !field.Required {
			node = parquet.Optional(node)
		}
		root[columnName(field.ID)] = node
	}
	return parquet.NewSchema("table", root)
}

// toParquet converts a canonical value into a parquet value for t.
func toParquet(t schema.Type, v any) (parquet.Value, error) {
	if v == nil {
		return parquet.NullValue(), nil
	}
	switch t.Kind {
	case schema.KindBoolean:
		return parquet.BooleanValue(v.(bool)), nil
	case schema.KindInt, schema.KindDate:
		return parquet.Int32Value(v.(int32)), nil
	case schema.KindLong, schema.KindTimestamp:
		return parquet.Int64Value(v.(int64)), nil
	case schema.KindFloat:
		return parquet.FloatValue(v.(float32)), nil
	case schema.KindDouble:
		return parquet.DoubleValue(v.(float64)), nil
	case schema.KindString:
		return parquet.ByteArrayValue([]byte(v.(string))), nil
	case schema.KindBinary:
		return parquet.ByteArrayValue(v.([]byte)), nil
	}
	data, err := schema.EncodeNested(t, v)
	if err != nil {
		return parquet.Value{}, err
	}
	return parquet.ByteArrayValue(data), nil
}

// fromParquet converts a stored value written as type written into a
// canonical value of type read.
func fromParquet(written, read schema.Type, v parquet.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	var out any
	switch written.Kind {
	case schema.KindBoolean:
		out = v.Boolean()
	case schema.KindInt, schema.KindDate:
		out = v.Int32()
	case schema.KindLong, schema.KindTimestamp:
		out = v.Int64()
	case schema.KindFloat:
		out = v.Float()
	case schema.KindDouble:
		out = v.Double()
	case schema.KindString:
		out = string(v.ByteArray())
	case schema.KindBinary:
		out = bytes.Clone(v.ByteArray())
	default:
		if read.Kind != written.Kind {
			return nil, failure.IncompatibleType.New("cannot read %s as %s", written, read)
		}
		return schema.DecodeNested(read, v.ByteArray())
	}
	return schema.Promote(out, written, read)
}

// stats accumulates per-column statistics for a set of rows.
type stats struct {
	rows    int64
	columns map[int]*columnStats
}

type columnStats struct {
	values, nulls, size int64
	lower, upper        any
}

func newStats(s *schema.Schema) *stats {
	st := &stats{columns: make(map[int]*columnStats, len(s.Fields))}
	for _, f := range s.Fields {
		st.columns[f.ID] = &columnStats{}
	}
	return st
}

func (st *stats) add(s *schema.Schema, rec schema.Record, encoded map[int]int) {
	st.rows++
	for _, f := range s.Fields {
		col := st.columns[f.ID]
		col.values++
		v := rec[f.ID]
		if v == nil {
			col.nulls++
			continue
		}
		if !f.Type.IsPrimitive() {
			col.size += int64(encoded[f.ID])
			continue
		}
		col.size += valueSize(v)
		if schema.IsNaN(v) {
			continue
		}
		if col.lower == nil {
			col.lower, col.upper = v, v
			continue
		}
		if c, ok := schema.Compare(v, col.lower); ok && c < 0 {
			col.lower = v
		}
		if c, ok := schema.Compare(v, col.upper); ok && c > 0 {
			col.upper = v
		}
	}
}

func (st *stats) metrics() manifest.FileMetrics {
	m := manifest.NewFileMetrics()
	for id, col := range st.columns {
		m.ValueCounts[id] = col.values
		m.NullValueCounts[id] = col.nulls
		m.ColumnSizes[id] = col.size
		if col.lower == nil {
			continue
		}
		low, err1 := schema.EncodeBound(col.lower)
		up, err2 := schema.EncodeBound(col.upper)
		if err1 == nil && err2 == nil {
			m.LowerBounds[id] = low
			m.UpperBounds[id] = up
		}
	}
	return m
}

func valueSize(v any) int64 {
	switch x := v.(type) {
	case bool:
		return 1
	case int32, float32:
		return 4
	case int64, float64:
		return 8
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	}
	return 0
}

