package replication

import (
	"fmt"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"arctic-table/failure"
	"arctic-table/schema"
)

// TypeForOID maps a Postgres column type to a table column type. Types without
// a native counterpart (numeric, json, uuid, arrays) are carried as strings in
// their Postgres text form.
func TypeForOID(oid uint32) schema.Type {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID:
		return schema.Int
	case pgtype.Int8OID:
		return schema.Long
	case pgtype.Float4OID:
		return schema.Float
	case pgtype.Float8OID:
		return schema.Double
	case pgtype.BoolOID:
		return schema.Boolean
	case pgtype.DateOID:
		return schema.Date
	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		return schema.Timestamp
	case pgtype.ByteaOID:
		return schema.Binary
	}
	return schema.String
}

// decoder turns pgoutput tuple columns into canonical values.
type decoder struct {
	types *pgtype.Map
}

func newDecoder() *decoder { return &decoder{types: pgtype.NewMap()} }

// value decodes one column for a field of type t. ok is false for columns
// whose value the message does not carry (unchanged TOAST).
func (d *decoder) value(t schema.Type, oid uint32, col *pglogrepl.TupleDataColumn) (v any, ok bool, err error) {
	switch col.DataType {
	case pglogrepl.TupleDataTypeNull:
		return nil, true, nil
	case pglogrepl.TupleDataTypeToast:
		return nil, false, nil
	}

	format := int16(pgtype.TextFormatCode)
	if col.DataType == pglogrepl.TupleDataTypeBinary {
		format = pgtype.BinaryFormatCode
	}
	if t.Kind == schema.KindString && format == pgtype.TextFormatCode {
		v, err := schema.Coerce(t, string(col.Data))
		return v, true, err
	}

	pt, found := d.types.TypeForOID(oid)
	if !found {
		if t.Kind == schema.KindString {
			return fmt.Sprintf("%x", col.Data), true, nil
		}
		return nil, false, failure.SchemaMismatch.New("no decoder for type oid %d", oid)
	}
	raw, err := pt.Codec.DecodeValue(d.types, oid, format, col.Data)
	if err != nil {
		return nil, false, failure.SchemaMismatch.New("decoding %s value: %v", pt.Name, err)
	}
	if t.Kind == schema.KindString {
		if s, isString := raw.(string); isString {
			return s, true, nil
		}
		return fmt.Sprint(raw), true, nil
	}
	v, err = schema.Coerce(t, raw)
	return v, true, err
}
