package manifest

import (
	"bytes"
	"context"
	"fmt"

	"github.com/linkedin/goavro/v2"

	"arctic-table/failure"
	"arctic-table/storage"
)

// Maps keyed by field ID use the decimal ID as the Avro map key.
const (
	manifestEntrySchema = `{
		"type": "record",
		"name": "manifest_entry",
		"fields": [
			{"name": "status", "type": "int", "doc": "0 = existing, 1 = added, 2 = deleted"},
			{"name": "snapshot_id", "type": "long"},
			{"name": "sequence_number", "type": "long"},
			{"name": "file_sequence_number", "type": "long"},
			{"name": "data_file", "type": {
				"type": "record",
				"name": "data_file",
				"fields": [
					{"name": "file_path", "type": "string"},
					{"name": "file_format", "type": "string"},
					{"name": "partition", "type": {"type": "map", "values": "string"}},
					{"name": "record_count", "type": "long"},
					{"name": "file_size_in_bytes", "type": "long"},
					{"name": "schema_id", "type": "int"},
					{"name": "column_sizes", "type": {"type": "map", "values": "long"}},
					{"name": "value_counts", "type": {"type": "map", "values": "long"}},
					{"name": "null_value_counts", "type": {"type": "map", "values": "long"}},
					{"name": "lower_bounds", "type": {"type": "map", "values": "bytes"}},
					{"name": "upper_bounds", "type": {"type": "map", "values": "bytes"}}
				]
			}}
		]
	}`

	manifestFileSchema = `{
		"type": "record",
		"name": "manifest_file",
		"fields": [
			{"name": "manifest_path", "type": "string"},
			{"name": "manifest_length", "type": "long"},
			{"name": "partition_spec_id", "type": "int"},
			{"name": "added_snapshot_id", "type": "long"},
			{"name": "sequence_number", "type": "long"},
			{"name": "min_sequence_number", "type": "long"},
			{"name": "added_files_count", "type": "int"},
			{"name": "existing_files_count", "type": "int"},
			{"name": "deleted_files_count", "type": "int"},
			{"name": "added_rows_count", "type": "long"},
			{"name": "existing_rows_count", "type": "long"},
			{"name": "deleted_rows_count", "type": "long"},
			{"name": "column_sizes", "type": {"type": "map", "values": "long"}},
			{"name": "value_counts", "type": {"type": "map", "values": "long"}},
			{"name": "null_value_counts", "type": {"type": "map", "values": "long"}},
			{"name": "lower_bounds", "type": {"type": "map", "values": "bytes"}},
			{"name": "upper_bounds", "type": {"type": "map", "values": "bytes"}}
		]
	}`
)

// Codec names accepted for manifest files.
const (
	CodecNull    = goavro.CompressionNullLabel
	CodecDeflate = goavro.CompressionDeflateLabel
	CodecSnappy  = goavro.CompressionSnappyLabel
)

func writeOCF(ctx context.Context, store storage.Storage, key, avroSchema, codec string, meta map[string][]byte, records []any) (int64, error) {
	if codec == "" {
		codec = CodecDeflate
	}
	buf := storage.NewBuffer()
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               buf,
		Schema:          avroSchema,
		CompressionName: codec,
		MetaData:        meta,
	})
	if err != nil {
		return 0, failure.InvalidArgument.New("creating avro writer for %s: %v", key, err)
	}
	if len(records) > 0 {
		if err := w.Append(records); err != nil {
			return 0, failure.InvalidArgument.New("encoding %s: %v", key, err)
		}
	}
	return buf.Store(ctx, store, key)
}

func readOCF(ctx context.Context, store storage.Storage, key string) (records []map[string]any, meta map[string][]byte, err error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	r, err := goavro.NewOCFReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, failure.CorruptMetadata.New("opening %s: %v", key, err)
	}
	for r.Scan() {
		datum, err := r.Read()
		if err != nil {
			return nil, nil, failure.CorruptMetadata.New("reading %s: %v", key, err)
		}
		rec, ok := datum.(map[string]any)
		if !ok {
			return nil, nil, failure.CorruptMetadata.New("reading %s: record is %T", key, datum)
		}
		records = append(records, rec)
	}
	if err := r.Err(); err != nil {
		return nil, nil, failure.CorruptMetadata.New("reading %s: %v", key, err)
	}
	return records, r.MetaData(), nil
}

func corrupt(key string, err error) error {
	return failure.CorruptMetadata.Wrap(fmt.Errorf("%s: %w", key, err))
}
