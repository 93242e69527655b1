package manifest

import (
	"context"
	"strconv"

	"arctic-table/expr"
	"arctic-table/storage"
)

// ManifestFile is a manifest list entry: a manifest reference plus counts and
// merged statistics of its live files, so planning can skip it unread.
type ManifestFile struct {
	Path              string
	Length            int64
	SpecID            int
	AddedSnapshotID   int64
	SequenceNumber    int64
	MinSequenceNumber int64

	AddedFilesCount    int32
	ExistingFilesCount int32
	DeletedFilesCount  int32
	AddedRowsCount     int64
	ExistingRowsCount  int64
	DeletedRowsCount   int64

	Summary FileMetrics
}

// LiveFiles is the number of data files the manifest contributes.
func (m ManifestFile) LiveFiles() int32 { return m.AddedFilesCount + m.ExistingFilesCount }

// LiveRows is the number of rows the manifest contributes.
func (m ManifestFile) LiveRows() int64 { return m.AddedRowsCount + m.ExistingRowsCount }

// Metrics returns the merged statistics for filter evaluation.
func (m ManifestFile) Metrics() (expr.Metrics, error) {
	return m.Summary.Decode(m.LiveRows())
}

// ListOptions identifies the snapshot a manifest list belongs to.
type ListOptions struct {
	SnapshotID       int64
	ParentSnapshotID int64 // zero when there is no parent
	SequenceNumber   int64
	Codec            string
}

// WriteList writes a manifest list and returns its size.
func WriteList(ctx context.Context, store storage.Storage, key string, opts ListOptions, manifests []ManifestFile) (int64, error) {
	records := make([]any, 0, len(manifests))
	for _, m := range manifests {
		rec := m.Summary.native()
		rec["manifest_path"] = m.Path
		rec["manifest_length"] = m.Length
		rec["partition_spec_id"] = int32(m.SpecID)
		rec["added_snapshot_id"] = m.AddedSnapshotID
		rec["sequence_number"] = m.SequenceNumber
		rec["min_sequence_number"] = m.MinSequenceNumber
		rec["added_files_count"] = m.AddedFilesCount
		rec["existing_files_count"] = m.ExistingFilesCount
		rec["deleted_files_count"] = m.DeletedFilesCount
		rec["added_rows_count"] = m.AddedRowsCount
		rec["existing_rows_count"] = m.ExistingRowsCount
		rec["deleted_rows_count"] = m.DeletedRowsCount
		records = append(records, rec)
	}
	meta := map[string][]byte{
		"snapshot-id":        []byte(strconv.FormatInt(opts.SnapshotID, 10)),
		"parent-snapshot-id": []byte(strconv.FormatInt(opts.ParentSnapshotID, 10)),
		"sequence-number":    []byte(strconv.FormatInt(opts.SequenceNumber, 10)),
	}
	return writeOCF(ctx, store, key, manifestFileSchema, opts.Codec, meta, records)
}

// ReadList returns the manifests of a manifest list in order.
func ReadList(ctx context.Context, store storage.Storage, key string) ([]ManifestFile, error) {
	records, _, err := readOCF(ctx, store, key)
	if err != nil {
		return nil, err
	}
	out := make([]ManifestFile, 0, len(records))
	for _, rec := range records {
		m, err := manifestFileFromNative(rec)
		if err != nil {
			return nil, corrupt(key, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func manifestFileFromNative(rec map[string]any) (ManifestFile, error) {
	var m ManifestFile
	var err error
	if m.Summary, err = metricsFromNative(rec); err != nil {
		return m, err
	}
	if m.Path, err = get[string](rec, "manifest_path"); err != nil {
		return m, err
	}
	if m.Length, err = get[int64](rec, "manifest_length"); err != nil {
		return m, err
	}
	specID, err := get[int32](rec, "partition_spec_id")
	if err != nil {
		return m, err
	}
	m.SpecID = int(specID)
	for name, dst := range map[string]*int64{
		"added_snapshot_id":   &m.AddedSnapshotID,
		"sequence_number":     &m.SequenceNumber,
		"min_sequence_number": &m.MinSequenceNumber,
		"added_rows_count":    &m.AddedRowsCount,
		"existing_rows_count": &m.ExistingRowsCount,
		"deleted_rows_count":  &m.DeletedRowsCount,
	} {
		if *dst, err = get[int64](rec, name); err != nil {
			return m, err
		}
	}
	for name, dst := range map[string]*int32{
		"added_files_count":    &m.AddedFilesCount,
		"existing_files_count": &m.ExistingFilesCount,
		"deleted_files_count":  &m.DeletedFilesCount,
	} {
		if *dst, err = get[int32](rec, name); err != nil {
			return m, err
		}
	}
	return m, nil
}
