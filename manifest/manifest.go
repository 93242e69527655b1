package manifest

import (
	"context"
	"strconv"

	"arctic-table/failure"
	"arctic-table/storage"
)

// Status of a manifest entry.
type Status int32

const (
	StatusExisting Status = 0
	StatusAdded    Status = 1
	StatusDeleted  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusExisting:
		return "EXISTING"
	case StatusAdded:
		return "ADDED"
	case StatusDeleted:
		return "DELETED"
	}
	return "UNKNOWN"
}

// Entry is one data file in a manifest.
type Entry struct {
	Status Status
	// SnapshotID is the snapshot that added the file, or that deleted it for
	// DELETED entries.
	SnapshotID int64
	// SequenceNumber is the data sequence number of the snapshot that added the
	// file. It orders files for deterministic scans.
	SequenceNumber     int64
	FileSequenceNumber int64
	DataFile           DataFile
}

func (e Entry) Live() bool { return e.Status != StatusDeleted }

// WriteOptions describes the snapshot a manifest is written for.
type WriteOptions struct {
	SnapshotID     int64
	SequenceNumber int64
	SpecID         int
	Codec          string
}

// WriteManifest writes a manifest of added and deleted files. When base is
// set, live entries of base that are not deleted are carried forward as
// EXISTING and entries base had already deleted are dropped. Data files
// themselves are never touched. Deleting a file that base does not list is an
// error.
func WriteManifest(ctx context.Context, store storage.Storage, key string, opts WriteOptions, added, deleted []DataFile, base *ManifestFile) (ManifestFile, error) {
	var entries []Entry
	toDelete := make(map[string]bool, len(deleted))
	for _, df := range deleted {
		toDelete[df.FilePath] = true
	}

	if base != nil {
		baseEntries, err := ReadManifest(ctx, store, base.Path)
		if err != nil {
			return ManifestFile{}, err
		}
		for _, e := range baseEntries {
			if !e.Live() {
				continue
			}
			if toDelete[e.DataFile.FilePath] {
				delete(toDelete, e.DataFile.FilePath)
				e.Status = StatusDeleted
				e.SnapshotID = opts.SnapshotID
				entries = append(entries, e)
				continue
			}
			e.Status = StatusExisting
			entries = append(entries, e)
		}
		if len(toDelete) > 0 {
			return ManifestFile{}, failure.InvalidArgument.New("%d deleted files are not live in manifest %s", len(toDelete), base.Path)
		}
	} else {
		for _, df := range deleted {
			entries = append(entries, Entry{
				Status:             StatusDeleted,
				SnapshotID:         opts.SnapshotID,
				SequenceNumber:     opts.SequenceNumber,
				FileSequenceNumber: opts.SequenceNumber,
				DataFile:           df,
			})
		}
	}

	for _, df := range added {
		entries = append(entries, Entry{
			Status:             StatusAdded,
			SnapshotID:         opts.SnapshotID,
			SequenceNumber:     opts.SequenceNumber,
			FileSequenceNumber: opts.SequenceNumber,
			DataFile:           df,
		})
	}
	return writeEntries(ctx, store, key, opts, entries)
}

func writeEntries(ctx context.Context, store storage.Storage, key string, opts WriteOptions, entries []Entry) (ManifestFile, error) {
	mf := ManifestFile{
		Path:              key,
		SpecID:            opts.SpecID,
		AddedSnapshotID:   opts.SnapshotID,
		SequenceNumber:    opts.SequenceNumber,
		MinSequenceNumber: opts.SequenceNumber,
	}
	sum := newSummary()
	records := make([]any, 0, len(entries))
	for _, e := range entries {
		switch e.Status {
		case StatusAdded:
			mf.AddedFilesCount++
			mf.AddedRowsCount += e.DataFile.RecordCount
		case StatusExisting:
			mf.ExistingFilesCount++
			mf.ExistingRowsCount += e.DataFile.RecordCount
		case StatusDeleted:
			mf.DeletedFilesCount++
			mf.DeletedRowsCount += e.DataFile.RecordCount
		}
		if e.Live() {
			sum.add(e.DataFile)
			mf.MinSequenceNumber = min(mf.MinSequenceNumber, e.SequenceNumber)
		}
		records = append(records, map[string]any{
			"status":               int32(e.Status),
			"snapshot_id":          e.SnapshotID,
			"sequence_number":      e.SequenceNumber,
			"file_sequence_number": e.FileSequenceNumber,
			"data_file":            e.DataFile.native(),
		})
	}
	mf.Summary = sum.metrics()

	meta := map[string][]byte{
		"partition-spec-id": []byte(strconv.Itoa(opts.SpecID)),
		"content":           []byte("data"),
	}
	size, err := writeOCF(ctx, store, key, manifestEntrySchema, opts.Codec, meta, records)
	if err != nil {
		return ManifestFile{}, err
	}
	mf.Length = size
	return mf, nil
}

// ReadManifest returns the entries of a manifest in file order.
func ReadManifest(ctx context.Context, store storage.Storage, key string) ([]Entry, error) {
	records, _, err := readOCF(ctx, store, key)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		var e Entry
		status, err := get[int32](rec, "status")
		if err != nil {
			return nil, corrupt(key, err)
		}
		if status < 0 || status > 2 {
			return nil, failure.CorruptMetadata.New("%s: invalid entry status %d", key, status)
		}
		e.Status = Status(status)
		if e.SnapshotID, err = get[int64](rec, "snapshot_id"); err != nil {
			return nil, corrupt(key, err)
		}
		if e.SequenceNumber, err = get[int64](rec, "sequence_number"); err != nil {
			return nil, corrupt(key, err)
		}
		if e.FileSequenceNumber, err = get[int64](rec, "file_sequence_number"); err != nil {
			return nil, corrupt(key, err)
		}
		if e.DataFile, err = dataFileFromNative(rec["data_file"]); err != nil {
			return nil, corrupt(key, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
