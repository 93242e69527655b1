// Package iceberg holds the table metadata document and the snapshot log: the
// immutable history of table states and the rules for moving between them.
package iceberg

import (
	"maps"
	"slices"
	"strconv"
	"time"

	"arctic-table/failure"
	"arctic-table/partition"
	"arctic-table/schema"
)

const FormatVersion = 2

// NoSnapshot is the snapshot ID of an empty table. Snapshot IDs start at 1.
const NoSnapshot int64 = 0

// Table properties understood by the engine.
const (
	PropMetadataPreviousVersionsMax = "write.metadata.previous-versions-max"
	PropRowGroupSize                = "write.parquet.row-group-size"
	PropTargetFileRows              = "write.target-file-rows"
	PropCompression                 = "write.parquet.compression-codec"
	PropManifestCodec               = "write.avro.compression-codec"
	PropMetadataCompression         = "write.metadata.compression-codec"
	PropCommitRetries               = "commit.retry.num-retries"
)

// Operation is the kind of change a snapshot made.
type Operation string

const (
	OpAppend    Operation = "append"
	OpOverwrite Operation = "overwrite"
	OpDelete    Operation = "delete"
	OpReplace   Operation = "replace"
)

// Summary describes what a snapshot changed and the resulting totals.
type Summary struct {
	Operation        Operation `json:"operation"`
	AddedDataFiles   int64     `json:"added-data-files"`
	DeletedDataFiles int64     `json:"deleted-data-files"`
	AddedRecords     int64     `json:"added-records"`
	DeletedRecords   int64     `json:"deleted-records"`
	AddedFilesSize   int64     `json:"added-files-size"`
	RemovedFilesSize int64     `json:"removed-files-size"`
	TotalDataFiles   int64     `json:"total-data-files"`
	TotalRecords     int64     `json:"total-records"`
	TotalFilesSize   int64     `json:"total-files-size"`
}

// Snapshot is one immutable table state.
type Snapshot struct {
	SnapshotID int64 `json:"snapshot-id"`
	// ParentSnapshotID is NoSnapshot for the first snapshot.
	ParentSnapshotID int64   `json:"parent-snapshot-id,omitempty"`
	SequenceNumber   int64   `json:"sequence-number"`
	TimestampMs      int64   `json:"timestamp-ms"`
	ManifestList     string  `json:"manifest-list"`
	SchemaID         int     `json:"schema-id"`
	Summary          Summary `json:"summary"`
}

func (s *Snapshot) Time() time.Time { return time.UnixMilli(s.TimestampMs).UTC() }

type SnapshotLogEntry struct {
	TimestampMs int64 `json:"timestamp-ms"`
	SnapshotID  int64 `json:"snapshot-id"`
}

type MetadataLogEntry struct {
	TimestampMs  int64  `json:"timestamp-ms"`
	MetadataFile string `json:"metadata-file"`
}

// TableMetadata is the root document written on every commit.
type TableMetadata struct {
	FormatVersion      int                `json:"format-version"`
	TableUUID          string             `json:"table-uuid"`
	Location           string             `json:"location"`
	LastSequenceNumber int64              `json:"last-sequence-number"`
	LastSnapshotID     int64              `json:"last-snapshot-id"`
	LastUpdatedMs      int64              `json:"last-updated-ms"`
	LastColumnID       int                `json:"last-column-id"`
	Schemas            []*schema.Schema   `json:"schemas"`
	CurrentSchemaID    int                `json:"current-schema-id"`
	PartitionSpecs     []*partition.Spec  `json:"partition-specs"`
	DefaultSpecID      int                `json:"default-spec-id"`
	Properties         map[string]string  `json:"properties"`
	CurrentSnapshotID  int64              `json:"current-snapshot-id,omitempty"`
	Snapshots          []*Snapshot        `json:"snapshots"`
	SnapshotLog        []SnapshotLogEntry `json:"snapshot-log"`
	MetadataLog        []MetadataLogEntry `json:"metadata-log"`
}

// CurrentSchema returns the schema new writes use.
func (md *TableMetadata) CurrentSchema() *schema.Schema {
	s, _ := md.SchemaByID(md.CurrentSchemaID)
	return s
}

func (md *TableMetadata) SchemaByID(id int) (*schema.Schema, error) {
	for _, s := range md.Schemas {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, failure.NotFound.New("schema %d", id)
}

// SchemaManager returns a manager over the schema history.
func (md *TableMetadata) SchemaManager() (*schema.Manager, error) {
	return schema.NewManager(md.Schemas, md.CurrentSchemaID, md.LastColumnID)
}

// Spec returns the default partition spec.
func (md *TableMetadata) Spec() *partition.Spec {
	spec, err := md.SpecByID(md.DefaultSpecID)
	if err != nil {
		return partition.Unpartitioned()
	}
	return spec
}

func (md *TableMetadata) SpecByID(id int) (*partition.Spec, error) {
	for _, spec := range md.PartitionSpecs {
		if spec.ID == id {
			return spec, nil
		}
	}
	return nil, failure.NotFound.New("partition spec %d", id)
}

// CurrentSnapshot returns nil for a table without snapshots.
func (md *TableMetadata) CurrentSnapshot() *Snapshot {
	s, _ := md.SnapshotByID(md.CurrentSnapshotID)
	return s
}

func (md *TableMetadata) SnapshotByID(id int64) (*Snapshot, error) {
	for _, s := range md.Snapshots {
		if s.SnapshotID == id {
			return s, nil
		}
	}
	return nil, failure.NotFound.New("snapshot %d in table %s", id, md.Location)
}

// Ancestors returns the snapshot id and its retained ancestors, newest first.
// The walk stops at the first parent that has been expired.
func (md *TableMetadata) Ancestors(id int64) []*Snapshot {
	var out []*Snapshot
	seen := map[int64]bool{}
	for id != NoSnapshot && !seen[id] {
		seen[id] = true
		s, err := md.SnapshotByID(id)
		if err != nil {
			break
		}
		out = append(out, s)
		id = s.ParentSnapshotID
	}
	return out
}

// IsAncestor reports whether ancestor is of or one of its ancestors.
func (md *TableMetadata) IsAncestor(ancestor, of int64) bool {
	for _, s := range md.Ancestors(of) {
		if s.SnapshotID == ancestor {
			return true
		}
	}
	return false
}

// SnapshotAsOf returns the newest ancestor of the current snapshot created at
// or before t. Timestamps come from writer clocks, so the answer is
// approximate; snapshot IDs are the authoritative order.
func (md *TableMetadata) SnapshotAsOf(t time.Time) (*Snapshot, error) {
	ms := t.UnixMilli()
	var best *Snapshot
	for _, s := range md.Ancestors(md.CurrentSnapshotID) {
		if s.TimestampMs <= ms && (best == nil || s.TimestampMs > best.TimestampMs) {
			best = s
		}
	}
	if best == nil {
		return nil, failure.NotFound.New("no snapshot of %s as of %s", md.Location, t.UTC().Format(time.RFC3339))
	}
	return best, nil
}

// Property returns a property or def when unset.
func (md *TableMetadata) Property(key, def string) string {
	if v, ok := md.Properties[key]; ok {
		return v
	}
	return def
}

// PropertyInt returns an integer property or def when unset or invalid.
func (md *TableMetadata) PropertyInt(key string, def int) int {
	if v, ok := md.Properties[key]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Validate checks structural invariants. Failures are failure.CorruptMetadata.
func (md *TableMetadata) Validate() error {
	corrupt := failure.CorruptMetadata.New
	if md.FormatVersion != FormatVersion {
		return corrupt("unsupported format version %d", md.FormatVersion)
	}
	if md.TableUUID == "" {
		return corrupt("missing table uuid")
	}
	if md.Location == "" {
		return corrupt("missing location")
	}
	if len(md.Schemas) == 0 {
		return corrupt("no schemas")
	}
	schemaIDs := map[int]bool{}
	for _, s := range md.Schemas {
		if s == nil {
			return corrupt("null schema")
		}
		if schemaIDs[s.ID] {
			return corrupt("duplicate schema id %d", s.ID)
		}
		schemaIDs[s.ID] = true
		if err := s.Validate(); err != nil {
			return err
		}
		if s.HighestFieldID() > md.LastColumnID {
			return corrupt("schema %d uses field id %d above last-column-id %d", s.ID, s.HighestFieldID(), md.LastColumnID)
		}
	}
	if !schemaIDs[md.CurrentSchemaID] {
		return corrupt("current schema %d not found", md.CurrentSchemaID)
	}
	specIDs := map[int]bool{}
	for _, spec := range md.PartitionSpecs {
		if spec == nil {
			return corrupt("null partition spec")
		}
		specIDs[spec.ID] = true
	}
	if !specIDs[md.DefaultSpecID] {
		return corrupt("default partition spec %d not found", md.DefaultSpecID)
	}
	if err := md.Spec().Validate(md.CurrentSchema()); err != nil {
		return corrupt("default partition spec: %v", err)
	}

	snapshotIDs := map[int64]bool{}
	for _, s := range md.Snapshots {
		if s == nil {
			return corrupt("null snapshot")
		}
		if s.SnapshotID <= NoSnapshot || s.SnapshotID > md.LastSnapshotID {
			return corrupt("snapshot id %d out of range (last %d)", s.SnapshotID, md.LastSnapshotID)
		}
		if snapshotIDs[s.SnapshotID] {
			return corrupt("duplicate snapshot id %d", s.SnapshotID)
		}
		snapshotIDs[s.SnapshotID] = true
		if s.SequenceNumber > md.LastSequenceNumber {
			return corrupt("snapshot %d sequence number %d above last %d", s.SnapshotID, s.SequenceNumber, md.LastSequenceNumber)
		}
		if !schemaIDs[s.SchemaID] {
			return corrupt("snapshot %d references missing schema %d", s.SnapshotID, s.SchemaID)
		}
		if s.ManifestList == "" {
			return corrupt("snapshot %d has no manifest list", s.SnapshotID)
		}
	}
	if md.CurrentSnapshotID != NoSnapshot && !snapshotIDs[md.CurrentSnapshotID] {
		return corrupt("current snapshot %d not found", md.CurrentSnapshotID)
	}
	return nil
}

// clone copies the document deeply enough for a builder to modify it.
// Schemas, specs and snapshots are immutable and shared.
func (md *TableMetadata) clone() *TableMetadata {
	c := *md
	c.Schemas = slices.Clone(md.Schemas)
	c.PartitionSpecs = slices.Clone(md.PartitionSpecs)
	c.Properties = maps.Clone(md.Properties)
	if c.Properties == nil {
		c.Properties = map[string]string{}
	}
	c.Snapshots = slices.Clone(md.Snapshots)
	c.SnapshotLog = slices.Clone(md.SnapshotLog)
	c.MetadataLog = slices.Clone(md.MetadataLog)
	return &c
}
