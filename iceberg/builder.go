package iceberg

import (
	"time"

	"github.com/google/uuid"

	"arctic-table/failure"
	"arctic-table/partition"
	"arctic-table/schema"
)

const defaultPreviousVersionsMax = 100

// NewTable returns the metadata of a table without snapshots.
func NewTable(location string, s *schema.Schema, spec *partition.Spec, props map[string]string, now time.Time) (*TableMetadata, error) {
	if spec == nil {
		spec = partition.Unpartitioned()
	}
	if err := s.Validate(); err != nil {
		return nil, failure.InvalidArgument.Wrap(err)
	}
	if err := spec.Validate(s); err != nil {
		return nil, err
	}
	md := &TableMetadata{
		FormatVersion:   FormatVersion,
		TableUUID:       uuid.NewString(),
		Location:        location,
		LastUpdatedMs:   now.UnixMilli(),
		LastColumnID:    s.HighestFieldID(),
		Schemas:         []*schema.Schema{s},
		CurrentSchemaID: s.ID,
		PartitionSpecs:  []*partition.Spec{spec},
		DefaultSpecID:   spec.ID,
		Properties:      map[string]string{},
		Snapshots:       []*Snapshot{},
		SnapshotLog:     []SnapshotLogEntry{},
		MetadataLog:     []MetadataLogEntry{},
	}
	for k, v := range props {
		md.Properties[k] = v
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}

// Builder derives a new metadata version from a base. The base is never
// modified.
type Builder struct {
	base    *TableMetadata
	md      *TableMetadata
	changed bool
}

func NewBuilder(base *TableMetadata) *Builder {
	return &Builder{base: base, md: base.clone()}
}

// Base returns the metadata the builder started from.
func (b *Builder) Base() *TableMetadata { return b.base }

// Current returns the metadata as staged so far. Callers must not modify it.
func (b *Builder) Current() *TableMetadata { return b.md }

// Changed reports whether any update was staged.
func (b *Builder) Changed() bool { return b.changed }

// NextSnapshotID is the ID the next added snapshot must use.
func (b *Builder) NextSnapshotID() int64 { return b.md.LastSnapshotID + 1 }

// NextSequenceNumber is the sequence number the next added snapshot must use.
func (b *Builder) NextSequenceNumber() int64 { return b.md.LastSequenceNumber + 1 }

// AddSchema registers s and makes it current. Adding a schema already in the
// history only switches to it.
func (b *Builder) AddSchema(s *schema.Schema, lastColumnID int) error {
	if err := s.Validate(); err != nil {
		return failure.InvalidArgument.Wrap(err)
	}
	if err := b.md.Spec().Validate(s); err != nil {
		return failure.InvalidArgument.New("schema %d breaks the partition spec: %v", s.ID, err)
	}
	if lastColumnID < b.md.LastColumnID {
		return failure.InvalidArgument.New("last column id cannot move back from %d to %d", b.md.LastColumnID, lastColumnID)
	}
	if existing, err := b.md.SchemaByID(s.ID); err == nil {
		if !existing.SameFields(s) {
			return failure.InvalidArgument.New("schema id %d already used for a different schema", s.ID)
		}
	} else {
		b.md.Schemas = append(b.md.Schemas, s)
	}
	if b.md.CurrentSchemaID != s.ID || b.md.LastColumnID != lastColumnID {
		b.md.CurrentSchemaID = s.ID
		b.md.LastColumnID = lastColumnID
		b.changed = true
	}
	return nil
}

// SetProperties sets and removes table properties.
func (b *Builder) SetProperties(set map[string]string, remove ...string) {
	for k, v := range set {
		if old, ok := b.md.Properties[k]; !ok || old != v {
			b.md.Properties[k] = v
			b.changed = true
		}
	}
	for _, k := range remove {
		if _, ok := b.md.Properties[k]; ok {
			delete(b.md.Properties, k)
			b.changed = true
		}
	}
}

// AddSnapshot appends snap and makes it current. The snapshot's parent must be
// the current snapshot of the staged metadata; otherwise another commit won and
// the result is failure.ConcurrentModification.
func (b *Builder) AddSnapshot(snap *Snapshot) error {
	if snap.ParentSnapshotID != b.md.CurrentSnapshotID {
		return failure.ConcurrentModification.New("table %s: snapshot %d expects parent %d but current is %d",
			b.md.Location, snap.SnapshotID, snap.ParentSnapshotID, b.md.CurrentSnapshotID)
	}
	if snap.SnapshotID != b.NextSnapshotID() || snap.SequenceNumber != b.NextSequenceNumber() {
		return failure.ConcurrentModification.New("table %s: snapshot %d/sequence %d is stale, next is %d/%d",
			b.md.Location, snap.SnapshotID, snap.SequenceNumber, b.NextSnapshotID(), b.NextSequenceNumber())
	}
	if _, err := b.md.SchemaByID(snap.SchemaID); err != nil {
		return failure.InvalidArgument.New("snapshot %d references unknown schema %d", snap.SnapshotID, snap.SchemaID)
	}
	if snap.ManifestList == "" {
		return failure.InvalidArgument.New("snapshot %d has no manifest list", snap.SnapshotID)
	}
	b.md.Snapshots = append(b.md.Snapshots, snap)
	b.md.LastSnapshotID = snap.SnapshotID
	b.md.LastSequenceNumber = snap.SequenceNumber
	b.setCurrent(snap.SnapshotID, snap.TimestampMs)
	return nil
}

// RollbackTo moves the current pointer to an ancestor of the current snapshot.
// Snapshots after it stay in the history.
func (b *Builder) RollbackTo(id int64, now time.Time) error {
	if _, err := b.md.SnapshotByID(id); err != nil {
		return err
	}
	if !b.md.IsAncestor(id, b.md.CurrentSnapshotID) {
		return failure.InvalidArgument.New("table %s: snapshot %d is not an ancestor of current snapshot %d", b.md.Location, id, b.md.CurrentSnapshotID)
	}
	if id == b.md.CurrentSnapshotID {
		return nil
	}
	b.setCurrent(id, now.UnixMilli())
	return nil
}

func (b *Builder) setCurrent(id int64, ms int64) {
	b.md.CurrentSnapshotID = id
	b.md.SnapshotLog = append(b.md.SnapshotLog, SnapshotLogEntry{TimestampMs: ms, SnapshotID: id})
	b.changed = true
}

// RemoveSnapshots drops snapshot records. The current snapshot cannot be
// removed. Snapshot log entries of removed snapshots go with them.
func (b *Builder) RemoveSnapshots(ids ...int64) error {
	drop := map[int64]bool{}
	for _, id := range ids {
		if id == b.md.CurrentSnapshotID {
			return failure.InvalidArgument.New("table %s: cannot remove current snapshot %d", b.md.Location, id)
		}
		drop[id] = true
	}
	kept := b.md.Snapshots[:0:0]
	for _, s := range b.md.Snapshots {
		if drop[s.SnapshotID] {
			b.changed = true
			continue
		}
		kept = append(kept, s)
	}
	b.md.Snapshots = kept
	log := b.md.SnapshotLog[:0:0]
	for _, e := range b.md.SnapshotLog {
		if !drop[e.SnapshotID] {
			log = append(log, e)
		}
	}
	b.md.SnapshotLog = log
	return nil
}

// Build finalizes the new version. previous is the key of the base metadata
// document, recorded in the metadata log; it is empty for a new table.
func (b *Builder) Build(previous string, now time.Time) (*TableMetadata, error) {
	md := b.md.clone()
	md.LastUpdatedMs = max(now.UnixMilli(), b.base.LastUpdatedMs)
	if previous != "" {
		md.MetadataLog = append(md.MetadataLog, MetadataLogEntry{TimestampMs: b.base.LastUpdatedMs, MetadataFile: previous})
		if limit := md.PropertyInt(PropMetadataPreviousVersionsMax, defaultPreviousVersionsMax); limit > 0 && len(md.MetadataLog) > limit {
			md.MetadataLog = md.MetadataLog[len(md.MetadataLog)-limit:]
		}
	}
	if err := md.Validate(); err != nil {
		return nil, err
	}
	return md, nil
}
