// Package table is the public face of the engine: tables, optimistic
// transactions over their metadata, scans and maintenance.
package table

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"arctic-table/config"
	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/iceberg"
	"arctic-table/manifest"
	"arctic-table/schema"
	"arctic-table/storage"
)

var mon = monkit.Package()

// Identifier names a table within a catalog.
type Identifier struct {
	Namespace string
	Name      string
}

func (id Identifier) String() string { return id.Namespace + "." + id.Name }

// ParseIdentifier parses "namespace.name".
func ParseIdentifier(s string) (Identifier, error) {
	ns, name, ok := strings.Cut(s, ".")
	if !ok || ns == "" || name == "" || strings.Contains(name, ".") {
		return Identifier{}, failure.InvalidArgument.New("table identifier %q must look like namespace.name", s)
	}
	return Identifier{Namespace: ns, Name: name}, nil
}

// Committer owns the pointer to a table's current metadata document. Catalogs
// implement it.
type Committer interface {
	// CurrentMetadata returns the key of the current metadata document.
	CurrentMetadata(ctx context.Context, ident Identifier) (string, error)
	// SwapMetadata moves the pointer from base to next. It fails with
	// failure.ConcurrentModification when the pointer no longer names base.
	SwapMetadata(ctx context.Context, ident Identifier, base, next string) error
}

// Options carry the write, commit and maintenance defaults. Table properties
// override the write settings.
type Options struct {
	Table       config.Table
	Maintenance config.Maintenance
	// Now is the clock used for snapshot and metadata timestamps.
	Now func() time.Time
}

// DefaultOptions returns options from config.Default.
func DefaultOptions() Options {
	cfg := config.Default()
	return Options{Table: cfg.Table, Maintenance: cfg.Maintenance}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Table is a handle on one table. It caches the metadata it last saw; every
// commit starts from that cache and refreshes it on conflict.
type Table struct {
	log       *zap.Logger
	store     storage.Storage
	ident     Identifier
	committer Committer
	opts      Options

	mu          sync.RWMutex
	md          *iceberg.TableMetadata
	metadataKey string
}

// New wraps already loaded metadata.
func New(log *zap.Logger, store storage.Storage, ident Identifier, committer Committer, metadataKey string, md *iceberg.TableMetadata, opts Options) *Table {
	return &Table{
		log:         log.With(zap.Stringer("table", ident)),
		store:       store,
		ident:       ident,
		committer:   committer,
		opts:        opts,
		md:          md,
		metadataKey: metadataKey,
	}
}

// Load reads the table's current metadata through its committer.
func Load(ctx context.Context, log *zap.Logger, store storage.Storage, ident Identifier, committer Committer, opts Options) (_ *Table, err error) {
	defer mon.Task()(&ctx)(&err)

	key, err := committer.CurrentMetadata(ctx, ident)
	if err != nil {
		return nil, err
	}
	md, err := iceberg.ReadMetadata(ctx, store, key)
	if err != nil {
		return nil, fmt.Errorf("loading table %s: %w", ident, err)
	}
	return New(log, store, ident, committer, key, md, opts), nil
}

// Refresh reloads the current metadata.
func (t *Table) Refresh(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	key, err := t.committer.CurrentMetadata(ctx, t.ident)
	if err != nil {
		return err
	}
	t.mu.RLock()
	same := key == t.metadataKey
	t.mu.RUnlock()
	if same {
		return nil
	}
	md, err := iceberg.ReadMetadata(ctx, t.store, key)
	if err != nil {
		return fmt.Errorf("refreshing table %s: %w", t.ident, err)
	}
	t.set(md, key)
	return nil
}

func (t *Table) set(md *iceberg.TableMetadata, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.md, t.metadataKey = md, key
}

func (t *Table) current() (*iceberg.TableMetadata, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.md, t.metadataKey
}

func (t *Table) Identifier() Identifier { return t.ident }

// Metadata returns the cached metadata. Callers must not modify it.
func (t *Table) Metadata() *iceberg.TableMetadata {
	md, _ := t.current()
	return md
}

// MetadataLocation returns the key of the cached metadata document.
func (t *Table) MetadataLocation() string {
	_, key := t.current()
	return key
}

func (t *Table) Location() string { return t.Metadata().Location }

func (t *Table) Schema() *schema.Schema { return t.Metadata().CurrentSchema() }

func (t *Table) CurrentSnapshot() *iceberg.Snapshot { return t.Metadata().CurrentSnapshot() }

// Snapshots returns the snapshot history in commit order.
func (t *Table) Snapshots() []*iceberg.Snapshot { return t.Metadata().Snapshots }

func (t *Table) Properties() map[string]string { return t.Metadata().Properties }

// Store returns the blob store holding the table's files.
func (t *Table) Store() storage.Storage { return t.store }

// Append writes rows as new data files and commits them in one snapshot.
func (t *Table) Append(ctx context.Context, rows []schema.Record) (*iceberg.Snapshot, error) {
	tx := t.NewTransaction()
	if err := tx.AppendRows(ctx, rows); err != nil {
		return nil, err
	}
	return commitSnapshot(ctx, tx)
}

// AppendMaps converts rows keyed by column name with the current schema and
// appends them.
func (t *Table) AppendMaps(ctx context.Context, rows []map[string]any) (*iceberg.Snapshot, error) {
	s := t.Schema()
	records := make([]schema.Record, len(rows))
	for i, row := range rows {
		rec, err := schema.FromMap(s, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		records[i] = rec
	}
	return t.Append(ctx, records)
}

// AppendFiles commits data files written elsewhere.
func (t *Table) AppendFiles(ctx context.Context, files []manifest.DataFile) (*iceberg.Snapshot, error) {
	tx := t.NewTransaction()
	tx.AppendFiles(files)
	return commitSnapshot(ctx, tx)
}

// Overwrite replaces the rows matching filter with rows.
func (t *Table) Overwrite(ctx context.Context, filter expr.Expr, rows []schema.Record) (*iceberg.Snapshot, error) {
	tx := t.NewTransaction()
	if err := tx.Overwrite(ctx, filter, rows); err != nil {
		return nil, err
	}
	return commitSnapshot(ctx, tx)
}

// Delete removes the rows matching filter.
func (t *Table) Delete(ctx context.Context, filter expr.Expr) (*iceberg.Snapshot, error) {
	tx := t.NewTransaction()
	tx.Delete(filter)
	return commitSnapshot(ctx, tx)
}

// RewriteDataFiles compacts each partition's files into as few files as the
// target file size allows. The table's rows do not change.
func (t *Table) RewriteDataFiles(ctx context.Context) (*iceberg.Snapshot, error) {
	tx := t.NewTransaction()
	tx.RewriteDataFiles()
	return commitSnapshot(ctx, tx)
}

// UpdateSchema starts a schema change committed on its own.
func (t *Table) UpdateSchema() *SchemaUpdate {
	return t.NewTransaction().UpdateSchema()
}

// Rollback moves the current snapshot back to an ancestor.
func (t *Table) Rollback(ctx context.Context, snapshotID int64) (*iceberg.Snapshot, error) {
	tx := t.NewTransaction()
	tx.Rollback(snapshotID)
	return commitSnapshot(ctx, tx)
}

// RollbackToTime moves the current snapshot back to the one current at ts.
func (t *Table) RollbackToTime(ctx context.Context, ts time.Time) (*iceberg.Snapshot, error) {
	tx := t.NewTransaction()
	tx.RollbackToTime(ts)
	return commitSnapshot(ctx, tx)
}

// SetProperties sets and removes table properties.
func (t *Table) SetProperties(ctx context.Context, set map[string]string, remove ...string) error {
	tx := t.NewTransaction()
	tx.SetProperties(set, remove...)
	_, err := tx.Commit(ctx)
	return err
}

func commitSnapshot(ctx context.Context, tx *Transaction) (*iceberg.Snapshot, error) {
	md, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	return md.CurrentSnapshot(), nil
}
