// Package catalog names tables and owns their current metadata pointers. Two
// backends exist: pointer objects in the blob store itself, and rows in a SQL
// database.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"arctic-table/config"
	"arctic-table/failure"
	"arctic-table/iceberg"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/storage"
	"arctic-table/table"
)

var mon = monkit.Package()

// Catalog is implemented by every catalog backend. Catalogs are also the
// table.Committer of the tables they load.
type Catalog interface {
	table.Committer

	Name() string
	CreateNamespace(ctx context.Context, namespace string, props map[string]string) error
	ListNamespaces(ctx context.Context) ([]string, error)
	NamespaceProperties(ctx context.Context, namespace string) (map[string]string, error)
	// CreateTable writes the first metadata version and registers it. It fails
	// with failure.AlreadyExists when the name is taken.
	CreateTable(ctx context.Context, ident table.Identifier, s *schema.Schema, spec *partition.Spec, props map[string]string) (*table.Table, error)
	LoadTable(ctx context.Context, ident table.Identifier) (*table.Table, error)
	ListTables(ctx context.Context, namespace string) ([]table.Identifier, error)
	// DropTable removes the table from the catalog. Its files stay in the
	// store.
	DropTable(ctx context.Context, ident table.Identifier) error
	Close() error
}

// Options configure a catalog and the tables it hands out.
type Options struct {
	Name  string
	Table table.Options
}

// Open builds the configured catalog over store.
func Open(ctx context.Context, log *zap.Logger, cfg *config.Config, store storage.Storage) (Catalog, error) {
	opts := Options{
		Name:  cfg.Catalog.Name,
		Table: table.Options{Table: cfg.Table, Maintenance: cfg.Maintenance},
	}
	log = log.Named("catalog")
	switch cfg.Catalog.Type {
	case "storage":
		return NewStorageCatalog(log, store, opts), nil
	case "sql":
		return OpenSQL(ctx, log, cfg.Catalog.Driver, cfg.Catalog.DSN, store, opts)
	}
	return nil, failure.InvalidArgument.New("unknown catalog type %q", cfg.Catalog.Type)
}

// Location is the table root inside the store.
func Location(ident table.Identifier) string {
	return storage.Join(ident.Namespace, ident.Name)
}

func checkNamespace(ns string) error {
	if ns == "" || strings.ContainsAny(ns, "./") {
		return failure.InvalidArgument.New("invalid namespace %q", ns)
	}
	return nil
}

func checkIdentifier(ident table.Identifier) error {
	if err := checkNamespace(ident.Namespace); err != nil {
		return err
	}
	if ident.Name == "" || strings.ContainsAny(ident.Name, "./") {
		return failure.InvalidArgument.New("invalid table name %q", ident.Name)
	}
	return nil
}

// writeInitial writes version 1 of a new table's metadata.
func writeInitial(ctx context.Context, store storage.Storage, opts Options, ident table.Identifier, s *schema.Schema, spec *partition.Spec, props map[string]string) (*iceberg.TableMetadata, string, error) {
	now := time.Now()
	if opts.Table.Now != nil {
		now = opts.Table.Now()
	}
	md, err := iceberg.NewTable(Location(ident), s, spec, props, now)
	if err != nil {
		return nil, "", err
	}
	compression := md.Property(iceberg.PropMetadataCompression, opts.Table.Table.MetadataCompression)
	key, _, err := iceberg.WriteMetadata(ctx, store, md, 1, compression)
	if err != nil {
		return nil, "", err
	}
	return md, key, nil
}
