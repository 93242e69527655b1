package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers driver "pgx"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers driver "sqlite"

	"arctic-table/failure"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/storage"
	"arctic-table/table"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS iceberg_tables (
	catalog_name               VARCHAR(255) NOT NULL,
	table_namespace            VARCHAR(255) NOT NULL,
	table_name                 VARCHAR(255) NOT NULL,
	metadata_location          VARCHAR(1000),
	previous_metadata_location VARCHAR(1000),
	PRIMARY KEY (catalog_name, table_namespace, table_name)
);
CREATE TABLE IF NOT EXISTS iceberg_namespace_properties (
	catalog_name   VARCHAR(255) NOT NULL,
	namespace      VARCHAR(255) NOT NULL,
	property_key   VARCHAR(255) NOT NULL,
	property_value VARCHAR(1000),
	PRIMARY KEY (catalog_name, namespace, property_key)
);`

// existsKey marks a namespace that has no other properties.
const existsKey = "exists"

// SQLCatalog stores metadata pointers as rows. Commits are a compare-and-set
// UPDATE on metadata_location, so any database with row-level atomicity works.
type SQLCatalog struct {
	log    *zap.Logger
	db     *sql.DB
	driver string
	store  storage.Storage
	opts   Options
}

var _ Catalog = (*SQLCatalog)(nil)

// OpenSQL connects with a database/sql driver ("sqlite" or "pgx") and creates
// the catalog tables when missing.
func OpenSQL(ctx context.Context, log *zap.Logger, driver, dsn string, store storage.Storage, opts Options) (_ *SQLCatalog, err error) {
	defer mon.Task()(&ctx)(&err)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, failure.InvalidArgument.New("opening %s catalog: %v", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errs.Combine(failure.IO.New("connecting to %s catalog: %v", driver, err), db.Close())
	}
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, errs.Combine(failure.IO.New("creating catalog tables: %v", err), db.Close())
		}
	}
	log.Debug("opened sql catalog", zap.String("driver", driver), zap.String("catalog", opts.Name))
	return &SQLCatalog{log: log, db: db, driver: driver, store: store, opts: opts}, nil
}

func (c *SQLCatalog) Name() string { return c.opts.Name }

func (c *SQLCatalog) Close() error { return c.db.Close() }

// rebind rewrites ? placeholders for drivers that number them.
func (c *SQLCatalog) rebind(query string) string {
	if c.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *SQLCatalog) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, c.rebind(query), args...)
	if err != nil {
		return 0, failure.IO.Wrap(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, failure.IO.Wrap(err)
	}
	return n, nil
}

func (c *SQLCatalog) CreateNamespace(ctx context.Context, ns string, props map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := checkNamespace(ns); err != nil {
		return err
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return failure.IO.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	insert := c.rebind(`INSERT INTO iceberg_namespace_properties
		(catalog_name, namespace, property_key, property_value) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`)
	res, err := tx.ExecContext(ctx, insert, c.opts.Name, ns, existsKey, "true")
	if err != nil {
		return failure.IO.Wrap(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return failure.IO.Wrap(err)
	} else if n == 0 {
		return failure.AlreadyExists.New("namespace %s", ns)
	}
	for k, v := range props {
		if k == existsKey {
			continue
		}
		if _, err := tx.ExecContext(ctx, insert, c.opts.Name, ns, k, v); err != nil {
			return failure.IO.Wrap(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return failure.IO.Wrap(err)
	}
	c.log.Info("created namespace", zap.String("namespace", ns))
	return nil
}

func (c *SQLCatalog) ListNamespaces(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := c.db.QueryContext(ctx, c.rebind(`SELECT namespace FROM iceberg_namespace_properties
		WHERE catalog_name = ? AND property_key = ? ORDER BY namespace`), c.opts.Name, existsKey)
	if err != nil {
		return nil, failure.IO.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, failure.IO.Wrap(err)
		}
		out = append(out, ns)
	}
	return out, failure.IO.Wrap(rows.Err())
}

func (c *SQLCatalog) NamespaceProperties(ctx context.Context, ns string) (_ map[string]string, err error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, c.rebind(`SELECT property_key, property_value FROM iceberg_namespace_properties
		WHERE catalog_name = ? AND namespace = ?`), c.opts.Name, ns)
	if err != nil {
		return nil, failure.IO.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	props := map[string]string{}
	found := false
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, failure.IO.Wrap(err)
		}
		if k == existsKey {
			found = true
			continue
		}
		props[k] = v.String
	}
	if err := rows.Err(); err != nil {
		return nil, failure.IO.Wrap(err)
	}
	if !found {
		return nil, failure.NotFound.New("namespace %s", ns)
	}
	return props, nil
}

func (c *SQLCatalog) requireNamespace(ctx context.Context, ns string) error {
	var one int
	err := c.db.QueryRowContext(ctx, c.rebind(`SELECT 1 FROM iceberg_namespace_properties
		WHERE catalog_name = ? AND namespace = ? AND property_key = ?`), c.opts.Name, ns, existsKey).Scan(&one)
	if err == sql.ErrNoRows {
		return failure.NotFound.New("namespace %s", ns)
	}
	return failure.IO.Wrap(err)
}

func (c *SQLCatalog) CurrentMetadata(ctx context.Context, ident table.Identifier) (string, error) {
	var loc sql.NullString
	err := c.db.QueryRowContext(ctx, c.rebind(`SELECT metadata_location FROM iceberg_tables
		WHERE catalog_name = ? AND table_namespace = ? AND table_name = ?`),
		c.opts.Name, ident.Namespace, ident.Name).Scan(&loc)
	if err == sql.ErrNoRows || (err == nil && !loc.Valid) {
		return "", failure.NotFound.New("table %s", ident)
	}
	if err != nil {
		return "", failure.IO.Wrap(err)
	}
	return loc.String, nil
}

func (c *SQLCatalog) SwapMetadata(ctx context.Context, ident table.Identifier, base, next string) (err error) {
	defer mon.Task()(&ctx)(&err)

	n, err := c.exec(ctx, `UPDATE iceberg_tables SET metadata_location = ?, previous_metadata_location = ?
		WHERE catalog_name = ? AND table_namespace = ? AND table_name = ? AND metadata_location = ?`,
		next, base, c.opts.Name, ident.Namespace, ident.Name, base)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	current, err := c.CurrentMetadata(ctx, ident)
	if err != nil {
		return err
	}
	return failure.ConcurrentModification.New("table %s: metadata is %s, not %s", ident, current, base)
}

func (c *SQLCatalog) CreateTable(ctx context.Context, ident table.Identifier, s *schema.Schema, spec *partition.Spec, props map[string]string) (_ *table.Table, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := checkIdentifier(ident); err != nil {
		return nil, err
	}
	if err := c.requireNamespace(ctx, ident.Namespace); err != nil {
		return nil, err
	}
	if _, err := c.CurrentMetadata(ctx, ident); err == nil {
		return nil, failure.AlreadyExists.New("table %s", ident)
	} else if !failure.NotFound.Has(err) {
		return nil, err
	}
	md, key, err := writeInitial(ctx, c.store, c.opts, ident, s, spec, props)
	if err != nil {
		return nil, err
	}
	n, err := c.exec(ctx, `INSERT INTO iceberg_tables
		(catalog_name, table_namespace, table_name, metadata_location) VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, c.opts.Name, ident.Namespace, ident.Name, key)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, failure.AlreadyExists.New("table %s", ident)
	}
	c.log.Info("created table", zap.Stringer("table", ident), zap.String("metadata", key))
	return table.New(c.log, c.store, ident, c, key, md, c.opts.Table), nil
}

func (c *SQLCatalog) LoadTable(ctx context.Context, ident table.Identifier) (*table.Table, error) {
	if err := checkIdentifier(ident); err != nil {
		return nil, err
	}
	return table.Load(ctx, c.log, c.store, ident, c, c.opts.Table)
}

func (c *SQLCatalog) ListTables(ctx context.Context, ns string) (_ []table.Identifier, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := c.requireNamespace(ctx, ns); err != nil {
		return nil, err
	}
	rows, err := c.db.QueryContext(ctx, c.rebind(`SELECT table_name FROM iceberg_tables
		WHERE catalog_name = ? AND table_namespace = ? ORDER BY table_name`), c.opts.Name, ns)
	if err != nil {
		return nil, failure.IO.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var out []table.Identifier
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, failure.IO.Wrap(err)
		}
		out = append(out, table.Identifier{Namespace: ns, Name: name})
	}
	return out, failure.IO.Wrap(rows.Err())
}

func (c *SQLCatalog) DropTable(ctx context.Context, ident table.Identifier) (err error) {
	defer mon.Task()(&ctx)(&err)

	n, err := c.exec(ctx, `DELETE FROM iceberg_tables
		WHERE catalog_name = ? AND table_namespace = ? AND table_name = ?`,
		c.opts.Name, ident.Namespace, ident.Name)
	if err != nil {
		return err
	}
	if n == 0 {
		return failure.NotFound.New("table %s", ident)
	}
	c.log.Info("dropped table", zap.Stringer("table", ident))
	return nil
}
