package catalog

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"arctic-table/failure"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/storage"
	"arctic-table/table"
)

const (
	namespaceFile = ".namespace.json"
	pointerDir    = "metadata/pointer"
)

// StorageCatalog keeps everything in the blob store. A table's current
// metadata is named by the highest of its pointer objects
// <table>/metadata/pointer/<version>; commits claim the next version with
// PutIfAbsent, so exactly one of two racing commits wins.
type StorageCatalog struct {
	log   *zap.Logger
	store storage.Storage
	opts  Options
}

var _ Catalog = (*StorageCatalog)(nil)

func NewStorageCatalog(log *zap.Logger, store storage.Storage, opts Options) *StorageCatalog {
	return &StorageCatalog{log: log, store: store, opts: opts}
}

func (c *StorageCatalog) Name() string { return c.opts.Name }

func (c *StorageCatalog) Close() error { return nil }

func (c *StorageCatalog) CreateNamespace(ctx context.Context, ns string, props map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := checkNamespace(ns); err != nil {
		return err
	}
	if props == nil {
		props = map[string]string{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return failure.InvalidArgument.Wrap(err)
	}
	created, err := c.store.PutIfAbsent(ctx, storage.Join(ns, namespaceFile), data)
	if err != nil {
		return err
	}
	if !created {
		return failure.AlreadyExists.New("namespace %s", ns)
	}
	c.log.Info("created namespace", zap.String("namespace", ns))
	return nil
}

func (c *StorageCatalog) ListNamespaces(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	dirs, err := c.store.ListDirs(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, dir := range dirs {
		if _, err := c.store.Stat(ctx, storage.Join(dir, namespaceFile)); err != nil {
			if failure.NotFound.Has(err) {
				continue
			}
			return nil, err
		}
		out = append(out, dir)
	}
	return out, nil
}

func (c *StorageCatalog) NamespaceProperties(ctx context.Context, ns string) (map[string]string, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	data, err := c.store.Get(ctx, storage.Join(ns, namespaceFile))
	if err != nil {
		return nil, err
	}
	props := map[string]string{}
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, failure.CorruptMetadata.New("namespace %s: %v", ns, err)
	}
	return props, nil
}

func (c *StorageCatalog) requireNamespace(ctx context.Context, ns string) error {
	_, err := c.store.Stat(ctx, storage.Join(ns, namespaceFile))
	if failure.NotFound.Has(err) {
		return failure.NotFound.New("namespace %s", ns)
	}
	return err
}

func pointerPrefix(ident table.Identifier) string {
	return storage.Join(Location(ident), pointerDir) + "/"
}

func pointerKey(ident table.Identifier, version int) string {
	return storage.Join(Location(ident), pointerDir, fmt.Sprintf("%09d", version))
}

// pointer returns the highest pointer version and the metadata key it names.
// version is 0 when the table has no pointer.
func (c *StorageCatalog) pointer(ctx context.Context, ident table.Identifier) (version int, key string, err error) {
	keys, err := c.store.List(ctx, pointerPrefix(ident))
	if err != nil {
		return 0, "", err
	}
	var versions []int
	for _, k := range keys {
		v, err := strconv.Atoi(path.Base(k))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return 0, "", nil
	}
	sort.Ints(versions)
	version = versions[len(versions)-1]
	data, err := c.store.Get(ctx, pointerKey(ident, version))
	if err != nil {
		return 0, "", err
	}
	return version, string(data), nil
}

func (c *StorageCatalog) CurrentMetadata(ctx context.Context, ident table.Identifier) (string, error) {
	_, key, err := c.pointer(ctx, ident)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", failure.NotFound.New("table %s", ident)
	}
	return key, nil
}

func (c *StorageCatalog) SwapMetadata(ctx context.Context, ident table.Identifier, base, next string) (err error) {
	defer mon.Task()(&ctx)(&err)

	version, current, err := c.pointer(ctx, ident)
	if err != nil {
		return err
	}
	if version == 0 {
		return failure.NotFound.New("table %s", ident)
	}
	if current != base {
		return failure.ConcurrentModification.New("table %s: metadata is %s, not %s", ident, current, base)
	}
	created, err := c.store.PutIfAbsent(ctx, pointerKey(ident, version+1), []byte(next))
	if err != nil {
		return err
	}
	if !created {
		return failure.ConcurrentModification.New("table %s: pointer version %d already claimed", ident, version+1)
	}
	return nil
}

func (c *StorageCatalog) CreateTable(ctx context.Context, ident table.Identifier, s *schema.Schema, spec *partition.Spec, props map[string]string) (_ *table.Table, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := checkIdentifier(ident); err != nil {
		return nil, err
	}
	if err := c.requireNamespace(ctx, ident.Namespace); err != nil {
		return nil, err
	}
	if version, _, err := c.pointer(ctx, ident); err != nil {
		return nil, err
	} else if version != 0 {
		return nil, failure.AlreadyExists.New("table %s", ident)
	}
	md, key, err := writeInitial(ctx, c.store, c.opts, ident, s, spec, props)
	if err != nil {
		return nil, err
	}
	created, err := c.store.PutIfAbsent(ctx, pointerKey(ident, 1), []byte(key))
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, failure.AlreadyExists.New("table %s", ident)
	}
	c.log.Info("created table", zap.Stringer("table", ident), zap.String("metadata", key))
	return table.New(c.log, c.store, ident, c, key, md, c.opts.Table), nil
}

func (c *StorageCatalog) LoadTable(ctx context.Context, ident table.Identifier) (*table.Table, error) {
	if err := checkIdentifier(ident); err != nil {
		return nil, err
	}
	return table.Load(ctx, c.log, c.store, ident, c, c.opts.Table)
}

func (c *StorageCatalog) ListTables(ctx context.Context, ns string) (_ []table.Identifier, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := c.requireNamespace(ctx, ns); err != nil {
		return nil, err
	}
	keys, err := c.store.List(ctx, ns+"/")
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []table.Identifier
	for _, key := range keys {
		rest := strings.TrimPrefix(key, ns+"/")
		name, tail, ok := strings.Cut(rest, "/")
		if !ok || seen[name] || !strings.HasPrefix(tail, pointerDir+"/") {
			continue
		}
		seen[name] = true
		out = append(out, table.Identifier{Namespace: ns, Name: name})
	}
	return out, nil
}

func (c *StorageCatalog) DropTable(ctx context.Context, ident table.Identifier) (err error) {
	defer mon.Task()(&ctx)(&err)

	keys, err := c.store.List(ctx, pointerPrefix(ident))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return failure.NotFound.New("table %s", ident)
	}
	// oldest first; readers see the newest version until it is gone
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	c.log.Info("dropped table", zap.Stringer("table", ident))
	return nil
}
