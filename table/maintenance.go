package table

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arctic-table/failure"
	"arctic-table/iceberg"
	"arctic-table/manifest"
	"arctic-table/storage"
)

// ExpireSnapshots drops snapshot records older than olderThan and returns
// their IDs. The current snapshot and its retainLast most recent ancestors
// are always kept. Files the expired snapshots referenced stay in the store
// until RemoveOrphanFiles collects them.
func (t *Table) ExpireSnapshots(ctx context.Context, olderThan time.Time, retainLast int) ([]int64, error) {
	var removed []int64
	tx := t.NewTransaction().ExpireSnapshots(olderThan, retainLast, &removed)
	if _, err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		t.log.Info("expired snapshots", zap.Int64s("snapshots", removed))
	}
	return removed, nil
}

// ExpireDefault expires with the configured maximum snapshot age and minimum
// number of snapshots.
func (t *Table) ExpireDefault(ctx context.Context) ([]int64, error) {
	m := t.opts.Maintenance
	return t.ExpireSnapshots(ctx, t.opts.now().Add(-m.SnapshotMaxAge), m.MinSnapshotsToKeep)
}

var trackedSuffixes = []string{".parquet", ".manifest", ".manifest-list", ".metadata.json", ".metadata.json.zst"}

func tracked(key string) bool {
	for _, suffix := range trackedSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// RemoveOrphanFiles deletes data, manifest and metadata files under the table
// location that no retained snapshot or metadata document references and that
// are older than retention. Keys are listed before reachability is computed,
// so files committed while the pass runs are never candidates.
func (t *Table) RemoveOrphanFiles(ctx context.Context, retention time.Duration) (removed []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var candidates []string
	for _, dir := range []string{"data", "metadata"} {
		keys, err := t.store.List(ctx, storage.Join(t.Location(), dir)+"/")
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if tracked(key) {
				candidates = append(candidates, key)
			}
		}
	}

	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}
	md, key := t.current()
	reachable, err := t.reachable(ctx, md, key)
	if err != nil {
		return nil, err
	}

	cutoff := t.opts.now().Add(-retention)
	for _, key := range candidates {
		if reachable[key] {
			continue
		}
		info, err := t.store.Stat(ctx, key)
		if failure.NotFound.Has(err) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if info.ModTime.After(cutoff) {
			continue
		}
		if err := t.store.Delete(ctx, key); err != nil {
			return removed, err
		}
		t.log.Info("removed orphan file", zap.String("key", key), zap.Int64("size", info.Size))
		removed = append(removed, key)
	}
	mon.IntVal("orphans_removed").Observe(int64(len(removed)))
	return removed, nil
}

// reachable collects every key the metadata references: the document itself,
// the metadata log, and each snapshot's manifest list, manifests and data
// files, whatever their entry status.
func (t *Table) reachable(ctx context.Context, md *iceberg.TableMetadata, key string) (map[string]bool, error) {
	out := map[string]bool{key: true}
	for _, e := range md.MetadataLog {
		out[e.MetadataFile] = true
	}

	var manifests []string
	for _, snap := range md.Snapshots {
		out[snap.ManifestList] = true
		list, err := manifest.ReadList(ctx, t.store, snap.ManifestList)
		if err != nil {
			return nil, err
		}
		for _, m := range list {
			if !out[m.Path] {
				out[m.Path] = true
				manifests = append(manifests, m.Path)
			}
		}
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(t.opts.Table.ReadParallelism, 1))
	for _, path := range manifests {
		group.Go(func() error {
			entries, err := manifest.ReadManifest(gctx, t.store, path)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range entries {
				out[e.DataFile.FilePath] = true
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
