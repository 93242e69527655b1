package iceberg

import (
	"context"

	"arctic-table/manifest"
	"arctic-table/storage"
)

// Manifests returns the manifests of a snapshot. A nil snapshot has none.
func Manifests(ctx context.Context, store storage.Storage, snap *Snapshot) ([]manifest.ManifestFile, error) {
	if snap == nil {
		return nil, nil
	}
	return manifest.ReadList(ctx, store, snap.ManifestList)
}

// LiveFiles returns the data files making up a snapshot, in scan order.
func LiveFiles(ctx context.Context, store storage.Storage, snap *Snapshot, parallelism int) ([]manifest.DataFile, error) {
	manifests, err := Manifests(ctx, store, snap)
	if err != nil {
		return nil, err
	}
	files, err := manifest.LiveFiles(ctx, store, manifests, parallelism)
	if err != nil {
		return nil, err
	}
	out := make([]manifest.DataFile, len(files))
	for i, f := range files {
		out[i] = f.DataFile
	}
	return out, nil
}

// Diff returns the data files live in snapshot to but not in from, and those
// live in from but not in to. from may be NoSnapshot.
func Diff(ctx context.Context, store storage.Storage, md *TableMetadata, from, to int64) (added, removed []manifest.DataFile, err error) {
	defer mon.Task()(&ctx)(&err)

	load := func(id int64) ([]manifest.DataFile, error) {
		if id == NoSnapshot {
			return nil, nil
		}
		snap, err := md.SnapshotByID(id)
		if err != nil {
			return nil, err
		}
		return LiveFiles(ctx, store, snap, 4)
	}
	before, err := load(from)
	if err != nil {
		return nil, nil, err
	}
	after, err := load(to)
	if err != nil {
		return nil, nil, err
	}

	inBefore := make(map[string]bool, len(before))
	for _, f := range before {
		inBefore[f.FilePath] = true
	}
	inAfter := make(map[string]bool, len(after))
	for _, f := range after {
		inAfter[f.FilePath] = true
		if !inBefore[f.FilePath] {
			added = append(added, f)
		}
	}
	for _, f := range before {
		if !inAfter[f.FilePath] {
			removed = append(removed, f)
		}
	}
	return added, removed, nil
}
