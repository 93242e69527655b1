package manifest

import (
	"context"
	"fmt"
	"sort"

	"github.com/spacemonkeygo/monkit/v3"
	"golang.org/x/sync/errgroup"

	"arctic-table/expr"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/storage"
)

var mon = monkit.Package()

// Planner selects the data files a scan must read.
type Planner struct {
	Store storage.Storage
	// Filter may be nil to select every live file.
	Filter *expr.Bound
	// Spec and Schema let identity partition values tighten file bounds.
	Spec        *partition.Spec
	Schema      *schema.Schema
	Parallelism int
}

// ScanFile is a live data file chosen by planning.
type ScanFile struct {
	Entry
	// ManifestIndex and Position locate the entry for ordering.
	ManifestIndex int
	Position      int
}

// PlanStats counts what planning skipped.
type PlanStats struct {
	ManifestsTotal   int
	ManifestsSkipped int
	FilesTotal       int
	FilesSkipped     int
}

// Plan returns the live files whose statistics do not rule out the filter,
// ordered by data sequence number, then manifest position. Pruning is
// conservative: a file is dropped only when the filter is provably false for it.
func (p *Planner) Plan(ctx context.Context, manifests []ManifestFile) (files []ScanFile, stats PlanStats, err error) {
	defer mon.Task()(&ctx)(&err)

	stats.ManifestsTotal = len(manifests)
	perManifest := make([][]ScanFile, len(manifests))
	skipped := make([]int, len(manifests))

	// manifest-level pruning happens before any reader starts
	var selected []int
	for i, m := range manifests {
		if m.LiveFiles() == 0 {
			stats.ManifestsSkipped++
			continue
		}
		if !p.Filter.IsAlwaysTrue() {
			metrics, err := m.Metrics()
			if err != nil {
				return nil, stats, corrupt(m.Path, err)
			}
			if !p.Filter.MightMatch(metrics) {
				stats.ManifestsSkipped++
				continue
			}
		}
		selected = append(selected, i)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(p.Parallelism, 1))
	for _, i := range selected {
		m := manifests[i]
		group.Go(func() error {
			entries, err := ReadManifest(gctx, p.Store, m.Path)
			if err != nil {
				return err
			}
			for pos, e := range entries {
				if !e.Live() {
					continue
				}
				keep, err := p.MightMatch(e.DataFile)
				if err != nil {
					return corrupt(m.Path, fmt.Errorf("file %s: %w", e.DataFile.FilePath, err))
				}
				if !keep {
					skipped[i]++
					continue
				}
				perManifest[i] = append(perManifest[i], ScanFile{Entry: e, ManifestIndex: i, Position: pos})
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, stats, err
	}

	for i := range perManifest {
		files = append(files, perManifest[i]...)
		stats.FilesSkipped += skipped[i]
	}
	stats.FilesTotal = len(files) + stats.FilesSkipped
	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if a.SequenceNumber != b.SequenceNumber {
			return a.SequenceNumber < b.SequenceNumber
		}
		if a.ManifestIndex != b.ManifestIndex {
			return a.ManifestIndex < b.ManifestIndex
		}
		return a.Position < b.Position
	})
	mon.IntVal("plan_files_selected").Observe(int64(len(files)))
	mon.IntVal("plan_files_skipped").Observe(int64(stats.FilesSkipped))
	return files, stats, nil
}

// MightMatch reports whether the filter could select rows of df, judging by
// its column statistics and identity partition values.
func (p *Planner) MightMatch(df DataFile) (bool, error) {
	if p.Filter.IsAlwaysTrue() {
		return true, nil
	}
	metrics, err := df.Metrics.Decode(df.RecordCount)
	if err != nil {
		return false, err
	}
	if p.Spec != nil && p.Schema != nil && !p.Spec.IsUnpartitioned() {
		lower, upper := p.Spec.Bounds(p.Schema, df.Partition)
		for id, v := range lower {
			metrics.Lower[id] = v
			metrics.Upper[id] = upper[id]
		}
	}
	return p.Filter.MightMatch(metrics), nil
}

// LiveFiles returns every live file reachable from the manifests, in scan order.
func LiveFiles(ctx context.Context, store storage.Storage, manifests []ManifestFile, parallelism int) ([]ScanFile, error) {
	p := &Planner{Store: store, Parallelism: parallelism}
	files, _, err := p.Plan(ctx, manifests)
	return files, err
}
