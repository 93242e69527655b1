package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) expireCommand() *cobra.Command {
	var olderThan time.Duration
	var retainLast int
	cmd := &cobra.Command{
		Use:   "expire <namespace.table>",
		Short: "Expire old snapshots; their files stay until gc",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			tbl, err := e.load(ctx, args[0])
			if err != nil {
				return err
			}
			age, keep := e.cfg.Maintenance.SnapshotMaxAge, e.cfg.Maintenance.MinSnapshotsToKeep
			if olderThan > 0 {
				age = olderThan
			}
			if retainLast > 0 {
				keep = retainLast
			}
			removed, err := tbl.ExpireSnapshots(ctx, time.Now().Add(-age), keep)
			if err != nil {
				return err
			}
			printf(e, "expired %d snapshots\n", len(removed))
			for _, id := range removed {
				printf(e, "  %d\n", id)
			}
			return nil
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "expire snapshots older than this (default maintenance.snapshot_max_age)")
	cmd.Flags().IntVar(&retainLast, "retain-last", 0, "always keep this many recent snapshots (default maintenance.min_snapshots_to_keep)")
	return cmd
}

func (a *app) gcCommand() *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "gc <namespace.table>",
		Short: "Delete files no retained snapshot references",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			tbl, err := e.load(ctx, args[0])
			if err != nil {
				return err
			}
			if retention == 0 {
				retention = e.cfg.Maintenance.OrphanRetention
			}
			removed, err := tbl.RemoveOrphanFiles(ctx, retention)
			if err != nil {
				return err
			}
			printf(e, "removed %d files\n", len(removed))
			return nil
		}),
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "only delete files older than this (default maintenance.orphan_retention)")
	return cmd
}

func (a *app) compactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <namespace.table>",
		Short: "Rewrite small data files into files of the target size",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			tbl, err := e.load(ctx, args[0])
			if err != nil {
				return err
			}
			before := tbl.CurrentSnapshot()
			snap, err := tbl.RewriteDataFiles(ctx)
			if err != nil {
				return err
			}
			if snap == nil || (before != nil && snap.SnapshotID == before.SnapshotID) {
				printf(e, "nothing to compact\n")
				return nil
			}
			printf(e, "snapshot %d: replaced %d files with %d\n",
				snap.SnapshotID, snap.Summary.DeletedDataFiles, snap.Summary.AddedDataFiles)
			return nil
		}),
	}
}
