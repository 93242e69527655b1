package cli

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"arctic-table/failure"
	"arctic-table/iceberg"
)

func (a *app) snapshotsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "snapshots <namespace.table>",
		Short: "List a table's snapshots; the current one is marked with *",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			tbl, err := e.load(ctx, args[0])
			if err != nil {
				return err
			}
			md := tbl.Metadata()
			if asJSON {
				return e.printJSON(md.Snapshots)
			}
			w := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "\tID\tPARENT\tTIME\tOPERATION\tADDED\tDELETED\tRECORDS\tFILES\n")
			for _, snap := range md.Snapshots {
				mark := ""
				if snap.SnapshotID == md.CurrentSnapshotID {
					mark = "*"
				}
				parent := "-"
				if snap.ParentSnapshotID != iceberg.NoSnapshot {
					parent = strconv.FormatInt(snap.ParentSnapshotID, 10)
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					mark, snap.SnapshotID, parent, snap.Time().Format(time.RFC3339), snap.Summary.Operation,
					snap.Summary.AddedRecords, snap.Summary.DeletedRecords,
					snap.Summary.TotalRecords, snap.Summary.TotalDataFiles)
			}
			return w.Flush()
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot records as JSON")
	return cmd
}

func (a *app) rollbackCommand() *cobra.Command {
	var toTime string
	cmd := &cobra.Command{
		Use:   "rollback <namespace.table> [snapshot-id]",
		Short: "Make an ancestor snapshot current again",
		Args:  cobra.RangeArgs(1, 2),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			tbl, err := e.load(ctx, args[0])
			if err != nil {
				return err
			}
			var snap *iceberg.Snapshot
			switch {
			case len(args) == 2 && toTime == "":
				id, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return failure.InvalidArgument.New("snapshot id %q is not a number", args[1])
				}
				snap, err = tbl.Rollback(ctx, id)
				if err != nil {
					return err
				}
			case len(args) == 1 && toTime != "":
				ts, err := time.Parse(time.RFC3339, toTime)
				if err != nil {
					return failure.InvalidArgument.New("--to-time: %v", err)
				}
				if snap, err = tbl.RollbackToTime(ctx, ts); err != nil {
					return err
				}
			default:
				return failure.InvalidArgument.New("give either a snapshot id or --to-time")
			}
			printf(e, "current snapshot is %d\n", snap.SnapshotID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&toTime, "to-time", "", "roll back to the snapshot current at this RFC 3339 time")
	return cmd
}
