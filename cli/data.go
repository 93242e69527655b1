package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"arctic-table/expr"
	"arctic-table/failure"
	"arctic-table/table"
)

func (a *app) appendCommand() *cobra.Command {
	var file string
	var batch int
	cmd := &cobra.Command{
		Use:   "append <namespace.table>",
		Short: "Append JSON lines, one object per row keyed by column name",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) (err error) {
			tbl, err := e.load(ctx, args[0])
			if err != nil {
				return err
			}
			in := e.in
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return failure.InvalidArgument.Wrap(err)
				}
				defer func() { _ = f.Close() }()
				in = f
			}

			var rows []map[string]any
			flush := func() error {
				if len(rows) == 0 {
					return nil
				}
				snap, err := tbl.AppendMaps(ctx, rows)
				if err != nil {
					return err
				}
				printf(e, "snapshot %d: appended %d rows (%d total)\n",
					snap.SnapshotID, snap.Summary.AddedRecords, snap.Summary.TotalRecords)
				rows = rows[:0]
				return nil
			}

			dec := json.NewDecoder(bufio.NewReader(in))
			dec.UseNumber()
			for line := 1; ; line++ {
				var row map[string]any
				if err := dec.Decode(&row); err == io.EOF {
					break
				} else if err != nil {
					return failure.InvalidArgument.New("row %d: %v", line, err)
				}
				rows = append(rows, row)
				if batch > 0 && len(rows) >= batch {
					if err := flush(); err != nil {
						return err
					}
				}
			}
			return flush()
		}),
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read rows from this file instead of stdin")
	cmd.Flags().IntVar(&batch, "batch", 0, "commit every n rows; 0 commits everything at once")
	return cmd
}

func (a *app) scanCommand() *cobra.Command {
	var (
		snapshot int64
		asOf     string
		where    []string
		columns  []string
		limit    int
		plan     bool
	)
	cmd := &cobra.Command{
		Use:   "scan <namespace.table>",
		Short: "Print matching rows as JSON lines",
		Example: `  arctic-table scan db.events --where "kind=click" --where "ts>=2024-06-01T00:00:00Z" --select id,ts
  arctic-table scan db.events --as-of 2024-06-02T12:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			tbl, err := e.load(ctx, args[0])
			if err != nil {
				return err
			}
			scan, err := buildScan(tbl, snapshot, asOf, where, columns)
			if err != nil {
				return err
			}
			if plan {
				p, err := scan.Plan(ctx)
				if err != nil {
					return err
				}
				return e.printJSON(map[string]any{
					"files":             len(p.Files),
					"files-skipped":     p.Stats.FilesSkipped,
					"manifests":         p.Stats.ManifestsTotal,
					"manifests-skipped": p.Stats.ManifestsSkipped,
				})
			}

			res, err := scan.ToRows(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(e.out)
			for i, rec := range res.Rows {
				if limit > 0 && i >= limit {
					break
				}
				if err := enc.Encode(rec.ToMap(res.Schema)); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().Int64Var(&snapshot, "snapshot", 0, "read this snapshot id")
	cmd.Flags().StringVar(&asOf, "as-of", "", "read the snapshot current at this RFC 3339 time")
	cmd.Flags().StringArrayVar(&where, "where", nil, `row condition such as "age>=21" or "city is null" (repeatable, combined with AND)`)
	cmd.Flags().StringSliceVar(&columns, "select", nil, "columns to print")
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most n rows")
	cmd.Flags().BoolVar(&plan, "plan", false, "print the scan plan instead of rows")
	return cmd
}

func buildScan(tbl *table.Table, snapshot int64, asOf string, where, columns []string) (*table.Scan, error) {
	scan := tbl.NewScan()
	switch {
	case snapshot != 0 && asOf != "":
		return nil, failure.InvalidArgument.New("--snapshot and --as-of are exclusive")
	case snapshot != 0:
		scan.AtSnapshot(snapshot)
	case asOf != "":
		ts, err := time.Parse(time.RFC3339, asOf)
		if err != nil {
			return nil, failure.InvalidArgument.New("--as-of: %v", err)
		}
		scan.AsOf(ts)
	}
	if len(where) > 0 {
		filter, err := expr.ParseConditions(where)
		if err != nil {
			return nil, fmt.Errorf("--where: %w", err)
		}
		scan.WithFilter(filter)
	}
	if len(columns) > 0 {
		scan.Select(columns...)
	}
	return scan, nil
}
