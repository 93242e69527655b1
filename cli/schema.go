package cli

import (
	"context"

	"github.com/spf13/cobra"

	"arctic-table/schema"
	"arctic-table/table"
)

func (a *app) schemaCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "schema", Short: "Evolve a table's schema"}

	// commit runs one schema change and prints the new schema.
	commit := func(ctx context.Context, e *env, name string, change func(u *table.SchemaUpdate) (*table.SchemaUpdate, error)) error {
		tbl, err := e.load(ctx, name)
		if err != nil {
			return err
		}
		u, err := change(tbl.UpdateSchema())
		if err != nil {
			return err
		}
		s, err := u.Commit(ctx)
		if err != nil {
			return err
		}
		printf(e, "schema %d:\n", s.ID)
		for _, f := range s.Fields {
			printf(e, "  %s\n", f)
		}
		return nil
	}

	var doc, parent string
	add := &cobra.Command{
		Use:   "add-column <namespace.table> <name> <type>",
		Short: "Add an optional column",
		Args:  cobra.ExactArgs(3),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			return commit(ctx, e, args[0], func(u *table.SchemaUpdate) (*table.SchemaUpdate, error) {
				typ, err := schema.ParseType(args[2])
				if err != nil {
					return nil, err
				}
				if parent != "" {
					return u.AddNestedColumn(parent, args[1], typ, doc), nil
				}
				return u.AddColumn(args[1], typ, doc), nil
			})
		}),
	}
	add.Flags().StringVar(&doc, "doc", "", "column documentation")
	add.Flags().StringVar(&parent, "parent", "", "add inside this struct column")

	rename := &cobra.Command{
		Use:   "rename-column <namespace.table> <column> <new-name>",
		Short: "Rename a column; data written under the old name stays readable",
		Args:  cobra.ExactArgs(3),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			return commit(ctx, e, args[0], func(u *table.SchemaUpdate) (*table.SchemaUpdate, error) {
				return u.RenameColumn(args[1], args[2]), nil
			})
		}),
	}

	drop := &cobra.Command{
		Use:   "drop-column <namespace.table> <column>",
		Short: "Drop a column",
		Args:  cobra.ExactArgs(2),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			return commit(ctx, e, args[0], func(u *table.SchemaUpdate) (*table.SchemaUpdate, error) {
				return u.DropColumn(args[1]), nil
			})
		}),
	}

	widen := &cobra.Command{
		Use:   "widen <namespace.table> <column> <type>",
		Short: "Promote a column to a wider type (int to long, float to double)",
		Args:  cobra.ExactArgs(3),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			return commit(ctx, e, args[0], func(u *table.SchemaUpdate) (*table.SchemaUpdate, error) {
				typ, err := schema.ParseType(args[2])
				if err != nil {
					return nil, err
				}
				return u.WidenColumn(args[1], typ), nil
			})
		}),
	}

	cmd.AddCommand(add, rename, drop, widen)
	return cmd
}
