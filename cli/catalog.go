package cli

import (
	"context"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"arctic-table/failure"
	"arctic-table/partition"
	"arctic-table/schema"
	"arctic-table/table"
)

func (a *app) namespaceCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "namespace", Short: "Manage namespaces"}

	var props []string
	create := &cobra.Command{
		Use:   "create <namespace>",
		Short: "Create a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			p, err := parseProperties(props)
			if err != nil {
				return err
			}
			return e.cat.CreateNamespace(ctx, args[0], p)
		}),
	}
	create.Flags().StringArrayVar(&props, "property", nil, "namespace property key=value (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List namespaces",
		Args:  cobra.NoArgs,
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			names, err := e.cat.ListNamespaces(ctx)
			if err != nil {
				return err
			}
			for _, n := range names {
				printf(e, "%s\n", n)
			}
			return nil
		}),
	}

	cmd.AddCommand(create, list)
	return cmd
}

// parseColumn reads name:type[:required].
func parseColumn(s string) (schema.Field, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return schema.Field{}, failure.InvalidArgument.New("column %q must look like name:type[:required]", s)
	}
	typ, err := schema.ParseType(parts[1])
	if err != nil {
		return schema.Field{}, err
	}
	f := schema.Field{Name: parts[0], Type: typ}
	if len(parts) == 3 {
		if parts[2] != "required" {
			return schema.Field{}, failure.InvalidArgument.New("column %q: unknown modifier %q", s, parts[2])
		}
		f.Required = true
	}
	return f, nil
}

// parsePartition reads column[:transform].
func parsePartition(s string) (partition.FieldSpec, error) {
	column, transform, ok := strings.Cut(s, ":")
	fs := partition.FieldSpec{Column: column, Transform: partition.Identity}
	if ok {
		t, err := partition.ParseTransform(transform)
		if err != nil {
			return fs, err
		}
		fs.Transform = t
	}
	return fs, nil
}

func (a *app) tableCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "table", Short: "Manage tables"}

	var columns, partitions, props []string
	var from string
	var fromSnapshot int64
	create := &cobra.Command{
		Use:   "create <namespace.table>",
		Short: "Create a table",
		Example: `  arctic-table table create db.events --column id:long:required --column ts:timestamp \
    --column kind:string --partition ts:day --property write.target-file-rows=50000
  arctic-table table create db.events_restored --from db.events --snapshot 3`,
		Args: cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			ident, err := table.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			if from != "" {
				if len(columns) > 0 {
					return failure.InvalidArgument.New("--column cannot be combined with --from")
				}
				return createFrom(ctx, e, ident, from, fromSnapshot, partitions, props)
			}
			if fromSnapshot != 0 {
				return failure.InvalidArgument.New("--snapshot requires --from")
			}
			if len(columns) == 0 {
				return failure.InvalidArgument.New("at least one --column is required")
			}
			fields := make([]schema.Field, len(columns))
			for i, c := range columns {
				if fields[i], err = parseColumn(c); err != nil {
					return err
				}
			}
			s, _, err := schema.New(0, 0, fields...)
			if err != nil {
				return err
			}
			var spec *partition.Spec
			if len(partitions) > 0 {
				specs := make([]partition.FieldSpec, len(partitions))
				for i, p := range partitions {
					if specs[i], err = parsePartition(p); err != nil {
						return err
					}
				}
				if spec, err = partition.NewSpec(0, s, specs...); err != nil {
					return err
				}
			}
			p, err := parseProperties(props)
			if err != nil {
				return err
			}
			tbl, err := e.cat.CreateTable(ctx, ident, s, spec, p)
			if err != nil {
				return err
			}
			printf(e, "created %s at %s\n", ident, tbl.Location())
			return nil
		}),
	}
	create.Flags().StringArrayVar(&columns, "column", nil, "column name:type[:required] (repeatable)")
	create.Flags().StringArrayVar(&partitions, "partition", nil, "partition column[:transform], e.g. ts:day or id:bucket[16] (repeatable)")
	create.Flags().StringArrayVar(&props, "property", nil, "table property key=value (repeatable)")
	create.Flags().StringVar(&from, "from", "", "copy rows and schema from this namespace.table")
	create.Flags().Int64Var(&fromSnapshot, "snapshot", 0, "snapshot of --from to copy (default current)")

	list := &cobra.Command{
		Use:   "list <namespace>",
		Short: "List the tables of a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			idents, err := e.cat.ListTables(ctx, args[0])
			if err != nil {
				return err
			}
			for _, id := range idents {
				printf(e, "%s\n", id)
			}
			return nil
		}),
	}

	drop := &cobra.Command{
		Use:   "drop <namespace.table>",
		Short: "Remove a table from the catalog; its files stay in storage",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			ident, err := table.ParseIdentifier(args[0])
			if err != nil {
				return err
			}
			return e.cat.DropTable(ctx, ident)
		}),
	}

	describe := &cobra.Command{
		Use:   "describe <namespace.table>",
		Short: "Print a table's schema, partitioning, properties and current snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			tbl, err := e.load(ctx, args[0])
			if err != nil {
				return err
			}
			md := tbl.Metadata()
			printf(e, "table:     %s\n", tbl.Identifier())
			printf(e, "location:  %s\n", md.Location)
			printf(e, "metadata:  %s\n", tbl.MetadataLocation())
			if snap := md.CurrentSnapshot(); snap != nil {
				printf(e, "snapshot:  %d (%s, %d records, %d files)\n",
					snap.SnapshotID, snap.Summary.Operation, snap.Summary.TotalRecords, snap.Summary.TotalDataFiles)
			} else {
				printf(e, "snapshot:  none\n")
			}
			printf(e, "schema %d:\n", md.CurrentSchemaID)
			for _, f := range md.CurrentSchema().Fields {
				printf(e, "  %s\n", f)
			}
			if spec := md.Spec(); !spec.IsUnpartitioned() {
				printf(e, "partitioned by:\n")
				for _, f := range spec.Fields {
					src, _ := md.CurrentSchema().FindByID(f.SourceID)
					printf(e, "  %s = %s(%s)\n", f.Name, f.Transform, src.Name)
				}
			}
			if len(md.Properties) > 0 {
				printf(e, "properties:\n")
				for _, k := range slices.Sorted(maps.Keys(md.Properties)) {
					printf(e, "  %s=%s\n", k, md.Properties[k])
				}
			}
			return nil
		}),
	}

	cmd.AddCommand(create, list, drop, describe)
	return cmd
}

// createFrom creates ident holding the rows of a snapshot of another table,
// under the schema that snapshot was written with. The source's partitioning
// and properties carry over unless flags replace them.
func createFrom(ctx context.Context, e *env, ident table.Identifier, from string, snapshot int64, partitions, props []string) error {
	src, err := e.load(ctx, from)
	if err != nil {
		return err
	}
	scan := src.NewScan()
	if snapshot != 0 {
		scan.AtSnapshot(snapshot)
	}
	res, err := scan.ToRows(ctx)
	if err != nil {
		return err
	}

	spec := src.Metadata().Spec()
	if len(partitions) > 0 {
		specs := make([]partition.FieldSpec, len(partitions))
		for i, p := range partitions {
			if specs[i], err = parsePartition(p); err != nil {
				return err
			}
		}
		if spec, err = partition.NewSpec(0, res.Schema, specs...); err != nil {
			return err
		}
	}
	extra, err := parseProperties(props)
	if err != nil {
		return err
	}
	p := map[string]string{}
	maps.Copy(p, src.Metadata().Properties)
	maps.Copy(p, extra)

	tbl, err := e.cat.CreateTable(ctx, ident, res.Schema, spec, p)
	if err != nil {
		return err
	}
	if len(res.Rows) > 0 {
		if _, err := tbl.Append(ctx, res.Rows); err != nil {
			return err
		}
	}
	if res.Snapshot != nil {
		printf(e, "created %s from %s snapshot %d (%d rows)\n", ident, src.Identifier(), res.Snapshot.SnapshotID, len(res.Rows))
	} else {
		printf(e, "created %s from %s (no snapshot)\n", ident, src.Identifier())
	}
	return nil
}
