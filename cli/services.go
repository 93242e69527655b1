package cli

import (
	"context"

	"github.com/spf13/cobra"

	"arctic-table/failure"
	"arctic-table/replication"
	"arctic-table/server"
)

func (a *app) replicateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replicate",
		Short: "Mirror a Postgres publication into tables until interrupted",
		Args:  cobra.NoArgs,
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			pg := e.cfg.Postgres
			if pg.Host == "" || pg.Slot == "" || pg.Publication == "" {
				return failure.InvalidArgument.New("postgres.host, postgres.slot and postgres.publication must be configured")
			}
			return replication.NewReplicator(e.log.Named("replication"), e.cfg, e.cat).Run(ctx)
		}),
	}
}

func (a *app) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP inspection API until interrupted",
		Args:  cobra.NoArgs,
		RunE: a.run(func(ctx context.Context, e *env, args []string) error {
			if addr == "" {
				addr = e.cfg.Server.Addr
			}
			return server.New(e.log.Named("server"), e.cat, addr, e.cfg.Table.ReadParallelism).Run(ctx)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}
