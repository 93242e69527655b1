// Package cli is the arctic-table command line: catalog administration, data
// loading, scans, time travel, schema changes, maintenance and the long
// running replicate and serve services.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"arctic-table/catalog"
	"arctic-table/config"
	"arctic-table/failure"
	"arctic-table/storage"
	"arctic-table/table"
)

// env is everything a command needs, opened from the configuration.
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	store storage.Storage
	cat   catalog.Catalog
	in    io.Reader
	out   io.Writer
}

func (e *env) close() error {
	// stderr sync fails on some terminals
	_ = e.log.Sync()
	return e.cat.Close()
}

func (e *env) load(ctx context.Context, name string) (*table.Table, error) {
	ident, err := table.ParseIdentifier(name)
	if err != nil {
		return nil, err
	}
	return e.cat.LoadTable(ctx, ident)
}

func (e *env) printJSON(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type app struct {
	configPath string
	logLevel   string
}

type runFunc func(ctx context.Context, e *env, args []string) error

// run opens the environment around fn.
func (a *app) run(fn runFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		e, err := a.open(cmd.Context())
		if err != nil {
			return err
		}
		e.in, e.out = cmd.InOrStdin(), cmd.OutOrStdout()
		defer func() { err = errs.Combine(err, e.close()) }()
		return fn(cmd.Context(), e, args)
	}
}

func (a *app) open(ctx context.Context) (*env, error) {
	var cfg *config.Config
	if a.configPath == "" {
		def := config.Default()
		if err := def.Validate(); err != nil {
			return nil, err
		}
		cfg = &def
	} else {
		var err error
		if cfg, err = config.LoadConfig(a.configPath); err != nil {
			return nil, err
		}
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	log, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(log.Named("storage"), cfg.Storage)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(ctx, log, cfg, store)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, store: store, cat: cat}, nil
}

// New builds the root command.
func New() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "arctic-table",
		Short:         "Snapshot-based table storage over object stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to the YAML configuration (defaults apply when empty)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		a.namespaceCommand(),
		a.tableCommand(),
		a.appendCommand(),
		a.scanCommand(),
		a.snapshotsCommand(),
		a.rollbackCommand(),
		a.schemaCommand(),
		a.expireCommand(),
		a.gcCommand(),
		a.compactCommand(),
		a.replicateCommand(),
		a.serveCommand(),
	)
	return root
}

// parseProperties reads key=value pairs.
func parseProperties(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	props := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, failure.InvalidArgument.New("property %q must look like key=value", p)
		}
		props[k] = v
	}
	return props, nil
}

func printf(e *env, format string, args ...any) {
	_, _ = fmt.Fprintf(e.out, format, args...)
}
