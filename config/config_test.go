package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"arctic-table/config"
	"arctic-table/failure"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  type: s3
  bucket: warehouse
  endpoint: http://localhost:9000
  access_key: minio
  secret_key: minio123
  use_path_style: true
catalog:
  type: sql
  name: demo
  driver: sqlite
  dsn: file:catalog.db
table:
  commit_retries: 7
  commit_min_backoff: 10ms
log:
  level: debug
`), 0644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "s3", cfg.Storage.Type)
	require.True(t, cfg.Storage.UsePathStyle)
	require.Equal(t, "sqlite", cfg.Catalog.Driver)
	require.Equal(t, 7, cfg.Table.CommitRetries)
	require.Equal(t, 10*time.Millisecond, cfg.Table.CommitMinBackoff)
	// untouched fields keep their defaults
	require.Equal(t, 10000, cfg.Table.RowGroupSize)
	require.Equal(t, "zstd", cfg.Table.Compression)

	logger, err := cfg.Log.NewLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestValidateRejects(t *testing.T) {
	for name, mutate := range map[string]func(*config.Config){
		"unknown storage":   func(c *config.Config) { c.Storage.Type = "ftp" },
		"s3 without bucket": func(c *config.Config) { c.Storage.Type = "s3" },
		"half credentials": func(c *config.Config) {
			c.Storage.Type = "s3"
			c.Storage.Bucket = "b"
			c.Storage.AccessKey = "key"
		},
		"sql without dsn":  func(c *config.Config) { c.Catalog.Type = "sql"; c.Catalog.Driver = "sqlite" },
		"bad driver":       func(c *config.Config) { c.Catalog.Type = "sql"; c.Catalog.Driver = "mysql"; c.Catalog.DSN = "x" },
		"zero row group":   func(c *config.Config) { c.Table.RowGroupSize = 0 },
		"bad codec":        func(c *config.Config) { c.Table.ManifestCodec = "lz4" },
		"backoff inverted": func(c *config.Config) { c.Table.CommitMaxBackoff = time.Millisecond },
		"keep none":        func(c *config.Config) { c.Maintenance.MinSnapshotsToKeep = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, failure.InvalidArgument.Has(err))
		})
	}
}
