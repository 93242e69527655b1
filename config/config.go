package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"arctic-table/failure"
)

type Config struct {
	Storage     Storage     `yaml:"storage"`
	Catalog     Catalog     `yaml:"catalog"`
	Table       Table       `yaml:"table"`
	Maintenance Maintenance `yaml:"maintenance"`
	Log         Log         `yaml:"log"`
	Server      Server      `yaml:"server"`

	Postgres struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		User        string `yaml:"user"`
		Password    string `yaml:"password"`
		Database    string `yaml:"database"`
		Slot        string `yaml:"slot"`
		Publication string `yaml:"publication"`
		// Namespace receives the replicated tables; empty uses the source schema name.
		Namespace string `yaml:"namespace"`
	} `yaml:"postgres"`

	Tables []struct {
		Schema string `yaml:"schema"`
		Name   string `yaml:"name"`
	} `yaml:"tables"`
}

// Storage selects and configures the blob store backing the warehouse.
type Storage struct {
	Type string `yaml:"type"` // local, s3, memory
	Root string `yaml:"root"` // local directory

	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Endpoint     string `yaml:"endpoint"`
	Region       string `yaml:"region"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type Catalog struct {
	Type   string `yaml:"type"` // storage, sql
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"` // sqlite, pgx
	DSN    string `yaml:"dsn"`
}

// Table holds write and commit defaults. Table properties override them.
type Table struct {
	RowGroupSize        int           `yaml:"row_group_size"`
	TargetFileRows      int           `yaml:"target_file_rows"`
	Compression         string        `yaml:"compression"`          // parquet: none, snappy, zstd
	MetadataCompression string        `yaml:"metadata_compression"` // none, zstd
	ManifestCodec       string        `yaml:"manifest_codec"`       // null, deflate, snappy
	CommitRetries       int           `yaml:"commit_retries"`
	CommitMinBackoff    time.Duration `yaml:"commit_min_backoff"`
	CommitMaxBackoff    time.Duration `yaml:"commit_max_backoff"`
	ReadParallelism     int           `yaml:"read_parallelism"`
}

type Maintenance struct {
	OrphanRetention    time.Duration `yaml:"orphan_retention"`
	SnapshotMaxAge     time.Duration `yaml:"snapshot_max_age"`
	MinSnapshotsToKeep int           `yaml:"min_snapshots_to_keep"`
}

type Log struct {
	Level       string `yaml:"level"`
	JSON        bool   `yaml:"json"`
	Development bool   `yaml:"development"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration for a local development warehouse.
func Default() Config {
	var cfg Config
	cfg.Storage = Storage{
		Type:          "local",
		Root:          "./warehouse",
		Region:        "us-east-1",
		RetryAttempts: 3,
		RetryBackoff:  50 * time.Millisecond,
	}
	cfg.Catalog = Catalog{
		Type: "storage",
		Name: "default",
	}
	cfg.Table = Table{
		RowGroupSize:        10000,
		TargetFileRows:      100000,
		Compression:         "zstd",
		MetadataCompression: "none",
		ManifestCodec:       "deflate",
		CommitRetries:       4,
		CommitMinBackoff:    100 * time.Millisecond,
		CommitMaxBackoff:    2 * time.Second,
		ReadParallelism:     4,
	}
	cfg.Maintenance = Maintenance{
		OrphanRetention:    72 * time.Hour,
		SnapshotMaxAge:     5 * 24 * time.Hour,
		MinSnapshotsToKeep: 1,
	}
	cfg.Log = Log{Level: "info"}
	cfg.Server = Server{Addr: ":8181"}
	cfg.Postgres.Port = 5432
	return cfg
}

// LoadConfig reads a YAML file on top of Default.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, failure.InvalidArgument.New("parsing config %s: %v", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "local":
		if c.Storage.Root == "" {
			return failure.InvalidArgument.New("storage.root is required for local storage")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return failure.InvalidArgument.New("storage.bucket is required for s3 storage")
		}
		if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
			return failure.InvalidArgument.New("storage.access_key and storage.secret_key must be set together")
		}
	case "memory":
	default:
		return failure.InvalidArgument.New("unknown storage.type %q", c.Storage.Type)
	}
	if c.Storage.RetryAttempts < 0 {
		return failure.InvalidArgument.New("storage.retry_attempts must not be negative")
	}

	switch c.Catalog.Type {
	case "storage":
	case "sql":
		if c.Catalog.Driver != "sqlite" && c.Catalog.Driver != "pgx" {
			return failure.InvalidArgument.New("catalog.driver must be sqlite or pgx, got %q", c.Catalog.Driver)
		}
		if c.Catalog.DSN == "" {
			return failure.InvalidArgument.New("catalog.dsn is required for sql catalog")
		}
	default:
		return failure.InvalidArgument.New("unknown catalog.type %q", c.Catalog.Type)
	}
	if c.Catalog.Name == "" {
		return failure.InvalidArgument.New("catalog.name is required")
	}

	t := c.Table
	if t.RowGroupSize <= 0 || t.TargetFileRows <= 0 {
		return failure.InvalidArgument.New("table.row_group_size and table.target_file_rows must be positive")
	}
	switch t.Compression {
	case "none", "snappy", "zstd":
	default:
		return failure.InvalidArgument.New("unknown table.compression %q", t.Compression)
	}
	switch t.MetadataCompression {
	case "none", "zstd":
	default:
		return failure.InvalidArgument.New("unknown table.metadata_compression %q", t.MetadataCompression)
	}
	switch t.ManifestCodec {
	case "null", "deflate", "snappy":
	default:
		return failure.InvalidArgument.New("unknown table.manifest_codec %q", t.ManifestCodec)
	}
	if t.CommitRetries < 0 || t.CommitMinBackoff < 0 || t.CommitMaxBackoff < t.CommitMinBackoff {
		return failure.InvalidArgument.New("invalid commit retry settings")
	}
	if t.ReadParallelism <= 0 {
		return failure.InvalidArgument.New("table.read_parallelism must be positive")
	}

	if c.Maintenance.MinSnapshotsToKeep < 1 {
		return failure.InvalidArgument.New("maintenance.min_snapshots_to_keep must be at least 1")
	}
	return nil
}
