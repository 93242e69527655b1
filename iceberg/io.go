package iceberg

import (
	"context"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/blake3"

	"arctic-table/failure"
	"arctic-table/storage"
)

var mon = monkit.Package()

const (
	metadataSuffix    = ".metadata.json"
	zstdSuffix        = ".zst"
	CompressionNone   = "none"
	CompressionZstd   = "zstd"
	metadataDirectory = "metadata"
)

// MetadataDir returns the directory holding metadata documents and manifests.
func MetadataDir(location string) string { return storage.Join(location, metadataDirectory) }

// MetadataKey returns the content-addressed key of a metadata document:
// <location>/metadata/<version>-<hash>.metadata.json[.zst].
func MetadataKey(location string, version int, data []byte, compression string) string {
	sum := blake3.Sum256(data)
	name := fmt.Sprintf("%05d-%s%s", version, hex.EncodeToString(sum[:8]), metadataSuffix)
	if compression == CompressionZstd {
		name += zstdSuffix
	}
	return storage.Join(MetadataDir(location), name)
}

// ParseVersion returns the version encoded in a metadata key.
func ParseVersion(key string) (int, error) {
	name := path.Base(key)
	prefix, _, ok := strings.Cut(name, "-")
	if !ok || !strings.Contains(name, metadataSuffix) {
		return 0, failure.InvalidArgument.New("%q is not a metadata document key", key)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil {
		return 0, failure.InvalidArgument.New("%q has no version: %v", key, err)
	}
	return v, nil
}

// WriteMetadata serializes md as metadata version and stores it under a new
// content-addressed key. Existing keys are never overwritten; an identical
// document already stored under the same key is reused and created is false.
func WriteMetadata(ctx context.Context, store storage.Storage, md *TableMetadata, version int, compression string) (key string, created bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := md.Validate(); err != nil {
		return "", false, err
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return "", false, failure.InvalidArgument.New("encoding metadata: %v", err)
	}
	switch compression {
	case "", CompressionNone:
		compression = CompressionNone
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return "", false, failure.IO.New("zstd: %v", err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	default:
		return "", false, failure.InvalidArgument.New("unknown metadata compression %q", compression)
	}

	key = MetadataKey(md.Location, version, data, compression)
	created, err = store.PutIfAbsent(ctx, key, data)
	if err != nil {
		return "", false, err
	}
	return key, created, nil
}

// ReadMetadata loads and validates a metadata document.
func ReadMetadata(ctx context.Context, store storage.Storage, key string) (_ *TableMetadata, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(key, zstdSuffix) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, failure.IO.New("zstd: %v", err)
		}
		data, err = dec.DecodeAll(data, nil)
		dec.Close()
		if err != nil {
			return nil, failure.CorruptMetadata.New("%s: decompressing: %v", key, err)
		}
	}
	md := new(TableMetadata)
	if err := json.Unmarshal(data, md); err != nil {
		return nil, failure.CorruptMetadata.New("%s: %v", key, err)
	}
	if err := md.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return md, nil
}
