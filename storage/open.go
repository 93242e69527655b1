package storage

import (
	"go.uber.org/zap"

	"arctic-table/config"
	"arctic-table/failure"
)

// Open builds the configured backend wrapped in the IO retry policy.
func Open(log *zap.Logger, cfg config.Storage) (Storage, error) {
	var inner Storage
	switch cfg.Type {
	case "local":
		local, err := NewLocalStorage(cfg.Root)
		if err != nil {
			return nil, err
		}
		inner = local
	case "s3":
		client := NewS3Client(S3Options{
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			AccessKey:    cfg.AccessKey,
			SecretKey:    cfg.SecretKey,
			UsePathStyle: cfg.UsePathStyle,
		})
		inner = NewS3Storage(log.Named("s3"), client, cfg.Bucket, cfg.Prefix)
	case "memory":
		inner = NewMemoryStorage()
	default:
		return nil, failure.InvalidArgument.New("unknown storage type %q", cfg.Type)
	}

	log.Info("opened blob store", zap.String("type", cfg.Type), zap.Int("retry_attempts", cfg.RetryAttempts))
	return NewRetrying(log, inner, cfg.RetryAttempts, cfg.RetryBackoff), nil
}
