package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"arctic-table/failure"
)

var mon = monkit.Package()

// Retrying wraps a store and retries operations failing with failure.IO using
// exponential backoff. Every other error is returned on the first attempt.
type Retrying struct {
	log      *zap.Logger
	inner    Storage
	attempts int
	initial  time.Duration
}

// NewRetrying retries each operation up to attempts additional times.
func NewRetrying(log *zap.Logger, inner Storage, attempts int, initial time.Duration) *Retrying {
	if initial <= 0 {
		initial = 50 * time.Millisecond
	}
	return &Retrying{log: log, inner: inner, attempts: attempts, initial: initial}
}

// Unwrap returns the wrapped store.
func (r *Retrying) Unwrap() Storage { return r.inner }

func (r *Retrying) do(ctx context.Context, op, key string, fn func() error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.initial
	expo.MaxInterval = 20 * r.initial
	expo.MaxElapsedTime = 0
	expo.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.attempts)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !failure.IO.Has(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		mon.Counter("storage_io_retries").Inc(1)
		r.log.Debug("retrying storage operation",
			zap.String("op", op),
			zap.String("key", key),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	return r.do(ctx, "put", key, func() error {
		return r.inner.Put(ctx, key, data)
	})
}

func (r *Retrying) PutIfAbsent(ctx context.Context, key string, data []byte) (created bool, err error) {
	defer mon.Task()(&ctx)(&err)
	err = r.do(ctx, "put-if-absent", key, func() error {
		var err error
		created, err = r.inner.PutIfAbsent(ctx, key, data)
		return err
	})
	return created, err
}

func (r *Retrying) Get(ctx context.Context, key string) (data []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	err = r.do(ctx, "get", key, func() error {
		var err error
		data, err = r.inner.Get(ctx, key)
		return err
	})
	return data, err
}

func (r *Retrying) Stat(ctx context.Context, key string) (info ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	err = r.do(ctx, "stat", key, func() error {
		var err error
		info, err = r.inner.Stat(ctx, key)
		return err
	})
	return info, err
}

func (r *Retrying) List(ctx context.Context, prefix string) (keys []string, err error) {
	defer mon.Task()(&ctx)(&err)
	err = r.do(ctx, "list", prefix, func() error {
		var err error
		keys, err = r.inner.List(ctx, prefix)
		return err
	})
	return keys, err
}

func (r *Retrying) ListDirs(ctx context.Context, prefix string) (names []string, err error) {
	defer mon.Task()(&ctx)(&err)
	err = r.do(ctx, "list dirs", prefix, func() error {
		var err error
		names, err = r.inner.ListDirs(ctx, prefix)
		return err
	})
	return names, err
}

func (r *Retrying) Delete(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return r.do(ctx, "delete", key, func() error {
		return r.inner.Delete(ctx, key)
	})
}
