package storage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"arctic-table/config"
	"arctic-table/failure"
	"arctic-table/storage"
)

func backends(t *testing.T) map[string]storage.Storage {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return map[string]storage.Storage{
		"memory": storage.NewMemoryStorage(),
		"local":  local,
	}
}

func TestStorageContract(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Get(ctx, "t/missing")
			require.True(t, failure.NotFound.Has(err))
			_, err = store.Stat(ctx, "t/missing")
			require.True(t, failure.NotFound.Has(err))

			require.NoError(t, store.Put(ctx, "t/data/a.parquet", []byte("alpha")))
			data, err := store.Get(ctx, "t/data/a.parquet")
			require.NoError(t, err)
			require.Equal(t, []byte("alpha"), data)

			require.NoError(t, store.Put(ctx, "t/data/a.parquet", []byte("beta")))
			data, err = store.Get(ctx, "t/data/a.parquet")
			require.NoError(t, err)
			require.Equal(t, []byte("beta"), data)

			info, err := store.Stat(ctx, "t/data/a.parquet")
			require.NoError(t, err)
			require.EqualValues(t, 4, info.Size)

			created, err := store.PutIfAbsent(ctx, "t/metadata/pointer/00001", []byte("one"))
			require.NoError(t, err)
			require.True(t, created)
			created, err = store.PutIfAbsent(ctx, "t/metadata/pointer/00001", []byte("two"))
			require.NoError(t, err)
			require.False(t, created)
			data, err = store.Get(ctx, "t/metadata/pointer/00001")
			require.NoError(t, err)
			require.Equal(t, []byte("one"), data)

			require.NoError(t, store.Put(ctx, "t/data/b.parquet", nil))
			require.NoError(t, store.Put(ctx, "u/data/c.parquet", []byte("c")))

			keys, err := store.List(ctx, "t/data/")
			require.NoError(t, err)
			require.Equal(t, []string{"t/data/a.parquet", "t/data/b.parquet"}, keys)

			keys, err = store.List(ctx, "t/")
			require.NoError(t, err)
			require.Equal(t, []string{"t/data/a.parquet", "t/data/b.parquet", "t/metadata/pointer/00001"}, keys)

			keys, err = store.List(ctx, "nothing/")
			require.NoError(t, err)
			require.Empty(t, keys)

			require.NoError(t, store.Put(ctx, "top.json", []byte("{}")))
			dirs, err := store.ListDirs(ctx, "")
			require.NoError(t, err)
			require.Equal(t, []string{"t", "u"}, dirs)
			dirs, err = store.ListDirs(ctx, "t/")
			require.NoError(t, err)
			require.Equal(t, []string{"data", "metadata"}, dirs)
			dirs, err = store.ListDirs(ctx, "t/data/")
			require.NoError(t, err)
			require.Empty(t, dirs)
			dirs, err = store.ListDirs(ctx, "nothing/")
			require.NoError(t, err)
			require.Empty(t, dirs)

			require.NoError(t, store.Delete(ctx, "t/data/a.parquet"))
			require.NoError(t, store.Delete(ctx, "t/data/a.parquet"))
			_, err = store.Get(ctx, "t/data/a.parquet")
			require.True(t, failure.NotFound.Has(err))

			err = store.Put(ctx, "../escape", []byte("x"))
			require.True(t, failure.InvalidArgument.Has(err))
		})
	}
}

func TestPutIfAbsentSingleWinner(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					created, err := store.PutIfAbsent(ctx, "pointer/00002", []byte{byte(i)})
					require.NoError(t, err)
					if created {
						wins.Add(1)
					}
				}(i)
			}
			wg.Wait()
			require.EqualValues(t, 1, wins.Load())
		})
	}
}

type flakyStore struct {
	storage.Storage
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, failure.IO.New("connection reset")
	}
	return f.Storage.Get(ctx, key)
}

func TestRetryingRetriesIOOnly(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	require.NoError(t, mem.Put(ctx, "k", []byte("v")))

	flaky := &flakyStore{Storage: mem}
	flaky.failures.Store(2)
	store := storage.NewRetrying(zaptest.NewLogger(t), flaky, 3, time.Millisecond)

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), data)
	require.EqualValues(t, 3, flaky.calls.Load())

	flaky.calls.Store(0)
	_, err = store.Get(ctx, "missing")
	require.True(t, failure.NotFound.Has(err))
	require.EqualValues(t, 1, flaky.calls.Load())

	flaky.calls.Store(0)
	flaky.failures.Store(10)
	_, err = store.Get(ctx, "k")
	require.True(t, failure.IO.Has(err))
	require.EqualValues(t, 4, flaky.calls.Load())
}

func TestBufferStore(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()

	buf := storage.NewBuffer()
	_, err := buf.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = buf.Write([]byte("world"))
	require.NoError(t, err)
	require.EqualValues(t, 11, buf.Size())

	size, err := buf.Store(ctx, mem, "greeting")
	require.NoError(t, err)
	require.EqualValues(t, 11, size)

	buf.Reset()
	require.Zero(t, buf.Size())

	data, err := mem.Get(ctx, "greeting")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestOpenFromConfig(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Root = t.TempDir()

	store, err := storage.Open(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "a/b", []byte("c")))

	cfg.Type = "memory"
	store, err = storage.Open(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	_, err = store.Get(context.Background(), "a/b")
	require.True(t, failure.NotFound.Has(err))
}
