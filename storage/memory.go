package storage

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"arctic-table/failure"
)

type memoryObject struct {
	data    []byte
	modTime time.Time
}

// MemoryStorage is an ordered in-memory store. It is safe for concurrent use and
// lists keys in order without sorting.
type MemoryStorage struct {
	objects *skipmap.FuncMap[string, memoryObject]
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: skipmap.NewFunc[string, memoryObject](func(a, b string) bool { return a < b }),
		now:     time.Now,
	}
}

// SetClock replaces the modification time source.
func (s *MemoryStorage) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryStorage) Put(ctx context.Context, key string, data []byte) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	s.objects.Store(key, memoryObject{data: bytes.Clone(data), modTime: s.now()})
	return nil
}

func (s *MemoryStorage) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	_, loaded := s.objects.LoadOrStore(key, memoryObject{data: bytes.Clone(data), modTime: s.now()})
	return !loaded, nil
}

func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	obj, ok := s.objects.Load(key)
	if !ok {
		return nil, failure.NotFound.New("object %s", key)
	}
	return bytes.Clone(obj.data), nil
}

func (s *MemoryStorage) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	obj, ok := s.objects.Load(key)
	if !ok {
		return ObjectInfo{}, failure.NotFound.New("object %s", key)
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), ModTime: obj.modTime}, nil
}

func (s *MemoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	s.objects.Range(func(key string, _ memoryObject) bool {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		} else if key > prefix {
			return false
		}
		return true
	})
	return keys, nil
}

func (s *MemoryStorage) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	s.objects.Range(func(key string, _ memoryObject) bool {
		if !strings.HasPrefix(key, prefix) {
			return key < prefix
		}
		rest := key[len(prefix):]
		i := strings.IndexByte(rest, '/')
		if i < 0 {
			return true
		}
		// keys below one directory are adjacent
		if name := rest[:i]; len(names) == 0 || names[len(names)-1] != name {
			names = append(names, name)
		}
		return true
	})
	return names, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.objects.Delete(key)
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStorage) Len() int { return s.objects.Len() }
