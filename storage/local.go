package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"arctic-table/failure"
)

const tempPrefix = ".tmp-"

// LocalStorage keeps objects as files below a root directory. Writes go to a
// temporary file that is renamed (Put) or hard-linked (PutIfAbsent) into place,
// so readers never observe a partially written object.
type LocalStorage struct {
	root string
}

func NewLocalStorage(root string) (*LocalStorage, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, failure.InvalidArgument.New("resolving root %q: %v", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, failure.IO.Wrap(fmt.Errorf("creating root: %w", err))
	}
	return &LocalStorage{root: abs}, nil
}

func (s *LocalStorage) Root() string { return s.root }

func (s *LocalStorage) path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func (s *LocalStorage) Put(ctx context.Context, key string, data []byte) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(target, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return failure.IO.Wrap(fmt.Errorf("renaming %s: %w", key, err))
	}
	return nil
}

func (s *LocalStorage) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	target, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err == nil {
		return false, nil
	}
	tmp, err := s.writeTemp(target, data)
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp) }()

	// link fails with EEXIST when another writer won the race
	if err := os.Link(tmp, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, failure.IO.Wrap(fmt.Errorf("linking %s: %w", key, err))
	}
	return true, nil
}

func (s *LocalStorage) writeTemp(target string, data []byte) (string, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", failure.IO.Wrap(fmt.Errorf("creating directory: %w", err))
	}
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", failure.IO.Wrap(fmt.Errorf("creating temp file: %w", err))
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", failure.IO.Wrap(fmt.Errorf("writing temp file: %w", err))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", failure.IO.Wrap(fmt.Errorf("syncing temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", failure.IO.Wrap(fmt.Errorf("closing temp file: %w", err))
	}
	return name, nil
}

func (s *LocalStorage) Get(ctx context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, failure.NotFound.New("object %s", key)
		}
		return nil, failure.IO.Wrap(fmt.Errorf("reading %s: %w", key, err))
	}
	return data, nil
}

func (s *LocalStorage) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, failure.NotFound.New("object %s", key)
		}
		return ObjectInfo{}, failure.IO.Wrap(fmt.Errorf("stat %s: %w", key, err))
	}
	if info.IsDir() {
		return ObjectInfo{}, failure.NotFound.New("object %s", key)
	}
	return ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	// walk only the deepest directory the prefix pins down
	start := s.root
	if dir := path.Dir(prefix); strings.Contains(prefix, "/") && dir != "." {
		start = filepath.Join(s.root, filepath.FromSlash(dir))
	}

	var keys []string
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, failure.IO.Wrap(fmt.Errorf("listing %s: %w", prefix, err))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStorage) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	dir := s.root
	if prefix != "" {
		p, err := s.path(prefix)
		if err != nil {
			return nil, err
		}
		dir = p
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, failure.IO.Wrap(fmt.Errorf("listing %s: %w", prefix, err))
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), tempPrefix) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (s *LocalStorage) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return failure.IO.Wrap(fmt.Errorf("deleting %s: %w", key, err))
	}
	return nil
}
