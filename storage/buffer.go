package storage

import (
	"bytes"
	"context"
	"sync"
)

// Buffer collects an object in memory while an encoder writes to it, then stores
// it as one blob. Data files and manifests are never streamed to the store
// partially.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func NewBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Size is the number of bytes written since the last Reset.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.buf.Len())
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// Bytes returns a copy of the buffered contents.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// Store puts the buffered contents under key and returns the stored size.
func (b *Buffer) Store(ctx context.Context, store Storage, key string) (int64, error) {
	data := b.Bytes()
	if err := store.Put(ctx, key, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}
