package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// NewMem 构建进程内存储，重启后内容丢失。正文以不可变字节切片保存，
// 并发读者共享同一底层数组，替换是一次指针交换，读者不受后续删除影响。
func NewMem() Storage {
	return &memStorage{entries: make(map[string][]byte)}
}

type memStorage struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

func (s *memStorage) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.entries[key] = data
	s.mu.Unlock()
	return int64(len(data)), nil
}

func (s *memStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memStorage) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *memStorage) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	_, ok := s.entries[key]
	s.mu.RUnlock()
	return ok, nil
}

func (s *memStorage) Len(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	data, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

func (s *memStorage) Walk(ctx context.Context, fn func(key string) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}
