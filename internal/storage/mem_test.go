package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemPutGetDel(t *testing.T) {
	store := NewMem()
	key := "pypi/packages/abc"

	size, err := store.Put(context.Background(), key, bytes.NewReader([]byte("hello")))
	if err != nil || size != 5 {
		t.Fatalf("put size = %d, err = %v", size, err)
	}

	reader, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	body, _ := io.ReadAll(reader)
	reader.Close()
	if string(body) != "hello" {
		t.Fatalf("payload mismatch: %s", body)
	}

	if err := store.Del(context.Background(), key); err != nil {
		t.Fatalf("del error: %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemReaderUnaffectedByDelete(t *testing.T) {
	store := NewMem()
	key := "k"
	if _, err := store.Put(context.Background(), key, bytes.NewReader([]byte("stable"))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	reader, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if err := store.Del(context.Background(), key); err != nil {
		t.Fatalf("del error: %v", err)
	}

	body, _ := io.ReadAll(reader)
	reader.Close()
	if string(body) != "stable" {
		t.Fatalf("reader observed mutation: %s", body)
	}
}

func TestMemWalk(t *testing.T) {
	store := NewMem()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader([]byte(key))); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	count := 0
	if err := store.Walk(context.Background(), func(string) error { count++; return nil }); err != nil {
		t.Fatalf("walk error: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 keys, walked %d", count)
	}
}
