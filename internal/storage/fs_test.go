package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func newTestFS(t *testing.T) Storage {
	t.Helper()
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs storage: %v", err)
	}
	return store
}

func TestFSPutAndGet(t *testing.T) {
	store := newTestFS(t)
	key := "pypi/simple/requests/"
	payload := []byte("payload")

	size, err := store.Put(context.Background(), key, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("size mismatch: %d", size)
	}

	reader, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer reader.Close()

	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("payload mismatch: %s", body)
	}
}

func TestFSGetMissing(t *testing.T) {
	store := newTestFS(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFSLenAndExists(t *testing.T) {
	store := newTestFS(t)
	key := "anaconda/pkgs/main/repodata.json"

	if _, err := store.Put(context.Background(), key, bytes.NewReader([]byte("12345"))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	n, err := store.Len(context.Background(), key)
	if err != nil || n != 5 {
		t.Fatalf("len = %d, err = %v", n, err)
	}

	ok, err := store.Exists(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("exists = %v, err = %v", ok, err)
	}
	ok, err = store.Exists(context.Background(), "other")
	if err != nil || ok {
		t.Fatalf("expected missing key, exists = %v, err = %v", ok, err)
	}
}

func TestFSDelIdempotent(t *testing.T) {
	store := newTestFS(t)
	key := "ubuntu/dists/stable/Release"

	if _, err := store.Put(context.Background(), key, bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := store.Del(context.Background(), key); err != nil {
		t.Fatalf("del error: %v", err)
	}
	if err := store.Del(context.Background(), key); err != nil {
		t.Fatalf("second del should be silent: %v", err)
	}
	if _, err := store.Get(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after del, got %v", err)
	}
}

func TestFSOpenReaderSurvivesDelete(t *testing.T) {
	store := newTestFS(t)
	key := "ipfs/Qx"
	payload := []byte("immutable bytes")

	if _, err := store.Put(context.Background(), key, bytes.NewReader(payload)); err != nil {
		t.Fatalf("put error: %v", err)
	}

	reader, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer reader.Close()

	if err := store.Del(context.Background(), key); err != nil {
		t.Fatalf("del error: %v", err)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read after delete error: %v", err)
	}
	if string(body) != string(payload) {
		t.Fatalf("reader observed torn content: %s", body)
	}
}

func TestFSWalkListsKeys(t *testing.T) {
	store := newTestFS(t)
	keys := []string{"pypi/simple/a/", "pypi/packages/b.tar.gz"}
	for _, key := range keys {
		if _, err := store.Put(context.Background(), key, bytes.NewReader([]byte("x"))); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	seen := map[string]bool{}
	err := store.Walk(context.Background(), func(key string) error {
		seen[key] = true
		return nil
	})
	if err != nil {
		t.Fatalf("walk error: %v", err)
	}
	for _, key := range keys {
		if !seen[key] {
			t.Fatalf("walk missed key %s (saw %v)", key, seen)
		}
	}
}
