package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mirror-cache/mirror-cache/internal/metadb"
	"github.com/mirror-cache/mirror-cache/internal/storage"
)

func newTTLFixture(t *testing.T, ttl time.Duration) (*ttlPolicy, metadb.MetaDB, storage.Storage, *testClock) {
	t.Helper()
	db := newTestMetaDB(t)
	store := newTestStorage()
	clock := newTestClock()

	// sweepInterval = 0：不起后台清扫器，测试里手动调用 Sweep
	p := NewTTL("test", ttl, 0, db, store, discardLogger()).(*ttlPolicy)
	p.now = clock.Now
	t.Cleanup(func() { p.Close() })
	return p, db, store, clock
}

func TestTTLLazyExpiry(t *testing.T) {
	p, db, _, clock := newTTLFixture(t, time.Second)
	ctx := context.Background()

	if err := p.Put(ctx, "k", []byte("v"), "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}

	clock.Advance(500 * time.Millisecond)
	body := mustHit(t, p, "k")
	if string(body) != "v" {
		t.Fatalf("unexpected body: %s", body)
	}

	clock.Advance(time.Second)
	mustMiss(t, p, "k")

	// 惰性过期应当场清掉元数据
	if _, err := db.GetMeta(ctx, "k"); !errors.Is(err, metadb.ErrMetaNotFound) {
		t.Fatalf("expected metadata removed after lazy expiry, got %v", err)
	}
}

func TestTTLSweepRemovesExpiredEntries(t *testing.T) {
	p, db, store, clock := newTTLFixture(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := p.Put(ctx, key, []byte("data"), ""); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	clock.Advance(30 * time.Second)
	if err := p.Put(ctx, "fresh", []byte("data"), ""); err != nil {
		t.Fatalf("put fresh: %v", err)
	}

	// 推进到前 5 个过期、fresh 仍存活的时间点
	clock.Advance(45 * time.Second)
	removed := p.Sweep(ctx)
	if removed != 5 {
		t.Fatalf("expected 5 removals, got %d", removed)
	}

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := db.GetMeta(ctx, key); !errors.Is(err, metadb.ErrMetaNotFound) {
			t.Fatalf("expected %s metadata gone, got %v", key, err)
		}
		if ok, _ := store.Exists(ctx, key); ok {
			t.Fatalf("expected %s blob gone", key)
		}
	}
	mustHit(t, p, "fresh")

	// 清扫幂等
	if again := p.Sweep(ctx); again != 0 {
		t.Fatalf("second sweep should remove nothing, got %d", again)
	}
}

func TestTTLMissingBlobRepairedOnRead(t *testing.T) {
	p, db, store, _ := newTTLFixture(t, time.Minute)
	ctx := context.Background()

	if err := p.Put(ctx, "k", []byte("data"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.Del(ctx, "k"); err != nil {
		t.Fatalf("del blob: %v", err)
	}

	mustMiss(t, p, "k")
	if _, err := db.GetMeta(ctx, "k"); !errors.Is(err, metadb.ErrMetaNotFound) {
		t.Fatalf("expected metadata repaired, got %v", err)
	}
}

func TestReconcileRemovesOrphanBlobs(t *testing.T) {
	p, _, store, _ := newTTLFixture(t, time.Minute)
	ctx := context.Background()

	if err := p.Put(ctx, "tracked", []byte("data"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	// 模拟崩溃窗口：正文已写入但元数据未落盘
	if _, err := store.Put(ctx, "orphan", bytes.NewReader([]byte("stale"))); err != nil {
		t.Fatalf("plant orphan: %v", err)
	}

	if err := p.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if ok, _ := store.Exists(ctx, "orphan"); ok {
		t.Fatalf("orphan blob should be removed")
	}
	if ok, _ := store.Exists(ctx, "tracked"); !ok {
		t.Fatalf("tracked blob should survive reconcile")
	}
}

func TestTTLBackgroundSweeperStops(t *testing.T) {
	db := newTestMetaDB(t)
	p := NewTTL("bg", time.Minute, 10*time.Millisecond, db, newTestStorage(), discardLogger())

	// Close 必须能停掉清扫协程而不死锁
	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop on close")
	}
}
