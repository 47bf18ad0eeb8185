package policy

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/metadb"
	"github.com/mirror-cache/mirror-cache/internal/storage"
)

// testClock 是可手动推进的时钟，便于驱动 LRU 访问序与 TTL 过期。
type testClock struct {
	current time.Time
}

func newTestClock() *testClock {
	return &testClock{current: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestMetaDB(t *testing.T) metadb.MetaDB {
	t.Helper()
	db, err := metadb.NewBolt(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("open metadb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStorage() storage.Storage {
	return storage.NewMem()
}
