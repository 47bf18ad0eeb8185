package policy

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/metadb"
	"github.com/mirror-cache/mirror-cache/internal/storage"
)

// Outcome 是一次缓存命中的结果，Body 必须由调用方关闭。
type Outcome struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// Policy 将某种淘汰策略组合在 MetaDB 与 Storage 之上，对请求处理层
// 暴露统一的 Get/Put 契约。Get 未命中返回 ErrMiss，调用方回源后再 Put。
type Policy interface {
	// Name 返回配置中声明的策略名。
	Name() string

	// Get 查找缓存。命中时 LRU 策略同时刷新访问时间。
	Get(ctx context.Context, key string) (*Outcome, error)

	// Put 持久化正文与元数据，随后执行策略各自的容量/过期规则。
	// 返回时元数据与正文均已落盘。
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// Reconcile 启动期修复：删除元数据中无记录的孤儿 blob。
	Reconcile(ctx context.Context) error

	Close() error
}

// ErrMiss 表示缓存未命中，调用方应回源并调用 Put。
var ErrMiss = errors.New("cache miss")

func lruSetKey(name string) string {
	return "lru:" + name
}

func ttlSetKey(name string) string {
	return "ttl:" + name
}

func totalSizeKey(name string) string {
	return "total_size:" + name
}

func scoreAt(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// reconcileOrphans 遍历存储并删除没有元数据记录的 blob（§9 启动修复窗口：
// 崩溃可能留下已写正文但未写元数据的孤儿）。反向孤儿在读路径惰性修复。
func reconcileOrphans(ctx context.Context, name string, db metadb.MetaDB, store storage.Storage, logger *logrus.Logger) error {
	return store.Walk(ctx, func(key string) error {
		_, err := db.GetMeta(ctx, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, metadb.ErrMetaNotFound):
			if delErr := store.Del(ctx, key); delErr != nil {
				logger.WithError(delErr).WithFields(logrus.Fields{
					"action": "reconcile",
					"policy": name,
					"key":    key,
				}).Warn("orphan_delete_failed")
				return nil
			}
			logger.WithFields(logrus.Fields{
				"action": "reconcile",
				"policy": name,
				"key":    key,
			}).Info("orphan_blob_removed")
			return nil
		default:
			// 元数据库不可用时跳过修复，不阻塞启动
			return err
		}
	})
}
