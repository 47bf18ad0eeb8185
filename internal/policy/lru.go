package policy

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/metadb"
	"github.com/mirror-cache/mirror-cache/internal/metrics"
	"github.com/mirror-cache/mirror-cache/internal/storage"
)

// NewLRU 构建大小受限的 LRU 策略。maxSize 为字节预算，
// 每次 Put 完成后保证 total_size ≤ maxSize。
func NewLRU(name string, maxSize int64, db metadb.MetaDB, store storage.Storage, logger *logrus.Logger) Policy {
	return &lruPolicy{
		name:    name,
		maxSize: maxSize,
		db:      db,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

type lruPolicy struct {
	name    string
	maxSize int64
	db      metadb.MetaDB
	store   storage.Storage
	logger  *logrus.Logger
	now     func() time.Time
}

func (p *lruPolicy) Name() string { return p.name }

func (p *lruPolicy) Get(ctx context.Context, key string) (*Outcome, error) {
	meta, err := p.db.GetMeta(ctx, key)
	if err != nil {
		if errors.Is(err, metadb.ErrMetaNotFound) {
			return nil, ErrMiss
		}
		// 元数据库不可用：读路径降级为 miss
		p.logger.WithError(err).WithFields(logrus.Fields{
			"action": "lru_get",
			"policy": p.name,
			"key":    key,
		}).Warn("meta_unavailable")
		return nil, ErrMiss
	}

	body, err := p.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// 元数据存在但正文缺失：惰性修复后按 miss 处理
			p.repairDanglingMeta(ctx, key, meta.Size)
			return nil, ErrMiss
		}
		return nil, err
	}

	// 命中刷新访问时间；失败只降级日志，不影响本次读取
	accessedAt := p.now()
	meta.LastAccessAt = accessedAt
	if err := p.db.PutMeta(ctx, key, meta); err == nil {
		if err := p.db.ZAdd(ctx, lruSetKey(p.name), key, scoreAt(accessedAt)); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"action": "lru_touch",
				"policy": p.name,
				"key":    key,
			}).Warn("zadd_failed")
		}
	}

	return &Outcome{Body: body, Size: meta.Size, ContentType: meta.ContentType}, nil
}

func (p *lruPolicy) Put(ctx context.Context, key string, body []byte, contentType string) error {
	size := int64(len(body))

	// 单条目超出预算：存了也会被立刻淘汰，直接跳过（容量不变式不受影响）
	if p.maxSize > 0 && size > p.maxSize {
		p.logger.WithFields(logrus.Fields{
			"action":   "lru_put",
			"policy":   p.name,
			"key":      key,
			"size":     size,
			"max_size": p.maxSize,
		}).Info("entry_exceeds_budget_skipped")
		return nil
	}

	// 替换已有条目时先取旧 size，维持 total_size 精确
	var oldSize int64
	if old, err := p.db.GetMeta(ctx, key); err == nil {
		oldSize = old.Size
	}

	if _, err := p.store.Put(ctx, key, bytes.NewReader(body)); err != nil {
		return err
	}

	createdAt := p.now()
	meta := &metadb.Meta{
		Size:         size,
		CreatedAt:    createdAt,
		LastAccessAt: createdAt,
		ContentType:  contentType,
	}
	if err := p.db.PutMeta(ctx, key, meta); err != nil {
		return err
	}
	if err := p.db.ZAdd(ctx, lruSetKey(p.name), key, scoreAt(createdAt)); err != nil {
		return err
	}

	total, err := p.db.IncrBy(ctx, totalSizeKey(p.name), size-oldSize)
	if err != nil {
		return err
	}
	metrics.StorageSizeBytes.WithLabelValues(p.name).Set(float64(total))

	return p.enforceCapacity(ctx, total)
}

// enforceCapacity 按访问时间从旧到新淘汰，直到总量回到预算内。
func (p *lruPolicy) enforceCapacity(ctx context.Context, total int64) error {
	for p.maxSize > 0 && total > p.maxSize {
		victims, err := p.db.ZPopMin(ctx, lruSetKey(p.name), 1)
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			p.logger.WithFields(logrus.Fields{
				"action": "lru_evict",
				"policy": p.name,
				"total":  total,
			}).Warn("eviction_index_empty")
			return nil
		}

		victim := victims[0].Member
		var victimSize int64
		if meta, err := p.db.GetMeta(ctx, victim); err == nil {
			victimSize = meta.Size
		}
		if err := p.db.DelMeta(ctx, victim); err != nil {
			return err
		}
		if err := p.store.Del(ctx, victim); err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"action": "lru_evict",
				"policy": p.name,
				"key":    victim,
			}).Warn("blob_delete_failed")
		} else {
			metrics.FilesRemoved.Inc()
		}

		total, err = p.db.IncrBy(ctx, totalSizeKey(p.name), -victimSize)
		if err != nil {
			return err
		}
		metrics.StorageSizeBytes.WithLabelValues(p.name).Set(float64(total))

		p.logger.WithFields(logrus.Fields{
			"action": "lru_evict",
			"policy": p.name,
			"key":    victim,
			"size":   victimSize,
			"total":  total,
		}).Info("entry_evicted")
	}
	return nil
}

func (p *lruPolicy) repairDanglingMeta(ctx context.Context, key string, size int64) {
	if err := p.db.DelMeta(ctx, key); err != nil {
		return
	}
	_ = p.db.ZRem(ctx, lruSetKey(p.name), key)
	if total, err := p.db.IncrBy(ctx, totalSizeKey(p.name), -size); err == nil {
		metrics.StorageSizeBytes.WithLabelValues(p.name).Set(float64(total))
	}
	p.logger.WithFields(logrus.Fields{
		"action": "lru_repair",
		"policy": p.name,
		"key":    key,
	}).Info("dangling_meta_removed")
}

func (p *lruPolicy) Reconcile(ctx context.Context) error {
	return reconcileOrphans(ctx, p.name, p.db, p.store, p.logger)
}

func (p *lruPolicy) Close() error { return nil }
