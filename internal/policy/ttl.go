package policy

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirror-cache/mirror-cache/internal/metadb"
	"github.com/mirror-cache/mirror-cache/internal/metrics"
	"github.com/mirror-cache/mirror-cache/internal/storage"
)

const sweepBatchSize = 100

// NewTTL 构建按绝对过期时间淘汰的策略。读路径惰性过期，
// 后台清扫器每 sweepInterval 扫一轮过期索引。
func NewTTL(name string, ttl, sweepInterval time.Duration, db metadb.MetaDB, store storage.Storage, logger *logrus.Logger) Policy {
	ctx, cancel := context.WithCancel(context.Background())
	p := &ttlPolicy{
		name:          name,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		db:            db,
		store:         store,
		logger:        logger,
		now:           time.Now,
		cancel:        cancel,
	}
	if sweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop(ctx)
	}
	return p
}

type ttlPolicy struct {
	name          string
	ttl           time.Duration
	sweepInterval time.Duration
	db            metadb.MetaDB
	store         storage.Storage
	logger        *logrus.Logger
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (p *ttlPolicy) Name() string { return p.name }

func (p *ttlPolicy) Get(ctx context.Context, key string) (*Outcome, error) {
	meta, err := p.db.GetMeta(ctx, key)
	if err != nil {
		if errors.Is(err, metadb.ErrMetaNotFound) {
			return nil, ErrMiss
		}
		p.logger.WithError(err).WithFields(logrus.Fields{
			"action": "ttl_get",
			"policy": p.name,
			"key":    key,
		}).Warn("meta_unavailable")
		return nil, ErrMiss
	}

	if !meta.ExpiresAt.After(p.now()) {
		// 惰性过期：当场清理后按 miss 处理
		p.removeEntry(ctx, key, meta.Size)
		return nil, ErrMiss
	}

	body, err := p.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			p.removeEntry(ctx, key, meta.Size)
			return nil, ErrMiss
		}
		return nil, err
	}

	return &Outcome{Body: body, Size: meta.Size, ContentType: meta.ContentType}, nil
}

func (p *ttlPolicy) Put(ctx context.Context, key string, body []byte, contentType string) error {
	size := int64(len(body))

	var oldSize int64
	if old, err := p.db.GetMeta(ctx, key); err == nil {
		oldSize = old.Size
	}

	if _, err := p.store.Put(ctx, key, bytes.NewReader(body)); err != nil {
		return err
	}

	createdAt := p.now()
	expiresAt := createdAt.Add(p.ttl)
	meta := &metadb.Meta{
		Size:        size,
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		ContentType: contentType,
	}
	if err := p.db.PutMeta(ctx, key, meta); err != nil {
		return err
	}
	if err := p.db.ZAdd(ctx, ttlSetKey(p.name), key, scoreAt(expiresAt)); err != nil {
		return err
	}

	if total, err := p.db.IncrBy(ctx, totalSizeKey(p.name), size-oldSize); err == nil {
		metrics.StorageSizeBytes.WithLabelValues(p.name).Set(float64(total))
	}
	return nil
}

// sweepLoop 周期性清除过期条目。清扫幂等，可与读路径并发：
// 存储删除不截断已打开的读者。
func (p *ttlPolicy) sweepLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮过期清理，返回删除的条目数。
func (p *ttlPolicy) Sweep(ctx context.Context) int {
	removed := 0
	for {
		expired, err := p.db.ZRangeByScore(ctx, ttlSetKey(p.name), math.Inf(-1), scoreAt(p.now()), sweepBatchSize)
		if err != nil {
			p.logger.WithError(err).WithFields(logrus.Fields{
				"action": "ttl_sweep",
				"policy": p.name,
			}).Warn("expiry_scan_failed")
			return removed
		}
		if len(expired) == 0 {
			return removed
		}
		for _, key := range expired {
			var size int64
			if meta, err := p.db.GetMeta(ctx, key); err == nil {
				size = meta.Size
			}
			p.removeEntry(ctx, key, size)
			removed++
			p.logger.WithFields(logrus.Fields{
				"action": "ttl_sweep",
				"policy": p.name,
				"key":    key,
			}).Info("expired_entry_removed")
		}
		if len(expired) < sweepBatchSize {
			return removed
		}
	}
}

func (p *ttlPolicy) removeEntry(ctx context.Context, key string, size int64) {
	if err := p.db.DelMeta(ctx, key); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"action": "ttl_remove",
			"policy": p.name,
			"key":    key,
		}).Warn("meta_delete_failed")
		return
	}
	_ = p.db.ZRem(ctx, ttlSetKey(p.name), key)
	if err := p.store.Del(ctx, key); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"action": "ttl_remove",
			"policy": p.name,
			"key":    key,
		}).Warn("blob_delete_failed")
	} else {
		metrics.FilesRemoved.Inc()
	}
	if total, err := p.db.IncrBy(ctx, totalSizeKey(p.name), -size); err == nil {
		metrics.StorageSizeBytes.WithLabelValues(p.name).Set(float64(total))
	}
}

func (p *ttlPolicy) Reconcile(ctx context.Context) error {
	return reconcileOrphans(ctx, p.name, p.db, p.store, p.logger)
}

func (p *ttlPolicy) Close() error {
	p.cancel()
	p.wg.Wait()
	return nil
}
