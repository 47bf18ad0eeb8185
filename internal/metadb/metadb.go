package metadb

import (
	"context"
	"errors"
	"time"
)

// Meta 描述单个缓存条目的元数据，payload 本体由 storage 层持有。
// LastAccessAt 仅 LRU 策略维护，ExpiresAt 仅 TTL 策略维护。
type Meta struct {
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessAt time.Time `json:"last_access_at,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	ContentType  string    `json:"content_type,omitempty"`
}

// ScoredMember 是 ZPopMin 的返回单元。
type ScoredMember struct {
	Member string
	Score  float64
}

// MetaDB 抽象缓存元数据的 KV + 有序集合存储。两个实现可互换：
// 嵌入式（bbolt，单进程持久化）与远程（Redis，多进程可用）。
// 单 key 操作与单个有序集合上的 ZAdd/ZRem/ZPopMin 均为原子；
// 跨 key 的多步更新不保证事务性，由策略层容忍中途崩溃。
type MetaDB interface {
	// GetMeta 返回指定 key 的元数据，不存在时返回 ErrMetaNotFound。
	GetMeta(ctx context.Context, key string) (*Meta, error)

	// PutMeta 原子替换指定 key 的元数据记录。
	PutMeta(ctx context.Context, key string, meta *Meta) error

	// DelMeta 删除元数据记录，key 不存在时静默成功。
	DelMeta(ctx context.Context, key string) error

	// ZAdd 插入或更新成员分数。
	ZAdd(ctx context.Context, set, member string, score float64) error

	// ZRem 移除成员，成员不存在时静默成功。
	ZRem(ctx context.Context, set, member string) error

	// ZRangeByScore 返回分数在 [lo, hi] 区间内的成员，按分数升序，最多 limit 个。
	ZRangeByScore(ctx context.Context, set string, lo, hi float64, limit int64) ([]string, error)

	// ZPopMin 移除并返回分数最小的 n 个成员。
	ZPopMin(ctx context.Context, set string, n int64) ([]ScoredMember, error)

	// IncrBy 对计数器执行原子增减，返回新值。
	IncrBy(ctx context.Context, counter string, delta int64) (int64, error)

	// GetCounter 读取计数器当前值，未初始化时返回 0。
	GetCounter(ctx context.Context, counter string) (int64, error)

	Close() error
}

// ErrMetaNotFound 表示元数据记录不存在。
var ErrMetaNotFound = errors.New("metadata record not found")

// ErrMetaUnavailable 表示元数据库不可用，策略层据此降级：
// 读路径视作 miss，写路径拒绝持久化但仍向调用方返回正文。
var ErrMetaUnavailable = errors.New("metadata store unavailable")
