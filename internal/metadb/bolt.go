package metadb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("meta")
	bucketCounters = []byte("counters")
)

// NewBolt 打开（必要时创建）嵌入式 MetaDB。单进程持久化场景使用，
// 布局：meta 桶存 JSON 元数据，每个有序集合一对桶（score 序 + 成员索引），
// counters 桶存计数器。
func NewBolt(path string) (MetaDB, error) {
	if path == "" {
		return nil, fmt.Errorf("metadata path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketCounters} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init metadata buckets: %w", err)
	}

	return &boltMetaDB{db: db}, nil
}

// boltMetaDB 在 bbolt 上实现有序集合：
//
//	zset:<set>  (8 字节大端 score 编码 + 0x00 + member) -> nil，按分数序遍历
//	zidx:<set>  member -> score 编码，用于更新/删除时反查旧分数
//
// 每个操作单事务完成，满足单集合原子性要求。
type boltMetaDB struct {
	db *bolt.DB
}

func (b *boltMetaDB) GetMeta(ctx context.Context, key string) (*Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var meta *Meta
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(key))
		if data == nil {
			return ErrMetaNotFound
		}
		meta = &Meta{}
		return json.Unmarshal(data, meta)
	})
	if err != nil {
		if err == ErrMetaNotFound {
			return nil, err
		}
		return nil, boltUnavailable("get", err)
	}
	return meta, nil
}

func (b *boltMetaDB) PutMeta(ctx context.Context, key string, meta *Meta) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return boltUnavailable("encode", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), data)
	})
	if err != nil {
		return boltUnavailable("put", err)
	}
	return nil
}

func (b *boltMetaDB) DelMeta(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Delete([]byte(key))
	})
	if err != nil {
		return boltUnavailable("del", err)
	}
	return nil
}

func (b *boltMetaDB) ZAdd(ctx context.Context, set, member string, score float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		zset, zidx, err := zsetBuckets(tx, set)
		if err != nil {
			return err
		}
		memberKey := []byte(member)
		if old := zidx.Get(memberKey); old != nil {
			if err := zset.Delete(compositeKey(old, memberKey)); err != nil {
				return err
			}
		}
		encoded := encodeScore(score)
		if err := zset.Put(compositeKey(encoded, memberKey), nil); err != nil {
			return err
		}
		return zidx.Put(memberKey, encoded)
	})
	if err != nil {
		return boltUnavailable("zadd", err)
	}
	return nil
}

func (b *boltMetaDB) ZRem(ctx context.Context, set, member string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		zset, zidx, err := zsetBuckets(tx, set)
		if err != nil {
			return err
		}
		memberKey := []byte(member)
		old := zidx.Get(memberKey)
		if old == nil {
			return nil
		}
		if err := zset.Delete(compositeKey(old, memberKey)); err != nil {
			return err
		}
		return zidx.Delete(memberKey)
	})
	if err != nil {
		return boltUnavailable("zrem", err)
	}
	return nil
}

func (b *boltMetaDB) ZRangeByScore(ctx context.Context, set string, lo, hi float64, limit int64) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var members []string
	err := b.db.View(func(tx *bolt.Tx) error {
		zset := tx.Bucket(zsetBucketName(set))
		if zset == nil {
			return nil
		}
		cursor := zset.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			score, member, ok := splitCompositeKey(k)
			if !ok {
				continue
			}
			if score < lo {
				continue
			}
			if score > hi {
				break
			}
			members = append(members, member)
			if limit > 0 && int64(len(members)) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, boltUnavailable("zrangebyscore", err)
	}
	return members, nil
}

func (b *boltMetaDB) ZPopMin(ctx context.Context, set string, n int64) ([]ScoredMember, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var popped []ScoredMember
	err := b.db.Update(func(tx *bolt.Tx) error {
		zset, zidx, err := zsetBuckets(tx, set)
		if err != nil {
			return err
		}
		// 每次弹出后重新定位 First，避免游标跨删除迭代
		for int64(len(popped)) < n {
			k, _ := zset.Cursor().First()
			if k == nil {
				return nil
			}
			score, member, ok := splitCompositeKey(k)
			if err := zset.Delete(k); err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := zidx.Delete([]byte(member)); err != nil {
				return err
			}
			popped = append(popped, ScoredMember{Member: member, Score: score})
		}
		return nil
	})
	if err != nil {
		return nil, boltUnavailable("zpopmin", err)
	}
	return popped, nil
}

func (b *boltMetaDB) IncrBy(ctx context.Context, counter string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var value int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		key := []byte(counter)
		if raw := bucket.Get(key); raw != nil {
			parsed, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return err
			}
			value = parsed
		}
		value += delta
		return bucket.Put(key, strconv.AppendInt(nil, value, 10))
	})
	if err != nil {
		return 0, boltUnavailable("incrby", err)
	}
	return value, nil
}

func (b *boltMetaDB) GetCounter(ctx context.Context, counter string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var value int64
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCounters).Get([]byte(counter))
		if raw == nil {
			return nil
		}
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return err
		}
		value = parsed
		return nil
	})
	if err != nil {
		return 0, boltUnavailable("get_counter", err)
	}
	return value, nil
}

func (b *boltMetaDB) Close() error {
	return b.db.Close()
}

func zsetBucketName(set string) []byte {
	return []byte("zset:" + set)
}

func zidxBucketName(set string) []byte {
	return []byte("zidx:" + set)
}

func zsetBuckets(tx *bolt.Tx, set string) (*bolt.Bucket, *bolt.Bucket, error) {
	zset, err := tx.CreateBucketIfNotExists(zsetBucketName(set))
	if err != nil {
		return nil, nil, err
	}
	zidx, err := tx.CreateBucketIfNotExists(zidxBucketName(set))
	if err != nil {
		return nil, nil, err
	}
	return zset, zidx, nil
}

// encodeScore 将非负 float64 编码为按字节序可比较的 8 字节大端形式。
// 分数均为 Unix 时间戳或字节数，恒为非负。
func encodeScore(score float64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(score))
	return buf
}

func decodeScore(raw []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(raw))
}

func compositeKey(encodedScore, member []byte) []byte {
	key := make([]byte, 0, len(encodedScore)+1+len(member))
	key = append(key, encodedScore...)
	key = append(key, 0)
	key = append(key, member...)
	return key
}

func splitCompositeKey(key []byte) (float64, string, bool) {
	if len(key) < 9 || key[8] != 0 {
		return 0, "", false
	}
	return decodeScore(key[:8]), string(key[9:]), true
}

func boltUnavailable(op string, err error) error {
	return fmt.Errorf("%w: bolt %s: %v", ErrMetaUnavailable, op, err)
}
