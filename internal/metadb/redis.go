package metadb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const redisMetaPrefix = "meta:"

// NewRedis 根据 redis URL 构建远程 MetaDB，多进程部署时共享同一份元数据。
func NewRedis(rawURL string) (MetaDB, error) {
	if rawURL == "" {
		return nil, errors.New("redis url required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &redisMetaDB{client: redis.NewClient(opts)}, nil
}

// NewRedisWithClient 复用已有客户端，便于测试注入 miniredis。
func NewRedisWithClient(client *redis.Client) MetaDB {
	return &redisMetaDB{client: client}
}

type redisMetaDB struct {
	client *redis.Client
}

func (r *redisMetaDB) GetMeta(ctx context.Context, key string) (*Meta, error) {
	data, err := r.client.Get(ctx, redisMetaPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMetaNotFound
		}
		return nil, wrapUnavailable("get", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, wrapUnavailable("decode", err)
	}
	return &meta, nil
}

func (r *redisMetaDB) PutMeta(ctx context.Context, key string, meta *Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return wrapUnavailable("encode", err)
	}
	if err := r.client.Set(ctx, redisMetaPrefix+key, data, 0).Err(); err != nil {
		return wrapUnavailable("set", err)
	}
	return nil
}

func (r *redisMetaDB) DelMeta(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, redisMetaPrefix+key).Err(); err != nil {
		return wrapUnavailable("del", err)
	}
	return nil
}

func (r *redisMetaDB) ZAdd(ctx context.Context, set, member string, score float64) error {
	if err := r.client.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return wrapUnavailable("zadd", err)
	}
	return nil
}

func (r *redisMetaDB) ZRem(ctx context.Context, set, member string) error {
	if err := r.client.ZRem(ctx, set, member).Err(); err != nil {
		return wrapUnavailable("zrem", err)
	}
	return nil
}

func (r *redisMetaDB) ZRangeByScore(ctx context.Context, set string, lo, hi float64, limit int64) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min:   formatScore(lo),
		Max:   formatScore(hi),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, wrapUnavailable("zrangebyscore", err)
	}
	return members, nil
}

func (r *redisMetaDB) ZPopMin(ctx context.Context, set string, n int64) ([]ScoredMember, error) {
	popped, err := r.client.ZPopMin(ctx, set, n).Result()
	if err != nil {
		return nil, wrapUnavailable("zpopmin", err)
	}
	result := make([]ScoredMember, 0, len(popped))
	for _, z := range popped {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		result = append(result, ScoredMember{Member: member, Score: z.Score})
	}
	return result, nil
}

func (r *redisMetaDB) IncrBy(ctx context.Context, counter string, delta int64) (int64, error) {
	value, err := r.client.IncrBy(ctx, counter, delta).Result()
	if err != nil {
		return 0, wrapUnavailable("incrby", err)
	}
	return value, nil
}

func (r *redisMetaDB) GetCounter(ctx context.Context, counter string) (int64, error) {
	raw, err := r.client.Get(ctx, counter).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, wrapUnavailable("get", err)
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, wrapUnavailable("decode", err)
	}
	return value, nil
}

func (r *redisMetaDB) Close() error {
	return r.client.Close()
}

func formatScore(score float64) string {
	switch {
	case math.IsInf(score, -1):
		return "-inf"
	case math.IsInf(score, 1):
		return "+inf"
	default:
		return strconv.FormatFloat(score, 'f', -1, 64)
	}
}

func wrapUnavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrMetaUnavailable, op, err)
}
