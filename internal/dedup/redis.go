package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// setNXer is the slice of redis.Cmdable the ledger needs.
type setNXer interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLedger shares admissions across replicas with SET NX and a TTL equal to the retention window.
type RedisLedger struct {
	client    setNXer
	retention time.Duration
	prefix    string
}

// NewRedisLedger wraps a go-redis client.
func NewRedisLedger(client setNXer, retention time.Duration, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "mtf:dedup"
	}
	return &RedisLedger{client: client, retention: retention, prefix: prefix}
}

// NewRedisClient builds a client with the pool settings used elsewhere in the stack.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Admit sets the key only if absent.
func (l *RedisLedger) Admit(ctx context.Context, instrument, nonce string, now time.Time) (Result, error) {
	key := fmt.Sprintf("%s:%s:%s", l.prefix, instrument, nonce)
	ok, err := l.client.SetNX(ctx, key, now.UnixMilli(), l.retention).Result()
	if err != nil {
		return Duplicate, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return Duplicate, nil
	}
	return Accepted, nil
}
