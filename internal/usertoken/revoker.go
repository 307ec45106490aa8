package usertoken

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revoker is a deny list of token IDs (jti). Entries live as long as the token would.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryRevoker only protects a single API instance.
type MemoryRevoker struct {
	mu      sync.Mutex
	expires map[string]time.Time
}

func NewMemoryRevoker() *MemoryRevoker {
	return &MemoryRevoker{expires: make(map[string]time.Time)}
}

func (r *MemoryRevoker) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, exp := range r.expires {
		if now.After(exp) {
			delete(r.expires, id)
		}
	}
	r.expires[tokenID] = now.Add(ttl)
	return nil
}

func (r *MemoryRevoker) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.expires[tokenID]
	return ok && time.Now().Before(exp), nil
}

// RedisRevoker shares the deny list across API instances.
type RedisRevoker struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisRevoker(addr, password string) *RedisRevoker {
	return &RedisRevoker{
		rdb:    redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: "lexcomply:revoked:",
	}
}

func (r *RedisRevoker) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	return r.rdb.Set(ctx, r.prefix+tokenID, 1, ttl).Err()
}

// IsRevoked fails closed: a redis error is returned, and the caller rejects the request.
func (r *RedisRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, r.prefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisRevoker) Close() error {
	return r.rdb.Close()
}
