package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker remembers access tokens signed out through this service until
// they would have expired anyway.
type TokenRevoker interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// MemoryTokenRevoker keeps revoked tokens in-memory (single instance only).
type MemoryTokenRevoker struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	now    func() time.Time
}

// NewMemoryTokenRevoker builds an in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Revoke marks a token as revoked for ttl.
func (r *MemoryTokenRevoker) Revoke(_ context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for key, expiry := range r.tokens {
		if now.After(expiry) {
			delete(r.tokens, key)
		}
	}
	r.tokens[tokenDigest(token)] = now.Add(ttl)
	return nil
}

// IsRevoked checks if the token is revoked.
func (r *MemoryTokenRevoker) IsRevoked(_ context.Context, token string) (bool, error) {
	key := tokenDigest(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[key]
	if !ok {
		return false, nil
	}
	if r.now().After(expiry) {
		delete(r.tokens, key)
		return false, nil
	}
	return true, nil
}

// RedisTokenRevoker stores revoked token digests in Redis with TTL.
type RedisTokenRevoker struct {
	client *redis.Client
	prefix string
}

// NewRedisTokenRevoker builds a Redis-backed revoker.
func NewRedisTokenRevoker(addr, password, prefix string) *RedisTokenRevoker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sciecho:revoked"
	}
	return &RedisTokenRevoker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
	}
}

// Close closes the Redis client.
func (r *RedisTokenRevoker) Close() error {
	return r.client.Close()
}

// Revoke marks a token as revoked for ttl.
func (r *RedisTokenRevoker) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, r.key(token), "1", ttl).Err()
}

// IsRevoked checks if the token is revoked.
func (r *RedisTokenRevoker) IsRevoked(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := r.client.Exists(ctx, r.key(token)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

func (r *RedisTokenRevoker) key(token string) string {
	return r.prefix + ":" + tokenDigest(token)
}

// tokenDigest keeps raw bearer tokens out of memory maps and Redis keys.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
