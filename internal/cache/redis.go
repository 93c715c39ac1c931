// Package cache persists DATE_SHIFT offsets in Redis so that every process
// working on a scope shifts a subject's dates by the same amount.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// OffsetStore implements surrogate.OffsetStore on Redis. Keys hold only keyed
// subject digests and integer offsets.
type OffsetStore struct {
	client *redis.Client
	config *Config
	logger *zap.Logger

	claims atomic.Int64
	reused atomic.Int64
}

// NewOffsetStore connects to Redis and verifies the connection.
func NewOffsetStore(config *Config, logger *zap.Logger) (*OffsetStore, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns
	if config.KeyPrefix == "" {
		config.KeyPrefix = "phi-sentinel"
	}

	store := &OffsetStore{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.ping(ctx); err != nil {
		store.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Offset store initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("ttl", config.DefaultTTL))

	return store, nil
}

// ping tests the Redis connection
func (s *OffsetStore) ping(ctx context.Context) error {
	_, err := s.client.Ping(ctx).Result()
	return err
}

// ClaimOffset stores candidate unless an offset already exists for the
// subject, and returns the stored value.
func (s *OffsetStore) ClaimOffset(ctx context.Context, scope, subjectDigest string, candidate int) (int, error) {
	key := offsetKey(s.config.KeyPrefix, scope, subjectDigest)

	ok, err := s.client.SetNX(ctx, key, candidate, s.config.DefaultTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to claim offset: %w", err)
	}
	if ok {
		s.claims.Add(1)
		return candidate, nil
	}

	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// expired between SETNX and GET; claim again
		return s.ClaimOffset(ctx, scope, subjectDigest, candidate)
	} else if err != nil {
		return 0, fmt.Errorf("failed to read offset: %w", err)
	}
	off, err := parseOffset(val)
	if err != nil {
		s.logger.Error("Corrupt offset entry", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	s.reused.Add(1)
	return off, nil
}

// ClearScope removes every stored offset of a scope.
func (s *OffsetStore) ClearScope(ctx context.Context, scope string) (int, error) {
	pattern := scopePrefix(s.config.KeyPrefix, scope) + "*"

	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan offset keys: %w", err)
	}

	batchSize := 100
	for i := 0; i < len(keys); i += batchSize {
		end := i + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return 0, fmt.Errorf("failed to delete offset keys: %w", err)
		}
	}

	s.logger.Info("Offset scope cleared", zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// GetStats returns store usage statistics
func (s *OffsetStore) GetStats(ctx context.Context) (*Stats, error) {
	info, err := s.client.Info(ctx, "memory").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get Redis info: %w", err)
	}

	stats := &Stats{
		Claims:      s.claims.Load(),
		Reused:      s.reused.Load(),
		MemoryUsage: parseUsedMemory(info),
	}
	if keys, err := s.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats, nil
}

// Close closes the Redis connection
func (s *OffsetStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// scopePrefix hashes the scope so arbitrary scope ids stay valid key segments.
func scopePrefix(prefix, scope string) string {
	sum := sha256.Sum256([]byte(scope))
	return fmt.Sprintf("%s:off:%s:", prefix, hex.EncodeToString(sum[:])[:16])
}

func offsetKey(prefix, scope, subjectDigest string) string {
	return scopePrefix(prefix, scope) + subjectDigest
}

func parseOffset(val string) (int, error) {
	off, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", val, err)
	}
	if off == 0 {
		return 0, fmt.Errorf("invalid zero offset")
	}
	return off, nil
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\r\n") {
		if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
			if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				return mem
			}
		}
	}
	return 0
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(url string) string {
	scheme, rest := "", url
	if i := strings.Index(url, "://"); i >= 0 {
		scheme, rest = url[:i+3], url[i+3:]
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return url
	}
	colon := strings.Index(rest[:at], ":")
	if colon < 0 {
		return url
	}
	return scheme + rest[:colon+1] + "***" + rest[at:]
}
