package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

// PolicyCache is a read-through cache over the versioned policy store.
// Lookups by the hot path (latest version per policy) go here first; the
// clear_cache rollback operation and every policy mutation invalidate the
// affected keys. A nil *Cache is a valid no-op cache so callers never need
// to branch on whether Redis is configured.
type PolicyCache interface {
	GetLatest(ctx context.Context, policyID string) (*types.PolicyVersion, bool)
	SetLatest(ctx context.Context, pv *types.PolicyVersion)
	Invalidate(ctx context.Context, policyIDs []string) error
	Ping(ctx context.Context) error
	Close() error
}

type policyCache struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

// New connects to REDIS_ADDR and verifies the connection with a ping.
// Returns (nil, nil) when REDIS_ADDR is unset: the cache is optional and
// the caller wires a Noop in that case.
func New(log *logger.Logger) (PolicyCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, nil
	}
	ttlSeconds := 300
	if v := strings.TrimSpace(os.Getenv("POLICY_CACHE_TTL_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ttlSeconds = n
		}
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &policyCache{
		log: log.With("service", "PolicyCache"),
		rdb: rdb,
		ttl: time.Duration(ttlSeconds) * time.Second,
	}, nil
}

func latestKey(policyID string) string { return "policy:latest:" + policyID }

func (c *policyCache) GetLatest(ctx context.Context, policyID string) (*types.PolicyVersion, bool) {
	if c == nil || c.rdb == nil || policyID == "" {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, latestKey(policyID)).Bytes()
	if err != nil {
		return nil, false
	}
	var pv types.PolicyVersion
	if err := json.Unmarshal(raw, &pv); err != nil {
		// Stale encoding; drop the key rather than serve garbage.
		_ = c.rdb.Del(ctx, latestKey(policyID)).Err()
		return nil, false
	}
	return &pv, true
}

func (c *policyCache) SetLatest(ctx context.Context, pv *types.PolicyVersion) {
	if c == nil || c.rdb == nil || pv == nil || pv.PolicyID == "" {
		return
	}
	raw, err := json.Marshal(pv)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, latestKey(pv.PolicyID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("policy cache set failed", "policy_id", pv.PolicyID, "error", err)
	}
}

func (c *policyCache) Invalidate(ctx context.Context, policyIDs []string) error {
	if c == nil || c.rdb == nil || len(policyIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(policyIDs))
	for _, id := range policyIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		keys = append(keys, latestKey(id))
	}
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *policyCache) Ping(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return fmt.Errorf("policy cache not initialized")
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *policyCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Noop satisfies PolicyCache for deployments without Redis. Invalidate
// succeeds so clear_cache operations stay non-fatal.
type Noop struct{}

func (Noop) GetLatest(ctx context.Context, policyID string) (*types.PolicyVersion, bool) {
	return nil, false
}
func (Noop) SetLatest(ctx context.Context, pv *types.PolicyVersion)   {}
func (Noop) Invalidate(ctx context.Context, policyIDs []string) error { return nil }
func (Noop) Ping(ctx context.Context) error                           { return nil }
func (Noop) Close() error                                             { return nil }
