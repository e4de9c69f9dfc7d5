package exemption

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// missingMarker caches the absence of a policy so unknown accounts do not hit
// the backing source on every request.
const missingMarker = "-"

// CachedSource is a read-through redis cache in front of another Source.
// Redis failures degrade to direct lookups.
type CachedSource struct {
	next   Source
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSource(next Source, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{
		next:   next,
		redis:  client,
		prefix: "credit:exemption:",
		ttl:    ttl,
		logger: logger.With("component", "exemption_cache"),
	}
}

func (c *CachedSource) key(accountID string) string { return c.prefix + accountID }

func (c *CachedSource) Lookup(ctx context.Context, accountID string) (*Policy, error) {
	raw, err := c.redis.Get(ctx, c.key(accountID)).Result()
	switch {
	case err == nil:
		if raw == missingMarker {
			return nil, nil
		}
		var p Policy
		if jerr := json.Unmarshal([]byte(raw), &p); jerr == nil {
			return &p, nil
		}
		c.logger.WarnContext(ctx, "exemption_cache_corrupt", "account_id", accountID)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.WarnContext(ctx, "exemption_cache_unavailable", "error", err)
	}

	p, err := c.next.Lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}

	value := missingMarker
	if p != nil {
		encoded, err := json.Marshal(p)
		if err != nil {
			return p, nil
		}
		value = string(encoded)
	}
	if err := c.redis.Set(ctx, c.key(accountID), value, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "exemption_cache_write_failed", "error", err)
	}
	return p, nil
}

// Invalidate drops the cached policy so the next lookup reads through.
func (c *CachedSource) Invalidate(ctx context.Context, accountID string) error {
	return c.redis.Del(ctx, c.key(accountID)).Err()
}
