package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/pkg/utils"
)

const leagueKeyPrefix = "leaguecache:"

// DurableCache is the store of record behind the Redis layer.
type DurableCache interface {
	repository.ExistenceCache
	repository.CacheReporter
}

// LayeredCache is a read-through, write-through Redis layer in front of a
// durable cache. Redis is only an accelerator: its failures are logged and the
// durable store answers instead.
type LayeredCache struct {
	client  *redis.Client
	durable DurableCache
	ttl     time.Duration
	logger  *zap.Logger
}

// NewLayeredCache creates a new instance of LayeredCache. Entries expire from
// Redis after ttl; the durable store keeps them.
func NewLayeredCache(client *redis.Client, durable DurableCache, ttl time.Duration, logger *zap.Logger) *LayeredCache {
	return &LayeredCache{client: client, durable: durable, ttl: ttl, logger: logger.Named("redis_cache")}
}

type cachedEntry struct {
	Exists       bool      `json:"exists"`
	LeagueID     string    `json:"league_id,omitempty"`
	LeagueName   string    `json:"league_name,omitempty"`
	DistrictName string    `json:"district_name,omitempty"`
	MatchCount   int       `json:"match_count"`
	TeamCount    int       `json:"team_count"`
	LastChecked  time.Time `json:"last_checked"`
}

// generateKey creates a consistent Redis key for a probe key by hashing it.
func (c *LayeredCache) generateKey(key entity.ProbeKey) string {
	return fmt.Sprintf("%s%s", leagueKeyPrefix, utils.HashKey(key.String()))
}

func (c *LayeredCache) Lookup(ctx context.Context, key entity.ProbeKey) (*entity.LeagueCacheEntry, error) {
	raw, err := c.client.Get(ctx, c.generateKey(key)).Bytes()
	switch {
	case err == nil:
		var ce cachedEntry
		if jsonErr := json.Unmarshal(raw, &ce); jsonErr == nil {
			return &entity.LeagueCacheEntry{
				Key:          key,
				Exists:       ce.Exists,
				LeagueID:     ce.LeagueID,
				LeagueName:   ce.LeagueName,
				DistrictName: ce.DistrictName,
				MatchCount:   ce.MatchCount,
				TeamCount:    ce.TeamCount,
				LastChecked:  ce.LastChecked,
			}, nil
		}
		c.logger.Warn("discarding undecodable redis entry", zap.String("key", key.String()))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("redis lookup failed, using durable store", zap.String("key", key.String()), zap.Error(err))
	}

	entry, err := c.durable.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, key, entry.Exists, entry.Metadata(), entry.LastChecked)
	return entry, nil
}

// Upsert writes the durable store first; the answer is only lost if that fails.
func (c *LayeredCache) Upsert(ctx context.Context, key entity.ProbeKey, exists bool, meta entity.LeagueMetadata, checkedAt time.Time) error {
	if err := c.durable.Upsert(ctx, key, exists, meta, checkedAt); err != nil {
		return err
	}
	c.fill(ctx, key, exists, meta, checkedAt)
	return nil
}

func (c *LayeredCache) fill(ctx context.Context, key entity.ProbeKey, exists bool, meta entity.LeagueMetadata, checkedAt time.Time) {
	raw, err := json.Marshal(cachedEntry{
		Exists:       exists,
		LeagueID:     meta.LeagueID,
		LeagueName:   meta.LeagueName,
		DistrictName: meta.DistrictName,
		MatchCount:   meta.MatchCount,
		TeamCount:    meta.TeamCount,
		LastChecked:  checkedAt,
	})
	if err != nil {
		return
	}
	// SETEX is atomic and sets the key with an expiry.
	if err := c.client.SetEx(ctx, c.generateKey(key), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("redis write failed", zap.String("key", key.String()), zap.Error(err))
	}
}

func (c *LayeredCache) ListLeagues(ctx context.Context, limit int) ([]entity.LeagueCacheEntry, error) {
	return c.durable.ListLeagues(ctx, limit)
}

func (c *LayeredCache) SearchLeagues(ctx context.Context, term string, limit int) ([]entity.LeagueCacheEntry, error) {
	return c.durable.SearchLeagues(ctx, term, limit)
}

func (c *LayeredCache) CacheStats(ctx context.Context) (entity.CacheStats, error) {
	return c.durable.CacheStats(ctx)
}

// CleanOlderThan cleans the durable store and drops the whole Redis layer so
// removed keys cannot be served from it. It refills on the next lookups.
// When the flush fails the removed count is returned with an error wrapping
// repository.ErrStorageFailure: Redis may still answer for removed keys.
func (c *LayeredCache) CleanOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.durable.CleanOlderThan(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if err := c.flush(ctx); err != nil {
		return n, fmt.Errorf("%w: removed %d entries but could not flush redis: %w", repository.ErrStorageFailure, n, err)
	}
	return n, nil
}

func (c *LayeredCache) flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, leagueKeyPrefix+"*", 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (c *LayeredCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
