package repository

import (
	"context"
	"time"

	"github.com/user/league-discovery/internal/entity"
)

// ExistenceCache is the durable key -> outcome store shared across runs.
type ExistenceCache interface {
	// Lookup is a pure read. It returns ErrCacheMiss when the key was never answered.
	Lookup(ctx context.Context, key entity.ProbeKey) (*entity.LeagueCacheEntry, error)
	// Upsert overwrites any previous entry for the key (last write wins).
	Upsert(ctx context.Context, key entity.ProbeKey, exists bool, meta entity.LeagueMetadata, checkedAt time.Time) error
}
