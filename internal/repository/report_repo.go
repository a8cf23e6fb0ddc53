package repository

import (
	"context"
	"time"

	"github.com/user/league-discovery/internal/entity"
)

// CacheReporter is the read side of the existence cache used by reports.
type CacheReporter interface {
	ListLeagues(ctx context.Context, limit int) ([]entity.LeagueCacheEntry, error)
	SearchLeagues(ctx context.Context, term string, limit int) ([]entity.LeagueCacheEntry, error)
	CacheStats(ctx context.Context) (entity.CacheStats, error)
	// CleanOlderThan deletes entries last checked before cutoff and returns how many.
	CleanOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionReporter is the read side of the crawl telemetry.
type SessionReporter interface {
	RecentSessions(ctx context.Context, limit int) ([]entity.CrawlSession, error)
	SessionDetails(ctx context.Context, sessionID string) (*entity.SessionDetails, error)
	SearchLogs(ctx context.Context, filter entity.LogFilter) ([]entity.LogEntry, error)
}
