package usecase

import (
	"context"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
)

const (
	defaultSessionLimit = 20
	defaultLogLimit     = 100
	maxLogLimit         = 1000
)

// AuditReader answers questions about past crawl sessions.
type AuditReader struct {
	sessions repository.SessionReporter
}

func NewAuditReader(sessions repository.SessionReporter) *AuditReader {
	return &AuditReader{sessions: sessions}
}

func (a *AuditReader) RecentSessions(ctx context.Context, limit int) ([]entity.CrawlSession, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	return a.sessions.RecentSessions(ctx, limit)
}

// SessionDetails returns repository.ErrSessionNotFound for an unknown id.
func (a *AuditReader) SessionDetails(ctx context.Context, sessionID string) (*entity.SessionDetails, error) {
	return a.sessions.SessionDetails(ctx, sessionID)
}

// SearchLogs returns matching log rows, newest first. The page size is
// clamped to [1, 1000].
func (a *AuditReader) SearchLogs(ctx context.Context, filter entity.LogFilter) ([]entity.LogEntry, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultLogLimit
	case filter.Limit > maxLogLimit:
		filter.Limit = maxLogLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return a.sessions.SearchLogs(ctx, filter)
}

// Statistics aggregates the most recent sessions for the dashboard.
func (a *AuditReader) Statistics(ctx context.Context, window int) (entity.CrawlStatistics, error) {
	if window <= 0 {
		window = defaultSessionLimit
	}
	sessions, err := a.sessions.RecentSessions(ctx, window)
	if err != nil {
		return entity.CrawlStatistics{}, err
	}
	stats := entity.CrawlStatistics{ByStatus: make(map[entity.SessionStatus]int)}
	for _, s := range sessions {
		stats.Sessions++
		stats.ByStatus[s.Status]++
		stats.TotalRequests += s.TotalRequests
		stats.SuccessfulRequests += s.SuccessfulRequests
		stats.FailedRequests += s.FailedRequests
		stats.LeaguesDiscovered += s.LeaguesDiscovered
		if stats.LastSession == nil || s.StartTime.After(stats.LastSession.StartTime) {
			last := s
			stats.LastSession = &last
		}
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	}
	return stats, nil
}
