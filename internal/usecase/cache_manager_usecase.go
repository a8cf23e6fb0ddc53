package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/pkg/utils"
)

// competitionPath is the portal's REST endpoint for one league, by league id.
const competitionPath = "/rest/competition/actual/id/"

var ErrInvalidAge = errors.New("age must not be negative")

// CacheManager is the maintenance side of the existence cache: inspection,
// reports, forced refresh by age and export of known leagues.
type CacheManager struct {
	cache          repository.ExistenceCache
	reporter       repository.CacheReporter
	competitionURL string
	logger         *zap.Logger
	now            func() time.Time
}

// NewCacheManager creates a CacheManager. Exported leagues link to the
// competition endpoint under portalBaseURL; an empty base omits the link.
func NewCacheManager(cache repository.ExistenceCache, reporter repository.CacheReporter, portalBaseURL string, logger *zap.Logger) *CacheManager {
	m := &CacheManager{
		cache:    cache,
		reporter: reporter,
		logger:   logger.Named("cache_manager"),
		now:      time.Now,
	}
	if portalBaseURL != "" {
		if u, err := utils.JoinURL(portalBaseURL, competitionPath); err == nil {
			m.competitionURL = u
		} else {
			m.logger.Warn("invalid portal base url, exports carry no api_url", zap.String("base_url", portalBaseURL), zap.Error(err))
		}
	}
	return m
}

// Status returns the cached answer for key, or repository.ErrCacheMiss.
func (m *CacheManager) Status(ctx context.Context, key entity.ProbeKey) (*entity.LeagueCacheEntry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return m.cache.Lookup(ctx, key)
}

// List returns existing leagues, newest season first. limit <= 0 means all.
func (m *CacheManager) List(ctx context.Context, limit int) ([]entity.LeagueCacheEntry, error) {
	return m.reporter.ListLeagues(ctx, limit)
}

// Search matches existing leagues by name, district or league id.
func (m *CacheManager) Search(ctx context.Context, term string, limit int) ([]entity.LeagueCacheEntry, error) {
	return m.reporter.SearchLeagues(ctx, term, limit)
}

func (m *CacheManager) Stats(ctx context.Context) (entity.CacheStats, error) {
	return m.reporter.CacheStats(ctx)
}

// Clean removes entries last checked more than olderThan ago, negatives
// included, so the next crawl probes those keys again. On error the count
// is what the durable store removed before the failure.
func (m *CacheManager) Clean(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, ErrInvalidAge
	}
	cutoff := m.now().Add(-olderThan)
	n, err := m.reporter.CleanOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Error("league cache clean incomplete", zap.Time("cutoff", cutoff), zap.Int64("removed", n), zap.Error(err))
		return n, err
	}
	m.logger.Info("cleaned league cache", zap.Time("cutoff", cutoff), zap.Int64("removed", n))
	return n, nil
}

// ExportedLeague is one element of the Export document.
type ExportedLeague struct {
	LeagueID     string    `json:"league_id"`
	SeasonYear   string    `json:"season_year"`
	MatchCount   int       `json:"match_count"`
	TeamCount    int       `json:"team_count"`
	LeagueName   string    `json:"league_name"`
	DistrictName string    `json:"district_name"`
	LastChecked  time.Time `json:"last_checked"`
	APIURL       string    `json:"api_url,omitempty"`
}

// Export writes every existing league as an indented JSON array and returns
// how many were written.
func (m *CacheManager) Export(ctx context.Context, w io.Writer) (int, error) {
	entries, err := m.reporter.ListLeagues(ctx, 0)
	if err != nil {
		return 0, err
	}
	out := make([]ExportedLeague, 0, len(entries))
	for _, e := range entries {
		l := ExportedLeague{
			LeagueID:     e.LeagueID,
			SeasonYear:   e.Key.Season,
			MatchCount:   e.MatchCount,
			TeamCount:    e.TeamCount,
			LeagueName:   e.LeagueName,
			DistrictName: e.DistrictName,
			LastChecked:  e.LastChecked,
		}
		if e.LeagueID != "" && m.competitionURL != "" {
			l.APIURL = m.competitionURL + url.PathEscape(e.LeagueID)
		}
		out = append(out, l)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return 0, fmt.Errorf("encode export: %w", err)
	}
	return len(out), nil
}
