package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/pkg/utils"
)

// LeagueCacheRepoImpl provides the ExistenceCache and CacheReporter on PostgreSQL.
type LeagueCacheRepoImpl struct {
	db *pgxpool.Pool
}

// NewLeagueCacheRepo creates a new instance of LeagueCacheRepoImpl.
func NewLeagueCacheRepo(db *pgxpool.Pool) *LeagueCacheRepoImpl {
	return &LeagueCacheRepoImpl{db: db}
}

const cacheColumns = `season_year, district, league_class, age_class, gender,
	league_id, league_name, district_name, league_exists, match_count, team_count, last_checked`

// Lookup returns the cached answer for key, or repository.ErrCacheMiss.
func (r *LeagueCacheRepoImpl) Lookup(ctx context.Context, key entity.ProbeKey) (*entity.LeagueCacheEntry, error) {
	query := `
		SELECT ` + cacheColumns + `
		FROM league_cache
		WHERE season_year = $1 AND district = $2 AND league_class = $3 AND age_class = $4 AND gender = $5;
	`
	row := r.db.QueryRow(ctx, query, key.Season, key.District, key.LeagueClass, key.AgeClass, key.Gender)

	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", repository.ErrStorageFailure, key, err)
	}
	return entry, nil
}

// Upsert stores or replaces the answer for key.
func (r *LeagueCacheRepoImpl) Upsert(ctx context.Context, key entity.ProbeKey, exists bool, meta entity.LeagueMetadata, checkedAt time.Time) error {
	query := `
		INSERT INTO league_cache (season_year, district, league_class, age_class, gender,
			league_id, league_name, district_name, league_exists, match_count, team_count, last_checked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (season_year, district, league_class, age_class, gender) DO UPDATE SET
			league_id = EXCLUDED.league_id,
			league_name = EXCLUDED.league_name,
			district_name = EXCLUDED.district_name,
			league_exists = EXCLUDED.league_exists,
			match_count = EXCLUDED.match_count,
			team_count = EXCLUDED.team_count,
			last_checked = EXCLUDED.last_checked;
	`
	_, err := r.db.Exec(ctx, query,
		key.Season, key.District, key.LeagueClass, key.AgeClass, key.Gender,
		optional(meta.LeagueID),
		optional(meta.LeagueName),
		optional(meta.DistrictName),
		exists,
		meta.MatchCount,
		meta.TeamCount,
		checkedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", repository.ErrStorageFailure, key, err)
	}
	return nil
}

func (r *LeagueCacheRepoImpl) ListLeagues(ctx context.Context, limit int) ([]entity.LeagueCacheEntry, error) {
	query := `
		SELECT ` + cacheColumns + `
		FROM league_cache
		WHERE league_exists
		ORDER BY season_year DESC, league_name, league_id
		LIMIT $1;
	`
	return r.queryEntries(ctx, "list leagues", query, limitOrAll(limit))
}

func (r *LeagueCacheRepoImpl) SearchLeagues(ctx context.Context, term string, limit int) ([]entity.LeagueCacheEntry, error) {
	query := `
		SELECT ` + cacheColumns + `
		FROM league_cache
		WHERE league_exists
			AND (league_name ILIKE $1 ESCAPE '\' OR district_name ILIKE $1 ESCAPE '\' OR league_id = $2)
		ORDER BY season_year DESC, league_name, league_id
		LIMIT $3;
	`
	return r.queryEntries(ctx, "search leagues", query, utils.ContainsPattern(term), term, limitOrAll(limit))
}

func (r *LeagueCacheRepoImpl) CacheStats(ctx context.Context) (entity.CacheStats, error) {
	var stats entity.CacheStats
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE league_exists)
		FROM league_cache;
	`).Scan(&stats.Total, &stats.Existing)
	if err != nil {
		return stats, fmt.Errorf("%w: cache stats: %w", repository.ErrStorageFailure, err)
	}
	stats.NonExisting = stats.Total - stats.Existing

	rows, err := r.db.Query(ctx, `
		SELECT season_year, COUNT(*), COUNT(*) FILTER (WHERE league_exists)
		FROM league_cache
		GROUP BY season_year
		ORDER BY season_year DESC;
	`)
	if err != nil {
		return stats, fmt.Errorf("%w: cache stats by season: %w", repository.ErrStorageFailure, err)
	}
	defer rows.Close()

	for rows.Next() {
		var s entity.SeasonStats
		if err := rows.Scan(&s.Season, &s.Checked, &s.Existing); err != nil {
			return stats, fmt.Errorf("%w: cache stats by season: %w", repository.ErrStorageFailure, err)
		}
		stats.BySeason = append(stats.BySeason, s)
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("%w: cache stats by season: %w", repository.ErrStorageFailure, err)
	}
	return stats, nil
}

// CleanOlderThan removes entries that were last checked before cutoff.
func (r *LeagueCacheRepoImpl) CleanOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM league_cache WHERE last_checked < $1;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: clean cache: %w", repository.ErrStorageFailure, err)
	}
	return tag.RowsAffected(), nil
}

func (r *LeagueCacheRepoImpl) queryEntries(ctx context.Context, op, query string, args ...any) ([]entity.LeagueCacheEntry, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", repository.ErrStorageFailure, op, err)
	}
	defer rows.Close()

	var entries []entity.LeagueCacheEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", repository.ErrStorageFailure, op, err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", repository.ErrStorageFailure, op, err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*entity.LeagueCacheEntry, error) {
	var (
		e                              entity.LeagueCacheEntry
		leagueID, leagueName, district *string
	)
	err := row.Scan(
		&e.Key.Season, &e.Key.District, &e.Key.LeagueClass, &e.Key.AgeClass, &e.Key.Gender,
		&leagueID, &leagueName, &district,
		&e.Exists, &e.MatchCount, &e.TeamCount, &e.LastChecked,
	)
	if err != nil {
		return nil, err
	}
	e.LeagueID = deref(leagueID)
	e.LeagueName = deref(leagueName)
	e.DistrictName = deref(district)
	return &e, nil
}
