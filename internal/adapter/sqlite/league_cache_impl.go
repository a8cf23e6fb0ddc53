package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/pkg/utils"
)

// LeagueCacheRepoImpl implements repository.ExistenceCache and
// repository.CacheReporter on the league_cache table.
type LeagueCacheRepoImpl struct {
	db  *sql.DB
	now func() time.Time
}

func NewLeagueCacheRepo(db *sql.DB) *LeagueCacheRepoImpl {
	return &LeagueCacheRepoImpl{db: db, now: time.Now}
}

const cacheColumns = `season_year, district, league_class, age_class, gender,
	league_id, league_name, district_name, league_exists, match_count, team_count, last_checked`

func (r *LeagueCacheRepoImpl) Lookup(ctx context.Context, key entity.ProbeKey) (*entity.LeagueCacheEntry, error) {
	query := `SELECT ` + cacheColumns + `
		FROM league_cache
		WHERE season_year = ? AND district = ? AND league_class = ? AND age_class = ? AND gender = ?`
	row := r.db.QueryRowContext(ctx, query, key.Season, key.District, key.LeagueClass, key.AgeClass, key.Gender)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %w", repository.ErrStorageFailure, key, err)
	}
	return entry, nil
}

// Upsert stores the answer for key, replacing any previous one. created_at
// keeps the time the key was first answered.
func (r *LeagueCacheRepoImpl) Upsert(ctx context.Context, key entity.ProbeKey, exists bool, meta entity.LeagueMetadata, checkedAt time.Time) error {
	query := `
		INSERT INTO league_cache (season_year, district, league_class, age_class, gender,
			league_id, league_name, district_name, league_exists, match_count, team_count, last_checked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (season_year, district, league_class, age_class, gender) DO UPDATE SET
			league_id = excluded.league_id,
			league_name = excluded.league_name,
			district_name = excluded.district_name,
			league_exists = excluded.league_exists,
			match_count = excluded.match_count,
			team_count = excluded.team_count,
			last_checked = excluded.last_checked`

	_, err := r.db.ExecContext(ctx, query,
		key.Season, key.District, key.LeagueClass, key.AgeClass, key.Gender,
		nullString(meta.LeagueID),
		nullString(meta.LeagueName),
		nullString(meta.DistrictName),
		exists,
		meta.MatchCount,
		meta.TeamCount,
		formatTime(checkedAt),
		formatTime(r.now()),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %w", repository.ErrStorageFailure, key, err)
	}
	return nil
}

// ListLeagues returns known existing leagues, newest season first.
func (r *LeagueCacheRepoImpl) ListLeagues(ctx context.Context, limit int) ([]entity.LeagueCacheEntry, error) {
	query := `SELECT ` + cacheColumns + `
		FROM league_cache
		WHERE league_exists = 1
		ORDER BY season_year DESC, league_name, league_id
		LIMIT ?`
	return r.queryEntries(ctx, "list leagues", query, limitOrAll(limit))
}

// SearchLeagues matches term against league and district names (case
// insensitive) or an exact league id.
func (r *LeagueCacheRepoImpl) SearchLeagues(ctx context.Context, term string, limit int) ([]entity.LeagueCacheEntry, error) {
	query := `SELECT ` + cacheColumns + `
		FROM league_cache
		WHERE league_exists = 1
			AND (league_name LIKE ? ESCAPE '\' OR district_name LIKE ? ESCAPE '\' OR league_id = ?)
		ORDER BY season_year DESC, league_name, league_id
		LIMIT ?`
	pattern := utils.ContainsPattern(term)
	return r.queryEntries(ctx, "search leagues", query, pattern, pattern, term, limitOrAll(limit))
}

func (r *LeagueCacheRepoImpl) CacheStats(ctx context.Context) (entity.CacheStats, error) {
	var stats entity.CacheStats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(league_exists), 0)
		FROM league_cache`).Scan(&stats.Total, &stats.Existing)
	if err != nil {
		return stats, fmt.Errorf("%w: cache stats: %w", repository.ErrStorageFailure, err)
	}
	stats.NonExisting = stats.Total - stats.Existing

	rows, err := r.db.QueryContext(ctx, `
		SELECT season_year, COUNT(*), COALESCE(SUM(league_exists), 0)
		FROM league_cache
		GROUP BY season_year
		ORDER BY season_year DESC`)
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

func (r *LeagueCacheRepoImpl) CleanOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM league_cache WHERE last_checked < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("%w: clean cache: %w", repository.ErrStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: clean cache: %w", repository.ErrStorageFailure, err)
	}
	return n, nil
}

func (r *LeagueCacheRepoImpl) queryEntries(ctx context.Context, op, query string, args ...any) ([]entity.LeagueCacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*entity.LeagueCacheEntry, error) {
	var (
		e                              entity.LeagueCacheEntry
		leagueID, leagueName, district sql.NullString
		lastChecked                    string
	)
	err := row.Scan(
		&e.Key.Season, &e.Key.District, &e.Key.LeagueClass, &e.Key.AgeClass, &e.Key.Gender,
		&leagueID, &leagueName, &district,
		&e.Exists, &e.MatchCount, &e.TeamCount, &lastChecked,
	)
	if err != nil {
		return nil, err
	}
	e.LeagueID = leagueID.String
	e.LeagueName = leagueName.String
	e.DistrictName = district.String
	if e.LastChecked, err = parseTime(lastChecked); err != nil {
		return nil, err
	}
	return &e, nil
}

// SQLite treats a negative LIMIT as unbounded.
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
