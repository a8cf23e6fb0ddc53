package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/pkg/utils"
)

// SessionRepoImpl provides the SessionRecorder and SessionReporter on PostgreSQL.
type SessionRepoImpl struct {
	db  *pgxpool.Pool
	now func() time.Time
	mu  sync.Mutex // orders log inserts so their timestamps stay monotonic
}

// NewSessionRepo creates a new instance of SessionRepoImpl.
func NewSessionRepo(db *pgxpool.Pool) *SessionRepoImpl {
	return &SessionRepoImpl{db: db, now: time.Now}
}

func (r *SessionRepoImpl) Start(ctx context.Context, name, spiderName, configuration string) (string, error) {
	now := r.now()
	id := entity.NewSessionID(spiderName, now)
	_, err := r.db.Exec(ctx, `
		INSERT INTO crawl_sessions (session_id, session_name, spider_name, start_time, status, configuration)
		VALUES ($1, $2, $3, $4, $5, $6);
	`, id, name, spiderName, now, string(entity.SessionRunning), optional(configuration))
	if err != nil {
		return "", fmt.Errorf("%w: start session: %w", repository.ErrStorageFailure, err)
	}
	return id, nil
}

// Log appends a log row, clamping its timestamp to the session's latest one.
func (r *SessionRepoImpl) Log(ctx context.Context, sessionID string, level entity.LogLevel, source, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tag, err := r.db.Exec(ctx, `
		INSERT INTO crawl_logs (session_id, timestamp, level, source, message)
		SELECT s.session_id,
			GREATEST($2::timestamptz, COALESCE((SELECT MAX(l.timestamp) FROM crawl_logs l WHERE l.session_id = s.session_id), $2::timestamptz)),
			$3, $4, $5
		FROM crawl_sessions s
		WHERE s.session_id = $1;
	`, sessionID, r.now(), string(level), source, message)
	if err != nil {
		return appendError("insert log", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", repository.ErrSessionNotFound, sessionID)
	}
	return nil
}

func (r *SessionRepoImpl) Discovery(ctx context.Context, sessionID string, d entity.Discovery) error {
	at := d.DiscoveredAt
	if at.IsZero() {
		at = r.now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO crawl_discoveries (session_id, league_id, season_year, league_name, district_name,
			match_count, team_count, url, response_time_ms, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`, sessionID, optional(d.LeagueID), d.Season, optional(d.LeagueName), optional(d.DistrictName),
		d.MatchCount, d.TeamCount, optional(d.URL), float64(d.Latency)/float64(time.Millisecond), at)
	if err != nil {
		return appendError("insert discovery", err)
	}
	return nil
}

func (r *SessionRepoImpl) Error(ctx context.Context, sessionID string, e entity.CrawlError) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = r.now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO crawl_errors (session_id, timestamp, context, error_type, error_message, retryable, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`, sessionID, at, e.Context, e.ErrorType, e.Message, e.Retryable, max(e.Attempts, 1))
	if err != nil {
		return appendError("insert error", err)
	}
	return nil
}

// Finish moves a running session to status. Finishing twice fails with
// repository.ErrSessionClosed.
func (r *SessionRepoImpl) Finish(ctx context.Context, sessionID string, status entity.SessionStatus, summary entity.RunSummary, errorMessage string) error {
	if !entity.SessionRunning.CanTransitionTo(status) {
		return fmt.Errorf("finish session %s: %q is not a terminal status", sessionID, status)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE crawl_sessions SET
			status = $2,
			end_time = $3,
			total_requests = $4,
			successful_requests = $5,
			failed_requests = $6,
			leagues_discovered = $7,
			error_message = $8
		WHERE session_id = $1 AND status = 'running';
	`, sessionID, string(status), r.now(),
		summary.Probes, summary.NewlyExists+summary.NewlyAbsent, summary.FailedRequests(), summary.NewlyExists,
		optional(errorMessage))
	if err != nil {
		return fmt.Errorf("%w: finish session: %w", repository.ErrStorageFailure, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = r.db.QueryRow(ctx, `SELECT status FROM crawl_sessions WHERE session_id = $1;`, sessionID).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("%w: %s", repository.ErrSessionNotFound, sessionID)
	case err != nil:
		return fmt.Errorf("%w: finish session: %w", repository.ErrStorageFailure, err)
	default:
		return fmt.Errorf("%w: %s is %s", repository.ErrSessionClosed, sessionID, current)
	}
}

func appendError(op string, err error) error {
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", repository.ErrSessionNotFound, op)
	}
	return fmt.Errorf("%w: %s: %w", repository.ErrStorageFailure, op, err)
}

const sessionColumns = `session_id, session_name, spider_name, start_time, end_time, status,
	total_requests, successful_requests, failed_requests, leagues_discovered, error_message, configuration::text`

func (r *SessionRepoImpl) RecentSessions(ctx context.Context, limit int) ([]entity.CrawlSession, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM crawl_sessions
		ORDER BY start_time DESC
		LIMIT $1;
	`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: recent sessions: %w", repository.ErrStorageFailure, err)
	}
	defer rows.Close()

	var sessions []entity.CrawlSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: recent sessions: %w", repository.ErrStorageFailure, err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: recent sessions: %w", repository.ErrStorageFailure, err)
	}
	return sessions, nil
}

func (r *SessionRepoImpl) SessionDetails(ctx context.Context, sessionID string) (*entity.SessionDetails, error) {
	row := r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM crawl_sessions WHERE session_id = $1;`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repository.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: session details: %w", repository.ErrStorageFailure, err)
	}
	details := &entity.SessionDetails{Session: *s, LogCounts: make(map[entity.LogLevel]int)}

	rows, err := r.db.Query(ctx, `
		SELECT id, session_id, league_id, season_year, league_name, district_name,
			match_count, team_count, url, response_time_ms, discovered_at
		FROM crawl_discoveries
		WHERE session_id = $1
		ORDER BY id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: discoveries: %w", repository.ErrStorageFailure, err)
	}
	details.Discoveries, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.Discovery, error) {
		var (
			d                                   entity.Discovery
			leagueID, leagueName, district, url *string
			latencyMS                           float64
		)
		err := row.Scan(&d.ID, &d.SessionID, &leagueID, &d.Season, &leagueName, &district,
			&d.MatchCount, &d.TeamCount, &url, &latencyMS, &d.DiscoveredAt)
		d.LeagueID, d.LeagueName, d.DistrictName, d.URL = deref(leagueID), deref(leagueName), deref(district), deref(url)
		d.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: discoveries: %w", repository.ErrStorageFailure, err)
	}

	rows, err = r.db.Query(ctx, `
		SELECT id, session_id, timestamp, context, error_type, error_message, retryable, attempts
		FROM crawl_errors
		WHERE session_id = $1
		ORDER BY id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: errors: %w", repository.ErrStorageFailure, err)
	}
	details.Errors, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.CrawlError, error) {
		var e entity.CrawlError
		err := row.Scan(&e.ID, &e.SessionID, &e.OccurredAt, &e.Context, &e.ErrorType, &e.Message, &e.Retryable, &e.Attempts)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: errors: %w", repository.ErrStorageFailure, err)
	}

	rows, err = r.db.Query(ctx, `SELECT level, COUNT(*) FROM crawl_logs WHERE session_id = $1 GROUP BY level;`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: log counts: %w", repository.ErrStorageFailure, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			level string
			n     int
		)
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("%w: log counts: %w", repository.ErrStorageFailure, err)
		}
		details.LogCounts[entity.LogLevel(level)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: log counts: %w", repository.ErrStorageFailure, err)
	}
	return details, nil
}

// SearchLogs returns log rows matching filter, newest first.
func (r *SessionRepoImpl) SearchLogs(ctx context.Context, filter entity.LogFilter) ([]entity.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.SessionID != "" {
		add("session_id = $%d", filter.SessionID)
	}
	if filter.Level != "" {
		add("level = $%d", string(filter.Level))
	}
	if filter.Search != "" {
		add(`message ILIKE $%d ESCAPE '\'`, utils.ContainsPattern(filter.Search))
	}
	if !filter.Since.IsZero() {
		add("timestamp >= $%d", filter.Since)
	}
	if !filter.Until.IsZero() {
		add("timestamp < $%d", filter.Until)
	}

	query := `SELECT id, session_id, timestamp, level, source, message FROM crawl_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrAll(filter.Limit), max(filter.Offset, 0))
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search logs: %w", repository.ErrStorageFailure, err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.LogEntry, error) {
		var (
			l     entity.LogEntry
			level string
		)
		err := row.Scan(&l.ID, &l.SessionID, &l.Timestamp, &level, &l.Source, &l.Message)
		l.Level = entity.LogLevel(level)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search logs: %w", repository.ErrStorageFailure, err)
	}
	return logs, nil
}

func scanSession(row pgx.Row) (*entity.CrawlSession, error) {
	var (
		s              entity.CrawlSession
		status         string
		errMsg, config *string
	)
	err := row.Scan(&s.ID, &s.Name, &s.SpiderName, &s.StartTime, &s.EndTime, &status,
		&s.TotalRequests, &s.SuccessfulRequests, &s.FailedRequests, &s.LeaguesDiscovered, &errMsg, &config)
	if err != nil {
		return nil, err
	}
	s.Status = entity.SessionStatus(status)
	s.ErrorMessage = deref(errMsg)
	s.Configuration = deref(config)
	return &s, nil
}
