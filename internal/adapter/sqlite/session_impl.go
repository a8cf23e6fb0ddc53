package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/pkg/utils"
)

// SessionRepoImpl implements repository.SessionRecorder and
// repository.SessionReporter on the crawl_* tables.
type SessionRepoImpl struct {
	db  *sql.DB
	now func() time.Time

	mu      sync.Mutex
	lastLog map[string]time.Time
}

func NewSessionRepo(db *sql.DB) *SessionRepoImpl {
	return &SessionRepoImpl{db: db, now: time.Now, lastLog: make(map[string]time.Time)}
}

func (r *SessionRepoImpl) Start(ctx context.Context, name, spiderName, configuration string) (string, error) {
	now := r.now()
	id := entity.NewSessionID(spiderName, now)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crawl_sessions (session_id, session_name, spider_name, start_time, status, configuration)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, name, spiderName, formatTime(now), entity.SessionRunning, nullString(configuration),
	)
	if err != nil {
		return "", fmt.Errorf("%w: start session: %w", repository.ErrStorageFailure, err)
	}
	return id, nil
}

// Log appends a log row. Timestamps never go backwards within a session even
// if the wall clock does.
func (r *SessionRepoImpl) Log(ctx context.Context, sessionID string, level entity.LogLevel, source, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.lastLog[sessionID]
	if !ok {
		var err error
		if last, err = r.latestLogTime(ctx, sessionID); err != nil {
			return err
		}
	}
	ts := r.now().UTC()
	if ts.Before(last) {
		ts = last
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crawl_logs (session_id, timestamp, level, source, message)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, formatTime(ts), level, source, message,
	)
	if err != nil {
		return r.appendError("insert log", err)
	}
	r.lastLog[sessionID] = ts
	return nil
}

func (r *SessionRepoImpl) latestLogTime(ctx context.Context, sessionID string) (time.Time, error) {
	var latest sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT (SELECT MAX(timestamp) FROM crawl_logs WHERE session_id = ?)
		FROM crawl_sessions WHERE session_id = ?`, sessionID, sessionID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%w: %s", repository.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: read log clock: %w", repository.ErrStorageFailure, err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	t, err := parseTime(latest.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: read log clock: %w", repository.ErrStorageFailure, err)
	}
	return t, nil
}

func (r *SessionRepoImpl) Discovery(ctx context.Context, sessionID string, d entity.Discovery) error {
	at := d.DiscoveredAt
	if at.IsZero() {
		at = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crawl_discoveries (session_id, league_id, season_year, league_name, district_name,
			match_count, team_count, url, response_time_ms, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, nullString(d.LeagueID), d.Season, nullString(d.LeagueName), nullString(d.DistrictName),
		d.MatchCount, d.TeamCount, nullString(d.URL), float64(d.Latency)/float64(time.Millisecond), formatTime(at),
	)
	if err != nil {
		return r.appendError("insert discovery", err)
	}
	return nil
}

func (r *SessionRepoImpl) Error(ctx context.Context, sessionID string, e entity.CrawlError) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = r.now()
	}
	attempts := max(e.Attempts, 1)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crawl_errors (session_id, timestamp, context, error_type, error_message, retryable, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, formatTime(at), e.Context, e.ErrorType, e.Message, e.Retryable, attempts,
	)
	if err != nil {
		return r.appendError("insert error", err)
	}
	return nil
}

// Finish moves a running session to a terminal status and stores the
// run counters.
func (r *SessionRepoImpl) Finish(ctx context.Context, sessionID string, status entity.SessionStatus, summary entity.RunSummary, errorMessage string) error {
	if !entity.SessionRunning.CanTransitionTo(status) {
		return fmt.Errorf("finish session %s: %q is not a terminal status", sessionID, status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE crawl_sessions SET
			status = ?,
			end_time = ?,
			total_requests = ?,
			successful_requests = ?,
			failed_requests = ?,
			leagues_discovered = ?,
			error_message = ?
		WHERE session_id = ? AND status = ?`,
		status, formatTime(r.now()),
		summary.Probes, summary.NewlyExists+summary.NewlyAbsent, summary.FailedRequests(), summary.NewlyExists,
		nullString(errorMessage),
		sessionID, entity.SessionRunning,
	)
	if err != nil {
		return fmt.Errorf("%w: finish session: %w", repository.ErrStorageFailure, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: finish session: %w", repository.ErrStorageFailure, err)
	}
	if n == 1 {
		r.mu.Lock()
		delete(r.lastLog, sessionID)
		r.mu.Unlock()
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM crawl_sessions WHERE session_id = ?`, sessionID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%w: %s", repository.ErrSessionNotFound, sessionID)
	case err != nil:
		return fmt.Errorf("%w: finish session: %w", repository.ErrStorageFailure, err)
	default:
		return fmt.Errorf("%w: %s is %s", repository.ErrSessionClosed, sessionID, current)
	}
}

func (r *SessionRepoImpl) appendError(op string, err error) error {
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: %s", repository.ErrSessionNotFound, op)
	}
	return fmt.Errorf("%w: %s: %w", repository.ErrStorageFailure, op, err)
}

const sessionColumns = `session_id, session_name, spider_name, start_time, end_time, status,
	total_requests, successful_requests, failed_requests, leagues_discovered, error_message, configuration`

func (r *SessionRepoImpl) RecentSessions(ctx context.Context, limit int) ([]entity.CrawlSession, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM crawl_sessions
		ORDER BY start_time DESC
		LIMIT ?`, limitOrAll(limit))
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
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM crawl_sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", repository.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: session details: %w", repository.ErrStorageFailure, err)
	}

	details := &entity.SessionDetails{Session: *s, LogCounts: make(map[entity.LogLevel]int)}
	if details.Discoveries, err = r.discoveries(ctx, sessionID); err != nil {
		return nil, err
	}
	if details.Errors, err = r.crawlErrors(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT level, COUNT(*) FROM crawl_logs WHERE session_id = ? GROUP BY level`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: log counts: %w", repository.ErrStorageFailure, err)
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var n int
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

func (r *SessionRepoImpl) discoveries(ctx context.Context, sessionID string) ([]entity.Discovery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, league_id, season_year, league_name, district_name,
			match_count, team_count, url, response_time_ms, discovered_at
		FROM crawl_discoveries
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: discoveries: %w", repository.ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []entity.Discovery
	for rows.Next() {
		var (
			d                                   entity.Discovery
			leagueID, leagueName, district, url sql.NullString
			latencyMS                           float64
			at                                  string
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &leagueID, &d.Season, &leagueName, &district,
			&d.MatchCount, &d.TeamCount, &url, &latencyMS, &at); err != nil {
			return nil, fmt.Errorf("%w: discoveries: %w", repository.ErrStorageFailure, err)
		}
		d.LeagueID, d.LeagueName, d.DistrictName, d.URL = leagueID.String, leagueName.String, district.String, url.String
		d.Latency = time.Duration(latencyMS * float64(time.Millisecond))
		if d.DiscoveredAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("%w: discoveries: %w", repository.ErrStorageFailure, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: discoveries: %w", repository.ErrStorageFailure, err)
	}
	return out, nil
}

func (r *SessionRepoImpl) crawlErrors(ctx context.Context, sessionID string) ([]entity.CrawlError, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, timestamp, context, error_type, error_message, retryable, attempts
		FROM crawl_errors
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: errors: %w", repository.ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []entity.CrawlError
	for rows.Next() {
		var (
			e  entity.CrawlError
			at string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &at, &e.Context, &e.ErrorType, &e.Message, &e.Retryable, &e.Attempts); err != nil {
			return nil, fmt.Errorf("%w: errors: %w", repository.ErrStorageFailure, err)
		}
		if e.OccurredAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("%w: errors: %w", repository.ErrStorageFailure, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: errors: %w", repository.ErrStorageFailure, err)
	}
	return out, nil
}

// SearchLogs returns log rows matching filter, newest first.
func (r *SessionRepoImpl) SearchLogs(ctx context.Context, filter entity.LogFilter) ([]entity.LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Level != "" {
		where = append(where, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.Search != "" {
		where = append(where, `message LIKE ? ESCAPE '\'`)
		args = append(args, utils.ContainsPattern(filter.Search))
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, formatTime(filter.Until))
	}

	query := `SELECT id, session_id, timestamp, level, source, message FROM crawl_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrAll(filter.Limit), max(filter.Offset, 0))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search logs: %w", repository.ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []entity.LogEntry
	for rows.Next() {
		var (
			l     entity.LogEntry
			ts    string
			level string
		)
		if err := rows.Scan(&l.ID, &l.SessionID, &ts, &level, &l.Source, &l.Message); err != nil {
			return nil, fmt.Errorf("%w: search logs: %w", repository.ErrStorageFailure, err)
		}
		l.Level = entity.LogLevel(level)
		if l.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("%w: search logs: %w", repository.ErrStorageFailure, err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: search logs: %w", repository.ErrStorageFailure, err)
	}
	return out, nil
}

func scanSession(row rowScanner) (*entity.CrawlSession, error) {
	var (
		s                   entity.CrawlSession
		start, status       string
		end, errMsg, config sql.NullString
	)
	err := row.Scan(&s.ID, &s.Name, &s.SpiderName, &start, &end, &status,
		&s.TotalRequests, &s.SuccessfulRequests, &s.FailedRequests, &s.LeaguesDiscovered, &errMsg, &config)
	if err != nil {
		return nil, err
	}
	s.Status = entity.SessionStatus(status)
	s.ErrorMessage = errMsg.String
	s.Configuration = config.String
	if s.StartTime, err = parseTime(start); err != nil {
		return nil, err
	}
	if end.Valid {
		t, err := parseTime(end.String)
		if err != nil {
			return nil, err
		}
		s.EndTime = &t
	}
	return &s, nil
}
