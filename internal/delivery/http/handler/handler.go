package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/delivery/http/response"
	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
)

const (
	defaultLeagueLimit = 50
	maxLeagueLimit     = 1000
	healthTimeout      = 2 * time.Second
)

// SessionAuditor is the read side of the crawl telemetry.
type SessionAuditor interface {
	RecentSessions(ctx context.Context, limit int) ([]entity.CrawlSession, error)
	SessionDetails(ctx context.Context, sessionID string) (*entity.SessionDetails, error)
	SearchLogs(ctx context.Context, filter entity.LogFilter) ([]entity.LogEntry, error)
	Statistics(ctx context.Context, window int) (entity.CrawlStatistics, error)
}

// LeagueCatalog is the read side of the existence cache.
type LeagueCatalog interface {
	Status(ctx context.Context, key entity.ProbeKey) (*entity.LeagueCacheEntry, error)
	List(ctx context.Context, limit int) ([]entity.LeagueCacheEntry, error)
	Search(ctx context.Context, term string, limit int) ([]entity.LeagueCacheEntry, error)
	Stats(ctx context.Context) (entity.CacheStats, error)
}

// HealthCheck reports whether one backing store is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	audit   SessionAuditor
	leagues LeagueCatalog
	checks  map[string]HealthCheck
	logger  *zap.Logger
}

func NewHandler(audit SessionAuditor, leagues LeagueCatalog, checks map[string]HealthCheck, logger *zap.Logger) *Handler {
	return &Handler{
		audit:   audit,
		leagues: leagues,
		checks:  checks,
		logger:  logger.Named("http"),
	}
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := response.HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Error("health check failed", zap.String("check", name), zap.Error(err))
			resp.Checks[name] = "unhealthy"
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "healthy"
	}
	if resp.Status != "ok" {
		h.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	sessions, err := h.audit.RecentSessions(r.Context(), limit)
	if err != nil {
		h.internalError(w, "list sessions", err)
		return
	}
	resp := response.SessionsResponse{Sessions: make([]response.SessionResponse, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, response.Session(s))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	details, err := h.audit.SessionDetails(r.Context(), id)
	if errors.Is(err, repository.ErrSessionNotFound) {
		h.writeJSONError(w, "Crawl session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, "session details", err)
		return
	}

	resp := response.SessionDetailsResponse{
		Session:     response.Session(details.Session),
		Discoveries: make([]response.DiscoveryResponse, 0, len(details.Discoveries)),
		Errors:      make([]response.CrawlErrorResponse, 0, len(details.Errors)),
		LogCounts:   make(map[string]int, len(details.LogCounts)),
	}
	if cfg := details.Session.Configuration; cfg != "" && json.Valid([]byte(cfg)) {
		resp.Configuration = json.RawMessage(cfg)
	}
	for _, d := range details.Discoveries {
		resp.Discoveries = append(resp.Discoveries, response.Discovery(d))
	}
	for _, e := range details.Errors {
		resp.Errors = append(resp.Errors, response.CrawlError(e))
	}
	for level, n := range details.LogCounts {
		resp.LogCounts[string(level)] = n
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleSearchLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := h.intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	offset, ok := h.intParam(w, r, "offset", 0)
	if !ok {
		return
	}
	filter := entity.LogFilter{
		SessionID: q.Get("session_id"),
		Level:     entity.LogLevel(q.Get("level")),
		Search:    q.Get("search"),
		Limit:     limit,
		Offset:    offset,
	}
	switch filter.Level {
	case "", entity.LevelDebug, entity.LevelInfo, entity.LevelWarning, entity.LevelError:
	default:
		h.writeJSONError(w, "Unknown log level", http.StatusBadRequest)
		return
	}

	logs, err := h.audit.SearchLogs(r.Context(), filter)
	if err != nil {
		h.internalError(w, "search logs", err)
		return
	}
	resp := response.LogsResponse{Logs: make([]response.LogResponse, 0, len(logs)), Limit: limit, Offset: offset}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, response.Log(l))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.audit.Statistics(r.Context(), 0)
	if err != nil {
		h.internalError(w, "session statistics", err)
		return
	}
	cache, err := h.leagues.Stats(r.Context())
	if err != nil {
		h.internalError(w, "cache statistics", err)
		return
	}

	resp := response.StatisticsResponse{
		TotalSessions:      stats.Sessions,
		RunningSessions:    stats.ByStatus[entity.SessionRunning],
		ByStatus:           make(map[string]int, len(stats.ByStatus)),
		TotalRequests:      stats.TotalRequests,
		SuccessfulRequests: stats.SuccessfulRequests,
		FailedRequests:     stats.FailedRequests,
		LeaguesDiscovered:  stats.LeaguesDiscovered,
		SuccessRate:        stats.SuccessRate,
		Cache:              response.CacheStats(cache),
	}
	if stats.TotalRequests > 0 {
		resp.ErrorRate = float64(stats.FailedRequests) / float64(stats.TotalRequests)
	}
	for status, n := range stats.ByStatus {
		resp.ByStatus[string(status)] = n
	}
	if stats.LastSession != nil {
		last := response.Session(*stats.LastSession)
		resp.LastSession = &last
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleListLeagues(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.intParam(w, r, "limit", defaultLeagueLimit)
	if !ok {
		return
	}
	limit = min(max(limit, 1), maxLeagueLimit)

	var (
		entries []entity.LeagueCacheEntry
		err     error
	)
	if term := r.URL.Query().Get("search"); term != "" {
		entries, err = h.leagues.Search(r.Context(), term, limit)
	} else {
		entries, err = h.leagues.List(r.Context(), limit)
	}
	if err != nil {
		h.internalError(w, "list leagues", err)
		return
	}
	resp := response.LeaguesResponse{Leagues: make([]response.LeagueResponse, 0, len(entries))}
	for _, e := range entries {
		resp.Leagues = append(resp.Leagues, response.League(e))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleLeagueStatus looks up one key. Filters left out default to the
// wildcard, except season and district which are required.
func (h *Handler) HandleLeagueStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := entity.ProbeKey{
		Season:      q.Get("season"),
		District:    q.Get("district"),
		LeagueClass: valueOr(q.Get("league_class"), entity.Wildcard),
		AgeClass:    valueOr(q.Get("age_class"), entity.Wildcard),
		Gender:      valueOr(q.Get("gender"), entity.Wildcard),
	}
	if err := key.Validate(); err != nil {
		h.writeJSONError(w, "season and district query parameters are required", http.StatusBadRequest)
		return
	}

	entry, err := h.leagues.Status(r.Context(), key)
	if errors.Is(err, repository.ErrCacheMiss) {
		h.writeJSONError(w, "Key has not been checked yet", http.StatusNotFound)
		return
	}
	if err != nil {
		h.internalError(w, "league status", err)
		return
	}
	h.writeJSON(w, http.StatusOK, response.League(*entry))
}

// intParam parses an optional integer query parameter. It writes a 400 and
// returns false when the value is not a non-negative integer.
func (h *Handler) intParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		h.writeJSONError(w, "Invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, response.ErrorResponse{Error: message})
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
