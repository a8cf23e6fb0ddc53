package response

import (
	"time"

	"github.com/user/league-discovery/internal/entity"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// SessionResponse is a DTO for a crawl session, mirroring entity.CrawlSession.
type SessionResponse struct {
	ID                 string     `json:"id"`
	SessionName        string     `json:"session_name"`
	SpiderName         string     `json:"spider_name"`
	StartTime          time.Time  `json:"start_time"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	Status             string     `json:"status"`
	TotalRequests      int        `json:"total_requests"`
	SuccessfulRequests int        `json:"successful_requests"`
	FailedRequests     int        `json:"failed_requests"`
	LeaguesDiscovered  int        `json:"leagues_discovered"`
	DurationSeconds    float64    `json:"duration_seconds"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

type SessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

type DiscoveryResponse struct {
	LeagueID       string    `json:"league_id"`
	Season         string    `json:"season"`
	LeagueName     string    `json:"league_name,omitempty"`
	DistrictName   string    `json:"district_name,omitempty"`
	MatchCount     int       `json:"match_count"`
	TeamCount      int       `json:"team_count"`
	URL            string    `json:"url,omitempty"`
	ResponseTimeMS float64   `json:"response_time_ms"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

type CrawlErrorResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Context   string    `json:"context"`
	ErrorType string    `json:"error_type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Attempts  int       `json:"attempts"`
}

type SessionDetailsResponse struct {
	Session       SessionResponse      `json:"session"`
	Configuration any                  `json:"configuration,omitempty"`
	Discoveries   []DiscoveryResponse  `json:"discoveries"`
	Errors        []CrawlErrorResponse `json:"errors"`
	LogCounts     map[string]int       `json:"log_counts"`
}

type LogResponse struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

type LogsResponse struct {
	Logs   []LogResponse `json:"logs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

type SeasonStatsResponse struct {
	Season   string `json:"season"`
	Checked  int    `json:"checked"`
	Existing int    `json:"existing"`
}

type CacheStatsResponse struct {
	Total       int                   `json:"total"`
	Existing    int                   `json:"existing"`
	NonExisting int                   `json:"non_existing"`
	BySeason    []SeasonStatsResponse `json:"by_season"`
}

type StatisticsResponse struct {
	TotalSessions      int                `json:"total_sessions"`
	RunningSessions    int                `json:"running_sessions"`
	ByStatus           map[string]int     `json:"by_status"`
	TotalRequests      int                `json:"total_requests"`
	SuccessfulRequests int                `json:"successful_requests"`
	FailedRequests     int                `json:"failed_requests"`
	LeaguesDiscovered  int                `json:"leagues_discovered"`
	SuccessRate        float64            `json:"success_rate"`
	ErrorRate          float64            `json:"error_rate"`
	LastSession        *SessionResponse   `json:"last_session,omitempty"`
	Cache              CacheStatsResponse `json:"cache"`
}

type LeagueResponse struct {
	LeagueID     string    `json:"league_id,omitempty"`
	SeasonYear   string    `json:"season_year"`
	District     string    `json:"district"`
	LeagueClass  string    `json:"league_class"`
	AgeClass     string    `json:"age_class"`
	Gender       string    `json:"gender"`
	Exists       bool      `json:"exists"`
	LeagueName   string    `json:"league_name,omitempty"`
	DistrictName string    `json:"district_name,omitempty"`
	MatchCount   int       `json:"match_count"`
	TeamCount    int       `json:"team_count"`
	LastChecked  time.Time `json:"last_checked"`
}

type LeaguesResponse struct {
	Leagues []LeagueResponse `json:"leagues"`
}

func Session(s entity.CrawlSession) SessionResponse {
	return SessionResponse{
		ID:                 s.ID,
		SessionName:        s.Name,
		SpiderName:         s.SpiderName,
		StartTime:          s.StartTime,
		EndTime:            s.EndTime,
		Status:             string(s.Status),
		TotalRequests:      s.TotalRequests,
		SuccessfulRequests: s.SuccessfulRequests,
		FailedRequests:     s.FailedRequests,
		LeaguesDiscovered:  s.LeaguesDiscovered,
		DurationSeconds:    s.Duration().Seconds(),
		ErrorMessage:       s.ErrorMessage,
	}
}

func Discovery(d entity.Discovery) DiscoveryResponse {
	return DiscoveryResponse{
		LeagueID:       d.LeagueID,
		Season:         d.Season,
		LeagueName:     d.LeagueName,
		DistrictName:   d.DistrictName,
		MatchCount:     d.MatchCount,
		TeamCount:      d.TeamCount,
		URL:            d.URL,
		ResponseTimeMS: float64(d.Latency) / float64(time.Millisecond),
		DiscoveredAt:   d.DiscoveredAt,
	}
}

func CrawlError(e entity.CrawlError) CrawlErrorResponse {
	return CrawlErrorResponse{
		Timestamp: e.OccurredAt,
		Context:   e.Context,
		ErrorType: e.ErrorType,
		Message:   e.Message,
		Retryable: e.Retryable,
		Attempts:  e.Attempts,
	}
}

func Log(l entity.LogEntry) LogResponse {
	return LogResponse{
		ID:        l.ID,
		SessionID: l.SessionID,
		Timestamp: l.Timestamp,
		Level:     string(l.Level),
		Source:    l.Source,
		Message:   l.Message,
	}
}

func League(e entity.LeagueCacheEntry) LeagueResponse {
	return LeagueResponse{
		LeagueID:     e.LeagueID,
		SeasonYear:   e.Key.Season,
		District:     e.Key.District,
		LeagueClass:  e.Key.LeagueClass,
		AgeClass:     e.Key.AgeClass,
		Gender:       e.Key.Gender,
		Exists:       e.Exists,
		LeagueName:   e.LeagueName,
		DistrictName: e.DistrictName,
		MatchCount:   e.MatchCount,
		TeamCount:    e.TeamCount,
		LastChecked:  e.LastChecked,
	}
}

func CacheStats(s entity.CacheStats) CacheStatsResponse {
	out := CacheStatsResponse{
		Total:       s.Total,
		Existing:    s.Existing,
		NonExisting: s.NonExisting,
		BySeason:    make([]SeasonStatsResponse, 0, len(s.BySeason)),
	}
	for _, season := range s.BySeason {
		out.BySeason = append(out.BySeason, SeasonStatsResponse(season))
	}
	return out
}
