package entity

import "time"

type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

// LogEntry mirrors the `crawl_logs` table.
type LogEntry struct {
	ID        int64
	SessionID string
	Timestamp time.Time
	Level     LogLevel
	Source    string
	Message   string
}

// Discovery is one confirmed-exists outcome. Rows are never updated.
type Discovery struct {
	ID           int64
	SessionID    string
	LeagueID     string
	Season       string
	LeagueName   string
	DistrictName string
	MatchCount   int
	TeamCount    int
	URL          string
	Latency      time.Duration
	DiscoveredAt time.Time
}

// CrawlError mirrors the `crawl_errors` table.
type CrawlError struct {
	ID         int64
	SessionID  string
	OccurredAt time.Time
	Context    string // probe key or URL the error belongs to
	ErrorType  string
	Message    string
	Retryable  bool
	Attempts   int
}

// SessionDetails bundles a session with its recorded rows.
type SessionDetails struct {
	Session     CrawlSession
	Discoveries []Discovery
	Errors      []CrawlError
	LogCounts   map[LogLevel]int
}

// LogFilter narrows a log search. Zero values mean "no filter".
type LogFilter struct {
	SessionID string
	Level     LogLevel
	Search    string
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// CrawlStatistics summarises a window of recent sessions.
type CrawlStatistics struct {
	Sessions           int
	ByStatus           map[SessionStatus]int
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	LeaguesDiscovered  int
	SuccessRate        float64
	LastSession        *CrawlSession
}
