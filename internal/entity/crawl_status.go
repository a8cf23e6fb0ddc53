package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionAborted   SessionStatus = "aborted"
)

// Terminal reports whether no further transition is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionAborted
}

// CanTransitionTo only allows running -> completed|failed|aborted.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	return s == SessionRunning && next.Terminal()
}

// CrawlSession mirrors the `crawl_sessions` table.
type CrawlSession struct {
	ID                 string
	Name               string
	SpiderName         string
	StartTime          time.Time
	EndTime            *time.Time
	Status             SessionStatus
	TotalRequests      int
	SuccessfulRequests int
	FailedRequests     int
	LeaguesDiscovered  int
	ErrorMessage       string
	Configuration      string
}

// Duration is the wall time of a finished session, or zero while running.
func (s CrawlSession) Duration() time.Duration {
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// NewSessionID returns an id of the form spider_YYYYmmdd_HHMMSS_xxxxxxxx. The
// random suffix keeps two runs started in the same second apart.
func NewSessionID(spiderName string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s", spiderName, now.Format("20060102_150405"), suffix)
}
