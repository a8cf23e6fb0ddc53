package repository

import (
	"context"

	"github.com/user/league-discovery/internal/entity"
)

// SessionRecorder is the append-only crawl telemetry store. Every call is
// durable before it returns.
type SessionRecorder interface {
	// Start creates a running session and returns its id.
	Start(ctx context.Context, name, spiderName, configuration string) (string, error)
	Log(ctx context.Context, sessionID string, level entity.LogLevel, source, message string) error
	Discovery(ctx context.Context, sessionID string, d entity.Discovery) error
	Error(ctx context.Context, sessionID string, e entity.CrawlError) error
	// Finish moves a running session to a terminal status. It fails with
	// ErrSessionClosed if the session is already terminal.
	Finish(ctx context.Context, sessionID string, status entity.SessionStatus, summary entity.RunSummary, errorMessage string) error
}
