package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
)

type stepClock struct {
	times []time.Time
	i     int
}

func (c *stepClock) now() time.Time {
	t := c.times[min(c.i, len(c.times)-1)]
	c.i++
	return t
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepo(openTestDB(t))

	id, err := repo.Start(ctx, "nightly", "league_discovery", `{"seasons":["2018"]}`)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(id, "league_discovery_"))

	require.NoError(t, repo.Log(ctx, id, entity.LevelInfo, "orchestrator", "run started"))
	require.NoError(t, repo.Discovery(ctx, id, entity.Discovery{
		LeagueID: "47113", Season: "2018", LeagueName: "Oberliga", MatchCount: 12, Latency: 250 * time.Millisecond,
	}))
	require.NoError(t, repo.Error(ctx, id, entity.CrawlError{
		Context: "2019/5/0/-3/0", ErrorType: "transient", Message: "timeout", Retryable: true, Attempts: 5,
	}))
	require.NoError(t, repo.Log(ctx, id, entity.LevelWarning, "orchestrator", "retries exhausted"))

	summary := entity.RunSummary{NewlyExists: 1, NewlyAbsent: 2, TransientFailed: 1, Probes: 4}
	require.NoError(t, repo.Finish(ctx, id, entity.SessionCompleted, summary, ""))

	details, err := repo.SessionDetails(ctx, id)
	require.NoError(t, err)
	require.Equal(t, entity.SessionCompleted, details.Session.Status)
	require.NotNil(t, details.Session.EndTime)
	require.Equal(t, 4, details.Session.TotalRequests)
	require.Equal(t, 3, details.Session.SuccessfulRequests)
	require.Equal(t, 1, details.Session.FailedRequests)
	require.Equal(t, 1, details.Session.LeaguesDiscovered)
	require.Equal(t, `{"seasons":["2018"]}`, details.Session.Configuration)

	require.Len(t, details.Discoveries, 1)
	require.Equal(t, "47113", details.Discoveries[0].LeagueID)
	require.Equal(t, 250*time.Millisecond, details.Discoveries[0].Latency)
	require.Len(t, details.Errors, 1)
	require.True(t, details.Errors[0].Retryable)
	require.Equal(t, 5, details.Errors[0].Attempts)
	require.Equal(t, map[entity.LogLevel]int{entity.LevelInfo: 1, entity.LevelWarning: 1}, details.LogCounts)
}

func TestFinishOnlyFromRunning(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepo(openTestDB(t))

	id, err := repo.Start(ctx, "run", "league_discovery", "")
	require.NoError(t, err)
	require.NoError(t, repo.Finish(ctx, id, entity.SessionAborted, entity.RunSummary{}, "stopped"))

	err = repo.Finish(ctx, id, entity.SessionCompleted, entity.RunSummary{}, "")
	require.ErrorIs(t, err, repository.ErrSessionClosed)

	err = repo.Finish(ctx, "missing", entity.SessionCompleted, entity.RunSummary{}, "")
	require.ErrorIs(t, err, repository.ErrSessionNotFound)

	err = repo.Finish(ctx, id, entity.SessionRunning, entity.RunSummary{}, "")
	require.Error(t, err)

	details, err := repo.SessionDetails(ctx, id)
	require.NoError(t, err)
	require.Equal(t, entity.SessionAborted, details.Session.Status)
	require.Equal(t, "stopped", details.Session.ErrorMessage)
}

func TestAppendToUnknownSession(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepo(openTestDB(t))

	require.ErrorIs(t, repo.Log(ctx, "nope", entity.LevelInfo, "x", "y"), repository.ErrSessionNotFound)
	require.ErrorIs(t, repo.Discovery(ctx, "nope", entity.Discovery{Season: "2018"}), repository.ErrSessionNotFound)
	require.ErrorIs(t, repo.Error(ctx, "nope", entity.CrawlError{Context: "k", ErrorType: "t", Message: "m"}), repository.ErrSessionNotFound)
}

func TestLogTimestampsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepo(openTestDB(t))
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := &stepClock{times: []time.Time{
		base,                      // Start
		base.Add(2 * time.Second), // first log
		base.Add(time.Second),     // clock stepped back
		base.Add(3 * time.Second),
	}}
	repo.now = clock.now

	id, err := repo.Start(ctx, "run", "league_discovery", "")
	require.NoError(t, err)
	for _, msg := range []string{"a", "b", "c"} {
		require.NoError(t, repo.Log(ctx, id, entity.LevelInfo, "test", msg))
	}

	logs, err := repo.SearchLogs(ctx, entity.LogFilter{SessionID: id})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	// newest first
	require.Equal(t, "c", logs[0].Message)
	for i := 1; i < len(logs); i++ {
		require.False(t, logs[i-1].Timestamp.Before(logs[i].Timestamp))
	}
	require.Equal(t, base.Add(2*time.Second), logs[1].Timestamp)
}

func TestSearchLogs(t *testing.T) {
	ctx := context.Background()
	repo := NewSessionRepo(openTestDB(t))

	a, err := repo.Start(ctx, "a", "league_discovery", "")
	require.NoError(t, err)
	b, err := repo.Start(ctx, "b", "league_discovery", "")
	require.NoError(t, err)
	require.NoError(t, repo.Log(ctx, a, entity.LevelInfo, "orchestrator", "league 2018/5 exists"))
	require.NoError(t, repo.Log(ctx, a, entity.LevelError, "orchestrator", "storage unavailable"))
	require.NoError(t, repo.Log(ctx, b, entity.LevelInfo, "orchestrator", "league 2019/5 absent"))

	byLevel, err := repo.SearchLogs(ctx, entity.LogFilter{Level: entity.LevelError})
	require.NoError(t, err)
	require.Len(t, byLevel, 1)
	require.Equal(t, a, byLevel[0].SessionID)

	byText, err := repo.SearchLogs(ctx, entity.LogFilter{Search: "league"})
	require.NoError(t, err)
	require.Len(t, byText, 2)

	require.NoError(t, repo.Log(ctx, b, entity.LevelInfo, "orchestrator", "progress 100% of keys"))
	require.NoError(t, repo.Log(ctx, b, entity.LevelInfo, "orchestrator", "progress 1000 keys"))
	literal, err := repo.SearchLogs(ctx, entity.LogFilter{Search: "100%"})
	require.NoError(t, err)
	require.Len(t, literal, 1)
	require.Equal(t, "progress 100% of keys", literal[0].Message)

	paged, err := repo.SearchLogs(ctx, entity.LogFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 1)

	sessions, err := repo.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		require.Equal(t, entity.SessionRunning, s.Status)
		require.Nil(t, s.EndTime)
	}
}
