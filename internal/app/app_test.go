package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/usecase"
	"github.com/user/league-discovery/pkg/config"
)

const resultsPage = `<html><body>
<form><select name="saison_id"><option>2018</option></select></form>
<table>
<tr><th>Spielklasse</th><th>Altersklasse</th><th>Geschlecht</th><th>Bezirk</th><th>Kreis</th><th>Liganame</th></tr>
<tr><td>Bezirksoberliga</td><td>Senioren</td><td>männlich</td><td>Oberfranken</td><td>-</td>
<td><a href="index.jsp?Action=102&liga_id=47113">Bezirksoberliga Herren</a></td></tr>
</table></body></html>`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Path = ":memory:"
	cfg.Politeness.MinDelay = 0
	cfg.Retry.MaxAttempts = 1
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestNewOpensSQLiteStore(t *testing.T) {
	a := newApp(t, testConfig(t))

	checks := a.HealthChecks()
	require.Contains(t, checks, "sqlite")
	require.NoError(t, checks["sqlite"](context.Background()))
	assert.NotContains(t, checks, "redis")
	assert.Same(t, a.Sessions, a.Recorder())
}

func TestRecorderHonoursTelemetrySwitch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telemetry.Enabled = false
	a := newApp(t, cfg)

	assert.IsType(t, usecase.NopRecorder{}, a.Recorder())
}

func TestRunnerConfigMapsSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Politeness.Concurrency = 3
	cfg.Retry.MaxAttempts = 4
	a := newApp(t, cfg)

	rc := a.RunnerConfig(a.KeySpace())
	assert.Equal(t, 3, rc.Politeness.Concurrency)
	assert.Equal(t, 4, rc.MaxAttempts)
	assert.Equal(t, cfg.Portal.RequestTimeout, rc.ProbeTimeout)
	assert.Equal(t, 22, rc.KeySpace.Size())
}

func TestRunnerProbesPortalWithConfiguredCookies(t *testing.T) {
	var (
		mu      sync.Mutex
		session string
		seasons []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mu.Lock()
		if c, err := r.Cookie("JSESSIONID"); err == nil {
			session = c.Value
		}
		seasons = append(seasons, r.PostForm.Get("saison_id"))
		mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(resultsPage))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.Portal.BaseURL = srv.URL
	cfg.Portal.Cookies = []string{"JSESSIONID=abc123"}
	a := newApp(t, cfg)

	space := usecase.KeySpace{
		Seasons:       []string{"2018"},
		Districts:     []string{"5"},
		LeagueClasses: []string{"0"},
		AgeClasses:    []string{"-3"},
		Genders:       []string{"0"},
	}
	runner, err := a.NewRunner(space)
	require.NoError(t, err)

	report, err := runner.Run(context.Background(), usecase.RunOptions{Name: "wiring"})
	require.NoError(t, err)
	assert.Equal(t, entity.SessionCompleted, report.Status)
	assert.Equal(t, 1, report.Summary.NewlyExists)

	mu.Lock()
	assert.Equal(t, "abc123", session)
	assert.Equal(t, []string{"2018"}, seasons)
	mu.Unlock()

	entry, err := a.CacheManager().Status(context.Background(), space.Keys()[0])
	require.NoError(t, err)
	assert.True(t, entry.Exists)
	assert.Equal(t, "47113", entry.LeagueID)

	sessions, err := a.AuditReader().RecentSessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, report.SessionID, sessions[0].ID)
}

// The portal only answers searches within a session opened by fetching the
// search page; without one it reports that nothing was found.
func TestRunnerOpensPortalSessionWithoutCookies(t *testing.T) {
	var (
		mu       sync.Mutex
		opened   int
		searches int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodGet {
			opened++
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "fresh", Path: "/"})
			_, _ = w.Write([]byte(`<form><select name="saison_id"></select></form>`))
			return
		}
		searches++
		if c, err := r.Cookie("JSESSIONID"); err != nil || c.Value != "fresh" {
			_, _ = w.Write([]byte(`<p>Keine Einträge gefunden</p>`))
			return
		}
		_, _ = w.Write([]byte(resultsPage))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.Portal.BaseURL = srv.URL
	a := newApp(t, cfg)

	space := usecase.KeySpace{
		Seasons:       []string{"2018", "2019"},
		Districts:     []string{"5"},
		LeagueClasses: []string{"0"},
		AgeClasses:    []string{"-3"},
		Genders:       []string{"0"},
	}
	runner, err := a.NewRunner(space)
	require.NoError(t, err)

	report, err := runner.Run(context.Background(), usecase.RunOptions{Name: "no cookies"})
	require.NoError(t, err)
	assert.Equal(t, entity.SessionCompleted, report.Status)
	assert.Equal(t, 2, report.Summary.NewlyExists)
	assert.Zero(t, report.Summary.NewlyAbsent)

	mu.Lock()
	assert.Equal(t, 1, opened)
	assert.Equal(t, 2, searches)
	mu.Unlock()

	entry, err := a.CacheManager().Status(context.Background(), space.Keys()[0])
	require.NoError(t, err)
	assert.True(t, entry.Exists)
}

func TestProberLooksUpCompetitionWhenEnabled(t *testing.T) {
	var lookups []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/rest/competition/actual/id/47113":
			lookups = append(lookups, r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"0","data":{"league_data":{"league_id":47113},"matches":[{},{}],"table":{"entries":[{},{},{}]}}}`))
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`<form><select name="saison_id"></select></form>`))
		default:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(resultsPage))
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	cfg.Portal.BaseURL = srv.URL
	cfg.Portal.CompetitionLookup = true
	a := newApp(t, cfg)

	prober, err := a.NewProber()
	require.NoError(t, err)
	res, err := prober.Probe(context.Background(), entity.ProbeKey{Season: "2018", District: "5", LeagueClass: "0", AgeClass: "-3", Gender: "0"})
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeExistsWithData, res.Outcome)
	assert.Equal(t, 2, res.Metadata.MatchCount)
	assert.Equal(t, 3, res.Metadata.TeamCount)
	assert.Equal(t, []string{"/rest/competition/actual/id/47113"}, lookups)
}

func TestInvalidCookieFailsProber(t *testing.T) {
	cfg := testConfig(t)
	cfg.Portal.Cookies = []string{"not a cookie"}
	a := newApp(t, cfg)

	_, err := a.NewProber()
	require.Error(t, err)
}

func TestServerStopsWithContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = "0"
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.NewServer().Run(ctx))
}
