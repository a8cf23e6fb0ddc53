package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/adapter/credentials"
	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
)

var key2018 = entity.ProbeKey{Season: "2018", District: "5", LeagueClass: "0", AgeClass: "-3", Gender: "0"}

// portalStub answers every search with the configured status and body and
// remembers the last form it received. A GET of the search page opens a
// session; with requireSession set, searches without that session get the
// portal's not-found text.
type portalStub struct {
	mu             sync.Mutex
	status         int
	contentType    string
	body           []byte
	delay          time.Duration
	requireSession bool
	competition    []byte
	competitionMsg int
	hits           atomic.Int32
	sessionsOpened atomic.Int32
	lookups        atomic.Int32
	lastLookup     string
	lastForm       url.Values
	lastQuery      url.Values
	lastCookies    []*http.Cookie
}

const sessionCookie = "JSESSIONID"

func (s *portalStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/rest/competition/") {
		s.lookups.Add(1)
		s.mu.Lock()
		s.lastLookup = r.URL.Path
		status, body := s.competitionMsg, s.competition
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return
	}
	if r.Method == http.MethodGet {
		n := s.sessionsOpened.Add(1)
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: fmt.Sprintf("session-%d", n), Path: "/"})
		w.Header().Set("Content-Type", "text/html; charset=UTF-8")
		_, _ = w.Write([]byte(`<form><select name="saison_id"></select></form>`))
		return
	}
	s.hits.Add(1)
	_ = r.ParseForm()
	s.mu.Lock()
	s.lastForm = r.PostForm
	s.lastQuery = r.URL.Query()
	s.lastCookies = r.Cookies()
	status, body, ct, delay := s.status, s.body, s.contentType, s.delay
	s.mu.Unlock()

	if s.requireSession {
		if c, err := r.Cookie(sessionCookie); err != nil || c.Value != fmt.Sprintf("session-%d", s.sessionsOpened.Load()) {
			status, body = http.StatusOK, []byte(`<p>Keine Einträge gefunden</p>`)
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if ct == "" {
		ct = "text/html; charset=UTF-8"
	}
	w.Header().Set("Content-Type", ct)
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func newTestClient(t *testing.T, stub *portalStub, mutate func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	opts := Options{
		BaseURL:    srv.URL,
		SearchPath: "/index.jsp",
		UserAgent:  "leaguecrawl-test",
		Timeout:    time.Second,
		Classifier: NewHTMLClassifier(DefaultRules()),
		Logger:     zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestProbeSubmitsSearchForm(t *testing.T) {
	stub := &portalStub{body: fixture(t, "results.html")}
	c := newTestClient(t, stub, nil)

	res, err := c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeExistsWithData, res.Outcome)
	assert.Equal(t, "47113", res.Metadata.LeagueID)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Positive(t, res.Latency)
	assert.Contains(t, res.URL, "saison_id=2018")

	assert.Equal(t, "106", stub.lastQuery.Get("Action"))
	want := url.Values{
		"Action":               {"106"},
		"viewid":               {""},
		"saison_id":            {"2018"},
		"cbBezirkFilter":       {"5"},
		"cbKreisFilter":        {"0"},
		"cbSpielklasseFilter":  {"0"},
		"cbAltersklasseFilter": {"-3"},
		"cbGeschlechtFilter":   {"0"},
		"startrow":             {"0"},
	}
	assert.Equal(t, want, stub.lastForm)
}

func TestProbeOpensPortalSessionOnce(t *testing.T) {
	stub := &portalStub{body: fixture(t, "results.html"), requireSession: true}
	c := newTestClient(t, stub, nil)

	for range 3 {
		res, err := c.Probe(context.Background(), key2018)
		require.NoError(t, err)
		assert.Equal(t, entity.OutcomeExistsWithData, res.Outcome)
	}
	assert.Equal(t, int32(1), stub.sessionsOpened.Load())
	assert.Equal(t, int32(3), stub.hits.Load())
}

func TestProbeReopensSessionAfterForbidden(t *testing.T) {
	stub := &portalStub{status: http.StatusForbidden, body: fixture(t, "results.html"), requireSession: true}
	c := newTestClient(t, stub, nil)

	_, err := c.Probe(context.Background(), key2018)
	require.ErrorIs(t, err, repository.ErrTransient)

	stub.mu.Lock()
	stub.status = http.StatusOK
	stub.mu.Unlock()

	res, err := c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeExistsWithData, res.Outcome)
	assert.Equal(t, int32(2), stub.sessionsOpened.Load())
}

func TestProbeReopensExpiredSession(t *testing.T) {
	stub := &portalStub{body: fixture(t, "results.html"), requireSession: true}
	c := newTestClient(t, stub, func(o *Options) { o.SessionTTL = time.Minute })
	now := time.Date(2024, 3, 9, 7, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stub.sessionsOpened.Load())

	now = now.Add(time.Minute)
	res, err := c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeExistsWithData, res.Outcome)
	assert.Equal(t, int32(2), stub.sessionsOpened.Load())
}

func TestProbeFailedSessionIsTransient(t *testing.T) {
	var searches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		searches.Add(1)
	}))
	t.Cleanup(srv.Close)
	c, err := New(Options{
		BaseURL:    srv.URL,
		SearchPath: "/index.jsp",
		Timeout:    time.Second,
		Classifier: NewHTMLClassifier(DefaultRules()),
	})
	require.NoError(t, err)

	res, err := c.Probe(context.Background(), key2018)
	require.ErrorIs(t, err, repository.ErrTransient)
	assert.Equal(t, entity.OutcomeTransient, res.Outcome)
	assert.Zero(t, searches.Load())
}

func TestProbeWithCredentialsSkipsSession(t *testing.T) {
	static, err := credentials.NewStatic([]string{"JSESSIONID=abc123"})
	require.NoError(t, err)
	stub := &portalStub{body: fixture(t, "results.html")}
	c := newTestClient(t, stub, func(o *Options) { o.Credentials = static })

	_, err = c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	assert.Zero(t, stub.sessionsOpened.Load())
}

func TestProbeStatusMapping(t *testing.T) {
	tests := []struct {
		status  int
		outcome entity.Outcome
		wantErr error
	}{
		{http.StatusNotFound, entity.OutcomeNotFound, nil},
		{http.StatusGone, entity.OutcomeNotFound, nil},
		{http.StatusTooManyRequests, entity.OutcomeTransient, repository.ErrTransient},
		{http.StatusRequestTimeout, entity.OutcomeTransient, repository.ErrTransient},
		{http.StatusInternalServerError, entity.OutcomeTransient, repository.ErrTransient},
		{http.StatusServiceUnavailable, entity.OutcomeTransient, repository.ErrTransient},
		{http.StatusForbidden, entity.OutcomeTransient, repository.ErrTransient},
		{http.StatusBadRequest, entity.OutcomeMalformed, repository.ErrMalformedResponse},
		{http.StatusTeapot, entity.OutcomeMalformed, repository.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			stub := &portalStub{status: tt.status}
			c := newTestClient(t, stub, nil)

			res, err := c.Probe(context.Background(), key2018)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.status, res.StatusCode)
		})
	}
}

func TestProbeBodies(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		outcome entity.Outcome
		wantErr error
	}{
		{"marker page", fixture(t, "not_found_marker.html"), entity.OutcomeNotFound, nil},
		{"empty table", fixture(t, "empty_results.html"), entity.OutcomeNotFound, nil},
		{"unrecognised page", fixture(t, "garbage.html"), entity.OutcomeMalformed, repository.ErrMalformedResponse},
		{"empty body", nil, entity.OutcomeMalformed, repository.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &portalStub{body: tt.body}, nil)
			res, err := c.Probe(context.Background(), key2018)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.outcome, res.Outcome)
		})
	}
}

func TestProbeDecodesLatin1(t *testing.T) {
	stub := &portalStub{
		body:        fixture(t, "results_latin1.html"),
		contentType: "text/html; charset=ISO-8859-1",
	}
	c := newTestClient(t, stub, nil)

	res, err := c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	assert.Equal(t, "Bezirksliga Männer", res.Metadata.LeagueName)
}

func withCompetitionLookup(o *Options) {
	o.Competition = &CompetitionLookup{Classifier: NewJSONClassifier()}
}

func TestProbeLooksUpCompetitionCounts(t *testing.T) {
	stub := &portalStub{body: fixture(t, "results.html"), competition: fixture(t, "competition.json")}
	c := newTestClient(t, stub, withCompetitionLookup)

	res, err := c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeExistsWithData, res.Outcome)
	assert.Equal(t, "47113", res.Metadata.LeagueID)
	assert.Equal(t, "Bezirksoberliga Herren", res.Metadata.LeagueName)
	assert.Equal(t, 3, res.Metadata.MatchCount)
	assert.Equal(t, 2, res.Metadata.TeamCount)
	assert.Equal(t, "/rest/competition/actual/id/47113", stub.lastLookup)
}

func TestProbeCompetitionLookupOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome entity.Outcome
		wantErr error
	}{
		{"no matches yet", 0, "competition_empty.json", entity.OutcomeExistsEmpty, nil},
		{"unknown to the endpoint", 0, "competition_not_found.json", entity.OutcomeExistsEmpty, nil},
		{"endpoint 404", http.StatusNotFound, "", entity.OutcomeExistsEmpty, nil},
		{"endpoint overloaded", http.StatusServiceUnavailable, "", entity.OutcomeTransient, repository.ErrTransient},
		{"not json", 0, "garbage.html", entity.OutcomeMalformed, repository.ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &portalStub{body: fixture(t, "results.html"), competitionMsg: tt.status}
			if tt.body != "" {
				stub.competition = fixture(t, tt.body)
			}
			c := newTestClient(t, stub, withCompetitionLookup)

			res, err := c.Probe(context.Background(), key2018)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "47113", res.Metadata.LeagueID)
				assert.Zero(t, res.Metadata.MatchCount)
			}
			assert.Equal(t, tt.outcome, res.Outcome)
		})
	}
}

func TestProbeSkipsCompetitionLookupForAbsentLeagues(t *testing.T) {
	stub := &portalStub{body: fixture(t, "not_found_marker.html"), competition: fixture(t, "competition.json")}
	c := newTestClient(t, stub, withCompetitionLookup)

	res, err := c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeNotFound, res.Outcome)
	assert.Zero(t, stub.lookups.Load())
}

func TestNewCompetitionLookupNeedsClassifier(t *testing.T) {
	_, err := New(Options{
		BaseURL:     "https://example.org",
		SearchPath:  "/index.jsp",
		Classifier:  NewHTMLClassifier(DefaultRules()),
		Competition: &CompetitionLookup{},
	})
	require.Error(t, err)
}

func TestProbeTimeoutIsTransient(t *testing.T) {
	stub := &portalStub{body: fixture(t, "results.html"), delay: 500 * time.Millisecond}
	c := newTestClient(t, stub, func(o *Options) { o.Timeout = 50 * time.Millisecond })

	res, err := c.Probe(context.Background(), key2018)
	require.ErrorIs(t, err, repository.ErrTransient)
	assert.Equal(t, entity.OutcomeTransient, res.Outcome)
}

func TestProbeInvalidKeyIsNotSent(t *testing.T) {
	stub := &portalStub{}
	c := newTestClient(t, stub, nil)

	res, err := c.Probe(context.Background(), entity.ProbeKey{Season: "2018"})
	require.ErrorIs(t, err, repository.ErrMalformedResponse)
	assert.Equal(t, entity.OutcomeMalformed, res.Outcome)
	assert.Zero(t, stub.hits.Load())
}

func TestProbeSendsCredentials(t *testing.T) {
	static, err := credentials.NewStatic([]string{"JSESSIONID=abc123"})
	require.NoError(t, err)
	stub := &portalStub{body: fixture(t, "results.html")}
	c := newTestClient(t, stub, func(o *Options) { o.Credentials = static })

	_, err = c.Probe(context.Background(), key2018)
	require.NoError(t, err)
	require.Len(t, stub.lastCookies, 1)
	assert.Equal(t, "JSESSIONID", stub.lastCookies[0].Name)
	assert.Equal(t, "abc123", stub.lastCookies[0].Value)
}

type invalidatingProvider struct {
	invalidated int
}

func (p *invalidatingProvider) Cookies(context.Context) ([]*http.Cookie, error) {
	return []*http.Cookie{{Name: "JSESSIONID", Value: "stale"}}, nil
}

func (p *invalidatingProvider) Invalidate() { p.invalidated++ }

func TestProbeForbiddenInvalidatesCredentials(t *testing.T) {
	provider := &invalidatingProvider{}
	c := newTestClient(t, &portalStub{status: http.StatusForbidden}, func(o *Options) { o.Credentials = provider })

	_, err := c.Probe(context.Background(), key2018)
	require.ErrorIs(t, err, repository.ErrTransient)
	assert.Equal(t, 1, provider.invalidated)
}

func TestNewRequiresClassifier(t *testing.T) {
	_, err := New(Options{BaseURL: "https://example.org", SearchPath: "/index.jsp"})
	require.Error(t, err)
}
