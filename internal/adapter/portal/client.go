package portal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/user/league-discovery/internal/entity"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/pkg/utils"
)

const searchAction = "106"

// DefaultCompetitionPath is the portal's REST endpoint for one league,
// addressed by league id.
const DefaultCompetitionPath = "/rest/competition/actual/id/"

type Options struct {
	BaseURL     string
	SearchPath  string
	UserAgent   string
	Timeout     time.Duration
	Classifier  Classifier
	Credentials repository.CredentialProvider // optional
	// SessionTTL is how long a portal session opened by the client is
	// reused before the search page is fetched again. Zero keeps it until
	// the portal refuses it.
	SessionTTL time.Duration
	// Competition, when set, looks every league the search finds up on the
	// competition endpoint to read its match and team counts.
	Competition *CompetitionLookup
	Logger      *zap.Logger
}

type CompetitionLookup struct {
	Path       string // DefaultCompetitionPath when empty
	Classifier Classifier
}

// Client is the repository.Prober for the portal. It issues one search
// request per Probe call, plus one competition request for a league found
// when a CompetitionLookup is configured. Retrying is left to the caller.
//
// Without a credential provider the client opens its own portal session:
// the search page is fetched once so the cookie jar holds the session
// cookie, and fetched again after a 403 or once SessionTTL has passed. The
// portal answers a search without a session with its not-found text.
type Client struct {
	http           *resty.Client
	searchURL      string
	competitionURL string
	competition    Classifier
	timeout        time.Duration
	classifier     Classifier
	credentials    repository.CredentialProvider
	sessionTTL     time.Duration
	logger         *zap.Logger
	now            func() time.Time

	mu       sync.Mutex
	primedAt time.Time
}

func New(opts Options) (*Client, error) {
	if opts.Classifier == nil {
		return nil, errors.New("portal: classifier is required")
	}
	searchURL, err := utils.JoinURL(opts.BaseURL, opts.SearchPath)
	if err != nil {
		return nil, fmt.Errorf("portal: search url: %w", err)
	}
	parsed, err := url.Parse(searchURL)
	if err != nil {
		return nil, fmt.Errorf("portal: search url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Client{
		searchURL:   searchURL,
		timeout:     opts.Timeout,
		classifier:  opts.Classifier,
		credentials: opts.Credentials,
		sessionTTL:  opts.SessionTTL,
		logger:      opts.Logger.Named("portal"),
		now:         time.Now,
	}
	if lookup := opts.Competition; lookup != nil {
		if lookup.Classifier == nil {
			return nil, errors.New("portal: competition lookup needs a classifier")
		}
		path := lookup.Path
		if path == "" {
			path = DefaultCompetitionPath
		}
		if c.competitionURL, err = utils.JoinURL(opts.BaseURL, path); err != nil {
			return nil, fmt.Errorf("portal: competition url: %w", err)
		}
		c.competition = lookup.Classifier
	}

	httpClient := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	httpClient.SetCookieJar(jar)
	if opts.UserAgent != "" {
		httpClient.SetHeader("user-agent", opts.UserAgent)
	}
	httpClient.SetHeader("accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	httpClient.SetHeader("accept-language", "de-DE,de;q=0.9,en;q=0.8")
	httpClient.SetHeader("referer", searchURL+"?Action="+searchAction)
	httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(parsed.Hostname()))
	httpClient.SetTimeout(opts.Timeout)
	c.http = httpClient

	return c, nil
}

// FormFields is the league search form for key, field for field as the
// portal's own form submits it.
func FormFields(key entity.ProbeKey) url.Values {
	form := url.Values{}
	form.Set("Action", searchAction)
	form.Set("viewid", "")
	form.Set("saison_id", key.Season)
	form.Set("cbBezirkFilter", key.District)
	form.Set("cbKreisFilter", entity.Wildcard)
	form.Set("cbSpielklasseFilter", key.LeagueClass)
	form.Set("cbAltersklasseFilter", key.AgeClass)
	form.Set("cbGeschlechtFilter", key.Gender)
	form.Set("startrow", "0")
	return form
}

// Probe submits the search form for key and classifies the answer.
func (c *Client) Probe(ctx context.Context, key entity.ProbeKey) (entity.ProbeResult, error) {
	result := entity.ProbeResult{Outcome: entity.OutcomeTransient}
	if err := key.Validate(); err != nil {
		result.Outcome = entity.OutcomeMalformed
		return result, fmt.Errorf("%w: invalid key: %w", repository.ErrMalformedResponse, err)
	}
	form := FormFields(key)
	result.URL = c.searchURL + "?" + form.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.ensureSession(ctx); err != nil {
		return result, fmt.Errorf("%w: %s: %w", repository.ErrTransient, key, err)
	}
	var cookies []*http.Cookie
	if c.credentials != nil {
		var err error
		if cookies, err = c.credentials.Cookies(ctx); err != nil {
			return result, fmt.Errorf("%w: credentials: %w", repository.ErrTransient, err)
		}
	}

	start := time.Now()
	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("Action", searchAction).
		SetFormDataFromValues(form).
		SetCookies(cookies).
		Post(c.searchURL)
	result.Latency = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("%w: %s: %w", repository.ErrTransient, key, err)
	}
	result.StatusCode = res.StatusCode()

	cls, err := c.classify(key, res, c.classifier)
	if err != nil || cls.Outcome == entity.OutcomeNotFound {
		result.Outcome = cls.Outcome
		return result, err
	}

	if c.competition != nil && cls.Metadata.LeagueID != "" {
		start = time.Now()
		cls, err = c.lookupCompetition(ctx, key, cookies, cls)
		result.Latency += time.Since(start)
		if err != nil {
			result.Outcome = cls.Outcome
			return result, err
		}
	}

	result.Outcome = cls.Outcome
	result.Metadata = cls.Metadata
	c.logger.Debug("probe classified",
		zap.String("key", key.String()),
		zap.String("outcome", string(cls.Outcome)),
		zap.Int("leagues", cls.Leagues),
		zap.Duration("latency", result.Latency),
	)
	return result, nil
}

// lookupCompetition replaces the counts read from the search page with the
// ones the competition endpoint reports for the league found. A league the
// search lists but the endpoint does not know is empty.
func (c *Client) lookupCompetition(ctx context.Context, key entity.ProbeKey, cookies []*http.Cookie, found Classification) (Classification, error) {
	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("accept", "application/json").
		SetCookies(cookies).
		Get(c.competitionURL + url.PathEscape(found.Metadata.LeagueID))
	if err != nil {
		return Classification{Outcome: entity.OutcomeTransient}, fmt.Errorf("%w: %s: competition %s: %w", repository.ErrTransient, key, found.Metadata.LeagueID, err)
	}

	cls, err := c.classify(key, res, c.competition)
	if err != nil {
		return cls, err
	}
	meta := found.Metadata
	if cls.Outcome == entity.OutcomeNotFound {
		meta.MatchCount, meta.TeamCount = 0, 0
		return Classification{Outcome: entity.OutcomeExistsEmpty, Metadata: meta, Leagues: found.Leagues}, nil
	}
	meta.MatchCount = cls.Metadata.MatchCount
	meta.TeamCount = cls.Metadata.TeamCount
	if meta.LeagueName == "" {
		meta.LeagueName = cls.Metadata.LeagueName
	}
	if meta.DistrictName == "" {
		meta.DistrictName = cls.Metadata.DistrictName
	}
	return Classification{Outcome: cls.Outcome, Metadata: meta, Leagues: found.Leagues}, nil
}

// classify maps the response status and hands 2xx bodies to classifier.
func (c *Client) classify(key entity.ProbeKey, res *resty.Response, classifier Classifier) (Classification, error) {
	switch code := res.StatusCode(); {
	case isTransientStatus(code):
		if code == http.StatusForbidden {
			c.invalidateCredentials()
		}
		return Classification{Outcome: entity.OutcomeTransient}, fmt.Errorf("%w: %s: HTTP %d", repository.ErrTransient, key, code)
	case code == http.StatusNotFound || code == http.StatusGone:
		return Classification{Outcome: entity.OutcomeNotFound}, nil
	case code < 200 || code > 299:
		return Classification{Outcome: entity.OutcomeMalformed}, fmt.Errorf("%w: %s: unexpected HTTP %d", repository.ErrMalformedResponse, key, code)
	}

	body, err := decodeBody(res.Body(), res.Header().Get("Content-Type"))
	if err != nil {
		return Classification{Outcome: entity.OutcomeMalformed}, fmt.Errorf("%w: %s: %w", repository.ErrMalformedResponse, key, err)
	}
	cls, err := classifier.Classify(body)
	if err != nil {
		return Classification{Outcome: entity.OutcomeMalformed}, fmt.Errorf("%s: %w", key, err)
	}
	return cls, nil
}

// ensureSession fetches the search page when the client holds no live
// portal session. Concurrent probes wait for a single fetch.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.credentials != nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.primedAt.IsZero() && (c.sessionTTL <= 0 || c.now().Sub(c.primedAt) < c.sessionTTL) {
		return nil
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("Action", searchAction).
		Get(c.searchURL)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if code := res.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("open session: HTTP %d", code)
	}
	c.primedAt = c.now()
	c.logger.Debug("portal session opened")
	return nil
}

// invalidateCredentials drops cached cookies after the portal refused them,
// so the next attempt fetches fresh ones.
func (c *Client) invalidateCredentials() {
	c.mu.Lock()
	c.primedAt = time.Time{}
	c.mu.Unlock()

	if inv, ok := c.credentials.(interface{ Invalidate() }); ok {
		inv.Invalidate()
		c.logger.Info("portal refused the request, credentials invalidated")
	}
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// decodeBody converts the body to UTF-8 based on the declared or sniffed charset.
func decodeBody(body []byte, contentType string) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
