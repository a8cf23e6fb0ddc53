// Package app wires configuration into stores, the portal prober and the
// discovery runner. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/user/league-discovery/internal/adapter/chromedp_session"
	"github.com/user/league-discovery/internal/adapter/credentials"
	"github.com/user/league-discovery/internal/adapter/portal"
	"github.com/user/league-discovery/internal/adapter/postgres"
	"github.com/user/league-discovery/internal/adapter/redis"
	"github.com/user/league-discovery/internal/adapter/sqlite"
	"github.com/user/league-discovery/internal/delivery/http/handler"
	"github.com/user/league-discovery/internal/politeness"
	"github.com/user/league-discovery/internal/repository"
	"github.com/user/league-discovery/internal/usecase"
	"github.com/user/league-discovery/pkg/config"
	"github.com/user/league-discovery/pkg/metrics"
	"github.com/user/league-discovery/pkg/utils"
)

const browserLoadTimeout = 45 * time.Second

// CacheStore is an existence cache that can also report on its contents.
type CacheStore interface {
	repository.ExistenceCache
	repository.CacheReporter
}

// SessionStore records crawl sessions and reads them back.
type SessionStore interface {
	repository.SessionRecorder
	repository.SessionReporter
}

type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Cache    CacheStore
	Sessions SessionStore

	checks  map[string]handler.HealthCheck
	closers []func() error
}

// New opens the configured stores. The caller must Close the App.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics.New(reg),
		checks:   make(map[string]handler.HealthCheck),
	}
	if err := a.openStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context) error {
	st := a.Config.Store
	switch st.Driver {
	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, st.PostgresURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		a.Cache = postgres.NewLeagueCacheRepo(pool)
		a.Sessions = postgres.NewSessionRepo(pool)
		a.checks["postgres"] = pool.Ping
		a.Logger.Info("postgres store ready")
	default:
		db, err := sqlite.Open(ctx, st.Path)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.Cache = sqlite.NewLeagueCacheRepo(db)
		a.Sessions = sqlite.NewSessionRepo(db)
		a.checks["sqlite"] = db.PingContext
		a.Logger.Info("sqlite store ready", zap.String("path", st.Path))
	}

	if st.RedisAddr == "" {
		return nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     st.RedisAddr,
		Password: st.RedisPassword,
		DB:       st.RedisDB,
	})
	a.closers = append(a.closers, client.Close)
	layered := redis.NewLayeredCache(client, a.Cache, st.RedisTTL, a.Logger)
	if err := layered.Ping(ctx); err != nil {
		a.Logger.Warn("redis unreachable, serving from the durable store", zap.String("addr", st.RedisAddr), zap.Error(err))
	}
	a.Cache = layered
	a.checks["redis"] = layered.Ping
	return nil
}

// Recorder is the session store, or a no-op recorder when telemetry is off.
func (a *App) Recorder() repository.SessionRecorder {
	if !a.Config.Telemetry.Enabled {
		return usecase.NopRecorder{}
	}
	return a.Sessions
}

// HealthChecks returns one check per store the App opened.
func (a *App) HealthChecks() map[string]handler.HealthCheck {
	return a.checks
}

// NewProber builds the portal client with the configured classifier and
// credential source.
func (a *App) NewProber() (*portal.Client, error) {
	p := a.Config.Portal
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	return portal.New(portal.Options{
		BaseURL:     p.BaseURL,
		SearchPath:  p.SearchPath,
		UserAgent:   p.UserAgent,
		Timeout:     p.RequestTimeout,
		Classifier:  a.classifier(),
		Credentials: creds,
		SessionTTL:  p.CredentialTTL,
		Competition: a.competitionLookup(),
		Logger:      a.Logger,
	})
}

func (a *App) classifier() portal.Classifier {
	rules := portal.DefaultRules()
	if markers := a.Config.Portal.NotFoundMarkers; len(markers) > 0 {
		rules.NotFoundMarkers = markers
	}
	return portal.NewHTMLClassifier(rules)
}

// competitionLookup is nil unless portal.competition_lookup is on.
func (a *App) competitionLookup() *portal.CompetitionLookup {
	p := a.Config.Portal
	if !p.CompetitionLookup {
		return nil
	}
	return &portal.CompetitionLookup{
		Path:       p.CompetitionPath,
		Classifier: portal.NewJSONClassifier(p.CompetitionNotFoundMessages...),
	}
}

// credentials returns nil when neither a browser session nor cookies are
// configured; the portal client then opens its own session.
func (a *App) credentials() (repository.CredentialProvider, error) {
	p := a.Config.Portal
	var source repository.CredentialProvider
	switch {
	case p.BrowserSession:
		searchURL, err := utils.JoinURL(p.BaseURL, p.SearchPath)
		if err != nil {
			return nil, fmt.Errorf("browser session url: %w", err)
		}
		browser := chromedp_session.NewBrowserSession(searchURL+"?Action=106", p.UserAgent, browserLoadTimeout, a.Logger)
		a.closers = append(a.closers, func() error { browser.Close(); return nil })
		source = browser
	case len(p.Cookies) > 0:
		static, err := credentials.NewStatic(p.Cookies)
		if err != nil {
			return nil, err
		}
		source = static
	default:
		return nil, nil
	}
	return credentials.NewCached(source, p.CredentialTTL), nil
}

// RunnerConfig maps the configuration onto a runner over space.
func (a *App) RunnerConfig(space usecase.KeySpace) usecase.RunnerConfig {
	c := a.Config
	return usecase.RunnerConfig{
		KeySpace: space,
		Politeness: politeness.Options{
			MinDelay:       c.Politeness.MinDelay,
			MaxDelay:       c.Politeness.MaxDelay,
			SlowThreshold:  c.Politeness.SlowThreshold,
			FastThreshold:  c.Politeness.FastThreshold,
			IncreaseFactor: c.Politeness.IncreaseFactor,
			DecreaseFactor: c.Politeness.DecreaseFactor,
			Concurrency:    c.Politeness.Concurrency,
		},
		MaxAttempts:  c.Retry.MaxAttempts,
		BackoffBase:  c.Retry.BackoffBase,
		BackoffMax:   c.Retry.BackoffMax,
		PositiveTTL:  c.Cache.PositiveTTL,
		ProbeTimeout: c.Portal.RequestTimeout,
	}
}

// KeySpace is the configured key space.
func (a *App) KeySpace() usecase.KeySpace {
	k := a.Config.KeySpace
	return usecase.KeySpace{
		Seasons:       k.Seasons,
		Districts:     k.Districts,
		LeagueClasses: k.LeagueClasses,
		AgeClasses:    k.AgeClasses,
		Genders:       k.Genders,
	}
}

// NewRunner builds a discovery runner over space.
func (a *App) NewRunner(space usecase.KeySpace) (*usecase.DiscoveryRunner, error) {
	prober, err := a.NewProber()
	if err != nil {
		return nil, err
	}
	return usecase.NewDiscoveryRunner(a.Cache, prober, a.Recorder(), a.RunnerConfig(space), a.Metrics, a.Logger), nil
}

func (a *App) CacheManager() *usecase.CacheManager {
	return usecase.NewCacheManager(a.Cache, a.Cache, a.Config.Portal.BaseURL, a.Logger)
}

func (a *App) AuditReader() *usecase.AuditReader {
	return usecase.NewAuditReader(a.Sessions)
}

// Close releases everything New and NewProber opened, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
