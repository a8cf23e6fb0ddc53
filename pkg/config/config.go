package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Portal     PortalConfig     `mapstructure:"portal"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Store      StoreConfig      `mapstructure:"store"`
	Cache      CacheConfig      `mapstructure:"cache"`
	KeySpace   KeySpaceConfig   `mapstructure:"keyspace"`
	Server     ServerConfig     `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PortalConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	SearchPath      string        `mapstructure:"search_path"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	UserAgent       string        `mapstructure:"user_agent"`
	NotFoundMarkers []string      `mapstructure:"not_found_markers"`
	Cookies         []string      `mapstructure:"cookies"`
	CredentialTTL   time.Duration `mapstructure:"credential_ttl"`
	BrowserSession  bool          `mapstructure:"browser_session"`

	// The search page lists leagues without match or team counts. With
	// CompetitionLookup every league found is also fetched from the REST
	// competition endpoint, which reports them.
	CompetitionLookup           bool     `mapstructure:"competition_lookup"`
	CompetitionPath             string   `mapstructure:"competition_path"`
	CompetitionNotFoundMessages []string `mapstructure:"competition_not_found_messages"`
}

type PolitenessConfig struct {
	MinDelay       time.Duration `mapstructure:"min_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	SlowThreshold  time.Duration `mapstructure:"slow_threshold"`
	FastThreshold  time.Duration `mapstructure:"fast_threshold"`
	IncreaseFactor float64       `mapstructure:"increase_factor"`
	DecreaseFactor float64       `mapstructure:"decrease_factor"`
	Concurrency    int           `mapstructure:"concurrency"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type StoreConfig struct {
	Driver        string        `mapstructure:"driver"`
	Path          string        `mapstructure:"path"`
	PostgresURL   string        `mapstructure:"postgres_url"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	RedisTTL      time.Duration `mapstructure:"redis_ttl"`
}

type CacheConfig struct {
	PositiveTTL time.Duration `mapstructure:"positive_ttl"`
}

type KeySpaceConfig struct {
	Seasons       []string `mapstructure:"seasons"`
	Districts     []string `mapstructure:"districts"`
	LeagueClasses []string `mapstructure:"league_classes"`
	AgeClasses    []string `mapstructure:"age_classes"`
	Genders       []string `mapstructure:"genders"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	envPrefix         = "LEAGUECRAWL"
	defaultConfigFile = "leaguecrawl.yaml"
)

// Load reads configuration from the given file (or leaguecrawl.yaml when empty)
// and the environment. A missing file is not an error, so the crawler can be
// configured purely through LEAGUECRAWL_* variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	readFile := path != ""
	if !readFile {
		path = defaultConfigFile
		if _, err := os.Stat(path); err == nil {
			readFile = true
		}
	}
	if readFile {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("portal.base_url", "https://www.basketball-bund.net")
	v.SetDefault("portal.search_path", "/index.jsp")
	v.SetDefault("portal.request_timeout", 15*time.Second)
	v.SetDefault("portal.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	v.SetDefault("portal.not_found_markers", []string{
		"Keine Einträge gefunden",
		"does not contain handler parameter",
		"Seite nicht gefunden",
	})
	v.SetDefault("portal.cookies", []string{})
	v.SetDefault("portal.credential_ttl", 30*time.Minute)
	v.SetDefault("portal.browser_session", false)
	v.SetDefault("portal.competition_lookup", false)
	v.SetDefault("portal.competition_path", "/rest/competition/actual/id/")
	v.SetDefault("portal.competition_not_found_messages", []string{"no competition found"})

	v.SetDefault("politeness.min_delay", 800*time.Millisecond)
	v.SetDefault("politeness.max_delay", 60*time.Second)
	v.SetDefault("politeness.slow_threshold", 5*time.Second)
	v.SetDefault("politeness.fast_threshold", 500*time.Millisecond)
	v.SetDefault("politeness.increase_factor", 2.0)
	v.SetDefault("politeness.decrease_factor", 0.75)
	v.SetDefault("politeness.concurrency", 1)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.backoff_base", time.Second)
	v.SetDefault("retry.backoff_max", 30*time.Second)

	v.SetDefault("telemetry.enabled", true)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "league_cache.db")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.redis_addr", "")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_ttl", 24*time.Hour)

	v.SetDefault("cache.positive_ttl", time.Duration(0))

	seasons := make([]string, 0, 22)
	for year := 2003; year <= 2024; year++ {
		seasons = append(seasons, fmt.Sprint(year))
	}
	v.SetDefault("keyspace.seasons", seasons)
	v.SetDefault("keyspace.districts", []string{"5"})
	v.SetDefault("keyspace.league_classes", []string{"0"})
	v.SetDefault("keyspace.age_classes", []string{"-3"})
	v.SetDefault("keyspace.genders", []string{"0"})

	v.SetDefault("server.port", "8080")
}

// Validate checks the invariants the crawler relies on.
func (c *Config) Validate() error {
	var errs []error
	p := c.Politeness
	if p.MinDelay < 0 {
		errs = append(errs, fmt.Errorf("politeness.min_delay must not be negative"))
	}
	if p.MaxDelay < p.MinDelay {
		errs = append(errs, fmt.Errorf("politeness.max_delay (%s) is below min_delay (%s)", p.MaxDelay, p.MinDelay))
	}
	if p.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("politeness.concurrency must be at least 1"))
	}
	if p.IncreaseFactor < 1 {
		errs = append(errs, fmt.Errorf("politeness.increase_factor must be >= 1"))
	}
	if p.DecreaseFactor <= 0 || p.DecreaseFactor > 1 {
		errs = append(errs, fmt.Errorf("politeness.decrease_factor must be in (0, 1]"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1"))
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, fmt.Errorf("store.postgres_url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Portal.CompetitionLookup && c.Portal.CompetitionPath == "" {
		errs = append(errs, fmt.Errorf("portal.competition_path is required when portal.competition_lookup is on"))
	}
	return errors.Join(errs...)
}
