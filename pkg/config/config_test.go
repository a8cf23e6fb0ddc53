package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 800*time.Millisecond, cfg.Politeness.MinDelay)
	assert.Equal(t, 60*time.Second, cfg.Politeness.MaxDelay)
	assert.Equal(t, 1, cfg.Politeness.Concurrency)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.False(t, cfg.Portal.CompetitionLookup)
	assert.Equal(t, "/rest/competition/actual/id/", cfg.Portal.CompetitionPath)
	assert.Len(t, cfg.KeySpace.Seasons, 22)
	assert.Equal(t, "2003", cfg.KeySpace.Seasons[0])
	assert.Equal(t, []string{"5"}, cfg.KeySpace.Districts)
	assert.Contains(t, cfg.Portal.NotFoundMarkers, "Keine Einträge gefunden")
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawl.yaml")
	content := `
politeness:
  min_delay: 2s
  concurrency: 3
store:
  driver: sqlite
  path: /tmp/cache.db
keyspace:
  seasons: ["2018", "2019"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("LEAGUECRAWL_RETRY_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Politeness.MinDelay)
	assert.Equal(t, 3, cfg.Politeness.Concurrency)
	assert.Equal(t, "/tmp/cache.db", cfg.Store.Path)
	assert.Equal(t, []string{"2018", "2019"}, cfg.KeySpace.Seasons)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"max below min", func(c *Config) { c.Politeness.MaxDelay = c.Politeness.MinDelay - time.Millisecond }},
		{"zero concurrency", func(c *Config) { c.Politeness.Concurrency = 0 }},
		{"shrinking increase factor", func(c *Config) { c.Politeness.IncreaseFactor = 0.5 }},
		{"zero decrease factor", func(c *Config) { c.Politeness.DecreaseFactor = 0 }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"postgres without url", func(c *Config) { c.Store.Driver = DriverPostgres }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }},
		{"competition lookup without path", func(c *Config) {
			c.Portal.CompetitionLookup = true
			c.Portal.CompetitionPath = ""
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
