package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := GetDefaultConfig()
	cfg.Project = "proj"
	cfg.Instance = "pg1"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	require.Equal(t, model.Duration(time.Hour), cfg.Window.Duration)
	require.Equal(t, 8, cfg.Collector.MaxWorkers)
	require.Equal(t, 5, cfg.Collector.GroupByMinutes)
	require.Equal(t, 0.75, cfg.Collector.Percentile)
	require.Equal(t, 20, cfg.Postgres.TopN)
	require.Equal(t, "INFO", cfg.Log.Level)
	require.Empty(t, cfg.Address)
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.Project = ""
	require.ErrorContains(t, cfg.Validate(), "project")

	cfg = validConfig()
	cfg.Instance = ""
	require.ErrorContains(t, cfg.Validate(), "instance")

	cfg = validConfig()
	cfg.Window.Duration = 0
	require.ErrorContains(t, cfg.Validate(), "duration")

	cfg = validConfig()
	cfg.Window.Start = "not-a-time"
	require.ErrorContains(t, cfg.Validate(), "invalid datetime")

	cfg = validConfig()
	cfg.Collector.MaxWorkers = 0
	require.ErrorContains(t, cfg.Validate(), "max-workers")

	cfg = validConfig()
	cfg.Collector.Percentile = 1.5
	require.ErrorContains(t, cfg.Validate(), "percentile")

	cfg = validConfig()
	cfg.Postgres.DSN = "postgres://localhost/db"
	cfg.Postgres.TopN = 0
	require.ErrorContains(t, cfg.Validate(), "top-n")
}

func TestInitConfigFile(t *testing.T) {
	content := `
project = "proj"
instance = "pg1"

[window]
start = "2026-01-29T09:00"
end = "2026-01-29T10:30"

[collector]
max-workers = 4
tolerant = true
percentile = 0.9

[postgres]
dsn = "postgres://app@localhost/db"
top-n = 10
`
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := InitConfig(path, nil)
	require.NoError(t, err)
	require.Equal(t, "proj", cfg.Project)
	require.Equal(t, 4, cfg.Collector.MaxWorkers)
	require.True(t, cfg.Collector.Tolerant)
	require.Equal(t, 0.9, cfg.Collector.Percentile)
	require.Equal(t, 10, cfg.Postgres.TopN)
	// Untouched sections keep their defaults.
	require.Equal(t, 5, cfg.Collector.GroupByMinutes)
	require.Same(t, cfg, GetGlobalConfig())

	start, end, err := cfg.Window.Times()
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 29, 9, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2026, 1, 29, 10, 30, 0, 0, time.UTC), end)
}

func TestInitConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("project = \"p\"\ninstance = \"i\"\nbogus = 1\n"), 0644))

	_, err := InitConfig(path, nil)
	require.ErrorContains(t, err, "unknown config key")
}

func TestInitConfigOverride(t *testing.T) {
	cfg, err := InitConfig("", func(c *Config) {
		c.Project = "proj"
		c.Instance = "pg1"
		c.Address = "127.0.0.1:12020"
	})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:12020", cfg.Address)
}

func TestParseUTCMinute(t *testing.T) {
	want := time.Date(2026, 1, 29, 9, 5, 0, 0, time.UTC)

	for _, in := range []string{
		"2026-01-29T09:05",
		"2026-01-29 09:05",
		"2026-01-29T09:05Z",
		"  2026-01-29T09:05  ",
	} {
		got, err := ParseUTCMinute(in)
		require.NoError(t, err, "input %q", in)
		require.Equal(t, want, got, "input %q", in)
	}

	_, err := ParseUTCMinute("2026-01-29T09:05:30")
	require.Error(t, err)
	_, err = ParseUTCMinute("29/01/2026")
	require.Error(t, err)
}

func TestWindowTimesUnsetEdges(t *testing.T) {
	start, end, err := WindowConfig{Duration: model.Duration(time.Hour)}.Times()
	require.NoError(t, err)
	require.True(t, start.IsZero())
	require.True(t, end.IsZero())
}
