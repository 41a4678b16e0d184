package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/prometheus/common/model"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	defWindowDuration = model.Duration(time.Hour)
	defMaxWorkers     = 8
	defGroupByMinutes = 5
	defPercentile     = 0.75
	defTopStatements  = 20
)

type Config struct {
	// Address enables the HTTP surface when non-empty, e.g. "0.0.0.0:12020".
	Address   string          `toml:"address"`
	Project   string          `toml:"project"`
	Instance  string          `toml:"instance"`
	Window    WindowConfig    `toml:"window"`
	Collector CollectorConfig `toml:"collector"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Log       LogConfig       `toml:"log"`
}

// WindowConfig selects the acquisition window. Start and End use minute
// precision UTC ("2006-01-02T15:04"); either may be empty, in which case
// Duration anchors the missing side (see Resolve).
type WindowConfig struct {
	Start    string         `toml:"start"`
	End      string         `toml:"end"`
	Duration model.Duration `toml:"duration"`
}

type CollectorConfig struct {
	MaxWorkers  int            `toml:"max-workers"`
	TaskTimeout model.Duration `toml:"task-timeout"`
	// Tolerant opts into a partial snapshot when some categories fail.
	Tolerant bool `toml:"tolerant"`
	// Interval re-runs collection periodically when the HTTP surface is on.
	Interval       model.Duration `toml:"interval"`
	GroupByMinutes int            `toml:"group-by-minutes"`
	Percentile     float64        `toml:"percentile"`
}

type PostgresConfig struct {
	// DSN enables the pg_stat_statements collaborator when non-empty.
	DSN  string `toml:"dsn"`
	TopN int    `toml:"top-n"`
}

type LogConfig struct {
	Path  string `toml:"path"`
	Level string `toml:"level"`
}

var defaultConf = Config{
	Window: WindowConfig{
		Duration: defWindowDuration,
	},
	Collector: CollectorConfig{
		MaxWorkers:     defMaxWorkers,
		GroupByMinutes: defGroupByMinutes,
		Percentile:     defPercentile,
	},
	Postgres: PostgresConfig{
		TopN: defTopStatements,
	},
	Log: LogConfig{
		Level: "INFO",
	},
}

func GetDefaultConfig() Config {
	return defaultConf
}

var globalConf atomic.Pointer[Config]

func StoreGlobalConfig(cfg *Config) {
	globalConf.Store(cfg)
}

func GetGlobalConfig() *Config {
	return globalConf.Load()
}

// InitConfig loads the TOML file at path (when non-empty), applies the
// command line override and stores the result as the global config.
func InitConfig(path string, override func(*Config)) (*Config, error) {
	cfg := GetDefaultConfig()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, errors.Wrapf(err, "decode config file %s", path)
		}
		if len(meta.Undecoded()) > 0 {
			return nil, errors.Errorf("unknown config key %q in %s", meta.Undecoded()[0].String(), path)
		}
	}
	if override != nil {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	StoreGlobalConfig(&cfg)
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Project == "" {
		return errors.New("project must not be empty")
	}
	if c.Instance == "" {
		return errors.New("instance must not be empty")
	}
	if c.Window.Start == "" && c.Window.End == "" && c.Window.Duration <= 0 {
		return errors.New("window requires a positive duration when start/end are unset")
	}
	if _, _, err := c.Window.Times(); err != nil {
		return err
	}
	if c.Collector.MaxWorkers <= 0 {
		return errors.New("collector max-workers must be positive")
	}
	if c.Collector.GroupByMinutes <= 0 {
		return errors.New("collector group-by-minutes must be positive")
	}
	if c.Collector.Percentile <= 0 || c.Collector.Percentile >= 1 {
		return errors.New("collector percentile must be in (0, 1)")
	}
	if c.Postgres.DSN != "" && c.Postgres.TopN <= 0 {
		return errors.New("postgres top-n must be positive")
	}
	return nil
}

// Times parses the configured window edges. Zero times mean "unset".
func (w WindowConfig) Times() (start, end time.Time, err error) {
	if w.Start != "" {
		if start, err = ParseUTCMinute(w.Start); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if w.End != "" {
		if end, err = ParseUTCMinute(w.End); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return start, end, nil
}

// ParseUTCMinute parses "2006-01-02T15:04" (UTC, no seconds). A space
// separator and a trailing "Z" are tolerated.
func ParseUTCMinute(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	s = strings.ReplaceAll(s, " ", "T")
	s = strings.TrimSuffix(s, "Z")
	t, err := time.Parse("2006-01-02T15:04", s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid datetime %q, want UTC YYYY-MM-DDTHH:MM", value)
	}
	return t.UTC(), nil
}

func InitLog(cfg *Config) error {
	logCfg := &log.Config{
		Level: cfg.Log.Level,
		File:  log.FileLogConfig{Filename: cfg.Log.Path},
	}
	logger, p, err := log.InitLogger(logCfg)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	log.ReplaceGlobals(logger, p)
	log.Info("logger initialized", zap.String("level", cfg.Log.Level))
	return nil
}
