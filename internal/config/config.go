package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Wiki       WikiConfig       `yaml:"wiki" mapstructure:"wiki"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Sync       SyncConfig       `yaml:"sync" mapstructure:"sync"`
	Images     ImagesConfig     `yaml:"images" mapstructure:"images"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Admin      AdminConfig      `yaml:"admin" mapstructure:"admin"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	DeadLetter DeadLetterConfig `yaml:"deadletter" mapstructure:"deadletter"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// WikiConfig holds the upstream MediaWiki API settings.
type WikiConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	Category          string  `yaml:"category" mapstructure:"category"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	AliasesFile       string  `yaml:"aliases_file" mapstructure:"aliases_file"`
}

// RetryConfig configures backoff for upstream requests.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// SyncConfig configures the orchestration run.
type SyncConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
	BatchSize   int `yaml:"batch_size" mapstructure:"batch_size"`
}

// ImagesConfig configures gif URL resolution.
type ImagesConfig struct {
	BatchSize      int    `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency    int    `yaml:"concurrency" mapstructure:"concurrency"`
	PlaceholderURL string `yaml:"placeholder_url" mapstructure:"placeholder_url"`
}

// LockConfig configures the run-exclusion lock.
type LockConfig struct {
	ID         string        `yaml:"id" mapstructure:"id"`
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// ScheduleConfig configures the recurring sync.
type ScheduleConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Cron    string `yaml:"cron" mapstructure:"cron"`
}

// AdminConfig holds the shared secret for admin routes.
type AdminConfig struct {
	Token string `yaml:"token" mapstructure:"token"`
}

// ServerConfig configures the read API server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// DeadLetterConfig configures the parse-failure audit log.
type DeadLetterConfig struct {
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadFile reads configuration from file and environment. An empty path
// searches ./config.yaml and $HOME/.bosswiki/config.yaml, and a missing file
// there is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.bosswiki")
	}

	// Environment
	v.SetEnvPrefix("BOSSWIKI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "bosswiki.db")
	v.SetDefault("wiki.base_url", "https://tibia.fandom.com/api.php")
	v.SetDefault("wiki.category", "Category:Bosses")
	v.SetDefault("wiki.user_agent", "TibiaBossApiBot/0.1 (contato@seuexemplo.com)")
	v.SetDefault("wiki.timeout_secs", 30)
	v.SetDefault("wiki.requests_per_second", 5.0)
	v.SetDefault("wiki.burst", 5)
	v.SetDefault("wiki.aliases_file", "")
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 16000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.2)
	v.SetDefault("sync.concurrency", 10)
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("images.batch_size", 50)
	v.SetDefault("images.concurrency", 2)
	v.SetDefault("images.placeholder_url", "static/placeholder_boss.png")
	v.SetDefault("lock.id", "scraper_lock")
	v.SetDefault("lock.stale_after", "2h")
	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", "0 0 */12 * * *")
	v.SetDefault("admin.token", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_secs", 15)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("deadletter.path", "logs/parsing_errors.jsonl")
	v.SetDefault("deadletter.max_size_mb", 10)
	v.SetDefault("deadletter.max_backups", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless explicitly named)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration is usable for the given command mode.
// Modes: "serve", "sync", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (use postgres or sqlite)", c.Store.Driver))
	}

	switch mode {
	case "migrate":
	case "sync", "serve":
		errs = append(errs, c.validateSync()...)
		if mode == "serve" {
			if c.Server.Port <= 0 {
				errs = append(errs, "server.port must be > 0")
			}
			if c.Schedule.Enabled && strings.TrimSpace(c.Schedule.Cron) == "" {
				errs = append(errs, "schedule.cron is required when schedule.enabled is set")
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateSync() []string {
	var errs []string
	if c.Wiki.BaseURL == "" {
		errs = append(errs, "wiki.base_url is required")
	}
	if strings.TrimSpace(c.Wiki.UserAgent) == "" {
		errs = append(errs, "wiki.user_agent is required")
	}
	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > 50 {
		errs = append(errs, "sync.concurrency must be between 1 and 50")
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, "sync.batch_size must be > 0")
	}
	if c.Images.BatchSize < 1 || c.Images.BatchSize > 50 {
		errs = append(errs, "images.batch_size must be between 1 and 50")
	}
	if c.Images.Concurrency < 1 {
		errs = append(errs, "images.concurrency must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be > 0")
	}
	if c.Lock.ID == "" {
		errs = append(errs, "lock.id is required")
	}
	if c.Lock.StaleAfter < 0 {
		errs = append(errs, "lock.stale_after must be >= 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
