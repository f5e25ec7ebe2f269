// Package config loads the studio configuration.
//
// Sources, lowest precedence first:
//  1. Built-in defaults
//  2. A YAML file (--config, or ./studio.yaml when present)
//  3. A dotenv file (--env-file, default .env); it never overrides
//     variables already set in the environment
//  4. FORESIGHT_* environment variables, dots replaced by underscores
//     (FORESIGHT_REDIS_ADDR, FORESIGHT_SESSION_IDLE_TTL, ...)
//  5. Command-line flags that were set explicitly
//
// Example usage:
//
//	cfg, err := config.Load(cmd.Flags())
//	if err != nil {
//	    return err
//	}
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/HatiCode/foresight/pkg/models"
	"github.com/HatiCode/foresight/pkg/pipeline"
	"github.com/HatiCode/foresight/pkg/tls"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "FORESIGHT"

// Config holds all studio configuration.
type Config struct {
	Listen         string `mapstructure:"listen"`
	GRPCListen     string `mapstructure:"grpc_listen"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
	TLS            TLS    `mapstructure:"tls"`

	Storage string `mapstructure:"storage"`
	Redis   Redis  `mapstructure:"redis"`

	Forecaster string `mapstructure:"forecaster"`
	BYOM       BYOM   `mapstructure:"byom"`

	Workers          int           `mapstructure:"workers"`
	FoldTimeout      time.Duration `mapstructure:"fold_timeout"`
	CandidateTimeout time.Duration `mapstructure:"candidate_timeout"`
	CV               CV            `mapstructure:"cv"`

	Session Session `mapstructure:"session"`
	Tracing Tracing `mapstructure:"tracing"`
}

// Redis configures the shared artifact store.
type Redis struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// BYOM configures the remote forecaster.
type BYOM struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
	TLS     TLS           `mapstructure:"tls"`
}

// TLS lists PEM files. See package tls for how each side uses them.
type TLS struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`
}

// Config converts to the form pkg/tls consumes.
func (t TLS) Config() tls.Config {
	return tls.Config{Enabled: t.Enabled, CertFile: t.CertFile, KeyFile: t.KeyFile, CAFile: t.CAFile}
}

// CV holds the default cross-validation settings for requests that omit them.
type CV struct {
	InitialDays int `mapstructure:"initial_days"`
	PeriodDays  int `mapstructure:"period_days"`
	HorizonDays int `mapstructure:"horizon_days"`
}

// Session controls idle-session expiry.
type Session struct {
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
	// Sweep is a cron spec, e.g. "@every 1m" or "*/5 * * * *".
	Sweep string `mapstructure:"sweep"`
}

// Tracing toggles the stdout span exporter.
type Tracing struct {
	Enabled bool `mapstructure:"enabled"`
}

// CVSettings returns the configured cross-validation defaults.
func (c *Config) CVSettings() pipeline.CVSettings {
	return pipeline.CVSettings{
		InitialDays: c.CV.InitialDays,
		PeriodDays:  c.CV.PeriodDays,
		HorizonDays: c.CV.HorizonDays,
	}
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"listen":            "listen",
	"grpc-listen":       "grpc_listen",
	"log-level":         "log_level",
	"log-format":        "log_format",
	"storage":           "storage",
	"redis-addr":        "redis.addr",
	"forecaster":        "forecaster",
	"byom-url":          "byom.url",
	"workers":           "workers",
	"fold-timeout":      "fold_timeout",
	"candidate-timeout": "candidate_timeout",
	"tracing":           "tracing.enabled",
}

func setDefaults(v *viper.Viper) {
	defaults := pipeline.DefaultCVSettings()

	v.SetDefault("listen", ":8080")
	v.SetDefault("grpc_listen", ":9090")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("max_upload_bytes", 32<<20)
	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.ca_file", "")

	v.SetDefault("storage", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "24h")

	v.SetDefault("forecaster", models.KindBaseline)
	v.SetDefault("byom.url", "")
	v.SetDefault("byom.timeout", "30s")
	v.SetDefault("byom.tls.enabled", false)
	v.SetDefault("byom.tls.cert_file", "")
	v.SetDefault("byom.tls.key_file", "")
	v.SetDefault("byom.tls.ca_file", "")

	v.SetDefault("workers", 0)
	v.SetDefault("fold_timeout", "0s")
	v.SetDefault("candidate_timeout", "0s")
	v.SetDefault("cv.initial_days", defaults.InitialDays)
	v.SetDefault("cv.period_days", defaults.PeriodDays)
	v.SetDefault("cv.horizon_days", defaults.HorizonDays)

	v.SetDefault("session.idle_ttl", "2h")
	v.SetDefault("session.sweep", "@every 1m")
	v.SetDefault("tracing.enabled", false)
}

// RegisterFlags adds the flags Load understands to flags.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "YAML config file (default ./studio.yaml when present)")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.String("grpc-listen", ":9090", "gRPC health listen address (empty disables)")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("storage", "memory", "Export storage backend: memory or redis")
	flags.String("redis-addr", "localhost:6379", "Redis server address")
	flags.String("forecaster", models.KindBaseline, "Forecaster: baseline or byom")
	flags.String("byom-url", "", "Remote forecaster URL (required when forecaster=byom)")
	flags.Int("workers", 0, "Fold and candidate parallelism (0 = number of CPUs)")
	flags.Duration("fold-timeout", 0, "Per-fold timeout (0 = none)")
	flags.Duration("candidate-timeout", 0, "Per-candidate tuning timeout (0 = none)")
	flags.Bool("tracing", false, "Export pipeline spans to stdout")
}

// Load builds and validates a Config. flags may be nil; names missing from
// flags are skipped.
func Load(flags *pflag.FlagSet) (*Config, error) {
	envFile := ".env"
	configFile := ""
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil {
			envFile = f.Value.String()
		}
		if f := flags.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("studio")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
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

// Validate checks every field and returns the first problem found.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address cannot be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q (must be debug, info, warn, or error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q (must be text or json)", c.LogFormat)
	}

	if c.MaxUploadBytes <= 0 {
		return errors.New("max_upload_bytes must be > 0")
	}
	if err := c.TLS.Config().Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls: cert_file and key_file are required when enabled")
	}

	switch c.Storage {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is required when storage=redis")
		}
		if c.Redis.DB < 0 {
			return errors.New("redis.db must be >= 0")
		}
		if c.Redis.TTL < 0 {
			return errors.New("redis.ttl must be >= 0")
		}
	default:
		return fmt.Errorf("invalid storage %q (must be memory or redis)", c.Storage)
	}

	switch c.Forecaster {
	case models.KindBaseline:
	case models.KindBYOM:
		if c.BYOM.URL == "" {
			return errors.New("byom.url is required when forecaster=byom")
		}
		if err := c.BYOM.TLS.Config().Validate(); err != nil {
			return fmt.Errorf("byom.tls: %w", err)
		}
	default:
		return fmt.Errorf("invalid forecaster %q (must be baseline or byom)", c.Forecaster)
	}

	if c.Workers < 0 {
		return errors.New("workers must be >= 0")
	}
	if c.FoldTimeout < 0 || c.CandidateTimeout < 0 {
		return errors.New("fold_timeout and candidate_timeout must be >= 0")
	}
	if err := c.CVSettings().Validate(); err != nil {
		return fmt.Errorf("cv: %w", err)
	}
	// cv.horizon_days doubles as the default predict horizon.
	if c.CV.HorizonDays > pipeline.MaxHorizonDays {
		return fmt.Errorf("cv: horizon_days must be <= %d, got %d", pipeline.MaxHorizonDays, c.CV.HorizonDays)
	}

	if c.Session.IdleTTL <= 0 {
		return errors.New("session.idle_ttl must be > 0")
	}
	if _, err := cron.ParseStandard(c.Session.Sweep); err != nil {
		return fmt.Errorf("invalid session.sweep %q: %w", c.Session.Sweep, err)
	}

	return nil
}
