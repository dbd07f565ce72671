// Package config loads cradle.toml through viper. Every key can be overridden
// from the environment with the CRADLE_ prefix, dots replaced by underscores
// (CRADLE_SINK_TOKEN, CRADLE_WRITER_MAX_ATTEMPTS).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // timezone must resolve on hosts without zoneinfo

	"github.com/spf13/viper"

	"github.com/loykin/cradle/internal/auth"
	"github.com/loykin/cradle/internal/diagnostics"
	"github.com/loykin/cradle/internal/event"
	"github.com/loykin/cradle/internal/logger"
	"github.com/loykin/cradle/internal/sink"
	"github.com/loykin/cradle/internal/tls"
	"github.com/loykin/cradle/internal/writer"
)

const EnvPrefix = "CRADLE"

type Config struct {
	Timezone    string            `mapstructure:"timezone"`
	Store       StoreConfig       `mapstructure:"store"`
	Sink        SinkConfig        `mapstructure:"sink"`
	Writer      WriterConfig      `mapstructure:"writer"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Server      ServerConfig      `mapstructure:"server"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Log         logger.Config     `mapstructure:"log"`
}

type StoreConfig struct {
	DSN           string        `mapstructure:"dsn"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type SinkConfig struct {
	DSN     string        `mapstructure:"dsn"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WriterConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	OrderPolicy   string        `mapstructure:"order_policy"`
	ParkAfter     int           `mapstructure:"park_after"`
}

type DiagnosticsConfig struct {
	Interval         time.Duration            `mapstructure:"interval"`
	BacklogThreshold int                      `mapstructure:"backlog_threshold"`
	StaleAfter       time.Duration            `mapstructure:"stale_after"`
	ReportFile       string                   `mapstructure:"report_file"`
	MaxSession       map[string]time.Duration `mapstructure:"max_session"`
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Auth     auth.Config `mapstructure:"auth"`
	TLS      tls.Config  `mapstructure:"tls"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("timezone", "Europe/Rome")

	v.SetDefault("store.dsn", "sqlite://cradle.db")
	v.SetDefault("store.retention", "24h")
	v.SetDefault("store.sweep_interval", "10m")

	v.SetDefault("sink.dsn", "influxdb://localhost:8086?org=home&bucket=baby")
	v.SetDefault("sink.token", "")
	v.SetDefault("sink.timeout", "5s")

	v.SetDefault("writer.max_attempts", 5)
	v.SetDefault("writer.base_delay", "500ms")
	v.SetDefault("writer.max_delay", "30s")
	v.SetDefault("writer.flush_interval", "30s")
	v.SetDefault("writer.order_policy", string(writer.OrderStrict))
	v.SetDefault("writer.park_after", 3)

	v.SetDefault("diagnostics.interval", "1m")
	v.SetDefault("diagnostics.backlog_threshold", 3)
	v.SetDefault("diagnostics.stale_after", "1h")
	v.SetDefault("diagnostics.report_file", "")
	v.SetDefault("diagnostics.max_session.nap", "4h")
	v.SetDefault("diagnostics.max_session.breastfeeding", "90m")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.auth.token_hashes", []string{})
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.dir", "")
	v.SetDefault("server.tls.auto_generate", false)
	v.SetDefault("server.tls.hosts", []string{})
	v.SetDefault("server.tls.min_version", "1.2")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the built-in configuration with environment overrides applied.
func Default() (Config, error) {
	return decode(newViper())
}

// Load reads path (TOML). An empty path yields the defaults. The result is validated.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks durations, the order policy, the timezone, the log section
// and the kinds named under diagnostics.max_session.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %s", name, d))
		}
	}
	positive("store.retention", c.Store.Retention)
	positive("store.sweep_interval", c.Store.SweepInterval)
	positive("sink.timeout", c.Sink.Timeout)
	positive("writer.base_delay", c.Writer.BaseDelay)
	positive("writer.max_delay", c.Writer.MaxDelay)
	positive("writer.flush_interval", c.Writer.FlushInterval)
	positive("diagnostics.interval", c.Diagnostics.Interval)
	positive("diagnostics.stale_after", c.Diagnostics.StaleAfter)

	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	if c.Sink.DSN == "" {
		errs = append(errs, errors.New("sink.dsn is required"))
	}
	if c.Writer.ParkAfter < 1 {
		errs = append(errs, fmt.Errorf("writer.park_after must be >= 1, got %d", c.Writer.ParkAfter))
	}
	if c.Writer.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("writer.max_attempts must be >= 1, got %d", c.Writer.MaxAttempts))
	}
	if c.Writer.MaxDelay > 0 && c.Writer.MaxDelay < c.Writer.BaseDelay {
		errs = append(errs, errors.New("writer.max_delay must be >= writer.base_delay"))
	}
	if _, err := writer.ParseOrderPolicy(c.Writer.OrderPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Diagnostics.BacklogThreshold < 0 {
		errs = append(errs, errors.New("diagnostics.backlog_threshold must be >= 0"))
	}
	for k, d := range c.Diagnostics.MaxSession {
		if _, err := event.ParseKind(k); err != nil {
			errs = append(errs, fmt.Errorf("diagnostics.max_session: %w", err))
			continue
		}
		positive("diagnostics.max_session."+k, d)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if err := c.Server.Auth.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}

// Location resolves the configured timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) SinkOptions() sink.Options {
	return sink.Options{Token: c.Sink.Token, Timeout: c.Sink.Timeout}
}

func (c Config) WriterConfig() writer.Config {
	policy, _ := writer.ParseOrderPolicy(c.Writer.OrderPolicy)
	return writer.Config{
		MaxAttempts: c.Writer.MaxAttempts,
		BaseDelay:   c.Writer.BaseDelay,
		MaxDelay:    c.Writer.MaxDelay,
		OrderPolicy: policy,
		ParkAfter:   c.Writer.ParkAfter,
	}
}

func (c Config) DiagnosticsConfig() diagnostics.Config {
	dc := diagnostics.DefaultConfig()
	dc.BacklogThreshold = c.Diagnostics.BacklogThreshold
	dc.StaleAfter = c.Diagnostics.StaleAfter
	for k, d := range c.Diagnostics.MaxSession {
		if kind, err := event.ParseKind(k); err == nil {
			dc.MaxSession[kind] = d
		}
	}
	return dc
}
