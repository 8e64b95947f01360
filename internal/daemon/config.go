// Package daemon wires the backbone components together and owns their
// lifecycle. Configuration comes from a TOML file with BACKBONE_* environment
// overrides on top.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"github.com/tutu-network/backbone/internal/app/audit"
	"github.com/tutu-network/backbone/internal/app/eventbus"
	"github.com/tutu-network/backbone/internal/app/ledger"
	"github.com/tutu-network/backbone/internal/app/notify"
	"github.com/tutu-network/backbone/internal/infra/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BACKBONE_"

// Duration is a time.Duration written as a string ("1.5s", "5m") in TOML
// and in the environment.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the daemon configuration.
type Config struct {
	API     APIConfig      `toml:"api" envPrefix:"API_"`
	Storage StorageConfig  `toml:"storage" envPrefix:"STORAGE_"`
	Log     logging.Config `toml:"log" envPrefix:"LOG_"`
	Ledger  LedgerConfig   `toml:"ledger" envPrefix:"LEDGER_"`
	Events  EventsConfig   `toml:"events" envPrefix:"EVENTS_"`
	Notify  NotifyConfig   `toml:"notify" envPrefix:"NOTIFY_"`
	Audit   AuditConfig    `toml:"audit" envPrefix:"AUDIT_"`
}

// APIConfig controls the admin HTTP server.
type APIConfig struct {
	Enabled bool   `toml:"enabled" env:"ENABLED"`
	Host    string `toml:"host" env:"HOST"`
	Port    int    `toml:"port" env:"PORT"`
	Metrics bool   `toml:"metrics" env:"METRICS"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `toml:"path" env:"PATH"`
}

// LedgerConfig tunes the ledger.
type LedgerConfig struct {
	LockStripes     int   `toml:"lock_stripes" env:"LOCK_STRIPES"`
	ReplayTolerance int64 `toml:"replay_tolerance" env:"REPLAY_TOLERANCE"`
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	HistorySize           int      `toml:"history_size" env:"HISTORY_SIZE"`
	HandlerTimeout        Duration `toml:"handler_timeout" env:"HANDLER_TIMEOUT"`
	MaxConcurrentHandlers int      `toml:"max_concurrent_handlers" env:"MAX_CONCURRENT_HANDLERS"`
	MailboxDepth          int      `toml:"mailbox_depth" env:"MAILBOX_DEPTH"`
}

// NotifyConfig tunes the notification aggregator and the delivery sink.
type NotifyConfig struct {
	MaxBatch        int      `toml:"max_batch" env:"MAX_BATCH"`
	CriticalDelay   Duration `toml:"critical_delay" env:"CRITICAL_DELAY"`
	HighDelay       Duration `toml:"high_delay" env:"HIGH_DELAY"`
	MediumDelay     Duration `toml:"medium_delay" env:"MEDIUM_DELAY"`
	LowDelay        Duration `toml:"low_delay" env:"LOW_DELAY"`
	DeliveryTimeout Duration `toml:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
	DeliveryRate    float64  `toml:"delivery_rate" env:"DELIVERY_RATE"` // messages per second, 0 = unlimited
	DeliveryBurst   int      `toml:"delivery_burst" env:"DELIVERY_BURST"`
}

// AuditConfig tunes the consistency auditor and its schedule.
type AuditConfig struct {
	Enabled              bool     `toml:"enabled" env:"ENABLED"`
	Interval             Duration `toml:"interval" env:"INTERVAL"`
	TargetedInterval     Duration `toml:"targeted_interval" env:"TARGETED_INTERVAL"`
	BatchSize            int      `toml:"batch_size" env:"BATCH_SIZE"`
	Concurrency          int      `toml:"concurrency" env:"CONCURRENCY"`
	PrivilegedTiers      []string `toml:"privileged_tiers" env:"PRIVILEGED_TIERS" envSeparator:","`
	MinPrivilegedBalance int64    `toml:"min_privileged_balance" env:"MIN_PRIVILEGED_BALANCE"`
	RepeatableBadges     []string `toml:"repeatable_badges" env:"REPEATABLE_BADGES" envSeparator:","`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	bus := eventbus.DefaultConfig()
	agg := notify.DefaultConfig()
	aud := audit.DefaultConfig()
	sched := audit.DefaultSchedulerConfig()
	led := ledger.DefaultConfig()

	return Config{
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8087,
			Metrics: true,
		},
		Storage: StorageConfig{
			Path: "backbone.db",
		},
		Log: logging.DefaultConfig(),
		Ledger: LedgerConfig{
			LockStripes:     led.LockStripes,
			ReplayTolerance: led.ReplayTolerance,
		},
		Events: EventsConfig{
			HistorySize:           bus.HistorySize,
			HandlerTimeout:        Duration{bus.HandlerTimeout},
			MaxConcurrentHandlers: bus.MaxConcurrent,
			MailboxDepth:          bus.MailboxDepth,
		},
		Notify: NotifyConfig{
			MaxBatch:        agg.MaxBatch,
			CriticalDelay:   Duration{agg.CriticalDelay},
			HighDelay:       Duration{agg.HighDelay},
			MediumDelay:     Duration{agg.MediumDelay},
			LowDelay:        Duration{agg.LowDelay},
			DeliveryTimeout: Duration{agg.DeliveryTimeout},
			DeliveryRate:    25,
			DeliveryBurst:   5,
		},
		Audit: AuditConfig{
			Enabled:              true,
			Interval:             Duration{sched.Interval},
			TargetedInterval:     Duration{sched.TargetedInterval},
			BatchSize:            aud.BatchSize,
			Concurrency:          aud.Concurrency,
			PrivilegedTiers:      aud.PrivilegedTiers,
			MinPrivilegedBalance: aud.MinPrivilegedBalance,
			RepeatableBadges:     aud.RepeatableBadges,
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; an empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is empty"))
	}
	if c.Ledger.ReplayTolerance < 0 {
		errs = append(errs, errors.New("ledger.replay_tolerance must not be negative"))
	}
	if c.Notify.MaxBatch < 0 {
		errs = append(errs, errors.New("notify.max_batch must not be negative"))
	}
	if c.Notify.DeliveryRate < 0 {
		errs = append(errs, errors.New("notify.delivery_rate must not be negative"))
	}
	for name, d := range map[string]Duration{
		"events.handler_timeout":  c.Events.HandlerTimeout,
		"notify.critical_delay":   c.Notify.CriticalDelay,
		"notify.high_delay":       c.Notify.HighDelay,
		"notify.medium_delay":     c.Notify.MediumDelay,
		"notify.low_delay":        c.Notify.LowDelay,
		"notify.delivery_timeout": c.Notify.DeliveryTimeout,
		"audit.interval":          c.Audit.Interval,
		"audit.targeted_interval": c.Audit.TargetedInterval,
	} {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// ─── Component Configs ──────────────────────────────────────────────────────

func (c Config) ledgerConfig() ledger.Config {
	return ledger.Config{
		LockStripes:     c.Ledger.LockStripes,
		ReplayTolerance: c.Ledger.ReplayTolerance,
	}
}

func (c Config) busConfig() eventbus.Config {
	return eventbus.Config{
		HistorySize:    c.Events.HistorySize,
		HandlerTimeout: c.Events.HandlerTimeout.Duration,
		MaxConcurrent:  c.Events.MaxConcurrentHandlers,
		MailboxDepth:   c.Events.MailboxDepth,
	}
}

func (c Config) notifyConfig() notify.Config {
	return notify.Config{
		MaxBatch:        c.Notify.MaxBatch,
		CriticalDelay:   c.Notify.CriticalDelay.Duration,
		HighDelay:       c.Notify.HighDelay.Duration,
		MediumDelay:     c.Notify.MediumDelay.Duration,
		LowDelay:        c.Notify.LowDelay.Duration,
		DeliveryTimeout: c.Notify.DeliveryTimeout.Duration,
	}
}

func (c Config) auditConfig() audit.Config {
	return audit.Config{
		BatchSize:            c.Audit.BatchSize,
		Concurrency:          c.Audit.Concurrency,
		PrivilegedTiers:      c.Audit.PrivilegedTiers,
		MinPrivilegedBalance: c.Audit.MinPrivilegedBalance,
		RepeatableBadges:     c.Audit.RepeatableBadges,
	}
}

func (c Config) schedulerConfig() audit.SchedulerConfig {
	return audit.SchedulerConfig{
		Interval:         c.Audit.Interval.Duration,
		TargetedInterval: c.Audit.TargetedInterval.Duration,
	}
}
