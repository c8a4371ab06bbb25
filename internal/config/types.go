package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig      `json:"server"`
	Telegram   TelegramConfig    `json:"telegram"`
	Logging    LoggingConfig     `json:"logging"`
	TaskEngine TaskEngineConfig  `json:"task_engine"`
	Realtime   RealtimeConfig    `json:"realtime"`
	RateLimit  RateLimitConfig   `json:"rate_limit"`
	Safety     SafetyConfig      `json:"safety"`
	Blacklist  BlacklistConfig   `json:"blacklist"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Relay      *RelayConfig      `json:"relay,omitempty"`
	Templates  map[string]string `json:"templates,omitempty"`
}

type ServerConfig struct {
	Addr string `json:"addr"` // default ":8080"
	// ShutdownTimeout is a Go duration string; default "10s".
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	// APIKey guards every /api route when set: "Authorization: Bearer <key>",
	// or ?api_key= for websocket upgrades.
	APIKey string `json:"api_key,omitempty"`
}

// TelegramConfig selects the platform adapter.
//
// An empty token (or dry_run=true) wires the dry-run platform, which logs
// instead of sending.
type TelegramConfig struct {
	Token  string `json:"token"`
	DryRun bool   `json:"dry_run,omitempty"`
	// SendRatePerSec paces outgoing API calls in the adapter (default 1).
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
	PollTimeout    string  `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level     string          `json:"level"`
	Console   bool            `json:"console"`
	File      LoggingFile     `json:"file"`
	Observers LoggingObserver `json:"observers"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingObserver forwards log records to websocket clients on the logs channel.
type LoggingObserver struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 3
//   - queue_size: 1024
//   - retention: "1h"
//   - reap_schedule: "@every 5m"
//   - unit_delay: "1s"
type TaskEngineConfig struct {
	Workers      int    `json:"workers,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	Retention    string `json:"retention,omitempty"`
	ReapSchedule string `json:"reap_schedule,omitempty"`
	UnitDelay    string `json:"unit_delay,omitempty"`
}

type RealtimeConfig struct {
	RecentLogs    int    `json:"recent_logs,omitempty"`    // default 500
	StatsInterval string `json:"stats_interval,omitempty"` // default "30s"; "0s" disables
	WriteTimeout  string `json:"write_timeout,omitempty"`  // default "10s"
	Keepalive     string `json:"keepalive,omitempty"`      // default "30s"
}

type RateLimitConfig struct {
	Classes map[string]RateClass `json:"classes,omitempty"`
}

// RateClass is one sliding window: Count requests per Period, plus a burst cap
// on requests arriving less than a second apart.
type RateClass struct {
	Count  int    `json:"count"`
	Period string `json:"period"`
	Burst  int    `json:"burst"`
}

type SafetyConfig struct {
	// AccountAgeDays seeds the warmup schedule. Unset means day 1, which caps
	// sends at 5 messages a day until the account is 30 days old; larger
	// batches need "force": true or a higher age here.
	AccountAgeDays int `json:"account_age_days,omitempty"`
}

type BlacklistConfig struct {
	Driver   string `json:"driver,omitempty"` // memory (default) | redis
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	// FloodTTL is how long a recipient stays on the temporary list after a flood wait.
	FloodTTL string `json:"flood_ttl,omitempty"` // default "1h"
}

// StorageConfig controls the task and log tables.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tgpro.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite | redis
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Addr        string `json:"addr,omitempty"`         // redis
	Password    string `json:"password,omitempty"`     // redis
	DB          int    `json:"db,omitempty"`           // redis
	Prefix      string `json:"prefix,omitempty"`       // redis
	// LogRetention bounds how long log entries survive the maintenance task.
	LogRetention string `json:"log_retention,omitempty"` // default "168h"
}

// RelayConfig mirrors task lifecycle events to an AMQP exchange.
type RelayConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Exchange string `json:"exchange,omitempty"` // default "tgpro.events"
}

// Durations is the parsed form of every duration string in Config.
type Durations struct {
	ShutdownTimeout time.Duration
	Retention       time.Duration
	UnitDelay       time.Duration
	StatsInterval   time.Duration
	WriteTimeout    time.Duration
	Keepalive       time.Duration
	FloodTTL        time.Duration
	BusyTimeout     time.Duration
	LogRetention    time.Duration
	RatePeriods     map[string]time.Duration
}

// ParseDurations validates and resolves every duration field, applying defaults.
func (c *Config) ParseDurations() (Durations, error) {
	var (
		d    Durations
		errs []error
	)
	parse := func(path, raw string, def time.Duration) time.Duration {
		v, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	d.ShutdownTimeout = parse("server.shutdown_timeout", c.Server.ShutdownTimeout, 10*time.Second)
	d.Retention = parse("task_engine.retention", c.TaskEngine.Retention, time.Hour)
	d.UnitDelay = parse("task_engine.unit_delay", c.TaskEngine.UnitDelay, time.Second)
	d.WriteTimeout = parse("realtime.write_timeout", c.Realtime.WriteTimeout, 10*time.Second)
	d.Keepalive = parse("realtime.keepalive", c.Realtime.Keepalive, 30*time.Second)
	d.FloodTTL = parse("blacklist.flood_ttl", c.Blacklist.FloodTTL, time.Hour)

	// "0s" disables the sampler, so no default substitution when set explicitly.
	if strings.TrimSpace(c.Realtime.StatsInterval) == "" {
		d.StatsInterval = 30 * time.Second
	} else {
		v, err := ParseDurationField("realtime.stats_interval", c.Realtime.StatsInterval)
		if err != nil {
			errs = append(errs, err)
		}
		d.StatsInterval = v
	}

	if c.Storage != nil {
		d.BusyTimeout = parse("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
		d.LogRetention = parse("storage.log_retention", c.Storage.LogRetention, 7*24*time.Hour)
	} else {
		d.LogRetention = 7 * 24 * time.Hour
	}

	d.RatePeriods = make(map[string]time.Duration, len(c.RateLimit.Classes))
	for name, rc := range c.RateLimit.Classes {
		v, err := ParseDurationOrDefault("rate_limit.classes."+name+".period", rc.Period, time.Minute)
		if err != nil {
			errs = append(errs, err)
		}
		d.RatePeriods[name] = v
	}
	return d, errors.Join(errs...)
}

// Validate checks enum fields and numeric ranges. Durations are checked via ParseDurations.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ParseDurations(); err != nil {
		errs = append(errs, err)
	}
	if c.TaskEngine.Workers < 0 {
		errs = append(errs, fmt.Errorf("task_engine.workers must be >= 0"))
	}
	if c.TaskEngine.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("task_engine.queue_size must be >= 0"))
	}
	if c.Realtime.RecentLogs < 0 {
		errs = append(errs, fmt.Errorf("realtime.recent_logs must be >= 0"))
	}
	if c.Safety.AccountAgeDays < 0 {
		errs = append(errs, fmt.Errorf("safety.account_age_days must be >= 0"))
	}
	for name, rc := range c.RateLimit.Classes {
		if rc.Count <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.classes.%s.count must be > 0", name))
		}
		if rc.Burst < 0 {
			errs = append(errs, fmt.Errorf("rate_limit.classes.%s.burst must be >= 0", name))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Blacklist.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Blacklist.Addr) == "" {
			errs = append(errs, fmt.Errorf("blacklist.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("blacklist.driver: unknown driver %q", c.Blacklist.Driver))
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "memory", "file", "sqlite":
		case "redis":
			if strings.TrimSpace(c.Storage.Addr) == "" {
				errs = append(errs, fmt.Errorf("storage.addr is required for the redis driver"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
	}
	if c.Relay != nil && c.Relay.Enabled && strings.TrimSpace(c.Relay.URL) == "" {
		errs = append(errs, fmt.Errorf("relay.url is required when relay is enabled"))
	}
	return errors.Join(errs...)
}
