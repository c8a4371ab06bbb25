package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/dygje/tgpro/pkg/logx"
)

// liveSections can be applied without a restart.
var liveSections = map[string]bool{
	"logging":    true,
	"rate_limit": true,
	"templates":  true,
}

// ConfigChange is the outcome of comparing two configs.
type ConfigChange struct {
	Sections []string
	// Attrs are safe to log; secrets are reduced to "_set" booleans.
	Attrs []logx.Field
}

// RestartRequired lists changed sections that only take effect on restart.
func (c ConfigChange) RestartRequired() []string {
	out := make([]string, 0, len(c.Sections))
	for _, s := range c.Sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func (c ConfigChange) Changed(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange reports which sections differ between oldCfg and newCfg.
func SummarizeConfigChange(oldCfg, newCfg *Config) ConfigChange {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch ConfigChange
	mark := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if oldCfg.Server != newCfg.Server {
		mark("server",
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.api_key_set", newCfg.Server.APIKey != ""),
		)
	}
	if oldCfg.Telegram.DryRun != newCfg.Telegram.DryRun ||
		oldCfg.Telegram.SendRatePerSec != newCfg.Telegram.SendRatePerSec ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.Token != newCfg.Telegram.Token {
		mark("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.dry_run", newCfg.Telegram.DryRun),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.observers_enabled", newCfg.Logging.Observers.Enabled),
		)
	}
	if oldCfg.TaskEngine != newCfg.TaskEngine {
		mark("task_engine",
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.String("task_engine.retention", newCfg.TaskEngine.Retention),
		)
	}
	if oldCfg.Realtime != newCfg.Realtime {
		mark("realtime", logx.Int("realtime.recent_logs", newCfg.Realtime.RecentLogs))
	}
	if !reflect.DeepEqual(oldCfg.RateLimit.Classes, newCfg.RateLimit.Classes) {
		names := make([]string, 0, len(newCfg.RateLimit.Classes))
		for n := range newCfg.RateLimit.Classes {
			names = append(names, n)
		}
		sort.Strings(names)
		mark("rate_limit", logx.String("rate_limit.classes", strings.Join(names, ",")))
	}
	if oldCfg.Safety != newCfg.Safety {
		mark("safety", logx.Int("safety.account_age_days", newCfg.Safety.AccountAgeDays))
	}
	if oldCfg.Blacklist != newCfg.Blacklist {
		mark("blacklist",
			logx.String("blacklist.driver", newCfg.Blacklist.Driver),
			logx.Bool("blacklist.password_set", newCfg.Blacklist.Password != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		driver := ""
		if newCfg.Storage != nil {
			driver = newCfg.Storage.Driver
		}
		mark("storage", logx.String("storage.driver", driver))
	}
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		enabled := newCfg.Relay != nil && newCfg.Relay.Enabled
		mark("relay", logx.Bool("relay.enabled", enabled))
	}
	if !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		mark("templates", logx.Int("templates.count", len(newCfg.Templates)))
	}
	return ch
}
