// Package app builds every component once from the config file and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dygje/tgpro/internal/blacklist"
	"github.com/dygje/tgpro/internal/config"
	"github.com/dygje/tgpro/internal/eventbus"
	"github.com/dygje/tgpro/internal/ratelimit"
	"github.com/dygje/tgpro/internal/realtime"
	"github.com/dygje/tgpro/internal/relay"
	"github.com/dygje/tgpro/internal/runtime/supervisor"
	"github.com/dygje/tgpro/internal/safety"
	"github.com/dygje/tgpro/internal/storage"
	"github.com/dygje/tgpro/internal/task/engine"
	"github.com/dygje/tgpro/internal/transport"
	"github.com/dygje/tgpro/internal/transport/dryrun"
	"github.com/dygje/tgpro/internal/transport/httpapi"
	"github.com/dygje/tgpro/internal/transport/telegram"
	logx "github.com/dygje/tgpro/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.MemBus

	store     storage.Store
	list      blacklist.List
	limiter   *ratelimit.Limiter
	scorer    *safety.Scorer
	hub       *realtime.Hub
	platform  transport.Platform
	templates *templateStore

	engine *engine.Service
	api    *httpapi.Server
	relay  *relay.Relay

	statsInterval time.Duration

	stopOnce sync.Once
}

// NewApp loads cfgPath and wires the components. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, nil)
}

// newApp lets tests inject the platform; nil selects it from the config.
func newApp(cfgm *config.ConfigManager, cfg *config.Config, platform transport.Platform) (*App, error) {
	d, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg.Logging))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	a := &App{
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           eventbus.New(),
		templates:     newTemplateStore(cfg.Templates),
		statsInterval: d.StatsInterval,
	}

	sc, err := mapStorageConfig(cfg, d)
	if err != nil {
		return nil, err
	}
	a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a.list, err = blacklist.Open(mapBlacklistConfig(cfg), root.With(logx.String("comp", "blacklist")))
	if err != nil {
		_ = a.store.Close()
		return nil, fmt.Errorf("blacklist: %w", err)
	}

	a.limiter = ratelimit.New(mapRateLimits(cfg, d), ratelimit.WithLogger(root.With(logx.String("comp", "ratelimit"))))
	a.scorer = safety.New(cfg.Safety.AccountAgeDays, safety.WithLogger(root.With(logx.String("comp", "safety"))))

	a.hub = realtime.New(
		realtime.WithLogger(root),
		realtime.WithLogStore(a.store),
		realtime.WithRecentLogs(recentLogs(cfg.Realtime.RecentLogs)),
		realtime.WithWriteTimeout(d.WriteTimeout),
	)
	logSvc.SetObserver(a.hub)

	if platform == nil {
		platform, err = selectPlatform(cfg, root)
		if err != nil {
			a.closeStores()
			return nil, err
		}
	}
	a.platform = platform

	a.engine = engine.New(engine.Config{
		Workers:      cfg.TaskEngine.Workers,
		QueueSize:    cfg.TaskEngine.QueueSize,
		Retention:    d.Retention,
		ReapSchedule: strings.TrimSpace(cfg.TaskEngine.ReapSchedule),
		UnitDelay:    d.UnitDelay,
		FloodTTL:     d.FloodTTL,
	}, engine.Deps{
		Store:     a.store,
		Hub:       a.hub,
		Platform:  a.platform,
		Limiter:   a.limiter,
		Safety:    a.scorer,
		Blacklist: a.list,
		Templates: a.templates,
	}, root.With(logx.String("comp", "taskengine")), a.bus)

	m := &maintenance{
		store:        a.store,
		list:         a.list,
		engine:       a.engine,
		logRetention: d.LogRetention,
		now:          time.Now,
	}
	if err := a.engine.Handle(engine.KindSystemMaintenance, m.run, m.validate); err != nil {
		a.closeStores()
		return nil, err
	}

	a.api = httpapi.New(httpapi.Config{
		Addr:            cfg.Server.Addr,
		APIKey:          cfg.Server.APIKey,
		ShutdownTimeout: d.ShutdownTimeout,
		Keepalive:       d.Keepalive,
	}, httpapi.Deps{
		Tasks:     a.engine,
		Hub:       a.hub,
		Safety:    a.scorer,
		Limits:    a.limiter,
		Blacklist: a.list,
		Runtime:   a.supervisors,
	}, root.With(logx.String("comp", "http")))

	if rc := cfg.Relay; rc != nil && rc.Enabled {
		url, exchange := rc.URL, rc.Exchange
		a.relay = relay.New(a.bus, func() (relay.Publisher, error) {
			return relay.Dial(url, exchange)
		}, root.With(logx.String("comp", "relay")))
	}

	log.Info("app wired",
		logx.Bool("dry_run", isDryRun(cfg)),
		logx.Int("templates", a.templates.Len()),
		logx.Bool("relay", a.relay != nil),
	)
	return a, nil
}

func recentLogs(n int) int {
	if n <= 0 {
		return 500
	}
	return n
}

func isDryRun(cfg *config.Config) bool {
	return cfg.Telegram.DryRun || strings.TrimSpace(cfg.Telegram.Token) == ""
}

func selectPlatform(cfg *config.Config, log logx.Logger) (transport.Platform, error) {
	if isDryRun(cfg) {
		log.Warn("telegram token empty or dry_run set; messages are logged, not sent")
		return dryrun.New(log.With(logx.String("comp", "dryrun"))), nil
	}
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	rps := int(cfg.Telegram.SendRatePerSec)
	if cfg.Telegram.SendRatePerSec > 0 && rps == 0 {
		rps = 1
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: poll,
		RatePerSec:  rps,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return ad, nil
}

func mapLogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Observers: logx.ObserverConfig{
			Enabled:    c.Observers.Enabled,
			MinLevel:   c.Observers.MinLevel,
			RatePerSec: c.Observers.RatePerSec,
		},
	}
}

// mapRateLimits overlays the configured classes on the defaults.
func mapRateLimits(cfg *config.Config, d config.Durations) map[string]ratelimit.Limit {
	out := ratelimit.DefaultLimits()
	for name, rc := range cfg.RateLimit.Classes {
		out[name] = ratelimit.Limit{Count: rc.Count, Period: d.RatePeriods[name], Burst: rc.Burst}
	}
	return out
}

// Start launches every long-running component under one supervisor.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		d, err := cfg.ParseDurations()
		if err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg, d); err != nil {
			return err
		}
		if !isDryRun(cfg) {
			if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
				return err
			}
		}
		return nil
	})

	a.sup.Go("realtime.dispatch", a.hub.Run)
	if a.statsInterval > 0 {
		interval := a.statsInterval
		a.sup.Go("realtime.stats", func(c context.Context) error { return a.hub.RunStats(c, interval) })
	}

	// The engine outlives the app context so Stop can mark in-flight tasks
	// as cancelled instead of failed.
	if err := a.engine.Start(context.WithoutCancel(a.sup.Context())); err != nil {
		a.sup.Cancel()
		return err
	}

	a.sup.Go("http.serve", a.api.Serve)
	if a.relay != nil {
		a.sup.Go("relay", a.relay.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the latest config is applied.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.log.Info("started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig pushes the live sections of newCfg into the running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if ch.Changed("logging") {
		a.logs.Apply(mapLogConfig(newCfg.Logging))
	}
	if ch.Changed("rate_limit") {
		d, err := newCfg.ParseDurations()
		if err != nil {
			a.log.Warn("invalid rate_limit config; keeping previous", logx.Err(err))
		} else {
			a.limiter.SetLimits(mapRateLimits(newCfg, d))
		}
	}
	if ch.Changed("templates") {
		a.templates.Set(newCfg.Templates)
	}
	if rest := ch.RestartRequired(); len(rest) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(rest, ",")))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: ch.Sections})
	a.log.Info("config applied", logx.String("sections", strings.Join(ch.Sections, ",")))
}

// Done is closed when the app context ends, including on a fatal component error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err reports the first component error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// supervisors snapshots the app and engine goroutine supervisors.
func (a *App) supervisors() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sup := a.engine.Supervisor(); sup != nil {
		out["task.engine"] = sup.Snapshot()
	}
	return out
}

// Engine exposes the task engine (used by tests and embedding callers).
func (a *App) Engine() *engine.Service { return a.engine }

// Stop shuts components down in dependency order. Each step is bounded, so
// one stuck component can't stall the rest. Safe to call more than once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The engine goes first so queued and running tasks are marked cancelled
	// while the hub and store can still record it.
	step("taskengine", 5*time.Second, a.engine.Stop)

	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 10*time.Second, a.sup.Wait)
	}
	step("realtime", time.Second, func(context.Context) error { a.hub.Close(); return nil })
	step("stores", 2*time.Second, func(context.Context) error { return a.closeStores() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.SetObserver(nil)
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) closeStores() error {
	var errs []error
	if a.list != nil {
		errs = append(errs, a.list.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
