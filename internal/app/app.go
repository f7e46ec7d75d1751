// Package app wires the services together and owns the process lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relaybot/internal/audit"
	"relaybot/internal/broadcast"
	"relaybot/internal/config"
	"relaybot/internal/eventbus"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/schedule"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	"relaybot/internal/transport/telegram"
	logx "relaybot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter kit.Adapter

	auditor  *audit.Service
	engine   *broadcast.Engine
	sched    *schedule.Service
	sessions *session.Manager

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	auditSvc := audit.New(audit.Config{
		Channel:    kit.ChatTarget{ChatID: cfg.Channels.Audit},
		RatePerSec: cfg.Broadcast.AuditRatePerSec,
	}, ad, store, log.With(logx.String("comp", "audit")), bus)

	engine := broadcast.New(broadcast.Config{
		Destinations: chatTargets(cfg.Channels.Destinations),
		RatePerSec:   cfg.Broadcast.RatePerSec,
	}, ad, auditSvc, log.With(logx.String("comp", "broadcast")), bus)

	pollInterval, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}
	schedSvc, err := schedule.New(schedule.Config{
		Timezone:     cfg.Scheduler.Timezone,
		PollInterval: pollInterval,
	}, engine, auditSvc, log.With(logx.String("comp", "schedule")), bus)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(session.Config{
		OwnerUserID:  cfg.Telegram.OwnerUserID,
		AuditChannel: kit.ChatTarget{ChatID: cfg.Channels.Audit},
	}, ad, engine, schedSvc, auditSvc, log.With(logx.String("comp", "session")), bus)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		auditor:  auditSvc,
		engine:   engine,
		sched:    schedSvc,
		sessions: sessions,
		updates:  make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.auditor.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	a.sessions.Start(a.sup.Context())

	// Seed daily announcements. These go to the audit channel, not the
	// broadcast destinations.
	cfg := a.cfgm.Get()
	auditTarget := kit.ChatTarget{ChatID: cfg.Channels.Audit}
	for _, d := range cfg.Scheduler.Daily {
		id, err := a.sched.Daily(d.Name, d.At, kit.TextContent(d.Text), auditTarget)
		if err != nil {
			return fmt.Errorf("scheduler.daily %q: %w", d.Name, err)
		}
		a.log.Info("daily announcement registered", logx.String("name", d.Name), logx.String("at", d.At), logx.String("id", id))
	}

	a.sup.Go0("updates.dispatch", func(c context.Context) {
		for {
			select {
			case <-c.Done():
				return
			case up := <-a.updates:
				a.sessions.Handle(up)
			}
		}
	})

	// Event visibility for debugging; components subscribe themselves for
	// real work.
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

	// Hot reload: logging applies live; everything else needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded; logging applied, other sections need a restart")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
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
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("sessions", 2*time.Second, func(c context.Context) error { a.sessions.Stop(c); return nil })
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("audit", 2*time.Second, func(c context.Context) error { a.auditor.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}

	err := a.sup.Wait(ctx)
	_ = a.logs.Close()
	return err
}

// validate rejects configs the services can't run with. Used both at startup
// and as the hot-reload gate.
func validate(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Telegram.OwnerUserID == 0 {
		return fmt.Errorf("telegram.owner_user_id is required")
	}
	if _, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return err
	}
	if len(cfg.Channels.Destinations) == 0 {
		return fmt.Errorf("channels.destinations must list at least one channel")
	}
	if cfg.Broadcast.RatePerSec < 0 {
		return fmt.Errorf("broadcast.rate_per_sec must be >= 0")
	}
	if cfg.Broadcast.AuditRatePerSec < 0 {
		return fmt.Errorf("broadcast.audit_rate_per_sec must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := config.ParseDurationOrDefault("scheduler.poll_interval", cfg.Scheduler.PollInterval, 30*time.Second); err != nil {
		return err
	}
	for _, d := range cfg.Scheduler.Daily {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("scheduler.daily: name is required")
		}
		if _, _, err := schedule.ParseHHMM(d.At); err != nil {
			return fmt.Errorf("scheduler.daily %q: %w", d.Name, err)
		}
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Errorf("scheduler.daily %q: text is required", d.Name)
		}
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := storage.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:   cfg.Storage.Path,
	}
	if sc.Driver == "" {
		return storage.Config{}, false, nil
	}
	if sc.Path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required")
	}
	bt, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, false, err
	}
	sc.BusyTimeout = bt
	return sc, true, nil
}

func chatTargets(ids []int64) []kit.ChatTarget {
	out := make([]kit.ChatTarget, 0, len(ids))
	for _, id := range ids {
		out = append(out, kit.ChatTarget{ChatID: id})
	}
	return out
}
