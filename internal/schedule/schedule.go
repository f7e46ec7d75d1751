// Package schedule provides the in-process scheduler: one-shot delayed posts
// via a clock-driven poll loop, and fixed-time daily tasks via cron entries.
// Nothing is persisted; a restart loses pending one-shots by design.
package schedule

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"relaybot/internal/audit"
	"relaybot/internal/broadcast"
	"relaybot/internal/eventbus"
	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	// Timezone is an IANA TZ name. All "now" and fire time comparisons use
	// this single location. Empty means the host local time.
	Timezone string

	// PollInterval is how often the one-shot scan wakes. Default 30s.
	PollInterval time.Duration
}

// Broadcaster is the delivery engine tasks fire into.
type Broadcaster interface {
	Broadcast(ctx context.Context, c kit.Content) broadcast.Result
	BroadcastTo(ctx context.Context, c kit.Content, targets []kit.ChatTarget) broadcast.Result
}

// Task is a registered delivery. Owned exclusively by the Service after
// registration; nothing mutates it from outside.
type Task struct {
	ID      string
	Name    string
	Content kit.Content
	FireAt  time.Time
	// Targets overrides the engine's destination set when non-nil.
	Targets []kit.ChatTarget
	// Recurring tasks re-arm via cron; one-shots are removed after firing.
	Recurring bool
}

type Service struct {
	cfg Config
	loc *time.Location
	bc  Broadcaster
	rec audit.Recorder
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	pending []Task
	c       *cron.Cron
	dailies []dailyDef
	sup     *rtsup.Supervisor
}

type dailyDef struct {
	task Task
	spec string
}

func New(cfg Config, bc Broadcaster, rec audit.Recorder, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("scheduler timezone: invalid %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Service{cfg: cfg, loc: loc, bc: bc, rec: rec, log: log, bus: bus}, nil
}

// Location returns the single location used for all clock comparisons.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	s.c = cron.New(cron.WithLocation(s.loc))
	for i := range s.dailies {
		s.addCronLocked(s.dailies[i])
	}
	s.c.Start()

	s.sup.Go0("schedule.poll", s.pollLoop)

	s.log.Info("service started",
		logx.String("tz", s.loc.String()),
		logx.Duration("poll_interval", s.cfg.PollInterval),
		logx.Int("dailies", len(s.dailies)),
	)
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Once registers a one-shot delivery of content to the full destination set
// at fireAt. There is no cancellation: once registered it fires unless the
// process stops first.
func (s *Service) Once(content kit.Content, fireAt time.Time) string {
	t := Task{
		ID:      uuid.NewString(),
		Name:    "once",
		Content: content,
		FireAt:  fireAt.In(s.loc),
	}
	s.mu.Lock()
	s.pending = append(s.pending, t)
	n := len(s.pending)
	s.mu.Unlock()

	s.log.Info("one-shot task registered",
		logx.String("task", t.ID),
		logx.Time("fire_at", t.FireAt),
		logx.String("content", content.Summary()),
		logx.Int("pending", n),
	)
	return t.ID
}

// Daily registers a recurring delivery at the given HH:MM each day.
// With no explicit targets the full destination set is used; the seeded
// announcements pass the audit channel.
func (s *Service) Daily(name, atHHMM string, content kit.Content, targets ...kit.ChatTarget) (string, error) {
	hh, mm, err := ParseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	def := dailyDef{
		task: Task{
			ID:        uuid.NewString(),
			Name:      name,
			Content:   content,
			Targets:   append([]kit.ChatTarget(nil), targets...),
			Recurring: true,
		},
		spec: fmt.Sprintf("%d %d * * *", mm, hh),
	}

	s.mu.Lock()
	s.dailies = append(s.dailies, def)
	if s.c != nil {
		s.addCronLocked(def)
	}
	s.mu.Unlock()

	s.log.Info("daily task registered", logx.String("task", def.task.ID), logx.String("name", name), logx.String("at", atHHMM))
	return def.task.ID, nil
}

// Pending reports the number of registered one-shot tasks (for /status and tests).
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Service) addCronLocked(def dailyDef) {
	task := def.task
	_, err := s.c.AddFunc(def.spec, func() {
		ctx := context.Background()
		s.mu.Lock()
		if s.sup != nil {
			ctx = s.sup.Context()
		}
		s.mu.Unlock()
		s.fire(ctx, task)
	})
	if err != nil {
		// Specs are generated from validated HH:MM, so this is a programming error.
		s.log.Error("cron registration failed", logx.String("name", task.Name), logx.String("spec", def.spec), logx.Err(err))
	}
}

func (s *Service) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx, time.Now().In(s.loc))
		}
	}
}

// fireDue fires every pending one-shot whose fire time has elapsed and
// removes it. Exposed to tests via the poll loop only.
func (s *Service) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []Task
	rest := s.pending[:0]
	for _, t := range s.pending {
		if !t.FireAt.After(now) {
			due = append(due, t)
			continue
		}
		rest = append(rest, t)
	}
	s.pending = rest
	s.mu.Unlock()

	for _, t := range due {
		s.fire(ctx, t)
	}
}

// fire delivers a task's content. A totally failed delivery is a misfire:
// logged and audit-recorded, but the task lifecycle still completes — the
// loop never stops and recurring tasks still re-arm.
func (s *Service) fire(ctx context.Context, t Task) {
	s.log.Info("task fired", logx.String("task", t.ID), logx.String("name", t.Name), logx.String("content", t.Content.Summary()))

	var res broadcast.Result
	if len(t.Targets) > 0 {
		res = s.bc.BroadcastTo(ctx, t.Content, t.Targets)
	} else {
		res = s.bc.Broadcast(ctx, t.Content)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeTaskFired,
			Data: map[string]any{"task": t.Name, "failed": len(res.Failed), "total": res.Total()},
		})
	}

	if res.AllFailed() {
		s.log.Warn("task misfired: all deliveries failed", logx.String("task", t.ID), logx.String("name", t.Name))
		if s.rec != nil {
			s.rec.Record(audit.Entry{
				Kind:           audit.KindMisfire,
				Err:            fmt.Sprintf("all %d deliveries failed", res.Total()),
				ContentSummary: t.Content.Summary(),
			})
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskMisfired, Data: t.Name})
		}
	}
}

// NextOccurrence returns the next wall-clock instant of hh:mm in the
// scheduler location: today if still ahead, otherwise tomorrow.
func (s *Service) NextOccurrence(hh, mm int) time.Time {
	return nextOccurrenceFrom(time.Now().In(s.loc), hh, mm)
}

func nextOccurrenceFrom(now time.Time, hh, mm int) time.Time {
	cand := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	if !cand.After(now) {
		cand = cand.AddDate(0, 0, 1)
	}
	return cand
}

var reHHMM = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

// ParseHHMM parses a strict 24-hour "HH:MM" time of day.
func ParseHHMM(s string) (hh, mm int, err error) {
	m := reHHMM.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time %q (use 24-hour HH:MM)", s)
	}
	hh, _ = strconv.Atoi(m[1])
	mm, _ = strconv.Atoi(m[2])
	return hh, mm, nil
}
