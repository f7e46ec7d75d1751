// Package session owns the per-user conversational state machine and the
// authorization gate in front of it.
//
// Each user gets a dedicated mailbox goroutine: one event is processed to
// completion before the next event for the same user is looked at, while
// different users proceed concurrently. The session map is touched only by
// the dispatching Handle call; state inside a session is touched only by its
// own worker. State never leaks across users.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"relaybot/internal/audit"
	"relaybot/internal/broadcast"
	"relaybot/internal/eventbus"
	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type State string

const (
	StateIdle                    State = "idle"
	StateAwaitingPostContent     State = "awaiting_post_content"
	StateAwaitingScheduleContent State = "awaiting_schedule_content"
	StateAwaitingScheduleTime    State = "awaiting_schedule_time"
	StateAwaitingRenameFile      State = "awaiting_rename_file"
)

// Broadcaster is the immediate-post path.
type Broadcaster interface {
	Broadcast(ctx context.Context, c kit.Content) broadcast.Result
}

// Scheduler is the delayed-post path.
type Scheduler interface {
	Once(content kit.Content, fireAt time.Time) string
	NextOccurrence(hh, mm int) time.Time
	Location() *time.Location
}

// ActivityFeed backs the /log command.
type ActivityFeed interface {
	Recent(n int) []audit.Entry
	Activity(n int) []string
}

type Config struct {
	// OwnerUserID is the only identity allowed to drive the bot.
	OwnerUserID int64

	// AuditChannel receives the /log output.
	AuditChannel kit.ChatTarget

	// MailboxSize bounds the per-user event queue. Default 16.
	MailboxSize int
}

// session is one user's conversation state. Only this user's worker touches
// state/pending after creation.
type session struct {
	userID int64
	chat   kit.ChatTarget
	inbox  chan *kit.Message

	state   State
	pending *kit.Content // non-nil iff state == StateAwaitingScheduleTime
}

type Manager struct {
	cfg   Config
	gate  Gate
	sink  kit.Sink
	bc    Broadcaster
	sched Scheduler
	feed  ActivityFeed
	log   logx.Logger
	bus   eventbus.Bus

	mu       sync.Mutex
	sessions map[int64]*session
	sup      *rtsup.Supervisor
}

func NewManager(cfg Config, sink kit.Sink, bc Broadcaster, sched Scheduler, feed ActivityFeed, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 16
	}
	return &Manager{
		cfg:      cfg,
		gate:     NewGate(cfg.OwnerUserID),
		sink:     sink,
		bc:       bc,
		sched:    sched,
		feed:     feed,
		log:      log,
		bus:      bus,
		sessions: map[int64]*session{},
	}
}

func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log))
	m.log.Info("service started", logx.Int64("owner", m.cfg.OwnerUserID))
}

func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	m.log.Info("service stopped")
}

// Handle routes one inbound update. It is called from the single dispatch
// loop, so mailbox enqueues preserve per-user arrival order.
func (m *Manager) Handle(up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message

	cmd, isCmd := parseCommand(msg.Text)

	// Authorization gate: commands from anyone but the owner are rejected
	// before any session is created or touched. Non-command chatter from
	// strangers is ignored outright.
	if !m.gate.Allow(msg.FromID) {
		if isCmd {
			m.log.Debug("unauthorized command rejected", logx.Int64("from", msg.FromID), logx.String("cmd", cmd))
			m.replyAsync(kit.ChatTarget{ChatID: msg.ChatID}, replyUnauthorized)
		}
		return
	}

	m.mu.Lock()
	s := m.sessions[msg.FromID]
	if s == nil {
		// A session exists only after the owner's first recognized command.
		if !isCmd || !isRecognized(cmd) {
			m.mu.Unlock()
			if isCmd {
				m.replyAsync(kit.ChatTarget{ChatID: msg.ChatID}, replyUnknownCommand)
			}
			return
		}
		s = &session{
			userID: msg.FromID,
			chat:   kit.ChatTarget{ChatID: msg.ChatID},
			inbox:  make(chan *kit.Message, m.cfg.MailboxSize),
			state:  StateIdle,
		}
		m.sessions[msg.FromID] = s
		if m.sup != nil {
			m.sup.Go0("session.worker", func(c context.Context) { m.worker(c, s) })
		}
	}
	m.mu.Unlock()

	select {
	case s.inbox <- msg:
	default:
		m.log.Warn("session mailbox full; event dropped", logx.Int64("user", s.userID))
	}
}

func (m *Manager) worker(ctx context.Context, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.inbox:
			m.process(ctx, s, msg)
		}
	}
}

// Snapshot reports a user's current state and whether content is pending.
// Intended for tests and diagnostics.
func (m *Manager) Snapshot(userID int64) (state State, pendingSet bool, ok bool) {
	m.mu.Lock()
	s := m.sessions[userID]
	m.mu.Unlock()
	if s == nil {
		return "", false, false
	}
	// Best-effort read; the worker owns these fields.
	return s.state, s.pending != nil, true
}

// Sessions reports how many sessions exist (they are never destroyed).
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) reply(ctx context.Context, to kit.ChatTarget, text string) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := m.sink.SendContent(sctx, to, kit.TextContent(text), &kit.SendOptions{DisablePreview: true}); err != nil {
		m.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}

// replyAsync is used outside any session worker (gate rejections) so a slow
// transport can't stall the dispatch loop.
func (m *Manager) replyAsync(to kit.ChatTarget, text string) {
	m.mu.Lock()
	sup := m.sup
	m.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Go0("session.reply", func(c context.Context) { m.reply(c, to, text) })
}

func parseCommand(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "/") {
		return "", false
	}
	tok := strings.Fields(t)[0]
	// strip the @botname suffix Telegram appends in groups
	if i := strings.IndexByte(tok, '@'); i > 0 {
		tok = tok[:i]
	}
	return strings.ToLower(tok), true
}

func isRecognized(cmd string) bool {
	switch cmd {
	case "/start", "/post", "/schedule", "/rename", "/status", "/log":
		return true
	}
	return false
}
