// Package audit implements the diagnostic trail: delivery failures, scheduler
// misfires and operational notices are recorded here, forwarded to the audit
// channel and (optionally) persisted.
//
// Recording is fire-and-forget: Record never blocks and never returns an
// error, so a failing audit path can never abort the operation being audited.
package audit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Kind string

const (
	KindDeliveryFailure Kind = "delivery_failure"
	KindMisfire         Kind = "scheduler_misfire"
	KindNotice          Kind = "notice"
)

// Entry is one diagnostic record.
type Entry struct {
	At             time.Time
	ChannelID      int64
	Kind           Kind
	Err            string
	ContentSummary string
}

// Recorder is the capability handed to the broadcast engine and scheduler.
type Recorder interface {
	Record(e Entry)
}

type Config struct {
	// Channel receives formatted diagnostic posts. Zero disables channel posts
	// (entries are still logged and persisted).
	Channel kit.ChatTarget

	// RatePerSec throttles posts to the audit channel. Default 1.
	RatePerSec int

	QueueSize int // default 256
	FeedSize  int // activity feed ring, default 50
}

// Service is the default Recorder: bounded queue + single worker that logs,
// posts to the audit channel and appends to storage. It also subscribes to
// the event bus to keep a small activity feed for the /log command.
type Service struct {
	cfg   Config
	sink  kit.Sink
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	queue chan Entry

	mu  sync.Mutex
	sup *rtsup.Supervisor

	feedMu sync.Mutex
	feed   []string // formatted activity lines, oldest first

	recentMu sync.Mutex
	recent   []Entry // oldest first, bounded by FeedSize*2
}

func New(cfg Config, sink kit.Sink, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.FeedSize <= 0 {
		cfg.FeedSize = 50
	}
	return &Service{
		cfg:   cfg,
		sink:  sink,
		store: store,
		log:   log,
		bus:   bus,
		queue: make(chan Entry, cfg.QueueSize),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	s.sup.Go0("audit.worker", s.worker)

	if s.bus != nil {
		sub, unsub := s.bus.Subscribe(32)
		s.sup.Go0("audit.feed", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case ev, ok := <-sub:
					if !ok {
						return
					}
					s.appendFeed(ev)
				}
			}
		})
	}

	s.log.Info("service started", logx.Int("queue_cap", cap(s.queue)), logx.Int64("channel", s.cfg.Channel.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("service stopped")
}

// Record enqueues a diagnostic entry. It never blocks: when the queue is full
// the entry is dropped from the channel/storage path but still logged.
func (s *Service) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.log.Warn("audit record",
		logx.String("kind", string(e.Kind)),
		logx.Int64("channel_id", e.ChannelID),
		logx.String("err", e.Err),
		logx.String("content", e.ContentSummary),
	)

	s.recentMu.Lock()
	s.recent = append(s.recent, e)
	if maxN := s.cfg.FeedSize * 2; len(s.recent) > maxN {
		s.recent = s.recent[len(s.recent)-maxN:]
	}
	s.recentMu.Unlock()

	select {
	case s.queue <- e:
	default:
		s.log.Debug("audit queue full; entry dropped from channel path", logx.String("kind", string(e.Kind)))
	}
}

// Recent returns up to n recorded entries, oldest first.
func (s *Service) Recent(n int) []Entry {
	if n <= 0 {
		return nil
	}
	s.recentMu.Lock()
	defer s.recentMu.Unlock()
	if n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]Entry, n)
	copy(out, s.recent[len(s.recent)-n:])
	return out
}

// Activity returns up to n formatted lifecycle events, oldest first.
func (s *Service) Activity(n int) []string {
	if n <= 0 {
		return nil
	}
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if n > len(s.feed) {
		n = len(s.feed)
	}
	out := make([]string, n)
	copy(out, s.feed[len(s.feed)-n:])
	return out
}

func (s *Service) worker(ctx context.Context) {
	lim := rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.persist(ctx, e)
			if s.cfg.Channel.ChatID == 0 || s.sink == nil {
				continue
			}
			if err := lim.Wait(ctx); err != nil {
				return
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := s.sink.SendContent(sctx, s.cfg.Channel, kit.TextContent(formatEntry(e)), &kit.SendOptions{DisablePreview: true})
			cancel()
			if err != nil {
				// Best-effort only; the channel post failing must not loop back
				// into another audit record.
				s.log.Debug("audit channel post failed", logx.Err(err))
			}
		}
	}
}

func (s *Service) persist(ctx context.Context, e Entry) {
	if s.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := s.store.AppendAudit(sctx, storage.AuditEntry{
		At:             e.At,
		ChannelID:      e.ChannelID,
		Kind:           string(e.Kind),
		Error:          e.Err,
		ContentSummary: e.ContentSummary,
	})
	if err != nil {
		s.log.Debug("audit persist failed", logx.Err(err))
	}
}

func (s *Service) appendFeed(ev eventbus.Event) {
	line := fmt.Sprintf("%s %s", ev.Time.Format("15:04:05"), ev.Type)
	if ev.Data != nil {
		line += " " + fmt.Sprint(ev.Data)
	}
	s.feedMu.Lock()
	s.feed = append(s.feed, line)
	if len(s.feed) > s.cfg.FeedSize {
		s.feed = s.feed[len(s.feed)-s.cfg.FeedSize:]
	}
	s.feedMu.Unlock()
}

func formatEntry(e Entry) string {
	var b strings.Builder
	b.WriteString("⚠️ ")
	b.WriteString(string(e.Kind))
	if e.ChannelID != 0 {
		fmt.Fprintf(&b, "\nchannel: %d", e.ChannelID)
	}
	if e.Err != "" {
		fmt.Fprintf(&b, "\nerror: %s", e.Err)
	}
	if e.ContentSummary != "" {
		fmt.Fprintf(&b, "\ncontent: %s", e.ContentSummary)
	}
	fmt.Fprintf(&b, "\nat: %s", e.At.Format(time.RFC3339))
	return b.String()
}
