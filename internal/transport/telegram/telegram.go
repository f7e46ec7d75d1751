// Package telegram adapts the Telegram Bot API to the transport-neutral
// Sink/Adapter surface using telebot long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "relaybot/internal/runtime/supervisor"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Token string

	// PollTimeout is the long-poll timeout. Default 10s.
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	updates chan<- kit.Update
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	a := &Adapter{cfg: cfg, bot: b, log: log}
	b.Handle(tele.OnText, a.onMessage)
	b.Handle(tele.OnPhoto, a.onMessage)
	b.Handle(tele.OnDocument, a.onMessage)
	return a, nil
}

// Start begins long polling and delivers inbound updates on ch. The poller
// is restarted with backoff if it exits; Stop tears it down.
func (a *Adapter) Start(ctx context.Context, ch chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return fmt.Errorf("telegram: already started")
	}
	a.updates = ch
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup.GoRestart0("telegram.poll", func(c context.Context) {
		done := make(chan struct{})
		go func() {
			defer close(done)
			a.bot.Start()
		}()
		select {
		case <-c.Done():
			a.bot.Stop()
			<-done
		case <-done:
		}
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	a.log.Info("service started", logx.String("bot", a.bot.Me.Username))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (a *Adapter) onMessage(c tele.Context) error {
	msg := c.Message()
	if msg == nil || msg.Sender == nil {
		return nil
	}

	m := &kit.Message{
		ChatID: msg.Chat.ID,
		FromID: msg.Sender.ID,
		Text:   msg.Text,
	}
	switch {
	case msg.Photo != nil:
		m.Media = &kit.MediaRef{Kind: kit.MediaPhoto, FileID: msg.Photo.FileID, Caption: msg.Caption}
	case msg.Document != nil:
		m.Media = &kit.MediaRef{
			Kind:     kit.MediaDocument,
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			Caption:  msg.Caption,
		}
	}

	a.sendUpdate(kit.Update{Kind: kit.UpdateMessage, Message: m})
	return nil
}

// sendUpdate never blocks the poller. If the dispatch side is saturated the
// update is dropped and logged.
func (a *Adapter) sendUpdate(up kit.Update) {
	a.mu.Lock()
	ch := a.updates
	a.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- up:
	default:
		a.log.Warn("update channel full; update dropped", logx.Int64("chat_id", chatID(up)))
	}
}

func chatID(up kit.Update) int64 {
	if up.Message != nil {
		return up.Message.ChatID
	}
	return 0
}

// SendContent delivers one content item to one chat. Telegram flood control
// is surfaced as *transport.RateLimitError so callers can decide whether to
// wait and retry.
func (a *Adapter) SendContent(ctx context.Context, to kit.ChatTarget, c kit.Content, opts *kit.SendOptions) (kit.MessageRef, error) {
	sendOpt := &tele.SendOptions{}
	if opts != nil {
		sendOpt.ParseMode = opts.ParseMode
		sendOpt.DisableWebPagePreview = opts.DisablePreview
	}

	var (
		sent *tele.Message
		err  error
	)
	rcpt := tele.ChatID(to.ChatID)
	switch c.Kind {
	case kit.ContentMedia:
		var what tele.Sendable
		switch c.MediaKind {
		case kit.MediaPhoto:
			what = &tele.Photo{File: tele.File{FileID: c.MediaFileID}, Caption: c.Caption}
		default:
			what = &tele.Document{File: tele.File{FileID: c.MediaFileID}, Caption: c.Caption}
		}
		sent, err = a.bot.Send(rcpt, what, sendOpt)
	default:
		sent, err = a.bot.Send(rcpt, c.Text, sendOpt)
	}
	if err != nil {
		return kit.MessageRef{}, mapSendError(err)
	}
	if sent == nil {
		return kit.MessageRef{ChatID: to.ChatID}, nil
	}
	return kit.MessageRef{ChatID: sent.Chat.ID, MessageID: sent.ID}, nil
}

func mapSendError(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &kit.RateLimitError{RetryAfter: time.Duration(fe.RetryAfter) * time.Second}
	}
	return err
}
