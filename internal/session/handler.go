package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relaybot/internal/broadcast"
	"relaybot/internal/eventbus"
	"relaybot/internal/schedule"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	replyUnauthorized   = "You are not allowed to use this bot."
	replyUnknownCommand = "Unknown command. Try /post, /schedule, /rename, /status or /log."
	replySendPost       = "Send the content you want to post."
	replySendSchedule   = "Send the content to schedule."
	replySendTime       = "Send the time as HH:MM (24-hour)."
	replyInvalidTime    = "Invalid format. Send the time as HH:MM (24-hour)."
	replyTimeNeedsText  = "Send the time as a text message in HH:MM format."
	replyEmptyText      = "The message is empty. Please send valid text."
	replySendRenameFile = "Send the file you want to rename."
	replyRenameStub     = "File rename is not available yet."
	replyRenameNeedFile = "Please send a file."
	replyStatus         = "Bot is running smoothly."
	replyLogged         = "Logged to the audit channel."
)

// process handles exactly one inbound event for one user, to completion.
// Each event causes at most one state change.
func (m *Manager) process(ctx context.Context, s *session, msg *kit.Message) {
	s.chat = kit.ChatTarget{ChatID: msg.ChatID}

	if cmd, ok := parseCommand(msg.Text); ok {
		m.handleCommand(ctx, s, cmd)
		return
	}

	switch s.state {
	case StateAwaitingPostContent:
		m.handlePostContent(ctx, s, msg)
	case StateAwaitingScheduleContent:
		m.handleScheduleContent(ctx, s, msg)
	case StateAwaitingScheduleTime:
		m.handleScheduleTime(ctx, s, msg)
	case StateAwaitingRenameFile:
		m.handleRenameFile(ctx, s, msg)
	default:
		// Idle: plain content with no flow in progress is ignored.
	}
}

func (m *Manager) handleCommand(ctx context.Context, s *session, cmd string) {
	if !isRecognized(cmd) {
		// Unknown commands never mutate state.
		m.reply(ctx, s.chat, replyUnknownCommand)
		return
	}

	// A recognized command always aborts whatever flow was in progress: a
	// stale content capture must never merge with an unrelated command.
	if s.state != StateIdle {
		m.log.Debug("pending flow aborted by command", logx.Int64("user", s.userID), logx.String("state", string(s.state)), logx.String("cmd", cmd))
	}
	s.state = StateIdle
	s.pending = nil

	switch cmd {
	case "/start":
		m.reply(ctx, s.chat, greeting(time.Now().In(m.sched.Location())))
	case "/post":
		s.state = StateAwaitingPostContent
		m.reply(ctx, s.chat, replySendPost)
	case "/schedule":
		s.state = StateAwaitingScheduleContent
		m.reply(ctx, s.chat, replySendSchedule)
	case "/rename":
		s.state = StateAwaitingRenameFile
		m.reply(ctx, s.chat, replySendRenameFile)
	case "/status":
		m.reply(ctx, s.chat, replyStatus)
	case "/log":
		m.handleLog(ctx, s)
	}
}

func (m *Manager) handlePostContent(ctx context.Context, s *session, msg *kit.Message) {
	c, ok := contentFromMessage(msg)
	if !ok {
		m.reply(ctx, s.chat, replyEmptyText)
		return
	}

	res := m.bc.Broadcast(ctx, c)
	s.state = StateIdle
	m.reply(ctx, s.chat, summarize(res))

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeFlowCompleted, Data: "post"})
	}
}

func (m *Manager) handleScheduleContent(ctx context.Context, s *session, msg *kit.Message) {
	c, ok := contentFromMessage(msg)
	if !ok {
		m.reply(ctx, s.chat, replyEmptyText)
		return
	}

	s.pending = &c
	s.state = StateAwaitingScheduleTime
	m.reply(ctx, s.chat, replySendTime)
}

func (m *Manager) handleScheduleTime(ctx context.Context, s *session, msg *kit.Message) {
	if msg.Media != nil || strings.TrimSpace(msg.Text) == "" {
		// Wrong content kind for this step; the captured content stays put.
		m.reply(ctx, s.chat, replyTimeNeedsText)
		return
	}

	hh, mm, err := schedule.ParseHHMM(strings.TrimSpace(msg.Text))
	if err != nil {
		m.reply(ctx, s.chat, replyInvalidTime)
		return
	}

	fireAt := m.sched.NextOccurrence(hh, mm)
	m.sched.Once(*s.pending, fireAt)
	s.pending = nil
	s.state = StateIdle

	m.reply(ctx, s.chat, fmt.Sprintf("Scheduled for %s.", fireAt.Format("Mon 2 Jan 15:04 MST")))

	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeFlowCompleted, Data: "schedule"})
	}
}

func (m *Manager) handleRenameFile(ctx context.Context, s *session, msg *kit.Message) {
	if msg.Media == nil {
		m.reply(ctx, s.chat, replyRenameNeedFile)
		return
	}
	// TODO: wire actual renaming once the upload pipeline exists.
	s.state = StateIdle
	m.reply(ctx, s.chat, replyRenameStub)
}

func (m *Manager) handleLog(ctx context.Context, s *session) {
	var b strings.Builder
	b.WriteString("Bot log: ")
	b.WriteString(greeting(time.Now().In(m.sched.Location())))

	if m.feed != nil {
		if lines := m.feed.Activity(10); len(lines) > 0 {
			b.WriteString("\n\nRecent activity:")
			for _, l := range lines {
				b.WriteString("\n- ")
				b.WriteString(l)
			}
		}
		if entries := m.feed.Recent(10); len(entries) > 0 {
			b.WriteString("\n\nRecent diagnostics:")
			for _, e := range entries {
				b.WriteString("\n- ")
				b.WriteString(e.At.Format("15:04:05"))
				b.WriteString(" ")
				b.WriteString(string(e.Kind))
				if e.Err != "" {
					b.WriteString(": ")
					b.WriteString(e.Err)
				}
			}
		}
	}

	m.reply(ctx, m.cfg.AuditChannel, b.String())
	m.reply(ctx, s.chat, replyLogged)
}

// contentFromMessage captures a text or media event as an immutable content
// item. Blank text is not capturable.
func contentFromMessage(msg *kit.Message) (kit.Content, bool) {
	if msg.Media != nil {
		return kit.MediaContent(*msg.Media), true
	}
	if strings.TrimSpace(msg.Text) == "" {
		return kit.Content{}, false
	}
	return kit.TextContent(msg.Text), true
}

func summarize(res broadcast.Result) string {
	switch {
	case res.Total() == 0:
		return "No destination channels are configured."
	case len(res.Failed) == 0:
		return fmt.Sprintf("Posted to all %d channels.", res.Total())
	case res.AllFailed():
		return fmt.Sprintf("Posting failed for all %d channels.", res.Total())
	default:
		ids := make([]string, 0, len(res.Failed))
		for _, f := range res.Failed {
			ids = append(ids, strconv.FormatInt(f.Target.ChatID, 10))
		}
		return fmt.Sprintf("Posted to %d/%d channels. Failed: %s.", len(res.Succeeded), res.Total(), strings.Join(ids, ", "))
	}
}
