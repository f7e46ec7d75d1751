package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/broadcast"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	ownerID    = int64(42)
	ownerChat  = int64(4242)
	strangerID = int64(666)
)

type recordedSend struct {
	to   kit.ChatTarget
	text string
}

type captureSink struct {
	mu    sync.Mutex
	sends []recordedSend
}

func (s *captureSink) SendContent(_ context.Context, to kit.ChatTarget, c kit.Content, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	s.sends = append(s.sends, recordedSend{to: to, text: c.Text})
	s.mu.Unlock()
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (s *captureSink) last() (recordedSend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sends) == 0 {
		return recordedSend{}, false
	}
	return s.sends[len(s.sends)-1], true
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sends)
}

type stubBroadcaster struct {
	mu     sync.Mutex
	calls  []kit.Content
	result broadcast.Result
}

func (b *stubBroadcaster) Broadcast(_ context.Context, c kit.Content) broadcast.Result {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	b.mu.Unlock()
	return b.result
}

func (b *stubBroadcaster) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type stubScheduler struct {
	mu    sync.Mutex
	once  []time.Time
	next  time.Time
	loc   *time.Location
	conts []kit.Content
}

func (s *stubScheduler) Once(c kit.Content, fireAt time.Time) string {
	s.mu.Lock()
	s.once = append(s.once, fireAt)
	s.conts = append(s.conts, c)
	s.mu.Unlock()
	return "task-1"
}

func (s *stubScheduler) NextOccurrence(int, int) time.Time { return s.next }

func (s *stubScheduler) Location() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	return time.UTC
}

type fixture struct {
	m     *Manager
	s     *session
	sink  *captureSink
	bc    *stubBroadcaster
	sched *stubScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sink := &captureSink{}
	bc := &stubBroadcaster{result: broadcast.Result{Succeeded: []kit.ChatTarget{{ChatID: 1}, {ChatID: 2}}}}
	sched := &stubScheduler{next: time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)}
	m := NewManager(Config{OwnerUserID: ownerID, AuditChannel: kit.ChatTarget{ChatID: -999}}, sink, bc, sched, nil, logx.Nop(), nil)
	s := &session{userID: ownerID, chat: kit.ChatTarget{ChatID: ownerChat}, state: StateIdle}
	return &fixture{m: m, s: s, sink: sink, bc: bc, sched: sched}
}

func (f *fixture) text(t *testing.T, text string) {
	t.Helper()
	f.m.process(context.Background(), f.s, &kit.Message{ChatID: ownerChat, FromID: ownerID, Text: text})
}

func (f *fixture) media(t *testing.T, ref kit.MediaRef) {
	t.Helper()
	f.m.process(context.Background(), f.s, &kit.Message{ChatID: ownerChat, FromID: ownerID, Media: &ref})
}

func TestPostFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/post")
	require.Equal(t, StateAwaitingPostContent, f.s.state)

	f.text(t, "announcement text")
	require.Equal(t, StateIdle, f.s.state)
	require.Equal(t, 1, f.bc.callCount())

	last, ok := f.sink.last()
	require.True(t, ok)
	require.Equal(t, "Posted to all 2 channels.", last.text)
}

func TestPostFlowMedia(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/post")
	f.media(t, kit.MediaRef{Kind: kit.MediaPhoto, FileID: "abc", Caption: "pic"})

	require.Equal(t, StateIdle, f.s.state)
	require.Equal(t, 1, f.bc.callCount())
	f.bc.mu.Lock()
	defer f.bc.mu.Unlock()
	require.Equal(t, kit.ContentMedia, f.bc.calls[0].Kind)
	require.Equal(t, "abc", f.bc.calls[0].MediaFileID)
}

func TestPostBlankTextStaysInFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/post")
	f.text(t, "   ")

	require.Equal(t, StateAwaitingPostContent, f.s.state)
	require.Zero(t, f.bc.callCount())
	last, _ := f.sink.last()
	require.Equal(t, replyEmptyText, last.text)
}

func TestPostPartialFailureSummary(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.bc.result = broadcast.Result{
		Succeeded: []kit.ChatTarget{{ChatID: 1}},
		Failed:    []broadcast.Failure{{Target: kit.ChatTarget{ChatID: 2}}, {Target: kit.ChatTarget{ChatID: 3}}},
	}

	f.text(t, "/post")
	f.text(t, "hello")

	last, _ := f.sink.last()
	require.Equal(t, "Posted to 1/3 channels. Failed: 2, 3.", last.text)
	require.Equal(t, StateIdle, f.s.state, "flow completes even on partial failure")
}

func TestScheduleFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/schedule")
	require.Equal(t, StateAwaitingScheduleContent, f.s.state)
	require.Nil(t, f.s.pending)

	f.text(t, "tomorrow's notice")
	require.Equal(t, StateAwaitingScheduleTime, f.s.state)
	require.NotNil(t, f.s.pending)

	f.text(t, "09:00")
	require.Equal(t, StateIdle, f.s.state)
	require.Nil(t, f.s.pending, "captured content is released once the task is registered")

	f.sched.mu.Lock()
	defer f.sched.mu.Unlock()
	require.Len(t, f.sched.once, 1)
	require.Equal(t, f.sched.next, f.sched.once[0])
	require.Equal(t, "tomorrow's notice", f.sched.conts[0].Text)
}

func TestScheduleInvalidTimeKeepsPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/schedule")
	f.text(t, "content")
	f.text(t, "25:99")

	require.Equal(t, StateAwaitingScheduleTime, f.s.state)
	require.NotNil(t, f.s.pending, "bad time input must not discard the captured content")
	last, _ := f.sink.last()
	require.Equal(t, replyInvalidTime, last.text)

	f.text(t, "media caption instead")
	// still awaiting a valid time; now provide one
	f.text(t, "18:30")
	require.Equal(t, StateIdle, f.s.state)
}

func TestScheduleMediaAtTimeStepRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/schedule")
	f.media(t, kit.MediaRef{Kind: kit.MediaPhoto, FileID: "xyz"})
	require.Equal(t, StateAwaitingScheduleTime, f.s.state)

	f.media(t, kit.MediaRef{Kind: kit.MediaDocument, FileID: "doc"})
	require.Equal(t, StateAwaitingScheduleTime, f.s.state, "media is not a valid time input")
	require.NotNil(t, f.s.pending)
}

func TestCommandAbortsFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/schedule")
	f.text(t, "content")
	require.NotNil(t, f.s.pending)

	f.text(t, "/post")
	require.Equal(t, StateAwaitingPostContent, f.s.state)
	require.Nil(t, f.s.pending, "a new command discards the in-flight capture")
}

func TestUnknownCommandDoesNotMutateState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/schedule")
	f.text(t, "content")
	f.text(t, "/bogus")

	require.Equal(t, StateAwaitingScheduleTime, f.s.state)
	require.NotNil(t, f.s.pending)
	last, _ := f.sink.last()
	require.Equal(t, replyUnknownCommand, last.text)
}

func TestIdleChatterIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "just chatting")
	require.Equal(t, StateIdle, f.s.state)
	require.Zero(t, f.sink.count())
	require.Zero(t, f.bc.callCount())
}

func TestRenameFlowStub(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/rename")
	require.Equal(t, StateAwaitingRenameFile, f.s.state)

	f.text(t, "not a file")
	require.Equal(t, StateAwaitingRenameFile, f.s.state)

	f.media(t, kit.MediaRef{Kind: kit.MediaDocument, FileID: "doc", FileName: "old.pdf"})
	require.Equal(t, StateIdle, f.s.state)
	last, _ := f.sink.last()
	require.Equal(t, replyRenameStub, last.text)
}

func TestStatusAndStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/status")
	last, _ := f.sink.last()
	require.Equal(t, replyStatus, last.text)

	f.text(t, "/start")
	last, _ = f.sink.last()
	require.Contains(t, last.text, "Good")
}

func TestLogGoesToAuditChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/log")

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	require.Len(t, f.sink.sends, 2)
	require.Equal(t, int64(-999), f.sink.sends[0].to.ChatID)
	require.Equal(t, ownerChat, f.sink.sends[1].to.ChatID)
	require.Equal(t, replyLogged, f.sink.sends[1].text)
}

func TestCommandWithBotSuffix(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.text(t, "/post@relay_bot")
	require.Equal(t, StateAwaitingPostContent, f.s.state)
}

func TestGate(t *testing.T) {
	t.Parallel()
	g := NewGate(ownerID)
	require.True(t, g.Allow(ownerID))
	require.False(t, g.Allow(strangerID))
	require.False(t, NewGate(0).Allow(0), "unset owner locks everyone out")
}

func TestHandleIgnoresStrangers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.m.Start(context.Background())
	defer f.m.Stop(context.Background())

	// Stranger chatter: no session, no reply.
	f.m.Handle(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 100, FromID: strangerID, Text: "hi"}})
	require.Zero(t, f.m.Sessions())

	// Owner chatter without a command: still no session.
	f.m.Handle(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: ownerChat, FromID: ownerID, Text: "hi"}})
	require.Zero(t, f.m.Sessions())

	// Owner command creates the session.
	f.m.Handle(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: ownerChat, FromID: ownerID, Text: "/start"}})
	require.Equal(t, 1, f.m.Sessions())
}

func TestHandleUnauthorizedCommandRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.m.Start(context.Background())
	defer f.m.Stop(context.Background())

	f.m.Handle(kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: 100, FromID: strangerID, Text: "/post"}})

	require.Zero(t, f.m.Sessions(), "no session is created for a rejected caller")
	require.Zero(t, f.bc.callCount())
	require.Eventually(t, func() bool {
		last, ok := f.sink.last()
		return ok && last.text == replyUnauthorized && last.to.ChatID == 100
	}, 2*time.Second, 10*time.Millisecond, "rejection reply is sent")
}
