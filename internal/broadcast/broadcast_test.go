package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaybot/internal/audit"
	kit "relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

// scriptedSink fails or rate-limits specific chat ids; everything else
// succeeds. Attempt counts are kept per chat.
type scriptedSink struct {
	mu        sync.Mutex
	attempts  map[int64]int
	failing   map[int64]error
	limitOnce map[int64]time.Duration
}

func newScriptedSink() *scriptedSink {
	return &scriptedSink{
		attempts:  map[int64]int{},
		failing:   map[int64]error{},
		limitOnce: map[int64]time.Duration{},
	}
}

func (s *scriptedSink) SendContent(_ context.Context, to kit.ChatTarget, _ kit.Content, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[to.ChatID]++
	if d, ok := s.limitOnce[to.ChatID]; ok {
		delete(s.limitOnce, to.ChatID)
		return kit.MessageRef{}, &kit.RateLimitError{RetryAfter: d}
	}
	if err := s.failing[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (s *scriptedSink) attemptCount(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[chatID]
}

type captureRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *captureRecorder) Record(e audit.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *captureRecorder) snapshot() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

func targets(ids ...int64) []kit.ChatTarget {
	out := make([]kit.ChatTarget, 0, len(ids))
	for _, id := range ids {
		out = append(out, kit.ChatTarget{ChatID: id})
	}
	return out
}

func newEngine(sink kit.Sink, rec audit.Recorder, dests ...int64) *Engine {
	return New(Config{Destinations: targets(dests...), RatePerSec: 1000}, sink, rec, logx.Nop(), nil)
}

func TestBroadcastAllSucceed(t *testing.T) {
	t.Parallel()
	sink := newScriptedSink()
	eng := newEngine(sink, nil, 1, 2, 3)

	res := eng.Broadcast(context.Background(), kit.TextContent("hello"))

	require.Equal(t, 3, res.Total())
	require.Empty(t, res.Failed)
	require.Equal(t, targets(1, 2, 3), res.Succeeded)
}

func TestBroadcastFailureIsolated(t *testing.T) {
	t.Parallel()
	sink := newScriptedSink()
	sink.failing[2] = errors.New("chat not found")
	rec := &captureRecorder{}
	eng := newEngine(sink, rec, 1, 2, 3)

	res := eng.Broadcast(context.Background(), kit.TextContent("hello"))

	require.Equal(t, targets(1, 3), res.Succeeded)
	require.Len(t, res.Failed, 1)
	require.Equal(t, int64(2), res.Failed[0].Target.ChatID)
	require.False(t, res.AllFailed())

	entries := rec.snapshot()
	require.Len(t, entries, 1)
	require.Equal(t, audit.KindDeliveryFailure, entries[0].Kind)
	require.Equal(t, int64(2), entries[0].ChannelID)
	require.Contains(t, entries[0].Err, "chat not found")
}

func TestBroadcastRateLimitRetriesOnce(t *testing.T) {
	t.Parallel()
	sink := newScriptedSink()
	sink.limitOnce[1] = 10 * time.Millisecond
	eng := newEngine(sink, nil, 1, 2)

	res := eng.Broadcast(context.Background(), kit.TextContent("hello"))

	require.Empty(t, res.Failed)
	require.Equal(t, 2, sink.attemptCount(1), "rate-limited destination retries exactly once")
	require.Equal(t, 1, sink.attemptCount(2), "other destinations are unaffected")
}

func TestBroadcastRateLimitThenFailureRecorded(t *testing.T) {
	t.Parallel()
	sink := newScriptedSink()
	sink.limitOnce[1] = time.Millisecond
	sink.failing[1] = errors.New("still throttled")
	rec := &captureRecorder{}
	eng := newEngine(sink, rec, 1)

	res := eng.Broadcast(context.Background(), kit.TextContent("hello"))

	require.True(t, res.AllFailed())
	require.Equal(t, 2, sink.attemptCount(1), "no second retry after the retried attempt fails")
	require.Len(t, rec.snapshot(), 1, "one audit record per failed destination")
}

func TestBroadcastTotalFailureIsNormalReturn(t *testing.T) {
	t.Parallel()
	sink := newScriptedSink()
	sink.failing[1] = errors.New("boom")
	sink.failing[2] = errors.New("boom")
	rec := &captureRecorder{}
	eng := newEngine(sink, rec, 1, 2)

	res := eng.Broadcast(context.Background(), kit.TextContent("hello"))

	require.True(t, res.AllFailed())
	require.Equal(t, 2, res.Total())
	require.Len(t, rec.snapshot(), 2)
}

func TestBroadcastResultOrderMatchesTargetList(t *testing.T) {
	t.Parallel()
	sink := newScriptedSink()
	sink.failing[3] = errors.New("boom")
	eng := newEngine(sink, nil, 5, 3, 9, 7)

	res := eng.BroadcastTo(context.Background(), kit.TextContent("hello"), targets(5, 3, 9, 7))

	require.Equal(t, targets(5, 9, 7), res.Succeeded)
	require.Len(t, res.Failed, 1)
	require.Equal(t, int64(3), res.Failed[0].Target.ChatID)
}

func TestBroadcastNoDestinations(t *testing.T) {
	t.Parallel()
	eng := newEngine(newScriptedSink(), nil)

	res := eng.Broadcast(context.Background(), kit.TextContent("hello"))

	require.Zero(t, res.Total())
	require.False(t, res.AllFailed())
}
