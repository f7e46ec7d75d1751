package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "relaybot/pkg/logx"
)

func TestRecordNeverBlocks(t *testing.T) {
	t.Parallel()
	// No worker running: the queue fills up and further records must drop
	// instead of blocking the caller.
	svc := New(Config{QueueSize: 4}, nil, nil, logx.Nop(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			svc.Record(Entry{Kind: KindDeliveryFailure, ChannelID: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked with a full queue")
	}
}

func TestRecentIsBoundedOldestFirst(t *testing.T) {
	t.Parallel()
	svc := New(Config{FeedSize: 5}, nil, nil, logx.Nop(), nil)

	for i := 0; i < 30; i++ {
		svc.Record(Entry{Kind: KindNotice, ChannelID: int64(i)})
	}

	got := svc.Recent(3)
	require.Len(t, got, 3)
	require.Equal(t, int64(27), got[0].ChannelID)
	require.Equal(t, int64(29), got[2].ChannelID)

	// Asking for more than exists returns what exists.
	all := svc.Recent(1000)
	require.Len(t, all, 10) // FeedSize*2 cap
}

func TestRecordStampsTime(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, nil, nil, logx.Nop(), nil)
	svc.Record(Entry{Kind: KindMisfire})

	got := svc.Recent(1)
	require.Len(t, got, 1)
	require.False(t, got[0].At.IsZero())
}

func TestFormatEntry(t *testing.T) {
	t.Parallel()
	e := Entry{
		At:             time.Date(2024, 3, 10, 14, 30, 0, 0, time.UTC),
		ChannelID:      -100123,
		Kind:           KindDeliveryFailure,
		Err:            "chat not found",
		ContentSummary: `text "hello"`,
	}
	got := formatEntry(e)
	require.Contains(t, got, "delivery_failure")
	require.Contains(t, got, "-100123")
	require.Contains(t, got, "chat not found")
}
