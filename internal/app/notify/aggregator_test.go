package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/testutil"
)

func fastConfig() Config {
	return Config{
		MaxBatch:        10,
		CriticalDelay:   10 * time.Millisecond,
		HighDelay:       40 * time.Millisecond,
		MediumDelay:     60 * time.Millisecond,
		LowDelay:        80 * time.Millisecond,
		DeliveryTimeout: time.Second,
	}
}

func newTestAggregator(t *testing.T, cfg Config, opts ...Option) (*Aggregator, *testutil.RecordingSink) {
	t.Helper()
	sink := &testutil.RecordingSink{}
	a := New(cfg, sink, nil, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		a.Close(ctx)
	})
	return a, sink
}

func points(entryID int64, amount int) map[string]any {
	return map[string]any{"entry_id": entryID, "amount": amount, "source": "mission"}
}

func bullets(text string) int { return strings.Count(text, "• ") }

// ─── Debounce ───────────────────────────────────────────────────────────────

func TestDebounce_FiveLowItemsOneFlush(t *testing.T) {
	a, sink := newTestAggregator(t, fastConfig())

	for i := int64(1); i <= 5; i++ {
		require.True(t, a.Enqueue(1, domain.KindPoints, points(i, 10), domain.PriorityLow))
	}
	assert.Equal(t, 5, a.PendingCount(1))

	require.Eventually(t, func() bool { return len(sink.SentTo(1)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	sent := sink.SentTo(1)
	require.Len(t, sent, 1)
	assert.Equal(t, 5, bullets(sent[0].Text))
	assert.Equal(t, 0, a.PendingCount(1))
}

func TestDebounce_CriticalFlushesImmediately(t *testing.T) {
	cfg := fastConfig()
	cfg.LowDelay = 5 * time.Second
	a, sink := newTestAggregator(t, cfg)

	for i := int64(1); i <= 5; i++ {
		a.Enqueue(1, domain.KindPoints, points(i, 10), domain.PriorityLow)
	}
	start := time.Now()
	a.Enqueue(1, domain.KindError, map[string]any{"message": "account locked"}, domain.PriorityCritical)

	require.Eventually(t, func() bool { return len(sink.SentTo(1)) == 1 }, time.Second, 2*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)

	text := sink.SentTo(1)[0].Text
	assert.Equal(t, 6, bullets(text))
	assert.True(t, strings.HasPrefix(text, "Notices"), "critical group renders first: %q", text)
}

func TestDebounce_UrgentArrivalShortensDelay(t *testing.T) {
	cfg := fastConfig()
	cfg.LowDelay = 5 * time.Second
	a, sink := newTestAggregator(t, cfg)

	a.Enqueue(1, domain.KindHint, map[string]any{"text": "try the shop"}, domain.PriorityLow)
	a.Enqueue(1, domain.KindBadge, map[string]any{"badge_id": "explorer"}, domain.PriorityHigh)

	require.Eventually(t, func() bool { return len(sink.SentTo(1)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, bullets(sink.SentTo(1)[0].Text))
}

func TestDebounce_LaterArrivalDoesNotPostpone(t *testing.T) {
	cfg := fastConfig()
	cfg.LowDelay = 150 * time.Millisecond
	a, sink := newTestAggregator(t, cfg)

	start := time.Now()
	a.Enqueue(1, domain.KindPoints, points(1, 5), domain.PriorityLow)
	time.Sleep(100 * time.Millisecond)
	a.Enqueue(1, domain.KindPoints, points(2, 5), domain.PriorityLow)

	require.Eventually(t, func() bool { return len(sink.SentTo(1)) == 1 }, time.Second, 2*time.Millisecond)
	sent := sink.SentTo(1)[0]
	assert.Less(t, sent.At.Sub(start), 240*time.Millisecond, "same-priority arrival must not restart the timer")
	assert.Equal(t, 2, bullets(sent.Text))
}

func TestCeilingFlushes(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxBatch = 3
	cfg.LowDelay = 5 * time.Second
	a, sink := newTestAggregator(t, cfg)

	for i := int64(1); i <= 3; i++ {
		a.Enqueue(1, domain.KindPoints, points(i, 1), domain.PriorityLow)
	}
	require.Eventually(t, func() bool { return len(sink.SentTo(1)) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 3, bullets(sink.SentTo(1)[0].Text))
}

// ─── Dedup ──────────────────────────────────────────────────────────────────

func TestDedup_SameKeyCollapses(t *testing.T) {
	a, sink := newTestAggregator(t, fastConfig())

	assert.True(t, a.Enqueue(1, domain.KindPoints, points(7, 10), domain.PriorityMedium))
	assert.False(t, a.Enqueue(1, domain.KindPoints, points(7, 10), domain.PriorityMedium))
	assert.Equal(t, 1, a.PendingCount(1))

	// Same key for another recipient is independent.
	assert.True(t, a.Enqueue(2, domain.KindPoints, points(7, 10), domain.PriorityMedium))

	require.NoError(t, a.FlushNow(context.Background(), 1))
	require.Len(t, sink.SentTo(1), 1)
	assert.Equal(t, 1, bullets(sink.SentTo(1)[0].Text))

	// A new window accepts the key again.
	assert.True(t, a.Enqueue(1, domain.KindPoints, points(7, 10), domain.PriorityMedium))
}

// ─── Delivery Failures ──────────────────────────────────────────────────────

func TestSinkFailureIsReportedNotRequeued(t *testing.T) {
	var reported atomic.Int32
	var reportedItems atomic.Int32
	a, sink := newTestAggregator(t, fastConfig(), WithFailureReporter(func(recipientID int64, items int, err error) {
		reported.Add(1)
		reportedItems.Store(int32(items))
	}))
	sink.SetErr(errors.New("chat api down"))

	a.Enqueue(1, domain.KindPoints, points(1, 5), domain.PriorityHigh)
	a.Enqueue(1, domain.KindPoints, points(2, 5), domain.PriorityHigh)
	require.Eventually(t, func() bool { return reported.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.EqualValues(t, 2, reportedItems.Load())
	assert.Equal(t, 0, a.PendingCount(1), "failed batch must not be re-queued")

	sink.SetErr(nil)
	a.Enqueue(1, domain.KindPoints, points(3, 5), domain.PriorityHigh)
	require.Eventually(t, func() bool { return len(sink.SentTo(1)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, bullets(sink.SentTo(1)[0].Text))
}

func TestFlushNow_ReturnsDeliveryFailure(t *testing.T) {
	cfg := fastConfig()
	cfg.MediumDelay = 5 * time.Second
	a, sink := newTestAggregator(t, cfg)
	sink.SetErr(errors.New("timeout"))

	a.Enqueue(1, domain.KindLevel, map[string]any{"level": 3}, domain.PriorityMedium)
	err := a.FlushNow(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrDeliveryFailure)
	assert.NoError(t, a.FlushNow(context.Background(), 404))
}

// ─── SendImmediate / Cleanup / Close ────────────────────────────────────────

func TestSendImmediate_FlushesPendingFirst(t *testing.T) {
	cfg := fastConfig()
	cfg.LowDelay = 5 * time.Second
	a, sink := newTestAggregator(t, cfg)

	a.Enqueue(1, domain.KindHint, map[string]any{"text": "a"}, domain.PriorityLow)
	a.Enqueue(1, domain.KindHint, map[string]any{"text": "b"}, domain.PriorityLow)

	require.NoError(t, a.SendImmediate(context.Background(), 1, "Your account needs attention"))

	sent := sink.SentTo(1)
	require.Len(t, sent, 2)
	assert.Equal(t, 2, bullets(sent[0].Text))
	assert.Equal(t, "Your account needs attention", sent[1].Text)
	assert.Equal(t, 0, a.PendingCount(1))

	sink.SetErr(errors.New("down"))
	assert.ErrorIs(t, a.SendImmediate(context.Background(), 9, "x"), domain.ErrDeliveryFailure)
}

func TestSendImmediate_ReportsFailedPendingBatch(t *testing.T) {
	cfg := fastConfig()
	cfg.LowDelay = 5 * time.Second
	var reported atomic.Int32
	a, sink := newTestAggregator(t, cfg, WithFailureReporter(func(recipientID int64, items int, err error) {
		if recipientID == 1 && items == 1 {
			reported.Add(1)
		}
	}))

	a.Enqueue(1, domain.KindHint, map[string]any{"text": "a"}, domain.PriorityLow)
	sink.SetErr(errors.New("down"))

	err := a.SendImmediate(context.Background(), 1, "direct")
	assert.ErrorIs(t, err, domain.ErrDeliveryFailure)
	assert.EqualValues(t, 1, reported.Load(), "pending batch failure goes to the reporter")
	assert.Equal(t, 0, a.PendingCount(1))
}

func TestCleanup_CancelsTimer(t *testing.T) {
	a, sink := newTestAggregator(t, fastConfig())

	a.Enqueue(1, domain.KindPoints, points(1, 5), domain.PriorityLow)
	a.Cleanup(1)
	assert.Equal(t, 0, a.PendingCount(1))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, sink.SentTo(1))

	a.Cleanup(1) // no state left
	assert.True(t, a.Enqueue(1, domain.KindPoints, points(1, 5), domain.PriorityLow), "fresh state after cleanup")
}

func TestClose_FlushesEveryRecipient(t *testing.T) {
	cfg := fastConfig()
	cfg.LowDelay = 5 * time.Second
	sink := &testutil.RecordingSink{}
	a := New(cfg, sink, nil)

	for id := int64(1); id <= 3; id++ {
		a.Enqueue(id, domain.KindPoints, points(id, 1), domain.PriorityLow)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	assert.Len(t, sink.Sent(), 3)
	assert.False(t, a.Enqueue(1, domain.KindPoints, points(9, 1), domain.PriorityLow))
}

// ─── Concurrency ────────────────────────────────────────────────────────────

// trackingSink records the peak number of concurrent deliveries per recipient.
type trackingSink struct {
	mu      sync.Mutex
	active  map[int64]int
	peak    int
	batches [][]string
	delay   time.Duration
	gate    chan struct{}
}

func (s *trackingSink) Deliver(ctx context.Context, recipientID int64, text string) error {
	s.mu.Lock()
	s.active[recipientID]++
	if s.active[recipientID] > s.peak {
		s.peak = s.active[recipientID]
	}
	s.mu.Unlock()

	if s.gate != nil {
		<-s.gate
	}
	time.Sleep(s.delay)

	s.mu.Lock()
	s.active[recipientID]--
	s.batches = append(s.batches, strings.Split(text, "\n"))
	s.mu.Unlock()
	return nil
}

func (s *trackingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestOneFlushInFlightPerRecipient(t *testing.T) {
	sink := &trackingSink{active: make(map[int64]int), delay: 50 * time.Millisecond}
	a := New(fastConfig(), sink, nil)
	defer a.Close(context.Background())

	a.Enqueue(1, domain.KindError, map[string]any{"message": "first"}, domain.PriorityCritical)
	time.Sleep(10 * time.Millisecond) // first flush is now in flight
	a.Enqueue(1, domain.KindError, map[string]any{"message": "second"}, domain.PriorityCritical)
	a.Enqueue(1, domain.KindError, map[string]any{"message": "third"}, domain.PriorityCritical)

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.peak, "flushes for one recipient must not overlap")
	assert.Contains(t, strings.Join(sink.batches[0], "\n"), "first")
	assert.NotContains(t, strings.Join(sink.batches[0], "\n"), "second", "in-flight batch is closed to new items")
}

func TestCleanupDuringFlushKeepsOneInFlight(t *testing.T) {
	sink := &trackingSink{active: make(map[int64]int), delay: 80 * time.Millisecond}
	a := New(fastConfig(), sink, nil)
	defer a.Close(context.Background())

	a.Enqueue(1, domain.KindError, map[string]any{"message": "before"}, domain.PriorityCritical)
	time.Sleep(10 * time.Millisecond) // first flush is now in the sink
	a.Cleanup(1)
	require.True(t, a.Enqueue(1, domain.KindError, map[string]any{"message": "after"}, domain.PriorityCritical))

	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 1, sink.peak, "new state must wait for the flush started before cleanup")
	assert.Contains(t, strings.Join(sink.batches[0], "\n"), "before")
	assert.Contains(t, strings.Join(sink.batches[1], "\n"), "after")
}

func TestFlushLocksReleased(t *testing.T) {
	a, sink := newTestAggregator(t, fastConfig())

	for id := int64(1); id <= 3; id++ {
		a.Enqueue(id, domain.KindError, map[string]any{"message": "x"}, domain.PriorityCritical)
	}
	require.Eventually(t, func() bool { return len(sink.Sent()) == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, a.SendImmediate(context.Background(), 4, "direct"))

	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.flushLocks) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRecipientsAreIndependent(t *testing.T) {
	gate := make(chan struct{})
	sink := &trackingSink{active: make(map[int64]int), gate: gate}
	a := New(fastConfig(), sink, nil)

	a.Enqueue(1, domain.KindError, map[string]any{"message": "stuck"}, domain.PriorityCritical)
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		a.Enqueue(2, domain.KindPoints, points(1, 1), domain.PriorityLow)
		a.Enqueue(1, domain.KindPoints, points(1, 1), domain.PriorityLow)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked behind another recipient's delivery")
	}
	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Close(ctx)
}

// ─── Rendering ──────────────────────────────────────────────────────────────

func TestGroup_PriorityThenRecency(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	items := []domain.NotificationItem{
		{Kind: domain.KindHint, Priority: domain.PriorityLow, CreatedAt: base, Data: map[string]any{"text": "h1"}},
		{Kind: domain.KindPoints, Priority: domain.PriorityMedium, CreatedAt: base.Add(time.Second), Data: points(1, 5)},
		{Kind: domain.KindPoints, Priority: domain.PriorityMedium, CreatedAt: base.Add(2 * time.Second), Data: points(2, 7)},
		{Kind: domain.KindBadge, Priority: domain.PriorityHigh, CreatedAt: base.Add(3 * time.Second), Data: map[string]any{"badge_id": "b"}},
	}

	groups := Group(items)
	require.Len(t, groups, 3)
	assert.Equal(t, domain.KindBadge, groups[0][0].Kind)
	assert.Equal(t, domain.KindPoints, groups[1][0].Kind)
	assert.Equal(t, domain.KindHint, groups[2][0].Kind)
	assert.Equal(t, int64(2), groups[1][0].Data["entry_id"], "most recent first within a kind")

	text := TextRenderer{}.Render(1, items)
	assert.Equal(t, "Badges\n• New badge: b\n\nPoints\n• +7 points (mission)\n• +5 points (mission)\n\nHints\n• h1", text)
}

func TestRender_UnknownKind(t *testing.T) {
	text := TextRenderer{}.Render(1, []domain.NotificationItem{
		{Kind: "streak", Data: map[string]any{"days": 3, "best": 5}},
	})
	assert.Equal(t, "Streak\n• best=5, days=3", text)
}

func TestWithRenderer(t *testing.T) {
	a, sink := newTestAggregator(t, fastConfig(), WithRenderer(RendererFunc(func(id int64, items []domain.NotificationItem) string {
		return "custom"
	})))
	a.Enqueue(1, domain.KindPoints, points(1, 1), domain.PriorityCritical)
	require.Eventually(t, func() bool { return len(sink.SentTo(1)) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "custom", sink.SentTo(1)[0].Text)
}
