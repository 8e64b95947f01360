package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tutu-network/backbone/internal/domain"
)

func newTestBus(t *testing.T, mutate func(*Config)) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HandlerTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	b := New(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b.Close(ctx)
	})
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func awarded(entryID int64) domain.PointsAwardedPayload {
	return domain.PointsAwardedPayload{EntryID: entryID, Amount: 1}
}

// ─── Publish Validation ─────────────────────────────────────────────────────

func TestPublish_Validation(t *testing.T) {
	b := newTestBus(t, nil)

	if _, err := b.Publish("made_up", 1, nil, "test", ""); !errors.Is(err, domain.ErrUnknownEventType) {
		t.Errorf("unknown type error = %v, want ErrUnknownEventType", err)
	}
	if _, err := b.Publish(domain.EventPointsDeducted, 1, awarded(1), "test", ""); !errors.Is(err, domain.ErrPayloadMismatch) {
		t.Errorf("mismatched payload error = %v, want ErrPayloadMismatch", err)
	}
	opaque := domain.OpaquePayload{Type: domain.EventNarrativeDecision, Fields: map[string]any{"choice": "left"}}
	evt, err := b.Publish(domain.EventNarrativeDecision, 1, opaque, "narrative", "corr-1")
	if err != nil {
		t.Fatalf("opaque publish error: %v", err)
	}
	if evt.ID == "" || evt.Timestamp.IsZero() || evt.CorrelationID != "corr-1" || evt.Source != "narrative" {
		t.Errorf("event = %+v", evt)
	}
	if _, err := b.Publish(domain.EventChannelEngagement, 1, nil, "channels", ""); err != nil {
		t.Errorf("nil payload should be accepted: %v", err)
	}
	if _, err := b.Subscribe("made_up", "x", func(context.Context, domain.Event) error { return nil }); !errors.Is(err, domain.ErrUnknownEventType) {
		t.Errorf("Subscribe(unknown) error = %v", err)
	}
}

// ─── Isolation ──────────────────────────────────────────────────────────────

func TestPublish_DoesNotWaitForHandlers(t *testing.T) {
	b := newTestBus(t, nil)
	release := make(chan struct{})
	defer close(release)

	b.Subscribe(domain.EventPointsAwarded, "slow", func(ctx context.Context, _ domain.Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	start := time.Now()
	for i := 0; i < 10; i++ {
		if _, err := b.Publish(domain.EventPointsAwarded, 1, awarded(int64(i)), "test", ""); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Publish blocked for %s", elapsed)
	}
}

func TestFailingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := newTestBus(t, nil)

	var okCalls atomic.Int32
	var errEvents []domain.ErrorOccurredPayload
	var mu sync.Mutex

	b.Subscribe(domain.EventPointsAwarded, "broken", func(context.Context, domain.Event) error {
		return errors.New("boom")
	})
	b.Subscribe(domain.EventPointsAwarded, "healthy", func(context.Context, domain.Event) error {
		okCalls.Add(1)
		return nil
	})
	b.Subscribe(domain.EventErrorOccurred, "collector", func(_ context.Context, evt domain.Event) error {
		mu.Lock()
		errEvents = append(errEvents, evt.Payload.(domain.ErrorOccurredPayload))
		mu.Unlock()
		return nil
	})

	for i := 0; i < 3; i++ {
		b.Publish(domain.EventPointsAwarded, 9, awarded(int64(i)), "test", "")
	}

	waitFor(t, "healthy handler", func() bool { return okCalls.Load() == 3 })
	waitFor(t, "error events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errEvents) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	p := errEvents[0]
	if p.Subscriber != "broken" || p.Origin != domain.EventPointsAwarded || p.OriginID == "" || p.Panicked {
		t.Errorf("error payload = %+v", p)
	}
	if b.Stats().Failed != 3 {
		t.Errorf("Stats().Failed = %d, want 3", b.Stats().Failed)
	}
}

func TestPanicBecomesErrorEvent(t *testing.T) {
	b := newTestBus(t, nil)
	got := make(chan domain.Event, 1)

	b.Subscribe(domain.EventPointsAwarded, "panicky", func(context.Context, domain.Event) error {
		panic("nil map")
	})
	b.Subscribe(domain.EventErrorOccurred, "collector", func(_ context.Context, evt domain.Event) error {
		got <- evt
		return nil
	})

	src, _ := b.Publish(domain.EventPointsAwarded, 4, awarded(1), "test", "flow-9")

	select {
	case evt := <-got:
		p := evt.Payload.(domain.ErrorOccurredPayload)
		if !p.Panicked || p.OriginID != src.ID {
			t.Errorf("payload = %+v", p)
		}
		if evt.SubjectUserID != 4 || evt.CorrelationID != "flow-9" {
			t.Errorf("error event should keep subject and correlation: %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no ErrorOccurred event after panic")
	}
}

func TestErrorEventFailureDoesNotRecurse(t *testing.T) {
	b := newTestBus(t, nil)
	var errHandled atomic.Int32

	b.Subscribe(domain.EventPointsAwarded, "broken", func(context.Context, domain.Event) error {
		return errors.New("first failure")
	})
	b.Subscribe(domain.EventErrorOccurred, "also-broken", func(context.Context, domain.Event) error {
		errHandled.Add(1)
		panic("error handler fails too")
	})

	b.Publish(domain.EventPointsAwarded, 1, awarded(1), "test", "")
	waitFor(t, "error handler", func() bool { return errHandled.Load() == 1 })
	time.Sleep(50 * time.Millisecond)

	var errorEvents int
	for _, e := range b.History(0) {
		if e.Type == domain.EventErrorOccurred {
			errorEvents++
		}
	}
	if errorEvents != 1 || errHandled.Load() != 1 {
		t.Errorf("error events = %d, handled = %d; want 1/1", errorEvents, errHandled.Load())
	}
}

func TestHandlerTimeout(t *testing.T) {
	b := newTestBus(t, func(c *Config) { c.HandlerTimeout = 30 * time.Millisecond })
	got := make(chan domain.ErrorOccurredPayload, 1)

	b.Subscribe(domain.EventPointsAwarded, "stuck", func(ctx context.Context, _ domain.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	b.Subscribe(domain.EventErrorOccurred, "collector", func(_ context.Context, evt domain.Event) error {
		got <- evt.Payload.(domain.ErrorOccurredPayload)
		return nil
	})

	b.Publish(domain.EventPointsAwarded, 1, awarded(1), "test", "")

	select {
	case p := <-got:
		if !p.TimedOut || p.Subscriber != "stuck" {
			t.Errorf("payload = %+v, want timed out", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout was not reported")
	}
}

// ─── Ordering & Concurrency ─────────────────────────────────────────────────

func TestPerSubscriberOrder(t *testing.T) {
	b := newTestBus(t, nil)
	const n = 200

	var mu sync.Mutex
	var seen []int64
	b.Subscribe(domain.EventPointsAwarded, "ordered", func(_ context.Context, evt domain.Event) error {
		mu.Lock()
		seen = append(seen, evt.Payload.(domain.PointsAwardedPayload).EntryID)
		mu.Unlock()
		return nil
	})

	for i := int64(0); i < n; i++ {
		b.Publish(domain.EventPointsAwarded, 1, awarded(i), "test", "")
	}
	waitFor(t, "all events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	})

	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		if id != int64(i) {
			t.Fatalf("seen[%d] = %d, want %d", i, id, i)
		}
	}
}

func TestMaxConcurrentHandlers(t *testing.T) {
	b := newTestBus(t, func(c *Config) { c.MaxConcurrent = 2 })

	var running, peak, calls atomic.Int32
	h := func(context.Context, domain.Event) error {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		calls.Add(1)
		return nil
	}
	for i := 0; i < 6; i++ {
		b.Subscribe(domain.EventPointsAwarded, "", h)
	}

	b.Publish(domain.EventPointsAwarded, 1, awarded(1), "test", "")
	waitFor(t, "all handlers", func() bool { return calls.Load() == 6 })

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestFullMailboxDrops(t *testing.T) {
	b := newTestBus(t, func(c *Config) { c.MailboxDepth = 1 })
	release := make(chan struct{})

	b.Subscribe(domain.EventPointsAwarded, "blocked", func(ctx context.Context, _ domain.Event) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	for i := 0; i < 5; i++ {
		b.Publish(domain.EventPointsAwarded, 1, awarded(int64(i)), "test", "")
	}
	close(release)

	if d := b.Stats().Dropped; d < 3 {
		t.Errorf("Dropped = %d, want >= 3", d)
	}
}

// ─── History ────────────────────────────────────────────────────────────────

func TestHistory_RingBuffer(t *testing.T) {
	b := newTestBus(t, func(c *Config) { c.HistorySize = 3 })

	for i := int64(1); i <= 5; i++ {
		b.Publish(domain.EventPointsAwarded, i, awarded(i), "test", "")
	}

	all := b.History(0)
	if len(all) != 3 {
		t.Fatalf("History(0) = %d events, want 3", len(all))
	}
	for i, want := range []int64{5, 4, 3} {
		if all[i].SubjectUserID != want {
			t.Errorf("History[%d].SubjectUserID = %d, want %d", i, all[i].SubjectUserID, want)
		}
	}
	if two := b.History(2); len(two) != 2 || two[0].SubjectUserID != 5 {
		t.Errorf("History(2) = %+v", two)
	}
	if many := b.History(50); len(many) != 3 {
		t.Errorf("History(50) = %d events, want 3", len(many))
	}
}

// ─── Unsubscribe / Close ────────────────────────────────────────────────────

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := newTestBus(t, nil)
	var calls atomic.Int32

	id, err := b.Subscribe(domain.EventPointsAwarded, "temp", func(context.Context, domain.Event) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.SubscriberCount(domain.EventPointsAwarded) != 1 {
		t.Fatal("subscription not registered")
	}

	b.Unsubscribe(domain.EventPointsAwarded, id)
	b.Unsubscribe(domain.EventPointsAwarded, id)
	b.Unsubscribe(domain.EventPointsAwarded, "sub-missing")

	b.Publish(domain.EventPointsAwarded, 1, awarded(1), "test", "")
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != 0 || b.SubscriberCount(domain.EventPointsAwarded) != 0 {
		t.Errorf("calls = %d after unsubscribe", calls.Load())
	}
}

func TestClose_DrainsAndRejects(t *testing.T) {
	b := New(DefaultConfig(), nil)
	var calls atomic.Int32

	b.Subscribe(domain.EventPointsAwarded, "slowish", func(context.Context, domain.Event) error {
		time.Sleep(5 * time.Millisecond)
		calls.Add(1)
		return nil
	})
	for i := 0; i < 5; i++ {
		b.Publish(domain.EventPointsAwarded, 1, awarded(int64(i)), "test", "")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("handled = %d, want 5 drained", calls.Load())
	}

	if _, err := b.Publish(domain.EventPointsAwarded, 1, awarded(9), "test", ""); !errors.Is(err, domain.ErrBusClosed) {
		t.Errorf("Publish after Close error = %v", err)
	}
	if _, err := b.Subscribe(domain.EventPointsAwarded, "late", func(context.Context, domain.Event) error { return nil }); !errors.Is(err, domain.ErrBusClosed) {
		t.Errorf("Subscribe after Close error = %v", err)
	}
	if err := b.Close(ctx); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}
