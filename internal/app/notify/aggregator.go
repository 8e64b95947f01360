// Package notify batches user-facing notification fragments per recipient.
//
// Each recipient moves Idle → Accumulating → Flushing → Idle. Items are
// de-duplicated by key within one accumulation window. A Critical item or
// a full batch flushes at once; otherwise a timer fires after the delay of
// the most urgent queued item. A later arrival only moves the timer when
// its deadline is earlier than the one already scheduled.
//
// At most one flush runs per recipient, including across Cleanup: the flush
// lock is keyed by recipient ID, not held in the per-recipient state. Items
// enqueued while a flush is in flight go to the next batch. Delivery is at-most-once: a failed batch is
// logged and reported, never re-queued.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/infra/logging"
	"github.com/tutu-network/backbone/internal/infra/observability"
)

// Flush triggers, used in logs and metrics.
const (
	TriggerTimer    = "timer"
	TriggerCeiling  = "ceiling"
	TriggerCritical = "critical"
	TriggerForced   = "forced"
	TriggerShutdown = "shutdown"
)

// Config controls batching.
type Config struct {
	MaxBatch        int           // queue size that forces a flush (default: 10)
	CriticalDelay   time.Duration // default: 100ms
	HighDelay       time.Duration // default: 500ms
	MediumDelay     time.Duration // default: 1s
	LowDelay        time.Duration // default: 1.5s
	DeliveryTimeout time.Duration // per sink call (default: 10s)
}

// DefaultConfig returns aggregator defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatch:        10,
		CriticalDelay:   100 * time.Millisecond,
		HighDelay:       500 * time.Millisecond,
		MediumDelay:     time.Second,
		LowDelay:        1500 * time.Millisecond,
		DeliveryTimeout: 10 * time.Second,
	}
}

// Delay returns the flush delay for priority p.
func (c Config) Delay(p domain.Priority) time.Duration {
	switch p {
	case domain.PriorityCritical:
		return c.CriticalDelay
	case domain.PriorityHigh:
		return c.HighDelay
	case domain.PriorityMedium:
		return c.MediumDelay
	default:
		return c.LowDelay
	}
}

// FailureReporter is told about every batch the sink rejected.
type FailureReporter func(recipientID int64, items int, err error)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithRenderer replaces the TextRenderer.
func WithRenderer(r Renderer) Option { return func(a *Aggregator) { a.renderer = r } }

// WithFailureReporter installs a delivery failure hook.
func WithFailureReporter(f FailureReporter) Option { return func(a *Aggregator) { a.report = f } }

// WithClock overrides time.Now for item timestamps.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// Aggregator is safe for concurrent use.
type Aggregator struct {
	cfg      Config
	sink     domain.MessageSink
	renderer Renderer
	report   FailureReporter
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	recipients map[int64]*recipient
	flushLocks map[int64]*flushLock
	closed     bool

	pending  atomic.Int64 // recipients with queued items
	inflight sync.WaitGroup
}

type recipient struct {
	id int64

	mu       sync.Mutex
	items    []domain.NotificationItem
	keys     map[string]struct{}
	timer    *time.Timer
	deadline time.Time
	gen      uint64 // bumped on every cancel; stale timers compare and bail
	removed  bool
}

// flushLock serializes deliveries to one recipient. It lives while anyone
// holds or waits for it.
type flushLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an aggregator delivering through sink.
func New(cfg Config, sink domain.MessageSink, logger *zap.Logger, opts ...Option) *Aggregator {
	def := DefaultConfig()
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	a := &Aggregator{
		cfg:        cfg,
		sink:       sink,
		renderer:   TextRenderer{},
		logger:     logging.OrNop(logger).Named("notify"),
		now:        time.Now,
		recipients: make(map[int64]*recipient),
		flushLocks: make(map[int64]*flushLock),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ─── Enqueue ────────────────────────────────────────────────────────────────

// Enqueue adds a fragment to the recipient's pending batch. It returns false
// when the item duplicates one already pending or the aggregator is closed.
func (a *Aggregator) Enqueue(recipientID int64, kind domain.NotificationKind, data map[string]any, priority domain.Priority) bool {
	item := domain.NotificationItem{
		RecipientID: recipientID,
		Kind:        kind,
		Data:        data,
		Priority:    priority,
		CreatedAt:   a.now(),
		DedupKey:    domain.DedupKey(kind, data),
	}

	for {
		r := a.state(recipientID)
		if r == nil {
			a.logger.Debug("enqueue after close", zap.Int64("recipient_id", recipientID))
			return false
		}

		r.mu.Lock()
		if r.removed {
			// Raced with Cleanup; take the fresh state.
			r.mu.Unlock()
			continue
		}
		if _, dup := r.keys[item.DedupKey]; dup {
			r.mu.Unlock()
			observability.NotificationsEnqueued.WithLabelValues(string(kind), "duplicate").Inc()
			return false
		}
		r.keys[item.DedupKey] = struct{}{}
		r.items = append(r.items, item)
		if len(r.items) == 1 {
			a.setPending(1)
		}
		observability.NotificationsEnqueued.WithLabelValues(string(kind), "queued").Inc()

		trigger := ""
		switch {
		case priority == domain.PriorityCritical:
			trigger = TriggerCritical
		case len(r.items) >= a.cfg.MaxBatch:
			trigger = TriggerCeiling
		}
		if trigger != "" {
			r.cancelTimerLocked()
			r.mu.Unlock()
			a.flushAsync(r, trigger)
			return true
		}

		a.scheduleLocked(r)
		r.mu.Unlock()
		return true
	}
}

// scheduleLocked arms the flush timer for the most urgent queued item. An
// armed timer is replaced only by an earlier deadline.
func (a *Aggregator) scheduleLocked(r *recipient) {
	best := domain.PriorityLow
	for _, it := range r.items {
		if it.Priority < best {
			best = it.Priority
		}
	}
	delay := a.cfg.Delay(best)
	deadline := time.Now().Add(delay)
	if r.timer != nil && !deadline.Before(r.deadline) {
		return
	}
	r.cancelTimerLocked()
	gen := r.gen
	r.deadline = deadline
	r.timer = time.AfterFunc(delay, func() { a.onTimer(r, gen) })
}

func (r *recipient) cancelTimerLocked() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.deadline = time.Time{}
}

func (a *Aggregator) onTimer(r *recipient, gen uint64) {
	r.mu.Lock()
	if r.gen != gen || r.removed {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.deadline = time.Time{}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DeliveryTimeout)
	defer cancel()
	a.flush(ctx, r, TriggerTimer)
}

// ─── Flush ──────────────────────────────────────────────────────────────────

func (a *Aggregator) flushAsync(r *recipient, trigger string) {
	a.inflight.Add(1)
	go func() {
		defer a.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DeliveryTimeout)
		defer cancel()
		a.flush(ctx, r, trigger)
	}()
}

func (a *Aggregator) flush(ctx context.Context, r *recipient, trigger string) error {
	unlock := a.lockFlush(r.id)
	defer unlock()
	return a.flushHeld(ctx, r, trigger)
}

// lockFlush takes the recipient's flush lock and returns the release func.
func (a *Aggregator) lockFlush(recipientID int64) func() {
	a.mu.Lock()
	fl, ok := a.flushLocks[recipientID]
	if !ok {
		fl = &flushLock{}
		a.flushLocks[recipientID] = fl
	}
	fl.refs++
	a.mu.Unlock()

	fl.mu.Lock()
	return func() {
		fl.mu.Unlock()
		a.mu.Lock()
		if fl.refs--; fl.refs == 0 {
			delete(a.flushLocks, recipientID)
		}
		a.mu.Unlock()
	}
}

// flushHeld drains and delivers. Caller holds the recipient's flush lock.
// A failed delivery is logged and passed to the FailureReporter before the
// error is returned.
func (a *Aggregator) flushHeld(ctx context.Context, r *recipient, trigger string) error {
	r.mu.Lock()
	items := r.items
	r.items = nil
	r.keys = make(map[string]struct{})
	r.cancelTimerLocked()
	r.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	a.setPending(-1)

	text := a.renderer.Render(r.id, items)
	observability.NotificationBatchSize.Observe(float64(len(items)))

	if err := a.sink.Deliver(ctx, r.id, text); err != nil {
		observability.NotificationFlushes.WithLabelValues(trigger, "failed").Inc()
		a.logger.Warn("batch delivery failed",
			zap.Int64("recipient_id", r.id), zap.String("trigger", trigger), zap.Int("items", len(items)), zap.Error(err))
		if a.report != nil {
			a.report(r.id, len(items), err)
		}
		return fmt.Errorf("deliver batch to %d: %w: %w", r.id, domain.ErrDeliveryFailure, err)
	}
	observability.NotificationFlushes.WithLabelValues(trigger, "ok").Inc()
	a.logger.Debug("batch delivered",
		zap.Int64("recipient_id", r.id), zap.String("trigger", trigger), zap.Int("items", len(items)))
	return nil
}

// FlushNow delivers the recipient's pending batch synchronously.
func (a *Aggregator) FlushNow(ctx context.Context, recipientID int64) error {
	r := a.existing(recipientID)
	if r == nil {
		return nil
	}
	return a.flush(ctx, r, TriggerForced)
}

// SendImmediate delivers any pending batch and then message, bypassing
// aggregation. A failed pending batch goes to the FailureReporter and does
// not stop the direct message; only the direct message's delivery error is
// returned.
func (a *Aggregator) SendImmediate(ctx context.Context, recipientID int64, message string) error {
	unlock := a.lockFlush(recipientID)
	defer unlock()
	if r := a.existing(recipientID); r != nil {
		if err := a.flushHeld(ctx, r, TriggerForced); err != nil {
			a.logger.Debug("sending direct message after failed batch", zap.Int64("recipient_id", recipientID))
		}
	}
	if err := a.sink.Deliver(ctx, recipientID, message); err != nil {
		a.logger.Warn("immediate delivery failed", zap.Int64("recipient_id", recipientID), zap.Error(err))
		return fmt.Errorf("deliver to %d: %w: %w", recipientID, domain.ErrDeliveryFailure, err)
	}
	return nil
}

// ─── State ──────────────────────────────────────────────────────────────────

// PendingCount returns the number of queued items for a recipient.
func (a *Aggregator) PendingCount(recipientID int64) int {
	r := a.existing(recipientID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Pending returns a copy of the recipient's queued items.
func (a *Aggregator) Pending(recipientID int64) []domain.NotificationItem {
	r := a.existing(recipientID)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.NotificationItem(nil), r.items...)
}

// Cleanup cancels the recipient's timer and drops its pending items. Used
// when a session ends. A flush already in flight completes, and the next
// flush for the same recipient waits for it.
func (a *Aggregator) Cleanup(recipientID int64) {
	a.mu.Lock()
	r := a.recipients[recipientID]
	delete(a.recipients, recipientID)
	a.mu.Unlock()
	if r == nil {
		return
	}

	r.mu.Lock()
	r.cancelTimerLocked()
	if len(r.items) > 0 {
		a.setPending(-1)
	}
	r.items = nil
	r.keys = make(map[string]struct{})
	r.removed = true
	r.mu.Unlock()
}

// Close flushes every pending recipient and waits for in-flight flushes,
// until ctx ends. Enqueue is rejected afterwards.
func (a *Aggregator) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	all := make([]*recipient, 0, len(a.recipients))
	for _, r := range a.recipients {
		all = append(all, r)
	}
	a.mu.Unlock()

	for _, r := range all {
		if ctx.Err() != nil {
			break
		}
		if err := a.flush(ctx, r, TriggerShutdown); err != nil {
			a.logger.Warn("shutdown flush failed", zap.Int64("recipient_id", r.id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) state(recipientID int64) *recipient {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	r, ok := a.recipients[recipientID]
	if !ok {
		r = &recipient{id: recipientID, keys: make(map[string]struct{})}
		a.recipients[recipientID] = r
	}
	return r
}

func (a *Aggregator) existing(recipientID int64) *recipient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recipients[recipientID]
}

func (a *Aggregator) setPending(delta int64) {
	observability.NotificationPendingRecipients.Set(float64(a.pending.Add(delta)))
}
