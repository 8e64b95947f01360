// Package eventbus is the in-process publish/subscribe bus.
//
// Publish never waits for handlers. Each subscription owns a mailbox and a
// goroutine that delivers events to its handler in publish order; a shared
// semaphore bounds how many handlers run at once across the bus. A handler
// that returns an error, panics or exceeds its timeout is reported as an
// ErrorOccurred event. Failures while handling ErrorOccurred itself are only
// logged, so error events never cascade.
//
// The bus is not durable. History keeps the most recent events for
// diagnostics and nothing survives a restart.
package eventbus

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/infra/logging"
	"github.com/tutu-network/backbone/internal/infra/observability"
)

const component = "eventbus"

// Handler reacts to one event. ctx is canceled when the handler timeout
// expires or the bus shuts down.
type Handler func(ctx context.Context, evt domain.Event) error

// Config controls bus behavior.
type Config struct {
	HistorySize    int           // events kept for History (default: 1000)
	HandlerTimeout time.Duration // per invocation (default: 5s)
	MaxConcurrent  int           // handlers running at once, bus-wide (default: 32)
	MailboxDepth   int           // queued events per subscription (default: 1024)
}

// DefaultConfig returns bus defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:    1000,
		HandlerTimeout: 5 * time.Second,
		MaxConcurrent:  32,
		MailboxDepth:   1024,
	}
}

// Bus routes events to subscribers. Safe for concurrent use.
type Bus struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[domain.EventType]map[string]*subscription
	closed bool

	histMu  sync.Mutex
	history []domain.Event // ring buffer
	head    int            // next write position
	count   int

	sem    chan struct{} // concurrency semaphore
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	nextID atomic.Uint64

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type subscription struct {
	id        string
	name      string
	eventType domain.EventType
	handler   Handler
	mailbox   chan domain.Event
	stop      chan struct{} // unsubscribe: discard queued events
	drain     chan struct{} // close: deliver queued events, then exit
}

// New creates a running bus.
func New(cfg Config, logger *zap.Logger) *Bus {
	def := DefaultConfig()
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.MailboxDepth <= 0 {
		cfg.MailboxDepth = def.MailboxDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named(component),
		now:     time.Now,
		subs:    make(map[domain.EventType]map[string]*subscription),
		history: make([]domain.Event, cfg.HistorySize),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// ─── Subscriptions ──────────────────────────────────────────────────────────

// Subscribe registers h for events of type t and returns the subscription
// ID used to unsubscribe. name labels the subscriber in logs and error
// events. Several handlers may subscribe to one type; fan-out order between
// them is unspecified.
func (b *Bus) Subscribe(t domain.EventType, name string, h Handler) (string, error) {
	if !t.Known() {
		return "", fmt.Errorf("subscribe %q: %w", t, domain.ErrUnknownEventType)
	}
	if h == nil {
		return "", fmt.Errorf("subscribe %q: nil handler", t)
	}
	sub := &subscription{
		id:        "sub-" + strconv.FormatUint(b.nextID.Add(1), 10),
		name:      name,
		eventType: t,
		handler:   h,
		mailbox:   make(chan domain.Event, b.cfg.MailboxDepth),
		stop:      make(chan struct{}),
		drain:     make(chan struct{}),
	}
	if sub.name == "" {
		sub.name = sub.id
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", domain.ErrBusClosed
	}
	if b.subs[t] == nil {
		b.subs[t] = make(map[string]*subscription)
	}
	b.subs[t][sub.id] = sub

	b.wg.Add(1)
	go b.run(sub)
	return sub.id, nil
}

// Unsubscribe removes a subscription. Events still queued for it are
// discarded. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(t domain.EventType, id string) {
	b.mu.Lock()
	sub, ok := b.subs[t][id]
	if ok {
		delete(b.subs[t], id)
		if len(b.subs[t]) == 0 {
			delete(b.subs, t)
		}
	}
	closed := b.closed
	b.mu.Unlock()

	if ok && !closed {
		close(sub.stop)
	}
}

// SubscriberCount returns the number of subscriptions for t.
func (b *Bus) SubscriberCount(t domain.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}

// ─── Publishing ─────────────────────────────────────────────────────────────

// Publish stamps and records an event, then queues it for every current
// subscriber of t. It returns without waiting for any handler. payload may
// be nil; otherwise its Kind must equal t.
func (b *Bus) Publish(t domain.EventType, subjectUserID int64, payload domain.Payload, source, correlationID string) (domain.Event, error) {
	if !t.Known() {
		return domain.Event{}, fmt.Errorf("publish %q: %w", t, domain.ErrUnknownEventType)
	}
	if payload != nil && payload.Kind() != t {
		return domain.Event{}, fmt.Errorf("publish %q with %q payload: %w", t, payload.Kind(), domain.ErrPayloadMismatch)
	}

	evt := domain.Event{
		ID:            uuid.NewString(),
		Type:          t,
		SubjectUserID: subjectUserID,
		Payload:       payload,
		Timestamp:     b.now(),
		Source:        source,
		CorrelationID: correlationID,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.Event{}, domain.ErrBusClosed
	}

	b.record(evt)
	b.published.Add(1)
	observability.EventsPublished.WithLabelValues(string(t)).Inc()

	for _, sub := range b.subs[t] {
		select {
		case sub.mailbox <- evt:
		default:
			b.dropped.Add(1)
			observability.EventsDropped.WithLabelValues(string(t)).Inc()
			b.logger.Warn("subscriber mailbox full, event dropped",
				zap.String("subscriber", sub.name), zap.String("event", string(t)), zap.String("event_id", evt.ID))
		}
	}
	return evt, nil
}

// ─── History ────────────────────────────────────────────────────────────────

func (b *Bus) record(evt domain.Event) {
	b.histMu.Lock()
	b.history[b.head] = evt
	b.head = (b.head + 1) % len(b.history)
	if b.count < len(b.history) {
		b.count++
	}
	b.histMu.Unlock()
}

// History returns up to limit recent events, newest first. limit <= 0
// returns everything retained.
func (b *Bus) History(limit int) []domain.Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	n := b.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (b.head - i + len(b.history)) % len(b.history)
		out = append(out, b.history[idx])
	}
	return out
}

// ─── Dispatch ───────────────────────────────────────────────────────────────

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.stop:
			return
		case evt := <-sub.mailbox:
			b.dispatch(sub, evt)
		case <-sub.drain:
			for {
				select {
				case evt := <-sub.mailbox:
					b.dispatch(sub, evt)
				default:
					return
				}
			}
		}
	}
}

type outcome struct {
	err      error
	panicked bool
}

// dispatch runs one handler invocation under the semaphore and the timeout.
// On timeout it returns while the handler goroutine keeps its semaphore
// slot until it actually finishes.
func (b *Bus) dispatch(sub *subscription, evt domain.Event) {
	select {
	case b.sem <- struct{}{}:
	case <-b.ctx.Done():
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.HandlerTimeout)
	defer cancel()

	start := b.now()
	done := make(chan outcome, 1)
	go func() {
		defer func() { <-b.sem }()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("handler panic",
					zap.String("subscriber", sub.name), zap.String("event", string(evt.Type)),
					zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				done <- outcome{err: fmt.Errorf("panic: %v", r), panicked: true}
			}
		}()
		done <- outcome{err: sub.handler(ctx, evt)}
	}()

	select {
	case out := <-done:
		observability.HandlerLatency.WithLabelValues(string(evt.Type)).Observe(b.now().Sub(start).Seconds())
		switch {
		case out.panicked:
			b.fail(sub, evt, "panic", out.err, true, false)
		case out.err != nil:
			b.fail(sub, evt, "error", out.err, false, false)
		default:
			observability.HandlerInvocations.WithLabelValues(string(evt.Type), "ok").Inc()
		}
	case <-ctx.Done():
		b.fail(sub, evt, "timeout", fmt.Errorf("exceeded %s: %w", b.cfg.HandlerTimeout, ctx.Err()), false, true)
	}
}

// fail converts a handler failure into an ErrorOccurred event. Failures of
// ErrorOccurred handlers stop here.
func (b *Bus) fail(sub *subscription, evt domain.Event, kind string, err error, panicked, timedOut bool) {
	b.failed.Add(1)
	observability.HandlerInvocations.WithLabelValues(string(evt.Type), kind).Inc()

	herr := &domain.HandlerError{Subscriber: sub.name, EventType: evt.Type, Err: err}
	b.logger.Warn("handler failed", zap.String("event_id", evt.ID), zap.String("outcome", kind), zap.Error(herr))

	if evt.Type == domain.EventErrorOccurred {
		return
	}
	_, perr := b.Publish(domain.EventErrorOccurred, evt.SubjectUserID, domain.ErrorOccurredPayload{
		Component:  component,
		Subscriber: sub.name,
		Origin:     evt.Type,
		OriginID:   evt.ID,
		Message:    herr.Error(),
		Panicked:   panicked,
		TimedOut:   timedOut,
	}, component, evt.CorrelationID)
	if perr != nil {
		b.logger.Debug("error event not published", zap.Error(perr))
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Close stops accepting publishes and subscriptions, lets every mailbox
// deliver what it already holds, and waits until ctx ends. Handlers still
// running when ctx ends see their context canceled.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, byID := range b.subs {
		for _, sub := range byID {
			close(sub.drain)
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	defer b.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats summarizes bus activity.
type Stats struct {
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Failed        int64 `json:"failed"`
	Dropped       int64 `json:"dropped"`
	History       int   `json:"history"`
	MaxConcurrent int   `json:"max_concurrent"`
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subs := 0
	for _, byID := range b.subs {
		subs += len(byID)
	}
	b.mu.RUnlock()

	b.histMu.Lock()
	hist := b.count
	b.histMu.Unlock()

	return Stats{
		Subscriptions: subs,
		Published:     b.published.Load(),
		Failed:        b.failed.Load(),
		Dropped:       b.dropped.Load(),
		History:       hist,
		MaxConcurrent: b.cfg.MaxConcurrent,
	}
}
