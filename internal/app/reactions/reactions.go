// Package reactions connects bus events to the notification aggregator and
// the audit scheduler.
//
// Ledger events become points notifications and mark the user for the next
// targeted audit. Narrative decisions become story notifications. Error and
// consistency events are logged and counted.
package reactions

import (
	"context"

	"go.uber.org/zap"

	"github.com/tutu-network/backbone/internal/app/eventbus"
	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/infra/logging"
	"github.com/tutu-network/backbone/internal/infra/observability"
)

// Bus is the subscribe half of the event bus.
type Bus interface {
	Subscribe(t domain.EventType, name string, h eventbus.Handler) (string, error)
}

// Notifier queues user-facing fragments.
type Notifier interface {
	Enqueue(recipientID int64, kind domain.NotificationKind, data map[string]any, priority domain.Priority) bool
}

// DirtyMarker records users whose state changed since the last audit.
type DirtyMarker interface {
	MarkDirty(userIDs ...int64)
}

// Reactions holds the handlers. Dirty may be nil.
type Reactions struct {
	notifier Notifier
	dirty    DirtyMarker
	logger   *zap.Logger
}

// New creates the reaction set.
func New(notifier Notifier, dirty DirtyMarker, logger *zap.Logger) *Reactions {
	return &Reactions{
		notifier: notifier,
		dirty:    dirty,
		logger:   logging.OrNop(logger).Named("reactions"),
	}
}

// Register subscribes every handler on bus.
func (r *Reactions) Register(bus Bus) error {
	subs := []struct {
		t    domain.EventType
		name string
		h    eventbus.Handler
	}{
		{domain.EventPointsAwarded, "points-notify", r.OnPoints},
		{domain.EventPointsDeducted, "points-notify", r.OnPoints},
		{domain.EventNarrativeDecision, "narrative-notify", r.OnNarrative},
		{domain.EventErrorOccurred, "error-log", r.OnError},
		{domain.EventConsistencyCheck, "audit-log", r.OnConsistency},
	}
	for _, s := range subs {
		if _, err := bus.Subscribe(s.t, s.name, s.h); err != nil {
			return err
		}
	}
	return nil
}

// ─── Handlers ───────────────────────────────────────────────────────────────

// OnPoints turns a ledger event into a points notification.
func (r *Reactions) OnPoints(ctx context.Context, evt domain.Event) error {
	var data map[string]any
	switch p := evt.Payload.(type) {
	case domain.PointsAwardedPayload:
		data = map[string]any{"entry_id": p.EntryID, "amount": p.Amount, "source": p.Source, "balance": p.BalanceAfter}
	case domain.PointsDeductedPayload:
		data = map[string]any{"entry_id": p.EntryID, "amount": -p.Amount, "source": p.Source, "balance": p.BalanceAfter}
	default:
		return nil
	}
	if r.dirty != nil {
		r.dirty.MarkDirty(evt.SubjectUserID)
	}
	// Audit corrections are not news for the user.
	if data["source"] == domain.SourceAuditCorrection {
		return nil
	}
	r.notifier.Enqueue(evt.SubjectUserID, domain.KindPoints, data, domain.PriorityMedium)
	return nil
}

// OnNarrative queues a story fragment. Narrative events arrive as opaque
// payloads; their fields pass through as notification data.
func (r *Reactions) OnNarrative(ctx context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.OpaquePayload)
	if !ok {
		return nil
	}
	data := make(map[string]any, len(p.Fields))
	for k, v := range p.Fields {
		data[k] = v
	}
	r.notifier.Enqueue(evt.SubjectUserID, domain.KindNarrative, data, domain.PriorityLow)
	return nil
}

// OnError logs and counts a component failure.
func (r *Reactions) OnError(ctx context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.ErrorOccurredPayload)
	if !ok {
		return nil
	}
	observability.ComponentErrors.WithLabelValues(p.Component).Inc()
	r.logger.Warn("component error",
		zap.String("component", p.Component),
		zap.String("subscriber", p.Subscriber),
		zap.String("origin", string(p.Origin)),
		zap.String("origin_id", p.OriginID),
		zap.Int64("user_id", evt.SubjectUserID),
		zap.Bool("panicked", p.Panicked),
		zap.Bool("timed_out", p.TimedOut),
		zap.String("message", p.Message),
	)
	return nil
}

// OnConsistency logs a scan summary.
func (r *Reactions) OnConsistency(ctx context.Context, evt domain.Event) error {
	p, ok := evt.Payload.(domain.ConsistencyCheckPayload)
	if !ok {
		return nil
	}
	fields := []zap.Field{
		zap.Int("checked", p.TotalChecked),
		zap.Int("found", p.Found),
		zap.Int("corrected", p.Corrected),
		zap.Int("errors", p.Errors),
		zap.Duration("duration", p.Duration),
	}
	for sev, n := range p.BySeverity {
		fields = append(fields, zap.Int("severity_"+string(sev), n))
	}
	r.logger.Info("consistency check", fields...)
	return nil
}
