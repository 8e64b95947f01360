package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ─── Event Types ────────────────────────────────────────────────────────────
// Closed, versioned set. Adding a type bumps EventSchemaVersion.

// EventSchemaVersion is the version of the event type set below.
const EventSchemaVersion = 1

// EventType tags a published event.
type EventType string

const (
	EventPointsAwarded     EventType = "points_awarded"
	EventPointsDeducted    EventType = "points_deducted"
	EventConsistencyCheck  EventType = "consistency_check"
	EventErrorOccurred     EventType = "error_occurred"
	EventNarrativeDecision EventType = "narrative_decision"
	EventChannelEngagement EventType = "channel_engagement"
)

var knownEventTypes = map[EventType]struct{}{
	EventPointsAwarded:     {},
	EventPointsDeducted:    {},
	EventConsistencyCheck:  {},
	EventErrorOccurred:     {},
	EventNarrativeDecision: {},
	EventChannelEngagement: {},
}

// Known reports whether t belongs to the closed event set.
func (t EventType) Known() bool {
	_, ok := knownEventTypes[t]
	return ok
}

// Event is a fact published once and never mutated.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	SubjectUserID int64     `json:"subject_user_id"`
	Payload       Payload   `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewCorrelationID returns a token linking events of one workflow.
func NewCorrelationID() string {
	return uuid.NewString()
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation ID to ctx. Ledger operations
// stamp it on the events they publish.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ID attached to ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// ─── Payloads ───────────────────────────────────────────────────────────────
// One payload struct per event type so subscribers get typed fields.

// Payload is implemented by every event payload.
type Payload interface {
	Kind() EventType
}

// PointsAwardedPayload accompanies EventPointsAwarded.
type PointsAwardedPayload struct {
	EntryID      int64  `json:"entry_id"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Source       string `json:"source"`
	Description  string `json:"description,omitempty"`
}

func (PointsAwardedPayload) Kind() EventType { return EventPointsAwarded }

// PointsDeductedPayload accompanies EventPointsDeducted. Amount is positive.
type PointsDeductedPayload struct {
	EntryID      int64  `json:"entry_id"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Source       string `json:"source"`
	Description  string `json:"description,omitempty"`
}

func (PointsDeductedPayload) Kind() EventType { return EventPointsDeducted }

// ConsistencyCheckPayload summarizes one audit scan. Full reports are
// returned to the scan caller, never published.
type ConsistencyCheckPayload struct {
	TotalChecked int              `json:"total_checked"`
	Found        int              `json:"found"`
	Corrected    int              `json:"corrected"`
	BySeverity   map[Severity]int `json:"by_severity"`
	Errors       int              `json:"errors"`
	Duration     time.Duration    `json:"duration"`
}

func (ConsistencyCheckPayload) Kind() EventType { return EventConsistencyCheck }

// ErrorOccurredPayload reports a failure inside a background component.
type ErrorOccurredPayload struct {
	Component  string    `json:"component"`
	Subscriber string    `json:"subscriber,omitempty"`
	Origin     EventType `json:"origin,omitempty"`
	OriginID   string    `json:"origin_id,omitempty"`
	Message    string    `json:"message"`
	Panicked   bool      `json:"panicked,omitempty"`
	TimedOut   bool      `json:"timed_out,omitempty"`
}

func (ErrorOccurredPayload) Kind() EventType { return EventErrorOccurred }

// OpaquePayload carries domain events from modules outside the core.
// The core only routes them.
type OpaquePayload struct {
	Type   EventType      `json:"type"`
	Fields map[string]any `json:"fields,omitempty"`
}

func (p OpaquePayload) Kind() EventType { return p.Type }

// String returns a field as string, or "" if absent or not a string.
func (p OpaquePayload) String(key string) string {
	s, _ := p.Fields[key].(string)
	return s
}
