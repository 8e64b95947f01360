package testutil

import (
	"strconv"
	"sync"
	"time"

	"github.com/tutu-network/backbone/internal/domain"
)

// RecordingPublisher captures published events synchronously.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	Err    error
}

func (p *RecordingPublisher) Publish(t domain.EventType, subjectUserID int64, payload domain.Payload, source, correlationID string) (domain.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return domain.Event{}, p.Err
	}
	evt := domain.Event{
		ID:            strconv.Itoa(len(p.events) + 1),
		Type:          t,
		SubjectUserID: subjectUserID,
		Payload:       payload,
		Timestamp:     time.Now(),
		Source:        source,
		CorrelationID: correlationID,
	}
	p.events = append(p.events, evt)
	return evt, nil
}

// Events returns a copy of the captured events.
func (p *RecordingPublisher) Events() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}

// OfType returns captured events of type t.
func (p *RecordingPublisher) OfType(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range p.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
