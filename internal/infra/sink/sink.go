// Package sink holds MessageSink adapters. The chat transport itself lives
// outside this service; these cover local delivery and outbound throttling.
package sink

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/infra/logging"
)

// ─── Log Sink ───────────────────────────────────────────────────────────────

// LogSink writes rendered messages to the logger. It is the default when no
// transport is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.OrNop(logger).Named("sink")}
}

func (s *LogSink) Deliver(ctx context.Context, recipientID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("deliver", zap.Int64("recipient_id", recipientID), zap.String("text", text))
	return nil
}

// ─── Throttled ──────────────────────────────────────────────────────────────

// Throttled bounds the outbound message rate of another sink with a token
// bucket. Deliver waits for a token until ctx ends.
type Throttled struct {
	next    domain.MessageSink
	limiter *rate.Limiter
}

// NewThrottled wraps next at perSecond messages with the given burst.
// perSecond <= 0 disables throttling.
func NewThrottled(next domain.MessageSink, perSecond float64, burst int) *Throttled {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (t *Throttled) Deliver(ctx context.Context, recipientID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return t.next.Deliver(ctx, recipientID, text)
}

var (
	_ domain.MessageSink = (*LogSink)(nil)
	_ domain.MessageSink = (*Throttled)(nil)
)
