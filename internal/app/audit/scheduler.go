package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/backbone/internal/domain"
	"github.com/tutu-network/backbone/internal/infra/logging"
)

// Scope labels.
const (
	ScopeFull     = "full"
	ScopeTargeted = "targeted"
)

// SchedulerConfig controls periodic scans.
type SchedulerConfig struct {
	Interval         time.Duration // full scan (default: 1h)
	TargetedInterval time.Duration // dirty-user scan (default: 5m)
}

// DefaultSchedulerConfig returns scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:         time.Hour,
		TargetedInterval: 5 * time.Minute,
	}
}

// Scheduler runs full scans on an interval and targeted scans of users
// whose ledger changed. An interrupted full scan resumes from its cursor on
// the next tick.
type Scheduler struct {
	auditor *Auditor
	cfg     SchedulerConfig
	logger  *zap.Logger

	mu     sync.Mutex
	dirty  map[int64]struct{}
	cursor int64
	last   *domain.AuditResult
}

// NewScheduler creates a scheduler for auditor.
func NewScheduler(auditor *Auditor, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TargetedInterval <= 0 {
		cfg.TargetedInterval = def.TargetedInterval
	}
	return &Scheduler{
		auditor: auditor,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("audit.scheduler"),
		dirty:   make(map[int64]struct{}),
	}
}

// MarkDirty queues users for the next targeted scan.
func (s *Scheduler) MarkDirty(userIDs ...int64) {
	s.mu.Lock()
	for _, id := range userIDs {
		s.dirty[id] = struct{}{}
	}
	s.mu.Unlock()
}

// DirtyCount returns the number of users awaiting a targeted scan.
func (s *Scheduler) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// Last returns the most recent scan result.
func (s *Scheduler) Last() (domain.AuditResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return domain.AuditResult{}, false
	}
	return *s.last, true
}

// Run blocks until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	full := time.NewTicker(s.cfg.Interval)
	defer full.Stop()
	targeted := time.NewTicker(s.cfg.TargetedInterval)
	defer targeted.Stop()

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.cfg.Interval), zap.Duration("targeted_interval", s.cfg.TargetedInterval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-full.C:
			s.RunFull(ctx)
		case <-targeted.C:
			s.RunTargeted(ctx)
		}
	}
}

// RunFull scans every user, starting from the cursor an interrupted pass
// left behind.
func (s *Scheduler) RunFull(ctx context.Context) (domain.AuditResult, error) {
	s.mu.Lock()
	after := s.cursor
	s.mu.Unlock()

	res, err := s.auditor.Scan(ctx, ScanOptions{After: after, Scope: ScopeFull})

	s.mu.Lock()
	if res.Complete {
		s.cursor = 0
	} else {
		s.cursor = res.Cursor
	}
	s.last = &res
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("full scan failed", zap.Int64("cursor", res.Cursor), zap.Error(err))
	}
	return res, err
}

// RunTargeted scans the dirty set. Users are removed from the set before
// the scan; the ones an interrupted scan never reached are put back.
func (s *Scheduler) RunTargeted(ctx context.Context) (domain.AuditResult, error) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[int64]struct{})
	s.mu.Unlock()

	if len(ids) == 0 {
		return domain.AuditResult{Complete: true}, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	res, err := s.auditor.Scan(ctx, ScanOptions{UserIDs: ids, Scope: ScopeTargeted})

	s.mu.Lock()
	if !res.Complete {
		for _, id := range ids {
			if id > res.Cursor {
				s.dirty[id] = struct{}{}
			}
		}
	}
	s.last = &res
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("targeted scan failed", zap.Error(err))
	}
	return res, err
}
