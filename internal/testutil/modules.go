package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tutu-network/backbone/internal/domain"
)

// ─── Module Repositories ────────────────────────────────────────────────────

// MemModules implements every module repository the auditor reads.
type MemModules struct {
	mu         sync.Mutex
	profiles   map[int64]domain.UserProfile
	badges     map[int64][]domain.BadgeGrant
	narrative  map[int64]domain.NarrativeState
	refs       map[int64][]domain.Reference
	entities   map[string]map[string]bool
	extraUsers map[int64]bool
	nextID     int64

	// FailUser makes every read for that user return ErrInjected.
	FailUser map[int64]bool
	// FailRemovals makes RemoveBadgeGrant and DeleteReference fail.
	FailRemovals bool
}

// NewMemModules creates empty repositories.
func NewMemModules() *MemModules {
	return &MemModules{
		profiles:   make(map[int64]domain.UserProfile),
		badges:     make(map[int64][]domain.BadgeGrant),
		narrative:  make(map[int64]domain.NarrativeState),
		refs:       make(map[int64][]domain.Reference),
		entities:   make(map[string]map[string]bool),
		extraUsers: make(map[int64]bool),
		FailUser:   make(map[int64]bool),
	}
}

// AddUser registers a user without any module state.
func (m *MemModules) AddUser(userID int64) {
	m.mu.Lock()
	m.extraUsers[userID] = true
	m.mu.Unlock()
}

func (m *MemModules) SetProfile(p domain.UserProfile) {
	m.mu.Lock()
	m.profiles[p.UserID] = p
	m.mu.Unlock()
}

// GrantBadge records a badge grant at the given time and returns its ID.
func (m *MemModules) GrantBadge(userID int64, badgeID string, at time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.badges[userID] = append(m.badges[userID], domain.BadgeGrant{ID: m.nextID, UserID: userID, BadgeID: badgeID, GrantedAt: at})
	return m.nextID
}

func (m *MemModules) SetNarrative(userID int64, fragmentID string) {
	m.mu.Lock()
	m.narrative[userID] = domain.NarrativeState{UserID: userID, FragmentID: fragmentID, UpdatedAt: time.Now()}
	m.mu.Unlock()
}

// AddEntity makes kind/id resolvable.
func (m *MemModules) AddEntity(kind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entities[kind] == nil {
		m.entities[kind] = make(map[string]bool)
	}
	m.entities[kind][id] = true
}

func (m *MemModules) RemoveEntity(kind, id string) {
	m.mu.Lock()
	delete(m.entities[kind], id)
	m.mu.Unlock()
}

// AddReference records a join record and returns its ID.
func (m *MemModules) AddReference(ref domain.Reference) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ref.ID = m.nextID
	m.refs[ref.UserID] = append(m.refs[ref.UserID], ref)
	return ref.ID
}

func (m *MemModules) fail(userID int64) error {
	if m.FailUser[userID] {
		return fmt.Errorf("user %d: %w", userID, ErrInjected)
	}
	return nil
}

func (m *MemModules) ListUserIDs(ctx context.Context, after int64, limit int) ([]int64, error) {
	m.mu.Lock()
	seen := make(map[int64]bool)
	for id := range m.extraUsers {
		seen[id] = true
	}
	for id := range m.profiles {
		seen[id] = true
	}
	for id := range m.badges {
		seen[id] = true
	}
	for id := range m.narrative {
		seen[id] = true
	}
	for id := range m.refs {
		seen[id] = true
	}
	m.mu.Unlock()

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		if id > after {
			ids = append(ids, id)
		}
	}
	return pageIDs(ids, limit), nil
}

func (m *MemModules) GetProfile(ctx context.Context, userID int64) (*domain.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(userID); err != nil {
		return nil, err
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *MemModules) GetBadgesForUser(ctx context.Context, userID int64) ([]domain.BadgeGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(userID); err != nil {
		return nil, err
	}
	out := append([]domain.BadgeGrant(nil), m.badges[userID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].GrantedAt.Before(out[j].GrantedAt) })
	return out, nil
}

func (m *MemModules) RemoveBadgeGrant(ctx context.Context, grantID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRemovals {
		return ErrInjected
	}
	for uid, grants := range m.badges {
		for i, g := range grants {
			if g.ID == grantID {
				m.badges[uid] = append(grants[:i:i], grants[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (m *MemModules) GetNarrativeState(ctx context.Context, userID int64) (*domain.NarrativeState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(userID); err != nil {
		return nil, err
	}
	s, ok := m.narrative[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemModules) ListReferences(ctx context.Context, userID int64) ([]domain.Reference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(userID); err != nil {
		return nil, err
	}
	return append([]domain.Reference(nil), m.refs[userID]...), nil
}

func (m *MemModules) EntityExists(ctx context.Context, kind, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entities[kind][id], nil
}

func (m *MemModules) DeleteReference(ctx context.Context, refID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRemovals {
		return ErrInjected
	}
	for uid, refs := range m.refs {
		for i, r := range refs {
			if r.ID == refID {
				m.refs[uid] = append(refs[:i:i], refs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

var (
	_ domain.UserDirectory       = (*MemModules)(nil)
	_ domain.ProfileRepository   = (*MemModules)(nil)
	_ domain.BadgeRepository     = (*MemModules)(nil)
	_ domain.NarrativeRepository = (*MemModules)(nil)
	_ domain.ReferenceRepository = (*MemModules)(nil)
)

// ─── Message Sink ───────────────────────────────────────────────────────────

// Delivery is one message received by a RecordingSink.
type Delivery struct {
	RecipientID int64
	Text        string
	At          time.Time
}

// RecordingSink records deliveries and can be told to fail.
type RecordingSink struct {
	mu    sync.Mutex
	sent  []Delivery
	Err   error
	Delay time.Duration
}

// SetErr makes subsequent deliveries fail with err (nil restores success).
func (s *RecordingSink) SetErr(err error) {
	s.mu.Lock()
	s.Err = err
	s.mu.Unlock()
}

func (s *RecordingSink) Deliver(ctx context.Context, recipientID int64, text string) error {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.sent = append(s.sent, Delivery{RecipientID: recipientID, Text: text, At: time.Now()})
	return nil
}

// Sent returns a copy of all deliveries so far.
func (s *RecordingSink) Sent() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.sent...)
}

// SentTo returns deliveries for one recipient.
func (s *RecordingSink) SentTo(recipientID int64) []Delivery {
	var out []Delivery
	for _, d := range s.Sent() {
		if d.RecipientID == recipientID {
			out = append(out, d)
		}
	}
	return out
}

var _ domain.MessageSink = (*RecordingSink)(nil)
