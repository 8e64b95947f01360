package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ─── Notification Types ─────────────────────────────────────────────────────

// Priority orders pending notifications. Lower value is more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// String returns a human-readable priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// NotificationKind groups fragments in a rendered batch.
type NotificationKind string

const (
	KindPoints      NotificationKind = "points"
	KindMission     NotificationKind = "mission"
	KindAchievement NotificationKind = "achievement"
	KindBadge       NotificationKind = "badge"
	KindLevel       NotificationKind = "level"
	KindHint        NotificationKind = "hint"
	KindNarrative   NotificationKind = "narrative"
	KindError       NotificationKind = "error"
)

// salientFields lists the data keys that identify a fragment per kind.
// Kinds not listed use every field.
var salientFields = map[NotificationKind][]string{
	KindPoints:      {"entry_id"},
	KindMission:     {"mission_id", "status"},
	KindAchievement: {"achievement_id"},
	KindBadge:       {"badge_id"},
	KindLevel:       {"level"},
	KindHint:        {"text"},
	KindNarrative:   {"fragment_id"},
}

// NotificationItem is one pending user-facing fragment.
type NotificationItem struct {
	RecipientID int64
	Kind        NotificationKind
	Data        map[string]any
	Priority    Priority
	CreatedAt   time.Time
	DedupKey    string
}

// DedupKey derives the identifier used to collapse identical pending items.
func DedupKey(kind NotificationKind, data map[string]any) string {
	keys, ok := salientFields[kind]
	if ok {
		present := keys[:0:0]
		for _, k := range keys {
			if _, has := data[k]; has {
				present = append(present, k)
			}
		}
		// Fall back to all fields when none of the salient ones are set.
		if len(present) > 0 {
			keys = present
		} else {
			ok = false
		}
	}
	if !ok {
		keys = make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}

	var b strings.Builder
	b.WriteString(string(kind))
	// Quoted so separators inside a value cannot forge another field.
	for _, k := range keys {
		fmt.Fprintf(&b, "|%q=%q", k, fmt.Sprint(data[k]))
	}
	return SHA256Hex([]byte(b.String()))
}
