package notify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tutu-network/backbone/internal/domain"
)

// Renderer turns one drained batch into the text handed to the sink.
type Renderer interface {
	Render(recipientID int64, items []domain.NotificationItem) string
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(recipientID int64, items []domain.NotificationItem) string

func (f RendererFunc) Render(recipientID int64, items []domain.NotificationItem) string {
	return f(recipientID, items)
}

// TextRenderer groups items by kind under a header per kind. Groups are
// ordered by their most urgent item; within a group the most recent item
// comes first.
type TextRenderer struct{}

var kindHeaders = map[domain.NotificationKind]string{
	domain.KindPoints:      "Points",
	domain.KindMission:     "Missions",
	domain.KindAchievement: "Achievements",
	domain.KindBadge:       "Badges",
	domain.KindLevel:       "Level",
	domain.KindHint:        "Hints",
	domain.KindNarrative:   "Story",
	domain.KindError:       "Notices",
}

type group struct {
	kind  domain.NotificationKind
	best  domain.Priority
	first int // arrival index of the first item, breaks priority ties
	items []indexed
}

type indexed struct {
	seq  int
	item domain.NotificationItem
}

// Group orders a batch the way it is rendered.
func Group(items []domain.NotificationItem) [][]domain.NotificationItem {
	byKind := make(map[domain.NotificationKind]*group)
	var groups []*group
	for i, it := range items {
		g, ok := byKind[it.Kind]
		if !ok {
			g = &group{kind: it.Kind, best: it.Priority, first: i}
			byKind[it.Kind] = g
			groups = append(groups, g)
		}
		if it.Priority < g.best {
			g.best = it.Priority
		}
		g.items = append(g.items, indexed{seq: i, item: it})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].best != groups[j].best {
			return groups[i].best < groups[j].best
		}
		return groups[i].first < groups[j].first
	})

	out := make([][]domain.NotificationItem, 0, len(groups))
	for _, g := range groups {
		sort.SliceStable(g.items, func(i, j int) bool {
			a, b := g.items[i], g.items[j]
			if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
				return a.item.CreatedAt.After(b.item.CreatedAt)
			}
			return a.seq > b.seq
		})
		list := make([]domain.NotificationItem, len(g.items))
		for i, ix := range g.items {
			list[i] = ix.item
		}
		out = append(out, list)
	}
	return out
}

func (TextRenderer) Render(_ int64, items []domain.NotificationItem) string {
	var b strings.Builder
	for i, g := range Group(items) {
		if i > 0 {
			b.WriteString("\n")
		}
		kind := g[0].Kind
		header, ok := kindHeaders[kind]
		if !ok {
			header = "Updates"
			if kind != "" {
				header = strings.ToUpper(string(kind[:1])) + string(kind[1:])
			}
		}
		b.WriteString(header)
		b.WriteString("\n")
		for _, it := range g {
			b.WriteString("• ")
			b.WriteString(line(it))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func line(it domain.NotificationItem) string {
	d := it.Data
	str := func(k string) string {
		if v, ok := d[k]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}
	first := func(keys ...string) string {
		for _, k := range keys {
			if s := str(k); s != "" {
				return s
			}
		}
		return ""
	}

	switch it.Kind {
	case domain.KindPoints:
		amount := toInt64(d["amount"])
		s := fmt.Sprintf("%+d points", amount)
		if src := str("source"); src != "" {
			s += " (" + src + ")"
		}
		if _, ok := d["balance"]; ok {
			s += fmt.Sprintf(", balance %d", toInt64(d["balance"]))
		}
		return s
	case domain.KindMission:
		return fmt.Sprintf("Mission %s: %s", first("title", "mission_id"), first("status"))
	case domain.KindAchievement:
		return "Achievement unlocked: " + first("name", "achievement_id")
	case domain.KindBadge:
		return "New badge: " + first("name", "badge_id")
	case domain.KindLevel:
		return "You reached level " + str("level")
	case domain.KindHint:
		return str("text")
	case domain.KindNarrative:
		return first("text", "fragment_id")
	case domain.KindError:
		return first("message", "text")
	}

	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, d[k]))
	}
	return strings.Join(parts, ", ")
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
