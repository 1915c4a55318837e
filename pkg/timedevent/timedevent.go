// Package timedevent is the Timed-Event Generator (spec §4.5): it turns
// a version's own "next_timed_event_at" scheduling field into a
// synthetic domain.Event the Feed Ingest Loop drains before the next
// real Feed event, in deterministic (time, type priority, entity id)
// order.
package timedevent

import (
	"sort"
	"time"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/store"
)

// FieldNextAt and FieldType are the well-known entity_state field names
// an UpdateFunc sets on a version to schedule its own future wakeup.
// They are ordinary lattice fields (Known(int64) unix-nanos, Known(string)),
// not a separate mechanism: a version "carries" the field exactly as
// spec §4.5 describes.
const (
	FieldNextAt = "next_timed_event_at"
	FieldType   = "next_timed_event_type"
)

// Generator drains scheduled timed events from an EntityStore's current
// frontier.
type Generator struct {
	Store *store.EntityStore
	// Priority assigns the deterministic event-type tie-break of spec
	// §4.5 ("ties broken by a deterministic event_type priority"). Types
	// absent from the map sort after every named type, lowest priority
	// first.
	Priority map[string]int
}

// New constructs a Generator with no configured priorities (all timed
// event types tie-break purely on entity id).
func New(s *store.EntityStore) *Generator {
	return &Generator{Store: s}
}

type scheduled struct {
	event    domain.Event
	typ      string
	priority int
}

// Drain returns every scheduled timed event due before cutoff, in spec
// §4.5 order. inclusive selects whether cutoff itself counts ("< t_f"
// when a Feed event is pending vs "<= t_horizon" when none is): the
// Feed Ingest Loop (spec §4.6) passes inclusive=false ahead of a pending
// Feed event and inclusive=true when draining to the bare horizon.
func (g *Generator) Drain(cutoff time.Time, inclusive bool) ([]domain.Event, error) {
	frontier, err := g.Store.FrontierVersions()
	if err != nil {
		return nil, err
	}

	var due []scheduled
	for _, v := range frontier {
		at, ok := timedEventAt(v)
		if !ok {
			continue
		}
		if inclusive {
			if at.After(cutoff) {
				continue
			}
		} else if !at.Before(cutoff) {
			continue
		}

		typ := timedEventType(v)
		due = append(due, scheduled{
			event: domain.Event{
				EventTime: at,
				Source:    domain.SourceTimed,
				Affected:  []domain.AffectedEntity{{Ref: v.Entity}},
			},
			typ:      typ,
			priority: g.priorityOf(typ),
		})
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.event.EventTime.Equal(b.event.EventTime) {
			return a.event.EventTime.Before(b.event.EventTime)
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.event.Affected[0].Ref.ID.String() < b.event.Affected[0].Ref.ID.String()
	})

	out := make([]domain.Event, len(due))
	for i, s := range due {
		out[i] = s.event
	}
	return out, nil
}

func (g *Generator) priorityOf(typ string) int {
	if g.Priority == nil {
		return 0
	}
	p, ok := g.Priority[typ]
	if !ok {
		return len(g.Priority) + 1
	}
	return p
}

func timedEventAt(v *domain.Version) (time.Time, bool) {
	fv, ok := v.EntityState.Fields[FieldNextAt]
	if !ok {
		return time.Time{}, false
	}
	raw, ok := fv.Known()
	if !ok {
		return time.Time{}, false
	}
	ns, ok := raw.(int64)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, ns).UTC(), true
}

func timedEventType(v *domain.Version) string {
	fv, ok := v.EntityState.Fields[FieldType]
	if !ok {
		return ""
	}
	raw, ok := fv.Known()
	if !ok {
		return ""
	}
	s, _ := raw.(string)
	return s
}
