// Package eventlog is the append-only, per-entity-scoped Event Log
// (spec §4.3): it records every Event exactly once and lets callers ask
// which events touched a given entity within a time window.
package eventlog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
)

// ErrClockInversion is the fatal ingestion error of spec §7: an event
// arrived with event_time strictly before the log's current horizon.
var ErrClockInversion = errors.New("event log: clock inversion")

const (
	eventTableName  = "event"
	affectTableName = "event_affect"
	all             = "all"
)

var allIndex = &memdb.IndexSchema{
	Name: all,
	Indexer: &memdb.ConditionalIndex{
		Conditional: func(_ interface{}) (bool, error) { return true, nil },
	},
}

type eventRow struct {
	ID        int64
	EventTime int64 // UnixNano
	Event     *domain.Event
}

var eventTableSchema = &memdb.TableSchema{
	Name: eventTableName,
	Indexes: map[string]*memdb.IndexSchema{
		"id": {
			Name:    "id",
			Unique:  true,
			Indexer: &memdb.IntFieldIndex{Field: "ID"},
		},
		all: allIndex,
	},
}

// affectRow is the join table from entity to the events that affect it,
// an event-to-entity fan-out since one event can touch several entities.
type affectRow struct {
	Key        string // "<entityType>|<entityID>|<eventID>", unique
	EntityType string
	EntityID   string
	EventID    int64
	EventTime  int64
}

var affectTableSchema = &memdb.TableSchema{
	Name: affectTableName,
	Indexes: map[string]*memdb.IndexSchema{
		"id": {
			Name:    "id",
			Unique:  true,
			Indexer: &memdb.StringFieldIndex{Field: "Key"},
		},
		"entity": {
			Name:   "entity",
			Unique: false,
			Indexer: &memdb.CompoundIndex{
				Indexes: []memdb.Indexer{
					&memdb.StringFieldIndex{Field: "EntityType"},
					&memdb.StringFieldIndex{Field: "EntityID"},
				},
			},
		},
	},
}

// EventLog is the append-only store of every ingested Event.
type EventLog struct {
	db *memdb.MemDB

	mu     sync.Mutex
	nextID int64
	latest time.Time
}

// New constructs an empty EventLog.
func New() (*EventLog, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			eventTableName:  eventTableSchema,
			affectTableName: affectTableSchema,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("event log: creating memdb: %w", err)
	}
	return &EventLog{db: db}, nil
}

// Append assigns e a monotonic id, records it, and indexes it by every
// affected entity (spec §4.3). It rejects events whose event_time is
// strictly less than the latest event_time already appended — the "clock
// inversion" fatal error of spec §7, detected at the log rather than
// per-entity because the log's ordering guarantee is global.
func (l *EventLog) Append(e domain.Event) (int64, error) {
	l.mu.Lock()
	if !l.latest.IsZero() && e.EventTime.Before(l.latest) {
		l.mu.Unlock()
		return 0, fmt.Errorf("%w: event_time %s precedes horizon %s", ErrClockInversion, e.EventTime, l.latest)
	}
	l.nextID++
	id := l.nextID
	if e.EventTime.After(l.latest) {
		l.latest = e.EventTime
	}
	l.mu.Unlock()

	e.ID = id

	txn := l.db.Txn(true)
	defer txn.Abort()

	if err := txn.Insert(eventTableName, &eventRow{ID: id, EventTime: e.EventTime.UnixNano(), Event: &e}); err != nil {
		return 0, err
	}
	for _, aff := range e.Affected {
		row := &affectRow{
			Key:        fmt.Sprintf("%s|%s|%d", aff.Ref.Type, aff.Ref.ID, id),
			EntityType: string(aff.Ref.Type),
			EntityID:   aff.Ref.ID.String(),
			EventID:    id,
			EventTime:  e.EventTime.UnixNano(),
		}
		if err := txn.Insert(affectTableName, row); err != nil {
			return 0, err
		}
	}
	txn.Commit()
	return id, nil
}

// EventsAffecting returns the events that touch entity with event_time in
// (t0, t1], ordered by event_time then event id (spec §4.3).
func (l *EventLog) EventsAffecting(entity domain.EntityRef, t0, t1 time.Time) ([]domain.Event, error) {
	txn := l.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(affectTableName, "entity", string(entity.Type), entity.ID.String())
	if err != nil {
		return nil, err
	}
	var ids []int64
	for el := iter.Next(); el != nil; el = iter.Next() {
		row := el.(*affectRow)
		if row.EventTime > t0.UnixNano() && row.EventTime <= t1.UnixNano() {
			ids = append(ids, row.EventID)
		}
	}

	events := make([]domain.Event, 0, len(ids))
	for _, id := range ids {
		res, err := txn.First(eventTableName, "id", id)
		if err != nil {
			return nil, err
		}
		if res == nil {
			continue
		}
		events = append(events, *res.(*eventRow).Event)
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].EventTime.Equal(events[j].EventTime) {
			return events[i].ID < events[j].ID
		}
		return events[i].EventTime.Before(events[j].EventTime)
	})
	return events, nil
}

// LatestEventTime returns the Feed horizon: the latest event_time of any
// appended event (spec §4.3).
func (l *EventLog) LatestEventTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Get returns a single event by id, used when replaying stored events
// during post-resolution propagation (spec §4.8 outcome "One valid
// placement").
func (l *EventLog) Get(id int64) (*domain.Event, error) {
	txn := l.db.Txn(false)
	defer txn.Abort()
	res, err := txn.First(eventTableName, "id", id)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("event log: event %d not found", id)
	}
	e := *res.(*eventRow).Event
	return &e, nil
}
