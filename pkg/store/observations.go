package store

import (
	"sort"
	"time"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
)

func observationKey(entity domain.EntityRef, perceivedAt time.Time) string {
	return string(entity.Type) + "|" + entity.ID.String() + "|" + perceivedAt.Format(time.RFC3339Nano)
}

// PutObservation inserts or replaces an observation, keyed by (entity,
// perceived_at). Replacing is how the resolver persists state-machine
// transitions (Pending -> Resolved/Ambiguous/Failed, spec §4.8).
func (s *EntityStore) PutObservation(o domain.Observation) error {
	release := s.Lease(o.Entity)
	defer release()
	return s.PutObservationLocked(o)
}

// PutObservationLocked is PutObservation for a caller that already holds
// o.Entity's lease — the Chron Resolver, which persists every state
// transition from deep inside a call already holding that lease via
// Resolve or reattemptAmbiguous.
func (s *EntityStore) PutObservationLocked(o domain.Observation) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cp := o
	row := &observationRow{
		Key:           observationKey(o.Entity, o.PerceivedAt),
		EntityType:    string(o.Entity.Type),
		EntityID:      o.Entity.ID.String(),
		PerceivedAtNS: o.PerceivedAt.UnixNano(),
		State:         string(o.State),
		Observation:   &cp,
	}
	if err := txn.Insert(observationTableName, row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// PendingObservations returns every observation for entity that has not
// reached a terminal Resolved/Failed state, ordered by perceived_at
// ascending (spec invariant 5: observations applied in perceived-time
// order per entity).
func (s *EntityStore) PendingObservations(entity domain.EntityRef) ([]*domain.Observation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(observationTableName, "entity", string(entity.Type), entity.ID.String())
	if err != nil {
		return nil, err
	}
	var out []*domain.Observation
	for el := iter.Next(); el != nil; el = iter.Next() {
		row := el.(*observationRow)
		if row.Observation.State == domain.ObservationResolved || row.Observation.State == domain.ObservationFailed {
			continue
		}
		cp := *row.Observation
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerceivedAt.Before(out[j].PerceivedAt) })
	return out, nil
}

// AllObservations returns every observation for entity, in perceived_at
// order, regardless of state.
func (s *EntityStore) AllObservations(entity domain.EntityRef) ([]*domain.Observation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(observationTableName, "entity", string(entity.Type), entity.ID.String())
	if err != nil {
		return nil, err
	}
	var out []*domain.Observation
	for el := iter.Next(); el != nil; el = iter.Next() {
		row := el.(*observationRow)
		cp := *row.Observation
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PerceivedAt.Before(out[j].PerceivedAt) })
	return out, nil
}

// UnresolvedObservations returns every observation across every entity
// that is Pending, Ambiguous, or Failed — the library entry point named
// in spec §6 (list_unresolved_observations()).
func (s *EntityStore) UnresolvedObservations() ([]*domain.Observation, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(observationTableName, all, true)
	if err != nil {
		return nil, err
	}
	var out []*domain.Observation
	for el := iter.Next(); el != nil; el = iter.Next() {
		row := el.(*observationRow)
		if row.Observation.State == domain.ObservationResolved {
			continue
		}
		cp := *row.Observation
		out = append(out, &cp)
	}
	return out, nil
}

// revertResolvedObservationsTxn reverts every observation Resolved against
// one of the version ids in terminated back to Pending (spec §3: a
// Resolved observation is terminal "unless the resolving version is
// later terminated, in which case the observation reverts to Pending
// and is re-run"). It runs inside the caller's termination transaction,
// so the revert is atomic with the Terminated flag that triggered it;
// the caller (chron.Resolver.Reattempt, via a later Resolve call) picks
// the observation back up once it sees Pending, since PendingObservations
// already includes Pending rows.
func (s *EntityStore) revertResolvedObservationsTxn(txn *memdb.Txn, entity domain.EntityRef, terminated []domain.VersionID) error {
	if len(terminated) == 0 {
		return nil
	}
	dead := make(map[domain.VersionID]struct{}, len(terminated))
	for _, id := range terminated {
		dead[id] = struct{}{}
	}

	iter, err := txn.Get(observationTableName, "entity", string(entity.Type), entity.ID.String())
	if err != nil {
		return err
	}
	var rows []*observationRow
	for el := iter.Next(); el != nil; el = iter.Next() {
		rows = append(rows, el.(*observationRow))
	}

	for _, row := range rows {
		o := row.Observation
		if o.State != domain.ObservationResolved {
			continue
		}
		if _, ok := dead[o.Resolved]; !ok {
			continue
		}
		reverted := *o
		reverted.State = domain.ObservationPending
		reverted.Resolved = domain.VersionID{}
		reverted.Candidates = nil
		reverted.Mismatches = nil
		newRow := &observationRow{
			Key:           row.Key,
			EntityType:    row.EntityType,
			EntityID:      row.EntityID,
			PerceivedAtNS: row.PerceivedAtNS,
			State:         string(domain.ObservationPending),
			Observation:   &reverted,
		}
		if err := txn.Insert(observationTableName, newRow); err != nil {
			return err
		}
	}
	return nil
}

// pendingMarkerKey mirrors observationKey's shape: the scratchpad that
// motivated this component suggested keying "has-pending-event" markers
// on an "event piece identifier" with no matching DB column. DESIGN.md
// records the decision to key markers on (version, observation) instead,
// since what actually gates resolution is observation arrival order
// (spec §4.8 step 3), not event application order.
func pendingMarkerKey(id domain.VersionID, perceivedAt time.Time) string {
	return id.String() + "|" + perceivedAt.Format(time.RFC3339Nano)
}

// SetPendingMarker records that version id has an earlier, still-unresolved
// observation ahead of perceivedAt on its chain.
func (s *EntityStore) SetPendingMarker(id domain.VersionID, perceivedAt time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	row := &pendingMarkerRow{
		Key:         pendingMarkerKey(id, perceivedAt),
		VersionID:   id.String(),
		PerceivedAt: perceivedAt.UnixNano(),
	}
	if err := txn.Insert(pendingMarkerTable, row); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// ClearPendingMarker removes the marker set by SetPendingMarker.
func (s *EntityStore) ClearPendingMarker(id domain.VersionID, perceivedAt time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	_, err := txn.DeleteAll(pendingMarkerTable, "id", pendingMarkerKey(id, perceivedAt))
	if err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// HasPendingMarker reports whether id has any unresolved observation
// older than perceivedAt marked ahead of it.
func (s *EntityStore) HasPendingMarker(id domain.VersionID, perceivedAt time.Time) (bool, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(pendingMarkerTable, "version", id.String())
	if err != nil {
		return false, err
	}
	for el := iter.Next(); el != nil; el = iter.Next() {
		row := el.(*pendingMarkerRow)
		if row.PerceivedAt < perceivedAt.UnixNano() {
			return true, nil
		}
	}
	return false, nil
}
