package store

import (
	"fmt"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/samber/lo"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
)

// InsertVersion adds v to the store and, if parents is non-empty, links
// each parent to it (spec invariant 1: every non-Start version has at
// least one parent whose start_time <= this one's).
func (s *EntityStore) InsertVersion(v domain.Version, parents ...domain.VersionID) error {
	release := s.Lease(v.Entity)
	defer release()
	return s.InsertVersionLocked(v, parents...)
}

// InsertVersionLocked is InsertVersion for a caller that already holds
// v.Entity's lease (e.g. the Event Applier, which must read the frontier,
// compute successors, and write them back as one atomic unit).
func (s *EntityStore) InsertVersionLocked(v domain.Version, parents ...domain.VersionID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	row := &versionRow{
		VersionID:   v.VersionID.String(),
		EntityType:  string(v.Entity.Type),
		EntityID:    v.Entity.ID.String(),
		StartTimeNS: v.StartTime.UnixNano(),
		Terminated:  v.Terminated != nil,
		Version:     &v,
	}

	if existing, err := txn.First(versionTableName, "id", row.VersionID); err != nil {
		return err
	} else if existing != nil {
		return ErrAlreadyExists
	}

	for _, p := range parents {
		if p == v.VersionID {
			return fmt.Errorf("entity store: version %s cannot be its own parent", v.VersionID)
		}
		parentRow, err := txn.First(versionTableName, "id", p.String())
		if err != nil {
			return err
		}
		if parentRow == nil {
			return fmt.Errorf("entity store: parent %s of %s: %w", p, v.VersionID, ErrNotFound)
		}
		parent := parentRow.(*versionRow).Version
		if parent.StartTime.After(v.StartTime) {
			return fmt.Errorf("entity store: parent %s starts after child %s", p, v.VersionID)
		}
	}

	if err := txn.Insert(versionTableName, row); err != nil {
		return err
	}
	for _, p := range parents {
		link := &linkRow{
			ParentChild: p.String() + "|" + v.VersionID.String(),
			Parent:      p.String(),
			Child:       v.VersionID.String(),
		}
		if err := txn.Insert(linkTableName, link); err != nil {
			return err
		}
	}

	txn.Commit()
	return nil
}

// GetVersion fetches a single version by id.
func (s *EntityStore) GetVersion(id domain.VersionID) (*domain.Version, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.getVersionTxn(txn, id)
}

func (s *EntityStore) getVersionTxn(txn *memdb.Txn, id domain.VersionID) (*domain.Version, error) {
	res, err := multiIndexLookup(txn, versionTableName, "id", id.String())
	if err != nil {
		return nil, err
	}
	row, ok := res.(*versionRow)
	if !ok {
		panic(unexpectedType)
	}
	cp := *row.Version
	return &cp, nil
}

func (s *EntityStore) allVersionsTxn(txn *memdb.Txn, entity domain.EntityRef) ([]*domain.Version, error) {
	iter, err := txn.Get(versionTableName, "entity", string(entity.Type), entity.ID.String())
	if err != nil {
		return nil, err
	}
	var out []*domain.Version
	for el := iter.Next(); el != nil; el = iter.Next() {
		row, ok := el.(*versionRow)
		if !ok {
			panic(unexpectedType)
		}
		cp := *row.Version
		out = append(out, &cp)
	}
	return out, nil
}

func (s *EntityStore) childrenTxn(txn *memdb.Txn, id domain.VersionID) ([]domain.VersionID, error) {
	iter, err := txn.Get(linkTableName, "parent", id.String())
	if err != nil {
		return nil, err
	}
	var out []domain.VersionID
	for el := iter.Next(); el != nil; el = iter.Next() {
		row := el.(*linkRow)
		out = append(out, mustParseVersionID(row.Child))
	}
	return out, nil
}

func (s *EntityStore) parentsTxn(txn *memdb.Txn, id domain.VersionID) ([]domain.VersionID, error) {
	iter, err := txn.Get(linkTableName, "child", id.String())
	if err != nil {
		return nil, err
	}
	var out []domain.VersionID
	for el := iter.Next(); el != nil; el = iter.Next() {
		row := el.(*linkRow)
		out = append(out, mustParseVersionID(row.Parent))
	}
	return out, nil
}

// LiveVersionsAt returns the versions of entity whose start_time <= t, are
// not terminated, and have no non-terminated descendant whose start_time
// <= t (spec §4.2). This is the frontier the Feed Ingest Loop advances.
func (s *EntityStore) LiveVersionsAt(entity domain.EntityRef, t time.Time) ([]*domain.Version, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	all, err := s.allVersionsTxn(txn, entity)
	if err != nil {
		return nil, err
	}

	eligible := lo.Filter(all, func(v *domain.Version, _ int) bool {
		return v.Terminated == nil && !v.StartTime.After(t)
	})

	var out []*domain.Version
	for _, v := range eligible {
		hasLiveDescendant, err := s.hasLiveDescendantAt(txn, v.VersionID, t)
		if err != nil {
			return nil, err
		}
		if !hasLiveDescendant {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *EntityStore) hasLiveDescendantAt(txn *memdb.Txn, id domain.VersionID, t time.Time) (bool, error) {
	children, err := s.childrenTxn(txn, id)
	if err != nil {
		return false, err
	}
	for _, c := range children {
		child, err := s.getVersionTxn(txn, c)
		if err != nil {
			return false, err
		}
		if child.Terminated == nil && !child.StartTime.After(t) {
			return true, nil
		}
		// A terminated child's own live descendants (if the termination
		// cascade hasn't caught up yet) still count.
		has, err := s.hasLiveDescendantAt(txn, c, t)
		if err != nil {
			return false, err
		}
		if has {
			return true, nil
		}
	}
	return false, nil
}

// VersionsInRange returns the non-terminated versions of entity whose
// implicit interval [start_time, min(child.start_time) or +inf) overlaps
// [t0, t1] (spec §4.2). t1 is inclusive, matching LiveVersionsAt's own
// "not after t" convention: a point query (t0 == t1 == T) must still
// match a version whose start_time is exactly T — the exact-range
// boundary case where an event at T produces a successor that starts
// exactly at T and an observation at T must resolve against it, not its
// predecessor.
func (s *EntityStore) VersionsInRange(entity domain.EntityRef, t0, t1 time.Time) ([]*domain.Version, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	all, err := s.allVersionsTxn(txn, entity)
	if err != nil {
		return nil, err
	}

	var out []*domain.Version
	for _, v := range all {
		if v.Terminated != nil {
			continue
		}
		end, err := s.impliedEndTxn(txn, v.VersionID)
		if err != nil {
			return nil, err
		}
		if !v.StartTime.After(t1) && (end.IsZero() || end.After(t0)) {
			out = append(out, v)
		}
	}
	return out, nil
}

// impliedEndTxn returns min(child.start_time) across v's children, or the
// zero Time if v has no children (meaning +infinity).
func (s *EntityStore) impliedEndTxn(txn *memdb.Txn, id domain.VersionID) (time.Time, error) {
	children, err := s.childrenTxn(txn, id)
	if err != nil {
		return time.Time{}, err
	}
	var end time.Time
	for _, c := range children {
		child, err := s.getVersionTxn(txn, c)
		if err != nil {
			return time.Time{}, err
		}
		if end.IsZero() || child.StartTime.Before(end) {
			end = child.StartTime
		}
	}
	return end, nil
}

// AncestorsUntil returns the predecessor chain of v, stopping when a
// predecessor's start_time < tFloor (spec §4.2). Where a version has
// multiple parents (a merge), the earliest-starting parent's chain is
// followed; branches are not duplicated.
func (s *EntityStore) AncestorsUntil(id domain.VersionID, tFloor time.Time) ([]*domain.Version, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var out []*domain.Version
	cur := id
	for {
		v, err := s.getVersionTxn(txn, cur)
		if err != nil {
			return nil, err
		}
		if v.StartTime.Before(tFloor) {
			break
		}
		out = append(out, v)

		parents, err := s.parentsTxn(txn, cur)
		if err != nil {
			return nil, err
		}
		if len(parents) == 0 {
			break
		}
		next := parents[0]
		for _, p := range parents[1:] {
			pv, err := s.getVersionTxn(txn, p)
			if err != nil {
				return nil, err
			}
			nv, err := s.getVersionTxn(txn, next)
			if err != nil {
				return nil, err
			}
			if pv.StartTime.Before(nv.StartTime) {
				next = p
			}
		}
		cur = next
	}
	return out, nil
}

// Terminate marks id terminated with reason, then cascades upward: a
// parent all of whose children are terminated, and which is not itself
// needed by any other live path, is terminated too with reason
// "all descendants terminated" (spec §4.2, invariant 4).
func (s *EntityStore) Terminate(id domain.VersionID, reason string) error {
	v, err := s.GetVersion(id)
	if err != nil {
		return err
	}
	release := s.Lease(v.Entity)
	defer release()
	return s.TerminateLocked(id, reason)
}

// TerminateLocked is Terminate for a caller that already holds the
// entity's lease. Any observation already Resolved against a version
// terminated by this call (directly, or by the upward cascade) reverts
// to Pending in the same transaction, so it is re-run rather than left
// pointing at a dead version (spec §3: "Resolved is terminal unless the
// resolving version is later terminated").
func (s *EntityStore) TerminateLocked(id domain.VersionID, reason string) error {
	v, err := s.GetVersion(id)
	if err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	var terminated []domain.VersionID
	if err := s.terminateTxn(txn, id, reason, &terminated); err != nil {
		return err
	}
	if err := s.revertResolvedObservationsTxn(txn, v.Entity, terminated); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *EntityStore) terminateTxn(txn *memdb.Txn, id domain.VersionID, reason string, terminated *[]domain.VersionID) error {
	res, err := multiIndexLookup(txn, versionTableName, "id", id.String())
	if err != nil {
		return err
	}
	row := res.(*versionRow)
	if row.Terminated {
		return nil
	}

	updated := *row.Version
	r := reason
	updated.Terminated = &r
	newRow := &versionRow{
		VersionID:   row.VersionID,
		EntityType:  row.EntityType,
		EntityID:    row.EntityID,
		StartTimeNS: row.StartTimeNS,
		Terminated:  true,
		Version:     &updated,
	}
	if err := txn.Insert(versionTableName, newRow); err != nil {
		return err
	}
	*terminated = append(*terminated, id)

	parents, err := s.parentsTxn(txn, id)
	if err != nil {
		return err
	}
	for _, p := range parents {
		allTerminated, err := s.allChildrenTerminatedTxn(txn, p)
		if err != nil {
			return err
		}
		if !allTerminated {
			continue
		}
		parentRow, err := multiIndexLookup(txn, versionTableName, "id", p.String())
		if err != nil {
			return err
		}
		if parentRow.(*versionRow).Terminated {
			continue
		}
		if err := s.terminateTxn(txn, p, "all descendants terminated", terminated); err != nil {
			return err
		}
	}
	return nil
}

func (s *EntityStore) allChildrenTerminatedTxn(txn *memdb.Txn, id domain.VersionID) (bool, error) {
	children, err := s.childrenTxn(txn, id)
	if err != nil {
		return false, err
	}
	if len(children) == 0 {
		return false, nil
	}
	for _, c := range children {
		child, err := s.getVersionTxn(txn, c)
		if err != nil {
			return false, err
		}
		if child.Terminated == nil {
			return false, nil
		}
	}
	return true, nil
}

// AppendObservation records that o's perceived_at has been matched to
// version id (spec §4.2, §3).
func (s *EntityStore) AppendObservation(id domain.VersionID, perceivedAt time.Time) error {
	v, err := s.GetVersion(id)
	if err != nil {
		return err
	}
	release := s.Lease(v.Entity)
	defer release()
	return s.AppendObservationLocked(id, perceivedAt)
}

// AppendObservationLocked is AppendObservation for a caller that already
// holds the version's entity lease — the Chron Resolver, via Resolve or
// reattemptAmbiguous.
func (s *EntityStore) AppendObservationLocked(id domain.VersionID, perceivedAt time.Time) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	res, err := multiIndexLookup(txn, versionTableName, "id", id.String())
	if err != nil {
		return err
	}
	row := res.(*versionRow)
	updated := *row.Version
	updated.Observations = append(append([]time.Time{}, updated.Observations...), perceivedAt)

	newRow := &versionRow{
		VersionID:   row.VersionID,
		EntityType:  row.EntityType,
		EntityID:    row.EntityID,
		StartTimeNS: row.StartTimeNS,
		Terminated:  row.Terminated,
		Version:     &updated,
	}
	if err := txn.Insert(versionTableName, newRow); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Children returns the direct successors of id.
func (s *EntityStore) Children(id domain.VersionID) ([]domain.VersionID, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.childrenTxn(txn, id)
}

// Parents returns the direct predecessors of id.
func (s *EntityStore) Parents(id domain.VersionID) ([]domain.VersionID, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return s.parentsTxn(txn, id)
}

// UpdateEntityState overwrites id's entity_state in place, used by the
// Chron Resolver's refinement propagation (spec §4.8 outcome "One valid
// placement"): refining an already-resolved version narrows its own
// node rather than branching a new one.
func (s *EntityStore) UpdateEntityState(id domain.VersionID, state lattice.PartialEntity) error {
	v, err := s.GetVersion(id)
	if err != nil {
		return err
	}
	release := s.Lease(v.Entity)
	defer release()
	return s.UpdateEntityStateLocked(id, state)
}

// UpdateEntityStateLocked is UpdateEntityState for a caller that already
// holds the version's entity lease — the Chron Resolver, via Resolve,
// reattemptAmbiguous, or propagate.
func (s *EntityStore) UpdateEntityStateLocked(id domain.VersionID, state lattice.PartialEntity) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	res, err := multiIndexLookup(txn, versionTableName, "id", id.String())
	if err != nil {
		return err
	}
	row := res.(*versionRow)
	updated := *row.Version
	updated.EntityState = state

	newRow := &versionRow{
		VersionID:   row.VersionID,
		EntityType:  row.EntityType,
		EntityID:    row.EntityID,
		StartTimeNS: row.StartTimeNS,
		Terminated:  row.Terminated,
		Version:     &updated,
	}
	if err := txn.Insert(versionTableName, newRow); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// FrontierVersions returns the current live frontier across every
// entity: every non-terminated version with no non-terminated child,
// irrespective of start_time. The Timed-Event Generator (spec §4.5)
// scans this set for "next_timed_event_at" scheduling fields, since
// timed events fire relative to wall-clock progress rather than a
// specific historical query time.
func (s *EntityStore) FrontierVersions() ([]*domain.Version, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(versionTableName, all)
	if err != nil {
		return nil, err
	}
	var out []*domain.Version
	for el := iter.Next(); el != nil; el = iter.Next() {
		row, ok := el.(*versionRow)
		if !ok {
			panic(unexpectedType)
		}
		if row.Terminated {
			continue
		}
		children, err := s.childrenTxn(txn, mustParseVersionID(row.VersionID))
		if err != nil {
			return nil, err
		}
		isFrontier := true
		for _, c := range children {
			child, err := s.getVersionTxn(txn, c)
			if err != nil {
				return nil, err
			}
			if child.Terminated == nil {
				isFrontier = false
				break
			}
		}
		if isFrontier {
			cp := *row.Version
			out = append(out, &cp)
		}
	}
	return out, nil
}

func mustParseVersionID(s string) domain.VersionID {
	id, err := parseUUID(s)
	if err != nil {
		panic(err)
	}
	return domain.VersionID(id)
}
