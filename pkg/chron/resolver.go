// Package chron is the Chron Ingest Loop and Resolver (spec §4.7/§4.8):
// it matches Chronicler observations against an entity's version DAG,
// refines matching versions, and drives the Observation state machine
// (Pending -> Resolved/Ambiguous/Failed).
package chron

import (
	"context"
	"fmt"
	"time"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/eventlog"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/registry"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/store"
)

// ValidationFailure reports a Chron observation that matched zero
// candidate versions (spec §4.8 outcome "Zero valid placements"). The
// observation itself is not an ingestion failure — it is retained,
// marked Failed, for display — so this type exists for callers that
// want to surface or log the event rather than to signal fatally.
type ValidationFailure struct {
	Entity     domain.EntityRef
	Mismatches []domain.FieldMismatch
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("chron: observation on %s matched no candidate version (%d field mismatches)", e.Entity, len(e.Mismatches))
}

// Ambiguity reports a Chron observation that matched more than one
// candidate version (spec §4.8 outcome "Multiple valid placements").
// Like ValidationFailure, this is not fatal: the observation is stored
// Ambiguous and re-evaluated as the candidate set narrows.
type Ambiguity struct {
	Entity     domain.EntityRef
	Candidates []domain.VersionID
}

func (e *Ambiguity) Error() string {
	return fmt.Sprintf("chron: observation on %s matched %d candidate versions", e.Entity, len(e.Candidates))
}

// Resolver matches observations against an EntityStore's version DAG.
type Resolver struct {
	Store    *store.EntityStore
	Log      *eventlog.EventLog
	Registry *registry.Registry
}

// New constructs a Resolver.
func New(s *store.EntityStore, l *eventlog.EventLog, r *registry.Registry) *Resolver {
	return &Resolver{Store: s, Log: l, Registry: r}
}

// Resolve runs the Resolver algorithm of spec §4.8 for a single
// observation, mutating the store and returning the observation's new
// recorded state. Calling it again for the same observation (e.g. once
// its resolving version has been terminated, reverting it to Pending)
// classifies it afresh against the current DAG state, so the outcome
// can differ from the earlier one; each call that resolves it appends
// its perceived_at to the winning version's observation list.
func (r *Resolver) Resolve(ctx context.Context, o domain.Observation) (domain.Observation, error) {
	release := r.Store.Lease(o.Entity)
	defer release()
	return r.resolveLocked(ctx, o)
}

// Reattempt re-resolves every Ambiguous or Pending observation on entity
// (spec §4.8 outcome "Multiple valid placements": "re-evaluate whenever
// the candidate set shrinks"). It is exported for a caller that
// terminates a version outside a Resolve call — typically
// apply.Applier.OnTerminate, wired by the coordinator — to retrigger
// resolution once a Feed event has ruled out one of an observation's
// candidates.
func (r *Resolver) Reattempt(ctx context.Context, entity domain.EntityRef) error {
	release := r.Store.Lease(entity)
	defer release()
	return r.reattemptAmbiguous(ctx, entity)
}

// terminateRuledOut implements spec §4.8 step 6: a candidate ruled out
// by this observation is terminated unless it still has a non-terminated
// child; TerminateLocked itself terminates unconditionally. Whether the
// candidate also supports another Resolved observation is not checked
// here. It always runs from inside resolveLocked, which already holds
// o.Entity's lease (via Resolve or reattemptAmbiguous), so it must call
// TerminateLocked rather than Terminate: the lease is a non-reentrant
// mutex, and Terminate would re-acquire it and deadlock.
func (r *Resolver) terminateRuledOut(o domain.Observation, rejected []*domain.Version) error {
	for _, v := range rejected {
		if v.Terminated != nil {
			continue
		}
		children, err := r.Store.Children(v.VersionID)
		if err != nil {
			return err
		}
		hasLiveChild := false
		for _, c := range children {
			if cv, err := r.Store.GetVersion(c); err == nil && cv.Terminated == nil {
				hasLiveChild = true
			}
		}
		if hasLiveChild {
			continue
		}
		reason := fmt.Sprintf("incompatible with observation perceived at %s", o.PerceivedAt)
		if err := r.Store.TerminateLocked(v.VersionID, reason); err != nil {
			return err
		}
	}
	return nil
}

// propagate re-derives state along a single, unbranched successor chain
// from v by re-applying the stored event that produced each child (spec
// §4.8 outcome "One valid placement", step (a)). It stops at the first
// branch point (a child with more than one parent, or v having more
// than one child): beyond a branch, which successor inherits the
// refinement is no longer determined by this observation alone.
func (r *Resolver) propagate(ctx context.Context, id domain.VersionID, state lattice.PartialEntity) error {
	cur := id
	for {
		v, err := r.Store.GetVersion(cur)
		if err != nil {
			return err
		}
		children, err := r.Store.Children(cur)
		if err != nil {
			return err
		}
		if len(children) != 1 {
			return nil
		}
		child := children[0]
		parents, err := r.Store.Parents(child)
		if err != nil {
			return err
		}
		if len(parents) != 1 {
			return nil
		}

		cv, err := r.Store.GetVersion(child)
		if err != nil {
			return err
		}
		if cv.Terminated != nil {
			return nil
		}

		event, err := r.Log.Get(cv.FromEvent)
		if err != nil {
			return nil // no recorded event to replay (e.g. a pre-seeded root): nothing to propagate
		}
		aff, _ := event.AffectedEntity(v.Entity)

		outcome, err := r.Registry.Apply(ctx, v.Entity.Type, *event, state, aff.Aux)
		if err != nil {
			return fmt.Errorf("replaying event %d for %s: %w", event.ID, child, err)
		}
		if outcome.Kind != registry.Successors || len(outcome.States) == 0 {
			return nil
		}

		next := outcome.States[0]
		if err := r.Store.UpdateEntityStateLocked(child, next); err != nil {
			return err
		}
		cur = child
		state = next
	}
}

// reattemptAmbiguous re-runs every Ambiguous or Pending observation on
// entity whose candidate set may have shrunk (spec §4.8 outcome
// "Multiple valid placements": "re-evaluate whenever the candidate set
// shrinks"). Re-resolution is bounded: each pass strictly narrows a
// candidate set or time range, so this converges in finite steps.
func (r *Resolver) reattemptAmbiguous(ctx context.Context, entity domain.EntityRef) error {
	pending, err := r.Store.PendingObservations(entity)
	if err != nil {
		return err
	}
	for _, o := range pending {
		if o.State != domain.ObservationAmbiguous && o.State != domain.ObservationPending {
			continue
		}
		if _, err := r.resolveLocked(ctx, *o); err != nil {
			return err
		}
	}
	return nil
}

// resolveLocked is Resolve's body, callable both from Resolve itself
// and from reattemptAmbiguous — both already hold o.Entity's lease, and
// the lease is a non-reentrant mutex so neither can call Resolve directly.
func (r *Resolver) resolveLocked(ctx context.Context, o domain.Observation) (domain.Observation, error) {
	candidates, err := r.Store.VersionsInRange(o.Entity, o.Earliest, o.Latest)
	if err != nil {
		return o, err
	}
	return r.classifyAndApply(ctx, o, candidates)
}

func (r *Resolver) classifyAndApply(ctx context.Context, o domain.Observation, candidates []*domain.Version) (domain.Observation, error) {
	type classified struct {
		version *domain.Version
		diff    lattice.DiffKind
	}
	var valid []classified
	var mismatches []domain.FieldMismatch
	var rejected []*domain.Version

	// o.Candidates, if set, is the marker set this same observation left
	// behind the last time it went Ambiguous (spec §4.8 step 3: a marker
	// guards a candidate only while the observation that set it is still
	// unresolved). Clear them up front so a stale marker never survives
	// past this re-evaluation, whatever it decides below.
	for _, prev := range o.Candidates {
		if err := r.Store.ClearPendingMarker(prev, o.PerceivedAt); err != nil {
			return o, err
		}
	}

	for _, v := range candidates {
		pending, err := r.Store.HasPendingMarker(v.VersionID, o.PerceivedAt)
		if err != nil {
			return o, err
		}
		if pending {
			continue
		}
		d := v.EntityState.Diff(o.Raw)
		switch d {
		case lattice.DiffIncompatible:
			rejected = append(rejected, v)
			for name, fd := range v.EntityState.FieldDiffs(o.Raw) {
				if fd == lattice.DiffIncompatible {
					mismatches = append(mismatches, mismatch(name, v.EntityState.Paths[name], v.EntityState.Fields[name], o.Raw))
				}
			}
		case lattice.DiffEmpty, lattice.DiffCompatible:
			valid = append(valid, classified{version: v, diff: d})
		}
	}

	switch len(valid) {
	case 0:
		// Zero valid placements (spec §4.8, S6): every candidate was
		// Incompatible with this observation, but a validation failure
		// casts doubt on the observation, not on the DAG — nothing is
		// terminated, and the observation itself is kept, marked Failed,
		// for display.
		o.State = domain.ObservationFailed
		o.Mismatches = mismatches
		o.Candidates = nil
		return o, r.Store.PutObservationLocked(o)
	case 1:
		winner := valid[0].version
		refined, err := winner.EntityState.Refine(o.Raw)
		if err != nil {
			return o, err
		}
		if err := r.Store.UpdateEntityStateLocked(winner.VersionID, refined); err != nil {
			return o, err
		}
		if err := r.Store.AppendObservationLocked(winner.VersionID, o.PerceivedAt); err != nil {
			return o, err
		}
		o.State = domain.ObservationResolved
		o.Resolved = winner.VersionID
		o.Candidates = nil
		o.Mismatches = nil
		o.Earliest, o.Latest = intersectWithLiveWindow(r.Store, winner, o.Earliest, o.Latest)
		if err := r.Store.PutObservationLocked(o); err != nil {
			return o, err
		}
		if err := r.propagate(ctx, winner.VersionID, refined); err != nil {
			return o, err
		}
		if err := r.reattemptAmbiguous(ctx, o.Entity); err != nil {
			return o, err
		}
		return o, r.terminateRuledOut(o, rejected)
	default:
		o.State = domain.ObservationAmbiguous
		o.Candidates = make([]domain.VersionID, 0, len(valid))
		for _, c := range valid {
			o.Candidates = append(o.Candidates, c.version.VersionID)
			if err := r.Store.SetPendingMarker(c.version.VersionID, o.PerceivedAt); err != nil {
				return o, err
			}
		}
		o.Mismatches = nil
		if err := r.Store.PutObservationLocked(o); err != nil {
			return o, err
		}
		return o, r.terminateRuledOut(o, rejected)
	}
}

// intersectWithLiveWindow tightens [earliest, latest] to the actual
// interval during which winner was live, intersected with the
// observation's own window (spec §4.8 outcome "One valid placement").
func intersectWithLiveWindow(s *store.EntityStore, winner *domain.Version, earliest, latest time.Time) (time.Time, time.Time) {
	start := winner.StartTime
	if start.After(earliest) {
		earliest = start
	}
	children, err := s.Children(winner.VersionID)
	if err == nil && len(children) > 0 {
		var end time.Time
		for _, c := range children {
			cv, err := s.GetVersion(c)
			if err != nil {
				continue
			}
			if end.IsZero() || cv.StartTime.Before(end) {
				end = cv.StartTime
			}
		}
		if !end.IsZero() && end.Before(latest) {
			latest = end
		}
	}
	return earliest, latest
}
