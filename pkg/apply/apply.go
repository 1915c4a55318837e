// Package apply is the Event Applier (spec §4.4): it advances an entity's
// frontier by exactly one event, dispatching to the registered
// UpdateFunc for each live version and handling branch/terminate/merge.
package apply

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/eventlog"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/registry"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/store"
)

// ErrUnresolvable is the fatal, ingestion-halting error of spec §4.4 step
// 5 / §7: every live version of an affected entity yielded Terminated.
type ErrUnresolvable struct {
	Entity  domain.EntityRef
	EventID int64
}

func (e *ErrUnresolvable) Error() string {
	return fmt.Sprintf("apply: event %d left entity %s with no live version", e.EventID, e.Entity)
}

// Applier dispatches events against an EntityStore's live versions via a
// registry.Registry.
type Applier struct {
	Store    *store.EntityStore
	Log      *eventlog.EventLog
	Registry *registry.Registry

	// OnTerminate, if set, is called after a version of ref is
	// terminated by an applied event, outside the entity's lease. A
	// caller wires this to chron.Resolver.Reattempt so an Ambiguous
	// observation on ref is automatically re-resolved once the event
	// that ruled out one of its candidates has landed (spec §4.8
	// outcome "Multiple valid placements", "re-evaluate whenever the
	// candidate set shrinks").
	OnTerminate func(ref domain.EntityRef)
}

// New constructs an Applier.
func New(s *store.EntityStore, l *eventlog.EventLog, r *registry.Registry) *Applier {
	return &Applier{Store: s, Log: l, Registry: r}
}

type pendingSuccessor struct {
	parent domain.VersionID
	state  lattice.PartialEntity
	aux    json.RawMessage
}

// Apply advances ref's frontier by event (spec §4.4). It is safe to call
// concurrently for different entities; calls for the same entity are
// serialized by the store's per-entity lease. OnTerminate, if set, runs
// after the lease is released, so it is free to re-enter the store or a
// chron.Resolver for ref without deadlocking.
func (a *Applier) Apply(ctx context.Context, event domain.Event, ref domain.EntityRef) error {
	release := a.Store.Lease(ref)
	terminated, err := a.applyLocked(ctx, event, ref)
	release()
	if err != nil {
		return err
	}
	if terminated && a.OnTerminate != nil {
		a.OnTerminate(ref)
	}
	return nil
}

func (a *Applier) applyLocked(ctx context.Context, event domain.Event, ref domain.EntityRef) (bool, error) {
	live, err := a.Store.LiveVersionsAt(ref, event.EventTime)
	if err != nil {
		return false, fmt.Errorf("apply: fetching live versions of %s: %w", ref, err)
	}

	aff, _ := event.AffectedEntity(ref)

	bootstrapped := false
	if len(live) == 0 {
		live = []*domain.Version{{
			VersionID:   domain.NewVersionID(),
			Entity:      ref,
			StartTime:   event.EventTime,
			EntityState: lattice.NewPartialEntity(),
		}}
		bootstrapped = true
	}

	var pending []pendingSuccessor
	anyLive := false
	terminated := false

	for _, v := range live {
		outcome, err := a.Registry.Apply(ctx, ref.Type, event, v.EntityState, aff.Aux)
		if err != nil {
			return false, fmt.Errorf("apply: update function for %s on version %s: %w", ref.Type, v.VersionID, err)
		}

		switch outcome.Kind {
		case registry.Unchanged:
			anyLive = true
		case registry.Terminated:
			if bootstrapped {
				// A bootstrap version was never inserted; terminating it
				// is a no-op, but the entity still has no live version.
				continue
			}
			if err := a.Store.TerminateLocked(v.VersionID, outcome.Reason); err != nil {
				return false, fmt.Errorf("apply: terminating %s: %w", v.VersionID, err)
			}
			terminated = true
		case registry.Successors:
			anyLive = true
			parent := v.VersionID
			if bootstrapped {
				// The bootstrap version has no store identity yet; its
				// successors become roots (no parent link).
				parent = domain.VersionID{}
			}
			for i, state := range outcome.States {
				var aux json.RawMessage
				if i < len(outcome.EventAuxes) {
					aux = outcome.EventAuxes[i]
				}
				pending = append(pending, pendingSuccessor{parent: parent, state: state, aux: aux})
			}
		default:
			return false, fmt.Errorf("apply: update function for %s returned unknown outcome kind %d", ref.Type, outcome.Kind)
		}
	}

	if !anyLive {
		return terminated, &ErrUnresolvable{Entity: ref, EventID: event.ID}
	}

	groups, err := mergeGroups(pending)
	if err != nil {
		return terminated, fmt.Errorf("apply: merge pass for %s: %w", ref, err)
	}

	for _, g := range groups {
		child := domain.Version{
			VersionID:   domain.NewVersionID(),
			Entity:      ref,
			StartTime:   event.EventTime,
			EntityState: g.state,
			FromEvent:   event.ID,
			EventAux:    g.aux,
		}
		var parents []domain.VersionID
		for _, p := range g.parents {
			if (p == domain.VersionID{}) {
				continue // root: bootstrap had no parent
			}
			parents = append(parents, p)
		}
		if err := a.Store.InsertVersionLocked(child, parents...); err != nil {
			return terminated, fmt.Errorf("apply: inserting successor of %s: %w", ref, err)
		}
	}

	return terminated, nil
}

type mergedGroup struct {
	state   lattice.PartialEntity
	aux     json.RawMessage
	parents []domain.VersionID
}

// mergeGroups implements spec §4.4 step 4: successors across different
// parents that are structurally equal (same entity_state fields and the
// same event_aux) collapse into one child with multiple parents.
func mergeGroups(pending []pendingSuccessor) ([]mergedGroup, error) {
	var groups []mergedGroup
	for _, p := range pending {
		matched := -1
		for i, g := range groups {
			if !g.state.Equal(p.state) {
				continue
			}
			eq, err := equalAux(g.aux, p.aux)
			if err != nil {
				return nil, err
			}
			if eq {
				matched = i
				break
			}
		}
		if matched >= 0 {
			groups[matched].parents = append(groups[matched].parents, p.parent)
			continue
		}
		groups = append(groups, mergedGroup{state: p.state, aux: p.aux, parents: []domain.VersionID{p.parent}})
	}
	return groups, nil
}

// equalAux reports whether two successors' event_aux scratch data are
// structurally equal JSON documents.
func equalAux(a, b json.RawMessage) (bool, error) {
	return lattice.StructurallyEqual(a, b)
}
