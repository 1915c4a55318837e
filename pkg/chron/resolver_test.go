package chron

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/eventlog"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/registry"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/store"
)

func ageState(age float64) lattice.PartialEntity {
	p := lattice.NewPartialEntity()
	p.Set("age", "age", lattice.NewField(lattice.Known(age), lattice.ParseFloat64))
	return p
}

func newEnv(t *testing.T) (*store.EntityStore, *eventlog.EventLog, *registry.Registry, *Resolver) {
	t.Helper()
	s, err := store.New()
	require.NoError(t, err)
	l, err := eventlog.New()
	require.NoError(t, err)
	var r registry.Registry
	return s, l, &r, New(s, l, &r)
}

func TestResolveUniqueCandidateRefinesAndResolves(t *testing.T) {
	require := require.New(t)
	s, _, _, resolver := newEnv(t)

	ref := domain.EntityRef{Type: "player", ID: uuid.New()}
	t0 := time.Now()
	v := domain.Version{VersionID: domain.NewVersionID(), Entity: ref, StartTime: t0, EntityState: ageState(30)}
	require.NoError(s.InsertVersion(v))

	o := domain.Observation{
		Entity: ref, PerceivedAt: t0.Add(time.Minute),
		Earliest: t0, Latest: t0.Add(time.Hour),
		Raw: []byte(`{"age": 30}`),
	}
	resolved, err := resolver.Resolve(context.Background(), o)
	require.NoError(err)
	require.Equal(domain.ObservationResolved, resolved.State)
	require.Equal(v.VersionID, resolved.Resolved)
}

func TestResolveZeroCandidatesFails(t *testing.T) {
	require := require.New(t)
	s, _, _, resolver := newEnv(t)

	ref := domain.EntityRef{Type: "player", ID: uuid.New()}
	t0 := time.Now()
	v := domain.Version{VersionID: domain.NewVersionID(), Entity: ref, StartTime: t0, EntityState: ageState(30)}
	require.NoError(s.InsertVersion(v))

	o := domain.Observation{
		Entity: ref, PerceivedAt: t0.Add(time.Minute),
		Earliest: t0, Latest: t0.Add(time.Hour),
		Raw: []byte(`{"age": 99}`),
	}
	resolved, err := resolver.Resolve(context.Background(), o)
	require.NoError(err)
	require.Equal(domain.ObservationFailed, resolved.State)
	require.NotEmpty(resolved.Mismatches)

	live, err := s.LiveVersionsAt(ref, t0.Add(time.Hour))
	require.NoError(err)
	require.Len(live, 1) // a validation failure casts doubt on the observation, not the DAG
	require.Equal(v.VersionID, live[0].VersionID)
}

func TestResolveMultipleCandidatesAmbiguous(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	s, _, _, resolver := newEnv(t)

	ref := domain.EntityRef{Type: "player", ID: uuid.New()}
	t0 := time.Now()
	v1 := domain.Version{VersionID: domain.NewVersionID(), Entity: ref, StartTime: t0, EntityState: lattice.NewPartialEntity()}
	v2 := domain.Version{VersionID: domain.NewVersionID(), Entity: ref, StartTime: t0.Add(time.Second), EntityState: lattice.NewPartialEntity()}
	require.NoError(s.InsertVersion(v1))
	require.NoError(s.InsertVersion(v2))

	o := domain.Observation{
		Entity: ref, PerceivedAt: t0.Add(time.Minute),
		Earliest: t0, Latest: t0.Add(time.Hour),
		Raw: []byte(`{}`),
	}
	resolved, err := resolver.Resolve(context.Background(), o)
	require.NoError(err)
	require.Equal(domain.ObservationAmbiguous, resolved.State)
	assert.Len(resolved.Candidates, 2)
}

func TestResolvePropagatesRefinementAlongChain(t *testing.T) {
	require := require.New(t)
	s, l, r, resolver := newEnv(t)

	require.NoError(r.Register("player", func(_ context.Context, _ domain.EntityType, _ domain.Event, state lattice.PartialEntity, _ json.RawMessage) (registry.Outcome, error) {
		next := state.Clone()
		return registry.SuccessorsOutcome([]lattice.PartialEntity{next}, []json.RawMessage{nil}), nil
	}))

	ref := domain.EntityRef{Type: "player", ID: uuid.New()}
	t0 := time.Now()
	root := domain.Version{VersionID: domain.NewVersionID(), Entity: ref, StartTime: t0, EntityState: ageState(30)}
	require.NoError(s.InsertVersion(root))

	event := domain.Event{EventTime: t0.Add(time.Minute), Source: domain.SourceFeed, Affected: []domain.AffectedEntity{{Ref: ref}}}
	id, err := l.Append(event)
	require.NoError(err)
	event.ID = id

	child := domain.Version{
		VersionID: domain.NewVersionID(), Entity: ref, StartTime: event.EventTime,
		EntityState: ageState(30), FromEvent: id,
	}
	require.NoError(s.InsertVersionLocked(child, root.VersionID))

	o := domain.Observation{
		Entity: ref, PerceivedAt: t0.Add(time.Second),
		Earliest: t0, Latest: t0.Add(30 * time.Second),
		Raw: []byte(`{"age": 30}`),
	}
	resolved, err := resolver.Resolve(context.Background(), o)
	require.NoError(err)
	require.Equal(domain.ObservationResolved, resolved.State)
}
