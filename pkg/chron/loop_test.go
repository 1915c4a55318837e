package chron

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/lattice"
)

type fakeObservationSource struct {
	obs []domain.Observation
	pos int
}

func (f *fakeObservationSource) Next(_ context.Context) (domain.Observation, bool, error) {
	if f.pos >= len(f.obs) {
		return domain.Observation{}, false, nil
	}
	o := f.obs[f.pos]
	f.pos++
	return o, true, nil
}

type instantHorizon struct{}

func (instantHorizon) WaitUntil(_ context.Context, _ time.Time) error { return nil }

type alwaysTimeoutHorizon struct{ allowedAfter int }

func (h *alwaysTimeoutHorizon) WaitUntil(_ context.Context, _ time.Time) error {
	if h.allowedAfter <= 0 {
		return nil
	}
	h.allowedAfter--
	return ErrHorizonTimeout
}

func TestLoopRunResolvesEachObservation(t *testing.T) {
	require := require.New(t)
	s, _, _, resolver := newEnv(t)

	ref := domain.EntityRef{Type: "player", ID: uuid.New()}
	t0 := time.Now()
	require.NoError(s.InsertVersion(domain.Version{
		VersionID: domain.NewVersionID(), Entity: ref, StartTime: t0, EntityState: ageState(30),
	}))

	src := &fakeObservationSource{obs: []domain.Observation{
		{Entity: ref, PerceivedAt: t0.Add(time.Minute), Earliest: t0, Latest: t0.Add(time.Hour), Raw: []byte(`{"age": 30}`)},
	}}

	var failed []domain.Observation
	loop := NewLoop(src, resolver, instantHorizon{})
	loop.OnFailed = func(o domain.Observation) { failed = append(failed, o) }

	require.NoError(loop.Run(context.Background()))
	require.Empty(failed)

	obs, err := s.AllObservations(ref)
	require.NoError(err)
	require.Len(obs, 1)
	require.Equal(domain.ObservationResolved, obs[0].State)
}

func TestLoopRunRetriesAfterHorizonTimeout(t *testing.T) {
	require := require.New(t)
	s, _, _, resolver := newEnv(t)

	ref := domain.EntityRef{Type: "player", ID: uuid.New()}
	t0 := time.Now()
	require.NoError(s.InsertVersion(domain.Version{
		VersionID: domain.NewVersionID(), Entity: ref, StartTime: t0, EntityState: lattice.NewPartialEntity(),
	}))

	src := &fakeObservationSource{obs: []domain.Observation{
		{Entity: ref, PerceivedAt: t0.Add(time.Minute), Earliest: t0, Latest: t0.Add(time.Hour), Raw: []byte(`{}`)},
	}}

	loop := NewLoop(src, resolver, &alwaysTimeoutHorizon{allowedAfter: 1})
	require.NoError(loop.Run(context.Background()))

	obs, err := s.AllObservations(ref)
	require.NoError(err)
	require.Len(obs, 1)
	require.Equal(domain.ObservationResolved, obs[0].State)
}
