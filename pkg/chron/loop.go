package chron

import (
	"context"
	"fmt"
	"time"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
)

// Source is the out-of-core Chronicler client contract: a stream of
// observations the loop consumes one at a time.
type Source interface {
	// Next blocks until the next observation is available, or returns
	// false if the stream is exhausted.
	Next(ctx context.Context) (domain.Observation, bool, error)
}

// HorizonWaiter abstracts "wait until feed_horizon >= t" (spec §4.7 step
// 2) behind an interface so the Loop doesn't need to know whether the
// horizon comes from a live feedloop.Loop or a test double.
type HorizonWaiter interface {
	// WaitUntil blocks until the Feed horizon reaches at least t, or ctx
	// is cancelled, or the wait exceeds its configured timeout — in
	// which case it returns ErrHorizonTimeout so the caller can defer the
	// observation to a retry queue instead of failing it (spec §5,
	// "Timeouts").
	WaitUntil(ctx context.Context, t time.Time) error
}

// ErrHorizonTimeout signals that a horizon wait exceeded its configured
// bound; the observation should be deferred, not failed (spec §5).
var ErrHorizonTimeout = fmt.Errorf("chron: horizon wait timed out")

// Loop drives Chron Observation Intake (spec §4.7): for each observation
// it stores it pending, waits for the Feed horizon to clear the
// observation's latest bound, then invokes the Resolver.
type Loop struct {
	Source   Source
	Resolver *Resolver
	Horizon  HorizonWaiter

	// OnFailed, if set, is called with observations the Resolver could
	// not place against any candidate (spec §4.8 outcome "Zero valid
	// placements"). Failed observations are retained for display, not
	// dropped, so a caller can surface them however it likes.
	OnFailed func(domain.Observation)

	retryQueue []domain.Observation
}

// NewLoop constructs a Chron intake Loop.
func NewLoop(src Source, r *Resolver, horizon HorizonWaiter) *Loop {
	return &Loop{Source: src, Resolver: r, Horizon: horizon}
}

// Run consumes observations from Source until it is exhausted or ctx is
// cancelled, retrying any that were deferred by a horizon-wait timeout
// before asking the Source for the next new one.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(l.retryQueue) > 0 {
			o := l.retryQueue[0]
			l.retryQueue = l.retryQueue[1:]
			if err := l.intake(ctx, o); err != nil {
				return err
			}
			continue
		}

		o, ok, err := l.Source.Next(ctx)
		if err != nil {
			return fmt.Errorf("chron: reading observation source: %w", err)
		}
		if !ok {
			return nil
		}
		if err := l.intake(ctx, o); err != nil {
			return err
		}
	}
}

func (l *Loop) intake(ctx context.Context, o domain.Observation) error {
	if err := l.Horizon.WaitUntil(ctx, o.Latest); err != nil {
		if err == ErrHorizonTimeout {
			l.retryQueue = append(l.retryQueue, o)
			return nil
		}
		return fmt.Errorf("chron: waiting for feed horizon: %w", err)
	}

	resolved, err := l.Resolver.Resolve(ctx, o)
	if err != nil {
		return fmt.Errorf("chron: resolving observation on %s: %w", o.Entity, err)
	}
	if resolved.State == domain.ObservationFailed && l.OnFailed != nil {
		l.OnFailed(resolved)
	}
	return nil
}
