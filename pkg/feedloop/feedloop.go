// Package feedloop is the Feed Ingest Loop (spec §4.6): it drains a
// Source of externally-ordered events up to a target horizon, applying
// strictly non-decreasing event_time, interleaving timed events ahead
// of each real Feed event exactly as the spec's pseudocode prescribes.
package feedloop

import (
	"context"
	"fmt"
	"time"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/apply"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/eventlog"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/timedevent"
)

// Source is the out-of-core Feed client contract: a stream of events the
// loop peeks and consumes in event_time order. Implementations are
// expected to block in Peek until either an event at or before target is
// available or the stream is confirmed to have nothing more ready.
type Source interface {
	// Peek returns the next unconsumed Feed event with event_time <=
	// target, and true, or false if none is ready yet.
	Peek(ctx context.Context, target time.Time) (domain.Event, bool, error)
	// Advance consumes the event returned by the most recent Peek.
	Advance(ctx context.Context) error
}

// Loop drives the Feed Ingest Loop against a Source.
type Loop struct {
	Source    Source
	Log       *eventlog.EventLog
	Applier   *apply.Applier
	TimedGen  *timedevent.Generator
	OnHorizon func(t time.Time) // optional: notified after each advance
}

// New constructs a Loop.
func New(src Source, log *eventlog.EventLog, applier *apply.Applier, gen *timedevent.Generator) *Loop {
	return &Loop{Source: src, Log: log, Applier: applier, TimedGen: gen}
}

// RunTo advances the loop to target, implementing the algorithm of spec
// §4.6 verbatim. It returns once the horizon has been fully drained to
// target (no Feed event remains with event_time <= target).
func (l *Loop) RunTo(ctx context.Context, target time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, ok, err := l.Source.Peek(ctx, target)
		if err != nil {
			return fmt.Errorf("feedloop: peeking source: %w", err)
		}

		if ok {
			if err := l.drainTimed(ctx, next.EventTime, false); err != nil {
				return err
			}
			if err := l.applyFeedEvent(ctx, next); err != nil {
				return err
			}
			if err := l.Source.Advance(ctx); err != nil {
				return fmt.Errorf("feedloop: advancing source: %w", err)
			}
			l.notify(next.EventTime)
			continue
		}

		if err := l.drainTimed(ctx, target, true); err != nil {
			return err
		}
		l.notify(target)
		return nil
	}
}

func (l *Loop) drainTimed(ctx context.Context, cutoff time.Time, inclusive bool) error {
	due, err := l.TimedGen.Drain(cutoff, inclusive)
	if err != nil {
		return fmt.Errorf("feedloop: draining timed events: %w", err)
	}
	for _, e := range due {
		if err := l.applyFeedEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) applyFeedEvent(ctx context.Context, e domain.Event) error {
	id, err := l.Log.Append(e)
	if err != nil {
		return fmt.Errorf("feedloop: appending event to log: %w", err)
	}
	e.ID = id

	for _, aff := range e.Affected {
		if err := l.Applier.Apply(ctx, e, aff.Ref); err != nil {
			return fmt.Errorf("feedloop: applying event %d to %s: %w", e.ID, aff.Ref, err)
		}
	}
	return nil
}

func (l *Loop) notify(t time.Time) {
	if l.OnHorizon != nil {
		l.OnHorizon(t)
	}
}
