// Package coordinator wires the Feed Ingest Loop and Chron Observation
// Intake (spec §4.9) into two cooperating goroutines sharing one
// feed_horizon value, one cancellation signal, and one memory
// back-pressure check.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/fenwicklabs/go-entity-reconciler/pkg/chron"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/cprint"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/domain"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/eventlog"
	"github.com/fenwicklabs/go-entity-reconciler/pkg/feedloop"
)

// ErrClockInversion re-exports eventlog's fatal ingestion error under the
// name spec §7 gives it at the coordinator boundary, where callers of
// Run actually observe it surface.
var ErrClockInversion = eventlog.ErrClockInversion

// horizon is feed_horizon (spec §4.9): the latest event_time the Feed
// loop has fully drained to, guarded by a mutex. WaitUntil polls it on a
// bounded exponential backoff; set also broadcasts on cnd, but no waiter
// blocks on cnd.
type horizon struct {
	mu  sync.Mutex
	cnd *sync.Cond
	t   time.Time
}

func newHorizon() *horizon {
	h := &horizon{}
	h.cnd = sync.NewCond(&h.mu)
	return h
}

func (h *horizon) set(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.After(h.t) {
		h.t = t
		h.cnd.Broadcast()
	}
}

func (h *horizon) get() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.t
}

// WaitUntil blocks until feed_horizon reaches at least t, ctx is
// cancelled, or backoff gives up — implementing chron.HorizonWaiter with
// a bounded exponential-backoff retry instead of an infinite one, so a
// stalled Feed loop surfaces as a deferred retry rather than a hang
// (spec §5, "Timeouts").
func (h *horizon) WaitUntil(ctx context.Context, t time.Time) error {
	b := backoff.WithContext(boundedBackOff(), ctx)
	for {
		if !h.get().Before(t) {
			return nil
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			return chron.ErrHorizonTimeout
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func boundedBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.Multiplier = 2
	eb.MaxInterval = 2 * time.Second
	return backoff.WithMaxRetries(eb, 8)
}

// MemoryLimiter is a back-pressure guard on the memory held by the
// frontier's undisposable nodes (spec §9): versions the engine cannot
// yet terminate because their observation window is still open. It
// compares system-wide memory use (not this process's resident set)
// against MaxUsedPercent. Coordinator.Run consults it once, before the
// Feed loop starts, and waits until use is under the threshold; it is
// not rechecked while the Feed loop runs.
type MemoryLimiter struct {
	MaxUsedPercent float64
}

// OverLimit reports whether system memory use exceeds MaxUsedPercent.
// A read failure is treated as "not over limit": back-pressure is a
// best-effort guard, not a correctness requirement, and refusing to
// make progress because a stats call failed would be worse than
// occasionally skipping a throttle.
func (m MemoryLimiter) OverLimit() bool {
	if m.MaxUsedPercent <= 0 {
		return false
	}
	v, err := mem.VirtualMemory()
	if err != nil {
		return false
	}
	return v.UsedPercent >= m.MaxUsedPercent
}

func (m MemoryLimiter) wait(ctx context.Context) error {
	if !m.OverLimit() {
		return nil
	}
	for m.OverLimit() {
		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Coordinator runs the Feed and Chron loops under one errgroup. The Feed
// loop starts only once MemoryLimiter reports memory use under its
// threshold; how far the Feed loop runs ahead of the Chron loop is not
// otherwise bounded.
type Coordinator struct {
	Feed  *feedloop.Loop
	Chron *chron.Loop
	Mem   MemoryLimiter

	horizon *horizon
}

// New constructs a Coordinator. chronLoop's Horizon field is set to the
// coordinator's own feed_horizon waiter, overriding whatever was passed
// to chron.NewLoop, so both loops observe the same horizon value. The
// Feed loop's Applier.OnTerminate is wired to chronLoop.Resolver.Reattempt
// so an Ambiguous observation is automatically re-resolved the moment a
// Feed event terminates one of its candidates (spec §4.8 outcome
// "Multiple valid placements", "re-evaluate whenever the candidate set
// shrinks").
func New(feed *feedloop.Loop, chronLoop *chron.Loop, mem MemoryLimiter) *Coordinator {
	h := newHorizon()
	chronLoop.Horizon = h
	feed.OnHorizon = h.set
	if feed.Applier != nil && chronLoop.Resolver != nil {
		resolver := chronLoop.Resolver
		feed.Applier.OnTerminate = func(ref domain.EntityRef) {
			if err := resolver.Reattempt(context.Background(), ref); err != nil {
				cprint.FailPrintfStdErr("coordinator: reattempting ambiguous observations on %s: %v\n", ref, err)
			}
		}
	}
	return &Coordinator{Feed: feed, Chron: chronLoop, Mem: mem, horizon: h}
}

// Run drives the Feed loop to target while Chron concurrently drains its
// observation source, stopping when both finish or either fails (spec
// §4.9). A clock inversion detected by the Feed loop's underlying
// EventLog surfaces here wrapped in ErrClockInversion via errors.Is.
func (c *Coordinator) Run(ctx context.Context, target time.Time) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := c.Mem.wait(ctx); err != nil {
			return err
		}
		if err := c.Feed.RunTo(ctx, target); err != nil {
			return fmt.Errorf("coordinator: feed loop: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.Chron.Run(ctx); err != nil {
			return fmt.Errorf("coordinator: chron loop: %w", err)
		}
		return nil
	})

	return g.Wait()
}
