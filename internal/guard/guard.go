// Package guard implements the ping-flood rate governor: a per-flow event
// counter with scheduled decay and a ban controller that installs a
// temporary drop rule once a flow crosses its threshold.
//
// Per-key state lives in shards selected by a consistent hash of the flow
// key. No shard lock is held across a backend call.
package guard

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/metrics"
	"firestige.xyz/flowguard/internal/scheduler"
)

// DefaultOwner is the application id drop rules are installed under.
const DefaultOwner = "pingguard"

// Options configures a Guard.
type Options struct {
	Limits         Limits
	Shards         int
	Owner          string
	BackendTimeout time.Duration
}

// Snapshot is a point-in-time view of the guard state.
type Snapshot struct {
	Limits   Limits         `json:"limits"`
	Counters []CounterEntry `json:"counters"`
	Bans     []Ban          `json:"bans"`
}

// Guard ties the counter and the ban controller together behind OnEvent.
type Guard struct {
	counter *EventCounter
	bans    *BanController
	limits  atomic.Pointer[Limits]
}

// New creates a Guard that enforces through backend and times decays and
// expiries with sched.
func New(backend core.EnforcementBackend, sched scheduler.Scheduler, opts Options) (*Guard, error) {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if err := opts.Limits.Validate(); err != nil {
		return nil, err
	}
	if opts.Shards <= 0 {
		opts.Shards = 32
	}
	if opts.Owner == "" {
		opts.Owner = DefaultOwner
	}

	g := &Guard{}
	lim := opts.Limits
	g.limits.Store(&lim)
	g.counter = NewEventCounter(sched, opts.Shards, g.Limits)
	g.bans = NewBanController(backend, sched, opts.Shards, g.Limits, opts.Owner, opts.BackendTimeout)
	return g, nil
}

// OnEvent evaluates one monitored event and tells the caller what to do with
// the packet that produced it. Events on a banned key are blocked and not
// counted. The event that crosses the threshold is blocked even if the ban
// could not be installed.
func (g *Guard) OnEvent(ctx context.Context, device core.DeviceID, src, dst core.MAC) core.Verdict {
	key := core.FlowKey{Device: device, Src: src, Dst: dst}
	v := g.evaluate(ctx, key)
	metrics.GuardEventsTotal.WithLabelValues(string(device), v.String()).Inc()
	return v
}

func (g *Guard) evaluate(ctx context.Context, key core.FlowKey) core.Verdict {
	if g.bans.IsBanned(key) {
		return core.VerdictBlock
	}

	res := g.counter.Record(key)
	if !res.ThresholdCrossed {
		return core.VerdictAllow
	}

	slog.Debug("threshold crossed", "device", key.Device, "src", key.Src, "dst", key.Dst, "count", res.Count)
	if _, err := g.bans.Enforce(ctx, key); err != nil {
		slog.Error("failed to install ban", "device", key.Device, "src", key.Src, "dst", key.Dst, "error", err)
	}
	return core.VerdictBlock
}

// Configure replaces the limits. The new threshold applies to every key
// from its next event on; decay and expiry timers already armed keep the
// duration they were armed with.
func (g *Guard) Configure(maxEvents int, banDuration time.Duration) error {
	lim := Limits{MaxEvents: maxEvents, BanDuration: banDuration}
	if err := lim.Validate(); err != nil {
		return err
	}
	g.limits.Store(&lim)
	slog.Info("guard limits updated", "max_events", maxEvents, "ban_duration", banDuration)
	return nil
}

// Limits returns the limits currently in force.
func (g *Guard) Limits() Limits {
	return *g.limits.Load()
}

// IsBanned reports whether the flow has a pending or active ban.
func (g *Guard) IsBanned(key core.FlowKey) bool {
	return g.bans.IsBanned(key)
}

// Count returns the live event count of the flow.
func (g *Guard) Count(key core.FlowKey) int {
	return g.counter.Count(key)
}

// Snapshot returns the limits, live counters and bans.
func (g *Guard) Snapshot() Snapshot {
	return Snapshot{
		Limits:   g.Limits(),
		Counters: g.counter.Entries(),
		Bans:     g.bans.Bans(),
	}
}

// Close lifts every ban. Counters are left to drain with the scheduler.
func (g *Guard) Close(ctx context.Context) error {
	return g.bans.Close(ctx)
}
