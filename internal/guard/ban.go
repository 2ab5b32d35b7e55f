package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/metrics"
	"firestige.xyz/flowguard/internal/scheduler"
)

// BanState is the lifecycle state of a ban record.
type BanState int

const (
	// BanPending means the drop rule is being installed.
	BanPending BanState = iota
	// BanActive means the drop rule is installed and expiry is armed.
	BanActive
)

func (s BanState) String() string {
	if s == BanActive {
		return "active"
	}
	return "pending"
}

// MarshalText implements encoding.TextMarshaler.
func (s BanState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *BanState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "pending":
		*s = BanPending
	case "active":
		*s = BanActive
	default:
		return fmt.Errorf("unknown ban state %q", b)
	}
	return nil
}

// EnforceOutcome reports what Enforce did.
type EnforceOutcome int

const (
	// Installed means a new drop rule was installed.
	Installed EnforceOutcome = iota
	// AlreadyBanned means a ban for the key existed; nothing was done.
	AlreadyBanned
)

// Ban is a point-in-time view of one ban record.
type Ban struct {
	Key     core.FlowKey    `json:"key"`
	State   BanState        `json:"state"`
	Handle  core.RuleHandle `json:"handle,omitempty"`
	Since   time.Time       `json:"since"`
	Expires time.Time       `json:"expires,omitempty"`
}

type banRecord struct {
	state   BanState
	rule    core.RuleDescription
	handle  core.RuleHandle
	since   time.Time
	expires time.Time
}

// BanController installs drop rules for keys that crossed the threshold and
// lifts them after the ban duration. At most one ban exists per key.
type BanController struct {
	shards  *shardSet[*banRecord]
	backend core.EnforcementBackend
	sched   scheduler.Scheduler
	limits  func() Limits
	owner   string
	timeout time.Duration
	closed  atomic.Bool
}

// NewBanController creates a controller. Rules are installed on behalf of
// owner; timeout bounds each backend call (0 means no extra bound).
func NewBanController(backend core.EnforcementBackend, sched scheduler.Scheduler, shards int,
	limits func() Limits, owner string, timeout time.Duration) *BanController {
	return &BanController{
		shards:  newShardSet[*banRecord](shards),
		backend: backend,
		sched:   sched,
		limits:  limits,
		owner:   owner,
		timeout: timeout,
	}
}

// Enforce bans key. It is idempotent: while a ban for key is pending or
// active the call does nothing. On install failure no ban is recorded, so
// the next crossing retries.
func (b *BanController) Enforce(ctx context.Context, key core.FlowKey) (EnforceOutcome, error) {
	if b.closed.Load() {
		return AlreadyBanned, core.ErrClosed
	}

	lim := b.limits()
	rule := DropRule(key, b.owner)
	sh := b.shards.get(key)

	sh.mu.Lock()
	if _, ok := sh.m[key]; ok {
		sh.mu.Unlock()
		return AlreadyBanned, nil
	}
	rec := &banRecord{state: BanPending, rule: rule, since: b.sched.Now()}
	sh.m[key] = rec
	sh.mu.Unlock()
	metrics.BansActive.Inc()

	opCtx, cancel := b.opContext(ctx)
	handle, err := b.backend.Install(opCtx, rule)
	cancel()
	if err != nil {
		b.drop(key, rec)
		return Installed, fmt.Errorf("install ban for %s: %w", key, unavailable(err))
	}

	sh.mu.Lock()
	rec.state = BanActive
	rec.handle = handle
	rec.expires = b.sched.Now().Add(lim.BanDuration)
	sh.mu.Unlock()

	if b.closed.Load() {
		// Close ran while installing and has already swept the owner.
		b.drop(key, rec)
		opCtx, cancel := b.opContext(context.Background())
		defer cancel()
		_ = b.backend.Remove(opCtx, handle)
		return Installed, core.ErrClosed
	}

	b.sched.Schedule(lim.BanDuration, scheduler.Job{
		Name: "ban_expiry",
		Key:  key.String(),
		Run: func(ctx context.Context) error {
			return b.expire(ctx, key, rec)
		},
	})

	metrics.BansInstalledTotal.WithLabelValues(string(key.Device)).Inc()
	slog.Info("ban installed", "device", key.Device, "src", key.Src, "dst", key.Dst,
		"handle", handle, "duration", lim.BanDuration)
	return Installed, nil
}

// expire removes the drop rule and forgets the ban whatever the outcome.
func (b *BanController) expire(ctx context.Context, key core.FlowKey, rec *banRecord) error {
	sh := b.shards.get(key)
	sh.mu.Lock()
	if sh.m[key] != rec {
		sh.mu.Unlock()
		return nil
	}
	handle := rec.handle
	sh.mu.Unlock()

	opCtx, cancel := b.opContext(ctx)
	err := b.backend.Remove(opCtx, handle)
	cancel()

	b.drop(key, rec)
	metrics.BansRemovedTotal.WithLabelValues(string(key.Device), "expired").Inc()

	if err != nil {
		return fmt.Errorf("remove ban for %s (handle %s): %w", key, handle, unavailable(err))
	}
	slog.Info("ban lifted", "device", key.Device, "src", key.Src, "dst", key.Dst)
	return nil
}

// drop deletes rec if it is still the record for key.
func (b *BanController) drop(key core.FlowKey, rec *banRecord) {
	sh := b.shards.get(key)
	sh.mu.Lock()
	removed := sh.m[key] == rec
	if removed {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if removed {
		metrics.BansActive.Dec()
	}
}

// IsBanned reports whether key has a pending or active ban.
func (b *BanController) IsBanned(key core.FlowKey) bool {
	sh := b.shards.get(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.m[key]
	return ok
}

// Bans returns every ban record, ordered by key.
func (b *BanController) Bans() []Ban {
	var out []Ban
	b.shards.each(func(m map[core.FlowKey]*banRecord) {
		for k, r := range m {
			out = append(out, Ban{Key: k, State: r.state, Handle: r.handle, Since: r.since, Expires: r.expires})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Close stops accepting new bans, forgets every record and removes all rules
// installed on behalf of the owner. Pending expiry jobs become no-ops.
func (b *BanController) Close(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	dropped := 0
	b.shards.each(func(m map[core.FlowKey]*banRecord) {
		for k := range m {
			metrics.BansRemovedTotal.WithLabelValues(string(k.Device), "shutdown").Inc()
			delete(m, k)
			dropped++
		}
	})
	metrics.BansActive.Sub(float64(dropped))

	opCtx, cancel := b.opContext(ctx)
	defer cancel()
	if err := b.backend.RemoveAllByOwner(opCtx, b.owner); err != nil {
		return fmt.Errorf("remove bans of %s: %w", b.owner, unavailable(err))
	}
	slog.Info("ban controller closed", "owner", b.owner, "bans_dropped", dropped)
	return nil
}

func (b *BanController) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout > 0 {
		return context.WithTimeout(ctx, b.timeout)
	}
	return context.WithCancel(ctx)
}

// unavailable makes sure a backend failure matches ErrBackendUnavailable.
func unavailable(err error) error {
	if errors.Is(err, core.ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)
}
