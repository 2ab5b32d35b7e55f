// Package registry keeps the mapping from application rule ids to rules
// installed on forwarding devices. It refuses to install a rule twice under
// the same id, skips rules that are already active on a device, and tears
// down everything an application owns in one call.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/metrics"
)

// Default settings.
const (
	DefaultOwner        = "rulestore"
	DefaultDevicePrefix = "device:s"
)

// Outcome is the per-device result of a registry operation.
type Outcome string

const (
	OutcomeInstalled   Outcome = "installed"
	OutcomeDuplicateID Outcome = "duplicate_id"
	OutcomeRuleExists  Outcome = "rule_exists"
	OutcomeRemoved     Outcome = "removed"
	OutcomeFailed      Outcome = "failed"
)

// State of a registry entry.
type State string

const (
	StatePending   State = "pending"
	StateInstalled State = "installed"
	StateRemoving  State = "removing"
)

// RuleRequest asks for RuleID to be installed on Devices. No devices means
// every available device in scope.
type RuleRequest struct {
	Owner   string          `json:"owner,omitempty"`
	RuleID  string          `json:"rule_id"`
	Devices []core.DeviceID `json:"devices,omitempty"`
	Spec    RuleSpec        `json:"spec"`
}

// DeviceResult is the outcome on one device.
type DeviceResult struct {
	Device  core.DeviceID   `json:"device"`
	Outcome Outcome         `json:"outcome"`
	Handle  core.RuleHandle `json:"handle,omitempty"`
	Error   string          `json:"error,omitempty"`
	Err     error           `json:"-"`
}

// Report lists per-device results of AddRule or DeleteRule.
type Report struct {
	RuleID  string         `json:"rule_id"`
	Results []DeviceResult `json:"results"`
}

// Count returns the number of results with outcome o.
func (r Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

func (r *Report) add(device core.DeviceID, o Outcome, h core.RuleHandle, err error) {
	res := DeviceResult{Device: device, Outcome: o, Handle: h, Err: err}
	if err != nil {
		res.Error = err.Error()
	}
	r.Results = append(r.Results, res)
}

// failures joins the errors of failed results.
func (r Report) failures() error {
	var errs []error
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			errs = append(errs, fmt.Errorf("%s: %w", res.Device, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Entry is a point-in-time view of one registry entry.
type Entry struct {
	Key         core.RuleKey         `json:"key"`
	Owner       string               `json:"owner"`
	Rule        core.RuleDescription `json:"rule"`
	Handle      core.RuleHandle      `json:"handle,omitempty"`
	State       State                `json:"state"`
	InstalledAt time.Time            `json:"installed_at,omitempty"`
}

type entry struct {
	owner       string
	rule        core.RuleDescription
	handle      core.RuleHandle
	state       State
	installedAt time.Time
}

// Options configures a Registry.
type Options struct {
	Owner          string
	DevicePrefix   string
	BackendTimeout time.Duration
}

// Registry is the rule bookkeeping layer.
type Registry struct {
	backend core.EnforcementBackend
	devices core.DeviceLister
	opts    Options

	mu      sync.Mutex
	entries map[core.RuleKey]*entry

	ownersMu sync.Mutex
	owners   map[string]*sync.RWMutex
}

// New creates a registry. devices supplies the default device scope.
func New(backend core.EnforcementBackend, devices core.DeviceLister, opts Options) *Registry {
	if opts.Owner == "" {
		opts.Owner = DefaultOwner
	}
	if opts.DevicePrefix == "" {
		opts.DevicePrefix = DefaultDevicePrefix
	}
	return &Registry{
		backend: backend,
		devices: devices,
		opts:    opts,
		entries: make(map[core.RuleKey]*entry),
		owners:  make(map[string]*sync.RWMutex),
	}
}

// Owner returns the default owner rules are registered under.
func (r *Registry) Owner() string { return r.opts.Owner }

// ownerLock returns the guard serialising bulk deletes of owner against its
// in-flight adds.
func (r *Registry) ownerLock(owner string) *sync.RWMutex {
	r.ownersMu.Lock()
	defer r.ownersMu.Unlock()
	l, ok := r.owners[owner]
	if !ok {
		l = &sync.RWMutex{}
		r.owners[owner] = l
	}
	return l
}

func (r *Registry) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.BackendTimeout > 0 {
		return context.WithTimeout(ctx, r.opts.BackendTimeout)
	}
	return context.WithCancel(ctx)
}

// scope returns the available devices whose id carries the configured prefix.
func (r *Registry) scope(ctx context.Context) ([]core.DeviceID, error) {
	if r.devices == nil {
		return nil, nil
	}
	all, err := r.devices.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %w", core.ErrBackendUnavailable, err)
	}
	var out []core.DeviceID
	for _, d := range all {
		if strings.HasPrefix(string(d), r.opts.DevicePrefix) {
			out = append(out, d)
		}
	}
	return out, nil
}

// AddRule installs req on every device in scope. Per device: an id already
// registered there is a duplicate and costs no backend call; an equal rule
// already active on the device is skipped; otherwise the rule is installed
// and registered. The returned error joins the per-device failures.
func (r *Registry) AddRule(ctx context.Context, req RuleRequest) (Report, error) {
	report := Report{RuleID: req.RuleID}
	if req.RuleID == "" {
		return report, fmt.Errorf("%w: rule id is required", core.ErrInvalidRule)
	}
	owner := req.Owner
	if owner == "" {
		owner = r.opts.Owner
	}
	// Validate once against a placeholder device so a bad spec fails fast.
	if _, err := req.Spec.Build("-", owner); err != nil {
		return report, err
	}

	devices := req.Devices
	if len(devices) == 0 {
		var err error
		if devices, err = r.scope(ctx); err != nil {
			return report, err
		}
		if len(devices) == 0 {
			slog.Info("no devices in scope, rule not installed", "rule_id", req.RuleID)
		}
	}

	lock := r.ownerLock(owner)
	lock.RLock()
	defer lock.RUnlock()

	for _, device := range devices {
		rule, _ := req.Spec.Build(device, owner)
		r.addOne(ctx, &report, core.RuleKey{Device: device, RuleID: req.RuleID}, rule)
	}

	err := report.failures()
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RegistryOpsTotal.WithLabelValues("add", result).Inc()
	return report, err
}

func (r *Registry) addOne(ctx context.Context, report *Report, key core.RuleKey, rule core.RuleDescription) {
	r.mu.Lock()
	if _, ok := r.entries[key]; ok {
		r.mu.Unlock()
		slog.Info("rule id already registered on device", "rule_id", key.RuleID, "device", key.Device)
		report.add(key.Device, OutcomeDuplicateID, "", core.ErrDuplicateRule)
		return
	}
	e := &entry{owner: rule.Owner, rule: rule, state: StatePending}
	r.entries[key] = e
	r.mu.Unlock()

	exists, err := r.activeEqual(ctx, rule)
	if err != nil {
		r.forget(key, e)
		report.add(key.Device, OutcomeFailed, "", err)
		return
	}
	if exists {
		r.forget(key, e)
		slog.Info("equal rule already active on device under another id", "rule_id", key.RuleID, "device", key.Device)
		report.add(key.Device, OutcomeRuleExists, "", core.ErrRuleExists)
		return
	}

	opCtx, cancel := r.opContext(ctx)
	handle, err := r.backend.Install(opCtx, rule)
	cancel()
	if err != nil {
		r.forget(key, e)
		report.add(key.Device, OutcomeFailed, "", fmt.Errorf("install %s: %w", key, err))
		return
	}

	r.mu.Lock()
	e.handle = handle
	e.state = StateInstalled
	e.installedAt = time.Now()
	metrics.RegistryRules.Set(float64(len(r.entries)))
	r.mu.Unlock()

	slog.Info("rule installed", "rule_id", key.RuleID, "device", key.Device, "handle", handle)
	report.add(key.Device, OutcomeInstalled, handle, nil)
}

// activeEqual reports whether a rule equal to rule is active on its device.
func (r *Registry) activeEqual(ctx context.Context, rule core.RuleDescription) (bool, error) {
	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	active, err := r.backend.ListActive(opCtx, rule.Device)
	if err != nil {
		return false, fmt.Errorf("list active rules on %s: %w", rule.Device, err)
	}
	for _, a := range active {
		if a.Equal(rule) {
			return true, nil
		}
	}
	return false, nil
}

// forget drops key if it still maps to e.
func (r *Registry) forget(key core.RuleKey, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[key] == e {
		delete(r.entries, key)
		metrics.RegistryRules.Set(float64(len(r.entries)))
	}
}

// DeleteRule removes ruleID from every device it is registered on. A rule
// the backend no longer knows counts as removed. Entries whose removal
// failed are kept so the delete can be retried. An unknown rule id yields an
// empty report and no error.
func (r *Registry) DeleteRule(ctx context.Context, ruleID string) (Report, error) {
	report := Report{RuleID: ruleID}

	type target struct {
		key core.RuleKey
		e   *entry
	}
	var targets []target
	r.mu.Lock()
	for k, e := range r.entries {
		if k.RuleID == ruleID && e.state == StateInstalled {
			e.state = StateRemoving
			targets = append(targets, target{k, e})
		}
	}
	r.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].key.Device < targets[j].key.Device })

	if len(targets) == 0 {
		slog.Debug("delete of unknown rule id", "rule_id", ruleID, "error", core.ErrUnknownKey)
		metrics.RegistryOpsTotal.WithLabelValues("delete", "unknown").Inc()
		return report, nil
	}

	for _, t := range targets {
		opCtx, cancel := r.opContext(ctx)
		err := r.backend.Remove(opCtx, t.e.handle)
		cancel()

		if err != nil && !errors.Is(err, core.ErrUnknownKey) {
			r.mu.Lock()
			if r.entries[t.key] == t.e {
				t.e.state = StateInstalled
			}
			r.mu.Unlock()
			report.add(t.key.Device, OutcomeFailed, t.e.handle, fmt.Errorf("remove %s: %w", t.key, err))
			continue
		}
		r.forget(t.key, t.e)
		slog.Info("rule removed", "rule_id", ruleID, "device", t.key.Device)
		report.add(t.key.Device, OutcomeRemoved, t.e.handle, nil)
	}

	err := report.failures()
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RegistryOpsTotal.WithLabelValues("delete", result).Inc()
	return report, err
}

// DeleteAllRulesByApp removes every rule owner installed, at the backend in
// one bulk call, and clears all of owner's registry entries whatever the
// backend answers. It waits for owner's in-flight adds and blocks new ones
// while it runs. It returns the number of entries cleared.
func (r *Registry) DeleteAllRulesByApp(ctx context.Context, owner string) (int, error) {
	lock := r.ownerLock(owner)
	lock.Lock()
	defer lock.Unlock()

	opCtx, cancel := r.opContext(ctx)
	berr := r.backend.RemoveAllByOwner(opCtx, owner)
	cancel()

	r.mu.Lock()
	cleared := 0
	for k, e := range r.entries {
		if e.owner == owner {
			delete(r.entries, k)
			cleared++
		}
	}
	metrics.RegistryRules.Set(float64(len(r.entries)))
	r.mu.Unlock()

	slog.Info("rules of application removed", "owner", owner, "entries_cleared", cleared, "backend_error", berr)
	if berr != nil {
		metrics.RegistryOpsTotal.WithLabelValues("delete_app", "error").Inc()
		return cleared, fmt.Errorf("remove rules of %s: %w", owner, berr)
	}
	metrics.RegistryOpsTotal.WithLabelValues("delete_app", "ok").Inc()
	return cleared, nil
}

// Get returns the entry for key.
func (r *Registry) Get(key core.RuleKey) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.view(key), true
}

// Rules returns every entry ordered by key.
func (r *Registry) Rules() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, e.view(k))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (e *entry) view(k core.RuleKey) Entry {
	return Entry{Key: k, Owner: e.owner, Rule: e.rule, Handle: e.handle, State: e.state, InstalledAt: e.installedAt}
}
