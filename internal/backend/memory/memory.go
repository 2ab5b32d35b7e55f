// Package memory is an in-process forwarding plane. It keeps installed
// rules in a map and is used for simulation, pcap replay and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"firestige.xyz/flowguard/internal/core"
)

type installed struct {
	seq  uint64
	rule core.RuleDescription
}

// Backend is an in-memory EnforcementBackend and DeviceLister.
type Backend struct {
	mu      sync.Mutex
	devices []core.DeviceID
	known   map[core.DeviceID]struct{}
	rules   map[core.RuleHandle]installed
	seq     uint64
}

// New creates a backend serving the given devices. With no devices every
// device id is accepted.
func New(devices ...core.DeviceID) *Backend {
	b := &Backend{
		devices: append([]core.DeviceID(nil), devices...),
		known:   make(map[core.DeviceID]struct{}, len(devices)),
		rules:   make(map[core.RuleHandle]installed),
	}
	for _, d := range devices {
		b.known[d] = struct{}{}
	}
	return b
}

// Devices implements core.DeviceLister.
func (b *Backend) Devices(ctx context.Context) ([]core.DeviceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]core.DeviceID(nil), b.devices...), nil
}

// Install implements core.EnforcementBackend.
func (b *Backend) Install(ctx context.Context, rule core.RuleDescription) (core.RuleHandle, error) {
	if err := rule.Validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.known) > 0 {
		if _, ok := b.known[rule.Device]; !ok {
			return "", fmt.Errorf("%w: %s", core.ErrUnknownDevice, rule.Device)
		}
	}
	h := core.RuleHandle(string(rule.Device) + "/" + uuid.NewString())
	b.seq++
	b.rules[h] = installed{seq: b.seq, rule: rule}
	return h, nil
}

// Remove implements core.EnforcementBackend.
func (b *Backend) Remove(ctx context.Context, handle core.RuleHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rules[handle]; !ok {
		return fmt.Errorf("%w: rule handle %s", core.ErrUnknownKey, handle)
	}
	delete(b.rules, handle)
	return nil
}

// RemoveAllByOwner implements core.EnforcementBackend.
func (b *Backend) RemoveAllByOwner(ctx context.Context, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, r := range b.rules {
		if r.rule.Owner == owner {
			delete(b.rules, h)
		}
	}
	return nil
}

// ListActive implements core.EnforcementBackend. Rules are returned in
// installation order.
func (b *Backend) ListActive(ctx context.Context, device core.DeviceID) ([]core.RuleDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var list []installed
	for _, r := range b.rules {
		if r.rule.Device == device {
			list = append(list, r)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]core.RuleDescription, len(list))
	for i, r := range list {
		out[i] = r.rule
	}
	return out, nil
}

// Len returns the number of installed rules across all devices.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rules)
}
