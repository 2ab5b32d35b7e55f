//go:build linux

package nft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/google/nftables"
	"github.com/google/uuid"

	"firestige.xyz/flowguard/internal/core"
)

type deviceChain struct {
	table *nftables.Table
	chain *nftables.Chain
}

// Backend is an nftables EnforcementBackend and DeviceLister.
type Backend struct {
	mu     sync.Mutex
	conn   *nftables.Conn
	opts   Options
	chains map[core.DeviceID]deviceChain
	byName map[string]core.DeviceID
	closed bool
}

// New opens a netlink connection and prepares a table per device.
func New(opts Options) (*Backend, error) {
	opts.applyDefaults()
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create nftables connection: %w", err)
	}
	b := &Backend{
		conn:   conn,
		opts:   opts,
		chains: make(map[core.DeviceID]deviceChain),
		byName: make(map[string]core.DeviceID),
	}
	for _, d := range opts.Devices {
		b.byName[tableName(opts.TablePrefix, d)] = d
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range opts.Devices {
		b.ensure(d)
	}
	if err := b.conn.Flush(); err != nil {
		return nil, fmt.Errorf("%w: create tables: %w", core.ErrBackendUnavailable, err)
	}
	slog.Info("nftables backend ready", "devices", len(opts.Devices), "table_prefix", opts.TablePrefix)
	return b, nil
}

// ensure queues creation of device's table and chain. Caller holds mu and
// flushes.
func (b *Backend) ensure(device core.DeviceID) deviceChain {
	if dc, ok := b.chains[device]; ok {
		return dc
	}
	table := b.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyBridge,
		Name:   tableName(b.opts.TablePrefix, device),
	})
	chain := b.conn.AddChain(&nftables.Chain{
		Name:     b.opts.Chain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})
	dc := deviceChain{table: table, chain: chain}
	b.chains[device] = dc
	return dc
}

func (b *Backend) lookup(device core.DeviceID) (deviceChain, error) {
	if _, ok := b.byName[tableName(b.opts.TablePrefix, device)]; !ok {
		return deviceChain{}, fmt.Errorf("%w: %s", core.ErrUnknownDevice, device)
	}
	return b.ensure(device), nil
}

// Devices implements core.DeviceLister.
func (b *Backend) Devices(ctx context.Context) ([]core.DeviceID, error) {
	return append([]core.DeviceID(nil), b.opts.Devices...), nil
}

// Install implements core.EnforcementBackend.
func (b *Backend) Install(ctx context.Context, rule core.RuleDescription) (core.RuleHandle, error) {
	if err := rule.Validate(); err != nil {
		return "", err
	}
	exprs, err := toExprs(rule, b.opts.Verdicts)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)
	}

	cookie := uuid.NewString()
	ud, err := encodeUserData(cookie, rule)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", core.ErrClosed
	}

	dc, err := b.lookup(rule.Device)
	if err != nil {
		return "", err
	}
	b.conn.AddRule(&nftables.Rule{
		Table:    dc.table,
		Chain:    dc.chain,
		Exprs:    exprs,
		UserData: ud,
	})
	if err := b.conn.Flush(); err != nil {
		return "", fmt.Errorf("%w: add rule on %s: %w", core.ErrBackendUnavailable, rule.Device, err)
	}

	rules, err := b.conn.GetRules(dc.table, dc.chain)
	if err != nil {
		return "", fmt.Errorf("%w: read back rules on %s: %w", core.ErrBackendUnavailable, rule.Device, err)
	}
	for _, r := range rules {
		if got, ok := decodeUserData(r.UserData); ok && got.Cookie == cookie {
			return formatHandle(dc.table.Name, r.Handle), nil
		}
	}
	return "", fmt.Errorf("%w: installed rule not found on %s", core.ErrBackendUnavailable, rule.Device)
}

// Remove implements core.EnforcementBackend.
func (b *Backend) Remove(ctx context.Context, handle core.RuleHandle) error {
	table, h, err := parseHandle(handle)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrClosed
	}

	device, ok := b.byName[table]
	if !ok {
		return fmt.Errorf("%w: rule handle %s", core.ErrUnknownKey, handle)
	}
	dc := b.ensure(device)
	if err := b.conn.DelRule(&nftables.Rule{Table: dc.table, Chain: dc.chain, Handle: h}); err != nil {
		return fmt.Errorf("%w: delete rule %s: %w", core.ErrBackendUnavailable, handle, err)
	}
	if err := b.conn.Flush(); err != nil {
		if errors.Is(err, syscall.ENOENT) {
			return fmt.Errorf("%w: rule handle %s", core.ErrUnknownKey, handle)
		}
		return fmt.Errorf("%w: delete rule %s: %w", core.ErrBackendUnavailable, handle, err)
	}
	return nil
}

// RemoveAllByOwner implements core.EnforcementBackend.
func (b *Backend) RemoveAllByOwner(ctx context.Context, owner string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return core.ErrClosed
	}

	var errs []error
	for _, device := range b.opts.Devices {
		dc := b.ensure(device)
		rules, err := b.conn.GetRules(dc.table, dc.chain)
		if err != nil {
			errs = append(errs, fmt.Errorf("list rules on %s: %w", device, err))
			continue
		}
		n := 0
		for _, r := range rules {
			ud, ok := decodeUserData(r.UserData)
			if !ok || ud.Rule.Owner != owner {
				continue
			}
			if err := b.conn.DelRule(&nftables.Rule{Table: dc.table, Chain: dc.chain, Handle: r.Handle}); err != nil {
				errs = append(errs, fmt.Errorf("delete rule %d on %s: %w", r.Handle, device, err))
				continue
			}
			n++
		}
		if n == 0 {
			continue
		}
		if err := b.conn.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", device, err))
			continue
		}
		slog.Debug("removed owner rules", "device", device, "owner", owner, "count", n)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", core.ErrBackendUnavailable, err)
	}
	return nil
}

// ListActive implements core.EnforcementBackend. Rules not installed by
// this backend are described from their expressions, with the chain as table
// and the verdict as action.
func (b *Backend) ListActive(ctx context.Context, device core.DeviceID) ([]core.RuleDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, core.ErrClosed
	}

	dc, err := b.lookup(device)
	if err != nil {
		return nil, err
	}
	rules, err := b.conn.GetRules(dc.table, dc.chain)
	if err != nil {
		return nil, fmt.Errorf("%w: list rules on %s: %w", core.ErrBackendUnavailable, device, err)
	}

	out := make([]core.RuleDescription, 0, len(rules))
	for _, r := range rules {
		if ud, ok := decodeUserData(r.UserData); ok {
			out = append(out, ud.Rule)
			continue
		}
		match, verdict := fromExprs(r.Exprs)
		out = append(out, core.RuleDescription{
			Device: device,
			Table:  dc.chain.Name,
			Action: verdict,
			Match:  match,
		})
	}
	return out, nil
}

// Close releases the backend. Tables and the rules in them are left in
// place: owners sweep their own rules with RemoveAllByOwner before Close.
// Later calls fail with core.ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.chains = make(map[core.DeviceID]deviceChain)
	return nil
}

func formatHandle(table string, h uint64) core.RuleHandle {
	return core.RuleHandle(table + "/" + strconv.FormatUint(h, 10))
}

func parseHandle(handle core.RuleHandle) (string, uint64, error) {
	table, num, ok := strings.Cut(string(handle), "/")
	if !ok {
		return "", 0, fmt.Errorf("%w: malformed rule handle %q", core.ErrUnknownKey, handle)
	}
	h, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: malformed rule handle %q", core.ErrUnknownKey, handle)
	}
	return table, h, nil
}
