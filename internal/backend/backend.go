// Package backend holds helpers shared by the enforcement backends.
package backend

import (
	"context"
	"log/slog"
	"time"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/metrics"
)

// Instrumented wraps an EnforcementBackend with latency and error metrics
// and debug logging.
type Instrumented struct {
	name  string
	inner core.EnforcementBackend
}

// Instrument wraps b. name labels the metrics ("memory", "nftables").
func Instrument(name string, b core.EnforcementBackend) *Instrumented {
	return &Instrumented{name: name, inner: b}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	metrics.BackendLatencySeconds.WithLabelValues(i.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BackendErrorsTotal.WithLabelValues(i.name, op).Inc()
		slog.Debug("backend call failed", "backend", i.name, "op", op, "error", err)
	}
}

// Install implements core.EnforcementBackend.
func (i *Instrumented) Install(ctx context.Context, rule core.RuleDescription) (h core.RuleHandle, err error) {
	defer func(start time.Time) { i.observe("install", start, err) }(time.Now())
	return i.inner.Install(ctx, rule)
}

// Remove implements core.EnforcementBackend.
func (i *Instrumented) Remove(ctx context.Context, handle core.RuleHandle) (err error) {
	defer func(start time.Time) { i.observe("remove", start, err) }(time.Now())
	return i.inner.Remove(ctx, handle)
}

// RemoveAllByOwner implements core.EnforcementBackend.
func (i *Instrumented) RemoveAllByOwner(ctx context.Context, owner string) (err error) {
	defer func(start time.Time) { i.observe("remove_all", start, err) }(time.Now())
	return i.inner.RemoveAllByOwner(ctx, owner)
}

// ListActive implements core.EnforcementBackend.
func (i *Instrumented) ListActive(ctx context.Context, device core.DeviceID) (rules []core.RuleDescription, err error) {
	defer func(start time.Time) { i.observe("list", start, err) }(time.Now())
	return i.inner.ListActive(ctx, device)
}

// Unwrap returns the wrapped backend.
func (i *Instrumented) Unwrap() core.EnforcementBackend { return i.inner }
