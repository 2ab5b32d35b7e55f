//go:build !linux

package nft

import (
	"context"
	"errors"

	"firestige.xyz/flowguard/internal/core"
)

var errUnsupported = errors.New("nftables backend is only available on linux")

// Backend is unavailable on this platform.
type Backend struct{}

// New always fails on non-linux platforms.
func New(opts Options) (*Backend, error) { return nil, errUnsupported }

func (b *Backend) Devices(ctx context.Context) ([]core.DeviceID, error) { return nil, errUnsupported }

func (b *Backend) Install(ctx context.Context, rule core.RuleDescription) (core.RuleHandle, error) {
	return "", errUnsupported
}

func (b *Backend) Remove(ctx context.Context, handle core.RuleHandle) error { return errUnsupported }

func (b *Backend) RemoveAllByOwner(ctx context.Context, owner string) error { return errUnsupported }

func (b *Backend) ListActive(ctx context.Context, device core.DeviceID) ([]core.RuleDescription, error) {
	return nil, errUnsupported
}

func (b *Backend) Close() error { return nil }
