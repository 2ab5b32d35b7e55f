//go:build !linux

package capture

import (
	"context"
	"errors"

	"firestige.xyz/flowguard/internal/core"
)

// SourceConfig binds a capture interface to the device it belongs to.
type SourceConfig struct {
	Interface string
	Device    core.DeviceID
	SnapLen   int
}

// Source is unavailable on this platform.
type Source struct {
	cfg SourceConfig
}

// NewSource creates a Source.
func NewSource(cfg SourceConfig) *Source { return &Source{cfg: cfg} }

// Run always fails on non-linux platforms.
func (s *Source) Run(ctx context.Context, emit func(Event) error) error {
	return errors.New("live capture is only available on linux")
}
