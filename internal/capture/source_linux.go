//go:build linux

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/gopacket/afpacket"

	"firestige.xyz/flowguard/internal/core"
	"firestige.xyz/flowguard/internal/metrics"
)

const (
	defaultSnapLen   = 128
	defaultBlockSize = 1 << 20
	defaultNumBlocks = 16
)

// SourceConfig binds a capture interface to the device it belongs to.
type SourceConfig struct {
	Interface string
	Device    core.DeviceID
	SnapLen   int
}

// Source reads frames from an interface with AF_PACKET (TPACKET_V3) and
// emits monitored events.
type Source struct {
	cfg SourceConfig
}

// NewSource creates a Source.
func NewSource(cfg SourceConfig) *Source {
	if cfg.SnapLen <= 0 {
		cfg.SnapLen = defaultSnapLen
	}
	// Only headers are inspected; one ring frame is plenty.
	if cfg.SnapLen > afpacket.DefaultFrameSize {
		cfg.SnapLen = afpacket.DefaultFrameSize
	}
	return &Source{cfg: cfg}
}

// Run captures until ctx is cancelled, passing every monitored frame to
// emit. It owns the socket for its whole lifetime.
func (s *Source) Run(ctx context.Context, emit func(Event) error) error {
	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(s.cfg.Interface),
		afpacket.OptFrameSize(afpacket.DefaultFrameSize),
		afpacket.OptBlockSize(defaultBlockSize),
		afpacket.OptNumBlocks(defaultNumBlocks),
		afpacket.OptPollTimeout(100*time.Millisecond),
		afpacket.OptTPacketVersion(afpacket.TPacketVersion3),
	)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.Interface, err)
	}
	defer handle.Close()

	filter, err := assembleICMPFilter(s.cfg.SnapLen)
	if err != nil {
		return fmt.Errorf("assemble filter: %w", err)
	}
	if err := handle.SetBPF(filter); err != nil {
		return fmt.Errorf("attach filter on %s: %w", s.cfg.Interface, err)
	}

	slog.Info("capture started", "interface", s.cfg.Interface, "device", s.cfg.Device)

	classifier := NewClassifier()
	frames := metrics.CaptureFramesTotal.WithLabelValues(s.cfg.Interface, "icmp")
	other := metrics.CaptureFramesTotal.WithLabelValues(s.cfg.Interface, "other")
	dropped := metrics.CaptureFramesTotal.WithLabelValues(s.cfg.Interface, "dropped")

	// Direct read loop; data is only valid until the next read.
	for {
		select {
		case <-ctx.Done():
			slog.Info("capture stopped", "interface", s.cfg.Interface)
			return nil
		default:
		}

		data, ci, err := handle.ZeroCopyReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("capture stopped", "interface", s.cfg.Interface)
				return nil
			}
			// Poll timeout or EINTR.
			continue
		}

		src, dst, ok := classifier.Classify(data)
		if !ok {
			other.Inc()
			continue
		}
		frames.Inc()
		if err := emit(Event{
			Device:    s.cfg.Device,
			Src:       src,
			Dst:       dst,
			Interface: s.cfg.Interface,
			Timestamp: ci.Timestamp,
		}); err != nil {
			dropped.Inc()
			slog.Debug("event dropped", "interface", s.cfg.Interface, "error", err)
		}
	}
}
