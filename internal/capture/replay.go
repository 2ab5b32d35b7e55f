package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/flowguard/internal/core"
)

// Clock is a virtual clock replay moves to each packet's timestamp.
// *scheduler.ManualScheduler satisfies it.
type Clock interface {
	AdvanceTo(t time.Time)
}

// ReplayStats summarises a replay.
type ReplayStats struct {
	Frames  int       `json:"frames"`
	Events  int       `json:"events"`
	Allowed int       `json:"allowed"`
	Blocked int       `json:"blocked"`
	First   time.Time `json:"first"`
	Last    time.Time `json:"last"`
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

func openCapture(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// Replay feeds every monitored frame of a pcap or pcapng stream to h as if
// captured on device, moving clock to each packet's timestamp first so
// decays and expiries fire on capture time.
func Replay(ctx context.Context, r io.Reader, device core.DeviceID, clock Clock, h Handler) (ReplayStats, error) {
	var stats ReplayStats
	pr, err := openCapture(r)
	if err != nil {
		return stats, err
	}

	classifier := NewClassifier()
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("read packet %d: %w", stats.Frames+1, err)
		}

		stats.Frames++
		if stats.First.IsZero() {
			stats.First = ci.Timestamp
		}
		stats.Last = ci.Timestamp
		if clock != nil {
			clock.AdvanceTo(ci.Timestamp)
		}

		src, dst, ok := classifier.Classify(data)
		if !ok {
			continue
		}
		stats.Events++
		if h.OnEvent(ctx, device, src, dst) == core.VerdictBlock {
			stats.Blocked++
		} else {
			stats.Allowed++
		}
	}
}
