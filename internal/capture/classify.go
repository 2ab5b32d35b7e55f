// Package capture turns captured frames into monitored events: IPv4 ICMP
// between two Ethernet endpoints on a forwarding device.
package capture

import (
	"context"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/flowguard/internal/core"
)

// Event is one monitored occurrence.
type Event struct {
	Device    core.DeviceID
	Src       core.MAC
	Dst       core.MAC
	Interface string
	Timestamp time.Time
}

// Key returns the flow key of the event.
func (e Event) Key() core.FlowKey {
	return core.FlowKey{Device: e.Device, Src: e.Src, Dst: e.Dst}
}

// Handler evaluates monitored events. *guard.Guard satisfies it.
type Handler interface {
	OnEvent(ctx context.Context, device core.DeviceID, src, dst core.MAC) core.Verdict
}

// Classifier recognises monitored frames. It reuses decoding state and is
// not safe for concurrent use; use one per capture goroutine.
type Classifier struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewClassifier creates a Classifier.
func NewClassifier() *Classifier {
	c := &Classifier{decoded: make([]gopacket.LayerType, 0, 4)}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &c.eth, &c.ip4)
	c.parser.IgnoreUnsupported = true
	return c
}

// Classify reports whether frame is an untagged IPv4 ICMP frame and, if so,
// its Ethernet source and destination.
func (c *Classifier) Classify(frame []byte) (src, dst core.MAC, ok bool) {
	if err := c.parser.DecodeLayers(frame, &c.decoded); err != nil {
		return src, dst, false
	}
	var sawIPv4 bool
	for _, lt := range c.decoded {
		if lt == layers.LayerTypeIPv4 {
			sawIPv4 = true
		}
	}
	if !sawIPv4 || c.eth.EthernetType != layers.EthernetTypeIPv4 || c.ip4.Protocol != layers.IPProtocolICMPv4 {
		return src, dst, false
	}
	copy(src[:], c.eth.SrcMAC)
	copy(dst[:], c.eth.DstMAC)
	return src, dst, true
}

// Classify is a convenience wrapper around a fresh Classifier.
func Classify(frame []byte) (src, dst core.MAC, ok bool) {
	return NewClassifier().Classify(frame)
}
