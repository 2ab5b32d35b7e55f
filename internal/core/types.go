// Package core defines core types with zero external dependencies.
package core

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DeviceID identifies a forwarding device (e.g. "device:s1").
type DeviceID string

// MAC is a 48-bit Ethernet address. Value type, usable as a map key.
type MAC [6]byte

// ParseMAC parses a textual MAC address (aa:bb:cc:dd:ee:ff and the other
// forms accepted by net.ParseMAC, restricted to 48 bits).
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("not a 48-bit MAC address: %s", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MustParseMAC is ParseMAC for constants and tests; it panics on error.
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

// String returns the colon separated lower-case form.
func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// MarshalText implements encoding.TextMarshaler.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Uint64 returns the address as the low 48 bits of an integer.
func (m MAC) Uint64() uint64 {
	var buf [8]byte
	copy(buf[2:], m[:])
	return binary.BigEndian.Uint64(buf[:])
}

// MACFromUint64 is the inverse of MAC.Uint64.
func MACFromUint64(v uint64) MAC {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	var m MAC
	copy(m[:], buf[2:])
	return m
}

// FlowKey identifies a monitored flow: device plus directional endpoint pair.
// (src, dst) and (dst, src) are different keys.
type FlowKey struct {
	Device DeviceID `json:"device"`
	Src    MAC      `json:"src"`
	Dst    MAC      `json:"dst"`
}

// String returns a stable textual form, used for shard hashing and logging.
func (k FlowKey) String() string {
	return string(k.Device) + "/" + k.Src.String() + ">" + k.Dst.String()
}

// RuleKey identifies a registry entry: an application rule id on one device.
type RuleKey struct {
	Device DeviceID `json:"device"`
	RuleID string   `json:"rule_id"`
}

func (k RuleKey) String() string {
	return string(k.Device) + "/" + k.RuleID
}

// Verdict tells the event source what to do with the triggering packet.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictBlock:
		return "block"
	default:
		return "unknown"
	}
}
