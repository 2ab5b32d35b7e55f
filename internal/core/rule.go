package core

import (
	"fmt"
	"sort"
	"strings"
)

// Match field identifiers understood by the forwarding pipeline.
const (
	FieldEtherType = "hdr.ethernet.ether_type"
	FieldEthSrc    = "hdr.ethernet.src_addr"
	FieldEthDst    = "hdr.ethernet.dst_addr"
	FieldIPv4Proto = "hdr.ipv4.protocol"
)

// Well-known header values.
const (
	EtherTypeIPv4 = 0x0800
	ProtoICMP     = 1
	ProtoTCP      = 6
	ProtoUDP      = 17

	MaskEtherType = 0xffff
	MaskProto     = 0xff
	MaskMAC       = 0xffffffffffff
)

// MatchField is a ternary match on one header field: (packet & Mask) == Value.
type MatchField struct {
	Field string `json:"field" yaml:"field"`
	Value uint64 `json:"value" yaml:"value"`
	Mask  uint64 `json:"mask" yaml:"mask"`
}

func (f MatchField) String() string {
	return fmt.Sprintf("%s=0x%x/0x%x", f.Field, f.Value, f.Mask)
}

// RuleHandle is the opaque token a backend issues for an installed rule.
type RuleHandle string

// RuleDescription describes a match/action rule for one device.
type RuleDescription struct {
	Device   DeviceID          `json:"device"`
	Owner    string            `json:"owner"`
	Table    string            `json:"table"`
	Action   string            `json:"action"`
	Priority int               `json:"priority"`
	Match    []MatchField      `json:"match"`
	Params   map[string]string `json:"params,omitempty"`
}

// Validate reports whether the description can be installed.
func (r RuleDescription) Validate() error {
	if r.Device == "" {
		return fmt.Errorf("%w: device is required", ErrInvalidRule)
	}
	if r.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidRule)
	}
	if r.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidRule)
	}
	return nil
}

// Equal reports whether two rules are semantically identical: same device,
// table, action, priority and match set. Match order and ownership are not
// significant.
func (r RuleDescription) Equal(o RuleDescription) bool {
	return r.Fingerprint() == o.Fingerprint()
}

// Fingerprint returns a canonical string over the fields compared by Equal.
func (r RuleDescription) Fingerprint() string {
	fields := make([]string, len(r.Match))
	for i, m := range r.Match {
		fields[i] = MatchField{Field: m.Field, Value: m.Value & m.Mask, Mask: m.Mask}.String()
	}
	sort.Strings(fields)
	return fmt.Sprintf("%s|%s|%s|%d|%s", r.Device, r.Table, r.Action, r.Priority, strings.Join(fields, ","))
}

// Lookup returns the match on field, if present.
func (r RuleDescription) Lookup(field string) (MatchField, bool) {
	for _, m := range r.Match {
		if m.Field == field {
			return m, true
		}
	}
	return MatchField{}, false
}

func (r RuleDescription) String() string {
	return fmt.Sprintf("rule{device=%s table=%s action=%s prio=%d match=%v}",
		r.Device, r.Table, r.Action, r.Priority, r.Match)
}
