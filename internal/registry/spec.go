package registry

import (
	"fmt"
	"strings"

	"firestige.xyz/flowguard/internal/core"
)

// DefaultPriority is used when a RuleSpec carries none.
const DefaultPriority = 50000

// RuleSpec is an application's request for a rule, independent of device.
type RuleSpec struct {
	// Match selects the IPv4 protocol: "icmp" (default), "tcp" or "udp".
	Match    string `json:"match" yaml:"match"`
	Table    string `json:"table" yaml:"table"`
	Action   string `json:"action" yaml:"action"`
	Param    string `json:"param,omitempty" yaml:"param,omitempty"`
	Priority int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

func protocol(match string) (uint64, error) {
	switch strings.ToLower(strings.TrimSpace(match)) {
	case "", "icmp":
		return core.ProtoICMP, nil
	case "tcp":
		return core.ProtoTCP, nil
	case "udp":
		return core.ProtoUDP, nil
	default:
		return 0, fmt.Errorf("%w: unsupported match %q", core.ErrInvalidRule, match)
	}
}

// Build returns the concrete rule for device.
func (s RuleSpec) Build(device core.DeviceID, owner string) (core.RuleDescription, error) {
	proto, err := protocol(s.Match)
	if err != nil {
		return core.RuleDescription{}, err
	}
	prio := s.Priority
	if prio == 0 {
		prio = DefaultPriority
	}
	rule := core.RuleDescription{
		Device:   device,
		Owner:    owner,
		Table:    s.Table,
		Action:   s.Action,
		Priority: prio,
		Match: []core.MatchField{
			{Field: core.FieldEtherType, Value: core.EtherTypeIPv4, Mask: core.MaskEtherType},
			{Field: core.FieldIPv4Proto, Value: proto, Mask: core.MaskProto},
		},
	}
	if s.Param != "" {
		rule.Params = map[string]string{"param": s.Param}
	}
	return rule, rule.Validate()
}
