package guard

import "firestige.xyz/flowguard/internal/core"

// Drop rule shape installed for a banned flow.
const (
	DropTable    = "ingress.table0_control.table0"
	DropAction   = "ingress.table0_control.drop"
	DropPriority = 50000
)

// DropRule builds the rule that drops IPv4 ICMP from key.Src to key.Dst on
// key.Device.
func DropRule(key core.FlowKey, owner string) core.RuleDescription {
	return core.RuleDescription{
		Device:   key.Device,
		Owner:    owner,
		Table:    DropTable,
		Action:   DropAction,
		Priority: DropPriority,
		Match: []core.MatchField{
			{Field: core.FieldEtherType, Value: core.EtherTypeIPv4, Mask: core.MaskEtherType},
			{Field: core.FieldIPv4Proto, Value: core.ProtoICMP, Mask: core.MaskProto},
			{Field: core.FieldEthSrc, Value: key.Src.Uint64(), Mask: core.MaskMAC},
			{Field: core.FieldEthDst, Value: key.Dst.Uint64(), Mask: core.MaskMAC},
		},
	}
}
