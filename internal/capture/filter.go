package capture

import "golang.org/x/net/bpf"

// icmpFilter is the kernel filter for capture sockets. It admits untagged
// IPv4 frames carrying ICMP, truncated to snapLen.
func icmpFilter(snapLen int) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0x0800, SkipTrue: 3},
		bpf.LoadAbsolute{Off: 23, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 1, SkipTrue: 1},
		bpf.RetConstant{Val: uint32(snapLen)},
		bpf.RetConstant{Val: 0},
	}
}

// assembleICMPFilter returns icmpFilter in raw form for SO_ATTACH_FILTER.
func assembleICMPFilter(snapLen int) ([]bpf.RawInstruction, error) {
	return bpf.Assemble(icmpFilter(snapLen))
}
