//go:build linux

package nft

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/nftables/expr"

	"firestige.xyz/flowguard/internal/core"
)

// Verdict names accepted in the action map.
const (
	VerdictDrop   = "drop"
	VerdictAccept = "accept"
)

// layout locates a match field in the packet.
type layout struct {
	base   expr.PayloadBase
	offset uint32
	len    uint32
}

var layouts = map[string]layout{
	core.FieldEthDst:    {expr.PayloadBaseLLHeader, 0, 6},
	core.FieldEthSrc:    {expr.PayloadBaseLLHeader, 6, 6},
	core.FieldEtherType: {expr.PayloadBaseLLHeader, 12, 2},
	core.FieldIPv4Proto: {expr.PayloadBaseNetworkHeader, 9, 1},
}

// userData is stored with every rule we install so the description can be
// read back and owner sweeps find their rules.
type userData struct {
	Cookie string               `json:"cookie"`
	Rule   core.RuleDescription `json:"rule"`
}

func encodeUserData(cookie string, rule core.RuleDescription) ([]byte, error) {
	return json.Marshal(userData{Cookie: cookie, Rule: rule})
}

func decodeUserData(b []byte) (userData, bool) {
	var ud userData
	if len(b) == 0 || b[0] != '{' {
		return ud, false
	}
	if err := json.Unmarshal(b, &ud); err != nil || ud.Cookie == "" {
		return ud, false
	}
	return ud, true
}

// putUint writes the low n bytes of v big-endian.
func putUint(v uint64, n uint32) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append([]byte(nil), buf[8-n:]...)
}

func getUint(b []byte) uint64 {
	var buf [8]byte
	copy(buf[8-len(b):], b)
	return binary.BigEndian.Uint64(buf[:])
}

func fullMask(n uint32) uint64 {
	return (uint64(1) << (8 * n)) - 1
}

// toExprs translates rule into nftables expressions. actions maps the rule's
// action id to a verdict name.
func toExprs(rule core.RuleDescription, actions map[string]string) ([]expr.Any, error) {
	verdict, err := verdictFor(rule.Action, actions)
	if err != nil {
		return nil, err
	}

	match := append([]core.MatchField(nil), rule.Match...)
	// Link layer fields first so the ether type guards the network header.
	sort.SliceStable(match, func(i, j int) bool {
		li, lj := layouts[match[i].Field], layouts[match[j].Field]
		if li.base != lj.base {
			return li.base < lj.base
		}
		return li.offset > lj.offset
	})

	var exprs []expr.Any
	for _, m := range match {
		l, ok := layouts[m.Field]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported match field %s", core.ErrInvalidRule, m.Field)
		}
		mask := m.Mask & fullMask(l.len)
		if mask == 0 {
			continue
		}
		exprs = append(exprs, &expr.Payload{
			DestRegister: 1,
			Base:         l.base,
			Offset:       l.offset,
			Len:          l.len,
		})
		if mask != fullMask(l.len) {
			exprs = append(exprs, &expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            l.len,
				Mask:           putUint(mask, l.len),
				Xor:            make([]byte, l.len),
			})
		}
		exprs = append(exprs, &expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     putUint(m.Value&mask, l.len),
		})
	}

	exprs = append(exprs, &expr.Counter{}, &expr.Verdict{Kind: verdict})
	return exprs, nil
}

func verdictFor(action string, actions map[string]string) (expr.VerdictKind, error) {
	name, ok := actions[action]
	if !ok {
		// The bare verdict names are always understood.
		name = action
	}
	switch strings.ToLower(name) {
	case VerdictDrop:
		return expr.VerdictDrop, nil
	case VerdictAccept:
		return expr.VerdictAccept, nil
	default:
		return 0, fmt.Errorf("%w: no verdict for action %q", core.ErrInvalidRule, action)
	}
}

// fromExprs reconstructs match fields and verdict from expressions written
// by toExprs or by hand in the same shape. Unrecognised expressions are
// skipped.
func fromExprs(exprs []expr.Any) (match []core.MatchField, verdict string) {
	var (
		cur  *layout
		mask uint64
	)
	for _, e := range exprs {
		switch v := e.(type) {
		case *expr.Payload:
			l := layout{v.Base, v.Offset, v.Len}
			cur, mask = &l, fullMask(v.Len)
		case *expr.Bitwise:
			if cur != nil {
				mask = getUint(v.Mask)
			}
		case *expr.Cmp:
			if cur == nil || v.Op != expr.CmpOpEq {
				cur = nil
				continue
			}
			for field, l := range layouts {
				if l == *cur {
					match = append(match, core.MatchField{Field: field, Value: getUint(v.Data), Mask: mask})
					break
				}
			}
			cur = nil
		case *expr.Verdict:
			switch v.Kind {
			case expr.VerdictDrop:
				verdict = VerdictDrop
			case expr.VerdictAccept:
				verdict = VerdictAccept
			}
		}
	}
	return match, verdict
}
