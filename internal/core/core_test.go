package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMACRoundTrip(t *testing.T) {
	m, err := ParseMAC("00:00:00:00:00:0A")
	require.NoError(t, err)
	assert.Equal(t, "00:00:00:00:00:0a", m.String())
	assert.Equal(t, uint64(0x0a), m.Uint64())
	assert.Equal(t, m, MACFromUint64(m.Uint64()))

	_, err = ParseMAC("00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01")
	assert.Error(t, err, "20-octet InfiniBand address is not a MAC")

	_, err = ParseMAC("not-a-mac")
	assert.Error(t, err)
}

func TestFlowKeyIsDirectional(t *testing.T) {
	a := MustParseMAC("00:00:00:00:00:01")
	b := MustParseMAC("00:00:00:00:00:02")

	fwd := FlowKey{Device: "device:s1", Src: a, Dst: b}
	rev := FlowKey{Device: "device:s1", Src: b, Dst: a}

	assert.NotEqual(t, fwd, rev)
	assert.NotEqual(t, fwd.String(), rev.String())

	m := map[FlowKey]int{fwd: 1}
	_, ok := m[FlowKey{Device: "device:s1", Src: a, Dst: b}]
	assert.True(t, ok, "equal keys must hash equally")
	_, ok = m[rev]
	assert.False(t, ok)
}

func TestRuleEqualIgnoresOrderAndOwner(t *testing.T) {
	base := RuleDescription{
		Device:   "device:s1",
		Owner:    "app-a",
		Table:    "ingress.table0_control.table0",
		Action:   "ingress.table0_control.drop",
		Priority: 50000,
		Match: []MatchField{
			{Field: FieldEtherType, Value: EtherTypeIPv4, Mask: MaskEtherType},
			{Field: FieldIPv4Proto, Value: ProtoICMP, Mask: MaskProto},
		},
	}
	reordered := base
	reordered.Owner = "app-b"
	reordered.Match = []MatchField{base.Match[1], base.Match[0]}

	assert.True(t, base.Equal(reordered))

	tests := []struct {
		name   string
		mutate func(r *RuleDescription)
	}{
		{"device", func(r *RuleDescription) { r.Device = "device:s2" }},
		{"table", func(r *RuleDescription) { r.Table = "other" }},
		{"action", func(r *RuleDescription) { r.Action = "ingress.table0_control.send_to_cpu" }},
		{"priority", func(r *RuleDescription) { r.Priority = 10 }},
		{"match value", func(r *RuleDescription) {
			r.Match = []MatchField{base.Match[0], {Field: FieldIPv4Proto, Value: ProtoTCP, Mask: MaskProto}}
		}},
		{"extra match", func(r *RuleDescription) {
			r.Match = append(append([]MatchField{}, base.Match...), MatchField{Field: FieldEthSrc, Value: 1, Mask: MaskMAC})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.mutate(&other)
			assert.False(t, base.Equal(other))
		})
	}
}

func TestRuleEqualComparesMaskedValues(t *testing.T) {
	a := RuleDescription{Device: "d", Table: "t", Action: "a",
		Match: []MatchField{{Field: FieldIPv4Proto, Value: 0x101, Mask: 0xff}}}
	b := RuleDescription{Device: "d", Table: "t", Action: "a",
		Match: []MatchField{{Field: FieldIPv4Proto, Value: 0x001, Mask: 0xff}}}
	assert.True(t, a.Equal(b))
}

func TestRuleValidate(t *testing.T) {
	ok := RuleDescription{Device: "d", Table: "t", Action: "a"}
	assert.NoError(t, ok.Validate())

	for _, r := range []RuleDescription{
		{Table: "t", Action: "a"},
		{Device: "d", Action: "a"},
		{Device: "d", Table: "t"},
	} {
		assert.ErrorIs(t, r.Validate(), ErrInvalidRule)
	}
}

func TestSentinelErrorsWrap(t *testing.T) {
	err := fmt.Errorf("install on device:s1: %w", ErrBackendUnavailable)
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
	assert.False(t, errors.Is(err, ErrDuplicateRule))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "allow", VerdictAllow.String())
	assert.Equal(t, "block", VerdictBlock.String())
	assert.Equal(t, "unknown", Verdict(9).String())
}

func TestFlowKeyJSON(t *testing.T) {
	k := FlowKey{Device: "device:s1", Src: MustParseMAC("00:00:00:00:00:01"), Dst: MustParseMAC("00:00:00:00:00:02")}
	b, err := json.Marshal(k)
	require.NoError(t, err)
	assert.JSONEq(t, `{"device":"device:s1","src":"00:00:00:00:00:01","dst":"00:00:00:00:00:02"}`, string(b))

	var back FlowKey
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, k, back)
}
