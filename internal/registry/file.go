package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"firestige.xyz/flowguard/internal/core"
)

// rulesFile is the on-disk layout of a static rules file:
//
//	rules:
//	  - rule_id: no-icmp
//	    owner: ops
//	    devices: [device:s1]
//	    match: icmp
//	    table: ingress.table0_control.table0
//	    action: ingress.table0_control.drop
type rulesFile struct {
	Rules []fileRule `yaml:"rules"`
}

type fileRule struct {
	RuleID  string          `yaml:"rule_id"`
	Owner   string          `yaml:"owner,omitempty"`
	Devices []core.DeviceID `yaml:"devices,omitempty"`
	Spec    RuleSpec        `yaml:",inline"`
}

// LoadFile reads a static rules file.
func LoadFile(path string) ([]RuleRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	reqs, err := ParseRules(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reqs, nil
}

// ParseRules decodes a rules document. Unknown keys, missing ids and ids
// listed twice are errors.
func ParseRules(r io.Reader) ([]RuleRequest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc rulesFile
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidRule, err)
	}

	seen := make(map[string]bool, len(doc.Rules))
	reqs := make([]RuleRequest, 0, len(doc.Rules))
	for i, fr := range doc.Rules {
		if fr.RuleID == "" {
			return nil, fmt.Errorf("%w: rule %d has no rule_id", core.ErrInvalidRule, i)
		}
		if seen[fr.RuleID] {
			return nil, fmt.Errorf("%w: rule_id %q listed twice", core.ErrInvalidRule, fr.RuleID)
		}
		seen[fr.RuleID] = true
		if _, err := fr.Spec.Build("-", fr.Owner); err != nil {
			return nil, fmt.Errorf("rule %q: %w", fr.RuleID, err)
		}
		reqs = append(reqs, RuleRequest{Owner: fr.Owner, RuleID: fr.RuleID, Devices: fr.Devices, Spec: fr.Spec})
	}
	return reqs, nil
}

// Apply adds every request. Failures are logged and joined; a failing rule
// does not stop the others.
func (r *Registry) Apply(ctx context.Context, reqs []RuleRequest) error {
	var errs []error
	for _, req := range reqs {
		report, err := r.AddRule(ctx, req)
		if err != nil {
			slog.Warn("static rule not fully installed", "rule_id", req.RuleID, "error", err)
			errs = append(errs, err)
			continue
		}
		slog.Info("static rule applied", "rule_id", req.RuleID,
			"installed", report.Count(OutcomeInstalled),
			"existing", report.Count(OutcomeRuleExists)+report.Count(OutcomeDuplicateID))
	}
	return errors.Join(errs...)
}
