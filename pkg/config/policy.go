package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/warden/pkg/breaker"
	"github.com/Mindburn-Labs/warden/pkg/budget"
	"github.com/Mindburn-Labs/warden/pkg/retry"
	"github.com/Mindburn-Labs/warden/pkg/safety"
	"github.com/Mindburn-Labs/warden/pkg/session"
)

// Policy is the optional YAML overlay named by POLICY_FILE. Absent sections
// keep the env or built-in defaults.
type Policy struct {
	Limits      []budget.Limit  `yaml:"limits"`
	Breaker     *breaker.Config `yaml:"breaker"`
	Memory      *session.Bounds `yaml:"memory"`
	Retry       *retry.Policy   `yaml:"retry"`
	SafetyRules []safety.Rule   `yaml:"safety_rules"`
	LeakMarkers []string        `yaml:"leak_markers"`
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a policy document. Unknown keys are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every section that is present.
func (p *Policy) Validate() error {
	var errs []error
	seen := make(map[budget.LedgerKind]bool, len(p.Limits))
	for _, l := range p.Limits {
		if err := l.Validate(); err != nil {
			errs = append(errs, err)
		}
		if seen[l.Ledger] {
			errs = append(errs, fmt.Errorf("policy: ledger %q declared twice", l.Ledger))
		}
		seen[l.Ledger] = true
	}
	if p.Breaker != nil {
		if err := p.Breaker.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if m := p.Memory; m != nil {
		if m.Min >= m.Max {
			errs = append(errs, errors.New("policy: memory min must be below max"))
		}
		if m.MaxStep <= 0 {
			errs = append(errs, errors.New("policy: memory max_step must be positive"))
		}
		if m.MaxHypotheses < 0 {
			errs = append(errs, errors.New("policy: memory max_hypotheses must not be negative"))
		}
	}
	if r := p.Retry; r != nil {
		if r.MaxAttempts < 1 || r.Base <= 0 || r.Max < r.Base {
			errs = append(errs, errors.New("policy: retry needs max_attempts >= 1 and 0 < base <= max"))
		}
	}
	for i, r := range p.SafetyRules {
		if r.Name == "" || r.Expr == "" || r.Reason == "" {
			errs = append(errs, fmt.Errorf("policy: safety rule %d needs name, expr and reason", i))
		}
	}
	return errors.Join(errs...)
}

// Apply overlays the policy onto cfg-derived settings.
func (p *Policy) Apply(limits []budget.Limit, br breaker.Config, bounds session.Bounds) ([]budget.Limit, breaker.Config, session.Bounds) {
	if p == nil {
		return limits, br, bounds
	}
	if len(p.Limits) > 0 {
		limits = append([]budget.Limit(nil), p.Limits...)
	}
	if p.Breaker != nil {
		br = *p.Breaker
	}
	if p.Memory != nil {
		bounds = *p.Memory
	}
	return limits, br, bounds
}
