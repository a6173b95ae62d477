// Package config reads reform scenarios: the rules, constraints and
// objectives of a solve, declared in YAML.
package config

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"

	"github.com/taxsolver/taxsolver/pkg/constraints"
	"github.com/taxsolver/taxsolver/pkg/lp"
	"github.com/taxsolver/taxsolver/pkg/objective"
	"github.com/taxsolver/taxsolver/pkg/rules"
)

// RuleDefaults fills the fields a rule entry leaves out.
type RuleDefaults struct {
	Lower  *float64 `yaml:"lower,omitempty"`
	Upper  *float64 `yaml:"upper,omitempty"`
	Weight *float64 `yaml:"weight,omitempty"`
}

// RuleConfig is the YAML form of a rule.
type RuleConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	Attribute string `yaml:"attribute"`
	GroupBy   string `yaml:"groupBy,omitempty"`

	// Lower and Upper default to [0, 1] for Flat and Bracket rules and to
	// [0, +inf) for benefits. Switchable benefits need an explicit upper.
	Lower  *float64 `yaml:"lower,omitempty"`
	Upper  *float64 `yaml:"upper,omitempty"`
	Weight *float64 `yaml:"weight,omitempty"`

	Switchable       bool   `yaml:"switchable,omitempty"`
	MarginalPressure bool   `yaml:"marginalPressure,omitempty"`
	ScaleBy          string `yaml:"scaleBy,omitempty"`

	Points          []float64 `yaml:"points,omitempty"`
	Ascending       bool      `yaml:"ascending,omitempty"`
	MaxBrackets     int       `yaml:"maxBrackets,omitempty"`
	LastBracketZero bool      `yaml:"lastBracketZero,omitempty"`
}

// RuleList decodes from a YAML sequence of rules or from a mapping of rule
// name to rule. Mapping entries are taken in sorted key order.
type RuleList []RuleConfig

func (l *RuleList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var items []RuleConfig
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	case yaml.MappingNode:
		var entries map[string]RuleConfig
		if err := node.Decode(&entries); err != nil {
			return err
		}
		keys := make([]string, 0, len(entries))
		for k := range entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(RuleList, 0, len(keys))
		for _, key := range keys {
			r := entries[key]
			if r.Name == "" {
				r.Name = key
			}
			if r.Name != key {
				return fmt.Errorf("rule entry %q is named %q", key, r.Name)
			}
			out = append(out, r)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("line %d: rules must be a sequence or a mapping", node.Line)
	}
}

// ConstraintConfig is the YAML form of a constraint.
type ConstraintConfig struct {
	Type       string   `yaml:"type"`
	Label      string   `yaml:"label,omitempty"`
	Households []string `yaml:"households,omitempty"`
	Tolerance  float64  `yaml:"tolerance,omitempty"`
	// Lower and Upper default to an open side.
	Lower     *float64 `yaml:"lower,omitempty"`
	Upper     *float64 `yaml:"upper,omitempty"`
	Limit     float64  `yaml:"limit,omitempty"`
	Variables []string `yaml:"variables,omitempty"`
	Rate      float64  `yaml:"rate,omitempty"`
	// Elasticity of BehavioralEffects. Left out, each household's
	// "elasticity" attribute applies.
	Elasticity *float64 `yaml:"elasticity,omitempty"`
}

// ObjectiveConfig is the YAML form of an objective term.
type ObjectiveConfig struct {
	Kind      string   `yaml:"kind"`
	Label     string   `yaml:"label,omitempty"`
	Variables []string `yaml:"variables,omitempty"`
	// Sense is "minimize" (default) or "maximize".
	Sense  string   `yaml:"sense,omitempty"`
	Weight *float64 `yaml:"weight,omitempty"`
	// Priority orders terms; higher priorities are optimized first and kept
	// within Tolerance of their optimum.
	Priority  int     `yaml:"priority,omitempty"`
	Tolerance float64 `yaml:"tolerance,omitempty"`
}

// Scenario is a complete reform declaration.
type Scenario struct {
	Name        string             `yaml:"name,omitempty"`
	Defaults    RuleDefaults       `yaml:"defaults,omitempty"`
	Rules       RuleList           `yaml:"rules"`
	Constraints []ConstraintConfig `yaml:"constraints,omitempty"`
	Objectives  []ObjectiveConfig  `yaml:"objectives,omitempty"`
}

// Specs are the registrable forms of a scenario.
type Specs struct {
	Rules       []rules.Spec
	Constraints []constraints.Spec
	Objectives  []objective.Spec
}

// ParseScenario decodes and validates a YAML scenario. Unknown fields are
// rejected.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadScenario reads and parses the scenario file at path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	return ParseScenario(data)
}

// Validate checks for invalid configuration values.
func (s *Scenario) Validate() error {
	if len(s.Rules) == 0 {
		return fmt.Errorf("scenario %q declares no rules", s.Name)
	}
	_, err := s.Specs()
	return err
}

// Specs converts the scenario into specs in declaration order. Defaults are
// merged into rules that leave a field out.
func (s *Scenario) Specs() (*Specs, error) {
	out := &Specs{}
	names := make(map[string]struct{}, len(s.Rules))
	for _, r := range s.Rules {
		if _, dup := names[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %q", r.Name)
		}
		names[r.Name] = struct{}{}
		spec, err := s.ruleSpec(r)
		if err != nil {
			return nil, err
		}
		out.Rules = append(out.Rules, spec)
	}

	labels := make(map[string]struct{}, len(s.Constraints))
	for i, c := range s.Constraints {
		spec, err := constraintSpec(c)
		if err != nil {
			return nil, fmt.Errorf("constraint %d: %w", i, err)
		}
		if _, dup := labels[spec.Label]; dup {
			return nil, fmt.Errorf("duplicate constraint label %q", spec.Label)
		}
		labels[spec.Label] = struct{}{}
		out.Constraints = append(out.Constraints, spec)
	}

	for i, o := range s.Objectives {
		spec, err := objectiveSpec(o)
		if err != nil {
			return nil, fmt.Errorf("objective %d: %w", i, err)
		}
		out.Objectives = append(out.Objectives, spec)
	}
	if err := objective.Validate(out.Objectives); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Scenario) ruleSpec(r RuleConfig) (rules.Spec, error) {
	typ, err := rules.ParseType(r.Type)
	if err != nil {
		return rules.Spec{}, fmt.Errorf("rule %q: %w", r.Name, err)
	}
	upper := 1.0
	if typ.IsBenefit() {
		upper = math.Inf(1)
	}
	spec := rules.Spec{
		Type:             typ,
		Name:             r.Name,
		Attribute:        r.Attribute,
		GroupBy:          r.GroupBy,
		Lower:            ptr.Deref(r.Lower, ptr.Deref(s.Defaults.Lower, 0)),
		Upper:            ptr.Deref(r.Upper, ptr.Deref(s.Defaults.Upper, upper)),
		Weight:           ptr.Deref(r.Weight, ptr.Deref(s.Defaults.Weight, 0)),
		Switchable:       r.Switchable,
		MarginalPressure: r.MarginalPressure,
		ScaleBy:          r.ScaleBy,
		InflectionPoints: r.Points,
		Ascending:        r.Ascending,
		MaxBrackets:      r.MaxBrackets,
		LastBracketZero:  r.LastBracketZero,
	}
	if err := spec.Validate(); err != nil {
		return rules.Spec{}, err
	}
	return spec, nil
}

func constraintSpec(c ConstraintConfig) (constraints.Spec, error) {
	typ, err := constraints.ParseType(c.Type)
	if err != nil {
		return constraints.Spec{}, err
	}
	var spec constraints.Spec
	lower := ptr.Deref(c.Lower, math.Inf(-1))
	upper := ptr.Deref(c.Upper, math.Inf(1))
	switch typ {
	case constraints.Income:
		spec = constraints.NewIncome(c.Tolerance, c.Households...)
	case constraints.Budget:
		spec = constraints.NewBudget(c.Label, lower, upper, c.Households...)
	case constraints.MarginalPressure:
		spec = constraints.NewMarginalPressure(c.Label, c.Limit, c.Households...)
	case constraints.FixRate:
		if len(c.Variables) != 1 {
			return constraints.Spec{}, fmt.Errorf("FixRate needs exactly one variable, got %d", len(c.Variables))
		}
		spec = constraints.NewFixRate(c.Variables[0], c.Rate)
	case constraints.ForceActive:
		spec = constraints.NewForceActive(c.Variables...)
	case constraints.MutuallyExclusive:
		spec = constraints.NewMutuallyExclusive(c.Label, c.Variables...)
	case constraints.BehavioralEffects:
		spec = constraints.NewBehavioralEffects(c.Elasticity, c.Households...)
	}
	if c.Label != "" {
		spec.Label = c.Label
	}
	if err := spec.Validate(); err != nil {
		return constraints.Spec{}, err
	}
	return spec, nil
}

func objectiveSpec(o ObjectiveConfig) (objective.Spec, error) {
	kind, err := objective.ParseKind(o.Kind)
	if err != nil {
		return objective.Spec{}, err
	}
	sense := lp.Minimize
	switch strings.ToLower(o.Sense) {
	case "", "minimize", "min":
	case "maximize", "max":
		sense = lp.Maximize
	default:
		return objective.Spec{}, fmt.Errorf("unsupported objective sense %q", o.Sense)
	}
	return objective.Spec{
		Kind:      kind,
		Label:     o.Label,
		Names:     o.Variables,
		Sense:     sense,
		Weight:    ptr.Deref(o.Weight, 1),
		Priority:  o.Priority,
		Tolerance: o.Tolerance,
	}, nil
}
