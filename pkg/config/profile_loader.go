package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/governance"
)

// SupportedProfileVersions is the schema_version range this build reads.
const SupportedProfileVersions = "^1.0"

const profileSchemaURL = "https://squadbooks.schemas.local/config/policy_profile.schema.json"

//go:embed policy_profile.schema.json
var profileSchema string

// PolicyProfile is a YAML file of association governance policies.
type PolicyProfile struct {
	SchemaVersion string         `yaml:"schema_version" json:"schema_version"`
	Fallback      *PolicyConfig  `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	Associations  []PolicyConfig `yaml:"associations,omitempty" json:"associations,omitempty"`
	Source        string         `yaml:"-" json:"-"`
}

// PolicyConfig is one association's policy as written in a profile.
type PolicyConfig struct {
	ID                          string                `yaml:"id,omitempty" json:"id,omitempty"`
	RequiresAssociationApproval bool                  `yaml:"requires_association_approval" json:"requires_association_approval"`
	Ceiling                     Amount                `yaml:"ceiling,omitempty" json:"ceiling,omitempty"`
	Quorum                      *QuorumConfig         `yaml:"quorum,omitempty" json:"quorum,omitempty"`
	SignOffRule                 string                `yaml:"sign_off_rule,omitempty" json:"sign_off_rule,omitempty"`
	MinimumInterest             *int                  `yaml:"minimum_interest,omitempty" json:"minimum_interest,omitempty"`
	Tiers                       map[string]TierConfig `yaml:"tiers,omitempty" json:"tiers,omitempty"`
}

// QuorumConfig is a quorum rule as written in a profile.
type QuorumConfig struct {
	Mode  string `yaml:"mode" json:"mode"`
	Value Amount `yaml:"value" json:"value"`
}

// TierConfig overrides a policy for one competitive tier.
type TierConfig struct {
	Ceiling     Amount        `yaml:"ceiling,omitempty" json:"ceiling,omitempty"`
	Quorum      *QuorumConfig `yaml:"quorum,omitempty" json:"quorum,omitempty"`
	SignOffRule string        `yaml:"sign_off_rule,omitempty" json:"sign_off_rule,omitempty"`
}

// Amount keeps a YAML scalar verbatim so money never passes through float64.
type Amount string

func (a *Amount) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", n.Line)
	}
	*a = Amount(n.Value)
	return nil
}

func (a Amount) decimal(field string) (decimal.Decimal, error) {
	if a == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(string(a))
	if err != nil {
		return decimal.Zero, &contracts.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a decimal amount", string(a))}
	}
	return d, nil
}

// LoadProfile reads, schema-validates and version-checks a policy profile.
func LoadProfile(path string) (*PolicyProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("policy profile %s: %w", path, err)
	}
	p.Source = path
	return p, nil
}

// LoadAllProfiles loads every *.yaml profile in dir, in name order.
func LoadAllProfiles(dir string) ([]*PolicyProfile, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	out := make([]*PolicyProfile, 0, len(matches))
	for _, path := range matches {
		p, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ParseProfile decodes a YAML profile.
func ParseProfile(data []byte) (*PolicyProfile, error) {
	if err := validateAgainstSchema(data); err != nil {
		return nil, err
	}

	var p PolicyProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := checkSchemaVersion(p.SchemaVersion); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(p.Associations))
	for _, a := range p.Associations {
		if seen[a.ID] {
			return nil, fmt.Errorf("association %q is configured twice", a.ID)
		}
		seen[a.ID] = true
	}
	return &p, nil
}

func validateAgainstSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("profile is not representable as JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return fmt.Errorf("profile is not representable as JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(profileSchemaURL, strings.NewReader(profileSchema)); err != nil {
		return fmt.Errorf("profile schema load failed: %w", err)
	}
	schema, err := c.Compile(profileSchemaURL)
	if err != nil {
		return fmt.Errorf("profile schema compile failed: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("profile does not match schema: %w", err)
	}
	return nil
}

func checkSchemaVersion(v string) error {
	version, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("invalid schema_version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedProfileVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(version) {
		return fmt.Errorf("schema_version %s is not supported (want %s)", version, SupportedProfileVersions)
	}
	return nil
}

// Policies converts the profile into governance policies. The fallback is
// nil when the profile does not set one.
func (p *PolicyProfile) Policies() ([]governance.Policy, *governance.Policy, error) {
	var fallback *governance.Policy
	if p.Fallback != nil {
		fb, err := p.Fallback.policy("fallback")
		if err != nil {
			return nil, nil, err
		}
		fallback = &fb
	}
	out := make([]governance.Policy, 0, len(p.Associations))
	for i, a := range p.Associations {
		pol, err := a.policy(fmt.Sprintf("associations[%d]", i))
		if err != nil {
			return nil, nil, err
		}
		out = append(out, pol)
	}
	return out, fallback, nil
}

// Apply validates every policy, compiles every sign-off rule with check and
// installs the result in src. Nothing is installed if any policy fails.
func (p *PolicyProfile) Apply(src *governance.StaticSource, check func(expr string) error) error {
	policies, fallback, err := p.Policies()
	if err != nil {
		return err
	}
	all := policies
	if fallback != nil {
		all = append(append([]governance.Policy(nil), policies...), *fallback)
	}
	for _, pol := range all {
		if err := pol.Validate(); err != nil {
			return fmt.Errorf("association %q: %w", pol.AssociationID, err)
		}
		if check == nil {
			continue
		}
		for _, rule := range signOffRules(pol) {
			if err := check(rule); err != nil {
				return fmt.Errorf("association %q: %w", pol.AssociationID, err)
			}
		}
	}

	if fallback != nil {
		if err := src.SetFallback(*fallback); err != nil {
			return err
		}
	}
	for _, pol := range policies {
		if err := src.Put(pol); err != nil {
			return err
		}
	}
	return nil
}

func signOffRules(p governance.Policy) []string {
	var out []string
	if p.SignOffRule != "" {
		out = append(out, p.SignOffRule)
	}
	for _, t := range p.Tiers {
		if t.SignOffRule != "" {
			out = append(out, t.SignOffRule)
		}
	}
	return out
}

func (c PolicyConfig) policy(field string) (governance.Policy, error) {
	out := governance.DefaultPolicy()
	out.AssociationID = c.ID
	out.RequiresAssociationApproval = c.RequiresAssociationApproval
	out.SignOffRule = c.SignOffRule

	ceiling, err := c.Ceiling.decimal(field + ".ceiling")
	if err != nil {
		return out, err
	}
	out.Ceiling = ceiling
	if c.Quorum != nil {
		q, err := c.Quorum.rule(field + ".quorum")
		if err != nil {
			return out, err
		}
		out.Quorum = q
	}
	if c.MinimumInterest != nil {
		out.MinimumInterest = *c.MinimumInterest
	}

	if len(c.Tiers) > 0 {
		out.Tiers = make(map[string]governance.TierRule, len(c.Tiers))
	}
	for name, t := range c.Tiers {
		tf := field + ".tiers." + name
		var tr governance.TierRule
		if t.Ceiling != "" {
			d, err := t.Ceiling.decimal(tf + ".ceiling")
			if err != nil {
				return out, err
			}
			tr.Ceiling = &d
		}
		if t.Quorum != nil {
			q, err := t.Quorum.rule(tf + ".quorum")
			if err != nil {
				return out, err
			}
			tr.Quorum = &q
		}
		tr.SignOffRule = t.SignOffRule
		out.Tiers[name] = tr
	}
	return out, nil
}

func (q QuorumConfig) rule(field string) (governance.QuorumRule, error) {
	v, err := q.Value.decimal(field + ".value")
	if err != nil {
		return governance.QuorumRule{}, err
	}
	r := governance.QuorumRule{Mode: contracts.QuorumMode(strings.ToUpper(q.Mode)), Value: v}
	return r, r.Validate(field)
}
