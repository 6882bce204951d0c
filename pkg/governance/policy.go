// Package governance decides, per presentation, whether a budget needs
// association sign-off and which acknowledgment quorum applies.
package governance

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// DefaultMinimumInterest is the stakeholder interest count a season needs
// before it can start.
const DefaultMinimumInterest = 8

// QuorumRule is a mode plus its threshold. For COUNT the value is a whole
// number of acknowledgments, for PERCENT a percentage in 1..100.
type QuorumRule struct {
	Mode  contracts.QuorumMode `json:"mode" yaml:"mode"`
	Value decimal.Decimal      `json:"value" yaml:"value"`
}

// DefaultQuorum is 80 percent of eligible stakeholders.
func DefaultQuorum() QuorumRule {
	return QuorumRule{Mode: contracts.QuorumPercent, Value: decimal.NewFromInt(80)}
}

// Validate applies the organization rule bounds.
func (q QuorumRule) Validate(field string) error {
	switch q.Mode {
	case contracts.QuorumPercent:
		if q.Value.LessThan(decimal.NewFromInt(1)) || q.Value.GreaterThan(decimal.NewFromInt(100)) {
			return &contracts.ValidationError{Field: field, Reason: "percentage threshold must be between 1 and 100"}
		}
	case contracts.QuorumCount:
		if !q.Value.IsInteger() || q.Value.LessThan(decimal.NewFromInt(1)) {
			return &contracts.ValidationError{Field: field, Reason: "count threshold must be a whole number of at least 1"}
		}
	default:
		return &contracts.ValidationError{Field: field, Reason: fmt.Sprintf("unknown quorum mode %q", q.Mode)}
	}
	return nil
}

// TierRule overrides association defaults for one competitive tier.
type TierRule struct {
	Ceiling     *decimal.Decimal
	Quorum      *QuorumRule
	SignOffRule string
}

// Policy is one association's governance configuration.
type Policy struct {
	AssociationID               string
	RequiresAssociationApproval bool
	Ceiling                     decimal.Decimal
	Quorum                      QuorumRule
	SignOffRule                 string
	MinimumInterest             int
	Tiers                       map[string]TierRule
}

// DefaultPolicy applies when an association has not configured anything.
func DefaultPolicy() Policy {
	return Policy{
		Quorum:          DefaultQuorum(),
		MinimumInterest: DefaultMinimumInterest,
	}
}

// Validate checks every quorum rule and ceiling in the policy.
func (p Policy) Validate() error {
	if err := p.Quorum.Validate("quorum"); err != nil {
		return err
	}
	if p.Ceiling.IsNegative() {
		return &contracts.ValidationError{Field: "ceiling", Reason: "must not be negative"}
	}
	if p.MinimumInterest < 0 {
		return &contracts.ValidationError{Field: "minimum_interest", Reason: "must not be negative"}
	}
	for tier, r := range p.Tiers {
		if r.Quorum != nil {
			if err := r.Quorum.Validate("tiers." + tier + ".quorum"); err != nil {
				return err
			}
		}
		if r.Ceiling != nil && r.Ceiling.IsNegative() {
			return &contracts.ValidationError{Field: "tiers." + tier + ".ceiling", Reason: "must not be negative"}
		}
	}
	return nil
}

// Source supplies the policy in force for an association right now.
type Source interface {
	PolicyFor(ctx context.Context, associationID string) (Policy, error)
}

// StaticSource is an in-memory Source. Policies can be replaced at any time;
// the evaluator reads them afresh on every presentation.
type StaticSource struct {
	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
}

// NewStaticSource returns a source that answers DefaultPolicy for unknown
// associations.
func NewStaticSource(policies ...Policy) *StaticSource {
	s := &StaticSource{
		policies: make(map[string]Policy),
		fallback: DefaultPolicy(),
	}
	for _, p := range policies {
		s.policies[p.AssociationID] = p
	}
	return s
}

// Put installs or replaces an association policy after validating it.
func (s *StaticSource) Put(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.AssociationID] = p
	return nil
}

// SetFallback replaces the policy used for unconfigured associations.
func (s *StaticSource) SetFallback(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = p
	return nil
}

func (s *StaticSource) PolicyFor(_ context.Context, associationID string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.policies[associationID]; ok {
		return p, nil
	}
	p := s.fallback
	p.AssociationID = associationID
	return p, nil
}
