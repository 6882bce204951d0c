package governance

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// Input is what the evaluator needs to know about a budget being presented.
type Input struct {
	AssociationID string
	TeamTier      string
	Total         decimal.Decimal
}

// Decision is the evaluator's output, snapshotted onto the acknowledgment
// request it was computed for.
type Decision struct {
	RequiresAssociationApproval bool                 `json:"requires_association_approval"`
	QuorumMode                  contracts.QuorumMode `json:"quorum_mode"`
	QuorumValue                 decimal.Decimal      `json:"quorum_value"`
	Ceiling                     decimal.Decimal      `json:"ceiling"`
	Reason                      string               `json:"reason"`
}

// Evaluator applies association policy. It holds no state besides the
// compiled rule cache.
type Evaluator struct {
	source Source
	rules  *ruleEngine
}

// NewEvaluator creates an evaluator reading policies from source.
func NewEvaluator(source Source) (*Evaluator, error) {
	rules, err := newRuleEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{source: source, rules: rules}, nil
}

// Policy returns the policy currently in force for an association.
func (e *Evaluator) Policy(ctx context.Context, associationID string) (Policy, error) {
	return e.source.PolicyFor(ctx, associationID)
}

// Evaluate decides sign-off and quorum for the given budget total.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (Decision, error) {
	p, err := e.source.PolicyFor(ctx, in.AssociationID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load policy for association %q: %w", in.AssociationID, err)
	}

	quorum := p.Quorum
	ceiling := p.Ceiling
	rule := p.SignOffRule
	if t, ok := p.Tiers[in.TeamTier]; ok && in.TeamTier != "" {
		if t.Quorum != nil {
			quorum = *t.Quorum
		}
		if t.Ceiling != nil {
			ceiling = *t.Ceiling
		}
		if t.SignOffRule != "" {
			rule = t.SignOffRule
		}
	}
	if quorum.Mode == "" {
		quorum = DefaultQuorum()
	}

	d := Decision{
		QuorumMode:  quorum.Mode,
		QuorumValue: quorum.Value,
		Ceiling:     ceiling,
	}

	if !p.RequiresAssociationApproval {
		d.Reason = "auto-approved: association does not require sign-off"
		return d, nil
	}

	above := in.Total.GreaterThan(ceiling)
	if rule != "" {
		above, err = e.rules.eval(rule, ruleInput(in, ceiling))
		if err != nil {
			return Decision{}, fmt.Errorf("sign-off rule for association %q: %w", in.AssociationID, err)
		}
	}
	d.RequiresAssociationApproval = above
	switch {
	case rule != "" && above:
		d.Reason = fmt.Sprintf("association sign-off required: sign-off rule %q matched total %s", rule, in.Total.StringFixed(2))
	case rule != "":
		d.Reason = fmt.Sprintf("auto-approved: sign-off rule %q did not match total %s", rule, in.Total.StringFixed(2))
	case above:
		d.Reason = fmt.Sprintf("association sign-off required: total %s exceeds ceiling %s", in.Total.StringFixed(2), ceiling.StringFixed(2))
	default:
		d.Reason = fmt.Sprintf("auto-approved: total %s within ceiling %s", in.Total.StringFixed(2), ceiling.StringFixed(2))
	}
	return d, nil
}

func ruleInput(in Input, ceiling decimal.Decimal) map[string]any {
	return map[string]any{
		"total":         in.Total.InexactFloat64(),
		"total_cents":   in.Total.Shift(2).IntPart(),
		"ceiling":       ceiling.InexactFloat64(),
		"ceiling_cents": ceiling.Shift(2).IntPart(),
		"tier":          in.TeamTier,
		"association":   in.AssociationID,
	}
}

// CheckRule compiles expr without evaluating it.
func (e *Evaluator) CheckRule(expr string) error {
	return e.rules.compile(expr)
}
