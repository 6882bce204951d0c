package budget

import (
	"github.com/miked5167/squadbooks-sub007/pkg/auth"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// Action is a budget transition an actor can request.
type Action string

const (
	ActionSubmit                    Action = "submit for review"
	ActionCoachApprove              Action = "approve as coach"
	ActionCoachRequestChanges       Action = "request changes as coach"
	ActionPresent                   Action = "present to stakeholders"
	ActionEdit                      Action = "edit allocations"
	ActionAssociationApprove        Action = "approve as association"
	ActionAssociationRequestChanges Action = "request changes as association"
	ActionLock                      Action = "lock"
	ActionAutoLock                  Action = "lock on quorum"
)

type rule struct {
	capability auth.Capability
	edges      map[contracts.BudgetStatus]contracts.BudgetStatus
}

// transitions is the full state machine. LOCKED has no outgoing edge.
var transitions = map[Action]rule{
	ActionSubmit: {auth.CapSubmitBudget, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetDraft: contracts.BudgetReview,
	}},
	ActionCoachApprove: {auth.CapCoachReview, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetReview: contracts.BudgetTeamApproved,
	}},
	ActionCoachRequestChanges: {auth.CapCoachReview, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetReview: contracts.BudgetDraft,
	}},
	ActionPresent: {auth.CapPresentBudget, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetTeamApproved: contracts.BudgetPresented,
		contracts.BudgetPresented:    contracts.BudgetPresented,
	}},
	ActionEdit: {auth.CapEditBudget, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetDraft:        contracts.BudgetDraft,
		contracts.BudgetReview:       contracts.BudgetReview,
		contracts.BudgetTeamApproved: contracts.BudgetTeamApproved,
		contracts.BudgetPresented:    contracts.BudgetTeamApproved,
	}},
	ActionAssociationApprove: {auth.CapAssociationReview, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetPresented: contracts.BudgetApproved,
	}},
	ActionAssociationRequestChanges: {auth.CapAssociationReview, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetPresented: contracts.BudgetDraft,
		contracts.BudgetApproved:  contracts.BudgetDraft,
	}},
	ActionLock: {auth.CapLockBudget, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetApproved: contracts.BudgetLocked,
	}},
	ActionAutoLock: {auth.CapLockBudget, map[contracts.BudgetStatus]contracts.BudgetStatus{
		contracts.BudgetPresented: contracts.BudgetLocked,
		contracts.BudgetApproved:  contracts.BudgetLocked,
	}},
}

// next returns the status action leads to from b's current status.
func next(b *contracts.Budget, action Action) (contracts.BudgetStatus, error) {
	r, ok := transitions[action]
	if ok {
		if to, ok := r.edges[b.Status]; ok {
			return to, nil
		}
	}
	return "", &contracts.InvalidStateError{
		Entity:    "budget",
		ID:        b.ID,
		Current:   string(b.Status),
		Requested: string(action),
	}
}

// Capability returns the capability an actor needs for action.
func Capability(action Action) auth.Capability {
	return transitions[action].capability
}

// Available lists the actions legal from status for a role, in a stable
// order. The automatic lock is never offered.
func Available(status contracts.BudgetStatus, role auth.Role) []Action {
	order := []Action{
		ActionEdit, ActionSubmit, ActionCoachApprove, ActionCoachRequestChanges, ActionPresent,
		ActionAssociationApprove, ActionAssociationRequestChanges, ActionLock,
	}
	var out []Action
	for _, a := range order {
		r := transitions[a]
		if _, ok := r.edges[status]; ok && role.Can(r.capability) {
			out = append(out, a)
		}
	}
	return out
}
