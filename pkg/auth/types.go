// Package auth models the already-authenticated actor handed to the budget
// core and the closed role/capability table each transition is checked
// against. Authentication itself happens upstream.
package auth

import (
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// Role is one of a closed set of actor roles.
type Role string

const (
	RoleTreasurer        Role = "TREASURER"
	RoleCoach            Role = "COACH"
	RoleStakeholder      Role = "STAKEHOLDER"
	RoleAssociationAdmin Role = "ASSOCIATION_ADMIN"
	RoleAssociationBoard Role = "ASSOCIATION_BOARD"
	RoleSystem           Role = "SYSTEM"
)

// Capability is a permission required by one or more operations.
type Capability string

const (
	CapCreateBudget       Capability = "budget.create"
	CapEditBudget         Capability = "budget.edit"
	CapSubmitBudget       Capability = "budget.submit"
	CapCoachReview        Capability = "budget.coach_review"
	CapPresentBudget      Capability = "budget.present"
	CapAssociationReview  Capability = "budget.association_review"
	CapLockBudget         Capability = "budget.lock"
	CapAcknowledge        Capability = "acknowledgment.record"
	CapExpireRequests     Capability = "acknowledgment.expire"
	CapRecordStakeholders Capability = "season.record_stakeholders"
	CapStartSeason        Capability = "season.start"
	CapView               Capability = "budget.view"
)

var grants = map[Role]map[Capability]bool{
	RoleTreasurer: {
		CapCreateBudget:       true,
		CapEditBudget:         true,
		CapSubmitBudget:       true,
		CapPresentBudget:      true,
		CapLockBudget:         true,
		CapRecordStakeholders: true,
		CapStartSeason:        true,
		CapView:               true,
	},
	RoleCoach: {
		CapCoachReview: true,
		CapView:        true,
	},
	RoleStakeholder: {
		CapAcknowledge: true,
		CapView:        true,
	},
	RoleAssociationAdmin: {
		CapAssociationReview: true,
		CapLockBudget:        true,
		CapView:              true,
	},
	RoleAssociationBoard: {
		CapAssociationReview: true,
		CapView:              true,
	},
	RoleSystem: {
		CapLockBudget:         true,
		CapExpireRequests:     true,
		CapRecordStakeholders: true,
		CapView:               true,
	},
}

// Actor is the authenticated caller of a core operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// System is the actor used for automatic transitions.
var System = Actor{ID: "SYSTEM", Role: RoleSystem}

// Can reports whether the role carries the capability.
func (r Role) Can(c Capability) bool {
	return grants[r][c]
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := grants[r]
	return ok
}

// Require returns a ForbiddenError unless the actor holds the capability.
func Require(a Actor, c Capability) error {
	if a.ID == "" || !a.Role.Can(c) {
		return &contracts.ForbiddenError{
			ActorID:    a.ID,
			Role:       string(a.Role),
			Capability: string(c),
		}
	}
	return nil
}
