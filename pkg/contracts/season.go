package contracts

import "time"

// SeasonStateName is the team-season lifecycle state.
type SeasonStateName string

const (
	SeasonNew          SeasonStateName = "NEW"
	SeasonBudgetDraft  SeasonStateName = "BUDGET_DRAFT"
	SeasonTeamApproved SeasonStateName = "TEAM_APPROVED"
	SeasonPresented    SeasonStateName = "PRESENTED"
	SeasonLocked       SeasonStateName = "LOCKED"
	SeasonActive       SeasonStateName = "ACTIVE"
)

// SeasonState tracks season readiness for one (team, season).
type SeasonState struct {
	TeamID                   string          `json:"team_id"`
	Season                   string          `json:"season"`
	State                    SeasonStateName `json:"state"`
	BudgetID                 string          `json:"budget_id,omitempty"`
	PresentedVersionID       *string         `json:"presented_version_id,omitempty"`
	LockedVersionID          *string         `json:"locked_version_id,omitempty"`
	EligibleStakeholderCount *int            `json:"eligible_stakeholder_count,omitempty"`
	PresentedAckCount        *int            `json:"presented_ack_count,omitempty"`
	LastActivityAt           time.Time       `json:"last_activity_at"`
	ActivatedAt              *time.Time      `json:"activated_at,omitempty"`
}

// Clone returns a deep copy.
func (s *SeasonState) Clone() *SeasonState {
	if s == nil {
		return nil
	}
	c := *s
	c.PresentedVersionID = cloneString(s.PresentedVersionID)
	c.LockedVersionID = cloneString(s.LockedVersionID)
	c.EligibleStakeholderCount = cloneInt(s.EligibleStakeholderCount)
	c.PresentedAckCount = cloneInt(s.PresentedAckCount)
	c.ActivatedAt = cloneTime(s.ActivatedAt)
	return &c
}

// SeasonKey identifies a season record.
func SeasonKey(teamID, season string) string { return teamID + "|" + season }
