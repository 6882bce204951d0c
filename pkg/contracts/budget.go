// Package contracts holds the records shared by the budget, ledger and
// season packages, plus the typed errors every operation reports.
package contracts

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BudgetStatus is the lifecycle state of a season budget.
type BudgetStatus string

const (
	BudgetDraft        BudgetStatus = "DRAFT"
	BudgetReview       BudgetStatus = "REVIEW"
	BudgetTeamApproved BudgetStatus = "TEAM_APPROVED"
	BudgetPresented    BudgetStatus = "PRESENTED"
	BudgetApproved     BudgetStatus = "APPROVED"
	BudgetLocked       BudgetStatus = "LOCKED"
)

// AllocationTolerance is the largest difference allowed between the sum of
// allocations and the declared total.
var AllocationTolerance = decimal.RequireFromString("0.01")

// Budget is the mutable head record of a team's season budget.
type Budget struct {
	ID                         string       `json:"id"`
	TeamID                     string       `json:"team_id"`
	Season                     string       `json:"season"`
	AssociationID              string       `json:"association_id,omitempty"`
	TeamTier                   string       `json:"team_tier,omitempty"`
	Status                     BudgetStatus `json:"status"`
	CurrentVersionNumber       int          `json:"current_version_number"`
	PresentedVersionNumber     *int         `json:"presented_version_number,omitempty"`
	LockedVersionNumber        *int         `json:"locked_version_number,omitempty"`
	CurrentRequestID           *string      `json:"current_request_id,omitempty"`
	AssociationApprovedVersion *int         `json:"association_approved_version,omitempty"`
	AssociationApprovedBy      string       `json:"association_approved_by,omitempty"`
	CreatedBy                  string       `json:"created_by"`
	CreatedAt                  time.Time    `json:"created_at"`
	UpdatedAt                  time.Time    `json:"updated_at"`
	LockedAt                   *time.Time   `json:"locked_at,omitempty"`
	LockedBy                   string       `json:"locked_by,omitempty"`
}

// Clone returns a deep copy.
func (b *Budget) Clone() *Budget {
	if b == nil {
		return nil
	}
	c := *b
	c.PresentedVersionNumber = cloneInt(b.PresentedVersionNumber)
	c.LockedVersionNumber = cloneInt(b.LockedVersionNumber)
	c.AssociationApprovedVersion = cloneInt(b.AssociationApprovedVersion)
	c.CurrentRequestID = cloneString(b.CurrentRequestID)
	c.LockedAt = cloneTime(b.LockedAt)
	return &c
}

// IsCurrentRequest reports whether requestID is the budget's live
// acknowledgment request.
func (b *Budget) IsCurrentRequest(requestID string) bool {
	return b.CurrentRequestID != nil && *b.CurrentRequestID == requestID
}

// Allocation is one category line of a budget version.
type Allocation struct {
	CategoryID   string          `json:"category_id"`
	CategoryName string          `json:"category_name"`
	Amount       decimal.Decimal `json:"amount"`
	Notes        string          `json:"notes,omitempty"`
}

// BudgetVersion is an immutable snapshot of allocations.
type BudgetVersion struct {
	BudgetID      string          `json:"budget_id"`
	Number        int             `json:"number"`
	Total         decimal.Decimal `json:"total"`
	Allocations   []Allocation    `json:"allocations"`
	ChangeSummary string          `json:"change_summary,omitempty"`
	ContentHash   string          `json:"content_hash"`
	CreatedBy     string          `json:"created_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ID returns the canonical version identifier.
func (v *BudgetVersion) ID() string { return VersionID(v.BudgetID, v.Number) }

// Clone returns a deep copy.
func (v *BudgetVersion) Clone() *BudgetVersion {
	if v == nil {
		return nil
	}
	c := *v
	c.Allocations = append([]Allocation(nil), v.Allocations...)
	return &c
}

// AllocatedSum adds every allocation amount.
func (v *BudgetVersion) AllocatedSum() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range v.Allocations {
		sum = sum.Add(a.Amount)
	}
	return sum
}

// VersionID formats the identifier stored on season state pointers.
func VersionID(budgetID string, number int) string {
	return fmt.Sprintf("%s/v%d", budgetID, number)
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// IntPtr is a convenience for optional integer fields.
func IntPtr(v int) *int { return &v }

// StringPtr is a convenience for optional string fields.
func StringPtr(v string) *string { return &v }
