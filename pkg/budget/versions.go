package budget

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/miked5167/squadbooks-sub007/pkg/canonicalize"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// hashedVersion is the canonical content of a version bound into an
// acknowledgment request. Author, time and summary are not part of it.
type hashedVersion struct {
	BudgetID    string                 `json:"budget_id"`
	Number      int                    `json:"number"`
	Total       string                 `json:"total"`
	Allocations []hashedAllocationLine `json:"allocations"`
}

type hashedAllocationLine struct {
	CategoryID string `json:"category_id"`
	Amount     string `json:"amount"`
}

// newVersion validates the allocation set and builds an immutable version.
func newVersion(budgetID string, number int, total decimal.Decimal, allocations []contracts.Allocation, summary, author string, now time.Time) (*contracts.BudgetVersion, error) {
	summary = canonicalize.Text(summary)
	if number >= 2 && summary == "" {
		return nil, &contracts.ValidationError{Field: "change_summary", Reason: "is required when editing a budget"}
	}
	if total.IsNegative() {
		return nil, &contracts.ValidationError{Field: "total", Reason: "must not be negative"}
	}

	lines := make([]contracts.Allocation, 0, len(allocations))
	seen := make(map[string]bool, len(allocations))
	for i, a := range allocations {
		a.CategoryID = canonicalize.Text(a.CategoryID)
		a.CategoryName = canonicalize.Text(a.CategoryName)
		a.Notes = canonicalize.Text(a.Notes)
		field := fmt.Sprintf("allocations[%d]", i)
		switch {
		case a.CategoryID == "":
			return nil, &contracts.ValidationError{Field: field + ".category_id", Reason: "is required"}
		case seen[a.CategoryID]:
			return nil, &contracts.ValidationError{Field: field + ".category_id", Reason: fmt.Sprintf("category %q appears twice", a.CategoryID)}
		case a.Amount.IsNegative():
			return nil, &contracts.ValidationError{Field: field + ".amount", Reason: "must not be negative"}
		}
		seen[a.CategoryID] = true
		lines = append(lines, a)
	}

	v := &contracts.BudgetVersion{
		BudgetID:      budgetID,
		Number:        number,
		Total:         total,
		Allocations:   lines,
		ChangeSummary: summary,
		CreatedBy:     author,
		CreatedAt:     now,
	}
	if err := checkBalanced(v); err != nil {
		return nil, err
	}

	hash, err := contentHash(v)
	if err != nil {
		return nil, err
	}
	v.ContentHash = hash
	return v, nil
}

// checkBalanced enforces the sum-to-total invariant.
func checkBalanced(v *contracts.BudgetVersion) error {
	sum := v.AllocatedSum()
	if sum.Sub(v.Total).Abs().GreaterThan(contracts.AllocationTolerance) {
		return &contracts.ValidationError{
			Field:  "total",
			Reason: fmt.Sprintf("allocations sum to %s but the declared total is %s", sum.StringFixed(2), v.Total.StringFixed(2)),
		}
	}
	return nil
}

// checkSubmittable is the extra bar a version must clear before review.
func checkSubmittable(v *contracts.BudgetVersion) error {
	nonZero := false
	for _, a := range v.Allocations {
		if !a.Amount.IsZero() {
			nonZero = true
			break
		}
	}
	if !nonZero {
		return &contracts.ValidationError{Field: "allocations", Reason: "at least one category needs a non-zero amount"}
	}
	return checkBalanced(v)
}

func contentHash(v *contracts.BudgetVersion) (string, error) {
	h := hashedVersion{
		BudgetID:    v.BudgetID,
		Number:      v.Number,
		Total:       v.Total.StringFixed(2),
		Allocations: make([]hashedAllocationLine, 0, len(v.Allocations)),
	}
	for _, a := range v.Allocations {
		h.Allocations = append(h.Allocations, hashedAllocationLine{CategoryID: a.CategoryID, Amount: a.Amount.StringFixed(2)})
	}
	return canonicalize.CanonicalHash(h)
}
