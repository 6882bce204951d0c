//go:build property

package budget

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// TestProperty_VersionsAreContiguous checks that any sequence of edits,
// balanced or not, leaves versions numbered 1..n with the head pointing at
// the last one and no earlier version altered.
func TestProperty_VersionsAreContiguous(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("edits append exactly one version or nothing", prop.ForAll(
		func(amounts []int64, skew []bool) bool {
			f := newFixture(t, countPolicy(1))
			b := f.create(t, nil)
			v1, err := f.svc.GetVersion(context.Background(), treasurer, b.ID, 1)
			if err != nil {
				return false
			}

			want := 1
			for i, a := range amounts {
				total := decimal.NewFromInt(a)
				if i < len(skew) && skew[i] {
					total = total.Add(decimal.NewFromInt(1))
				}
				_, err := f.svc.EditAllocations(context.Background(), EditInput{
					Actor: treasurer, BudgetID: b.ID, Total: total,
					Allocations: []contracts.Allocation{{CategoryID: "ice", Amount: decimal.NewFromInt(a)}},
					ChangeSummary: "revise ice time",
				})
				if err == nil {
					want++
				}
			}

			versions, err := f.svc.ListVersions(context.Background(), treasurer, b.ID)
			if err != nil || len(versions) != want {
				return false
			}
			for i, v := range versions {
				if v.Number != i+1 {
					return false
				}
			}
			st := f.state(t, b.ID)
			return st.Budget.CurrentVersionNumber == want &&
				versions[0].ContentHash == v1.ContentHash
		},
		gen.SliceOfN(8, gen.Int64Range(0, 50000)),
		gen.SliceOfN(8, gen.Bool()),
	))

	properties.TestingRun(t)
}
