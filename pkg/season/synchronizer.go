// Package season keeps the team-season lifecycle derived from the budget's
// status. The synchronizer is the only writer of the budget-derived fields
// and always runs inside the budget's transaction.
package season

import (
	"context"
	"errors"
	"time"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/store"
)

// GuardEligibleCount names the lock guard on the recorded stakeholder count.
const GuardEligibleCount = "season.lock.eligible_count"

var targets = map[contracts.BudgetStatus]contracts.SeasonStateName{
	contracts.BudgetDraft:        contracts.SeasonBudgetDraft,
	contracts.BudgetReview:       contracts.SeasonBudgetDraft,
	contracts.BudgetTeamApproved: contracts.SeasonTeamApproved,
	contracts.BudgetPresented:    contracts.SeasonPresented,
	contracts.BudgetApproved:     contracts.SeasonPresented,
	contracts.BudgetLocked:       contracts.SeasonLocked,
}

// TargetFor returns the season state a budget status maps to.
func TargetFor(status contracts.BudgetStatus) (contracts.SeasonStateName, bool) {
	s, ok := targets[status]
	return s, ok
}

// Consistent reports whether a season state agrees with a budget status.
// ACTIVE follows LOCKED, so it is consistent with a locked budget.
func Consistent(status contracts.BudgetStatus, state contracts.SeasonStateName) bool {
	want, ok := TargetFor(status)
	if !ok {
		return false
	}
	if want == contracts.SeasonLocked && state == contracts.SeasonActive {
		return true
	}
	return want == state
}

// Synchronizer moves the season to match a budget.
type Synchronizer struct {
	clock func() time.Time
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *Synchronizer) WithClock(clock func() time.Time) *Synchronizer {
	s.clock = clock
	return s
}

// Sync updates the season record for b inside tx. A guard failure returns a
// GuardViolationError and the caller's transaction must roll back.
func (s *Synchronizer) Sync(ctx context.Context, tx store.Tx, b *contracts.Budget) (*contracts.SeasonState, error) {
	target, ok := TargetFor(b.Status)
	if !ok {
		return nil, &contracts.InvalidStateError{
			Entity: "budget", ID: b.ID, Current: string(b.Status), Requested: "sync season",
		}
	}
	if err := tx.LockSeason(ctx, b.TeamID, b.Season); err != nil {
		return nil, err
	}
	st, err := Load(ctx, tx, b.TeamID, b.Season)
	if err != nil {
		return nil, err
	}

	if target == contracts.SeasonLocked {
		if st.EligibleStakeholderCount == nil || *st.EligibleStakeholderCount <= 0 {
			return nil, &contracts.GuardViolationError{
				Guard:  GuardEligibleCount,
				Reason: "cannot lock: stakeholder interest count not yet recorded",
			}
		}
		if st.State == contracts.SeasonActive {
			target = contracts.SeasonActive
		}
	}

	st.State = target
	st.BudgetID = b.ID
	st.PresentedVersionID = nil
	if b.PresentedVersionNumber != nil && (target == contracts.SeasonPresented || target == contracts.SeasonLocked || target == contracts.SeasonActive) {
		st.PresentedVersionID = contracts.StringPtr(contracts.VersionID(b.ID, *b.PresentedVersionNumber))
	}
	st.LockedVersionID = nil
	if b.LockedVersionNumber != nil {
		st.LockedVersionID = contracts.StringPtr(contracts.VersionID(b.ID, *b.LockedVersionNumber))
	}
	st.PresentedAckCount = nil
	if b.CurrentRequestID != nil {
		req, err := tx.GetRequest(ctx, *b.CurrentRequestID)
		if err != nil {
			return nil, err
		}
		st.PresentedAckCount = contracts.IntPtr(req.AcknowledgedCount)
	}
	st.LastActivityAt = s.clock().UTC()

	if err := tx.UpsertSeason(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Load returns the season record, or a fresh NEW record when none exists.
func Load(ctx context.Context, tx store.Tx, teamID, season string) (*contracts.SeasonState, error) {
	st, err := tx.GetSeason(ctx, teamID, season)
	if errors.Is(err, contracts.ErrNotFound) {
		return &contracts.SeasonState{TeamID: teamID, Season: season, State: contracts.SeasonNew}, nil
	}
	return st, err
}
