package budget

import (
	"context"

	"github.com/miked5167/squadbooks-sub007/pkg/auth"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/ledger"
	"github.com/miked5167/squadbooks-sub007/pkg/season"
	"github.com/miked5167/squadbooks-sub007/pkg/store"
)

// State is the read model handed to the web layer.
type State struct {
	Budget   *contracts.Budget                `json:"budget"`
	Version  *contracts.BudgetVersion         `json:"version"`
	Season   *contracts.SeasonState           `json:"season"`
	Request  *contracts.AcknowledgmentRequest `json:"request,omitempty"`
	Progress *ledger.Progress                 `json:"progress,omitempty"`
	// Consistent is false only if season and budget disagree, which is a bug.
	Consistent bool     `json:"consistent"`
	Actions    []Action `json:"actions"`
}

// GetCurrentState reads the budget, its current version, season and live
// request in one snapshot.
func (s *Service) GetCurrentState(ctx context.Context, actor auth.Actor, budgetID string) (*State, error) {
	if err := auth.Require(actor, auth.CapView); err != nil {
		return nil, err
	}
	out := &State{}
	err := s.store.View(ctx, func(tx store.Tx) error {
		b, err := tx.GetBudget(ctx, budgetID)
		if err != nil {
			return err
		}
		v, err := tx.GetVersion(ctx, b.ID, b.CurrentVersionNumber)
		if err != nil {
			return err
		}
		st, err := season.Load(ctx, tx, b.TeamID, b.Season)
		if err != nil {
			return err
		}
		out.Budget, out.Version, out.Season = b, v, st
		out.Consistent = season.Consistent(b.Status, st.State)
		out.Actions = Available(b.Status, actor.Role)

		if b.CurrentRequestID != nil {
			req, err := tx.GetRequest(ctx, *b.CurrentRequestID)
			if err != nil {
				return err
			}
			p := ledger.ProgressOf(req)
			out.Request, out.Progress = req, &p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetVersion returns one immutable version.
func (s *Service) GetVersion(ctx context.Context, actor auth.Actor, budgetID string, number int) (*contracts.BudgetVersion, error) {
	if err := auth.Require(actor, auth.CapView); err != nil {
		return nil, err
	}
	var v *contracts.BudgetVersion
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		v, err = tx.GetVersion(ctx, budgetID, number)
		return err
	})
	return v, err
}

// ListVersions returns every version, oldest first.
func (s *Service) ListVersions(ctx context.Context, actor auth.Actor, budgetID string) ([]*contracts.BudgetVersion, error) {
	if err := auth.Require(actor, auth.CapView); err != nil {
		return nil, err
	}
	var out []*contracts.BudgetVersion
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetBudget(ctx, budgetID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListVersions(ctx, budgetID)
		return err
	})
	return out, err
}

// Acknowledgments lists the ledger for a request.
func (s *Service) Acknowledgments(ctx context.Context, actor auth.Actor, requestID string) ([]*contracts.Acknowledgment, error) {
	if err := auth.Require(actor, auth.CapView); err != nil {
		return nil, err
	}
	var out []*contracts.Acknowledgment
	err := s.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRequest(ctx, requestID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListAcknowledgments(ctx, requestID)
		return err
	})
	return out, err
}
