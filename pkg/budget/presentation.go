package budget

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/miked5167/squadbooks-sub007/pkg/audit"
	"github.com/miked5167/squadbooks-sub007/pkg/auth"
	"github.com/miked5167/squadbooks-sub007/pkg/canonicalize"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/governance"
	"github.com/miked5167/squadbooks-sub007/pkg/ledger"
	"github.com/miked5167/squadbooks-sub007/pkg/season"
	"github.com/miked5167/squadbooks-sub007/pkg/store"
)

// PresentInput publishes the current version to a stakeholder list.
type PresentInput struct {
	Actor        auth.Actor
	BudgetID     string
	Stakeholders []ledger.Stakeholder
	ExpiresAt    *time.Time
}

// PresentToStakeholders evaluates policy, opens a new acknowledgment
// request bound to the current version and moves the budget to PRESENTED.
// Any earlier request stops being current and can no longer lock the budget.
func (s *Service) PresentToStakeholders(ctx context.Context, in PresentInput) (*Result, error) {
	if err := auth.Require(in.Actor, auth.CapPresentBudget); err != nil {
		return nil, err
	}
	if err := ledger.ValidateStakeholders(in.Stakeholders); err != nil {
		return nil, err
	}

	return s.mutate(ctx, "present", audit.ActionPresent, in.Actor, in.BudgetID, func(sc *scope, b *contracts.Budget) error {
		if _, err := next(b, ActionPresent); err != nil {
			return err
		}
		if in.ExpiresAt != nil && !in.ExpiresAt.After(sc.now) {
			return &contracts.ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
		v, err := sc.tx.GetVersion(sc.ctx, b.ID, b.CurrentVersionNumber)
		if err != nil {
			return err
		}
		decision, err := s.policy.Evaluate(sc.ctx, governance.Input{
			AssociationID: b.AssociationID,
			TeamTier:      b.TeamTier,
			Total:         v.Total,
		})
		if err != nil {
			return err
		}

		st, err := season.Load(sc.ctx, sc.tx, b.TeamID, b.Season)
		if err != nil {
			return err
		}
		eligible := len(in.Stakeholders)
		if st.EligibleStakeholderCount != nil && *st.EligibleStakeholderCount > 0 {
			eligible = *st.EligibleStakeholderCount
		}

		req := &contracts.AcknowledgmentRequest{
			ID:                          s.newID(),
			BudgetID:                    b.ID,
			VersionNumber:               v.Number,
			VersionHash:                 v.ContentHash,
			Mode:                        decision.QuorumMode,
			RequiredPercent:             decimal.Zero,
			EligibleCount:               eligible,
			RequiresAssociationApproval: decision.RequiresAssociationApproval,
			Status:                      contracts.RequestPending,
			CreatedBy:                   in.Actor.ID,
			CreatedAt:                   sc.now,
			ExpiresAt:                   in.ExpiresAt,
		}
		switch decision.QuorumMode {
		case contracts.QuorumCount:
			req.RequiredCount = int(decision.QuorumValue.IntPart())
		case contracts.QuorumPercent:
			req.RequiredPercent = decision.QuorumValue
		}
		if needed := ledger.Needed(req); needed > len(in.Stakeholders) {
			return &contracts.ValidationError{
				Field:  "stakeholders",
				Reason: fmt.Sprintf("quorum needs %d acknowledgments but only %d stakeholders were listed", needed, len(in.Stakeholders)),
			}
		}
		if err := s.ledger.Open(sc.ctx, sc.tx, req, in.Stakeholders); err != nil {
			return err
		}

		if err := sc.move(b, ActionPresent); err != nil {
			return err
		}
		presented := v.Number
		b.PresentedVersionNumber = &presented
		b.CurrentRequestID = contracts.StringPtr(req.ID)
		b.AssociationApprovedVersion = nil
		b.AssociationApprovedBy = ""

		sc.version = v
		sc.request = req
		sc.emit(contracts.EventBudgetPresented, b, map[string]string{
			"stakeholders":                  strconv.Itoa(len(in.Stakeholders)),
			"quorum_mode":                   string(req.Mode),
			"requires_association_approval": strconv.FormatBool(req.RequiresAssociationApproval),
			"policy_reason":                 decision.Reason,
		})
		sc.record(audit.ActionPresent, "acknowledgment_request", req.ID, nil, req.Clone())
		return nil
	})
}

// currentSignOffRequest returns the live request when it is waiting on
// association sign-off.
func currentSignOffRequest(sc *scope, b *contracts.Budget, action Action) (*contracts.AcknowledgmentRequest, error) {
	if b.CurrentRequestID == nil {
		return nil, &contracts.InvalidStateError{
			Entity: "budget", ID: b.ID, Current: string(b.Status), Requested: string(action),
			Detail: "the budget has not been presented",
		}
	}
	req, err := sc.tx.GetRequest(sc.ctx, *b.CurrentRequestID)
	if err != nil {
		return nil, err
	}
	if !req.RequiresAssociationApproval {
		return nil, &contracts.InvalidStateError{
			Entity: "budget", ID: b.ID, Current: string(b.Status), Requested: string(action),
			Detail: "association sign-off is not required for this presentation",
		}
	}
	return req, nil
}

// AssociationApprove signs off a presentation that policy escalated. If the
// stakeholder quorum is already complete the budget locks in the same
// transaction.
func (s *Service) AssociationApprove(ctx context.Context, actor auth.Actor, budgetID, notes string) (*Result, error) {
	if err := auth.Require(actor, auth.CapAssociationReview); err != nil {
		return nil, err
	}
	notes = canonicalize.Text(notes)
	return s.mutate(ctx, "association_approve", audit.ActionAssociationApprove, actor, budgetID, func(sc *scope, b *contracts.Budget) error {
		if _, err := next(b, ActionAssociationApprove); err != nil {
			return err
		}
		req, err := currentSignOffRequest(sc, b, ActionAssociationApprove)
		if err != nil {
			return err
		}
		if req.Status == contracts.RequestExpired || req.Overdue(sc.now) {
			return &contracts.InvalidStateError{
				Entity: "budget", ID: b.ID, Current: string(b.Status), Requested: string(ActionAssociationApprove),
				Detail: "the presentation has expired and must be presented again",
			}
		}
		sc.request = req
		if err := sc.move(b, ActionAssociationApprove); err != nil {
			return err
		}
		approved := *b.PresentedVersionNumber
		b.AssociationApprovedVersion = &approved
		b.AssociationApprovedBy = actor.ID
		sc.emit(contracts.EventAssociationApproved, b, map[string]string{"notes": notes})

		if req.Status == contracts.RequestCompleted {
			return s.lock(sc, b, ActionAutoLock, auth.System)
		}
		return nil
	})
}

// AssociationRequestChanges sends an escalated budget back to DRAFT.
func (s *Service) AssociationRequestChanges(ctx context.Context, actor auth.Actor, budgetID, notes string) (*Result, error) {
	if err := auth.Require(actor, auth.CapAssociationReview); err != nil {
		return nil, err
	}
	notes = canonicalize.Text(notes)
	if notes == "" {
		return nil, &contracts.ValidationError{Field: "notes", Reason: "are required when requesting changes"}
	}
	return s.mutate(ctx, "association_request_changes", audit.ActionAssociationChanges, actor, budgetID, func(sc *scope, b *contracts.Budget) error {
		if _, err := next(b, ActionAssociationRequestChanges); err != nil {
			return err
		}
		req, err := currentSignOffRequest(sc, b, ActionAssociationRequestChanges)
		if err != nil {
			return err
		}
		sc.request = req
		if err := sc.move(b, ActionAssociationRequestChanges); err != nil {
			return err
		}
		b.CurrentRequestID = nil
		b.AssociationApprovedVersion = nil
		b.AssociationApprovedBy = ""
		sc.emit(contracts.EventAssociationChanges, b, map[string]string{"notes": notes})
		return nil
	})
}

// AckInput is one stakeholder's acknowledgment.
type AckInput struct {
	Actor         auth.Actor
	RequestID     string
	StakeholderID string
	Provenance    contracts.Provenance
	Comment       string
	HasQuestions  bool
}

// AckResult extends Result with what happened to the acknowledgment.
type AckResult struct {
	Result
	Acknowledgment *contracts.Acknowledgment `json:"acknowledgment"`
	// AlreadyAcknowledged reports an idempotent repeat.
	AlreadyAcknowledged bool `json:"already_acknowledged,omitempty"`
	// Completed is true only for the acknowledgment that reached quorum.
	Completed bool `json:"completed,omitempty"`
	// Locked is true when that completion also locked the budget.
	Locked bool `json:"locked,omitempty"`
}

// RecordAcknowledgment flips a stakeholder's placeholder on the budget's
// current request. The acknowledgment that reaches quorum locks the budget
// in the same transaction unless association sign-off is still outstanding.
// Acknowledgments arriving after completion are stored and change nothing
// else.
func (s *Service) RecordAcknowledgment(ctx context.Context, in AckInput) (*AckResult, error) {
	if err := auth.Require(in.Actor, auth.CapAcknowledge); err != nil {
		return nil, err
	}
	if in.Actor.Role == auth.RoleStakeholder && in.Actor.ID != in.StakeholderID {
		return nil, &contracts.ForbiddenError{
			ActorID: in.Actor.ID, Role: string(in.Actor.Role), Capability: string(auth.CapAcknowledge),
			Reason: "stakeholders can only acknowledge for themselves",
		}
	}

	var budgetID string
	if err := s.store.View(ctx, func(tx store.Tx) error {
		req, err := tx.GetRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		budgetID = req.BudgetID
		return nil
	}); err != nil {
		return nil, err
	}

	out := &AckResult{}
	res, err := s.mutate(ctx, "acknowledge", audit.ActionAcknowledge, in.Actor, budgetID, func(sc *scope, b *contracts.Budget) error {
		if !b.IsCurrentRequest(in.RequestID) {
			// A stakeholder who acknowledged before the budget moved on gets
			// their record back.
			if prior, err := sc.tx.GetAcknowledgment(sc.ctx, in.RequestID, canonicalize.Text(in.StakeholderID)); err == nil && prior.Acknowledged {
				req, err := sc.tx.GetRequest(sc.ctx, in.RequestID)
				if err != nil {
					return err
				}
				sc.request = req
				out.Acknowledgment = prior
				out.AlreadyAcknowledged = true
				sc.noop = true
				return nil
			}
			return &contracts.InvalidStateError{
				Entity: "acknowledgment request", ID: in.RequestID, Current: "SUPERSEDED", Requested: "acknowledge",
				Detail: "the budget has changed since this presentation",
			}
		}
		r, err := s.ledger.Record(sc.ctx, sc.tx, ledger.RecordInput{
			RequestID:     in.RequestID,
			StakeholderID: in.StakeholderID,
			Provenance:    in.Provenance,
			Comment:       in.Comment,
			HasQuestions:  in.HasQuestions,
		})
		if err != nil {
			return err
		}
		sc.request = r.Request
		out.Acknowledgment = r.Acknowledgment
		if r.AlreadyAcknowledged {
			out.AlreadyAcknowledged = true
			sc.noop = true
			return nil
		}

		sc.emit(contracts.EventAcknowledgmentRecorded, b, map[string]string{
			"stakeholder_id": in.StakeholderID,
			"acknowledged":   strconv.Itoa(r.Request.AcknowledgedCount),
			"has_questions":  strconv.FormatBool(in.HasQuestions),
		})
		sc.record(audit.ActionAcknowledge, "acknowledgment", in.RequestID+"/"+in.StakeholderID, nil, r.Acknowledgment.Clone())

		if !r.Completed {
			return nil
		}
		out.Completed = true
		sc.emit(contracts.EventQuorumReached, b, map[string]string{
			"acknowledged": strconv.Itoa(r.Request.AcknowledgedCount),
			"eligible":     strconv.Itoa(r.Request.EligibleCount),
		})
		sc.record(audit.ActionAcknowledge, "acknowledgment_request", r.Request.ID,
			map[string]string{"status": string(contracts.RequestPending)},
			map[string]string{"status": string(r.Request.Status)})

		signOffOutstanding := r.Request.RequiresAssociationApproval && b.Status != contracts.BudgetApproved
		if (b.Status == contracts.BudgetPresented || b.Status == contracts.BudgetApproved) && !signOffOutstanding {
			out.Locked = true
			return s.lock(sc, b, ActionAutoLock, auth.System)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Result = *res
	return out, nil
}

// ExpireDue moves every overdue PENDING request to EXPIRED. It returns how
// many requests it expired; per-request failures are joined.
func (s *Service) ExpireDue(ctx context.Context, actor auth.Actor) (int, error) {
	if err := auth.Require(actor, auth.CapExpireRequests); err != nil {
		return 0, err
	}
	due, err := s.store.ListDueRequests(ctx, s.clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list due requests: %w", err)
	}

	expired := 0
	var errs []error
	for _, d := range due {
		res, err := s.mutate(ctx, "expire", audit.ActionExpireRequest, actor, d.BudgetID, func(sc *scope, b *contracts.Budget) error {
			ok, err := s.ledger.Expire(sc.ctx, sc.tx, d.RequestID)
			if err != nil {
				return err
			}
			if !ok {
				sc.noop = true
				return nil
			}
			req, err := sc.tx.GetRequest(sc.ctx, d.RequestID)
			if err != nil {
				return err
			}
			sc.request = req
			sc.emit(contracts.EventRequestExpired, b, map[string]string{
				"current": strconv.FormatBool(b.IsCurrentRequest(req.ID)),
			})
			sc.record(audit.ActionExpireRequest, "acknowledgment_request", req.ID,
				map[string]string{"status": string(contracts.RequestPending)},
				map[string]string{"status": string(req.Status)})
			return nil
		})
		if err != nil {
			if errors.Is(err, contracts.ErrNotFound) {
				s.logger.WarnContext(ctx, "due request vanished", "request_id", d.RequestID, "budget_id", d.BudgetID)
				continue
			}
			errs = append(errs, fmt.Errorf("request %s: %w", d.RequestID, err))
			continue
		}
		if !res.NoOp {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}
