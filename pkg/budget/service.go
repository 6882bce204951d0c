// Package budget is the season budget state machine. Every operation runs
// inside one per-budget store transaction together with the ledger write
// and the season synchronization it causes; events and audit entries are
// handed off only after that transaction commits.
package budget

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/miked5167/squadbooks-sub007/pkg/audit"
	"github.com/miked5167/squadbooks-sub007/pkg/auth"
	"github.com/miked5167/squadbooks-sub007/pkg/canonicalize"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/governance"
	"github.com/miked5167/squadbooks-sub007/pkg/ledger"
	"github.com/miked5167/squadbooks-sub007/pkg/observability"
	"github.com/miked5167/squadbooks-sub007/pkg/season"
	"github.com/miked5167/squadbooks-sub007/pkg/store"
)

// Kicker wakes the event dispatcher after a commit.
type Kicker interface {
	Kick()
}

// Service runs budget transitions.
type Service struct {
	store   store.Store
	policy  *governance.Evaluator
	ledger  *ledger.Ledger
	seasons *season.Synchronizer
	audit   audit.Writer
	events  Kicker
	obs     *observability.Provider
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

func WithAudit(w audit.Writer) Option { return func(s *Service) { s.audit = w } }

func WithDispatcher(k Kicker) Option { return func(s *Service) { s.events = k } }

func WithObservability(p *observability.Provider) Option { return func(s *Service) { s.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the clock for deterministic testing. It also drives
// the ledger and the season synchronizer.
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// WithIDGenerator overrides uuid generation for budgets and requests.
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// NewService creates a Service. policy is consulted at every presentation.
func NewService(st store.Store, policy *governance.Evaluator, opts ...Option) *Service {
	s := &Service{
		store:  st,
		policy: policy,
		audit:  audit.Discard,
		logger: slog.Default().With("component", "budget"),
		clock:  time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	s.ledger = ledger.New().WithClock(s.clock)
	s.seasons = season.NewSynchronizer().WithClock(s.clock)
	return s
}

// Result is the state after a committed operation.
type Result struct {
	Budget  *contracts.Budget                `json:"budget"`
	Version *contracts.BudgetVersion         `json:"version,omitempty"`
	Season  *contracts.SeasonState           `json:"season,omitempty"`
	Request *contracts.AcknowledgmentRequest `json:"request,omitempty"`
	// NoOp is set when the call changed nothing, e.g. locking a locked budget.
	NoOp bool `json:"no_op,omitempty"`
}

// scope collects what one transaction produced.
type scope struct {
	ctx     context.Context
	tx      store.Tx
	actor   auth.Actor
	now     time.Time
	before  *contracts.Budget
	version *contracts.BudgetVersion
	request *contracts.AcknowledgmentRequest
	events  []contracts.DomainEvent
	audits  []contracts.AuditEntry
	noop    bool
}

func (sc *scope) emit(typ contracts.EventType, b *contracts.Budget, data map[string]string) {
	evt := contracts.DomainEvent{
		ID:            uuid.New().String(),
		Type:          typ,
		BudgetID:      b.ID,
		TeamID:        b.TeamID,
		Season:        b.Season,
		VersionNumber: b.CurrentVersionNumber,
		ActorID:       sc.actor.ID,
		OccurredAt:    sc.now,
		Data:          data,
	}
	if sc.request != nil {
		evt.RequestID = sc.request.ID
		evt.VersionNumber = sc.request.VersionNumber
	}
	sc.events = append(sc.events, evt)
}

// move applies a transition and records the matching event.
func (sc *scope) move(b *contracts.Budget, action Action) error {
	to, err := next(b, action)
	if err != nil {
		return err
	}
	from := b.Status
	b.Status = to
	if from != to {
		sc.emit(contracts.EventBudgetTransitioned, b, nil)
		sc.events[len(sc.events)-1].FromStatus = string(from)
		sc.events[len(sc.events)-1].ToStatus = string(to)
	}
	return nil
}

func (sc *scope) record(action, entityType, entityID string, before, after any) {
	e := audit.NewEntry(sc.actor, action, entityType, entityID, before, after)
	e.At = sc.now
	sc.audits = append(sc.audits, e)
}

// mutate runs fn against budgetID under the budget lock, then persists the
// budget, synchronizes the season and enqueues the events, all in the same
// transaction. The budget is locked before its season.
func (s *Service) mutate(ctx context.Context, op, auditAction string, actor auth.Actor, budgetID string, fn func(sc *scope, b *contracts.Budget) error) (res *Result, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "budget."+op, attribute.String("budget_id", budgetID))
	defer func() { done(err) }()

	var sc *scope
	err = s.store.WithBudget(ctx, budgetID, func(tx store.Tx) error {
		b, err := tx.GetBudget(ctx, budgetID)
		if err != nil {
			return err
		}
		if err := tx.LockSeason(ctx, b.TeamID, b.Season); err != nil {
			return err
		}
		sc = &scope{ctx: ctx, tx: tx, actor: actor, now: s.clock().UTC(), before: b.Clone()}
		if err := fn(sc, b); err != nil {
			return err
		}
		if sc.noop {
			res = &Result{Budget: b, Request: sc.request, NoOp: true}
			return nil
		}

		if !reflect.DeepEqual(sc.before, b) {
			b.UpdatedAt = sc.now
			if err := tx.UpdateBudget(ctx, b); err != nil {
				return err
			}
			sc.record(auditAction, "budget", b.ID, sc.before, b.Clone())
		}
		st, err := s.syncSeason(sc, b)
		if err != nil {
			return err
		}
		for _, evt := range sc.events {
			if err := tx.EnqueueEvent(ctx, evt); err != nil {
				return err
			}
		}
		res = &Result{Budget: b, Version: sc.version, Season: st, Request: sc.request}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, sc.audits, len(sc.events) > 0)
	return res, nil
}

// syncSeason runs the synchronizer and audits a season state change.
func (s *Service) syncSeason(sc *scope, b *contracts.Budget) (*contracts.SeasonState, error) {
	prev, err := season.Load(sc.ctx, sc.tx, b.TeamID, b.Season)
	if err != nil {
		return nil, err
	}
	prev = prev.Clone()
	st, err := s.seasons.Sync(sc.ctx, sc.tx, b)
	if err != nil {
		return nil, err
	}
	if prev.State != st.State {
		sc.record(audit.ActionSeasonSync, "season", contracts.SeasonKey(b.TeamID, b.Season), prev, st.Clone())
	}
	return st, nil
}

// afterCommit hands off audit entries and wakes the dispatcher. Failures
// here are logged and never undo the committed transition.
func (s *Service) afterCommit(ctx context.Context, entries []contracts.AuditEntry, kick bool) {
	for _, e := range entries {
		if err := s.audit.Write(ctx, e); err != nil {
			s.logger.ErrorContext(ctx, "audit write failed",
				"action", e.Action, "entity_type", e.EntityType, "entity_id", e.EntityID, "error", err)
		}
	}
	if kick && s.events != nil {
		s.events.Kick()
	}
}

// CreateInput describes a new season budget.
type CreateInput struct {
	Actor         auth.Actor
	TeamID        string
	Season        string
	AssociationID string
	TeamTier      string
	Total         decimal.Decimal
	Allocations   []contracts.Allocation
	// EligibleStakeholders optionally records the season's interest count.
	EligibleStakeholders *int
}

// CreateBudget creates a DRAFT budget with version 1 for a team season.
func (s *Service) CreateBudget(ctx context.Context, in CreateInput) (res *Result, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "budget.create", attribute.String("team_id", in.TeamID))
	defer func() { done(err) }()

	if err := auth.Require(in.Actor, auth.CapCreateBudget); err != nil {
		return nil, err
	}
	teamID, seasonLabel := canonicalize.Text(in.TeamID), canonicalize.Text(in.Season)
	if teamID == "" {
		return nil, &contracts.ValidationError{Field: "team_id", Reason: "is required"}
	}
	if seasonLabel == "" {
		return nil, &contracts.ValidationError{Field: "season", Reason: "is required"}
	}
	if in.EligibleStakeholders != nil && *in.EligibleStakeholders < 0 {
		return nil, &contracts.ValidationError{Field: "eligible_stakeholders", Reason: "must not be negative"}
	}

	now := s.clock().UTC()
	b := &contracts.Budget{
		ID:                   s.newID(),
		TeamID:               teamID,
		Season:               seasonLabel,
		AssociationID:        canonicalize.Text(in.AssociationID),
		TeamTier:             canonicalize.Text(in.TeamTier),
		Status:               contracts.BudgetDraft,
		CurrentVersionNumber: 1,
		CreatedBy:            in.Actor.ID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	v, err := newVersion(b.ID, 1, in.Total, in.Allocations, "", in.Actor.ID, now)
	if err != nil {
		return nil, err
	}

	sc := &scope{ctx: ctx, actor: in.Actor, now: now, version: v}
	err = s.store.WithSeason(ctx, teamID, seasonLabel, func(tx store.Tx) error {
		sc.tx = tx
		existing, err := tx.FindBudget(ctx, teamID, seasonLabel)
		if err == nil {
			return &contracts.InvalidStateError{
				Entity:    "team season",
				ID:        contracts.SeasonKey(teamID, seasonLabel),
				Current:   string(existing.Status),
				Requested: "create a budget",
				Detail:    "a budget already exists for this team and season",
			}
		}
		if !errors.Is(err, contracts.ErrNotFound) {
			return err
		}
		if err := tx.InsertBudget(ctx, b); err != nil {
			return err
		}
		if err := tx.InsertVersion(ctx, v); err != nil {
			return err
		}
		if in.EligibleStakeholders != nil {
			st, err := season.Load(ctx, tx, teamID, seasonLabel)
			if err != nil {
				return err
			}
			st.EligibleStakeholderCount = contracts.IntPtr(*in.EligibleStakeholders)
			st.LastActivityAt = now
			if err := tx.UpsertSeason(ctx, st); err != nil {
				return err
			}
		}
		st, err := s.syncSeason(sc, b)
		if err != nil {
			return err
		}
		sc.emit(contracts.EventBudgetCreated, b, map[string]string{"total": v.Total.StringFixed(2)})
		for _, evt := range sc.events {
			if err := tx.EnqueueEvent(ctx, evt); err != nil {
				return err
			}
		}
		sc.record(audit.ActionCreateBudget, "budget", b.ID, nil, b.Clone())
		res = &Result{Budget: b, Version: v, Season: st}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, sc.audits, true)
	return res, nil
}

// SubmitForReview sends a balanced DRAFT to the coach.
func (s *Service) SubmitForReview(ctx context.Context, actor auth.Actor, budgetID string) (*Result, error) {
	if err := auth.Require(actor, auth.CapSubmitBudget); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "submit", audit.ActionSubmitForReview, actor, budgetID, func(sc *scope, b *contracts.Budget) error {
		if _, err := next(b, ActionSubmit); err != nil {
			return err
		}
		v, err := sc.tx.GetVersion(sc.ctx, b.ID, b.CurrentVersionNumber)
		if err != nil {
			return err
		}
		if err := checkSubmittable(v); err != nil {
			return err
		}
		sc.version = v
		return sc.move(b, ActionSubmit)
	})
}

// ReviewDecision is the coach's verdict.
type ReviewDecision string

const (
	DecisionApprove        ReviewDecision = "approve"
	DecisionRequestChanges ReviewDecision = "request_changes"
)

// CoachReview approves a budget in REVIEW or sends it back to DRAFT with
// notes.
func (s *Service) CoachReview(ctx context.Context, actor auth.Actor, budgetID string, decision ReviewDecision, notes string) (*Result, error) {
	if err := auth.Require(actor, auth.CapCoachReview); err != nil {
		return nil, err
	}
	notes = canonicalize.Text(notes)
	var action Action
	switch decision {
	case DecisionApprove:
		action = ActionCoachApprove
	case DecisionRequestChanges:
		if notes == "" {
			return nil, &contracts.ValidationError{Field: "notes", Reason: "are required when requesting changes"}
		}
		action = ActionCoachRequestChanges
	default:
		return nil, &contracts.ValidationError{Field: "decision", Reason: "must be approve or request_changes"}
	}

	auditAction := audit.ActionCoachApprove
	if action == ActionCoachRequestChanges {
		auditAction = audit.ActionCoachRequestChanges
	}
	return s.mutate(ctx, "coach_review", auditAction, actor, budgetID, func(sc *scope, b *contracts.Budget) error {
		if err := sc.move(b, action); err != nil {
			return err
		}
		if notes != "" {
			sc.events[len(sc.events)-1].Data = map[string]string{"notes": notes}
		}
		return nil
	})
}

// EditInput is a replacement allocation set.
type EditInput struct {
	Actor         auth.Actor
	BudgetID      string
	Total         decimal.Decimal
	Allocations   []contracts.Allocation
	ChangeSummary string
}

// EditAllocations appends version N+1. Editing a PRESENTED budget drops it
// back to TEAM_APPROVED; the old request stays as it was and is no longer
// current.
func (s *Service) EditAllocations(ctx context.Context, in EditInput) (*Result, error) {
	if err := auth.Require(in.Actor, auth.CapEditBudget); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "edit", audit.ActionEditAllocations, in.Actor, in.BudgetID, func(sc *scope, b *contracts.Budget) error {
		if b.Status == contracts.BudgetApproved || b.Status == contracts.BudgetLocked {
			return &contracts.ForbiddenError{
				ActorID:    in.Actor.ID,
				Role:       string(in.Actor.Role),
				Capability: string(auth.CapEditBudget),
				Reason:     "budget is " + string(b.Status) + " and its allocations can no longer change",
			}
		}
		if _, err := next(b, ActionEdit); err != nil {
			return err
		}

		v, err := newVersion(b.ID, b.CurrentVersionNumber+1, in.Total, in.Allocations, in.ChangeSummary, in.Actor.ID, sc.now)
		if err != nil {
			return err
		}
		if err := sc.tx.InsertVersion(sc.ctx, v); err != nil {
			return err
		}
		b.CurrentVersionNumber = v.Number
		sc.version = v

		wasPresented := b.Status == contracts.BudgetPresented
		if err := sc.move(b, ActionEdit); err != nil {
			return err
		}
		if wasPresented {
			b.CurrentRequestID = nil
		}
		sc.emit(contracts.EventBudgetVersionCreated, b, map[string]string{"summary": v.ChangeSummary})
		return nil
	})
}

// Lock freezes an APPROVED budget. Locking a LOCKED budget succeeds without
// change.
func (s *Service) Lock(ctx context.Context, actor auth.Actor, budgetID string) (*Result, error) {
	if err := auth.Require(actor, auth.CapLockBudget); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "lock", audit.ActionLock, actor, budgetID, func(sc *scope, b *contracts.Budget) error {
		if b.Status == contracts.BudgetLocked {
			sc.noop = true
			return nil
		}
		if b.Status == contracts.BudgetPresented {
			return &contracts.InvalidStateError{
				Entity: "budget", ID: b.ID, Current: string(b.Status), Requested: string(ActionLock),
				Detail: "stakeholder quorum and any required association approval must come first",
			}
		}
		return s.lock(sc, b, ActionLock, sc.actor)
	})
}

// lock sets the locked pointer to the presented version.
func (s *Service) lock(sc *scope, b *contracts.Budget, action Action, by auth.Actor) error {
	if b.PresentedVersionNumber == nil {
		return &contracts.InvalidStateError{
			Entity: "budget", ID: b.ID, Current: string(b.Status), Requested: string(action),
			Detail: "no version has been presented",
		}
	}
	if err := sc.move(b, action); err != nil {
		return err
	}
	locked := *b.PresentedVersionNumber
	at := sc.now
	b.LockedVersionNumber = &locked
	b.LockedAt = &at
	b.LockedBy = by.ID
	sc.emit(contracts.EventBudgetLocked, b, map[string]string{"locked_by": by.ID})
	sc.events[len(sc.events)-1].VersionNumber = locked
	return nil
}
