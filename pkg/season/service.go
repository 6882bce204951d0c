package season

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/miked5167/squadbooks-sub007/pkg/audit"
	"github.com/miked5167/squadbooks-sub007/pkg/auth"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/governance"
	"github.com/miked5167/squadbooks-sub007/pkg/observability"
	"github.com/miked5167/squadbooks-sub007/pkg/store"
)

// GuardMinimumInterest names the start-of-season interest guard.
const GuardMinimumInterest = "season.start.minimum_interest"

// Kicker wakes the event dispatcher after a commit.
type Kicker interface {
	Kick()
}

// Service runs the season-only operations.
type Service struct {
	store    store.Store
	policy   *governance.Evaluator
	audit    audit.Writer
	events   Kicker
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
	fallback int
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy reads the minimum interest from the association's policy.
func WithPolicy(e *governance.Evaluator) Option { return func(s *Service) { s.policy = e } }

func WithAudit(w audit.Writer) Option { return func(s *Service) { s.audit = w } }

func WithDispatcher(k Kicker) Option { return func(s *Service) { s.events = k } }

func WithObservability(p *observability.Provider) Option { return func(s *Service) { s.obs = p } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// WithMinimumInterest sets the interest floor used when no policy applies.
func WithMinimumInterest(n int) Option { return func(s *Service) { s.fallback = n } }

func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:    st,
		audit:    audit.Discard,
		logger:   slog.Default().With("component", "season"),
		clock:    time.Now,
		fallback: governance.DefaultMinimumInterest,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the season record. A season nobody has touched reads as NEW.
func (s *Service) Get(ctx context.Context, actor auth.Actor, teamID, season string) (*contracts.SeasonState, error) {
	if err := auth.Require(actor, auth.CapView); err != nil {
		return nil, err
	}
	var out *contracts.SeasonState
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = Load(ctx, tx, teamID, season)
		return err
	})
	return out, err
}

// RecordEligibleStakeholders stores the number of families who expressed
// interest. It does not change the state, and requests already presented
// keep the denominator they were created with.
func (s *Service) RecordEligibleStakeholders(ctx context.Context, actor auth.Actor, teamID, season string, count int) (st *contracts.SeasonState, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "season.record_eligible", attribute.String("team_id", teamID))
	defer func() { done(err) }()

	if err := auth.Require(actor, auth.CapRecordStakeholders); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, &contracts.ValidationError{Field: "count", Reason: "must not be negative"}
	}

	var before *contracts.SeasonState
	err = s.store.WithSeason(ctx, teamID, season, func(tx store.Tx) error {
		cur, err := Load(ctx, tx, teamID, season)
		if err != nil {
			return err
		}
		before = cur.Clone()
		cur.EligibleStakeholderCount = contracts.IntPtr(count)
		cur.LastActivityAt = s.clock().UTC()
		if err := tx.UpsertSeason(ctx, cur); err != nil {
			return err
		}
		st = cur
		return tx.EnqueueEvent(ctx, s.event(contracts.EventEligibleRecorded, cur, actor, map[string]string{
			"count": strconv.Itoa(count),
		}))
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, audit.NewEntry(actor, audit.ActionRecordEligible, "season", contracts.SeasonKey(teamID, season), before, st))
	return st, nil
}

// StartSeason moves a LOCKED season to ACTIVE once enough families have
// expressed interest.
func (s *Service) StartSeason(ctx context.Context, actor auth.Actor, teamID, season string) (st *contracts.SeasonState, err error) {
	ctx, done := s.obs.TrackOperation(ctx, "season.start", attribute.String("team_id", teamID))
	defer func() { done(err) }()

	if err := auth.Require(actor, auth.CapStartSeason); err != nil {
		return nil, err
	}

	var before *contracts.SeasonState
	err = s.store.WithSeason(ctx, teamID, season, func(tx store.Tx) error {
		cur, err := tx.GetSeason(ctx, teamID, season)
		if err != nil {
			return err
		}
		if cur.State != contracts.SeasonLocked {
			return &contracts.InvalidStateError{
				Entity: "season", ID: contracts.SeasonKey(teamID, season),
				Current: string(cur.State), Requested: "start season",
			}
		}
		minimum, err := s.minimumInterest(ctx, tx, cur)
		if err != nil {
			return err
		}
		if cur.EligibleStakeholderCount == nil || *cur.EligibleStakeholderCount < minimum {
			got := 0
			if cur.EligibleStakeholderCount != nil {
				got = *cur.EligibleStakeholderCount
			}
			return &contracts.GuardViolationError{
				Guard:  GuardMinimumInterest,
				Reason: fmt.Sprintf("cannot start season: %d of %d required families have expressed interest", got, minimum),
			}
		}

		before = cur.Clone()
		now := s.clock().UTC()
		cur.State = contracts.SeasonActive
		cur.ActivatedAt = &now
		cur.LastActivityAt = now
		if err := tx.UpsertSeason(ctx, cur); err != nil {
			return err
		}
		st = cur
		return tx.EnqueueEvent(ctx, s.event(contracts.EventSeasonActivated, cur, actor, nil))
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, audit.NewEntry(actor, audit.ActionStartSeason, "season", contracts.SeasonKey(teamID, season), before, st))
	return st, nil
}

func (s *Service) minimumInterest(ctx context.Context, tx store.Tx, st *contracts.SeasonState) (int, error) {
	if s.policy == nil || st.BudgetID == "" {
		return s.fallback, nil
	}
	b, err := tx.GetBudget(ctx, st.BudgetID)
	if errors.Is(err, contracts.ErrNotFound) {
		return s.fallback, nil
	}
	if err != nil {
		return 0, err
	}
	p, err := s.policy.Policy(ctx, b.AssociationID)
	if err != nil {
		return 0, err
	}
	if p.MinimumInterest > 0 {
		return p.MinimumInterest, nil
	}
	return s.fallback, nil
}

func (s *Service) event(typ contracts.EventType, st *contracts.SeasonState, actor auth.Actor, data map[string]string) contracts.DomainEvent {
	return contracts.DomainEvent{
		ID:         uuid.New().String(),
		Type:       typ,
		BudgetID:   st.BudgetID,
		TeamID:     st.TeamID,
		Season:     st.Season,
		ToStatus:   string(st.State),
		ActorID:    actor.ID,
		OccurredAt: s.clock().UTC(),
		Data:       data,
	}
}

func (s *Service) afterCommit(ctx context.Context, entry contracts.AuditEntry) {
	if err := s.audit.Write(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "audit write failed", "action", entry.Action, "entity_id", entry.EntityID, "error", err)
	}
	if s.events != nil {
		s.events.Kick()
	}
}
