// Package store persists budgets, versions, acknowledgment requests, the
// acknowledgment ledger, season state, the event outbox and the audit log.
//
// All writes go through a Tx obtained from WithBudget or WithSeason; those
// calls are the serialization boundary for one budget or one team season.
// A callback error rolls the whole transaction back.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// ErrConflict reports a uniqueness violation.
var ErrConflict = errors.New("store: conflict")

// ErrReadOnly is returned by writes attempted inside View.
var ErrReadOnly = errors.New("store: read-only transaction")

// AckUpdate carries the fields written when a placeholder is flipped.
type AckUpdate struct {
	At           time.Time
	Provenance   contracts.Provenance
	Comment      string
	HasQuestions bool
}

// Tx is the set of reads and writes available inside one transaction.
type Tx interface {
	// LockSeason serializes access to one team season for the rest of the
	// transaction. Budget transactions lock the budget first, then its season.
	LockSeason(ctx context.Context, teamID, season string) error

	GetBudget(ctx context.Context, id string) (*contracts.Budget, error)
	FindBudget(ctx context.Context, teamID, season string) (*contracts.Budget, error)
	InsertBudget(ctx context.Context, b *contracts.Budget) error
	UpdateBudget(ctx context.Context, b *contracts.Budget) error

	GetVersion(ctx context.Context, budgetID string, number int) (*contracts.BudgetVersion, error)
	ListVersions(ctx context.Context, budgetID string) ([]*contracts.BudgetVersion, error)
	InsertVersion(ctx context.Context, v *contracts.BudgetVersion) error

	GetRequest(ctx context.Context, id string) (*contracts.AcknowledgmentRequest, error)
	InsertRequest(ctx context.Context, r *contracts.AcknowledgmentRequest) error
	SetRequestCount(ctx context.Context, id string, count int) error
	// CompleteRequest flips PENDING to COMPLETED and reports whether this call
	// made the change.
	CompleteRequest(ctx context.Context, id string, at time.Time) (bool, error)
	// ExpireRequest flips PENDING to EXPIRED and reports whether this call
	// made the change.
	ExpireRequest(ctx context.Context, id string, at time.Time) (bool, error)

	InsertAcknowledgment(ctx context.Context, a *contracts.Acknowledgment) error
	GetAcknowledgment(ctx context.Context, requestID, stakeholderID string) (*contracts.Acknowledgment, error)
	ListAcknowledgments(ctx context.Context, requestID string) ([]*contracts.Acknowledgment, error)
	// MarkAcknowledged flips a placeholder that is not yet acknowledged and
	// reports whether this call made the change.
	MarkAcknowledged(ctx context.Context, requestID, stakeholderID string, u AckUpdate) (bool, error)
	// CountAcknowledged counts acknowledged ledger rows as seen by this
	// transaction.
	CountAcknowledged(ctx context.Context, requestID string) (int, error)

	GetSeason(ctx context.Context, teamID, season string) (*contracts.SeasonState, error)
	UpsertSeason(ctx context.Context, s *contracts.SeasonState) error

	EnqueueEvent(ctx context.Context, evt contracts.DomainEvent) error
}

// DueRequest identifies a pending request whose expiry has passed.
type DueRequest struct {
	RequestID string
	BudgetID  string
}

// Store opens transactions and exposes the few queries that run outside one.
type Store interface {
	// WithBudget runs fn in a transaction holding the budget's lock. It
	// returns a NotFoundError when the budget does not exist.
	WithBudget(ctx context.Context, budgetID string, fn func(Tx) error) error
	// WithSeason runs fn in a transaction holding the team season's lock.
	WithSeason(ctx context.Context, teamID, season string, fn func(Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error

	ListDueRequests(ctx context.Context, now time.Time) ([]DueRequest, error)

	PendingEvents(ctx context.Context, limit int) ([]*contracts.OutboxRecord, error)
	MarkEventDelivered(ctx context.Context, eventID string) error
	MarkEventFailed(ctx context.Context, eventID string, lastErr string, giveUp bool) error

	AppendAudit(ctx context.Context, e contracts.AuditEntry) error

	Close() error
}

func notFound(entity, id string) error {
	return &contracts.NotFoundError{Entity: entity, ID: id}
}
