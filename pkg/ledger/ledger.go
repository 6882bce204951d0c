// Package ledger records stakeholder acknowledgments against a presented
// budget version and decides, inside the writing transaction, when the
// request's quorum is reached.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/miked5167/squadbooks-sub007/pkg/canonicalize"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/store"
)

// Stakeholder is someone invited to acknowledge a presentation.
type Stakeholder struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Ledger writes through a store.Tx supplied by the caller, so every write
// shares the caller's transaction.
type Ledger struct {
	clock func() time.Time
}

func New() *Ledger {
	return &Ledger{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// ValidateStakeholders rejects empty or duplicate invite lists.
func ValidateStakeholders(list []Stakeholder) error {
	if len(list) == 0 {
		return &contracts.ValidationError{Field: "stakeholders", Reason: "at least one stakeholder is required"}
	}
	seen := make(map[string]bool, len(list))
	for i, s := range list {
		id := canonicalize.Text(s.ID)
		if id == "" {
			return &contracts.ValidationError{Field: fmt.Sprintf("stakeholders[%d].id", i), Reason: "is required"}
		}
		if seen[id] {
			return &contracts.ValidationError{Field: fmt.Sprintf("stakeholders[%d].id", i), Reason: fmt.Sprintf("duplicate stakeholder %q", id)}
		}
		seen[id] = true
	}
	return nil
}

// Open stores a new request and one unacknowledged placeholder per
// stakeholder.
func (l *Ledger) Open(ctx context.Context, tx store.Tx, req *contracts.AcknowledgmentRequest, stakeholders []Stakeholder) error {
	if err := ValidateStakeholders(stakeholders); err != nil {
		return err
	}
	if err := tx.InsertRequest(ctx, req); err != nil {
		return err
	}
	for _, s := range stakeholders {
		if err := tx.InsertAcknowledgment(ctx, &contracts.Acknowledgment{
			RequestID:       req.ID,
			StakeholderID:   canonicalize.Text(s.ID),
			StakeholderName: canonicalize.Text(s.Name),
		}); err != nil {
			return err
		}
	}
	return nil
}

// RecordInput identifies the acknowledgment being made.
type RecordInput struct {
	RequestID     string
	StakeholderID string
	Provenance    contracts.Provenance
	Comment       string
	HasQuestions  bool
}

// RecordResult reports what Record did. Completed is true for exactly one
// caller per request: the one whose acknowledgment flipped it to COMPLETED.
type RecordResult struct {
	Acknowledgment      *contracts.Acknowledgment
	Request             *contracts.AcknowledgmentRequest
	AlreadyAcknowledged bool
	Completed           bool
}

// Record flips a placeholder, refreshes the cached count from the ledger
// and completes the request when quorum is met.
//
// A request that is already COMPLETED still records the acknowledgment; it
// just cannot complete again. EXPIRED requests refuse new acknowledgments but
// still answer repeats from stakeholders who acknowledged in time.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, in RecordInput) (*RecordResult, error) {
	in.StakeholderID = canonicalize.Text(in.StakeholderID)
	req, err := tx.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	existing, err := tx.GetAcknowledgment(ctx, in.RequestID, in.StakeholderID)
	if err != nil {
		return nil, err
	}
	if existing.Acknowledged {
		return &RecordResult{Acknowledgment: existing, Request: req, AlreadyAcknowledged: true}, nil
	}

	now := l.clock().UTC()
	if req.Status == contracts.RequestExpired || req.Overdue(now) {
		return nil, &contracts.InvalidStateError{
			Entity:    "acknowledgment request",
			ID:        req.ID,
			Current:   string(contracts.RequestExpired),
			Requested: "acknowledge",
			Detail:    "the budget must be presented again",
		}
	}

	flipped, err := tx.MarkAcknowledged(ctx, in.RequestID, in.StakeholderID, store.AckUpdate{
		At:           now,
		Provenance:   in.Provenance,
		Comment:      canonicalize.Text(in.Comment),
		HasQuestions: in.HasQuestions,
	})
	if err != nil {
		return nil, err
	}
	ack, err := tx.GetAcknowledgment(ctx, in.RequestID, in.StakeholderID)
	if err != nil {
		return nil, err
	}
	if !flipped {
		return &RecordResult{Acknowledgment: ack, Request: req, AlreadyAcknowledged: true}, nil
	}

	count, err := tx.CountAcknowledged(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if err := tx.SetRequestCount(ctx, in.RequestID, count); err != nil {
		return nil, err
	}
	req.AcknowledgedCount = count

	res := &RecordResult{Acknowledgment: ack, Request: req}
	if req.Status == contracts.RequestPending && Met(req, count) {
		ok, err := tx.CompleteRequest(ctx, req.ID, now)
		if err != nil {
			return nil, err
		}
		if ok {
			req.Status = contracts.RequestCompleted
			req.CompletedAt = &now
			res.Completed = true
		}
	}
	return res, nil
}

// Expire moves a pending, overdue request to EXPIRED. It reports whether
// this call made the change.
func (l *Ledger) Expire(ctx context.Context, tx store.Tx, requestID string) (bool, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	now := l.clock().UTC()
	if !req.Overdue(now) {
		return false, nil
	}
	return tx.ExpireRequest(ctx, requestID, now)
}
