// Package audit records who changed what after every committed budget or
// season transition.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miked5167/squadbooks-sub007/pkg/auth"
	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
)

// Actions recorded by the budget core.
const (
	ActionCreateBudget        = "CREATE_BUDGET"
	ActionEditAllocations     = "EDIT_ALLOCATIONS"
	ActionSubmitForReview     = "SUBMIT_FOR_REVIEW"
	ActionCoachApprove        = "COACH_APPROVE"
	ActionCoachRequestChanges = "COACH_REQUEST_CHANGES"
	ActionPresent             = "PRESENT_TO_STAKEHOLDERS"
	ActionAcknowledge         = "RECORD_ACKNOWLEDGMENT"
	ActionAssociationApprove  = "ASSOCIATION_APPROVE"
	ActionAssociationChanges  = "ASSOCIATION_REQUEST_CHANGES"
	ActionLock                = "LOCK_BUDGET"
	ActionExpireRequest       = "EXPIRE_REQUEST"
	ActionRecordEligible      = "RECORD_ELIGIBLE_STAKEHOLDERS"
	ActionStartSeason         = "START_SEASON"
	ActionSeasonSync          = "SEASON_SYNC"
)

// Writer is the audit sink.
type Writer interface {
	Write(ctx context.Context, e contracts.AuditEntry) error
}

// NewEntry stamps an entry with an id, the actor and the current time.
func NewEntry(actor auth.Actor, action, entityType, entityID string, before, after any) contracts.AuditEntry {
	return contracts.AuditEntry{
		ID:          uuid.New().String(),
		ActorID:     actor.ID,
		ActorRole:   string(actor.Role),
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		BeforeState: before,
		AfterState:  after,
		At:          time.Now().UTC(),
	}
}

// JSONWriter writes one "AUDIT: "-prefixed JSON line per entry.
type JSONWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewJSONWriter creates a writer on os.Stdout when w is nil.
func NewJSONWriter(w io.Writer) *JSONWriter {
	if w == nil {
		w = os.Stdout
	}
	return &JSONWriter{writer: w}
}

func (l *JSONWriter) Write(_ context.Context, e contracts.AuditEntry) error {
	bytes, err := json.Marshal(e)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Appender is the persistence side of StoreWriter; store.Store satisfies it.
type Appender interface {
	AppendAudit(ctx context.Context, e contracts.AuditEntry) error
}

// StoreWriter persists entries to the audit_log table.
type StoreWriter struct {
	store Appender
}

func NewStoreWriter(s Appender) *StoreWriter {
	return &StoreWriter{store: s}
}

func (l *StoreWriter) Write(ctx context.Context, e contracts.AuditEntry) error {
	if l.store == nil {
		return errors.New("fail-closed: audit store not configured")
	}
	return l.store.AppendAudit(ctx, e)
}

// Multi fans an entry out to every writer and joins their errors.
type Multi []Writer

func (m Multi) Write(ctx context.Context, e contracts.AuditEntry) error {
	var errs []error
	for _, w := range m {
		if err := w.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every entry.
var Discard Writer = discard{}

type discard struct{}

func (discard) Write(context.Context, contracts.AuditEntry) error { return nil }
