package contracts

import "time"

// EventType names a domain event.
type EventType string

const (
	EventBudgetCreated          EventType = "budget.created"
	EventBudgetTransitioned     EventType = "budget.transitioned"
	EventBudgetVersionCreated   EventType = "budget.version_created"
	EventBudgetPresented        EventType = "budget.presented"
	EventAcknowledgmentRecorded EventType = "acknowledgment.recorded"
	EventQuorumReached          EventType = "acknowledgment.quorum_reached"
	EventRequestExpired         EventType = "acknowledgment.expired"
	EventAssociationApproved    EventType = "association.approved"
	EventAssociationChanges     EventType = "association.changes_requested"
	EventBudgetLocked           EventType = "budget.locked"
	EventSeasonActivated        EventType = "season.activated"
	EventEligibleRecorded       EventType = "season.eligible_recorded"
)

// DomainEvent is written to the outbox in the same transaction as the state
// change that produced it and delivered after commit.
type DomainEvent struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	BudgetID      string            `json:"budget_id,omitempty"`
	TeamID        string            `json:"team_id,omitempty"`
	Season        string            `json:"season,omitempty"`
	RequestID     string            `json:"request_id,omitempty"`
	VersionNumber int               `json:"version_number,omitempty"`
	FromStatus    string            `json:"from_status,omitempty"`
	ToStatus      string            `json:"to_status,omitempty"`
	ActorID       string            `json:"actor_id,omitempty"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Data          map[string]string `json:"data,omitempty"`
}

// OutboxStatus tracks delivery of a stored event.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxDelivered OutboxStatus = "DELIVERED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// OutboxRecord is a stored event awaiting delivery.
type OutboxRecord struct {
	Event     DomainEvent  `json:"event"`
	Status    OutboxStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// AuditEntry is the record handed to the audit writer after every committed
// transition.
type AuditEntry struct {
	ID          string    `json:"id"`
	ActorID     string    `json:"actor_id"`
	ActorRole   string    `json:"actor_role"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	BeforeState any       `json:"before_state,omitempty"`
	AfterState  any       `json:"after_state,omitempty"`
	At          time.Time `json:"at"`
}
