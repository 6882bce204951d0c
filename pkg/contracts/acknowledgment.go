package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuorumMode selects how acknowledgments are compared against the threshold.
type QuorumMode string

const (
	QuorumCount   QuorumMode = "COUNT"
	QuorumPercent QuorumMode = "PERCENT"
)

// RequestStatus is the lifecycle of an acknowledgment request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestExpired   RequestStatus = "EXPIRED"
)

// AcknowledgmentRequest binds a presented version to the quorum it needs.
// Mode, thresholds, EligibleCount and RequiresAssociationApproval are fixed
// when the request is created and never recomputed.
type AcknowledgmentRequest struct {
	ID                          string          `json:"id"`
	BudgetID                    string          `json:"budget_id"`
	VersionNumber               int             `json:"version_number"`
	VersionHash                 string          `json:"version_hash"`
	Mode                        QuorumMode      `json:"mode"`
	RequiredCount               int             `json:"required_count,omitempty"`
	RequiredPercent             decimal.Decimal `json:"required_percent"`
	EligibleCount               int             `json:"eligible_count"`
	AcknowledgedCount           int             `json:"acknowledged_count"`
	RequiresAssociationApproval bool            `json:"requires_association_approval"`
	Status                      RequestStatus   `json:"status"`
	CreatedBy                   string          `json:"created_by"`
	CreatedAt                   time.Time       `json:"created_at"`
	ExpiresAt                   *time.Time      `json:"expires_at,omitempty"`
	CompletedAt                 *time.Time      `json:"completed_at,omitempty"`
	ExpiredAt                   *time.Time      `json:"expired_at,omitempty"`
}

// Clone returns a deep copy.
func (r *AcknowledgmentRequest) Clone() *AcknowledgmentRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.ExpiresAt = cloneTime(r.ExpiresAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	c.ExpiredAt = cloneTime(r.ExpiredAt)
	return &c
}

// Overdue reports whether a pending request has passed its expiry.
func (r *AcknowledgmentRequest) Overdue(now time.Time) bool {
	return r.Status == RequestPending && r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// Provenance records where an acknowledgment came from.
type Provenance struct {
	OriginAddress   string `json:"origin_address,omitempty"`
	ClientSignature string `json:"client_signature,omitempty"`
}

// Acknowledgment is one stakeholder's entry in the ledger.
type Acknowledgment struct {
	RequestID       string     `json:"request_id"`
	StakeholderID   string     `json:"stakeholder_id"`
	StakeholderName string     `json:"stakeholder_name,omitempty"`
	Acknowledged    bool       `json:"acknowledged"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	Provenance      Provenance `json:"provenance"`
	Comment         string     `json:"comment,omitempty"`
	HasQuestions    bool       `json:"has_questions,omitempty"`
}

// Clone returns a deep copy.
func (a *Acknowledgment) Clone() *Acknowledgment {
	if a == nil {
		return nil
	}
	c := *a
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	return &c
}
