// Package disputes handles arbitration over escrowed payments.
//
// Flow:
//  1. Poster or doer opens a dispute; the escrow payment freezes
//  2. Both sides attach evidence while the dispute is open
//  3. The opener may withdraw an open dispute, unfreezing the payment
//  4. An arbiter resolves it once: release to the doer or refund the poster
//  5. Resolution and withdrawal are terminal — no appeal, no second resolve
package disputes

import (
	"context"
	"errors"
	"time"

	"github.com/taskbay/taskbay/internal/escrow"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrDisputeExists   = errors.New("an open dispute already exists for this assignment")
	ErrAlreadyResolved = errors.New("dispute already resolved")
	ErrNotParticipant  = errors.New("caller is not a participant in this assignment")
	ErrNotOpener       = errors.New("only the opener may withdraw a dispute")
	ErrInvalidOutcome  = errors.New("outcome must be release or refund")
)

// Status is a dispute's lifecycle state.
type Status string

const (
	StatusOpen            Status = "open"
	StatusResolvedRelease Status = "resolved_release"
	StatusResolvedRefund  Status = "resolved_refund"
	StatusCancelled       Status = "cancelled"
)

// Outcome is an arbitration decision.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// Dispute is an arbitration case over one assignment's escrow payment.
type Dispute struct {
	ID             string              `json:"id"`
	AssignmentID   string              `json:"assignmentId"`
	PaymentID      string              `json:"paymentId"`
	OpenedBy       string              `json:"openedBy"`
	Reason         string              `json:"reason"`
	Evidence       []escrow.Attachment `json:"evidence,omitempty"`
	Status         Status              `json:"status"`
	ResolvedBy     string              `json:"resolvedBy,omitempty"`
	ResolutionNote string              `json:"resolutionNote,omitempty"`
	ResolvedAt     *time.Time          `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// Open reports whether the dispute is still awaiting arbitration.
func (d *Dispute) Open() bool {
	return d.Status == StatusOpen
}

// Store persists disputes.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// GetOpenByAssignment returns the assignment's open dispute, or
	// ErrDisputeNotFound.
	GetOpenByAssignment(ctx context.Context, assignmentID string) (*Dispute, error)
	// UpdateResolved records a resolution or withdrawal, guarded on the
	// dispute still being open. A second close fails with ErrAlreadyResolved.
	UpdateResolved(ctx context.Context, d *Dispute) error
	// UpdateEvidence replaces the evidence list on an open dispute.
	UpdateEvidence(ctx context.Context, d *Dispute) error
	ListByAssignment(ctx context.Context, assignmentID string) ([]*Dispute, error)
}

// Settlement is the slice of the escrow controller disputes drive. Freezing
// and settling money stays escrow's job; disputes only record the case.
type Settlement interface {
	GetAssignment(ctx context.Context, id string) (*escrow.Assignment, error)
	MarkDisputed(ctx context.Context, assignmentID string) (*escrow.Payment, error)
	Unfreeze(ctx context.Context, assignmentID string) (*escrow.Payment, error)
	SettleRelease(ctx context.Context, assignmentID string) (*escrow.Payment, error)
	SettleRefund(ctx context.Context, assignmentID string) (*escrow.Payment, error)
}
