// Package escrow implements the payment and bid-acceptance state machine at
// the heart of the marketplace.
//
// Flow:
//  1. Poster publishes an assignment with a budget
//  2. Doers bid; poster accepts exactly one bid
//  3. Acceptance authorizes a manual-capture payment hold on the poster's card
//  4. Doer works, submits; poster reviews and releases the payment
//  5. Release captures the hold and credits the doer's balance, net of fee
//  6. A dispute freezes the payment until an arbitrator forces release or refund
//
// Assignment, bid and payment state always move in lock-step: transitions are
// validated against an explicit adjacency table and applied through
// conditional updates so that webhook retries and concurrent callers cannot
// tear the triple apart.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskbay/taskbay/internal/pagination"
)

var (
	ErrAssignmentNotFound     = errors.New("assignment not found")
	ErrBidNotFound            = errors.New("bid not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrUnauthorized           = errors.New("not authorized for this operation")
	ErrInvalidState           = errors.New("invalid state for this operation")
	ErrInvalidTransition      = errors.New("invalid assignment transition")
	ErrSelfDealing            = errors.New("poster and doer cannot be the same user")
	ErrDuplicateBid           = errors.New("bidder already has an active bid on this assignment")
	ErrAlreadyReleased        = errors.New("payment already released")
	ErrConcurrentModification = errors.New("concurrent modification, retry the operation")
	ErrPaymentDisputed        = errors.New("payment is frozen by an open dispute")
	ErrNoPayableAccount       = errors.New("payee has no payout-enabled account")
	ErrInvalidAmount          = errors.New("invalid amount")
)

// AssignmentStatus is the lifecycle state of an assignment.
type AssignmentStatus string

const (
	StatusOpen        AssignmentStatus = "open"
	StatusAssigned    AssignmentStatus = "assigned"
	StatusInProgress  AssignmentStatus = "in_progress"
	StatusUnderReview AssignmentStatus = "under_review"
	StatusCompleted   AssignmentStatus = "completed"
	StatusCancelled   AssignmentStatus = "cancelled"
)

// assignmentTransitions is the adjacency table for assignment status changes.
// Everything not listed here is rejected with a TransitionError; transitions
// are never inferred from context.
var assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
	StatusOpen:        {StatusAssigned, StatusCancelled},
	StatusAssigned:    {StatusInProgress, StatusOpen}, // back to open on authorization failure
	StatusInProgress:  {StatusUnderReview, StatusOpen},
	StatusUnderReview: {StatusInProgress, StatusCompleted, StatusOpen},
	StatusCompleted:   {},
	StatusCancelled:   {},
}

// CanTransition reports whether from → to is a legal assignment transition.
func CanTransition(from, to AssignmentStatus) bool {
	for _, next := range assignmentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError reports an illegal status transition with the
// machine-readable from/to pair.
type TransitionError struct {
	From AssignmentStatus
	To   AssignmentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid assignment transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// BidStatus is the lifecycle state of a bid.
type BidStatus string

const (
	BidPending   BidStatus = "pending"
	BidAccepted  BidStatus = "accepted"
	BidDeclined  BidStatus = "declined"
	BidWithdrawn BidStatus = "withdrawn"
)

// PaymentStatus is the lifecycle state of an escrow payment.
//
// pending → completed → released, or pending/completed → disputed →
// released/refunded. Voided is the terminal state for payments whose
// authorization failed asynchronously; nothing ever moves backwards.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentReleased  PaymentStatus = "released"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentDisputed  PaymentStatus = "disputed"
	PaymentVoided    PaymentStatus = "voided"
)

// Assignment is a posted task. DoerID and AcceptedBidID are empty until a bid
// is accepted, and non-empty in every post-acceptance status.
type Assignment struct {
	ID            string           `json:"id"`
	PosterID      string           `json:"posterId"`
	DoerID        string           `json:"doerId,omitempty"`
	Title         string           `json:"title"`
	Description   string           `json:"description,omitempty"`
	BudgetCents   int64            `json:"budgetCents"`
	Currency      string           `json:"currency"`
	Status        AssignmentStatus `json:"status"`
	AcceptedBidID string           `json:"acceptedBidId,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// IsTerminal returns true if the assignment is in a final state.
func (a *Assignment) IsTerminal() bool {
	return a.Status == StatusCompleted || a.Status == StatusCancelled
}

// Bid is a doer's priced offer on an open assignment.
type Bid struct {
	ID           string    `json:"id"`
	AssignmentID string    `json:"assignmentId"`
	BidderID     string    `json:"bidderId"`
	AmountCents  int64     `json:"amountCents"`
	Message      string    `json:"message,omitempty"`
	Status       BidStatus `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Active reports whether the bid still counts against the one-bid-per-doer rule.
func (b *Bid) Active() bool {
	return b.Status == BidPending || b.Status == BidAccepted
}

// Payment is the escrow record tied 1:1 to an assignment from acceptance on.
// FeeBPS is fixed at authorization time; FeeCents = AmountCents * FeeBPS / 10000,
// deducted from the payee's side at release.
type Payment struct {
	ID               string        `json:"id"`
	AssignmentID     string        `json:"assignmentId"`
	PayerID          string        `json:"payerId"`
	PayeeID          string        `json:"payeeId"`
	AmountCents      int64         `json:"amountCents"`
	FeeBPS           int64         `json:"feeBps"`
	FeeCents         int64         `json:"feeCents"`
	Currency         string        `json:"currency"`
	AuthorizationRef string        `json:"authorizationRef"`
	Status           PaymentStatus `json:"status"`
	// DisputedFrom remembers the status a dispute froze the payment from,
	// so a withdrawn dispute can restore it. Empty unless disputed.
	DisputedFrom PaymentStatus `json:"disputedFrom,omitempty"`
	ReleasedAt   *time.Time    `json:"releasedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// NetCents is the amount credited to the payee on release.
func (p *Payment) NetCents() int64 {
	return p.AmountCents - p.FeeCents
}

// FeeFor computes the platform fee in cents for an amount at the given rate.
func FeeFor(amountCents, feeBPS int64) int64 {
	return amountCents * feeBPS / 10000
}

// Submission is a deliverable handed in by the doer for review.
type Submission struct {
	ID           string       `json:"id"`
	AssignmentID string       `json:"assignmentId"`
	DoerID       string       `json:"doerId"`
	Note         string       `json:"note,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Attachment is an opaque file reference; contents are never interpreted here.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Store persists the assignment/bid/payment triple.
//
// Update methods take the expected current status and must fail with
// ErrConcurrentModification when the row is no longer in that status. This,
// plus WithTx, is the only mutual-exclusion mechanism a deployment can rely
// on; the in-process per-assignment locks are an optimization.
type Store interface {
	// WithTx runs fn against a transactional view of the store. All writes
	// inside fn commit together or not at all.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateAssignment(ctx context.Context, a *Assignment) error
	GetAssignment(ctx context.Context, id string) (*Assignment, error)
	// UpdateAssignment persists a, guarded on the status the caller read.
	UpdateAssignment(ctx context.Context, a *Assignment, expect AssignmentStatus) error
	// ListOpenAssignments returns open assignments newest first, starting
	// after cursor when non-nil.
	ListOpenAssignments(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Assignment, error)
	ListAssignmentsByUser(ctx context.Context, userID string, limit int) ([]*Assignment, error)

	CreateBid(ctx context.Context, b *Bid) error
	GetBid(ctx context.Context, id string) (*Bid, error)
	UpdateBid(ctx context.Context, b *Bid, expect BidStatus) error
	ListBidsByAssignment(ctx context.Context, assignmentID string) ([]*Bid, error)
	// GetActiveBid returns the bidder's pending or accepted bid on the
	// assignment, or ErrBidNotFound.
	GetActiveBid(ctx context.Context, assignmentID, bidderID string) (*Bid, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id string) (*Payment, error)
	GetPaymentByAssignment(ctx context.Context, assignmentID string) (*Payment, error)
	GetPaymentByAuthorization(ctx context.Context, authorizationRef string) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment, expect PaymentStatus) error

	CreateSubmission(ctx context.Context, s *Submission) error
	ListSubmissions(ctx context.Context, assignmentID string) ([]*Submission, error)
}

// PayeeLedger credits the payee's platform balance when a payment captures.
// Credits are keyed by reference and must be idempotent: replaying the same
// reference is a no-op, never a double-credit.
type PayeeLedger interface {
	CreditOnce(ctx context.Context, userID string, amountCents int64, reference, description string) error
}

// AccountChecker answers whether a user can receive payouts.
type AccountChecker interface {
	PayoutAccount(ctx context.Context, userID string) (accountID string, payoutsEnabled bool, err error)
}

// Notifier fans domain events out to connected clients. Best effort only;
// a failed publish never affects state.
type Notifier interface {
	Publish(channel, event string, payload any)
}

// CreateAssignmentRequest contains the parameters for posting an assignment.
type CreateAssignmentRequest struct {
	PosterID    string `json:"posterId" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	BudgetCents int64  `json:"budgetCents" binding:"required"`
	Currency    string `json:"currency"`
}

// SubmitBidRequest contains the parameters for placing a bid.
type SubmitBidRequest struct {
	BidderID    string `json:"bidderId" binding:"required"`
	AmountCents int64  `json:"amountCents" binding:"required"`
	Message     string `json:"message"`
}

// SubmitWorkRequest contains the parameters for handing in a deliverable.
type SubmitWorkRequest struct {
	DoerID      string       `json:"doerId" binding:"required"`
	Note        string       `json:"note"`
	Attachments []Attachment `json:"attachments"`
}
