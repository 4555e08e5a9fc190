package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/metrics"
	"github.com/taskbay/taskbay/internal/pagination"
	"github.com/taskbay/taskbay/internal/provider"
	"github.com/taskbay/taskbay/internal/syncutil"
	"github.com/taskbay/taskbay/internal/traces"
)

// DefaultCurrency is used when an assignment doesn't name one.
const DefaultCurrency = "usd"

// Service is the escrow controller. It owns every transition of the
// assignment/bid/payment triple and is the only component allowed to call
// the payment provider.
type Service struct {
	store    Store
	gateway  provider.Gateway
	ledger   PayeeLedger
	accounts AccountChecker
	notifier Notifier
	feeBPS   int64
	currency string
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
}

// NewService creates the escrow controller.
func NewService(store Store, gateway provider.Gateway) *Service {
	return &Service{
		store:    store,
		gateway:  gateway,
		currency: DefaultCurrency,
		locks:    syncutil.NewContextShardedMutex(),
		logger:   slog.Default(),
	}
}

// WithLedger adds payee balance crediting on release.
func (s *Service) WithLedger(l PayeeLedger) *Service {
	s.ledger = l
	return s
}

// WithAccounts adds payout-account validation at bid acceptance.
func (s *Service) WithAccounts(a AccountChecker) *Service {
	s.accounts = a
	return s
}

// WithNotifier adds best-effort event fan-out.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithFee sets the platform fee in basis points, applied at authorization
// time and immutable for the lifetime of each payment.
func (s *Service) WithFee(bps int64) *Service {
	s.feeBPS = bps
	return s
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// lockAssignment serializes all state changes for one assignment. Operations
// on different assignments never contend.
func (s *Service) lockAssignment(ctx context.Context, id string) (func(), error) {
	return s.locks.LockContext(ctx, id)
}

// publish fans an event out without ever failing the caller.
func (s *Service) publish(channel, event string, payload any) {
	if s.notifier != nil {
		s.notifier.Publish(channel, event, payload)
	}
}

// CreateAssignment posts a new open assignment.
func (s *Service) CreateAssignment(ctx context.Context, req CreateAssignmentRequest) (*Assignment, error) {
	if req.BudgetCents <= 0 {
		return nil, ErrInvalidAmount
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.currency
	}

	now := time.Now().UTC()
	a := &Assignment{
		ID:          idgen.WithPrefix("asg_"),
		PosterID:    req.PosterID,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		BudgetCents: req.BudgetCents,
		Currency:    currency,
		Status:      StatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAssignment(ctx, a); err != nil {
		return nil, fmt.Errorf("create assignment: %w", err)
	}

	metrics.AssignmentsCreatedTotal.Inc()
	s.publish("market", "assignment.created", a)
	return a, nil
}

// GetAssignment returns an assignment by ID.
func (s *Service) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	return s.store.GetAssignment(ctx, id)
}

// ListOpenAssignments returns open assignments for browsing, newest first,
// starting after cursor when non-nil.
func (s *Service) ListOpenAssignments(ctx context.Context, cursor *pagination.Cursor, limit int) ([]*Assignment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOpenAssignments(ctx, cursor, limit)
}

// ListAssignmentsByUser returns assignments where the user is poster or doer.
func (s *Service) ListAssignmentsByUser(ctx context.Context, userID string, limit int) ([]*Assignment, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListAssignmentsByUser(ctx, userID, limit)
}

// GetPayment returns the escrow payment for an assignment, if any.
func (s *Service) GetPayment(ctx context.Context, assignmentID string) (*Payment, error) {
	return s.store.GetPaymentByAssignment(ctx, assignmentID)
}

// ListSubmissions returns the deliverables submitted for an assignment.
func (s *Service) ListSubmissions(ctx context.Context, assignmentID string) ([]*Submission, error) {
	return s.store.ListSubmissions(ctx, assignmentID)
}

// CancelAssignment cancels an assignment that never left open. Once a bid has
// been accepted a payment exists and cancellation goes through disputes.
func (s *Service) CancelAssignment(ctx context.Context, id, callerID string) (*Assignment, error) {
	unlock, err := s.lockAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PosterID != callerID {
		return nil, ErrUnauthorized
	}
	if err := s.transition(ctx, a, StatusCancelled); err != nil {
		return nil, err
	}

	s.publish(a.ID, "assignment.cancelled", a)
	return a, nil
}

// StartWork moves an assigned task into progress. Doer only.
func (s *Service) StartWork(ctx context.Context, id, callerID string) (*Assignment, error) {
	unlock, err := s.lockAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.DoerID != callerID {
		return nil, ErrUnauthorized
	}
	if err := s.checkNotFrozen(ctx, a.ID); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, a, StatusInProgress); err != nil {
		return nil, err
	}

	s.publish(a.ID, "assignment.started", a)
	return a, nil
}

// SubmitWork records a deliverable and puts the assignment under review.
// Submitting again while already under review appends a new submission
// without a status change.
func (s *Service) SubmitWork(ctx context.Context, id string, req SubmitWorkRequest) (*Submission, error) {
	unlock, err := s.lockAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.DoerID != req.DoerID {
		return nil, ErrUnauthorized
	}
	if err := s.checkNotFrozen(ctx, a.ID); err != nil {
		return nil, err
	}

	switch a.Status {
	case StatusInProgress:
		if err := s.transition(ctx, a, StatusUnderReview); err != nil {
			return nil, err
		}
	case StatusUnderReview:
		// Replacement submission; stays under review.
	default:
		return nil, &TransitionError{From: a.Status, To: StatusUnderReview}
	}

	sub := &Submission{
		ID:           idgen.WithPrefix("sub_"),
		AssignmentID: a.ID,
		DoerID:       req.DoerID,
		Note:         req.Note,
		Attachments:  req.Attachments,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}

	s.publish(a.ID, "assignment.submitted", sub)
	return sub, nil
}

// RequestRevision sends work back to the doer. Poster only.
func (s *Service) RequestRevision(ctx context.Context, id, callerID string) (*Assignment, error) {
	unlock, err := s.lockAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PosterID != callerID {
		return nil, ErrUnauthorized
	}
	if err := s.checkNotFrozen(ctx, a.ID); err != nil {
		return nil, err
	}
	if a.Status != StatusUnderReview {
		return nil, &TransitionError{From: a.Status, To: StatusInProgress}
	}
	if err := s.transition(ctx, a, StatusInProgress); err != nil {
		return nil, err
	}

	s.publish(a.ID, "assignment.revision_requested", a)
	return a, nil
}

// ReleaseResult reports a release attempt. MoneyMoved distinguishes "the
// capture went through" from "rejected before anything happened" so callers
// can word the outcome honestly.
type ReleaseResult struct {
	Assignment *Assignment `json:"assignment"`
	Payment    *Payment    `json:"payment"`
	MoneyMoved bool        `json:"moneyMoved"`
}

// ReleasePayment captures the escrow hold and completes the assignment.
//
// Order matters: every validation happens before the capture, and local state
// is only advanced after the provider confirms. A capture timeout is an
// unknown outcome — nothing is mutated and the caller retries or waits for
// the provider webhook.
func (s *Service) ReleasePayment(ctx context.Context, assignmentID, callerID string) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleasePayment", traces.AssignmentID(assignmentID))
	defer span.End()

	unlock, err := s.lockAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.PosterID != callerID {
		return nil, ErrUnauthorized
	}

	p, err := s.store.GetPaymentByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case PaymentReleased:
		// A replayed release re-attempts the payee credit, which is a no-op
		// once the credit has landed. This is the repair path for a release
		// that recorded but failed to credit.
		if err := s.creditPayee(ctx, p); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyReleased
	case PaymentDisputed:
		return nil, ErrPaymentDisputed
	case PaymentPending, PaymentCompleted:
		// Capturable.
	default:
		return nil, ErrInvalidState
	}
	if a.Status != StatusUnderReview && a.Status != StatusCompleted {
		return nil, &TransitionError{From: a.Status, To: StatusCompleted}
	}

	if err := s.gateway.Capture(ctx, p.AuthorizationRef); err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("capture", "error").Inc()
		return &ReleaseResult{Assignment: a, Payment: p, MoneyMoved: false},
			fmt.Errorf("capture authorization: %w", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("capture", "ok").Inc()

	if err := s.recordRelease(ctx, a, p); err != nil {
		return nil, err
	}

	if err := s.creditPayee(ctx, p); err != nil {
		// The capture and release are recorded; retrying the release
		// re-attempts only the credit.
		return &ReleaseResult{Assignment: a, Payment: p, MoneyMoved: true}, err
	}
	metrics.PaymentsReleasedTotal.Inc()
	s.publish(a.ID, "payment.released", p)
	return &ReleaseResult{Assignment: a, Payment: p, MoneyMoved: true}, nil
}

// recordRelease persists payment → released and assignment → completed after
// a confirmed capture. The money has already moved, so a store failure is
// retried once and then escalated for manual repair rather than compensated.
func (s *Service) recordRelease(ctx context.Context, a *Assignment, p *Payment) error {
	apply := func() error {
		return s.store.WithTx(ctx, func(tx Store) error {
			now := time.Now().UTC()
			fromPayment := p.Status
			p.Status = PaymentReleased
			p.ReleasedAt = &now
			p.UpdatedAt = now
			if err := tx.UpdatePayment(ctx, p, fromPayment); err != nil {
				return err
			}
			if a.Status != StatusCompleted {
				fromAssignment := a.Status
				a.Status = StatusCompleted
				a.UpdatedAt = now
				if err := tx.UpdateAssignment(ctx, a, fromAssignment); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := apply(); err != nil {
		if retryErr := apply(); retryErr != nil {
			s.logger.Error("CRITICAL: capture succeeded but release not recorded, manual repair required",
				"payment_id", p.ID,
				"assignment_id", a.ID,
				"authorization_ref", p.AuthorizationRef,
				"error", retryErr,
			)
			return fmt.Errorf("record release after capture (requires manual repair): %w", retryErr)
		}
	}
	return nil
}

// creditPayee credits the doer's balance exactly once per payment. The
// ledger reference is the payment ID, so a replay after a partial failure
// is a no-op once the credit has landed.
func (s *Service) creditPayee(ctx context.Context, p *Payment) error {
	if s.ledger == nil {
		return nil
	}
	if err := s.ledger.CreditOnce(ctx, p.PayeeID, p.NetCents(), "payment:"+p.ID, "escrow release"); err != nil {
		s.logger.Error("failed to credit payee balance",
			"payment_id", p.ID,
			"payee_id", p.PayeeID,
			"error", err,
		)
		return fmt.Errorf("credit payee: %w", err)
	}
	return nil
}

// transition applies a table-validated status change with a conditional
// update guarded on the status the caller read.
func (s *Service) transition(ctx context.Context, a *Assignment, to AssignmentStatus) error {
	if !CanTransition(a.Status, to) {
		return &TransitionError{From: a.Status, To: to}
	}
	from := a.Status
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateAssignment(ctx, a, from); err != nil {
		a.Status = from
		return err
	}
	metrics.AssignmentTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	return nil
}

// checkNotFrozen rejects normal transitions while an open dispute holds the
// payment. Missing payments are fine: pre-acceptance assignments have none.
func (s *Service) checkNotFrozen(ctx context.Context, assignmentID string) error {
	p, err := s.store.GetPaymentByAssignment(ctx, assignmentID)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if p.Status == PaymentDisputed {
		return ErrPaymentDisputed
	}
	return nil
}
