package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/metrics"
	"github.com/taskbay/taskbay/internal/traces"
)

// Webhook-driven reconciliation. These methods are the only writers that act
// on provider events rather than user requests. Every one of them must be
// safe to call with duplicated, reordered, or long-delayed events: they look
// at current state first and treat "already there" as success.

// ConfirmAuthorization applies a provider authorization-succeeded event.
//
// Normally the payment row already exists and just moves pending → completed.
// If the synchronous acceptance crashed after the provider call but before
// the commit, no payment exists; the event metadata carries enough to finish
// the acceptance, which is how a half-done acceptance heals.
func (s *Service) ConfirmAuthorization(ctx context.Context, authRef string, meta map[string]string) error {
	p, err := s.store.GetPaymentByAuthorization(ctx, authRef)
	if errors.Is(err, ErrPaymentNotFound) {
		return s.recoverAcceptance(ctx, authRef, meta)
	}
	if err != nil {
		return err
	}

	unlock, err := s.lockAssignment(ctx, p.AssignmentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err = s.store.GetPaymentByAuthorization(ctx, authRef)
	if err != nil {
		return err
	}
	switch p.Status {
	case PaymentPending:
		p.Status = PaymentCompleted
		p.UpdatedAt = time.Now().UTC()
		if err := s.store.UpdatePayment(ctx, p, PaymentPending); err != nil {
			if errors.Is(err, ErrConcurrentModification) {
				// Someone else applied it first. Same outcome.
				return nil
			}
			return err
		}
		s.publish(p.AssignmentID, "payment.confirmed", p)
		return nil
	case PaymentCompleted, PaymentReleased, PaymentDisputed, PaymentRefunded:
		// Duplicate or stale delivery; the payment already progressed.
		return nil
	case PaymentVoided:
		s.logger.Warn("authorization confirmation arrived after void, ignoring",
			"payment_id", p.ID, "authorization_ref", authRef)
		return nil
	default:
		return fmt.Errorf("payment %s in unknown status %q", p.ID, p.Status)
	}
}

// recoverAcceptance replays the local half of an acceptance whose provider
// hold exists but whose commit never landed.
func (s *Service) recoverAcceptance(ctx context.Context, authRef string, meta map[string]string) error {
	assignmentID := meta["assignment_id"]
	bidID := meta["bid_id"]
	if assignmentID == "" || bidID == "" {
		// Not one of ours (or too old to carry metadata). Acknowledge.
		return nil
	}

	unlock, err := s.lockAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-check under the lock: the synchronous path may have committed
	// between our first lookup and acquiring the lock.
	if _, err := s.store.GetPaymentByAuthorization(ctx, authRef); err == nil {
		return nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return err
	}

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if errors.Is(err, ErrAssignmentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.Status != StatusOpen {
		// The assignment moved on without this hold (e.g. a different bid
		// won). Leave it to the failed-auth path or manual review.
		s.logger.Warn("orphan authorization for non-open assignment",
			"assignment_id", assignmentID, "authorization_ref", authRef, "status", a.Status)
		return nil
	}
	b, err := s.store.GetBid(ctx, bidID)
	if errors.Is(err, ErrBidNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if b.Status != BidPending {
		return nil
	}

	now := time.Now().UTC()
	p := &Payment{
		ID:               idgen.WithPrefix("pay_"),
		AssignmentID:     a.ID,
		PayerID:          a.PosterID,
		PayeeID:          b.BidderID,
		AmountCents:      b.AmountCents,
		FeeBPS:           s.feeBPS,
		FeeCents:         FeeFor(b.AmountCents, s.feeBPS),
		Currency:         a.Currency,
		AuthorizationRef: authRef,
		Status:           PaymentCompleted,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = s.store.WithTx(ctx, func(tx Store) error {
		b.Status = BidAccepted
		b.UpdatedAt = now
		if err := tx.UpdateBid(ctx, b, BidPending); err != nil {
			return err
		}
		if err := declineSiblings(ctx, tx, a.ID, b.ID, now); err != nil {
			return err
		}
		if err := tx.CreatePayment(ctx, p); err != nil {
			return err
		}
		a.Status = StatusAssigned
		a.DoerID = b.BidderID
		a.AcceptedBidID = b.ID
		a.UpdatedAt = now
		return tx.UpdateAssignment(ctx, a, StatusOpen)
	})
	if err != nil {
		return fmt.Errorf("recover acceptance from webhook: %w", err)
	}

	s.logger.Info("recovered acceptance from provider event",
		"assignment_id", a.ID, "bid_id", b.ID, "authorization_ref", authRef)
	s.publish(a.ID, "bid.accepted", b)
	s.publish(a.ID, "assignment.assigned", a)
	return nil
}

// RevertAuthorization applies a provider authorization-failed event: the
// payment is voided, the accepted bid returns to pending, and the assignment
// reopens so the poster can pick again. Events for already-settled payments
// are stale and ignored.
func (s *Service) RevertAuthorization(ctx context.Context, authRef string) error {
	p, err := s.store.GetPaymentByAuthorization(ctx, authRef)
	if errors.Is(err, ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	unlock, err := s.lockAssignment(ctx, p.AssignmentID)
	if err != nil {
		return err
	}
	defer unlock()

	p, err = s.store.GetPaymentByAuthorization(ctx, authRef)
	if err != nil {
		return err
	}
	switch p.Status {
	case PaymentVoided:
		return nil
	case PaymentReleased, PaymentRefunded:
		s.logger.Warn("authorization failure arrived after settlement, ignoring",
			"payment_id", p.ID, "authorization_ref", authRef, "status", p.Status)
		return nil
	}

	a, err := s.store.GetAssignment(ctx, p.AssignmentID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.store.WithTx(ctx, func(tx Store) error {
		fromPayment := p.Status
		p.Status = PaymentVoided
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p, fromPayment); err != nil {
			return err
		}

		if a.AcceptedBidID != "" {
			b, err := tx.GetBid(ctx, a.AcceptedBidID)
			if err == nil && b.Status == BidAccepted {
				b.Status = BidPending
				b.UpdatedAt = now
				if err := tx.UpdateBid(ctx, b, BidAccepted); err != nil {
					return err
				}
			}
		}

		switch a.Status {
		case StatusAssigned, StatusInProgress, StatusUnderReview:
			from := a.Status
			a.Status = StatusOpen
			a.DoerID = ""
			a.AcceptedBidID = ""
			a.UpdatedAt = now
			return tx.UpdateAssignment(ctx, a, from)
		default:
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("revert authorization: %w", err)
	}

	s.publish(a.ID, "assignment.reopened", a)
	return nil
}

// MarkDisputed freezes the payment for arbitration. Only live escrow can be
// disputed: released or refunded money is gone.
func (s *Service) MarkDisputed(ctx context.Context, assignmentID string) (*Payment, error) {
	unlock, err := s.lockAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.GetPaymentByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	switch p.Status {
	case PaymentPending, PaymentCompleted:
		// Freezable.
	case PaymentReleased:
		return nil, ErrAlreadyReleased
	case PaymentDisputed:
		return p, nil
	default:
		return nil, ErrInvalidState
	}

	from := p.Status
	p.Status = PaymentDisputed
	p.DisputedFrom = from
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePayment(ctx, p, from); err != nil {
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	s.publish(assignmentID, "payment.disputed", p)
	return p, nil
}

// Unfreeze restores a disputed payment to the status it froze from, used
// when the opener withdraws the dispute before arbitration.
func (s *Service) Unfreeze(ctx context.Context, assignmentID string) (*Payment, error) {
	unlock, err := s.lockAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.GetPaymentByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if p.Status != PaymentDisputed {
		return nil, ErrInvalidState
	}

	restore := p.DisputedFrom
	if restore == "" {
		restore = PaymentCompleted
	}
	p.Status = restore
	p.DisputedFrom = ""
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePayment(ctx, p, PaymentDisputed); err != nil {
		return nil, err
	}

	s.publish(assignmentID, "payment.unfrozen", p)
	return p, nil
}

// SettleRelease resolves a dispute in the doer's favor: capture the hold,
// release the payment, complete the assignment. Arbitration overrides the
// normal review path, so the assignment completes from whatever working
// state it froze in.
func (s *Service) SettleRelease(ctx context.Context, assignmentID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SettleRelease", traces.AssignmentID(assignmentID))
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
	p, err := s.store.GetPaymentByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if p.Status == PaymentReleased {
		// Replays re-attempt the payee credit; a landed credit is a no-op.
		if err := s.creditPayee(ctx, p); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyReleased
	}
	if p.Status != PaymentDisputed {
		return nil, ErrInvalidState
	}

	if err := s.gateway.Capture(ctx, p.AuthorizationRef); err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("capture", "error").Inc()
		return nil, fmt.Errorf("capture disputed hold: %w", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("capture", "ok").Inc()

	err = s.store.WithTx(ctx, func(tx Store) error {
		now := time.Now().UTC()
		p.Status = PaymentReleased
		p.DisputedFrom = ""
		p.ReleasedAt = &now
		p.UpdatedAt = now
		if err := tx.UpdatePayment(ctx, p, PaymentDisputed); err != nil {
			return err
		}
		if a.Status != StatusCompleted {
			from := a.Status
			a.Status = StatusCompleted
			a.UpdatedAt = now
			return tx.UpdateAssignment(ctx, a, from)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("CRITICAL: capture succeeded but settlement not recorded, manual repair required",
			"payment_id", p.ID, "assignment_id", assignmentID, "error", err)
		return nil, fmt.Errorf("record settlement after capture (requires manual repair): %w", err)
	}

	if err := s.creditPayee(ctx, p); err != nil {
		return p, err
	}
	metrics.PaymentsReleasedTotal.Inc()
	s.publish(assignmentID, "payment.released", p)
	return p, nil
}

// SettleRefund resolves a dispute in the poster's favor: the hold is voided
// (or the captured charge refunded) and the payment ends refunded. The
// assignment stays where the dispute froze it; the dispute record explains
// why it never completed.
func (s *Service) SettleRefund(ctx context.Context, assignmentID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SettleRefund", traces.AssignmentID(assignmentID))
	defer span.End()

	unlock, err := s.lockAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := s.store.GetPaymentByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if p.Status == PaymentRefunded {
		return p, nil
	}
	if p.Status != PaymentDisputed {
		return nil, ErrInvalidState
	}

	if err := s.gateway.Refund(ctx, p.AuthorizationRef); err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("refund", "error").Inc()
		return nil, fmt.Errorf("refund disputed hold: %w", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("refund", "ok").Inc()

	p.Status = PaymentRefunded
	p.DisputedFrom = ""
	p.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdatePayment(ctx, p, PaymentDisputed); err != nil {
		s.logger.Error("CRITICAL: refund succeeded but settlement not recorded, manual repair required",
			"payment_id", p.ID, "assignment_id", assignmentID, "error", err)
		return nil, fmt.Errorf("record refund (requires manual repair): %w", err)
	}

	metrics.PaymentsRefundedTotal.Inc()
	s.publish(assignmentID, "payment.refunded", p)
	return p, nil
}
