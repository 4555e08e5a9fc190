package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/metrics"
	"github.com/taskbay/taskbay/internal/provider"
	"github.com/taskbay/taskbay/internal/traces"
)

// SubmitBid places a bid on an open assignment. One active bid per bidder
// per assignment; posters cannot bid on their own work.
func (s *Service) SubmitBid(ctx context.Context, assignmentID string, req SubmitBidRequest) (*Bid, error) {
	unlock, err := s.lockAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusOpen {
		return nil, ErrInvalidState
	}
	if a.PosterID == req.BidderID {
		return nil, ErrSelfDealing
	}
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	if _, err := s.store.GetActiveBid(ctx, assignmentID, req.BidderID); err == nil {
		return nil, ErrDuplicateBid
	} else if !errors.Is(err, ErrBidNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Bid{
		ID:           idgen.WithPrefix("bid_"),
		AssignmentID: assignmentID,
		BidderID:     req.BidderID,
		AmountCents:  req.AmountCents,
		Message:      strings.TrimSpace(req.Message),
		Status:       BidPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateBid(ctx, b); err != nil {
		return nil, fmt.Errorf("create bid: %w", err)
	}

	metrics.BidsSubmittedTotal.Inc()
	s.publish(assignmentID, "bid.submitted", b)
	return b, nil
}

// GetBid returns a bid by ID.
func (s *Service) GetBid(ctx context.Context, id string) (*Bid, error) {
	return s.store.GetBid(ctx, id)
}

// ListBids returns all bids for an assignment.
func (s *Service) ListBids(ctx context.Context, assignmentID string) ([]*Bid, error) {
	return s.store.ListBidsByAssignment(ctx, assignmentID)
}

// WithdrawBid withdraws a pending bid. Bidder only; accepted bids cannot
// be withdrawn.
func (s *Service) WithdrawBid(ctx context.Context, bidID, callerID string) (*Bid, error) {
	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockAssignment(ctx, b.AssignmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err = s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if b.BidderID != callerID {
		return nil, ErrUnauthorized
	}
	if b.Status != BidPending {
		return nil, ErrInvalidState
	}

	b.Status = BidWithdrawn
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBid(ctx, b, BidPending); err != nil {
		return nil, err
	}

	s.publish(b.AssignmentID, "bid.withdrawn", b)
	return b, nil
}

// UpdateBidAmount revises a pending bid's amount and message.
func (s *Service) UpdateBidAmount(ctx context.Context, bidID, callerID string, amountCents int64, message string) (*Bid, error) {
	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockAssignment(ctx, b.AssignmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	b, err = s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if b.BidderID != callerID {
		return nil, ErrUnauthorized
	}
	if b.Status != BidPending {
		return nil, ErrInvalidState
	}
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	b.AmountCents = amountCents
	if message != "" {
		b.Message = strings.TrimSpace(message)
	}
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBid(ctx, b, BidPending); err != nil {
		return nil, err
	}
	return b, nil
}

// AcceptResult bundles everything acceptance changed.
type AcceptResult struct {
	Assignment *Assignment `json:"assignment"`
	Bid        *Bid        `json:"bid"`
	Payment    *Payment    `json:"payment"`
}

// AcceptBid accepts a bid and funds escrow for it.
//
// The provider hold is placed first, then bid, siblings, payment, and
// assignment commit in one transaction. If the commit fails the hold is
// voided, so a failed acceptance leaves no money reserved and no partial
// state — either everything happened or nothing did.
func (s *Service) AcceptBid(ctx context.Context, bidID, callerID string) (*AcceptResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AcceptBid", traces.BidID(bidID))
	defer span.End()

	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockAssignment(ctx, b.AssignmentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Reload both under the lock: a concurrent acceptance may have won.
	b, err = s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAssignment(ctx, b.AssignmentID)
	if err != nil {
		return nil, err
	}

	if a.PosterID != callerID {
		return nil, ErrUnauthorized
	}
	if a.Status != StatusOpen {
		return nil, ErrInvalidState
	}
	if b.Status != BidPending {
		return nil, ErrInvalidState
	}
	if b.BidderID == a.PosterID {
		return nil, ErrSelfDealing
	}

	payeeAccount, err := s.checkPayable(ctx, b.BidderID)
	if err != nil {
		return nil, err
	}

	feeCents := FeeFor(b.AmountCents, s.feeBPS)
	auth, err := s.gateway.Authorize(ctx, provider.AuthorizeRequest{
		PayerID:        a.PosterID,
		PayeeAccountID: payeeAccount,
		AmountCents:    b.AmountCents,
		FeeCents:       feeCents,
		Currency:       a.Currency,
		IdempotencyKey: "accept_" + b.ID,
		Metadata: map[string]string{
			"assignment_id": a.ID,
			"bid_id":        b.ID,
			"poster_id":     a.PosterID,
			"doer_id":       b.BidderID,
		},
	})
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues("authorize", "error").Inc()
		return nil, fmt.Errorf("authorize escrow hold: %w", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues("authorize", "ok").Inc()

	now := time.Now().UTC()
	p := &Payment{
		ID:               idgen.WithPrefix("pay_"),
		AssignmentID:     a.ID,
		PayerID:          a.PosterID,
		PayeeID:          b.BidderID,
		AmountCents:      b.AmountCents,
		FeeBPS:           s.feeBPS,
		FeeCents:         feeCents,
		Currency:         a.Currency,
		AuthorizationRef: auth.Ref,
		Status:           PaymentPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if auth.Confirmed {
		p.Status = PaymentCompleted
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
		// The hold is live but nothing local committed: void it so the
		// payer's card isn't left reserved for a failed acceptance.
		if refundErr := s.gateway.Refund(ctx, auth.Ref); refundErr != nil {
			s.logger.Error("failed to void hold after acceptance rollback",
				"authorization_ref", auth.Ref,
				"bid_id", b.ID,
				"error", refundErr,
			)
		}
		return nil, fmt.Errorf("commit acceptance: %w", err)
	}

	metrics.BidsAcceptedTotal.Inc()
	metrics.EscrowHeldCents.Add(float64(p.AmountCents))
	s.publish(a.ID, "bid.accepted", b)
	s.publish(a.ID, "assignment.assigned", a)
	return &AcceptResult{Assignment: a, Bid: b, Payment: p}, nil
}

// checkPayable verifies the bidder can actually be paid before any money is
// reserved. Returns the bidder's provider account ID.
func (s *Service) checkPayable(ctx context.Context, bidderID string) (string, error) {
	if s.accounts == nil {
		return "", nil
	}
	accountID, enabled, err := s.accounts.PayoutAccount(ctx, bidderID)
	if err != nil {
		return "", fmt.Errorf("check payout account: %w", err)
	}
	if !enabled {
		return "", ErrNoPayableAccount
	}
	return accountID, nil
}

// declineSiblings declines every other pending bid on the assignment.
func declineSiblings(ctx context.Context, tx Store, assignmentID, acceptedBidID string, now time.Time) error {
	bids, err := tx.ListBidsByAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	for _, sibling := range bids {
		if sibling.ID == acceptedBidID || sibling.Status != BidPending {
			continue
		}
		sibling.Status = BidDeclined
		sibling.UpdatedAt = now
		if err := tx.UpdateBid(ctx, sibling, BidPending); err != nil {
			return err
		}
	}
	return nil
}
