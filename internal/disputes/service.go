package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/taskbay/taskbay/internal/escrow"
	"github.com/taskbay/taskbay/internal/idgen"
	"github.com/taskbay/taskbay/internal/metrics"
)

// Service manages dispute lifecycle.
type Service struct {
	store  Store
	escrow Settlement
	logger *slog.Logger
}

// NewService creates the disputes service.
func NewService(store Store, settlement Settlement) *Service {
	return &Service{
		store:  store,
		escrow: settlement,
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	AssignmentID string
	OpenedBy     string
	Reason       string
	Evidence     []escrow.Attachment
}

// Open opens a dispute and freezes the assignment's escrow payment. Only the
// poster or the doer may open one, at most one dispute can be open per
// assignment, and only live (unreleased, unrefunded) payments can freeze.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Dispute, error) {
	a, err := s.escrow.GetAssignment(ctx, req.AssignmentID)
	if err != nil {
		return nil, err
	}
	if req.OpenedBy != a.PosterID && req.OpenedBy != a.DoerID {
		return nil, ErrNotParticipant
	}

	if _, err := s.store.GetOpenByAssignment(ctx, req.AssignmentID); err == nil {
		return nil, ErrDisputeExists
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	p, err := s.escrow.MarkDisputed(ctx, req.AssignmentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Dispute{
		ID:           idgen.WithPrefix("dsp_"),
		AssignmentID: req.AssignmentID,
		PaymentID:    p.ID,
		OpenedBy:     req.OpenedBy,
		Reason:       strings.TrimSpace(req.Reason),
		Evidence:     req.Evidence,
		Status:       StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create dispute: %w", err)
	}

	s.logger.Info("dispute opened",
		"dispute_id", d.ID, "assignment_id", d.AssignmentID, "opened_by", d.OpenedBy)
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByAssignment returns all disputes for an assignment.
func (s *Service) ListByAssignment(ctx context.Context, assignmentID string) ([]*Dispute, error) {
	return s.store.ListByAssignment(ctx, assignmentID)
}

// AddEvidence appends evidence to an open dispute. Participants only.
func (s *Service) AddEvidence(ctx context.Context, disputeID, userID string, evidence []escrow.Attachment) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return nil, ErrAlreadyResolved
	}

	a, err := s.escrow.GetAssignment(ctx, d.AssignmentID)
	if err != nil {
		return nil, err
	}
	if userID != a.PosterID && userID != a.DoerID {
		return nil, ErrNotParticipant
	}

	d.Evidence = append(d.Evidence, evidence...)
	d.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateEvidence(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Withdraw cancels an open dispute. Only the opener may withdraw; the frozen
// payment returns to the status it held before the dispute.
func (s *Service) Withdraw(ctx context.Context, disputeID, userID string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return nil, ErrAlreadyResolved
	}
	if userID != d.OpenedBy {
		return nil, ErrNotOpener
	}

	if _, err := s.escrow.Unfreeze(ctx, d.AssignmentID); err != nil {
		if !errors.Is(err, escrow.ErrInvalidState) {
			return nil, err
		}
		// A prior withdraw attempt unfroze the payment but crashed before
		// recording. Finish the bookkeeping.
	}

	now := time.Now().UTC()
	d.Status = StatusCancelled
	d.ResolvedBy = userID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.UpdateResolved(ctx, d); err != nil {
		return nil, err
	}

	s.logger.Info("dispute withdrawn",
		"dispute_id", d.ID, "assignment_id", d.AssignmentID, "opened_by", d.OpenedBy)
	return d, nil
}

// Resolve arbitrates a dispute exactly once. The money moves first, then the
// resolution is recorded; if a prior attempt already moved the money but
// crashed before recording, the retry skips the settlement and just records.
func (s *Service) Resolve(ctx context.Context, disputeID, arbiterID string, outcome Outcome, note string) (*Dispute, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Open() {
		return nil, ErrAlreadyResolved
	}

	switch outcome {
	case OutcomeRelease:
		_, err = s.escrow.SettleRelease(ctx, d.AssignmentID)
		if errors.Is(err, escrow.ErrAlreadyReleased) {
			// A prior resolve attempt captured and crashed before
			// recording. Finish the bookkeeping.
			err = nil
		}
		if err != nil {
			return nil, err
		}
		d.Status = StatusResolvedRelease
	case OutcomeRefund:
		if _, err := s.escrow.SettleRefund(ctx, d.AssignmentID); err != nil {
			return nil, err
		}
		d.Status = StatusResolvedRefund
	default:
		return nil, ErrInvalidOutcome
	}

	now := time.Now().UTC()
	d.ResolvedBy = arbiterID
	d.ResolutionNote = strings.TrimSpace(note)
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.UpdateResolved(ctx, d); err != nil {
		if errors.Is(err, ErrAlreadyResolved) {
			return nil, err
		}
		s.logger.Error("settlement applied but dispute resolution not recorded",
			"dispute_id", d.ID, "assignment_id", d.AssignmentID, "outcome", outcome, "error", err)
		return nil, fmt.Errorf("record resolution: %w", err)
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(outcome)).Inc()
	s.logger.Info("dispute resolved",
		"dispute_id", d.ID, "assignment_id", d.AssignmentID,
		"outcome", outcome, "arbiter", arbiterID)
	return d, nil
}
