// Package reconciler applies payment provider webhook events to local state.
//
// Flow:
//  1. Provider POSTs a signed event to /webhooks/provider
//  2. The signature is verified and the event normalized
//  3. Already-seen event IDs are acknowledged without reprocessing
//  4. The event drives escrow or account state through idempotent appliers
//
// The provider delivers at-least-once with no ordering guarantee, so every
// applier must tolerate duplicates, reordering, and long delays. Events that
// reference nothing we know are acknowledged, not errored: failing them
// would make the provider retry forever.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskbay/taskbay/internal/metrics"
	"github.com/taskbay/taskbay/internal/provider"
)

// EventStore remembers which provider events have been applied.
type EventStore interface {
	// WasProcessed reports whether the event ID has been applied before.
	WasProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed records the event ID. Recording twice is harmless.
	MarkProcessed(ctx context.Context, eventID, eventType string) error
}

// EscrowReconciler is the slice of the escrow controller webhook events drive.
type EscrowReconciler interface {
	ConfirmAuthorization(ctx context.Context, authorizationRef string, meta map[string]string) error
	RevertAuthorization(ctx context.Context, authorizationRef string) error
}

// AccountReconciler updates payout capability from provider account events.
type AccountReconciler interface {
	SetPayoutCapability(ctx context.Context, providerAccountID string, enabled bool) error
}

// Service routes normalized provider events to the right applier.
type Service struct {
	events   EventStore
	escrow   EscrowReconciler
	accounts AccountReconciler
	logger   *slog.Logger
}

// NewService creates the reconciler.
func NewService(events EventStore, escrow EscrowReconciler) *Service {
	return &Service{
		events: events,
		escrow: escrow,
		logger: slog.Default(),
	}
}

// WithAccounts adds payout-capability reconciliation.
func (s *Service) WithAccounts(a AccountReconciler) *Service {
	s.accounts = a
	return s
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// Process applies one event. Returning nil acknowledges the delivery; an
// error tells the provider to retry, so only transient failures may error.
//
// The dedupe check is an optimization, not the correctness mechanism: the
// appliers themselves are idempotent, so an event that slips past the check
// (crash between apply and MarkProcessed) reapplies harmlessly.
func (s *Service) Process(ctx context.Context, ev provider.Event) error {
	if ev.ID != "" {
		seen, err := s.events.WasProcessed(ctx, ev.ID)
		if err != nil {
			return fmt.Errorf("check event dedupe: %w", err)
		}
		if seen {
			metrics.WebhookEventsTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	if err := s.apply(ctx, ev); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("error").Inc()
		return err
	}

	if ev.ID != "" {
		if err := s.events.MarkProcessed(ctx, ev.ID, string(ev.Type)); err != nil {
			// The apply already happened and is replay-safe. Log and ack.
			s.logger.Warn("failed to mark event processed", "event_id", ev.ID, "error", err)
		}
	}
	metrics.WebhookEventsTotal.WithLabelValues("processed").Inc()
	return nil
}

func (s *Service) apply(ctx context.Context, ev provider.Event) error {
	switch ev.Type {
	case provider.EventAuthorizationSucceeded:
		return s.escrow.ConfirmAuthorization(ctx, ev.AuthorizationRef, ev.Metadata)
	case provider.EventAuthorizationFailed:
		return s.escrow.RevertAuthorization(ctx, ev.AuthorizationRef)
	case provider.EventAccountUpdated:
		if s.accounts == nil {
			return nil
		}
		return s.accounts.SetPayoutCapability(ctx, ev.AccountID, ev.PayoutsEnabled)
	case provider.EventIgnored:
		return nil
	default:
		// Unknown event types are acknowledged; a new provider event kind
		// must never wedge the delivery queue.
		s.logger.Debug("ignoring unhandled provider event", "event_id", ev.ID, "type", ev.Type)
		return nil
	}
}
