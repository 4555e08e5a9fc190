// Package provider abstracts the payment provider used for escrow holds.
//
// The marketplace never moves money itself: it asks the provider for a
// manual-capture authorization at bid acceptance, captures it at release, and
// cancels or refunds it on revert, dispute refund, or failure. Provider truth
// always wins; local state is only advanced once the provider has confirmed.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrSignature indicates a webhook payload failed signature verification.
var ErrSignature = errors.New("webhook signature verification failed")

// Error wraps a failed provider call. Retryable tells the caller whether the
// same request may succeed later (network blip, rate limit, 5xx) or is
// permanently rejected (card declined, missing account).
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is a provider error worth retrying.
func Retryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable
}

// AuthorizeRequest describes the escrow hold to place.
type AuthorizeRequest struct {
	PayerID        string
	PayeeAccountID string
	AmountCents    int64
	FeeCents       int64
	Currency       string
	// IdempotencyKey deduplicates retried authorize calls provider-side.
	IdempotencyKey string
	// Metadata is echoed back on webhook events; the reconciler uses it to
	// recover acceptances whose synchronous path died mid-flow.
	Metadata map[string]string
}

// Authorization is the provider-side hold created for an escrow payment.
type Authorization struct {
	Ref string
	// Confirmed is true when the hold is already capturable. When false the
	// provider confirms asynchronously and the authorization-succeeded
	// webhook finishes the job.
	Confirmed bool
}

// EventType is a provider event normalized to the vocabulary this system
// actually reacts to.
type EventType string

const (
	EventAuthorizationSucceeded EventType = "authorization.succeeded"
	EventAuthorizationFailed    EventType = "authorization.failed"
	EventAccountUpdated         EventType = "account.updated"
	// EventIgnored covers every provider event type this system does not
	// care about. Ignored events are acknowledged, never errors.
	EventIgnored EventType = "ignored"
)

// Event is a verified, normalized provider webhook event.
type Event struct {
	ID               string
	Type             EventType
	AuthorizationRef string
	AccountID        string
	PayoutsEnabled   bool
	Metadata         map[string]string
}

// Gateway is the payment provider surface consumed by the escrow controller,
// dispute resolver, and webhook reconciler.
type Gateway interface {
	// Authorize places a manual-capture hold for the payer, destined for the
	// payee's connected account.
	Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error)

	// Capture converts the hold into an actual transfer. A timeout is an
	// unknown outcome: callers must not advance local state until a webhook
	// or re-query confirms.
	Capture(ctx context.Context, authorizationRef string) error

	// Refund returns the money to the payer: it cancels the hold when it was
	// never captured, and issues a refund otherwise.
	Refund(ctx context.Context, authorizationRef string) error

	// VerifyWebhook authenticates a raw webhook body against its signature
	// header and returns the normalized event, or ErrSignature.
	VerifyWebhook(payload []byte, signatureHeader string) (*Event, error)
}
