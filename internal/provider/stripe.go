package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/taskbay/taskbay/internal/circuitbreaker"
	"github.com/taskbay/taskbay/internal/retry"
)

// DefaultCallTimeout bounds every Stripe API call. A capture that times out
// is reported as retryable with an unknown outcome.
const DefaultCallTimeout = 15 * time.Second

// StripeGateway implements Gateway on Stripe PaymentIntents with manual
// capture and Connect destination charges.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	timeout       time.Duration
	breaker       *circuitbreaker.Breaker
	logger        *slog.Logger
}

// StripeOption configures the gateway.
type StripeOption func(*StripeGateway)

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) StripeOption {
	return func(g *StripeGateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) StripeOption {
	return func(g *StripeGateway) { g.logger = logger }
}

// NewStripeGateway creates a gateway authenticated with the given secret key.
func NewStripeGateway(secretKey, webhookSecret string, opts ...StripeOption) *StripeGateway {
	g := &StripeGateway{
		api:           client.New(secretKey, nil),
		webhookSecret: webhookSecret,
		timeout:       DefaultCallTimeout,
		breaker:       circuitbreaker.New(5, 30*time.Second),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize creates a manual-capture PaymentIntent. The idempotency key makes
// a retried acceptance reuse the same intent instead of double-holding.
func (g *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if !g.breaker.Allow("authorize") {
		return nil, &Error{Op: "authorize", Retryable: true, Err: errCircuitOpen}
	}

	params := &stripe.PaymentIntentParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(req.IdempotencyKey),
		},
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.FeeCents > 0 {
		params.ApplicationFeeAmount = stripe.Int64(req.FeeCents)
	}
	if req.PayeeAccountID != "" {
		params.TransferData = &stripe.PaymentIntentTransferDataParams{
			Destination: stripe.String(req.PayeeAccountID),
		}
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		g.breaker.RecordFailure("authorize")
		return nil, classify("authorize", err)
	}
	g.breaker.RecordSuccess("authorize")

	return &Authorization{
		Ref:       pi.ID,
		Confirmed: pi.Status == stripe.PaymentIntentStatusRequiresCapture,
	}, nil
}

// Capture captures the held authorization. Retries are safe: capturing an
// already-captured intent is rejected by Stripe without a second transfer.
func (g *StripeGateway) Capture(ctx context.Context, authorizationRef string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if !g.breaker.Allow("capture") {
		return &Error{Op: "capture", Retryable: true, Err: errCircuitOpen}
	}

	err := retry.Do(ctx, 2, 500*time.Millisecond, func() error {
		_, err := g.api.PaymentIntents.Capture(authorizationRef, &stripe.PaymentIntentCaptureParams{
			Params: stripe.Params{Context: ctx},
		})
		if err != nil && !stripeRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		g.breaker.RecordFailure("capture")
		return classify("capture", err)
	}
	g.breaker.RecordSuccess("capture")
	return nil
}

// Refund cancels an uncaptured hold, or refunds the charge if capture already
// happened.
func (g *StripeGateway) Refund(ctx context.Context, authorizationRef string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if !g.breaker.Allow("refund") {
		return &Error{Op: "refund", Retryable: true, Err: errCircuitOpen}
	}

	pi, err := g.api.PaymentIntents.Get(authorizationRef, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		g.breaker.RecordFailure("refund")
		return classify("refund", err)
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusCanceled:
		// Already voided; nothing to undo.
		err = nil
	case stripe.PaymentIntentStatusSucceeded:
		_, err = g.api.Refunds.New(&stripe.RefundParams{
			Params:        stripe.Params{Context: ctx},
			PaymentIntent: stripe.String(authorizationRef),
		})
	default:
		_, err = g.api.PaymentIntents.Cancel(authorizationRef, &stripe.PaymentIntentCancelParams{
			Params: stripe.Params{Context: ctx},
		})
	}
	if err != nil {
		g.breaker.RecordFailure("refund")
		return classify("refund", err)
	}
	g.breaker.RecordSuccess("refund")
	return nil
}

// VerifyWebhook authenticates the raw body and normalizes the event.
func (g *StripeGateway) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	ev, err := webhook.ConstructEvent(payload, signatureHeader, g.webhookSecret)
	if err != nil {
		return nil, ErrSignature
	}
	return normalizeStripeEvent(&ev)
}

// normalizeStripeEvent maps a verified Stripe event onto the internal
// vocabulary. Anything unrecognized comes back as EventIgnored.
func normalizeStripeEvent(ev *stripe.Event) (*Event, error) {
	out := &Event{ID: ev.ID, Type: EventIgnored}

	switch ev.Type {
	case "payment_intent.amount_capturable_updated":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, &Error{Op: "webhook", Retryable: false, Err: err}
		}
		if pi.Status != stripe.PaymentIntentStatusRequiresCapture {
			return out, nil
		}
		out.Type = EventAuthorizationSucceeded
		out.AuthorizationRef = pi.ID
		out.Metadata = pi.Metadata

	case "payment_intent.payment_failed", "payment_intent.canceled":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
			return nil, &Error{Op: "webhook", Retryable: false, Err: err}
		}
		out.Type = EventAuthorizationFailed
		out.AuthorizationRef = pi.ID
		out.Metadata = pi.Metadata

	case "account.updated":
		var acct stripe.Account
		if err := json.Unmarshal(ev.Data.Raw, &acct); err != nil {
			return nil, &Error{Op: "webhook", Retryable: false, Err: err}
		}
		out.Type = EventAccountUpdated
		out.AccountID = acct.ID
		out.PayoutsEnabled = acct.PayoutsEnabled
	}

	return out, nil
}

var errCircuitOpen = errors.New("provider circuit open")

// classify wraps a Stripe error with its retryability.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Unknown outcome; the caller must not assume either way.
		return &Error{Op: op, Retryable: true, Err: err}
	}
	return &Error{Op: op, Retryable: stripeRetryable(err), Err: err}
}

// stripeRetryable reports whether a Stripe API error is transient.
func stripeRetryable(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Type {
		case stripe.ErrorTypeAPI:
			return true
		case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeIdempotency:
			return false
		}
		return se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500
	}
	// Network-level failure with no structured error: assume transient.
	return true
}
