package provider

import (
	"context"
	"errors"
	"time"

	"github.com/taskbay/taskbay/internal/circuitbreaker"
	"github.com/taskbay/taskbay/internal/retry"
)

// ErrCircuitOpen is returned when the provider circuit is open and calls are
// being shed. It is retryable: the circuit probes again after its cooldown.
var ErrCircuitOpen = errors.New("provider circuit open")

// ResilientGateway wraps a Gateway with a per-operation circuit breaker and
// bounded retries. Only errors the provider marks retryable are retried;
// declines and other permanent rejections pass straight through and do not
// trip the breaker.
//
// Authorize retries are safe because every request carries an idempotency
// key. Capture is NOT retried here: a capture timeout is an unknown outcome
// and the escrow controller owns that decision.
type ResilientGateway struct {
	inner       Gateway
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseDelay   time.Duration
}

// NewResilientGateway wraps inner with default thresholds.
func NewResilientGateway(inner Gateway) *ResilientGateway {
	return &ResilientGateway{
		inner:       inner,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

// WithBreaker replaces the default circuit breaker.
func (g *ResilientGateway) WithBreaker(b *circuitbreaker.Breaker) *ResilientGateway {
	g.breaker = b
	return g
}

// WithRetry sets the retry budget for retryable failures.
func (g *ResilientGateway) WithRetry(maxAttempts int, baseDelay time.Duration) *ResilientGateway {
	g.maxAttempts = maxAttempts
	g.baseDelay = baseDelay
	return g
}

func (g *ResilientGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	var auth *Authorization
	err := g.call(ctx, "authorize", g.maxAttempts, func() error {
		var err error
		auth, err = g.inner.Authorize(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return auth, nil
}

func (g *ResilientGateway) Capture(ctx context.Context, authorizationRef string) error {
	// Single attempt: a lost capture response must surface as unknown.
	return g.call(ctx, "capture", 1, func() error {
		return g.inner.Capture(ctx, authorizationRef)
	})
}

func (g *ResilientGateway) Refund(ctx context.Context, authorizationRef string) error {
	return g.call(ctx, "refund", g.maxAttempts, func() error {
		return g.inner.Refund(ctx, authorizationRef)
	})
}

func (g *ResilientGateway) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	// Pure local computation, nothing to shed or retry.
	return g.inner.VerifyWebhook(payload, signatureHeader)
}

func (g *ResilientGateway) call(ctx context.Context, op string, attempts int, fn func() error) error {
	if !g.breaker.Allow(op) {
		return &Error{Op: op, Retryable: true, Err: ErrCircuitOpen}
	}

	err := retry.Do(ctx, attempts, g.baseDelay, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})

	// Permanent rejections are the provider working correctly; only
	// retryable failures (network, 5xx, rate limit) count against the
	// circuit.
	switch {
	case err == nil:
		g.breaker.RecordSuccess(op)
	case Retryable(err):
		g.breaker.RecordFailure(op)
	default:
		g.breaker.RecordSuccess(op)
	}
	return err
}

var _ Gateway = (*ResilientGateway)(nil)
