package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/taskbay/taskbay/internal/idgen"
)

// SandboxGateway is an in-process provider for demo mode and tests. Holds
// succeed immediately and capture/refund only validate bookkeeping.
//
// Webhooks in sandbox mode carry a JSON-encoded Event signed with a plain
// HMAC-SHA256 hex digest of the body.
type SandboxGateway struct {
	webhookSecret string

	mu        sync.Mutex
	holds     map[string]string // ref -> "held" | "captured" | "refunded"
	byIdem    map[string]string // idempotency key -> ref
	authErr   error
	captErr   error
	refundErr error
}

// NewSandboxGateway creates a sandbox gateway.
func NewSandboxGateway(webhookSecret string) *SandboxGateway {
	return &SandboxGateway{
		webhookSecret: webhookSecret,
		holds:         make(map[string]string),
		byIdem:        make(map[string]string),
	}
}

// FailNext configures errors returned by subsequent calls; nil clears them.
// Test hook only.
func (g *SandboxGateway) FailNext(authorize, capture, refund error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.authErr, g.captErr, g.refundErr = authorize, capture, refund
}

func (g *SandboxGateway) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.authErr != nil {
		return nil, g.authErr
	}
	if req.IdempotencyKey != "" {
		if ref, ok := g.byIdem[req.IdempotencyKey]; ok {
			return &Authorization{Ref: ref, Confirmed: true}, nil
		}
	}

	ref := idgen.WithPrefix("sbx_")
	g.holds[ref] = "held"
	if req.IdempotencyKey != "" {
		g.byIdem[req.IdempotencyKey] = ref
	}
	return &Authorization{Ref: ref, Confirmed: true}, nil
}

func (g *SandboxGateway) Capture(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.captErr != nil {
		return g.captErr
	}
	switch g.holds[ref] {
	case "held":
		g.holds[ref] = "captured"
		return nil
	case "captured":
		return &Error{Op: "capture", Retryable: false, Err: errAlreadyCaptured}
	default:
		return &Error{Op: "capture", Retryable: false, Err: errUnknownHold}
	}
}

func (g *SandboxGateway) Refund(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.refundErr != nil {
		return g.refundErr
	}
	if _, ok := g.holds[ref]; !ok {
		return &Error{Op: "refund", Retryable: false, Err: errUnknownHold}
	}
	g.holds[ref] = "refunded"
	return nil
}

func (g *SandboxGateway) VerifyWebhook(payload []byte, signatureHeader string) (*Event, error) {
	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(signatureHeader)) {
		return nil, ErrSignature
	}

	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, &Error{Op: "webhook", Retryable: false, Err: err}
	}
	if ev.Type == "" {
		ev.Type = EventIgnored
	}
	return &ev, nil
}

// SignSandboxPayload produces the signature header VerifyWebhook expects.
// Used by tests and the local event simulator.
func SignSandboxPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

var (
	errAlreadyCaptured = &staticError{"authorization already captured"}
	errUnknownHold     = &staticError{"unknown authorization reference"}
)

type staticError struct{ s string }

func (e *staticError) Error() string { return e.s }
