package reconciler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/taskbay/taskbay/internal/provider"
)

const testSecret = "whsec_test"

func newWebhookRouter(t *testing.T, esc *recordingEscrow) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gateway := provider.NewSandboxGateway(testSecret)
	svc := NewService(NewMemoryEventStore(), esc)
	r := gin.New()
	NewHandler(svc, gateway).RegisterRoutes(r.Group(""))
	return r
}

func postEvent(t *testing.T, r *gin.Engine, ev provider.Event, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(payload))
	if sign {
		req.Header.Set("Stripe-Signature", provider.SignSandboxPayload(testSecret, payload))
	} else {
		req.Header.Set("Stripe-Signature", "bogus")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReceive_ValidEvent(t *testing.T) {
	esc := &recordingEscrow{}
	r := newWebhookRouter(t, esc)

	ev := provider.Event{ID: "evt_1", Type: provider.EventAuthorizationSucceeded, AuthorizationRef: "pi_1"}
	w := postEvent(t, r, ev, true)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if body["received"] != true {
		t.Errorf("body = %v", body)
	}
	if len(esc.confirmed) != 1 || esc.confirmed[0] != "pi_1" {
		t.Errorf("event not applied: %v", esc.confirmed)
	}
}

func TestReceive_BadSignature(t *testing.T) {
	esc := &recordingEscrow{}
	r := newWebhookRouter(t, esc)

	ev := provider.Event{ID: "evt_1", Type: provider.EventAuthorizationSucceeded, AuthorizationRef: "pi_1"}
	w := postEvent(t, r, ev, false)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if len(esc.confirmed) != 0 {
		t.Error("unsigned event must not be applied")
	}
}

func TestReceive_MalformedPayloadAckedNotRetried(t *testing.T) {
	esc := &recordingEscrow{}
	r := newWebhookRouter(t, esc)

	// Authentic but unparseable: acknowledge so the provider stops
	// redelivering a payload that will never parse.
	payload := []byte("{not json")
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", provider.SignSandboxPayload(testSecret, payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ignored":true`) {
		t.Errorf("response should flag the event as ignored: %s", w.Body.String())
	}
	if len(esc.confirmed) != 0 {
		t.Error("malformed event must not be applied")
	}
}

func TestReceive_ApplierFailureAsksForRetry(t *testing.T) {
	esc := &recordingEscrow{err: errors.New("db down")}
	r := newWebhookRouter(t, esc)

	ev := provider.Event{ID: "evt_1", Type: provider.EventAuthorizationSucceeded, AuthorizationRef: "pi_1"}
	w := postEvent(t, r, ev, true)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the provider redelivers", w.Code)
	}
}

func TestReceive_DuplicateDeliveryStillAcked(t *testing.T) {
	esc := &recordingEscrow{}
	r := newWebhookRouter(t, esc)
	ev := provider.Event{ID: "evt_1", Type: provider.EventAuthorizationSucceeded, AuthorizationRef: "pi_1"}

	for i := 0; i < 2; i++ {
		if w := postEvent(t, r, ev, true); w.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d", i, w.Code)
		}
	}
	if len(esc.confirmed) != 1 {
		t.Errorf("applier ran %d times, want 1", len(esc.confirmed))
	}
}
