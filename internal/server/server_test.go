package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/taskbay/taskbay/internal/config"
	"github.com/taskbay/taskbay/internal/provider"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal sandbox config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "development",
		LogLevel:     "error",
		FeeBPS:       500,
		Currency:     "usd",
		RateLimitRPS: 1000,
		AdminSecret:  "test-admin-secret",
	}
}

// newTestServer creates a server with in-memory stores and the sandbox gateway
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// registerUser registers a test user and returns (userID, apiKey)
func registerUser(t *testing.T, s *Server, name string) (string, string) {
	t.Helper()

	body := `{"name":"` + name + `"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/auth/register", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Registration failed: %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse registration response: %v", err)
	}
	userID, _ := resp["userId"].(string)
	apiKey, _ := resp["apiKey"].(string)
	if userID == "" || apiKey == "" {
		t.Fatalf("Expected userId and apiKey in response, got %v", resp)
	}
	return userID, apiKey
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestMarketplaceRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := map[string]bool{
		"GET:/v1/assignments":                   false,
		"GET:/v1/assignments/:id":               false,
		"GET:/v1/assignments/:id/bids":          false,
		"POST:/v1/assignments":                  false,
		"POST:/v1/assignments/:id/bids":         false,
		"POST:/v1/bids/:bidId/accept":           false,
		"POST:/v1/assignments/:id/submit":       false,
		"POST:/v1/assignments/:id/release":      false,
		"POST:/v1/assignments/:id/disputes":     false,
		"POST:/v1/disputes/:disputeId/resolve":  false,
		"POST:/v1/disputes/:disputeId/withdraw": false,
		"POST:/v1/webhooks/provider":            false,
	}

	for _, route := range routes {
		key := route.Method + ":" + route.Path
		if _, ok := expected[key]; ok {
			expected[key] = true
		}
	}

	for route, found := range expected {
		if !found {
			t.Errorf("Marketplace route %s not registered", route)
		}
	}
}

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"GET:/ws",
		"POST:/v1/auth/register",
		"GET:/v1/me/balance",
		"GET:/v1/me/payout-account",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Registration and auth tests
// ---------------------------------------------------------------------------

func TestUserRegistration(t *testing.T) {
	s := newTestServer(t)

	userID, apiKey := registerUser(t, s, "Poster")

	if !strings.HasPrefix(userID, "usr_") {
		t.Errorf("Expected usr_ prefixed user ID, got %s", userID)
	}
	if !strings.HasPrefix(apiKey, "sk_") {
		t.Errorf("Expected sk_ prefixed API key, got %s", apiKey)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	body := `{"title":"Translate a document","budgetCents":5000}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/assignments", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}
}

func TestAdminRouteRequiresSecret(t *testing.T) {
	s := newTestServer(t)
	_, apiKey := registerUser(t, s, "Poster")

	// Valid API key but no admin secret
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/disputes/dsp_none/resolve", strings.NewReader(`{"outcome":"release"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without admin secret, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// End-to-end flow: post, bid, accept, complete
// ---------------------------------------------------------------------------

func TestAssignmentFlow(t *testing.T) {
	s := newTestServer(t)

	_, posterKey := registerUser(t, s, "Poster")
	doerID, doerKey := registerUser(t, s, "Doer")

	do := func(method, path, body, key string) *httptest.ResponseRecorder {
		t.Helper()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		s.router.ServeHTTP(w, req)
		return w
	}

	// Poster opens an assignment
	w := do("POST", "/v1/assignments", `{"title":"Translate a document","budgetCents":20000}`, posterKey)
	if w.Code != http.StatusCreated {
		t.Fatalf("CreateAssignment: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Assignment struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"assignment"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Failed to parse assignment: %v", err)
	}
	asgID := created.Assignment.ID
	if created.Assignment.Status != "open" {
		t.Errorf("Expected open assignment, got %s", created.Assignment.Status)
	}

	// Doer connects a payout account; the provider webhook enables payouts
	w = do("POST", "/v1/me/payout-account", `{"providerAccountId":"acct_doer"}`, doerKey)
	if w.Code != http.StatusCreated {
		t.Fatalf("Connect payout account: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	payload, _ := json.Marshal(provider.Event{
		ID:             "evt_acct_doer",
		Type:           provider.EventAccountUpdated,
		AccountID:      "acct_doer",
		PayoutsEnabled: true,
	})
	wr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks/provider", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", provider.SignSandboxPayload("whsec_sandbox", payload))
	s.router.ServeHTTP(wr, req)
	if wr.Code != http.StatusOK {
		t.Fatalf("Webhook: expected 200, got %d: %s", wr.Code, wr.Body.String())
	}

	// Doer bids
	w = do("POST", "/v1/assignments/"+asgID+"/bids", `{"amountCents":15000,"message":"Can do"}`, doerKey)
	if w.Code != http.StatusCreated {
		t.Fatalf("SubmitBid: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var bidResp struct {
		Bid struct {
			ID string `json:"id"`
		} `json:"bid"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &bidResp); err != nil {
		t.Fatalf("Failed to parse bid: %v", err)
	}

	// Anyone can list the assignment's bids
	w = do("GET", "/v1/assignments/"+asgID+"/bids", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ListBids: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var bidsResp struct {
		Bids  []json.RawMessage `json:"bids"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &bidsResp); err != nil {
		t.Fatalf("Failed to parse bids: %v", err)
	}
	if bidsResp.Count != 1 || len(bidsResp.Bids) != 1 {
		t.Fatalf("expected exactly one bid listed, got count=%d", bidsResp.Count)
	}

	// Poster accepts — sandbox gateway authorizes synchronously
	w = do("POST", "/v1/bids/"+bidResp.Bid.ID+"/accept", `{}`, posterKey)
	if w.Code != http.StatusOK {
		t.Fatalf("AcceptBid: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Doer starts and submits work
	w = do("POST", "/v1/assignments/"+asgID+"/start", `{}`, doerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("StartWork: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do("POST", "/v1/assignments/"+asgID+"/submit", `{"note":"done"}`, doerKey)
	if w.Code != http.StatusCreated {
		t.Fatalf("SubmitWork: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Poster releases payment
	w = do("POST", "/v1/assignments/"+asgID+"/release", `{}`, posterKey)
	if w.Code != http.StatusOK {
		t.Fatalf("ReleasePayment: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Doer's balance reflects the net amount (15000 minus 5% fee)
	w = do("GET", "/v1/me/balance", "", doerKey)
	if w.Code != http.StatusOK {
		t.Fatalf("GetBalance: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var balResp struct {
		Balance struct {
			UserID         string `json:"userId"`
			AvailableCents int64  `json:"availableCents"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &balResp); err != nil {
		t.Fatalf("Failed to parse balance: %v", err)
	}
	if balResp.Balance.UserID != doerID {
		t.Errorf("Expected balance for %s, got %s", doerID, balResp.Balance.UserID)
	}
	if balResp.Balance.AvailableCents != 14250 {
		t.Errorf("Expected 14250 cents available, got %d", balResp.Balance.AvailableCents)
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
