package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "acct_abc", "test-key", true)
	return mgr, rawKey, key
}

func newTestContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(method, path, nil)
	return c, w
}

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := newTestContext("POST", "/v1/generate/text")
	c.Request.Header.Set("Authorization", "Bearer "+rawKey)
	Middleware(mgr)(c)

	if got := GetAccountID(c); got != "acct_abc" {
		t.Errorf("Expected acct_abc, got %q", got)
	}
	key, ok := GetAPIKey(c)
	if !ok || !key.Trusted {
		t.Fatal("Expected trusted API key in context")
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := newTestContext("GET", "/v1/balance")
	c.Request.Header.Set("X-API-Key", rawKey)
	Middleware(mgr)(c)

	if !IsAuthenticated(c) {
		t.Error("Expected X-API-Key to authenticate")
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c, _ := newTestContext("POST", "/v1/generate/text")
	c.Request.Header.Set("Authorization", "sk_bogus")
	Middleware(mgr)(c)

	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid key")
	}
	if IsAuthenticated(c) || GetAccountID(c) != "" {
		t.Error("Invalid key must not set context")
	}
}

func TestRequireAuth(t *testing.T) {
	c, w := newTestContext("GET", "/v1/balance")
	RequireAuth()(c)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}

	c, _ = newTestContext("GET", "/v1/balance")
	c.Set(ContextKeyAPIKey, &APIKey{AccountID: "acct_1"})
	RequireAuth()(c)
	if c.IsAborted() {
		t.Error("Expected authenticated request to pass")
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		header   string
		authed   bool
		wantCode int
		aborted  bool
	}{
		{"demo mode authenticated", "", "", true, http.StatusOK, false},
		{"demo mode anonymous", "", "", false, http.StatusUnauthorized, true},
		{"correct secret", "supersecret123", "supersecret123", false, http.StatusOK, false},
		{"wrong secret", "supersecret123", "wrong", true, http.StatusForbidden, true},
		{"missing header", "supersecret123", "", true, http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, w := newTestContext("POST", "/v1/admin/refill")
			if tt.header != "" {
				c.Request.Header.Set("X-Admin-Secret", tt.header)
			}
			if tt.authed {
				c.Set(ContextKeyAPIKey, &APIKey{AccountID: "acct_1"})
			}
			RequireAdmin(tt.secret)(c)
			if c.IsAborted() != tt.aborted {
				t.Fatalf("aborted = %v, want %v", c.IsAborted(), tt.aborted)
			}
			if tt.aborted && w.Code != tt.wantCode {
				t.Errorf("Expected %d, got %d", tt.wantCode, w.Code)
			}
		})
	}
}

func TestRequireWorker_NoSecretAcceptsAll(t *testing.T) {
	c, _ := newTestContext("POST", "/v1/workers/heartbeat")
	RequireWorker("")(c)
	if c.IsAborted() {
		t.Error("Expected open heartbeat without secret")
	}

	c, w := newTestContext("POST", "/v1/workers/heartbeat")
	c.Request.Header.Set("X-Worker-Secret", "nope")
	RequireWorker("shh")(c)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}
