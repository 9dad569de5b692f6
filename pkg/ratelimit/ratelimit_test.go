package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/verisol/verify-api/pkg/models"
)

func TestKeyedLimiter(t *testing.T) {
	limiter := NewKeyedLimiter(10, 2) // 10 req/s, burst of 2

	if !limiter.Allow("test-key") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("test-key") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("test-key") {
		t.Error("Third request should be rate limited")
	}

	// Separate keys have separate buckets
	if !limiter.Allow("other-key") {
		t.Error("Different key should be allowed")
	}

	// Wait for token refill (10 req/s = 100ms per token)
	time.Sleep(150 * time.Millisecond)
	if !limiter.Allow("test-key") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestAdmissionMiddlewarePerIP(t *testing.T) {
	adm := NewAdmission(1000, 1000, 10, 2)

	handler := adm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/verify", nil)
		req.RemoteAddr = ip + ":12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send("10.0.0.1"); w.Code != http.StatusOK {
		t.Errorf("First request should succeed, got %d", w.Code)
	}
	if w := send("10.0.0.1"); w.Code != http.StatusOK {
		t.Errorf("Second request should succeed, got %d", w.Code)
	}

	w := send("10.0.0.1")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Third request should be throttled, got %d", w.Code)
	}

	// 429 carries the shared error shape
	var resp models.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse throttle response: %v", err)
	}
	if resp.Status != models.StatusError {
		t.Errorf("Expected error status discriminator, got %q", resp.Status)
	}

	// Other clients are unaffected
	if w := send("10.0.0.2"); w.Code != http.StatusOK {
		t.Errorf("Different client should be admitted, got %d", w.Code)
	}
}

func TestAdmissionMiddlewareGlobal(t *testing.T) {
	adm := NewAdmission(1, 2, 1000, 1000) // tight global ceiling

	handler := adm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/status/x", nil)
		req.RemoteAddr = "10.0.0.3:1"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes[w.Code]++
	}

	if codes[http.StatusOK] != 2 {
		t.Errorf("Expected 2 admitted requests, got %d", codes[http.StatusOK])
	}
	if codes[http.StatusTooManyRequests] != 3 {
		t.Errorf("Expected 3 throttled requests, got %d", codes[http.StatusTooManyRequests])
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.168.1.5:44321"
	if got := ClientIP(req); got != "192.168.1.5" {
		t.Errorf("Expected RemoteAddr host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientIP(req); got != "203.0.113.9" {
		t.Errorf("Expected first X-Forwarded-For hop, got %q", got)
	}
}
