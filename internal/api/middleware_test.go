package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/recallhq/recall/internal/testutil"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"key": "value"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["key"] != "value" {
		t.Fatalf("body = %v", body)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusBadRequest, "invalid_request", "missing field")

	var body errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != "invalid_request" || body.Message != "missing field" {
		t.Fatalf("body = %+v", body)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(testutil.DiscardLogger())(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			panic("handler exploded")
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRateLimiterExhaustsBurst(t *testing.T) {
	rl := newRateLimiter(0.0001, 2)

	if !rl.allow("10.0.0.1") || !rl.allow("10.0.0.1") {
		t.Fatal("burst requests must pass")
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("request beyond burst must be limited")
	}
	// A different client has its own bucket.
	if !rl.allow("10.0.0.2") {
		t.Fatal("other clients must not be affected")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{"remote addr only", "192.0.2.10:5432", nil, false, "192.0.2.10"},
		{
			"proxy headers ignored when untrusted",
			"192.0.2.10:5432",
			map[string]string{"X-Real-IP": "198.51.100.7"},
			false,
			"192.0.2.10",
		},
		{
			"x-real-ip when trusted",
			"192.0.2.10:5432",
			map[string]string{"X-Real-IP": "198.51.100.7"},
			true,
			"198.51.100.7",
		},
		{
			"x-forwarded-for first hop",
			"192.0.2.10:5432",
			map[string]string{"X-Forwarded-For": "203.0.113.4, 198.51.100.7"},
			true,
			"203.0.113.4",
		},
		{
			"garbage header falls back",
			"192.0.2.10:5432",
			map[string]string{"X-Real-IP": "not-an-ip"},
			true,
			"192.0.2.10",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := clientIP(r, tt.trustProxy); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFederationAuth(t *testing.T) {
	h := &federationHandler{token: "secret-token", logger: testutil.DiscardLogger()}

	tests := []struct {
		name string
		auth string
		want bool
	}{
		{"valid token", "Bearer secret-token", true},
		{"wrong token", "Bearer other-token", false},
		{"missing header", "", false},
		{"wrong scheme", "Basic secret-token", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/federation/push", nil)
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			if got := h.authorized(r); got != tt.want {
				t.Fatalf("authorized = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFederationAuthEmptyTokenDeniesAll(t *testing.T) {
	h := &federationHandler{logger: testutil.DiscardLogger()}
	r := httptest.NewRequest(http.MethodPost, "/federation/push", nil)
	r.Header.Set("Authorization", "Bearer ")
	if h.authorized(r) {
		t.Fatal("server without a configured token must reject all peers")
	}
}
