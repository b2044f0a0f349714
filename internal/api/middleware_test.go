package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signTestToken(t *testing.T, secret string, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

func TestJWTAuthMiddlewareAcceptsValidToken(t *testing.T) {
	var gotUserID int64
	handler := JWTAuthMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := AuthUserID(r.Context())
		if !ok {
			t.Fatalf("expected user id on context")
		}
		gotUserID = id
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/memberships/42", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "test-secret", strconv.Itoa(42)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotUserID != 42 {
		t.Fatalf("expected subject 42 on context, got %d", gotUserID)
	}
}

func TestJWTAuthMiddlewareRejections(t *testing.T) {
	handler := JWTAuthMiddleware("test-secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run for rejected requests")
	}))

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"wrong secret", "Bearer " + signTestToken(t, "other-secret", "42")},
		{"non-numeric subject", "Bearer " + signTestToken(t, "test-secret", "alice")},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/memberships/42", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", tc.name, rec.Code)
		}
	}
}

func TestInternalKeyMiddleware(t *testing.T) {
	handler := InternalKeyMiddleware("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/internal/payments/crypto/verify", nil)
	req.Header.Set("X-Internal-Api-Key", "s3cret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with correct key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/payments/crypto/verify", nil)
	req.Header.Set("X-Internal-Api-Key", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong key, got %d", rec.Code)
	}

	// A blank configured key disables the internal API outright.
	disabled := InternalKeyMiddleware("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler must not run when internal API is disabled")
	}))
	req = httptest.NewRequest(http.MethodPost, "/internal/payments/crypto/verify", nil)
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when disabled, got %d", rec.Code)
	}
}
