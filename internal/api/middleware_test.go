package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/app"
	"github.com/slotbook/booking-service/internal/domain"
)

func signWith(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthenticatorParseActor(t *testing.T) {
	auth := NewAuthenticator(testJWTSecret, "", "")
	merchantID := uuid.New()
	valid := jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	actor, err := auth.ParseActor(signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{RegisteredClaims: valid}))
	if err != nil || actor.UserID != "u1" || actor.Role != domain.RoleUser {
		t.Fatalf("expected plain user, got %+v err=%v", actor, err)
	}

	actor, err = auth.ParseActor(signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{
		Role: "Merchant", MerchantID: merchantID.String(), RegisteredClaims: valid,
	}))
	if err != nil || actor.Role != domain.RoleMerchant || actor.MerchantID != merchantID {
		t.Fatalf("expected merchant, got %+v err=%v", actor, err)
	}

	actor, err = auth.ParseActor(signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{Role: "system", RegisteredClaims: valid}))
	if err != nil || actor.Role != domain.RoleUser {
		t.Fatalf("system role must never be granted from a token, got %+v err=%v", actor, err)
	}

	rejected := []struct {
		name  string
		token string
	}{
		{"wrong secret", signWith(t, jwt.SigningMethodHS256, "other", BookingClaims{RegisteredClaims: valid})},
		{"wrong algorithm", signWith(t, jwt.SigningMethodHS384, testJWTSecret, BookingClaims{RegisteredClaims: valid})},
		{"expired", signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{RegisteredClaims: jwt.RegisteredClaims{
			Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}})},
		{"no expiry", signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1"}})},
		{"no subject", signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}})},
		{"merchant without id", signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{Role: "merchant", RegisteredClaims: valid})},
		{"garbage", "not.a.token"},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := auth.ParseActor(tt.token); err == nil {
				t.Fatal("expected token to be rejected")
			}
		})
	}
}

func TestAuthenticatorIssuerAndAudience(t *testing.T) {
	auth := NewAuthenticator(testJWTSecret, "https://auth.example", "bookings")
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	good := signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "u1", Issuer: "https://auth.example", Audience: jwt.ClaimStrings{"bookings"}, ExpiresAt: exp,
	}})
	if _, err := auth.ParseActor(good); err != nil {
		t.Fatalf("expected token to verify: %v", err)
	}

	wrongAud := signWith(t, jwt.SigningMethodHS256, testJWTSecret, BookingClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject: "u1", Issuer: "https://auth.example", Audience: jwt.ClaimStrings{"payments"}, ExpiresAt: exp,
	}})
	if _, err := auth.ParseActor(wrongAud); err == nil {
		t.Fatal("expected audience mismatch to be rejected")
	}
}

func TestAuthenticatorWithoutSecretRejectsTokens(t *testing.T) {
	auth := NewAuthenticator("", "", "")
	if _, err := auth.ParseActor(signToken(t, "u1", "user", "")); err == nil {
		t.Fatal("expected tokens to be rejected when no secret is configured")
	}
}

func TestAuthMiddlewareHeaderHandling(t *testing.T) {
	auth := NewAuthenticator(testJWTSecret, "", "")
	var seen *domain.Actor
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := GetActor(r.Context()); ok {
			seen = &a
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantActor  bool
	}{
		{"anonymous", "", http.StatusNoContent, false},
		{"basic scheme", "Basic abc", http.StatusUnauthorized, false},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, false},
		{"valid bearer", "Bearer " + signToken(t, "u1", "user", ""), http.StatusNoContent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/api/bookings/my", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if (seen != nil) != tt.wantActor {
				t.Fatalf("expected actor present=%v, got %+v", tt.wantActor, seen)
			}
		})
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"forwarded chain", "203.0.113.9, 10.0.0.1", "", "10.0.0.2:1234", "203.0.113.9"},
		{"real ip", "", "198.51.100.7", "10.0.0.2:1234", "198.51.100.7"},
		{"remote addr", "", "", "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 remote addr", "", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"remote without port", "", "", "192.0.2.8", "192.0.2.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := getClientIP(req); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: slot_id is required", app.ErrValidation), http.StatusBadRequest},
		{app.ErrCapacityExceeded, http.StatusBadRequest},
		{app.ErrInvalidStateTransition, http.StatusBadRequest},
		{fmt.Errorf("%w: booking", app.ErrNotFound), http.StatusNotFound},
		{app.ErrForbidden, http.StatusForbidden},
		{app.ErrDuplicateActiveBooking, http.StatusConflict},
		{fmt.Errorf("%w: gave up after 5 attempts", app.ErrConcurrencyConflict), http.StatusConflict},
		{app.ErrRateLimitExceeded, http.StatusTooManyRequests},
		{app.ErrInvalidOrExpiredLink, http.StatusForbidden},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got, _ := errorResponse(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}

	if _, msg := errorResponse(fmt.Errorf("%w: slot_id is required", app.ErrValidation)); msg != "validation failed: slot_id is required" {
		t.Fatalf("expected validation detail to be kept, got %q", msg)
	}
	if _, msg := errorResponse(errors.New("pq: password authentication failed")); msg != "Internal server error" {
		t.Fatalf("expected internal details hidden, got %q", msg)
	}
}
