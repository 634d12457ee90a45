/**
 * @description
 * This file contains custom middleware for the HTTP router: bearer token verification,
 * role gates, the shared fixed-window rate limiter and the signed-link gate for the
 * public booking pages.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 token verification.
 * - github.com/go-chi/chi/v5: URL parameters for the signed-link gate.
 * - internal/app, internal/domain: Limiter, link issuer and actor model.
 */

package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/slotbook/booking-service/internal/app"
	"github.com/slotbook/booking-service/internal/domain"
)

// ContextKey is a custom type for the context keys to avoid collisions.
type ContextKey string

const (
	actorKey       ContextKey = "actor"
	authFailureKey ContextKey = "authFailure"
	linkedTaskKey  ContextKey = "linkedTask"
)

// tokenLeeway tolerates clock drift between the token issuer and this service.
const tokenLeeway = 30 * time.Second

// BookingClaims are the claims the booking service reads from a bearer token.
type BookingClaims struct {
	Role       string `json:"role,omitempty"`
	MerchantID string `json:"merchant_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens issued by the platform's auth service.
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewAuthenticator creates an authenticator. Issuer and audience are only enforced when set.
func NewAuthenticator(secret, issuer, audience string) *Authenticator {
	return &Authenticator{
		secret:   []byte(strings.TrimSpace(secret)),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
	}
}

// ParseActor verifies a raw token and returns the principal it names.
func (a *Authenticator) ParseActor(tokenString string) (domain.Actor, error) {
	if len(a.secret) == 0 {
		return domain.Actor{}, errors.New("token verification is not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	claims := &BookingClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return domain.Actor{}, err
	}
	if !token.Valid {
		return domain.Actor{}, errors.New("invalid token")
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Actor{}, errors.New("subject claim missing")
	}

	actor := domain.Actor{UserID: subject, Role: domain.RoleUser}
	switch domain.Role(strings.ToLower(strings.TrimSpace(claims.Role))) {
	case domain.RoleMerchant:
		merchantID, err := uuid.Parse(strings.TrimSpace(claims.MerchantID))
		if err != nil || merchantID == uuid.Nil {
			return domain.Actor{}, errors.New("merchant token without a valid merchant_id")
		}
		actor.Role = domain.RoleMerchant
		actor.MerchantID = merchantID
	case domain.RoleAdmin:
		actor.Role = domain.RoleAdmin
	}
	return actor, nil
}

// Middleware attaches the principal to the request context when a bearer token is
// present. Requests without a token pass through anonymously; a bad token is rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return a.Identify(RejectInvalidCredentials(next))
}

// Identify attaches the principal for a valid bearer token. A malformed header or a
// rejected token is recorded on the context and the request continues anonymously,
// so the rate limiter still counts it by client IP. RejectInvalidCredentials must run
// later in the chain.
func (a *Authenticator) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Extract the token from "Bearer <token>"
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
			ctx := context.WithValue(r.Context(), authFailureKey, "Invalid Authorization header format")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		actor, err := a.ParseActor(strings.TrimSpace(tokenString))
		if err != nil {
			log.Printf("level=warn component=api msg=\"bearer token rejected\" path=%s err=%v", r.URL.Path, err)
			ctx := context.WithValue(r.Context(), authFailureKey, "Invalid token")
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		ctx := context.WithValue(r.Context(), actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RejectInvalidCredentials answers 401 for requests whose bearer credentials
// Identify could not accept.
func RejectInvalidCredentials(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if msg, ok := r.Context().Value(authFailureKey).(string); ok {
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetActor retrieves the authenticated principal from the request context.
func GetActor(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(domain.Actor)
	return actor, ok
}

// RequireAuth rejects anonymous requests.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetActor(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireMerchant only admits merchants and admins.
func RequireMerchant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := GetActor(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		if actor.Role != domain.RoleMerchant && actor.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, "Merchant access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rateLimitResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// RateLimitMiddleware counts every request against the caller's identity in the scope
// selected by the request path. It must run after Identify and before
// RejectInvalidCredentials, so requests with bad credentials are counted too.
func RateLimitMiddleware(limiter *app.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Enabled() || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			actor, authenticated := GetActor(r.Context())
			identity := "ip:" + getClientIP(r)
			if authenticated {
				identity = "user:" + actor.UserID
			}

			scope := limiter.ScopeFor(r.URL.Path, authenticated)
			decision, err := limiter.Allow(r.Context(), scope, identity)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.ResetAt.IsZero() {
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}

			if errors.Is(err, app.ErrRateLimitExceeded) {
				retryAfter := decision.RetryAfterSeconds()
				log.Printf("level=warn component=api msg=\"rate limit exceeded\" scope=%s identity=%s path=%s retry_after=%d", scope, identity, r.URL.Path, retryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeJSON(w, http.StatusTooManyRequests, rateLimitResponse{
					Error:      "rate_limit_exceeded",
					Message:    "Too many requests. Please try again later.",
					RetryAfter: retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from the request.
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// SignedLinkGate admits a request only if its token and exp query parameters form a
// valid link for the {taskID} path parameter. Every failure looks the same to the caller.
func SignedLinkGate(issuer *app.SignedLinkIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			taskID, err := issuer.VerifyRaw(chi.URLParam(r, "taskID"), q.Get("token"), q.Get("exp"))
			if err != nil {
				writeError(w, http.StatusForbidden, app.ErrInvalidOrExpiredLink.Error())
				return
			}
			ctx := context.WithValue(r.Context(), linkedTaskKey, taskID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// getLinkedTask returns the task a verified signed link grants access to.
func getLinkedTask(ctx context.Context) (uuid.UUID, bool) {
	taskID, ok := ctx.Value(linkedTaskKey).(uuid.UUID)
	return taskID, ok
}
