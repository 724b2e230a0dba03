/**
 * @description
 * Authentication and rate limiting middleware for the loyalty-service.
 */
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/loyalty-service/internal/app"
)

type contextKey string

// ActorContextKey is the key used to store the admin actor in the request context.
const ActorContextKey = contextKey("actor")

// RateLimiter consumes one unit of a limit for a subject.
type RateLimiter interface {
	Consume(ctx context.Context, scope, subject string, limit int, window time.Duration) (app.RateLimitDecision, error)
}

// InternalAuthMiddleware validates optional internal API key for server-to-server calls.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := r.Header.Get("X-Internal-API-Key")
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AdminAuthMiddleware validates HS256 bearer tokens and injects the subject
// as the acting administrator. Without a secret the admin API is disabled.
func AdminAuthMiddleware(secret string) func(http.Handler) http.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				http.Error(w, "Admin API is not configured", http.StatusServiceUnavailable)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			actor := strings.TrimSpace(claims.Subject)
			if actor == "" {
				http.Error(w, "Subject not found in token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ActorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorFromContext retrieves the admin actor from the request context.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(ActorContextKey).(string)
	return actor, ok
}

// RateLimitMiddleware throttles requests per client address. Caller-supplied
// identifiers are ignored so a terminal cannot rotate its way past the limit.
// Limiter errors fail open.
func RateLimitMiddleware(limiter RateLimiter, scope string, limit int, window time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil || limit <= 0 {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject := clientAddress(r)

			decision, err := limiter.Consume(r.Context(), scope, subject, limit, window)
			if err != nil {
				logger.Warn("rate limiter unavailable; allowing request", "scope", scope, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
				respondWithJSON(w, http.StatusTooManyRequests, errorResponse{
					Error:   "rate_limited",
					Message: "too many ledger requests; retry later",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
