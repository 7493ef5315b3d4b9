package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type ctxKey string

const ctxKeyCaller ctxKey = "scheduler.caller"

// Caller identifies the authenticated pipeline component on a request.
type Caller struct {
	Subject string
}

// FromContext returns the Caller stored on the request context, or nil.
func FromContext(ctx context.Context) *Caller {
	if c, ok := ctx.Value(ctxKeyCaller).(*Caller); ok {
		return c
	}
	return nil
}

// NewMiddleware enforces a bearer service token (HS256) on mutating routes.
// An empty secret disables enforcement for local development; requests still
// pass through so handlers behave identically.
func NewMiddleware(secret string, logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			raw := bearerToken(r)
			if raw == "" {
				http.Error(w, "bearer token required", http.StatusUnauthorized)
				return
			}
			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil {
				logger.WithError(err).Warn("rejected service token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			caller := &Caller{}
			if sub, ok := claims["sub"].(string); ok {
				caller.Subject = sub
			}
			ctx := context.WithValue(r.Context(), ctxKeyCaller, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if authz == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[7:])
}
