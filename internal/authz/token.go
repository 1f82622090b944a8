// Package authz mints and validates the bearer tokens devices use against
// the backend API. Tokens are HS256 with the user identity as subject;
// they carry no key material.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "vanishvoice"

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint returns a signed token for the user.
func (t *TokenIssuer) Mint(userID uuid.UUID) (string, error) {
	now := t.now().UTC()
	claims := jwt.MapClaims{
		"iss": issuer,
		"sub": userID.String(),
		"iat": now.Unix(),
		"exp": now.Add(t.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// authenticated user in the request context.
func (t *TokenIssuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if raw == "" {
			// Websocket clients cannot set headers from every runtime;
			// accept the token as a query parameter there.
			if q := r.URL.Query().Get("token"); q != "" {
				raw = "Bearer " + q
			}
		}
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tokStr := strings.TrimSpace(raw[len("Bearer "):])

		token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
			}
			return t.secret, nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			slog.Warn("auth invalid token", "error", err)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "invalid token claims", http.StatusUnauthorized)
			return
		}
		if iss, _ := claims["iss"].(string); iss != issuer {
			http.Error(w, "issuer mismatch", http.StatusUnauthorized)
			return
		}
		sub, _ := claims["sub"].(string)
		userID, err := uuid.Parse(sub)
		if err != nil {
			http.Error(w, "no subject", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextWithUser(r.Context(), userID)))
	})
}

type userKey struct{}

func contextWithUser(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, userKey{}, id)
}

// UserFrom returns the authenticated user stored by Middleware.
func UserFrom(ctx context.Context) (uuid.UUID, bool) {
	v, ok := ctx.Value(userKey{}).(uuid.UUID)
	return v, ok
}
