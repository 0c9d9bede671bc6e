/*
Package auth resolves caller credentials to market identities.

PURPOSE:
  The engine does not own user management. It consumes an identity
  provider that resolves an opaque credential (a bearer token) to the
  caller's owner id and wallet address. This package supplies the JWT
  implementation plus the chi middleware that attaches the resolved
  caller to the request context.

TOKEN SHAPE:
  HMAC-signed JWT with claims:
    sub    owner id
    wallet wallet address
    admin  optional bool, grants access to review endpoints
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Caller is a resolved identity.
type Caller struct {
	OwnerID       string
	WalletAddress string
	Admin         bool
}

// IdentityProvider resolves a credential to a caller.
type IdentityProvider interface {
	ResolveCaller(credential string) (*Caller, error)
}

var ErrInvalidCredential = errors.New("invalid credential")

// =============================================================================
// JWT PROVIDER
// =============================================================================

// JWTProvider validates HMAC-signed bearer tokens.
type JWTProvider struct {
	secret []byte
}

func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{secret: []byte(secret)}
}

// ResolveCaller parses and validates a token, returning the caller it
// identifies.
func (p *JWTProvider) ResolveCaller(credential string) (*Caller, error) {
	token, err := jwt.Parse(credential, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidCredential
	}

	sub, _ := claims["sub"].(string)
	wallet, _ := claims["wallet"].(string)
	if sub == "" || wallet == "" {
		return nil, ErrInvalidCredential
	}
	admin, _ := claims["admin"].(bool)

	return &Caller{OwnerID: sub, WalletAddress: wallet, Admin: admin}, nil
}

// IssueToken signs a token for a caller. Used by tests and dev tooling;
// production tokens come from the identity service.
func (p *JWTProvider) IssueToken(caller Caller) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    caller.OwnerID,
		"wallet": caller.WalletAddress,
		"admin":  caller.Admin,
	})
	return token.SignedString(p.secret)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type contextKey string

const callerKey contextKey = "caller"

// CallerFromContext returns the caller attached by Middleware, or nil.
func CallerFromContext(ctx context.Context) *Caller {
	caller, _ := ctx.Value(callerKey).(*Caller)
	return caller
}

// Middleware resolves the Authorization header and attaches the caller
// to the request context. Requests without a valid bearer token get 401.
func Middleware(provider IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			caller, err := provider.ResolveCaller(parts[1])
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects non-admin callers. Must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := CallerFromContext(r.Context())
		if caller == nil || !caller.Admin {
			http.Error(w, "Admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
