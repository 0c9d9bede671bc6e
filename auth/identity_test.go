/*
identity_test.go - JWT identity provider and middleware tests
*/
package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TOKEN RESOLUTION
// =============================================================================

func TestResolveCaller_RoundTrip(t *testing.T) {
	provider := NewJWTProvider("test-secret")

	token, err := provider.IssueToken(Caller{OwnerID: "alice", WalletAddress: "0xaaa", Admin: true})
	require.NoError(t, err)

	caller, err := provider.ResolveCaller(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", caller.OwnerID)
	assert.Equal(t, "0xaaa", caller.WalletAddress)
	assert.True(t, caller.Admin)
}

func TestResolveCaller_RejectsBadTokens(t *testing.T) {
	provider := NewJWTProvider("test-secret")

	// Garbage.
	_, err := provider.ResolveCaller("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	// Signed with a different secret.
	other := NewJWTProvider("other-secret")
	token, err := other.IssueToken(Caller{OwnerID: "alice", WalletAddress: "0xaaa"})
	require.NoError(t, err)
	_, err = provider.ResolveCaller(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	// Unsigned algorithm.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice", "wallet": "0xaaa",
	})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = provider.ResolveCaller(raw)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestResolveCaller_RequiresIdentityClaims(t *testing.T) {
	provider := NewJWTProvider("test-secret")

	// Missing wallet.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"})
	raw, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = provider.ResolveCaller(raw)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	// Missing sub.
	token = jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"wallet": "0xaaa"})
	raw, err = token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = provider.ResolveCaller(raw)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func TestMiddleware_AttachesCaller(t *testing.T) {
	provider := NewJWTProvider("test-secret")
	token, err := provider.IssueToken(Caller{OwnerID: "alice", WalletAddress: "0xaaa"})
	require.NoError(t, err)

	var seen *Caller
	handler := Middleware(provider)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CallerFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.OwnerID)
}

func TestMiddleware_Rejections(t *testing.T) {
	provider := NewJWTProvider("test-secret")
	handler := Middleware(provider)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"invalid token", "Bearer garbage"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	provider := NewJWTProvider("test-secret")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	protected := Middleware(provider)(RequireAdmin(next))

	// Non-admin caller gets 403.
	userToken, err := provider.IssueToken(Caller{OwnerID: "alice", WalletAddress: "0xaaa"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin passes.
	adminToken, err := provider.IssueToken(Caller{OwnerID: "root", WalletAddress: "0xroot", Admin: true})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// RequireAdmin without Middleware sees no caller at all.
	rec = httptest.NewRecorder()
	RequireAdmin(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
