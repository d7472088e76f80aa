package auth

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/relay-gateway/internal/gateway"
)

const testSecret = "test-secret-key"

func TestVerifyRoundTrip(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	verifier := NewJWTVerifier(testSecret, 0)

	token, err := issuer.Issue("user-1", "acme", []string{"admin"}, []string{"ws:connect"})
	require.NoError(t, err)

	claims, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "acme", claims.TenantID)
	assert.True(t, claims.HasRole("admin"))
	assert.False(t, claims.HasRole("viewer"))
	assert.True(t, claims.HasPermission("ws:connect"))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	verifier := NewJWTVerifier("different-secret", 0)

	token, err := issuer.Issue("user-1", "", nil, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrUnauthenticated))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, 0)
	_, err := verifier.Verify("not-a-jwt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrUnauthenticated))
}

func TestVerifyExpiryAndLeeway(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, 30*time.Second)

	issue := func(expiredBy time.Duration) string {
		now := time.Now()
		claims := &Claims{
			UserID: "user-1",
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(-expiredBy)),
				IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(t, err)
		return token
	}

	_, err := verifier.Verify(issue(10 * time.Second))
	assert.NoError(t, err, "expiry within the clock-skew leeway is accepted")

	_, err = verifier.Verify(issue(2 * time.Minute))
	require.Error(t, err, "expiry beyond the leeway is rejected")
	assert.True(t, errors.Is(err, gateway.ErrUnauthenticated))
}

func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "user-1"})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewJWTVerifier(testSecret, 0).Verify(raw)
	assert.Error(t, err)
}

func TestRequireScope(t *testing.T) {
	claims := &Claims{Permissions: []string{"ws:connect"}}

	assert.NoError(t, RequireScope(claims, ""))
	assert.NoError(t, RequireScope(claims, "ws:connect"))

	err := RequireScope(claims, "ws:admin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gateway.ErrUnauthorized))
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		wantErr bool
	}{
		{name: "bearer header", header: "Bearer abc123", want: "abc123"},
		{name: "query param", query: "?token=qtoken", want: "qtoken"},
		{name: "header wins over query", header: "Bearer htoken", query: "?token=qtoken", want: "htoken"},
		{name: "malformed header", header: "Basic abc123", wantErr: true},
		{name: "missing", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "/ws"+tt.query, nil)
			require.NoError(t, err)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}

			got, err := TokenFromRequest(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
