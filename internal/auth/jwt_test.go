package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-stays/internal/auth"
	"github.com/noah-isme/backend-stays/internal/common"
)

const testSecret = "test-signing-secret"

func signedToken(t *testing.T, secret, subject string, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Claim("email", "user@example.com").
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	require.NoError(t, err)
	return string(signed)
}

func TestParseAccessToken(t *testing.T) {
	svc := auth.NewService(testSecret)

	claims, err := svc.ParseAccessToken(signedToken(t, testSecret, "user-1", time.Hour))
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "user@example.com", claims.Email)
}

func TestParseAccessTokenWrongSecret(t *testing.T) {
	svc := auth.NewService(testSecret)

	_, err := svc.ParseAccessToken(signedToken(t, "other-secret", "user-1", time.Hour))
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestParseAccessTokenExpired(t *testing.T) {
	svc := auth.NewService(testSecret)

	_, err := svc.ParseAccessToken(signedToken(t, testSecret, "user-1", -time.Hour))
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestRequireAuthMiddleware(t *testing.T) {
	svc := auth.NewService(testSecret)
	var gotUser string
	handler := auth.RequireAuth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = common.UserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, "user-42", time.Hour))
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-42", gotUser)
}
