package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/db"
	"github.com/homecast/homecast/internal/relay/id"
	"github.com/homecast/homecast/internal/relay/store"
)

func newAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	a, err := auth.New("test-secret", "HS256", time.Hour)
	require.NoError(t, err)
	return a
}

func TestIssueVerify_RoundTrip(t *testing.T) {
	a := newAuthenticator(t)

	token, err := a.Issue("user-1", "a@example.com")
	require.NoError(t, err)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "a@example.com", claims.Email)
}

func TestVerify_WrongSecret(t *testing.T) {
	a := newAuthenticator(t)
	other, err := auth.New("different-secret", "HS256", time.Hour)
	require.NoError(t, err)

	token, err := a.Issue("user-1", "a@example.com")
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.Error(t, err)
}

func TestVerify_Expired(t *testing.T) {
	a, err := auth.New("test-secret", "HS256", -time.Minute)
	require.NoError(t, err)

	token, err := a.Issue("user-1", "a@example.com")
	require.NoError(t, err)

	_, err = a.Verify(token)
	require.Error(t, err)
}

func TestNew_RejectsNonHMAC(t *testing.T) {
	_, err := auth.New("secret", "RS256", time.Hour)
	require.Error(t, err)
	_, err = auth.New("secret", "none", time.Hour)
	require.Error(t, err)
}

func TestTokenFromHeader(t *testing.T) {
	require.Equal(t, "abc", auth.TokenFromHeader("Bearer abc"))
	require.Empty(t, auth.TokenFromHeader("Basic abc"))
	require.Empty(t, auth.TokenFromHeader(""))
}

func TestClaimsContext(t *testing.T) {
	ctx := context.Background()
	require.Nil(t, auth.GetClaims(ctx))

	ctx = auth.WithClaims(ctx, &auth.Claims{UserID: "u1"})
	claims := auth.GetClaims(ctx)
	require.NotNil(t, claims)
	require.Equal(t, "u1", claims.UserID)
}

func TestLogin(t *testing.T) {
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(d))
	st := store.New(d)

	a := newAuthenticator(t)
	ctx := context.Background()

	hash, err := auth.HashPassword("hunter2")
	require.NoError(t, err)
	userID := id.Generate()
	require.NoError(t, st.CreateUser(ctx, store.CreateUserParams{
		ID: userID, Email: "a@example.com", PasswordHash: hash, Name: "A",
	}))

	token, user, err := auth.Login(ctx, st, a, "a@example.com", "hunter2")
	require.NoError(t, err)
	require.Equal(t, userID, user.ID)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, userID, claims.UserID)

	_, _, err = auth.Login(ctx, st, a, "a@example.com", "wrong")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)

	_, _, err = auth.Login(ctx, st, a, "nobody@example.com", "hunter2")
	require.ErrorIs(t, err, auth.ErrInvalidCredentials)
}
