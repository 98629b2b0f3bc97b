// Package auth issues and verifies the bearer tokens consumed by every
// ingress surface (sockets, scoped mounts, graph queries).
package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/homecast/homecast/internal/relay/store"
)

type contextKey int

const authKey contextKey = iota

// Claims identify the authenticated principal of a request.
type Claims struct {
	UserID string
	Email  string
}

// WithClaims stores auth claims in the context.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, authKey, c)
}

// GetClaims retrieves auth claims from the context. Returns nil if the
// request is unauthenticated.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(authKey).(*Claims)
	return c
}

// Authenticator signs and verifies tokens with an HMAC secret.
type Authenticator struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
}

// New creates an Authenticator. algorithm must be one of HS256, HS384, HS512.
func New(secret, algorithm string, ttl time.Duration) (*Authenticator, error) {
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("signing algorithm %q is not HMAC-based", algorithm)
	}
	return &Authenticator{secret: []byte(secret), method: method, ttl: ttl}, nil
}

// Issue creates a signed token for the user.
func (a *Authenticator) Issue(userID, email string) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(a.method, jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(a.ttl).Unix(),
	})
	return tok.SignedString(a.secret)
}

// Verify parses and validates a token, returning its claims.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != a.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	email, _ := mc["email"].(string)
	return &Claims{UserID: sub, Email: email}, nil
}

// TokenFromHeader extracts a Bearer token from an Authorization header value.
func TokenFromHeader(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return strings.TrimPrefix(authHeader, prefix)
	}
	return ""
}

// HashPassword hashes a password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// ErrInvalidCredentials is returned by Login for a bad email or password.
var ErrInvalidCredentials = fmt.Errorf("invalid credentials")

// Login validates credentials and issues a token.
func Login(ctx context.Context, st *store.Store, a *Authenticator, email, password string) (string, store.User, error) {
	user, err := st.GetUserByEmail(ctx, email)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", store.User{}, ErrInvalidCredentials
		}
		return "", store.User{}, fmt.Errorf("query user: %w", err)
	}
	if !user.IsActive {
		return "", store.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", store.User{}, ErrInvalidCredentials
	}

	token, err := a.Issue(user.ID, user.Email)
	if err != nil {
		return "", store.User{}, fmt.Errorf("issue token: %w", err)
	}
	if err := st.TouchLastLogin(ctx, user.ID); err != nil {
		return "", store.User{}, fmt.Errorf("touch last login: %w", err)
	}
	return token, user, nil
}
