package scope

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/store"
)

// StateFunc produces a compact state snapshot for a scope. It is called
// only when the downstream response carries the scope's placeholder.
type StateFunc func(ctx context.Context, sc *Scope) string

// Router builds the scoped mounts.
type Router struct {
	store *store.Store
	auth  *auth.Authenticator
	state StateFunc
}

// NewRouter creates a scope Router.
func NewRouter(st *store.Store, a *auth.Authenticator, state StateFunc) *Router {
	return &Router{store: st, auth: a, state: state}
}

// HomeMount wraps a handler as the /home/{homePrefix}/... surface. The
// handler sees the path with the prefix segment stripped.
func (rt *Router) HomeMount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, rest := splitPrefix(r.URL.Path)
		prefix, ok := ValidatePrefix(raw)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "invalid home id: must be 8 hex characters")
			return
		}

		ctx := r.Context()
		home, err := rt.store.GetHomeByPrefix(ctx, prefix)
		if err == sql.ErrNoRows {
			writeJSONError(w, http.StatusNotFound, "unknown home: "+prefix)
			return
		}
		if err != nil {
			slog.Error("home lookup failed", "prefix", prefix, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		owner, err := rt.store.GetUserByID(ctx, home.UserID)
		if err != nil {
			slog.Error("home owner lookup failed", "prefix", prefix, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if HomeAuthEnabled(owner.SettingsJSON.String, prefix) {
			claims, ok := rt.authenticate(w, r)
			if !ok {
				return
			}
			ctx = auth.WithClaims(ctx, claims)
		}

		sc := &Scope{Kind: KindHome, Prefix: prefix, HomeID: home.HomeID, UserID: home.UserID}
		rt.serve(next, w, r, ctx, sc, rest, HomeStatePlaceholder)
	})
}

// UserMount wraps a handler as the /homes/{userPrefix}/... surface. When
// auth is required the token's subject must be the resolved user.
func (rt *Router) UserMount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, rest := splitPrefix(r.URL.Path)
		prefix, ok := ValidatePrefix(raw)
		if !ok {
			writeJSONError(w, http.StatusBadRequest, "invalid user id: must be 8 hex characters")
			return
		}

		ctx := r.Context()
		user, err := rt.store.GetUserByPrefix(ctx, prefix)
		if err == sql.ErrNoRows {
			writeJSONError(w, http.StatusNotFound, "unknown user: "+prefix)
			return
		}
		if err != nil {
			slog.Error("user lookup failed", "prefix", prefix, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if UserAuthEnabled(user.SettingsJSON.String) {
			claims, ok := rt.authenticate(w, r)
			if !ok {
				return
			}
			if claims.UserID != user.ID {
				writeJSONError(w, http.StatusForbidden, "access denied: token does not match user")
				return
			}
			ctx = auth.WithClaims(ctx, claims)
		}

		sc := &Scope{Kind: KindUser, Prefix: prefix, UserID: user.ID}
		rt.serve(next, w, r, ctx, sc, rest, UserStatePlaceholder)
	})
}

func (rt *Router) serve(next http.Handler, w http.ResponseWriter, r *http.Request, ctx context.Context, sc *Scope, rest, placeholder string) {
	ctx = WithScope(ctx, sc)
	r2 := r.Clone(ctx)
	r2.URL.Path = rest

	rw := newStateRewriter(w, placeholder, func() string {
		return rt.state(ctx, sc)
	})
	next.ServeHTTP(rw, r2)
	rw.flush()
}

func (rt *Router) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	token := auth.TokenFromHeader(r.Header.Get("Authorization"))
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	claims, err := rt.auth.Verify(token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
		return nil, false
	}
	return claims, true
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
