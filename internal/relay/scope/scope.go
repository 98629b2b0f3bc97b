// Package scope mounts the prefix-scoped HTTP surfaces: it extracts an
// 8-hex home or user prefix from the path, resolves it, enforces the owner's
// per-scope auth policy, and binds the resolved scope to the request context
// for downstream adapters.
package scope

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
)

// State placeholders downstream adapters may embed in their responses. The
// mount splices a fresh state snapshot over them before the response leaves
// the process.
const (
	HomeStatePlaceholder = "__HOMECAST_STATE__"
	UserStatePlaceholder = "__HOMECAST_HOMES_STATE__"
)

// Kind distinguishes the two scoped mounts.
type Kind string

const (
	KindHome Kind = "home"
	KindUser Kind = "user"
)

// Scope is the URL-derived identity a scoped request acts on.
type Scope struct {
	Kind   Kind
	Prefix string // 8-hex, lowercased
	HomeID string // full home id; home scope only
	UserID string // owning user
}

type contextKey int

const scopeKey contextKey = iota

// WithScope binds a scope to the context for the rest of the request.
func WithScope(ctx context.Context, sc *Scope) context.Context {
	return context.WithValue(ctx, scopeKey, sc)
}

// FromContext returns the request's scope, or nil outside a scoped mount.
func FromContext(ctx context.Context) *Scope {
	sc, _ := ctx.Value(scopeKey).(*Scope)
	return sc
}

var prefixPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}$`)

// ValidatePrefix checks the 8-hex shape and returns the lowercased prefix.
func ValidatePrefix(s string) (string, bool) {
	if !prefixPattern.MatchString(s) {
		return "", false
	}
	return strings.ToLower(s), true
}

// splitPrefix cuts "/{prefix}/rest" into its prefix and the remaining path.
// The remainder always starts with "/".
func splitPrefix(path string) (prefix, rest string) {
	path = strings.TrimPrefix(path, "/")
	prefix, rest, found := strings.Cut(path, "/")
	if !found || rest == "" {
		return prefix, "/"
	}
	return prefix, "/" + rest
}

// HomeAuthEnabled reads the per-home auth policy out of a user's settings
// JSON. Missing or malformed settings default to auth required.
func HomeAuthEnabled(settingsJSON, homePrefix string) bool {
	if settingsJSON == "" {
		return true
	}
	var settings struct {
		Homes map[string]struct {
			AuthEnabled *bool `json:"auth_enabled"`
		} `json:"homes"`
	}
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return true
	}
	home, ok := settings.Homes[homePrefix]
	if !ok || home.AuthEnabled == nil {
		return true
	}
	return *home.AuthEnabled
}

// UserAuthEnabled reads the user-scope auth policy out of settings JSON.
// Missing or malformed settings default to auth required.
func UserAuthEnabled(settingsJSON string) bool {
	if settingsJSON == "" {
		return true
	}
	var settings struct {
		HomesAuthEnabled *bool `json:"homesAuthEnabled"`
	}
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return true
	}
	if settings.HomesAuthEnabled == nil {
		return true
	}
	return *settings.HomesAuthEnabled
}
