// Package graph is the query surface for web portals: account management,
// session listings, and action invocation routed to agents.
package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/graphql-go/graphql"

	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/id"
	"github.com/homecast/homecast/internal/relay/sessions"
	"github.com/homecast/homecast/internal/relay/store"
)

// actionRouter delivers an action to an agent and returns its payload.
type actionRouter interface {
	Route(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, error)
}

// Handler resolves graph queries against the relay's state.
type Handler struct {
	store    *store.Store
	auth     *auth.Authenticator
	sessions *sessions.Registry
	router   actionRouter
	schema   graphql.Schema
}

var errAuthRequired = fmt.Errorf("authentication required")

func requireClaims(ctx context.Context) (*auth.Claims, error) {
	claims := auth.GetClaims(ctx)
	if claims == nil {
		return nil, errAuthRequired
	}
	return claims, nil
}

// New builds the schema and its resolvers.
func New(st *store.Store, a *auth.Authenticator, reg *sessions.Registry, rt actionRouter) (*Handler, error) {
	h := &Handler{store: st, auth: a, sessions: reg, router: rt}

	userType := graphql.NewObject(graphql.ObjectConfig{
		Name: "User",
		Fields: graphql.Fields{
			"id":           &graphql.Field{Type: graphql.String},
			"email":        &graphql.Field{Type: graphql.String},
			"name":         &graphql.Field{Type: graphql.String},
			"settingsJson": &graphql.Field{Type: graphql.String},
		},
	})

	authResultType := graphql.NewObject(graphql.ObjectConfig{
		Name: "AuthResult",
		Fields: graphql.Fields{
			"token": &graphql.Field{Type: graphql.String},
			"user":  &graphql.Field{Type: userType},
		},
	})

	sessionType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Session",
		Fields: graphql.Fields{
			"id":            &graphql.Field{Type: graphql.String},
			"sessionType":   &graphql.Field{Type: graphql.String},
			"agentId":       &graphql.Field{Type: graphql.String},
			"name":          &graphql.Field{Type: graphql.String},
			"instanceId":    &graphql.Field{Type: graphql.String},
			"lastHeartbeat": &graphql.Field{Type: graphql.String},
		},
	})

	homeType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Home",
		Fields: graphql.Fields{
			"homeId": &graphql.Field{Type: graphql.String},
			"name":   &graphql.Field{Type: graphql.String},
		},
	})

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"health": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return "ok", nil
				},
			},
			"me": &graphql.Field{
				Type:    userType,
				Resolve: h.resolveMe,
			},
			"sessions": &graphql.Field{
				Type:    graphql.NewList(sessionType),
				Resolve: h.resolveSessions,
			},
			"homes": &graphql.Field{
				Type:    graphql.NewList(homeType),
				Resolve: h.resolveHomes,
			},
			"agentConnected": &graphql.Field{
				Type: graphql.Boolean,
				Args: graphql.FieldConfigArgument{
					"agentId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: h.resolveAgentConnected,
			},
		},
	})

	mutationType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"signup": &graphql.Field{
				Type: authResultType,
				Args: graphql.FieldConfigArgument{
					"email":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"password": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"name":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: h.resolveSignup,
			},
			"login": &graphql.Field{
				Type: authResultType,
				Args: graphql.FieldConfigArgument{
					"email":    &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"password": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: h.resolveLogin,
			},
			"updateSettings": &graphql.Field{
				Type: graphql.Boolean,
				Args: graphql.FieldConfigArgument{
					"settingsJson": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: h.resolveUpdateSettings,
			},
			"invokeAction": &graphql.Field{
				Type: graphql.String,
				Args: graphql.FieldConfigArgument{
					"agentId": &graphql.ArgumentConfig{Type: graphql.String},
					"action":  &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"payload": &graphql.ArgumentConfig{Type: graphql.String},
				},
				Resolve: h.resolveInvokeAction,
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query:    queryType,
		Mutation: mutationType,
	})
	if err != nil {
		return nil, fmt.Errorf("build schema: %w", err)
	}
	h.schema = schema
	return h, nil
}

func userView(u store.User) map[string]any {
	return map[string]any{
		"id":           u.ID,
		"email":        u.Email,
		"name":         u.Name,
		"settingsJson": u.SettingsJSON.String,
	}
}

func (h *Handler) resolveMe(p graphql.ResolveParams) (any, error) {
	claims, err := requireClaims(p.Context)
	if err != nil {
		return nil, err
	}
	u, err := h.store.GetUserByID(p.Context, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return userView(u), nil
}

func (h *Handler) resolveSessions(p graphql.ResolveParams) (any, error) {
	claims, err := requireClaims(p.Context)
	if err != nil {
		return nil, err
	}
	list, err := h.sessions.SessionsForUser(p.Context, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]map[string]any, 0, len(list))
	for _, s := range list {
		out = append(out, map[string]any{
			"id":            s.ID,
			"sessionType":   s.SessionType,
			"agentId":       s.AgentID.String,
			"name":          s.Name.String,
			"instanceId":    s.InstanceID,
			"lastHeartbeat": s.LastHeartbeat.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out, nil
}

func (h *Handler) resolveHomes(p graphql.ResolveParams) (any, error) {
	claims, err := requireClaims(p.Context)
	if err != nil {
		return nil, err
	}
	homes, err := h.store.ListHomesByUser(p.Context, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("list homes: %w", err)
	}
	out := make([]map[string]any, 0, len(homes))
	for _, hm := range homes {
		out = append(out, map[string]any{"homeId": hm.HomeID, "name": hm.Name})
	}
	return out, nil
}

func (h *Handler) resolveAgentConnected(p graphql.ResolveParams) (any, error) {
	claims, err := requireClaims(p.Context)
	if err != nil {
		return nil, err
	}
	agentID, _ := p.Args["agentId"].(string)
	if err := h.verifyAgentOwnership(p.Context, claims.UserID, agentID); err != nil {
		return false, nil
	}
	_, ok, err := h.sessions.AgentLocation(p.Context, agentID)
	if err != nil {
		return nil, fmt.Errorf("agent lookup: %w", err)
	}
	return ok, nil
}

func (h *Handler) resolveSignup(p graphql.ResolveParams) (any, error) {
	email := strings.TrimSpace(strings.ToLower(p.Args["email"].(string)))
	password := p.Args["password"].(string)
	name := strings.TrimSpace(p.Args["name"].(string))

	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email address")
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}

	if _, err := h.store.GetUserByEmail(p.Context, email); err == nil {
		return nil, fmt.Errorf("email already registered")
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("query user: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	userID := id.UserID()
	if err := h.store.CreateUser(p.Context, store.CreateUserParams{
		ID:           userID,
		Email:        email,
		PasswordHash: hash,
		Name:         name,
	}); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	token, err := h.auth.Issue(userID, email)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	u, err := h.store.GetUserByID(p.Context, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return map[string]any{"token": token, "user": userView(u)}, nil
}

func (h *Handler) resolveLogin(p graphql.ResolveParams) (any, error) {
	email := strings.TrimSpace(strings.ToLower(p.Args["email"].(string)))
	password := p.Args["password"].(string)

	token, user, err := auth.Login(p.Context, h.store, h.auth, email, password)
	if err != nil {
		return nil, err
	}
	return map[string]any{"token": token, "user": userView(user)}, nil
}

func (h *Handler) resolveUpdateSettings(p graphql.ResolveParams) (any, error) {
	claims, err := requireClaims(p.Context)
	if err != nil {
		return nil, err
	}
	settingsJSON := p.Args["settingsJson"].(string)
	if !json.Valid([]byte(settingsJSON)) {
		return nil, fmt.Errorf("settings must be valid JSON")
	}
	if err := h.store.UpdateUserSettings(p.Context, claims.UserID, settingsJSON); err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	return true, nil
}

func (h *Handler) resolveInvokeAction(p graphql.ResolveParams) (any, error) {
	claims, err := requireClaims(p.Context)
	if err != nil {
		return nil, err
	}

	action, _ := p.Args["action"].(string)
	agentID, _ := p.Args["agentId"].(string)
	if agentID == "" {
		first, ok, err := h.sessions.FirstAgentForUser(p.Context, claims.UserID)
		if err != nil {
			return nil, fmt.Errorf("agent lookup: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("no connected agent for user")
		}
		agentID = first
	} else if err := h.verifyAgentOwnership(p.Context, claims.UserID, agentID); err != nil {
		return nil, err
	}

	var payload json.RawMessage
	if raw, ok := p.Args["payload"].(string); ok && raw != "" {
		if !json.Valid([]byte(raw)) {
			return nil, fmt.Errorf("payload must be valid JSON")
		}
		payload = json.RawMessage(raw)
	}

	out, err := h.router.Route(p.Context, agentID, action, payload)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

// verifyAgentOwnership refuses to act on an agent the caller does not own.
func (h *Handler) verifyAgentOwnership(ctx context.Context, userID, agentID string) error {
	agents, err := h.sessions.AgentsForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("agent lookup: %w", err)
	}
	for _, s := range agents {
		if s.AgentID.String == agentID {
			return nil
		}
	}
	return fmt.Errorf("unknown agent: %s", agentID)
}
