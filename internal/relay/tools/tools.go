// Package tools is the tool-protocol adapter mounted under the scoped paths.
// It speaks JSON-RPC 2.0 over HTTP POST and exposes the agent's actions as a
// fixed tool catalog, so AI clients can discover and control a home without
// knowing the relay's wire protocol.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/homecast/homecast/internal/relay/scope"
	"github.com/homecast/homecast/internal/relay/sessions"
)

const protocolVersion = "2025-03-26"

// actionRouter delivers an action to an agent and returns its payload.
type actionRouter interface {
	Route(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, error)
}

// Handler serves the JSON-RPC tool surface for one scoped mount.
type Handler struct {
	sessions *sessions.Registry
	router   actionRouter
	catalog  []tool
}

// tool binds a published tool name to the agent action behind it.
type tool struct {
	name        string
	description string
	inputSchema map[string]any
	action      string

	// payload builds the agent request from the resolved scope and the
	// caller's arguments.
	payload func(sc *scope.Scope, args map[string]any) (map[string]any, error)
}

// New builds the tool handler. The catalog is static; only payloads depend
// on the request's scope.
func New(reg *sessions.Registry, rt actionRouter) *Handler {
	h := &Handler{sessions: reg, router: rt}
	h.catalog = buildCatalog()
	return h
}

func schema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// homeIDArg resolves the home a tool call acts on. Home-scoped mounts bind it
// from the URL; the user-scoped mount takes it as an argument.
func homeIDArg(sc *scope.Scope, args map[string]any) (string, error) {
	if sc.Kind == scope.KindHome {
		return sc.HomeID, nil
	}
	homeID, _ := args["homeId"].(string)
	if homeID == "" {
		return "", fmt.Errorf("homeId is required")
	}
	return homeID, nil
}

// jsonValueArg parses a JSON-encoded value argument, e.g. "true" or "75".
func jsonValueArg(args map[string]any) (any, error) {
	raw, _ := args["value"].(string)
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("value must be JSON-encoded: %q", raw)
	}
	return v, nil
}

func buildCatalog() []tool {
	homeIDProp := strProp("Home UUID. Bound from the URL on home-scoped mounts.")

	return []tool{
		{
			name:        "homes_list",
			description: "List the HomeKit homes reachable through the connected agent.",
			inputSchema: schema(map[string]any{}),
			action:      "homes.list",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				return map[string]any{}, nil
			},
		},
		{
			name:        "rooms_list",
			description: "List all rooms in the home.",
			inputSchema: schema(map[string]any{"homeId": homeIDProp}),
			action:      "rooms.list",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				homeID, err := homeIDArg(sc, args)
				if err != nil {
					return nil, err
				}
				return map[string]any{"homeId": homeID}, nil
			},
		},
		{
			name: "accessories_list",
			description: "List accessories (devices) in the home, optionally filtered by room. " +
				"Current home state: " + scope.HomeStatePlaceholder,
			inputSchema: schema(map[string]any{
				"homeId":        homeIDProp,
				"roomId":        strProp("Optional room UUID to filter by."),
				"includeValues": map[string]any{"type": "boolean", "description": "Include characteristic values (slower)."},
			}),
			action: "accessories.list",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				homeID, err := homeIDArg(sc, args)
				if err != nil {
					return nil, err
				}
				p := map[string]any{"homeId": homeID}
				if roomID, _ := args["roomId"].(string); roomID != "" {
					p["roomId"] = roomID
				}
				if include, _ := args["includeValues"].(bool); include {
					p["includeValues"] = true
				}
				return p, nil
			},
		},
		{
			name:        "accessory_get",
			description: "Get one accessory with all its services and characteristics.",
			inputSchema: schema(map[string]any{"accessoryId": strProp("Accessory UUID.")}, "accessoryId"),
			action:      "accessory.get",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				accessoryID, _ := args["accessoryId"].(string)
				if accessoryID == "" {
					return nil, fmt.Errorf("accessoryId is required")
				}
				return map[string]any{"accessoryId": accessoryID}, nil
			},
		},
		{
			name:        "characteristic_get",
			description: "Read the current value of a characteristic.",
			inputSchema: schema(map[string]any{
				"accessoryId":        strProp("Accessory UUID."),
				"characteristicType": strProp("Characteristic type, e.g. power_state or brightness."),
			}, "accessoryId", "characteristicType"),
			action: "characteristic.get",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				accessoryID, _ := args["accessoryId"].(string)
				charType, _ := args["characteristicType"].(string)
				if accessoryID == "" || charType == "" {
					return nil, fmt.Errorf("accessoryId and characteristicType are required")
				}
				return map[string]any{"accessoryId": accessoryID, "characteristicType": charType}, nil
			},
		},
		{
			name: "characteristic_set",
			description: "Set a characteristic value to control a device. Common types: " +
				"power_state (bool), brightness (0-100), hue (0-360), saturation (0-100), target_temperature (float).",
			inputSchema: schema(map[string]any{
				"accessoryId":        strProp("Accessory UUID to control."),
				"characteristicType": strProp("Characteristic type, e.g. power_state or brightness."),
				"value":              strProp("JSON-encoded value, e.g. \"true\" or \"75\"."),
			}, "accessoryId", "characteristicType", "value"),
			action: "characteristic.set",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				accessoryID, _ := args["accessoryId"].(string)
				charType, _ := args["characteristicType"].(string)
				if accessoryID == "" || charType == "" {
					return nil, fmt.Errorf("accessoryId and characteristicType are required")
				}
				value, err := jsonValueArg(args)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"accessoryId":        accessoryID,
					"characteristicType": charType,
					"value":              value,
				}, nil
			},
		},
		{
			name:        "scenes_list",
			description: "List all scenes (action sets) configured in the home.",
			inputSchema: schema(map[string]any{"homeId": homeIDProp}),
			action:      "scenes.list",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				homeID, err := homeIDArg(sc, args)
				if err != nil {
					return nil, err
				}
				return map[string]any{"homeId": homeID}, nil
			},
		},
		{
			name:        "scene_activate",
			description: "Execute a scene, e.g. \"Good Night\" or \"Movie Time\".",
			inputSchema: schema(map[string]any{"sceneId": strProp("Scene UUID.")}, "sceneId"),
			action:      "scene.execute",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				sceneID, _ := args["sceneId"].(string)
				if sceneID == "" {
					return nil, fmt.Errorf("sceneId is required")
				}
				return map[string]any{"sceneId": sceneID}, nil
			},
		},
		{
			name:        "zones_list",
			description: "List all zones (groups of rooms) in the home.",
			inputSchema: schema(map[string]any{"homeId": homeIDProp}),
			action:      "zones.list",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				homeID, err := homeIDArg(sc, args)
				if err != nil {
					return nil, err
				}
				return map[string]any{"homeId": homeID}, nil
			},
		},
		{
			name:        "service_groups_list",
			description: "List service groups, collections of accessories controlled together.",
			inputSchema: schema(map[string]any{"homeId": homeIDProp}),
			action:      "serviceGroups.list",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				homeID, err := homeIDArg(sc, args)
				if err != nil {
					return nil, err
				}
				return map[string]any{"homeId": homeID}, nil
			},
		},
		{
			name:        "service_group_set",
			description: "Set a characteristic on every accessory in a service group.",
			inputSchema: schema(map[string]any{
				"homeId":             homeIDProp,
				"groupId":            strProp("Service group UUID."),
				"characteristicType": strProp("Characteristic type, e.g. power_state."),
				"value":              strProp("JSON-encoded value."),
			}, "groupId", "characteristicType", "value"),
			action: "serviceGroup.set",
			payload: func(sc *scope.Scope, args map[string]any) (map[string]any, error) {
				homeID, err := homeIDArg(sc, args)
				if err != nil {
					return nil, err
				}
				groupID, _ := args["groupId"].(string)
				charType, _ := args["characteristicType"].(string)
				if groupID == "" || charType == "" {
					return nil, fmt.Errorf("groupId and characteristicType are required")
				}
				value, err := jsonValueArg(args)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"homeId":             homeID,
					"groupId":            groupID,
					"characteristicType": charType,
					"value":              value,
				}, nil
			},
		},
	}
}

// JSON-RPC 2.0 envelope.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	resp.JSONRPC = "2.0"
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	writeRPC(w, rpcResponse{ID: id, Error: &rpcError{Code: code, Message: msg}})
}

// ServeHTTP handles one JSON-RPC request. It expects to run behind a scoped
// mount; the resolved scope arrives on the request context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, nil, codeParseError, "parse error")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCError(w, req.ID, codeInvalidRequest, "invalid request")
		return
	}

	// Notifications get no response body.
	if req.ID == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		h.handleInitialize(w, r, req)
	case "tools/list":
		h.handleToolsList(w, r, req)
	case "tools/call":
		h.handleToolsCall(w, r, req)
	case "ping":
		writeRPC(w, rpcResponse{ID: req.ID, Result: map[string]any{}})
	default:
		writeRPCError(w, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (h *Handler) handleInitialize(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	sc := scope.FromContext(r.Context())
	if sc == nil {
		writeRPCError(w, req.ID, codeInternalError, "no scope bound to request")
		return
	}
	writeRPC(w, rpcResponse{ID: req.ID, Result: map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": "homecast", "version": "1.0.0"},
		"instructions":    instructionsFor(sc),
	}})
}

// instructionsFor embeds the scope's state placeholder so the mount splices a
// fresh snapshot into the response on its way out.
func instructionsFor(sc *scope.Scope) string {
	if sc.Kind == scope.KindUser {
		return "Smart-home tools for all homes owned by this account. Current state: " +
			scope.UserStatePlaceholder
	}
	return "Smart-home tools scoped to one home. Current state: " + scope.HomeStatePlaceholder
}

func (h *Handler) handleToolsList(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	sc := scope.FromContext(r.Context())
	if sc == nil {
		writeRPCError(w, req.ID, codeInternalError, "no scope bound to request")
		return
	}

	list := make([]map[string]any, 0, len(h.catalog))
	for _, t := range h.catalog {
		desc := t.description
		if sc.Kind == scope.KindUser {
			// The user mount splices a different placeholder.
			desc = strings.ReplaceAll(desc, scope.HomeStatePlaceholder, scope.UserStatePlaceholder)
		}
		list = append(list, map[string]any{
			"name":        t.name,
			"description": desc,
			"inputSchema": t.inputSchema,
		})
	}
	writeRPC(w, rpcResponse{ID: req.ID, Result: map[string]any{"tools": list}})
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) handleToolsCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	sc := scope.FromContext(r.Context())
	if sc == nil {
		writeRPCError(w, req.ID, codeInternalError, "no scope bound to request")
		return
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		writeRPCError(w, req.ID, codeInvalidParams, "tool name is required")
		return
	}

	var def *tool
	for i := range h.catalog {
		if h.catalog[i].name == params.Name {
			def = &h.catalog[i]
			break
		}
	}
	if def == nil {
		writeRPCError(w, req.ID, codeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name))
		return
	}

	payload, err := def.payload(sc, params.Arguments)
	if err != nil {
		writeRPCError(w, req.ID, codeInvalidParams, err.Error())
		return
	}

	agentID, ok, err := h.sessions.FirstAgentForUser(r.Context(), sc.UserID)
	if err != nil {
		writeRPCError(w, req.ID, codeInternalError, "agent lookup failed")
		return
	}
	if !ok {
		writeToolResult(w, req.ID, "no connected agent for this home", true)
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		writeRPCError(w, req.ID, codeInternalError, "encode payload")
		return
	}

	out, err := h.router.Route(r.Context(), agentID, def.action, raw)
	if err != nil {
		slog.Warn("tool call failed", "tool", params.Name, "agent_id", agentID, "error", err)
		writeToolResult(w, req.ID, err.Error(), true)
		return
	}
	writeToolResult(w, req.ID, string(out), false)
}

// writeToolResult wraps text in the tool-protocol content envelope. Execution
// failures are reported in-band with isError, not as protocol errors.
func writeToolResult(w http.ResponseWriter, id json.RawMessage, text string, isErr bool) {
	result := map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
	if isErr {
		result["isError"] = true
	}
	writeRPC(w, rpcResponse{ID: id, Result: result})
}
