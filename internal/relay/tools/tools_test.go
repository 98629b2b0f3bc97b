package tools_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecast/homecast/internal/relay/db"
	"github.com/homecast/homecast/internal/relay/scope"
	"github.com/homecast/homecast/internal/relay/sessions"
	"github.com/homecast/homecast/internal/relay/store"
	"github.com/homecast/homecast/internal/relay/tools"
)

// fakeRouter records the last routed call and returns a canned payload.
type fakeRouter struct {
	agentID string
	action  string
	payload json.RawMessage
	out     json.RawMessage
	err     error
}

func (f *fakeRouter) Route(ctx context.Context, agentID, action string, payload json.RawMessage) (json.RawMessage, error) {
	f.agentID, f.action, f.payload = agentID, action, payload
	return f.out, f.err
}

type fixture struct {
	h      *tools.Handler
	st     *store.Store
	reg    *sessions.Registry
	router *fakeRouter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, db.Migrate(d))

	st := store.New(d)
	require.NoError(t, st.CreateUser(context.Background(), store.CreateUserParams{
		ID:           "user-1",
		Email:        "user@example.com",
		PasswordHash: "hash",
		Name:         "Test User",
	}))
	reg := sessions.New(st)
	rt := &fakeRouter{out: json.RawMessage(`{"success":true}`)}
	return &fixture{h: tools.New(reg, rt), st: st, reg: reg, router: rt}
}

func homeScope() *scope.Scope {
	return &scope.Scope{
		Kind:   scope.KindHome,
		Prefix: "a1b2c3d4",
		HomeID: "a1b2c3d4-0000-0000-0000-000000000001",
		UserID: "user-1",
	}
}

func userScope() *scope.Scope {
	return &scope.Scope{Kind: scope.KindUser, Prefix: "deadbeef", UserID: "user-1"}
}

// rpc posts one JSON-RPC request under the given scope.
func (f *fixture) rpc(t *testing.T, sc *scope.Scope, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/mcp", bytes.NewReader([]byte(body)))
	if sc != nil {
		req = req.WithContext(scope.WithScope(req.Context(), sc))
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "2.0", out["jsonrpc"])
	return out
}

func result(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	require.Nil(t, out["error"], "unexpected error: %v", out["error"])
	res, ok := out["result"].(map[string]any)
	require.True(t, ok)
	return res
}

func rpcError(t *testing.T, out map[string]any) (float64, string) {
	t.Helper()
	e, ok := out["error"].(map[string]any)
	require.True(t, ok, "expected an error, got %v", out)
	return e["code"].(float64), e["message"].(string)
}

func toolText(t *testing.T, res map[string]any) string {
	t.Helper()
	content := res["content"].([]any)
	require.Len(t, content, 1)
	item := content[0].(map[string]any)
	assert.Equal(t, "text", item["type"])
	return item["text"].(string)
}

func TestInitialize(t *testing.T) {
	f := newFixture(t)

	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	res := result(t, out)

	assert.Equal(t, "2025-03-26", res["protocolVersion"])
	info := res["serverInfo"].(map[string]any)
	assert.Equal(t, "homecast", info["name"])
	assert.Contains(t, res["instructions"], scope.HomeStatePlaceholder)

	out = decode(t, f.rpc(t, userScope(), `{"jsonrpc":"2.0","id":2,"method":"initialize"}`))
	assert.Contains(t, result(t, out)["instructions"], scope.UserStatePlaceholder)
}

func TestToolsList(t *testing.T) {
	f := newFixture(t)

	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	list := result(t, out)["tools"].([]any)

	names := make(map[string]map[string]any)
	for _, raw := range list {
		tool := raw.(map[string]any)
		names[tool["name"].(string)] = tool
	}
	for _, want := range []string{
		"homes_list", "rooms_list", "accessories_list", "accessory_get",
		"characteristic_get", "characteristic_set", "scenes_list",
		"scene_activate", "zones_list", "service_groups_list", "service_group_set",
	} {
		require.Contains(t, names, want)
		require.NotNil(t, names[want]["inputSchema"])
	}
	assert.Contains(t, names["accessories_list"]["description"], scope.HomeStatePlaceholder)
}

func TestToolsList_UserScopePlaceholder(t *testing.T) {
	f := newFixture(t)

	out := decode(t, f.rpc(t, userScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	list := result(t, out)["tools"].([]any)

	for _, raw := range list {
		tool := raw.(map[string]any)
		if tool["name"] == "accessories_list" {
			desc := tool["description"].(string)
			assert.Contains(t, desc, scope.UserStatePlaceholder)
			assert.NotContains(t, desc, scope.HomeStatePlaceholder)
			return
		}
	}
	t.Fatal("accessories_list not listed")
}

func TestToolsCall_RoutesToAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.UpsertAgent(ctx, "user-1", "instance-1", "agent-1", "home")
	require.NoError(t, err)

	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/call",
		"params":{"name":"scene_activate","arguments":{"sceneId":"scene-7"}}}`))
	res := result(t, out)

	assert.JSONEq(t, `{"success":true}`, toolText(t, res))
	assert.Nil(t, res["isError"])
	assert.Equal(t, "agent-1", f.router.agentID)
	assert.Equal(t, "scene.execute", f.router.action)
	assert.JSONEq(t, `{"sceneId":"scene-7"}`, string(f.router.payload))
}

func TestToolsCall_HomeScopeInjectsHomeID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.UpsertAgent(ctx, "user-1", "instance-1", "agent-1", "home")
	require.NoError(t, err)

	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/call",
		"params":{"name":"rooms_list","arguments":{}}}`))
	result(t, out)

	assert.Equal(t, "rooms.list", f.router.action)
	assert.JSONEq(t, `{"homeId":"a1b2c3d4-0000-0000-0000-000000000001"}`, string(f.router.payload))
}

func TestToolsCall_UserScopeRequiresHomeID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.UpsertAgent(ctx, "user-1", "instance-1", "agent-1", "home")
	require.NoError(t, err)

	out := decode(t, f.rpc(t, userScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/call",
		"params":{"name":"rooms_list","arguments":{}}}`))
	code, msg := rpcError(t, out)
	assert.Equal(t, float64(-32602), code)
	assert.Contains(t, msg, "homeId")

	out = decode(t, f.rpc(t, userScope(), `{"jsonrpc":"2.0","id":2,"method":"tools/call",
		"params":{"name":"rooms_list","arguments":{"homeId":"home-42"}}}`))
	result(t, out)
	assert.JSONEq(t, `{"homeId":"home-42"}`, string(f.router.payload))
}

func TestToolsCall_CharacteristicSetParsesValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.UpsertAgent(ctx, "user-1", "instance-1", "agent-1", "home")
	require.NoError(t, err)

	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/call",
		"params":{"name":"characteristic_set","arguments":{
			"accessoryId":"acc-1","characteristicType":"brightness","value":"75"}}}`))
	result(t, out)
	assert.JSONEq(t, `{"accessoryId":"acc-1","characteristicType":"brightness","value":75}`,
		string(f.router.payload))

	out = decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":2,"method":"tools/call",
		"params":{"name":"characteristic_set","arguments":{
			"accessoryId":"acc-1","characteristicType":"brightness","value":"not json"}}}`))
	code, _ := rpcError(t, out)
	assert.Equal(t, float64(-32602), code)
}

func TestToolsCall_NoAgent(t *testing.T) {
	f := newFixture(t)

	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/call",
		"params":{"name":"homes_list","arguments":{}}}`))
	res := result(t, out)
	assert.Equal(t, true, res["isError"])
	assert.Contains(t, toolText(t, res), "no connected agent")
}

func TestToolsCall_RouteErrorIsToolError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.UpsertAgent(ctx, "user-1", "instance-1", "agent-1", "home")
	require.NoError(t, err)
	f.router.err = assert.AnError

	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/call",
		"params":{"name":"homes_list","arguments":{}}}`))
	res := result(t, out)
	assert.Equal(t, true, res["isError"])
}

func TestToolsCall_UnknownTool(t *testing.T) {
	f := newFixture(t)
	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"tools/call",
		"params":{"name":"reboot_everything"}}`))
	code, msg := rpcError(t, out)
	assert.Equal(t, float64(-32602), code)
	assert.Contains(t, msg, "unknown tool")
}

func TestProtocolErrors(t *testing.T) {
	f := newFixture(t)

	out := decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"2.0","id":1,"method":"frobnicate"}`))
	code, _ := rpcError(t, out)
	assert.Equal(t, float64(-32601), code)

	out = decode(t, f.rpc(t, homeScope(), `{not json`))
	code, _ = rpcError(t, out)
	assert.Equal(t, float64(-32700), code)

	out = decode(t, f.rpc(t, homeScope(), `{"jsonrpc":"1.0","id":1,"method":"initialize"}`))
	code, _ = rpcError(t, out)
	assert.Equal(t, float64(-32600), code)
}

func TestNotificationGetsNoBody(t *testing.T) {
	f := newFixture(t)
	rec := f.rpc(t, homeScope(), `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("GET", "/mcp", nil)
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
