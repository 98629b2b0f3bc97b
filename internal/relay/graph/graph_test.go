package graph_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/homecast/homecast/internal/relay/auth"
	"github.com/homecast/homecast/internal/relay/db"
	"github.com/homecast/homecast/internal/relay/graph"
	"github.com/homecast/homecast/internal/relay/sessions"
	"github.com/homecast/homecast/internal/relay/store"
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
	h      *graph.Handler
	st     *store.Store
	auth   *auth.Authenticator
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
	a, err := auth.New("test-secret-test-secret-test-1234", "HS256", time.Hour)
	require.NoError(t, err)
	reg := sessions.New(st)
	rt := &fakeRouter{out: json.RawMessage(`{"done":true}`)}

	h, err := graph.New(st, a, reg, rt)
	require.NoError(t, err)
	return &fixture{h: h, st: st, auth: a, reg: reg, router: rt}
}

// do posts a graph query and decodes the envelope.
func (f *fixture) do(t *testing.T, token, query string, vars map[string]any) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"query": query, "variables": vars})
	req := httptest.NewRequest("POST", "/graphql", bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func data(t *testing.T, out map[string]any) map[string]any {
	t.Helper()
	require.Nil(t, out["errors"], "unexpected errors: %v", out["errors"])
	d, ok := out["data"].(map[string]any)
	require.True(t, ok)
	return d
}

func (f *fixture) signup(t *testing.T, email string) (token, userID string) {
	t.Helper()
	out := f.do(t, "", `mutation($e:String!,$p:String!,$n:String!){
		signup(email:$e,password:$p,name:$n){token user{id email}}
	}`, map[string]any{"e": email, "p": "correct-horse", "n": "Alice"})
	res := data(t, out)["signup"].(map[string]any)
	return res["token"].(string), res["user"].(map[string]any)["id"].(string)
}

func TestSignupAndLogin(t *testing.T) {
	f := newFixture(t)

	token, userID := f.signup(t, "alice@example.com")
	require.NotEmpty(t, token)
	require.NotEmpty(t, userID)

	claims, err := f.auth.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)

	out := f.do(t, "", `mutation{
		login(email:"alice@example.com",password:"correct-horse"){token user{email}}
	}`, nil)
	res := data(t, out)["login"].(map[string]any)
	assert.NotEmpty(t, res["token"])

	out = f.do(t, "", `mutation{
		login(email:"alice@example.com",password:"wrong"){token}
	}`, nil)
	assert.NotNil(t, out["errors"])
}

func TestSignup_Validation(t *testing.T) {
	f := newFixture(t)

	out := f.do(t, "", `mutation{signup(email:"not-an-email",password:"correct-horse",name:"A"){token}}`, nil)
	assert.NotNil(t, out["errors"])

	out = f.do(t, "", `mutation{signup(email:"a@b.com",password:"short",name:"A"){token}}`, nil)
	assert.NotNil(t, out["errors"])

	f.signup(t, "taken@example.com")
	out = f.do(t, "", `mutation{signup(email:"taken@example.com",password:"correct-horse",name:"A"){token}}`, nil)
	assert.NotNil(t, out["errors"])
}

func TestMe_RequiresAuth(t *testing.T) {
	f := newFixture(t)
	out := f.do(t, "", `{me{email}}`, nil)
	assert.NotNil(t, out["errors"])

	token, _ := f.signup(t, "alice@example.com")
	out = f.do(t, token, `{me{email name}}`, nil)
	me := data(t, out)["me"].(map[string]any)
	assert.Equal(t, "alice@example.com", me["email"])
	assert.Equal(t, "Alice", me["name"])
}

func TestUpdateSettings(t *testing.T) {
	f := newFixture(t)
	token, userID := f.signup(t, "alice@example.com")

	out := f.do(t, token, `mutation{updateSettings(settingsJson:"{\"homesAuthEnabled\":false}")}`, nil)
	assert.Equal(t, true, data(t, out)["updateSettings"])

	u, err := f.st.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"homesAuthEnabled":false}`, u.SettingsJSON.String)

	out = f.do(t, token, `mutation{updateSettings(settingsJson:"{broken")}`, nil)
	assert.NotNil(t, out["errors"])
}

func TestSessionsAndHomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, userID := f.signup(t, "alice@example.com")

	_, err := f.reg.UpsertAgent(ctx, userID, "instance-1", "agent-1", "Living Room Mac")
	require.NoError(t, err)
	require.NoError(t, f.st.UpsertHome(ctx, "a1b2c3d4-xyz", "My Home", userID))

	out := f.do(t, token, `{sessions{sessionType agentId instanceId} homes{homeId name}}`, nil)
	d := data(t, out)

	sess := d["sessions"].([]any)
	require.Len(t, sess, 1)
	s0 := sess[0].(map[string]any)
	assert.Equal(t, store.SessionTypeAgent, s0["sessionType"])
	assert.Equal(t, "agent-1", s0["agentId"])
	assert.Equal(t, "instance-1", s0["instanceId"])

	homes := d["homes"].([]any)
	require.Len(t, homes, 1)
	assert.Equal(t, "My Home", homes[0].(map[string]any)["name"])
}

func TestAgentConnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, userID := f.signup(t, "alice@example.com")

	out := f.do(t, token, `{agentConnected(agentId:"agent-1")}`, nil)
	assert.Equal(t, false, data(t, out)["agentConnected"])

	_, err := f.reg.UpsertAgent(ctx, userID, "instance-1", "agent-1", "home")
	require.NoError(t, err)

	out = f.do(t, token, `{agentConnected(agentId:"agent-1")}`, nil)
	assert.Equal(t, true, data(t, out)["agentConnected"])
}

func TestInvokeAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, userID := f.signup(t, "alice@example.com")

	_, err := f.reg.UpsertAgent(ctx, userID, "instance-1", "agent-1", "home")
	require.NoError(t, err)

	out := f.do(t, token, `mutation{
		invokeAction(agentId:"agent-1",action:"homes.list",payload:"{\"includeValues\":true}")
	}`, nil)
	assert.JSONEq(t, `{"done":true}`, data(t, out)["invokeAction"].(string))
	assert.Equal(t, "agent-1", f.router.agentID)
	assert.Equal(t, "homes.list", f.router.action)
	assert.JSONEq(t, `{"includeValues":true}`, string(f.router.payload))
}

func TestInvokeAction_DefaultsToFirstAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	token, userID := f.signup(t, "alice@example.com")

	_, err := f.reg.UpsertAgent(ctx, userID, "instance-1", "agent-7", "home")
	require.NoError(t, err)

	out := f.do(t, token, `mutation{invokeAction(action:"homes.list")}`, nil)
	data(t, out)
	assert.Equal(t, "agent-7", f.router.agentID)
}

func TestInvokeAction_RejectsForeignAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tokenA, _ := f.signup(t, "alice@example.com")
	_, bobID := f.signup(t, "bob@example.com")
	_, err := f.reg.UpsertAgent(ctx, bobID, "instance-1", "bobs-agent", "home")
	require.NoError(t, err)

	out := f.do(t, tokenA, `mutation{invokeAction(agentId:"bobs-agent",action:"homes.list")}`, nil)
	assert.NotNil(t, out["errors"])
}
