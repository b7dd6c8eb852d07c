package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/hubmcp/hubbridge/internal/store"
)

func TestInitialize(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")

	res, env := b.rpc(t, token, "initialize", map[string]any{"protocolVersion": protocolLatest}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if env.Error != nil {
		t.Fatalf("initialize error: %+v", env.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != protocolLatest {
		t.Errorf("protocol = %s, want %s", result.ProtocolVersion, protocolLatest)
	}
	if result.ServerInfo.Name != serverName {
		t.Errorf("server name = %s, want %s", result.ServerInfo.Name, serverName)
	}
	if result.SessionID == "" {
		t.Fatal("no session id assigned")
	}
	if got := res.Header.Get(headerSessionID); got != result.SessionID {
		t.Errorf("X-Session-ID header = %q, want %q", got, result.SessionID)
	}
	if got := res.Header.Get(headerMCPSessionID); got != result.SessionID {
		t.Errorf("Mcp-Session-Id header = %q, want %q", got, result.SessionID)
	}
	// Full default grants: every read and write tool is visible, meta
	// tools stay hidden until an admin enables them.
	names := make(map[string]bool, len(result.Tools))
	for _, d := range result.Tools {
		names[d.Name] = true
	}
	for _, want := range []string{"get_entities", "get_entity", "get_history", "get_services", "get_version", "call_service", "set_entity_state"} {
		if !names[want] {
			t.Errorf("tool %s missing from initialize listing", want)
		}
	}
	if names["restart_hub"] {
		t.Error("meta tool advertised without an explicit grant")
	}
}

func TestInitializeDefaultsToLatestProtocol(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")

	_, env := b.rpc(t, token, "initialize", map[string]any{}, nil)
	var result initializeResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != protocolLatest {
		t.Errorf("protocol = %s, want %s", result.ProtocolVersion, protocolLatest)
	}
}

func TestInitializeUnsupportedProtocol(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")

	res, env := b.rpc(t, token, "initialize", map[string]any{"protocolVersion": "1999-01-01"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", res.StatusCode)
	}
	wantRPCErrorCode(t, env, "UNSUPPORTED_PROTOCOL_VERSION")
	supported, ok := env.Error.Data["supported"].([]any)
	if !ok || len(supported) != 2 {
		t.Errorf("supported versions = %v", env.Error.Data["supported"])
	}
}

func TestInitializeReusesOwnSession(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")

	first := b.initSession(t, token)

	reinit := func(bearer, protocol string) string {
		t.Helper()
		_, env := b.rpc(t, bearer, "initialize",
			map[string]any{"protocolVersion": protocol},
			map[string]string{headerSessionID: first})
		if env.Error != nil {
			t.Fatalf("initialize: %+v", env.Error)
		}
		var result initializeResult
		if err := json.Unmarshal(env.Result, &result); err != nil {
			t.Fatal(err)
		}
		return result.SessionID
	}

	// Same user, same protocol: the session survives re-initialization.
	if got := reinit(token, protocolLatest); got != first {
		t.Errorf("session id = %s, want the reused %s", got, first)
	}

	// A protocol change gets a fresh session.
	if got := reinit(token, protocolPrevious); got == first {
		t.Error("protocol change must not reuse the session")
	}

	// Another user presenting the same session id gets their own.
	b.createUser(t, "bob", "correct horse", false)
	bobToken := b.login(t, "bob", "correct horse")
	if got := reinit(bobToken, protocolLatest); got == first {
		t.Error("foreign session id must not be reused")
	}
}

func TestToolsListRequiresSession(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")

	res, env := b.rpc(t, token, "tools/list", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 (protocol fault)", res.StatusCode)
	}
	wantRPCErrorCode(t, env, "INVALID_ARGUMENT")

	_, env = b.rpc(t, token, "tools/list", nil, map[string]string{headerSessionID: "ghost"})
	wantRPCErrorCode(t, env, "NOT_FOUND")
}

func TestToolsListFiltersByPermission(t *testing.T) {
	b := newTestBridge(t)
	u := b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")
	sid := b.initSession(t, token)

	listTools := func() map[string]bool {
		t.Helper()
		_, env := b.rpc(t, token, "tools/list", nil, map[string]string{headerSessionID: sid})
		if env.Error != nil {
			t.Fatalf("tools/list: %+v", env.Error)
		}
		var result toolsListResult
		if err := json.Unmarshal(env.Result, &result); err != nil {
			t.Fatal(err)
		}
		names := make(map[string]bool, len(result.Tools))
		for _, d := range result.Tools {
			names[d.Name] = true
		}
		return names
	}

	names := listTools()
	if !names["get_history"] {
		t.Fatal("get_history should be visible under default permissions")
	}

	// Disabled overrides everything else, including can_read.
	if err := b.st.SetToolPermission(context.Background(), u.ID, "get_history",
		store.Permission{CanRead: true, Enabled: false}); err != nil {
		t.Fatal(err)
	}
	names = listTools()
	if names["get_history"] {
		t.Error("disabled tool still advertised")
	}
	if !names["get_entities"] {
		t.Error("unrelated tool disappeared")
	}

	// The Mcp-Session-Id fallback header works too.
	_, env := b.rpc(t, token, "tools/list", nil, map[string]string{headerMCPSessionID: sid})
	if env.Error != nil {
		t.Errorf("fallback session header rejected: %+v", env.Error)
	}
}

func TestToolsCall(t *testing.T) {
	b := newTestBridge(t)
	f := newFakeHub(t)
	u := b.createUser(t, "alice", "correct horse", false)
	b.addHub(t, u.ID, f)
	token := b.login(t, "alice", "correct horse")
	sid := b.initSession(t, token)

	res, env := b.rpc(t, token, "tools/call",
		map[string]any{"name": "get_entities", "arguments": map[string]string{"domain": "light"}},
		map[string]string{headerSessionID: sid, headerRequestID: "req-123", headerPriority: "high"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	if env.Error != nil {
		t.Fatalf("tools/call: %+v", env.Error)
	}
	if got := res.Header.Get(headerRequestID); got != "req-123" {
		t.Errorf("%s echo = %q, want req-123", headerRequestID, got)
	}
	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "3 entities" {
		t.Errorf("result not relayed: %s", env.Result)
	}

	if env.Info == nil {
		t.Fatal("bridge_info missing")
	}
	if env.Info.RequestID != "req-123" {
		t.Errorf("request_id = %s, want the X-Request-ID value", env.Info.RequestID)
	}
	if env.Info.Priority != "HIGH" {
		t.Errorf("priority = %s, want HIGH", env.Info.Priority)
	}
	if env.Info.Cached {
		t.Error("first call reported as cached")
	}
	if env.Info.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", env.Info.Attempts)
	}
	if env.Info.SessionID == "" {
		t.Error("upstream session id missing from bridge_info")
	}

	// The identical call comes from the cache without another upstream
	// trip.
	_, env = b.rpc(t, token, "tools/call",
		map[string]any{"name": "get_entities", "arguments": map[string]string{"domain": "light"}},
		map[string]string{headerSessionID: sid})
	if env.Error != nil {
		t.Fatalf("second tools/call: %+v", env.Error)
	}
	if !env.Info.Cached {
		t.Error("second identical call should be cached")
	}
	if got := f.toolCalls("get_entities"); got != 1 {
		t.Errorf("hub saw %d get_entities calls, want 1", got)
	}

	// Different arguments miss the cache.
	_, env = b.rpc(t, token, "tools/call",
		map[string]any{"name": "get_entities", "arguments": map[string]string{"domain": "sensor"}},
		map[string]string{headerSessionID: sid})
	if env.Info.Cached {
		t.Error("different arguments must not share a cache entry")
	}
}

func TestToolsCallValidation(t *testing.T) {
	b := newTestBridge(t)
	f := newFakeHub(t)
	u := b.createUser(t, "alice", "correct horse", false)
	b.addHub(t, u.ID, f)
	token := b.login(t, "alice", "correct horse")
	sid := b.initSession(t, token)
	hdr := map[string]string{headerSessionID: sid}

	_, env := b.rpc(t, token, "tools/call", nil, hdr)
	wantRPCErrorCode(t, env, "INVALID_ARGUMENT")

	_, env = b.rpc(t, token, "tools/call", map[string]any{"arguments": map[string]string{}}, hdr)
	wantRPCErrorCode(t, env, "INVALID_ARGUMENT")

	res, env := b.rpc(t, token, "tools/call", map[string]any{"name": "no_such_tool"}, hdr)
	if res.StatusCode != http.StatusOK {
		t.Errorf("unknown tool status = %d, want 200", res.StatusCode)
	}
	wantRPCErrorCode(t, env, "NOT_FOUND")
	if env.Error.Code != -32601 {
		t.Errorf("unknown tool rpc code = %d, want -32601", env.Error.Code)
	}
	if env.Info == nil {
		t.Error("failed call still carries bridge_info")
	}

	_, env = b.rpc(t, token, "tools/call", map[string]any{"name": "get_entities"},
		map[string]string{headerSessionID: sid, headerPriority: "urgent"})
	wantRPCErrorCode(t, env, "INVALID_ARGUMENT")

	_, env = b.rpc(t, token, "tools/call", map[string]any{"name": "get_entities"},
		map[string]string{headerSessionID: sid, headerTimeout: "soon"})
	wantRPCErrorCode(t, env, "INVALID_ARGUMENT")

	// Arguments the tool handler rejects never reach the hub.
	_, env = b.rpc(t, token, "tools/call", map[string]any{"name": "get_entity", "arguments": map[string]string{}}, hdr)
	wantRPCErrorCode(t, env, "INVALID_ARGUMENT")
	if got := f.toolCalls("get_entity"); got != 0 {
		t.Errorf("rejected call reached the hub %d times", got)
	}
}

func TestToolsCallForbidden(t *testing.T) {
	b := newTestBridge(t)
	f := newFakeHub(t)
	u := b.createUser(t, "alice", "correct horse", false)
	b.addHub(t, u.ID, f)
	token := b.login(t, "alice", "correct horse")
	sid := b.initSession(t, token)

	// Meta tools are locked by default.
	res, env := b.rpc(t, token, "tools/call", map[string]any{"name": "restart_hub"},
		map[string]string{headerSessionID: sid})
	if res.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", res.StatusCode)
	}
	wantRPCErrorCode(t, env, "FORBIDDEN")
	if got := f.toolCalls("restart_hub"); got != 0 {
		t.Errorf("denied call reached the hub %d times", got)
	}
}

func TestToolsCallWithoutHub(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")
	sid := b.initSession(t, token)

	res, env := b.rpc(t, token, "tools/call",
		map[string]any{"name": "get_entities"},
		map[string]string{headerSessionID: sid})
	if res.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", res.StatusCode)
	}
	wantRPCErrorCode(t, env, "CONFLICT")
}

func TestSessionScopedToUser(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	b.createUser(t, "mallory", "correct horse", false)
	aliceToken := b.login(t, "alice", "correct horse")
	malloryToken := b.login(t, "mallory", "correct horse")
	sid := b.initSession(t, aliceToken)

	res, env := b.rpc(t, malloryToken, "tools/list", nil, map[string]string{headerSessionID: sid})
	if res.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", res.StatusCode)
	}
	wantRPCErrorCode(t, env, "FORBIDDEN")
}

func TestPing(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")

	res, env := b.rpc(t, token, "ping", nil, nil)
	if res.StatusCode != http.StatusOK || env.Error != nil {
		t.Errorf("ping: status = %d, error = %+v", res.StatusCode, env.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")

	res, env := b.rpc(t, token, "resources/list", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", res.StatusCode)
	}
	wantRPCErrorCode(t, env, "NOT_FOUND")
	if env.Error.Code != -32601 {
		t.Errorf("rpc code = %d, want -32601", env.Error.Code)
	}
}

func TestSessionDelete(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	b.createUser(t, "mallory", "correct horse", false)
	token := b.login(t, "alice", "correct horse")
	malloryToken := b.login(t, "mallory", "correct horse")
	sid := b.initSession(t, token)

	// Someone else cannot close it.
	req, _ := http.NewRequest(http.MethodDelete, b.http.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+malloryToken)
	req.Header.Set(headerSessionID, sid)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusForbidden {
		t.Errorf("cross-user delete status = %d, want 403", res.StatusCode)
	}

	// The owner can.
	req, _ = http.NewRequest(http.MethodDelete, b.http.URL+"/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerSessionID, sid)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", res.StatusCode)
	}

	_, env := b.rpc(t, token, "tools/list", nil, map[string]string{headerSessionID: sid})
	wantRPCErrorCode(t, env, "NOT_FOUND")
}

func TestStatusEndpoint(t *testing.T) {
	b := newTestBridge(t)
	b.createUser(t, "alice", "correct horse", false)
	token := b.login(t, "alice", "correct horse")
	b.initSession(t, token)

	res := b.doJSON(t, http.MethodGet, "/mcp/status", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body statusResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Version != "test" {
		t.Errorf("status body = %+v", body)
	}
	if body.Queue.Capacity != b.cfg.Queue.Capacity {
		t.Errorf("queue capacity = %d, want %d", body.Queue.Capacity, b.cfg.Queue.Capacity)
	}
	if body.ClientSessions != 1 {
		t.Errorf("client_sessions = %d, want 1", body.ClientSessions)
	}
}

func TestMCPRequiresAuth(t *testing.T) {
	b := newTestBridge(t)

	res, err := http.Post(b.http.URL+"/mcp", "application/json",
		nil)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", res.StatusCode)
	}

	// Health stays public.
	res, err = http.Get(b.http.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", res.StatusCode)
	}

	// So does the metrics exposition.
	res, err = http.Get(b.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", res.StatusCode)
	}
}

