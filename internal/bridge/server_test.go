package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hubmcp/hubbridge/internal/auth"
	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/crypto"
	"github.com/hubmcp/hubbridge/internal/hub"
	"github.com/hubmcp/hubbridge/internal/store"
	"github.com/hubmcp/hubbridge/internal/tools"
)

// fakeHub is a minimal upstream MCP endpoint. It answers the session
// handshake the pool performs on dial and serves tools/call with a canned
// result; tests can inject failures and latency per tool.
type fakeHub struct {
	server *httptest.Server

	mu       sync.Mutex
	calls    map[string]int // tools/call count per tool
	failures map[string]int // remaining 500 responses per tool
	delay    time.Duration
	result   string
	sessions int
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	f := &fakeHub{
		calls:    make(map[string]int),
		failures: make(map[string]int),
		result:   `{"content":[{"type":"text","text":"3 entities"}],"isError":false}`,
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeHub) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusOK)
		return
	}
	switch r.URL.Path {
	case "/api/config":
		json.NewEncoder(w).Encode(map[string]any{"version": "2026.8.1"})
		return
	case "/api/states":
		json.NewEncoder(w).Encode([]map[string]any{{"entity_id": "light.kitchen"}})
		return
	}

	var call struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch call.Method {
	case "initialize":
		f.mu.Lock()
		f.sessions++
		n := f.sessions
		f.mu.Unlock()
		w.Header().Set("Mcp-Session-Id", fmt.Sprintf("hub-sess-%d", n))
		f.writeResult(w, call.ID, map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fakehub", "version": "2026.8.1"},
		})
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "ping":
		f.writeResult(w, call.ID, map[string]any{})
	case "tools/call":
		var params struct {
			Name string `json:"name"`
		}
		json.Unmarshal(call.Params, &params)

		f.mu.Lock()
		f.calls[params.Name]++
		delay := f.delay
		failing := f.failures[params.Name] > 0
		if failing {
			f.failures[params.Name]--
		}
		result := f.result
		f.mu.Unlock()

		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		if failing {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.writeResult(w, call.ID, json.RawMessage(result))
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (f *fakeHub) writeResult(w http.ResponseWriter, id int64, result any) {
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

// toolCalls reports how many tools/call requests named the tool.
func (f *fakeHub) toolCalls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// failNext makes the next n calls to the tool answer HTTP 500.
func (f *fakeHub) failNext(name string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[name] = n
}

// setDelay stalls every subsequent tools/call by d.
func (f *fakeHub) setDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func testBridgeConfig() config.Config {
	cfg := *config.Default()
	cfg.LogsDir = ""
	cfg.Seed.AdminEnabled = false
	cfg.Queue.Capacity = 32
	cfg.Pool = config.PoolConfig{
		Min:              1,
		Target:           1,
		Max:              2,
		IdleTimeout:      config.Duration(time.Hour),
		HealthInterval:   config.Duration(time.Hour),
		CheckTimeout:     config.Duration(2 * time.Second),
		ScaleInterval:    config.Duration(time.Hour),
		PendingFactor:    2.0,
		LatencyThreshold: config.Duration(750 * time.Millisecond),
	}
	cfg.Breaker = config.BreakerConfig{
		FailureThreshold: 3,
		FailureRate:      0.5,
		WindowSize:       8,
		RecoveryTimeout:  config.Duration(30 * time.Second),
	}
	cfg.Cache = config.CacheConfig{Capacity: 64, DefaultTTL: config.Duration(30 * time.Second)}
	cfg.Upstream = config.UpstreamConfig{
		ConnectTimeout: config.Duration(2 * time.Second),
		ProbeTimeout:   config.Duration(2 * time.Second),
		AllowLoopback:  true,
		MaxRetries:     2,
	}
	cfg.Request = config.RequestConfig{
		DefaultTimeout: config.Duration(5 * time.Second),
		MaxTimeout:     config.Duration(8 * time.Second),
		DrainTimeout:   config.Duration(2 * time.Second),
	}
	// Rate limiting off by default; the limiter tests cover it in
	// isolation.
	cfg.Rate = config.RateConfig{}
	return cfg
}

// testBridge is a full bridge wired to a temp store, ready to serve HTTP.
type testBridge struct {
	cfg  config.Config
	st   *store.Store
	rec  *store.Recorder
	hubs *hub.Manager
	srv  *Server
	http *httptest.Server
}

func newTestBridge(t *testing.T, edits ...func(*config.Config)) *testBridge {
	t.Helper()
	cfg := testBridgeConfig()
	for _, edit := range edits {
		edit(&cfg)
	}

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rec := store.NewRecorder(st, 64)
	t.Cleanup(rec.Close)

	issuer, err := crypto.NewTokenIssuer([]byte("test-signing-key"), cfg.JWT.Issuer, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	svc := auth.NewService(st, rec, issuer, cfg.Auth, cfg.JWT)

	cipher, err := crypto.NewCipher([]byte("test-key-material"), []byte("test-salt"))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	hubs := hub.NewManager(st, cipher, cfg.Upstream)

	registry := tools.Default()
	defaults := make(map[string]store.Permission)
	for _, def := range registry.Definitions() {
		switch def.Kind {
		case tools.KindRead:
			defaults[def.Name] = store.Permission{CanRead: true, Enabled: true}
		case tools.KindWrite:
			defaults[def.Name] = store.Permission{CanWrite: true, Enabled: true}
		case tools.KindMeta:
			defaults[def.Name] = store.Permission{Enabled: true}
		}
	}
	if err := st.EnsureDefaultToolPermissions(context.Background(), defaults); err != nil {
		t.Fatalf("seeding default permissions: %v", err)
	}

	srv, err := New(Deps{
		Config:   cfg,
		Store:    st,
		Recorder: rec,
		Auth:     svc,
		Hubs:     hubs,
		Registry: registry,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("bridge.New: %v", err)
	}
	srv.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Close(ctx); err != nil {
			t.Errorf("bridge.Close: %v", err)
		}
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testBridge{cfg: cfg, st: st, rec: rec, hubs: hubs, srv: srv, http: ts}
}

func (b *testBridge) createUser(t *testing.T, username, password string, isAdmin bool) *store.User {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &store.User{
		Username:     username,
		Email:        username + "@example.test",
		PasswordHash: hash,
		IsAdmin:      isAdmin,
	}
	if err := b.st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func (b *testBridge) login(t *testing.T, username, password string) string {
	t.Helper()
	res := b.doJSON(t, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username, "password": password,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login for %s: status %d", username, res.StatusCode)
	}
	var lr auth.LoginResult
	if err := json.NewDecoder(res.Body).Decode(&lr); err != nil {
		t.Fatalf("decoding login result: %v", err)
	}
	return lr.AccessToken
}

// addHub registers the fake hub as the user's default config.
func (b *testBridge) addHub(t *testing.T, userID int64, f *fakeHub) string {
	t.Helper()
	h, err := b.hubs.Create(context.Background(), userID, hub.Input{
		Name:      "home",
		URL:       f.server.URL,
		Token:     "hub-token",
		IsDefault: true,
	})
	if err != nil {
		t.Fatalf("hubs.Create: %v", err)
	}
	return h.ID
}

func (b *testBridge) doJSON(t *testing.T, method, path, bearer string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, b.http.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

// rpcEnvelope is a decoded JSON-RPC response as clients see it.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
	Info *Info `json:"bridge_info"`
}

// rpc posts a JSON-RPC request to /mcp and decodes the envelope. headers
// may carry the session, priority, and timeout headers.
func (b *testBridge) rpc(t *testing.T, bearer, method string, params any, headers map[string]string) (*http.Response, *rpcEnvelope) {
	t.Helper()
	body := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, b.http.URL+"/mcp", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /mcp %s: %v", method, err)
	}
	defer res.Body.Close()

	var env rpcEnvelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		t.Fatalf("decoding %s response: %v", method, err)
	}
	return res, &env
}

// initSession runs initialize and returns the assigned session id.
func (b *testBridge) initSession(t *testing.T, bearer string) string {
	t.Helper()
	_, env := b.rpc(t, bearer, "initialize", map[string]any{"protocolVersion": protocolLatest}, nil)
	if env.Error != nil {
		t.Fatalf("initialize failed: %+v", env.Error)
	}
	var result initializeResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("decoding initialize result: %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("initialize assigned no session id")
	}
	return result.SessionID
}

// wantRPCErrorCode asserts the envelope carries the given taxonomy code.
func wantRPCErrorCode(t *testing.T, env *rpcEnvelope, code string) {
	t.Helper()
	if env.Error == nil {
		t.Fatalf("expected error %s, got result %s", code, env.Result)
	}
	if got := env.Error.Data["code"]; got != code {
		t.Fatalf("error code = %v, want %s (message: %s)", got, code, env.Error.Message)
	}
}

func identityFor(u *store.User) *auth.Identity {
	return &auth.Identity{
		UserID:   u.ID,
		Username: u.Username,
		IsAdmin:  u.IsAdmin,
		Method:   auth.MethodSession,
	}
}
