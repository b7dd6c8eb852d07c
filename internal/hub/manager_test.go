package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/crypto"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, int64) {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	u := &store.User{Username: "alice", Email: "alice@example.test", PasswordHash: "x"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	cipher, err := crypto.NewCipher([]byte("test-key-material"), []byte("test-salt"))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	cfg := config.UpstreamConfig{
		ConnectTimeout: config.Duration(time.Second),
		ProbeTimeout:   config.Duration(2 * time.Second),
		AllowLoopback:  true,
		MaxRetries:     2,
	}
	return NewManager(s, cipher, cfg), s, u.ID
}

func TestManager_CreateEncryptsToken(t *testing.T) {
	m, _, userID := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, userID, Input{
		Name:  "home",
		URL:   "http://hub.local:8123/",
		Token: "super-secret",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if h.URL != "http://hub.local:8123" {
		t.Errorf("URL = %s, want trailing slash stripped", h.URL)
	}
	if h.TokenCipher == "super-secret" || h.TokenCipher == "" {
		t.Error("token must be stored encrypted")
	}

	got, err := m.Get(ctx, userID, h.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	plain, err := m.cipher.Decrypt(got.TokenCipher)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "super-secret" {
		t.Errorf("decrypted token = %q, want the original", plain)
	}
}

func TestManager_CreateValidation(t *testing.T) {
	m, _, userID := newTestManager(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   Input
	}{
		{"empty name", Input{Name: " ", URL: "http://hub:8123", Token: "t"}},
		{"relative url", Input{Name: "h", URL: "/just/a/path", Token: "t"}},
		{"bad scheme", Input{Name: "h", URL: "ftp://hub:21", Token: "t"}},
		{"missing host", Input{Name: "h", URL: "http://", Token: "t"}},
		{"missing token", Input{Name: "h", URL: "http://hub:8123", Token: ""}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Create(ctx, userID, tc.in)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if kind := errx.KindOf(err); kind != errx.KindInvalidArgument {
				t.Errorf("kind = %s, want %s", kind, errx.KindInvalidArgument)
			}
		})
	}
}

func TestManager_LoopbackPolicy(t *testing.T) {
	m, _, userID := newTestManager(t)
	m.cfg.AllowLoopback = false
	ctx := context.Background()

	for _, raw := range []string{"http://localhost:8123", "http://127.0.0.1:8123", "http://[::1]:8123"} {
		if _, err := m.Create(ctx, userID, Input{Name: "h", URL: raw, Token: "t"}); err == nil {
			t.Errorf("loopback URL %s should be rejected", raw)
		}
	}

	if _, err := m.Create(ctx, userID, Input{Name: "lan", URL: "http://192.168.1.10:8123", Token: "t"}); err != nil {
		t.Errorf("non-loopback URL rejected: %v", err)
	}
}

func TestManager_UpdateKeepsTokenWhenOmitted(t *testing.T) {
	m, _, userID := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, userID, Input{Name: "home", URL: "http://hub:8123", Token: "original"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	originalCipher := h.TokenCipher

	updated, err := m.Update(ctx, userID, h.ID, Input{Name: "renamed", URL: "http://hub:8123"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "renamed" {
		t.Errorf("name = %s, want renamed", updated.Name)
	}
	if updated.TokenCipher != originalCipher {
		t.Error("omitted token must keep the stored cipher")
	}

	updated, err = m.Update(ctx, userID, h.ID, Input{Name: "renamed", URL: "http://hub:8123", Token: "rotated"})
	if err != nil {
		t.Fatalf("Update with token: %v", err)
	}
	plain, err := m.cipher.Decrypt(updated.TokenCipher)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "rotated" {
		t.Errorf("decrypted token = %q, want rotated", plain)
	}
}

func TestManager_DefaultLifecycle(t *testing.T) {
	m, _, userID := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, userID, Input{Name: "a", URL: "http://a:8123", Token: "t", IsDefault: true})
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if !a.IsDefault {
		t.Error("a should be the default after create")
	}

	b, err := m.Create(ctx, userID, Input{Name: "b", URL: "http://b:8123", Token: "t", IsDefault: true})
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}

	configs, err := m.List(ctx, userID)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	defaults := 0
	for _, h := range configs {
		if h.IsDefault {
			defaults++
			if h.ID != b.ID {
				t.Errorf("default moved to %s, want %s", h.ID, b.ID)
			}
		}
	}
	if defaults != 1 {
		t.Errorf("exactly one default expected, got %d", defaults)
	}

	// Dropping the flag on the current default leaves the user defaultless.
	if _, err := m.Update(ctx, userID, b.ID, Input{Name: "b", URL: "http://b:8123"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := m.Get(ctx, userID, b.ID)
	if got.IsDefault {
		t.Error("is_default=false on update must clear the flag")
	}
}

func TestManager_ActiveSelection(t *testing.T) {
	m, s, userID := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Active(ctx, userID); errx.KindOf(err) != errx.KindConflict {
		t.Errorf("no configs: kind = %s, want %s", errx.KindOf(err), errx.KindConflict)
	}

	a, err := m.Create(ctx, userID, Input{Name: "a", URL: "http://a:8123", Token: "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Unprobed, no default: still nothing usable.
	if _, err := m.Active(ctx, userID); errx.KindOf(err) != errx.KindConflict {
		t.Errorf("unprobed config: kind = %s, want %s", errx.KindOf(err), errx.KindConflict)
	}

	entities := int64(3)
	if err := s.RecordProbe(ctx, userID, a.ID, time.Now().UTC(), "ok", 12, "2026.8.1", &entities); err != nil {
		t.Fatal(err)
	}
	active, err := m.Active(ctx, userID)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active.ID != a.ID {
		t.Errorf("active = %s, want the probed config %s", active.ID, a.ID)
	}
}

func TestManager_Probe(t *testing.T) {
	var sawAuth string
	hubServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/config":
			json.NewEncoder(w).Encode(map[string]any{"version": "2026.8.1"})
		case "/api/states":
			json.NewEncoder(w).Encode([]map[string]any{
				{"entity_id": "light.kitchen"},
				{"entity_id": "light.porch"},
				{"entity_id": "sensor.temp"},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer hubServer.Close()

	m, s, userID := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, userID, Input{Name: "home", URL: hubServer.URL, Token: "probe-token"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := m.Probe(ctx, userID, h.ID)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Status != "ok" {
		t.Fatalf("status = %s (%s), want ok", res.Status, res.Error)
	}
	if res.Version != "2026.8.1" {
		t.Errorf("version = %s, want 2026.8.1", res.Version)
	}
	if res.Entities == nil || *res.Entities != 3 {
		t.Errorf("entities = %v, want 3", res.Entities)
	}
	if res.LatencyMS < 0 {
		t.Errorf("latency = %d, want >= 0", res.LatencyMS)
	}
	if sawAuth != "Bearer probe-token" {
		t.Errorf("Authorization = %q, want the decrypted token", sawAuth)
	}

	stored, err := s.HubConfigByID(ctx, userID, h.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.LastProbeStatus != "ok" || stored.LastProbeAt == nil {
		t.Errorf("probe outcome not recorded: %+v", stored)
	}
	if stored.LastProbeVersion != "2026.8.1" {
		t.Errorf("stored version = %s, want 2026.8.1", stored.LastProbeVersion)
	}
}

func TestManager_ProbeFailureRecorded(t *testing.T) {
	hubServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer hubServer.Close()

	m, s, userID := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, userID, Input{Name: "home", URL: hubServer.URL, Token: "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := m.Probe(ctx, userID, h.ID)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.Status != "error" {
		t.Errorf("status = %s, want error", res.Status)
	}
	if res.Error == "" {
		t.Error("failed probe must carry an error message")
	}
	if res.Entities != nil {
		t.Error("failed probe must not report entities")
	}

	stored, _ := s.HubConfigByID(ctx, userID, h.ID)
	if stored.LastProbeStatus != "error" {
		t.Errorf("stored status = %s, want error", stored.LastProbeStatus)
	}
}

func TestManager_ProbeMissingConfig(t *testing.T) {
	m, _, userID := newTestManager(t)
	_, err := m.Probe(context.Background(), userID, "ghost")
	if kind := errx.KindOf(err); kind != errx.KindNotFound {
		t.Errorf("kind = %s, want %s", kind, errx.KindNotFound)
	}
}

func TestManager_DialDecryptsToken(t *testing.T) {
	m, _, userID := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, userID, Input{Name: "home", URL: "http://hub:8123", Token: "dial-token"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c, err := m.Dial(ctx, h)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if c.token != "dial-token" {
		t.Errorf("client token = %q, want the decrypted value", c.token)
	}
	if c.baseURL != "http://hub:8123" {
		t.Errorf("client baseURL = %q", c.baseURL)
	}
}

func TestManager_DeleteScopedToOwner(t *testing.T) {
	m, s, userID := newTestManager(t)
	ctx := context.Background()

	other := &store.User{Username: "bob", Email: "bob@example.test", PasswordHash: "x"}
	if err := s.CreateUser(ctx, other); err != nil {
		t.Fatal(err)
	}

	h, err := m.Create(ctx, userID, Input{Name: "home", URL: "http://hub:8123", Token: "t"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.Delete(ctx, other.ID, h.ID); errx.KindOf(err) != errx.KindNotFound {
		t.Errorf("cross-user delete: kind = %s, want %s", errx.KindOf(err), errx.KindNotFound)
	}
	if err := m.Delete(ctx, userID, h.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
	if _, err := m.Get(ctx, userID, h.ID); errx.KindOf(err) != errx.KindNotFound {
		t.Errorf("config should be gone, kind = %s", errx.KindOf(err))
	}
}
