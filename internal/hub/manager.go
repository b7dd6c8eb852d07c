package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hubmcp/hubbridge/internal/config"
	"github.com/hubmcp/hubbridge/internal/crypto"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/store"
	"github.com/rs/zerolog"
)

// Input is the client-facing hub config payload. An empty Token on update
// keeps the stored one, so clients can round-trip configs without ever
// seeing the credential again.
type Input struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Token     string `json:"token"`
	IsDefault bool   `json:"is_default"`
}

// View is a hub config as returned to clients. The token never leaves the
// store in any form.
type View struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	URL                string     `json:"url"`
	IsDefault          bool       `json:"is_default"`
	LastProbeAt        *time.Time `json:"last_probe_at,omitempty"`
	LastProbeStatus    string     `json:"last_probe_status,omitempty"`
	LastProbeLatencyMS *int64     `json:"last_probe_latency_ms,omitempty"`
	LastProbeVersion   string     `json:"last_probe_version,omitempty"`
	LastProbeEntities  *int64     `json:"last_probe_entities,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewView strips a stored config down to its client-visible fields.
func NewView(h *store.HubConfig) View {
	return View{
		ID:                 h.ID,
		Name:               h.Name,
		URL:                h.URL,
		IsDefault:          h.IsDefault,
		LastProbeAt:        h.LastProbeAt,
		LastProbeStatus:    h.LastProbeStatus,
		LastProbeLatencyMS: h.LastProbeLatencyMS,
		LastProbeVersion:   h.LastProbeVersion,
		LastProbeEntities:  h.LastProbeEntities,
		CreatedAt:          h.CreatedAt,
		UpdatedAt:          h.UpdatedAt,
	}
}

// ProbeResult reports one upstream health check.
type ProbeResult struct {
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Version   string `json:"version,omitempty"`
	Entities  *int64 `json:"entities,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Manager owns per-user hub configs: validation, encryption at rest, probes
// and active-config selection. Decrypted tokens exist only inside a single
// call and the byte buffers are zeroed before returning.
type Manager struct {
	store  *store.Store
	cipher *crypto.Cipher
	cfg    config.UpstreamConfig
	probes *http.Client
	log    zerolog.Logger
}

// NewManager wires the config manager to the store and the active
// hub-token encryption key.
func NewManager(st *store.Store, cipher *crypto.Cipher, cfg config.UpstreamConfig) *Manager {
	probeTimeout := cfg.ProbeTimeout.Std()
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Manager{
		store:  st,
		cipher: cipher,
		cfg:    cfg,
		probes: &http.Client{Timeout: probeTimeout},
		log:    logging.For(logging.CategoryHub),
	}
}

// Create validates, encrypts and stores a new hub config.
func (m *Manager) Create(ctx context.Context, userID int64, in Input) (*store.HubConfig, error) {
	if err := m.validate(in); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Token) == "" {
		return nil, errx.New(errx.KindInvalidArgument, "token is required")
	}
	cipherText, err := m.cipher.Encrypt([]byte(in.Token))
	if err != nil {
		return nil, errx.Wrap(err, errx.KindCrypto, "encrypting hub token")
	}

	h := &store.HubConfig{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        strings.TrimSpace(in.Name),
		URL:         normalizeURL(in.URL),
		TokenCipher: cipherText,
	}
	if err := m.store.UpsertHubConfig(ctx, h); err != nil {
		return nil, mapStoreErr(err, "hub config")
	}
	if in.IsDefault {
		if err := m.store.SetDefaultHubConfig(ctx, userID, h.ID); err != nil {
			return nil, mapStoreErr(err, "hub config")
		}
		h.IsDefault = true
	}

	m.log.Info().
		Int64("userId", userID).
		Str("hubId", h.ID).
		Str("name", h.Name).
		Bool("isDefault", h.IsDefault).
		Msg("hub config created")
	return h, nil
}

// Update rewrites name, URL and default flag; the token is re-encrypted
// only when the payload carries a new one.
func (m *Manager) Update(ctx context.Context, userID int64, id string, in Input) (*store.HubConfig, error) {
	existing, err := m.store.HubConfigByID(ctx, userID, id)
	if err != nil {
		return nil, mapStoreErr(err, "hub config")
	}
	if err := m.validate(in); err != nil {
		return nil, err
	}

	existing.Name = strings.TrimSpace(in.Name)
	existing.URL = normalizeURL(in.URL)
	if in.Token != "" {
		cipherText, err := m.cipher.Encrypt([]byte(in.Token))
		if err != nil {
			return nil, errx.Wrap(err, errx.KindCrypto, "encrypting hub token")
		}
		existing.TokenCipher = cipherText
	}
	if err := m.store.UpsertHubConfig(ctx, existing); err != nil {
		return nil, mapStoreErr(err, "hub config")
	}

	if in.IsDefault != existing.IsDefault {
		if in.IsDefault {
			err = m.store.SetDefaultHubConfig(ctx, userID, id)
		} else {
			err = m.store.ClearDefaultHubConfig(ctx, userID, id)
		}
		if err != nil {
			return nil, mapStoreErr(err, "hub config")
		}
		existing.IsDefault = in.IsDefault
	}

	m.log.Info().
		Int64("userId", userID).
		Str("hubId", id).
		Bool("tokenRotated", in.Token != "").
		Msg("hub config updated")
	return existing, nil
}

// Delete removes a config. Pool sessions and breaker state for the hub are
// torn down by the dispatcher, not here.
func (m *Manager) Delete(ctx context.Context, userID int64, id string) error {
	if err := m.store.DeleteHubConfig(ctx, userID, id); err != nil {
		return mapStoreErr(err, "hub config")
	}
	m.log.Info().Int64("userId", userID).Str("hubId", id).Msg("hub config deleted")
	return nil
}

// Get fetches one config scoped to its owner.
func (m *Manager) Get(ctx context.Context, userID int64, id string) (*store.HubConfig, error) {
	h, err := m.store.HubConfigByID(ctx, userID, id)
	if err != nil {
		return nil, mapStoreErr(err, "hub config")
	}
	return h, nil
}

// List returns all of a user's configs, default first.
func (m *Manager) List(ctx context.Context, userID int64) ([]*store.HubConfig, error) {
	return m.store.ListHubConfigs(ctx, userID)
}

// SetDefault marks one config as the user's default, clearing any other.
func (m *Manager) SetDefault(ctx context.Context, userID int64, id string) error {
	if err := m.store.SetDefaultHubConfig(ctx, userID, id); err != nil {
		return mapStoreErr(err, "hub config")
	}
	return nil
}

// Active resolves the config tool calls should use: the default when set,
// otherwise the most recently probed healthy one. Without either the user
// has to pick a hub first, which is a conflict rather than a missing
// resource.
func (m *Manager) Active(ctx context.Context, userID int64) (*store.HubConfig, error) {
	h, err := m.store.ActiveHubConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errx.New(errx.KindConflict,
				"no usable hub config: set a default or probe one successfully")
		}
		return nil, err
	}
	return h, nil
}

// Dial decrypts the config's token and opens an uninitialized MCP client.
// The plaintext buffer is zeroed before returning.
func (m *Manager) Dial(ctx context.Context, h *store.HubConfig) (*Client, error) {
	token, err := m.cipher.Decrypt(h.TokenCipher)
	if err != nil {
		return nil, errx.Wrap(err, errx.KindCrypto, "decrypting hub token")
	}
	c := NewClient(h.URL, string(token), m.cfg.ConnectTimeout.Std())
	crypto.Zero(token)
	return c, nil
}

// Probe performs the lightweight authenticated health check against the
// upstream and records the outcome on the config row. A failed probe is a
// result, not an error; errors mean the config itself was unusable.
func (m *Manager) Probe(ctx context.Context, userID int64, id string) (*ProbeResult, error) {
	h, err := m.store.HubConfigByID(ctx, userID, id)
	if err != nil {
		return nil, mapStoreErr(err, "hub config")
	}
	token, err := m.cipher.Decrypt(h.TokenCipher)
	if err != nil {
		return nil, errx.Wrap(err, errx.KindCrypto, "decrypting hub token")
	}
	res := m.probe(ctx, h.URL, string(token))
	crypto.Zero(token)

	if err := m.store.RecordProbe(ctx, userID, id, time.Now().UTC(),
		res.Status, res.LatencyMS, res.Version, res.Entities); err != nil {
		return nil, err
	}

	evt := m.log.Info()
	if res.Status != "ok" {
		evt = m.log.Warn().Str("error", res.Error)
	}
	evt.Int64("userId", userID).
		Str("hubId", id).
		Str("status", res.Status).
		Int64("latencyMs", res.LatencyMS).
		Msg("hub probed")
	return res, nil
}

// probe fetches the hub's config endpoint for its version, then counts
// entities. Latency is the round trip of the version call alone; the entity
// count rides along when the hub is healthy.
func (m *Manager) probe(ctx context.Context, baseURL, token string) *ProbeResult {
	base := strings.TrimRight(baseURL, "/")

	start := time.Now()
	var version struct {
		Version string `json:"version"`
	}
	err := m.probeGet(ctx, base+"/api/config", token, &version)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return &ProbeResult{Status: "error", LatencyMS: latency, Error: err.Error()}
	}

	var states []json.RawMessage
	if err := m.probeGet(ctx, base+"/api/states", token, &states); err != nil {
		return &ProbeResult{
			Status:    "error",
			LatencyMS: latency,
			Version:   version.Version,
			Error:     err.Error(),
		}
	}

	entities := int64(len(states))
	return &ProbeResult{
		Status:    "ok",
		LatencyMS: latency,
		Version:   version.Version,
		Entities:  &entities,
	}
}

func (m *Manager) probeGet(ctx context.Context, rawURL, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")

	resp, err := m.probes.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hub returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding hub response: %w", err)
	}
	return nil
}

func (m *Manager) validate(in Input) error {
	if strings.TrimSpace(in.Name) == "" {
		return errx.New(errx.KindInvalidArgument, "name is required")
	}
	return ValidateURL(in.URL, m.cfg.AllowLoopback)
}

// ValidateURL accepts absolute http/https URLs. Loopback hosts are refused
// when the deployment policy forbids them.
func ValidateURL(raw string, allowLoopback bool) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return errx.Wrap(err, errx.KindInvalidArgument, "invalid hub URL")
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return errx.New(errx.KindInvalidArgument, "hub URL must be absolute http or https")
	}
	if u.Host == "" {
		return errx.New(errx.KindInvalidArgument, "hub URL is missing a host")
	}
	if !allowLoopback && isLoopbackHost(u.Hostname()) {
		return errx.New(errx.KindInvalidArgument, "loopback hub URLs are not allowed")
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func normalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func mapStoreErr(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return errx.Newf(errx.KindNotFound, "%s not found", what)
	case errors.Is(err, store.ErrAlreadyExists):
		return errx.Newf(errx.KindConflict, "%s already exists", what)
	default:
		return err
	}
}
