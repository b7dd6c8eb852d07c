package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/logging"
	"github.com/hubmcp/hubbridge/internal/metrics"
	"github.com/rs/zerolog"
)

// Protocol versions the bridge can speak with an upstream hub, most
// preferred first. The hub answers initialize with the version it selects.
var supportedProtocolVersions = []string{"2025-03-26", "2024-11-05"}

const (
	mcpPath       = "/mcp"
	sessionHeader = "Mcp-Session-Id"

	clientName    = "hubbridge"
	clientVersion = "1.0.0"
)

// Client is one MCP session against an upstream hub. Initialize must
// complete before any other call; after that the session pool serializes
// use, so no internal locking is needed.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger

	nextID          atomic.Int64
	sessionID       string
	protocolVersion string
}

// NewClient builds an uninitialized MCP client for the hub at baseURL.
// The token is sent as a bearer credential on every request.
func NewClient(baseURL, token string, connectTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: connectTimeout}).DialContext,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: logging.For(logging.CategoryHub),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

// InitializeResult is the hub's answer to the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// Initialize performs the MCP handshake and captures the session id the hub
// assigns. The hub must answer with a protocol version the bridge supports.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := initializeParams{
		ProtocolVersion: supportedProtocolVersions[0],
		Capabilities:    map[string]any{},
	}
	params.ClientInfo.Name = clientName
	params.ClientInfo.Version = clientVersion

	raw, header, err := c.invoke(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	var out InitializeResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errx.Wrap(err, errx.KindUpstreamError, "invalid initialize result from hub")
	}
	if !slices.Contains(supportedProtocolVersions, out.ProtocolVersion) {
		return nil, errx.Newf(errx.KindUnsupportedProtocol,
			"hub negotiated unsupported protocol version %q", out.ProtocolVersion)
	}

	c.sessionID = header.Get(sessionHeader)
	c.protocolVersion = out.ProtocolVersion

	// Some hubs reject the initialized notification; the session still works.
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		c.log.Debug().Err(err).Msg("initialized notification not accepted")
	}

	c.log.Debug().
		Str("protocolVersion", out.ProtocolVersion).
		Str("serverName", out.ServerInfo.Name).
		Str("serverVersion", out.ServerInfo.Version).
		Bool("hasSessionId", c.sessionID != "").
		Msg("hub session initialized")
	return &out, nil
}

// SessionID returns the hub-assigned session id, empty when the hub runs
// sessionless.
func (c *Client) SessionID() string { return c.sessionID }

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string { return c.protocolVersion }

// CallTool invokes tools/call upstream, relaying args verbatim, and returns
// the raw result object untouched. Tool-level failures (isError inside the
// result) are not errors here; only transport and protocol faults are.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	params, err := json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: name, Arguments: args})
	if err != nil {
		return nil, errx.Wrap(err, errx.KindInternal, "encoding tools/call params")
	}

	start := time.Now()
	raw, _, err := c.invoke(ctx, "tools/call", json.RawMessage(params))
	metrics.UpstreamLatencySeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// ListTools fetches the hub's own tool catalogue. The bridge advertises its
// local catalogue instead; this exists for diagnostics.
func (c *Client) ListTools(ctx context.Context) (json.RawMessage, error) {
	raw, _, err := c.invoke(ctx, "tools/list", nil)
	return raw, err
}

// Ping checks session liveness without side effects.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.invoke(ctx, "ping", nil)
	return err
}

// Close asks the hub to discard the session. Hubs that do not support
// client-initiated termination answer 405, which is fine.
func (c *Client) Close(ctx context.Context) error {
	defer c.httpClient.CloseIdleConnections()
	if c.sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+mcpPath, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errx.Wrap(err, errx.KindUpstreamUnavailable, "closing hub session")
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// invoke posts one JSON-RPC request and decodes the envelope. The returned
// header carries the hub's session id on initialize.
func (c *Client) invoke(ctx context.Context, method string, params any) (json.RawMessage, http.Header, error) {
	var rawParams json.RawMessage
	switch p := params.(type) {
	case nil:
	case json.RawMessage:
		rawParams = p
	default:
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, nil, errx.Wrap(err, errx.KindInternal, "encoding rpc params")
		}
		rawParams = encoded
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, nil, errx.Wrap(err, errx.KindInternal, "encoding rpc request")
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, nil, err
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, nil, errx.Wrap(err, errx.KindUpstreamError, "invalid JSON-RPC response from hub")
	}
	if envelope.Error != nil {
		return nil, nil, errx.Newf(errx.KindUpstreamError, "hub error: %s", envelope.Error.Message).
			With("rpc_code", envelope.Error.Code)
	}
	return envelope.Result, resp.Header, nil
}

// notify sends a JSON-RPC notification (no id, no response body expected).
func (c *Client) notify(ctx context.Context, method string) error {
	body, err := json.Marshal(rpcNotification{JSONRPC: "2.0", Method: method})
	if err != nil {
		return errx.Wrap(err, errx.KindInternal, "encoding rpc notification")
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errx.Newf(errx.KindUpstreamError, "hub returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+mcpPath, bytes.NewReader(body))
	if err != nil {
		return nil, errx.Wrap(err, errx.KindInternal, "building hub request")
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, errx.FromContext(err)
		}
		return nil, errx.Wrap(err, errx.KindUpstreamUnavailable, "hub unreachable")
	}
	return resp, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
}

// checkStatus maps non-2xx hub responses onto the error taxonomy. Auth and
// client-side faults are upstream errors the caller must fix; throttling and
// server faults are transient unavailability the breaker should count.
func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errx.New(errx.KindUpstreamError, "hub rejected credentials").
			With("status", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return errx.New(errx.KindUpstreamError, "hub MCP endpoint not found").
			With("status", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errx.New(errx.KindUpstreamUnavailable, "hub is rate limiting").
			With("status", resp.StatusCode)
	case resp.StatusCode >= 500:
		return errx.Newf(errx.KindUpstreamUnavailable, "hub returned status %d", resp.StatusCode).
			With("status", resp.StatusCode)
	default:
		return errx.Newf(errx.KindUpstreamError, "hub returned status %d", resp.StatusCode).
			With("status", resp.StatusCode)
	}
}
