package bridge

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hubmcp/hubbridge/internal/auth"
	"github.com/hubmcp/hubbridge/internal/breaker"
	"github.com/hubmcp/hubbridge/internal/errx"
	"github.com/hubmcp/hubbridge/internal/httpx"
	"github.com/hubmcp/hubbridge/internal/pool"
	"github.com/hubmcp/hubbridge/internal/queue"
	"github.com/hubmcp/hubbridge/internal/tools"
)

// Protocol versions the bridge speaks, newest first.
const (
	protocolLatest   = "2025-03-26"
	protocolPrevious = "2024-11-05"
)

const serverName = "hubbridge"

// Request headers understood by the MCP surface. X-Session-ID is the
// bridge's own header; Mcp-Session-Id is accepted as a fallback for
// standard MCP clients.
const (
	headerSessionID    = "X-Session-ID"
	headerMCPSessionID = "Mcp-Session-Id"
	headerPriority     = "X-Priority"
	headerTimeout      = "X-Timeout"
	headerRequestID    = "X-Request-ID"
)

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      json.RawMessage `json:"clientInfo,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	SessionID       string             `json:"session_id"`
	Tools           []tools.Descriptor `json:"tools"`
}

type serverCapabilities struct {
	Tools toolsCapability `json:"tools"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsListResult struct {
	Tools []tools.Descriptor `json:"tools"`
}

// handleRPC is the generic JSON-RPC endpoint. Method-specific paths
// (/mcp/initialize etc.) exist as well; this one dispatches on the method
// field and is what off-the-shelf MCP clients use.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRPC(r, "")
	if err != nil {
		writeRPCError(w, nil, err, nil)
		return
	}
	switch req.Method {
	case "initialize":
		s.rpcInitialize(w, r, req)
	case "tools/list":
		s.rpcToolsList(w, r, req)
	case "tools/call":
		s.rpcToolsCall(w, r, req)
	case "ping":
		writeResult(w, req.ID, struct{}{}, nil)
	default:
		writeRPCError(w, req.ID, errx.Newf(errx.KindNotFound, "method not found: %s", req.Method), nil)
	}
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRPC(r, "initialize")
	if err != nil {
		writeRPCError(w, nil, err, nil)
		return
	}
	s.rpcInitialize(w, r, req)
}

func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRPC(r, "tools/list")
	if err != nil {
		writeRPCError(w, nil, err, nil)
		return
	}
	s.rpcToolsList(w, r, req)
}

func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRPC(r, "tools/call")
	if err != nil {
		writeRPCError(w, nil, err, nil)
		return
	}
	s.rpcToolsCall(w, r, req)
}

func (s *Server) rpcInitialize(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	id := mustIdentity(r)

	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, errx.New(errx.KindMalformed, "invalid initialize params"), nil)
			return
		}
	}
	version, err := negotiateProtocol(params.ProtocolVersion)
	if err != nil {
		writeRPCError(w, req.ID, err, nil)
		return
	}

	// Re-initializing with a session the caller already owns keeps it; a
	// protocol change or someone else's session gets a fresh one.
	var cs *ClientSession
	if sid := sessionIDFrom(r); sid != "" {
		if existing, gerr := s.sessions.Get(sid); gerr == nil &&
			existing.UserID == id.UserID && existing.Protocol == version {
			cs = existing
		}
	}
	if cs == nil {
		cs = s.sessions.Create(id.UserID, version)
	}

	allowed := s.registry.ListAllowed(func(def tools.Definition) bool {
		return s.auth.CanInvoke(r.Context(), id, def)
	})

	w.Header().Set(headerSessionID, cs.ID)
	w.Header().Set(headerMCPSessionID, cs.ID)
	writeResult(w, req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities:    serverCapabilities{Tools: toolsCapability{ListChanged: false}},
		ServerInfo:      serverInfo{Name: serverName, Version: s.version},
		SessionID:       cs.ID,
		Tools:           allowed,
	}, nil)

	s.log.Info().
		Str("session_id", cs.ID).
		Int64("user_id", id.UserID).
		Str("protocol", version).
		Msg("client session initialized")
}

func (s *Server) rpcToolsList(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	id := mustIdentity(r)
	if _, err := s.requireSession(r, id); err != nil {
		writeRPCError(w, req.ID, err, nil)
		return
	}
	allowed := s.registry.ListAllowed(func(def tools.Definition) bool {
		return s.auth.CanInvoke(r.Context(), id, def)
	})
	writeResult(w, req.ID, toolsListResult{Tools: allowed}, nil)
}

func (s *Server) rpcToolsCall(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	id := mustIdentity(r)
	cs, err := s.requireSession(r, id)
	if err != nil {
		writeRPCError(w, req.ID, err, nil)
		return
	}

	var cr tools.CallRequest
	if len(req.Params) == 0 {
		writeRPCError(w, req.ID, errx.New(errx.KindInvalidArgument, "missing call params"), nil)
		return
	}
	if err := json.Unmarshal(req.Params, &cr); err != nil {
		writeRPCError(w, req.ID, errx.New(errx.KindMalformed, "invalid call params"), nil)
		return
	}
	if cr.Name == "" {
		writeRPCError(w, req.ID, errx.New(errx.KindInvalidArgument, "tool name is required"), nil)
		return
	}

	priority, err := queue.ParsePriority(r.Header.Get(headerPriority))
	if err != nil {
		writeRPCError(w, req.ID, err, nil)
		return
	}
	timeout, err := s.callTimeout(r.Header.Get(headerTimeout))
	if err != nil {
		writeRPCError(w, req.ID, err, nil)
		return
	}
	out, err := s.exec.Execute(r.Context(), &Call{
		Identity:  id,
		SessionID: cs.ID,
		RequestID: requestIDFrom(r.Context()),
		Priority:  priority,
		Request:   cr,
		Timeout:   timeout,
	})
	if err != nil {
		writeRPCError(w, req.ID, err, &out.Info)
		return
	}
	writeResult(w, req.ID, out.Result, &out.Info)
}

// handleSessionDelete closes the client session named in the header.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := mustIdentity(r)
	sid := sessionIDFrom(r)
	if sid == "" {
		httpx.WriteError(w, r, errx.New(errx.KindInvalidArgument, "missing X-Session-ID header"))
		return
	}
	cs, err := s.sessions.Get(sid)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if cs.UserID != id.UserID && !id.IsAdmin {
		httpx.WriteError(w, r, errx.New(errx.KindForbidden, "session belongs to another user"))
		return
	}
	s.sessions.Delete(sid)
	s.log.Info().Str("session_id", sid).Int64("user_id", id.UserID).Msg("client session closed")
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	Status         string             `json:"status"`
	Version        string             `json:"version"`
	UptimeSeconds  int64              `json:"uptime_seconds"`
	Queue          queueStatus        `json:"queue"`
	Pools          []pool.Snapshot    `json:"pools"`
	Breakers       []breaker.Snapshot `json:"breakers"`
	Cache          cacheStatus        `json:"cache"`
	ClientSessions int                `json:"client_sessions"`
}

type queueStatus struct {
	Depth    int            `json:"depth"`
	ByClass  map[string]int `json:"by_class"`
	Capacity int            `json:"capacity"`
}

type cacheStatus struct {
	Entries  int `json:"entries"`
	Capacity int `json:"capacity"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       s.version,
		UptimeSeconds: int64(s.clock.Since(s.startedAt).Seconds()),
		Queue: queueStatus{
			Depth:    s.queue.Depth(),
			ByClass:  s.queue.DepthByClass(),
			Capacity: s.cfg.Queue.Capacity,
		},
		Pools:          s.pools.Snapshots(),
		Breakers:       s.breakers.Snapshots(),
		Cache:          cacheStatus{Entries: s.cache.Len(), Capacity: s.cfg.Cache.Capacity},
		ClientSessions: s.sessions.Len(),
	})
}

// requireSession resolves the session header to a live session owned by the
// caller.
func (s *Server) requireSession(r *http.Request, id *auth.Identity) (*ClientSession, error) {
	sid := sessionIDFrom(r)
	if sid == "" {
		return nil, errx.New(errx.KindInvalidArgument, "missing X-Session-ID header")
	}
	cs, err := s.sessions.Get(sid)
	if err != nil {
		return nil, err
	}
	if cs.UserID != id.UserID {
		return nil, errx.New(errx.KindForbidden, "session belongs to another user")
	}
	return cs, nil
}

func sessionIDFrom(r *http.Request) string {
	if sid := r.Header.Get(headerSessionID); sid != "" {
		return sid
	}
	return r.Header.Get(headerMCPSessionID)
}

// callTimeout parses the X-Timeout header (integer seconds) and clamps it
// to the configured ceiling.
func (s *Server) callTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return s.cfg.Request.DefaultTimeout.Std(), nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0, errx.Newf(errx.KindInvalidArgument, "invalid X-Timeout header: %q", raw)
	}
	d := time.Duration(secs) * time.Second
	if ceil := s.cfg.Request.MaxTimeout.Std(); d > ceil {
		d = ceil
	}
	return d, nil
}

func negotiateProtocol(requested string) (string, error) {
	switch requested {
	case "", protocolLatest:
		return protocolLatest, nil
	case protocolPrevious:
		return protocolPrevious, nil
	default:
		return "", errx.Newf(errx.KindUnsupportedProtocol, "unsupported protocol version: %s", requested).
			With("supported", []string{protocolLatest, protocolPrevious})
	}
}
