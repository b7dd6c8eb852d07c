package bridge

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// maxRPCBytes caps JSON-RPC request bodies. Tool arguments ride inside the
// envelope, so this is the effective argument size limit too.
const maxRPCBytes = 4 << 20

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcError is the JSON-RPC 2.0 error object. The taxonomy code string
// travels in Data["code"]; the numeric code stays within the five values
// the protocol defines.
type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// rpcResponse is the response envelope. Exactly one of Result and Error is
// set. Info is the non-protocol telemetry extension; clients that ignore
// unknown fields remain compatible.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Info    *Info           `json:"bridge_info,omitempty"`
}

// Info is the bridge_info telemetry block attached to every MCP response.
type Info struct {
	RequestID  string `json:"request_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Priority   string `json:"priority,omitempty"`
	QueueMS    int64  `json:"queue_ms"`
	UpstreamMS int64  `json:"upstream_ms"`
	TotalMS    int64  `json:"total_ms"`
	Cached     bool   `json:"cached"`
	Coalesced  bool   `json:"coalesced,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// decodeRPC parses and validates the envelope. want pins the method for the
// path-routed endpoints; bodies that omit method get it filled in, bodies
// that contradict it are rejected.
func decodeRPC(r *http.Request, want string) (*rpcRequest, error) {
	if r.Body == nil {
		return nil, errx.New(errx.KindMalformed, "request body required")
	}
	var req rpcRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRPCBytes))
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			return nil, errx.New(errx.KindMalformed, "request body required")
		}
		return nil, errx.Wrap(err, errx.KindMalformed, "invalid JSON")
	}
	if req.JSONRPC != "2.0" {
		return nil, errx.New(errx.KindMalformed, "jsonrpc version must be 2.0")
	}
	switch {
	case req.Method == "" && want == "":
		return nil, errx.New(errx.KindMalformed, "method required")
	case req.Method == "":
		req.Method = want
	case want != "" && req.Method != want:
		return nil, errx.Newf(errx.KindMalformed, "method %q does not match endpoint", req.Method)
	}
	return &req, nil
}

// writeResult marshals result into a success envelope.
func writeResult(w http.ResponseWriter, id json.RawMessage, result any, info *Info) {
	raw, err := json.Marshal(result)
	if err != nil {
		writeRPCError(w, id, errx.Wrap(err, errx.KindInternal, "encoding result"), info)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  raw,
		Info:    info,
	}); err != nil {
		log.Error().Err(err).Msg("failed to encode json-rpc response")
	}
}

// writeRPCError classifies err and writes the error envelope. Protocol
// faults (unknown method or tool, bad params, upstream tool errors) stay
// HTTP 200 with the fault inside the JSON-RPC error object; admission and
// auth faults also surface as transport statuses so plain HTTP clients and
// proxies see them.
func writeRPCError(w http.ResponseWriter, id json.RawMessage, err error, info *Info) {
	kind, message, data := errx.Sanitized(err)
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["code"] = string(kind)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(transportStatus(kind))
	if encErr := json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    errx.JSONRPCCode(kind),
			Message: message,
			Data:    data,
		},
		Info: info,
	}); encErr != nil {
		log.Error().Err(encErr).Msg("failed to encode json-rpc error")
	}
}

func transportStatus(kind errx.Kind) int {
	switch kind {
	case errx.KindNotFound, errx.KindInvalidArgument, errx.KindUpstreamError, errx.KindInternal:
		return http.StatusOK
	default:
		return errx.HTTPStatus(kind)
	}
}
