// Package httpx holds the REST response and decode helpers shared by the
// auth, hub, and admin surfaces. The MCP endpoint has its own JSON-RPC
// envelope and does not use these.
package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/hubmcp/hubbridge/internal/errx"
)

// maxBodyBytes caps REST request bodies. Tool arguments travel on the MCP
// surface which applies its own limit.
const maxBodyBytes = 1 << 20

// ErrorBody is the REST error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// WriteError classifies err through the taxonomy and writes the error
// envelope. Internal detail never reaches the client; the kinds whose
// detail is withheld are logged at ERROR instead so they land in the
// persistent sinks.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind, message, data := errx.Sanitized(err)
	switch kind {
	case errx.KindCrypto, errx.KindIntegrity, errx.KindInternal:
		log.Ctx(r.Context()).Error().
			Err(err).
			Str("code", string(kind)).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	WriteJSON(w, errx.HTTPStatus(kind), ErrorBody{Error: ErrorDetail{
		Code:    string(kind),
		Message: message,
		Data:    data,
	}})
}

// Decode parses a JSON request body into dst. Unknown fields are tolerated;
// malformed or oversized bodies map to MALFORMED.
func Decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return errx.New(errx.KindMalformed, "request body required")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errx.New(errx.KindMalformed, "request body required")
		}
		return errx.Wrap(err, errx.KindMalformed, "invalid JSON body")
	}
	return nil
}
