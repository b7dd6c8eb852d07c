package tools

import (
	"context"
	"encoding/json"
	"time"
)

// Kind classifies a tool by the effect of invoking it. The dispatcher uses
// the kind to pick the required permission bit, decide cacheability, and
// decide retry eligibility.
type Kind string

const (
	// KindRead tools never mutate hub state. They are cacheable and safe
	// to retry.
	KindRead Kind = "read"
	// KindWrite tools mutate hub state. Never cached, never retried.
	KindWrite Kind = "write"
	// KindMeta tools operate on the hub itself rather than its entities.
	KindMeta Kind = "meta"
)

// Definition describes one tool in the catalogue. Name, Description, and
// InputSchema are advertised to clients; the remaining fields drive the
// dispatcher and are never serialized.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`

	Kind Kind `json:"-"`

	// CacheTTL bounds how long a successful result may be served from the
	// cache. Zero disables caching for the tool.
	CacheTTL time.Duration `json:"-"`

	// Invalidates lists tool-name prefixes whose cached results are flushed
	// after this tool succeeds.
	Invalidates []string `json:"-"`
}

// Cacheable reports whether successful results may be stored and served
// from the result cache.
func (d Definition) Cacheable() bool {
	return d.Kind == KindRead && d.CacheTTL > 0
}

// Retryable reports whether a failed upstream call may be retried.
func (d Definition) Retryable() bool {
	return d.Kind == KindRead
}

// Descriptor is the tools/list response entry in MCP wire format.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Descriptor returns the advertised subset of the definition.
func (d Definition) Descriptor() Descriptor {
	return Descriptor{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: d.InputSchema,
	}
}

// Caller executes one tool invocation against the upstream hub. The
// dispatcher passes a leased backend session; tests pass fakes.
type Caller interface {
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Handler validates and relays a tool invocation. The returned message is
// the MCP result object exactly as the upstream produced it.
type Handler func(ctx context.Context, caller Caller, args json.RawMessage) (json.RawMessage, error)

// CallRequest represents a tools/call JSON-RPC request payload.
type CallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallResult is the MCP tool result shape. The bridge mostly relays results
// opaquely; this type exists for the places that synthesize one locally.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock represents a piece of tool output.
type ContentBlock struct {
	Type string `json:"type"` // "text", "resource", etc.
	Text string `json:"text,omitempty"`
}

// TextResult wraps a plain string as an MCP result object.
func TextResult(text string) CallResult {
	return CallResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}
