package bridge

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hubmcp/hubbridge/internal/errx"
)

func rpcRequestFor(t *testing.T, body string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
}

func TestDecodeRPC(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		want       string
		wantMethod string
		wantErr    bool
	}{
		{
			name:       "generic endpoint",
			body:       `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			wantMethod: "tools/list",
		},
		{
			name:       "pinned endpoint fills method",
			body:       `{"jsonrpc":"2.0","id":1}`,
			want:       "tools/call",
			wantMethod: "tools/call",
		},
		{
			name:       "matching method on pinned endpoint",
			body:       `{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
			want:       "initialize",
			wantMethod: "initialize",
		},
		{
			name:    "method contradicts endpoint",
			body:    `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`,
			want:    "initialize",
			wantErr: true,
		},
		{
			name:    "missing method on generic endpoint",
			body:    `{"jsonrpc":"2.0","id":1}`,
			wantErr: true,
		},
		{
			name:    "wrong jsonrpc version",
			body:    `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
			wantErr: true,
		},
		{
			name:    "missing jsonrpc field",
			body:    `{"id":1,"method":"ping"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			body:    `{"jsonrpc":`,
			wantErr: true,
		},
		{
			name:    "empty body",
			body:    "",
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := decodeRPC(rpcRequestFor(t, tc.body), tc.want)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				if kind := errx.KindOf(err); kind != errx.KindMalformed {
					t.Errorf("kind = %s, want %s", kind, errx.KindMalformed)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeRPC: %v", err)
			}
			if req.Method != tc.wantMethod {
				t.Errorf("method = %s, want %s", req.Method, tc.wantMethod)
			}
		})
	}
}

// Protocol-level faults stay HTTP 200 so JSON-RPC clients see them in the
// error object; admission and auth faults surface on the transport too.
func TestTransportStatus(t *testing.T) {
	tests := []struct {
		kind errx.Kind
		want int
	}{
		{errx.KindNotFound, http.StatusOK},
		{errx.KindInvalidArgument, http.StatusOK},
		{errx.KindUpstreamError, http.StatusOK},
		{errx.KindInternal, http.StatusOK},
		{errx.KindMalformed, http.StatusBadRequest},
		{errx.KindUnsupportedProtocol, http.StatusBadRequest},
		{errx.KindUnauthorized, http.StatusUnauthorized},
		{errx.KindForbidden, http.StatusForbidden},
		{errx.KindRateLimited, http.StatusTooManyRequests},
		{errx.KindQueueFull, http.StatusServiceUnavailable},
		{errx.KindUpstreamUnavailable, http.StatusServiceUnavailable},
		{errx.KindTimeout, http.StatusGatewayTimeout},
	}
	for _, tc := range tests {
		if got := transportStatus(tc.kind); got != tc.want {
			t.Errorf("transportStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestWriteRPCError(t *testing.T) {
	rec := httptest.NewRecorder()
	err := errx.New(errx.KindQueueFull, "queue is full").With("queue_depth", 128)
	writeRPCError(rec, json.RawMessage(`42`), err, &Info{RequestID: "req-1", Priority: "HIGH"})

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *struct {
			Code    int            `json:"code"`
			Message string         `json:"message"`
			Data    map[string]any `json:"data"`
		} `json:"error"`
		Info *Info `json:"bridge_info"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.JSONRPC != "2.0" || string(resp.ID) != "42" {
		t.Errorf("envelope = %s / %s", resp.JSONRPC, resp.ID)
	}
	if resp.Error == nil {
		t.Fatal("error object missing")
	}
	if resp.Error.Code != -32603 {
		t.Errorf("numeric code = %d, want -32603", resp.Error.Code)
	}
	if resp.Error.Data["code"] != "QUEUE_FULL" {
		t.Errorf("taxonomy code = %v, want QUEUE_FULL", resp.Error.Data["code"])
	}
	if resp.Error.Data["queue_depth"] != float64(128) {
		t.Errorf("detail lost: %v", resp.Error.Data)
	}
	if resp.Info == nil || resp.Info.RequestID != "req-1" {
		t.Errorf("bridge_info = %+v", resp.Info)
	}
}

func TestWriteResult(t *testing.T) {
	rec := httptest.NewRecorder()
	writeResult(rec, json.RawMessage(`"abc"`), map[string]string{"ok": "yes"}, &Info{TotalMS: 5})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  map[string]string
		Error   json.RawMessage `json:"error"`
		Info    *Info           `json:"bridge_info"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if string(resp.ID) != `"abc"` {
		t.Errorf("id = %s, want \"abc\"", resp.ID)
	}
	if resp.Result["ok"] != "yes" {
		t.Errorf("result = %v", resp.Result)
	}
	if len(resp.Error) != 0 {
		t.Errorf("success envelope carries an error: %s", resp.Error)
	}
	if resp.Info == nil || resp.Info.TotalMS != 5 {
		t.Errorf("bridge_info = %+v", resp.Info)
	}
}
