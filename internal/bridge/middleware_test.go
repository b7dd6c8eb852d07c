package bridge

import (
	"net/http"
	"testing"
)

func TestCorrelationHeader(t *testing.T) {
	b := newTestBridge(t)

	// Without a client id the bridge assigns one.
	res, err := http.Get(b.http.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.Header.Get(headerRequestID) == "" {
		t.Error("no correlation id assigned")
	}

	// A client-supplied id is echoed back untouched.
	req, err := http.NewRequest(http.MethodGet, b.http.URL+"/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(headerRequestID, "trace-42")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if got := res.Header.Get(headerRequestID); got != "trace-42" {
		t.Errorf("correlation id = %q, want trace-42", got)
	}
}
