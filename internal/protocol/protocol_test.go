package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRequestDecodesWithoutVersionField(t *testing.T) {
	// Plenty of miner firmware omits "jsonrpc" entirely; decoding must not
	// care.
	line := `{"id":1,"method":"login","params":{"login":"addr:rig","pass":"x"}}`

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Method != "login" {
		t.Errorf("method = %q, want login", req.Method)
	}

	var params LoginParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if params.Login != "addr:rig" {
		t.Errorf("login = %q, want addr:rig", params.Login)
	}
}

func TestResponseOmitsEmptyError(t *testing.T) {
	out, err := json.Marshal(Response{JSONRPC: "2.0", Result: "Submission accepted"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(out), "error") {
		t.Errorf("success response carries an error field: %s", out)
	}

	out, err = json.Marshal(Response{JSONRPC: "2.0", Error: NewError(ErrInvalidParams, "Share rejected")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"code":-32602`) {
		t.Errorf("error response missing code: %s", out)
	}
}

func TestNotificationShape(t *testing.T) {
	out, err := json.Marshal(Notification{
		JSONRPC: "2.0",
		Method:  "job",
		Params:  JobPayload{JobID: "j", Blob: "b", Target: "t"},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"job","params":{"job_id":"j","blob":"b","target":"t"}}`
	if string(out) != want {
		t.Errorf("notification = %s, want %s", out, want)
	}
}
