package cdp

import (
	"encoding/json"
	"testing"
)

func TestResponseEchoesSessionID(t *testing.T) {
	resp := NewResult(5, "ABCDEF", map[string]string{"frameId": "TAB_1"})
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if string(decoded["id"]) != "5" {
		t.Fatalf("expected id 5, got %s", decoded["id"])
	}
	if string(decoded["sessionId"]) != `"ABCDEF"` {
		t.Fatalf("expected sessionId echoed, got %s", decoded["sessionId"])
	}
	if _, hasErr := decoded["error"]; hasErr {
		t.Fatal("success response must omit error")
	}
}

func TestResponseWithoutSessionOmitsField(t *testing.T) {
	resp := NewResult(1, "", nil)
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, has := decoded["sessionId"]; has {
		t.Fatal("sessionId must be absent when the request carried none")
	}
	// CDP clients require the result key on success even when empty.
	if string(decoded["result"]) != "{}" {
		t.Fatalf("expected empty result object, got %s", decoded["result"])
	}
}

func TestEventHasNoID(t *testing.T) {
	ev := NewEvent("Target.targetCreated", "S1", map[string]string{"x": "y"})
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, hasID := decoded["id"]; hasID {
		t.Fatal("event frames must not carry an id")
	}
	if string(decoded["method"]) != `"Target.targetCreated"` {
		t.Fatalf("unexpected method: %s", decoded["method"])
	}
	if string(decoded["sessionId"]) != `"S1"` {
		t.Fatalf("expected sessionId on scoped event, got %s", decoded["sessionId"])
	}
}

func TestErrorEnvelope(t *testing.T) {
	resp := NewError(3, "S", CodeTargetGone, "target destroyed")
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	var decoded struct {
		ID    int64 `json:"id"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Result    json.RawMessage `json:"result"`
		SessionID string          `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Error == nil || decoded.Error.Code != CodeTargetGone {
		t.Fatalf("unexpected error envelope: %s", data)
	}
	if decoded.Result != nil {
		t.Fatal("error response must omit result")
	}
	if decoded.SessionID != "S" {
		t.Fatalf("expected sessionId echoed on error, got %q", decoded.SessionID)
	}
}

func TestRequestParsing(t *testing.T) {
	var req Request
	if err := json.Unmarshal([]byte(`{"id":9,"method":"Page.navigate","params":{"url":"x"},"sessionId":"S9"}`), &req); err != nil {
		t.Fatal(err)
	}
	if req.ID == nil || *req.ID != 9 {
		t.Fatalf("unexpected id %v", req.ID)
	}
	if req.Method != "Page.navigate" || req.SessionID != "S9" {
		t.Fatalf("unexpected request %+v", req)
	}

	var noID Request
	if err := json.Unmarshal([]byte(`{"method":"Page.enable"}`), &noID); err != nil {
		t.Fatal(err)
	}
	if noID.ID != nil {
		t.Fatal("missing id must decode as nil")
	}
}
