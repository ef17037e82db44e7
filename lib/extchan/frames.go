package extchan

import "encoding/json"

// requestFrame is what the bridge writes to the extension.
type requestFrame struct {
	Corr   int64           `json:"corr"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// inboundFrame is the union of the two shapes the extension sends: replies
// carry corr/ok, unsolicited events carry event. A frame with neither is
// malformed.
type inboundFrame struct {
	Corr   *int64          `json:"corr"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Hello is the payload of the handshake event the extension must send first.
type Hello struct {
	Version string `json:"version"`
	Browser string `json:"browser,omitempty"`
}

// EventHello is the handshake event name.
const EventHello = "hello"
