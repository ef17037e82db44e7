// Package cdp terminates client websocket connections speaking the Chrome
// DevTools Protocol. It owns the wire envelope and per-connection state;
// protocol semantics live in the router, which implements Handler.
package cdp

import (
	"encoding/json"

	"github.com/openbrop/bridge/lib/ident"
)

// CDP error codes. The JSON-RPC codes match Chrome; the -3200x block carries
// the bridge's failure taxonomy.
const (
	CodeServerError           = -32000
	CodeInvalidSession        = -32001
	CodeTargetGone            = -32002
	CodeExtensionDisconnected = -32003
	CodeExtensionTimeout      = -32004
	CodeBadRequest            = -32600
	CodeUnknownMethod         = -32601
)

// Request is an inbound client frame. A frame without an id is not a valid
// request; events never flow client to bridge.
type Request struct {
	ID        *int64          `json:"id"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID ident.SessionID `json:"sessionId,omitempty"`
}

// Response is an outbound reply. Result and Error are mutually exclusive;
// SessionID is set exactly when the request carried one.
type Response struct {
	ID        int64           `json:"id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	SessionID ident.SessionID `json:"sessionId,omitempty"`
}

// Event is an outbound notification. Events carry no id.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	SessionID ident.SessionID `json:"sessionId,omitempty"`
}

// Error is the CDP error envelope.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// TargetInfo is the CDP description of a target.
type TargetInfo struct {
	TargetID         ident.TargetID         `json:"targetId"`
	Type             string                 `json:"type"`
	Title            string                 `json:"title"`
	URL              string                 `json:"url"`
	Attached         bool                   `json:"attached"`
	CanAccessOpener  bool                   `json:"canAccessOpener"`
	BrowserContextID ident.BrowserContextID `json:"browserContextId,omitempty"`
}

// NewResult builds a success response. A nil result marshals as the empty
// object; CDP clients require the result key to be present on success.
func NewResult(id int64, sessionID ident.SessionID, result any) Response {
	raw := json.RawMessage(`{}`)
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			raw = data
		}
	}
	return Response{ID: id, Result: raw, SessionID: sessionID}
}

// NewRawResult builds a success response from pre-marshaled JSON.
func NewRawResult(id int64, sessionID ident.SessionID, result json.RawMessage) Response {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	return Response{ID: id, Result: result, SessionID: sessionID}
}

// NewError builds an error response.
func NewError(id int64, sessionID ident.SessionID, code int, message string) Response {
	return Response{ID: id, Error: &Error{Code: code, Message: message}, SessionID: sessionID}
}

// NewEvent builds an event frame. A nil params marshals as the empty object.
func NewEvent(method string, sessionID ident.SessionID, params any) Event {
	raw := json.RawMessage(`{}`)
	if params != nil {
		if data, err := json.Marshal(params); err == nil {
			raw = data
		}
	}
	return Event{Method: method, Params: raw, SessionID: sessionID}
}
