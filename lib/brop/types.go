// Package brop terminates websocket connections speaking the sessionless
// Browser Remote Operations Protocol. Requests are routed by tab id; protocol
// semantics live in the router, which implements Handler.
package brop

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request is an inbound BROP frame. Two shapes are accepted: the current
// {id, method, params} form and the legacy {id, command:{type, ...}} form
// where the parameters sit flat beside the type tag.
type Request struct {
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Command json.RawMessage `json:"command,omitempty"`
}

// Normalize reduces both accepted request shapes to (method, params).
func (r Request) Normalize() (string, json.RawMessage, error) {
	if r.Method != "" {
		return r.Method, r.Params, nil
	}
	if len(r.Command) == 0 {
		return "", nil, errors.New("request requires method or command")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(r.Command, &fields); err != nil {
		return "", nil, fmt.Errorf("invalid command object: %w", err)
	}
	typeRaw, ok := fields["type"]
	if !ok {
		return "", nil, errors.New("command requires a type")
	}
	var method string
	if err := json.Unmarshal(typeRaw, &method); err != nil || method == "" {
		return "", nil, errors.New("command type must be a non-empty string")
	}
	delete(fields, "type")
	params, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("flatten command params: %w", err)
	}
	return method, params, nil
}

// Response is an outbound BROP frame. The id is echoed verbatim, null when
// the request carried none.
type Response struct {
	ID      json.RawMessage `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// OK builds a success response.
func OK(id json.RawMessage, result any) Response {
	var raw json.RawMessage
	switch v := result.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		if data, err := json.Marshal(v); err == nil {
			raw = data
		}
	}
	return Response{ID: id, Success: true, Result: raw}
}

// Fail builds an error response.
func Fail(id json.RawMessage, text string) Response {
	return Response{ID: id, Success: false, Error: text}
}
