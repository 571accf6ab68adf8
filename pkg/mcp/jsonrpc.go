package mcp

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 envelope types for the newline-delimited stdio wire.
// See: https://www.jsonrpc.org/specification

const jsonRPCVersion = "2.0"

// Request represents a JSON-RPC 2.0 request object. A request with a nil ID
// is a notification and must not receive a response.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response object.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ResponseError represents a JSON-RPC 2.0 error object.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return e.Message
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// isResponse reports whether the envelope correlates to a pending request.
func (r *Response) isResponse() bool {
	return r.ID != nil
}

// isNotification reports whether the envelope is a server-initiated
// notification: it carries a method and no id.
func (r *Response) isNotification() bool {
	return r.ID == nil && r.Method != ""
}

// encodeRequest serializes a request envelope terminated by a newline, ready
// to be written to the child process stdin.
func encodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request %q: %w", req.Method, err)
	}
	return append(data, '\n'), nil
}
