package mcp

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Sentinel errors surfaced by the transport and client.
var (
	// ErrNotRunning is returned by Write when no child process is alive.
	ErrNotRunning = errors.New("mcp: child process not running")

	// ErrShuttingDown rejects every pending request when the client closes.
	ErrShuttingDown = errors.New("mcp: client shutting down")

	// ErrRequestTimeout settles a request whose deadline fired before a
	// matching response arrived.
	ErrRequestTimeout = errors.New("mcp: request timed out")

	// ErrReconnectFailed makes calls fail fast after the reconnect budget is
	// exhausted, until the client is explicitly reconnected.
	ErrReconnectFailed = errors.New("mcp: reconnect attempts exhausted")

	// ErrSpawn wraps a child process that never reported itself alive.
	ErrSpawn = errors.New("mcp: failed to spawn child process")
)

// ErrorKind is the closed failure taxonomy shared by the client, the
// executor, and external callers.
type ErrorKind string

const (
	KindConnection   ErrorKind = "connection"
	KindToolCall     ErrorKind = "tool_call"
	KindTimeout      ErrorKind = "timeout"
	KindProtocol     ErrorKind = "protocol"
	KindLoopDetected ErrorKind = "loop_detected"
)

// ErrorInfo is an immutable classification of a raw failure. Callers render
// Message and Suggestion directly instead of inspecting internal codes.
type ErrorInfo struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	Suggestion string    `json:"suggestion"`
	Timestamp  time.Time `json:"timestamp"`
}

// Classify maps a raw transport, protocol, or timeout failure into the closed
// taxonomy. Rules are checked in order; the first match wins. Unknown errors
// default to a retryable tool_call failure, favoring availability over silent
// failure.
func Classify(err error) ErrorInfo {
	info := ErrorInfo{
		Kind:      KindToolCall,
		Retryable: true,
		Timestamp: time.Now(),
	}
	if err == nil {
		return info
	}
	info.Message = err.Error()
	msg := strings.ToLower(info.Message)

	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, ErrSpawn),
		strings.Contains(msg, "executable file not found"),
		strings.Contains(msg, "no such file or directory"):
		info.Kind = KindConnection
		info.Retryable = true
		info.Suggestion = "Check that the server executable path and arguments are correct and the binary is installed."

	case errors.Is(err, ErrNotRunning), errors.Is(err, ErrReconnectFailed),
		errors.Is(err, ErrShuttingDown),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"):
		info.Kind = KindConnection
		info.Retryable = true
		info.Suggestion = "The server process is unreachable. It will be restarted automatically; retry shortly."

	case errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded),
		strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		info.Kind = KindTimeout
		info.Retryable = true
		info.Suggestion = "The command took too long. Retry, or increase the request timeout for slow tools."

	case strings.Contains(msg, "protocol"), strings.Contains(msg, "jsonrpc"),
		strings.Contains(msg, "parse error"), strings.Contains(msg, "malformed"):
		info.Kind = KindProtocol
		info.Retryable = false
		info.Suggestion = "The message exchange violated the protocol. This indicates a client/server version mismatch or a bug."

	case strings.Contains(msg, "not found"), strings.Contains(msg, "unknown tool"),
		strings.Contains(msg, "invalid"):
		info.Kind = KindToolCall
		info.Retryable = false
		info.Suggestion = "The tool name or arguments were rejected. Check the tool list and argument schema."

	default:
		info.Suggestion = "Unrecognized failure; retrying may succeed."
	}

	return info
}
