package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/deskwire/deskwire/pkg/log"
	"github.com/deskwire/deskwire/pkg/mcp"
)

// Defaults for Options fields left zero.
const (
	DefaultMaxRetries            = 3
	DefaultAttemptTimeout        = 30 * time.Second
	DefaultRetryDelay            = 2 * time.Second
	DefaultMaxSameCommandRetries = 5
	DefaultToolName              = "execute_command"
)

// ErrSessionBusy rejects a second concurrent execute call for a session that
// already has a command in flight.
var ErrSessionBusy = errors.New("executor: session already has a command in flight")

// RPC is the slice of the client the executor needs.
type RPC interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolResult, error)
}

// Options tunes a single Execute call. Zero fields take defaults.
type Options struct {
	// MaxRetries is the total attempt budget, including the first attempt.
	MaxRetries int
	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration
	// RetryDelay is the fixed wait between attempts. Deliberately not
	// exponential; reconnect backoff lives in the transport layer.
	RetryDelay time.Duration
	// MaxSameCommandRetries is the loop-detection threshold: once a session's
	// history already holds this many identical commands, the next one is
	// rejected without any RPC.
	MaxSameCommandRetries int
	// ToolName overrides the tool invoked for command execution.
	ToolName string
}

func (o *Options) applyDefaults() {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.AttemptTimeout == 0 {
		o.AttemptTimeout = DefaultAttemptTimeout
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxSameCommandRetries == 0 {
		o.MaxSameCommandRetries = DefaultMaxSameCommandRetries
	}
	if o.ToolName == "" {
		o.ToolName = DefaultToolName
	}
}

// Result is the structured outcome of an Execute call. Failures are returned
// here, never panicked.
type Result struct {
	Success  bool           `json:"success"`
	Output   string         `json:"output"`
	ExitCode int            `json:"exit_code"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
	Error    *mcp.ErrorInfo `json:"error,omitempty"`
}

// EventType identifies an executor observability event.
type EventType string

const (
	// EventProgress fires before each attempt.
	EventProgress EventType = "progress"
	// EventRetry fires before each inter-attempt wait.
	EventRetry EventType = "retry"
	// EventTimeout fires when an attempt is cut off by its timeout.
	EventTimeout EventType = "timeout"
	// EventLoopDetected fires when a command is rejected by loop detection.
	EventLoopDetected EventType = "loop_detected"
)

// Event is a pure notification hook payload; it has no effect on control flow.
type Event struct {
	Type      EventType
	SessionID string
	Command   string
	Attempt   int
	Delay     time.Duration
	Count     int // loop_detected: observed identical-command count
	Time      time.Time
}

// EventHandler receives executor events synchronously.
type EventHandler func(Event)

// Executor runs commands for sessions with retry, timeout, and loop-detection
// semantics layered on top of the raw RPC call.
type Executor struct {
	rpc   RPC
	store Store

	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
}

// New creates an executor. A nil store gets a fresh in-memory one.
func New(rpc RPC, store Store) *Executor {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Executor{
		rpc:      rpc,
		store:    store,
		handlers: make(map[int]EventHandler),
	}
}

// Subscribe registers an observer for executor events and returns its
// unsubscribe function.
func (e *Executor) Subscribe(h EventHandler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.handlers[id] = h

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

func (e *Executor) emit(ev Event) {
	ev.Time = time.Now()

	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// ClearSession drops the session's history and pending state.
func (e *Executor) ClearSession(sessionID string) {
	e.store.ClearSession(sessionID)
}

// History returns the session's command history, oldest first.
func (e *Executor) History(sessionID string) []string {
	return e.store.History(sessionID)
}

// Execute runs a command for a session. A session may have only one execute
// call in flight; a second concurrent call fails fast with ErrSessionBusy.
func (e *Executor) Execute(ctx context.Context, sessionID, command string, opts Options) (Result, error) {
	opts.applyDefaults()
	start := time.Now()

	if !e.store.BeginCommand(sessionID, command, start) {
		info := mcp.ErrorInfo{
			Kind:       mcp.KindToolCall,
			Message:    ErrSessionBusy.Error(),
			Retryable:  false,
			Suggestion: "Wait for the session's current command to finish before issuing another.",
			Timestamp:  time.Now(),
		}
		return Result{Error: &info, Duration: time.Since(start)}, ErrSessionBusy
	}
	defer e.store.EndCommand(sessionID)

	// Loop check precedes the history append, so the threshold counts prior
	// issuances only.
	if count := e.store.CountCommand(sessionID, command); count >= opts.MaxSameCommandRetries {
		e.emit(Event{Type: EventLoopDetected, SessionID: sessionID, Command: command, Count: count})
		log.Warn("loop detected, refusing command",
			"session", sessionID,
			"command", command,
			"count", count,
		)
		info := mcp.ErrorInfo{
			Kind:       mcp.KindLoopDetected,
			Message:    fmt.Sprintf("command repeated %d times in this session", count),
			Retryable:  false,
			Suggestion: "The same command keeps being issued. Change approach, or clear the session history to proceed deliberately.",
			Timestamp:  time.Now(),
		}
		return Result{Error: &info, Duration: time.Since(start)}, nil
	}

	e.store.AppendHistory(sessionID, command)

	var lastErr error
	output := ""
	exitCode := -1

	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		e.emit(Event{Type: EventProgress, SessionID: sessionID, Command: command, Attempt: attempt})

		result, err := e.attempt(ctx, command, opts)
		if err == nil {
			output = result.Text()
			exitCode = 0
			if result.ExitCode != nil {
				exitCode = *result.ExitCode
			}
			if result.IsError {
				err = fmt.Errorf("tool reported failure: %s", output)
			}
		}

		if err == nil {
			log.Debug("command succeeded",
				"session", sessionID,
				"attempt", attempt,
			)
			return Result{
				Success:  true,
				Output:   output,
				ExitCode: exitCode,
				Attempts: attempt,
				Duration: time.Since(start),
			}, nil
		}

		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, mcp.ErrRequestTimeout) {
			e.emit(Event{Type: EventTimeout, SessionID: sessionID, Command: command, Attempt: attempt})
		}
		log.Warn("command attempt failed",
			"session", sessionID,
			"attempt", attempt,
			"error", err,
		)

		if attempt == opts.MaxRetries {
			break
		}

		e.store.SetRetries(sessionID, attempt)
		e.emit(Event{Type: EventRetry, SessionID: sessionID, Command: command, Attempt: attempt, Delay: opts.RetryDelay})
		select {
		case <-time.After(opts.RetryDelay):
		case <-ctx.Done():
			info := mcp.Classify(ctx.Err())
			return Result{
				Output:   output,
				ExitCode: exitCode,
				Attempts: attempt,
				Duration: time.Since(start),
				Error:    &info,
			}, ctx.Err()
		}
	}

	info := mcp.Classify(lastErr)
	return Result{
		Output:   output,
		ExitCode: exitCode,
		Attempts: opts.MaxRetries,
		Duration: time.Since(start),
		Error:    &info,
	}, nil
}

// attempt performs one RPC call bounded by the per-attempt timeout.
func (e *Executor) attempt(ctx context.Context, command string, opts Options) (*mcp.ToolResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, opts.AttemptTimeout)
	defer cancel()

	return e.rpc.CallTool(attemptCtx, opts.ToolName, map[string]interface{}{
		"command": command,
	})
}
