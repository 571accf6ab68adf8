package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/deskwire/deskwire/pkg/log"
)

// Client is the resilient RPC client for a child tool server. It correlates
// concurrent requests by id, performs the initialize handshake on every
// (re)start, restarts the child with exponential backoff when it dies, and
// fans connection lifecycle events out to subscribers.
//
// It is safe for concurrent callers issuing overlapping calls; responses are
// matched by id, not call order.
type Client struct {
	cfg         Config
	transport   wireTransport
	broadcaster *eventBroadcaster
	health      *healthMonitor

	mu             sync.Mutex
	pending        map[int64]*pendingRequest
	nextID         int64
	buf            lineBuffer
	connected      bool
	closing        bool
	terminal       bool // reconnect budget exhausted
	reconnects     int
	reconnectTimer *time.Timer
}

// pendingRequest is an in-flight request awaiting its response frame. Exactly
// one goroutine settles it: whoever removes it from the pending table.
type pendingRequest struct {
	id    int64
	ch    chan callOutcome
	timer *time.Timer
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// NewClient creates a client for the given configuration. Call Connect before
// issuing requests.
func NewClient(cfg Config) *Client {
	cfg.applyDefaults()

	c := &Client{
		cfg:         cfg,
		broadcaster: newEventBroadcaster(),
		pending:     make(map[int64]*pendingRequest),
	}
	c.transport = NewTransport(cfg, c.handleData, c.handleExit)
	c.health = newHealthMonitor(cfg.HealthInterval.value(), c.probe, c.onHealthFailure)
	return c
}

// newClientWithTransport wires a custom transport, used by tests.
func newClientWithTransport(cfg Config, tr wireTransport) *Client {
	cfg.applyDefaults()

	c := &Client{
		cfg:         cfg,
		transport:   tr,
		broadcaster: newEventBroadcaster(),
		pending:     make(map[int64]*pendingRequest),
	}
	c.health = newHealthMonitor(cfg.HealthInterval.value(), c.probe, c.onHealthFailure)
	return c
}

// Subscribe registers a handler for connection lifecycle events and server
// notifications. The returned function unsubscribes it.
func (c *Client) Subscribe(h EventHandler) func() {
	return c.broadcaster.subscribe(h)
}

// Connected reports whether the handshake has completed and the child is
// believed alive.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Status reports connection state for external status queries.
func (c *Client) Status() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]interface{}{
		"connected":       c.connected,
		"pid":             c.transport.Pid(),
		"uptime":          c.transport.Uptime().Round(time.Second).String(),
		"reconnect_count": c.reconnects,
		"pending":         len(c.pending),
		"terminal":        c.terminal,
	}
}

// Connect starts the child process and performs the handshake. It also clears
// a terminal reconnect-failed state, serving as the explicit reinitialize.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	c.terminal = false
	c.reconnects = 0
	c.mu.Unlock()

	return c.start(ctx)
}

// start spawns the transport and runs the handshake. Shared by Connect and
// the reconnect loop.
func (c *Client) start(ctx context.Context) error {
	c.mu.Lock()
	c.buf.reset()
	c.mu.Unlock()

	if err := c.transport.Start(ctx); err != nil {
		return err
	}

	// Correlation ids restart at 1 for each process incarnation.
	c.mu.Lock()
	c.nextID = 0
	c.mu.Unlock()

	if err := c.handshake(ctx); err != nil {
		_ = c.transport.Stop()
		return fmt.Errorf("handshake failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.reconnects = 0
	c.mu.Unlock()

	c.health.start()
	c.broadcaster.publish(Event{Type: EventConnected})
	log.Info("connected to tool server", "pid", c.transport.Pid())
	return nil
}

// handshake sends the initialize request and the initialized notification.
// Only after both does the client report itself connected.
func (c *Client) handshake(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo: clientInfo{
			Name:    c.cfg.ClientName,
			Version: c.cfg.ClientVersion,
		},
	}

	raw, err := c.Call(ctx, methodInitialize, params, c.cfg.ConnectTimeout.value())
	if err != nil {
		return err
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("protocol error: bad initialize result: %w", err)
	}
	log.Debug("handshake complete",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion,
	)

	return c.Notify(methodInitialized, struct{}{})
}

// Call sends a request and suspends the caller until the matching response
// arrives, the timeout fires, or ctx is done — whichever is first. The caller
// is settled exactly once; a late response is dropped.
func (c *Client) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if c.terminal {
		c.mu.Unlock()
		return nil, ErrReconnectFailed
	}

	c.nextID++
	id := c.nextID
	pr := &pendingRequest{
		id: id,
		ch: make(chan callOutcome, 1),
	}
	pr.timer = time.AfterFunc(timeout, func() {
		if taken := c.takePending(id); taken != nil {
			taken.ch <- callOutcome{err: fmt.Errorf("%w after %s: %s", ErrRequestTimeout, timeout, method)}
		}
	})
	c.pending[id] = pr
	c.mu.Unlock()

	frame, err := encodeRequest(Request{
		JSONRPC: jsonRPCVersion,
		ID:      &id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.discardPending(id)
		return nil, err
	}
	if err := c.transport.Write(frame); err != nil {
		c.discardPending(id)
		return nil, err
	}

	select {
	case out := <-pr.ch:
		return out.result, out.err
	case <-ctx.Done():
		if taken := c.takePending(id); taken != nil {
			taken.timer.Stop()
			return nil, ctx.Err()
		}
		// Settled concurrently; the outcome is already on the channel.
		out := <-pr.ch
		return out.result, out.err
	}
}

// Notify sends a notification: no id, no pending entry, fire-and-forget.
func (c *Client) Notify(method string, params interface{}) error {
	frame, err := encodeRequest(Request{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	return c.transport.Write(frame)
}

// CallTool invokes tools/call and decodes the result payload.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	raw, err := c.Call(ctx, methodToolsCall, callToolParams{Name: name, Arguments: args}, c.cfg.RequestTimeout.value())
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("protocol error: bad tools/call result: %w", err)
	}
	return &result, nil
}

// ListTools invokes tools/list and returns the advertised tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.Call(ctx, methodToolsList, struct{}{}, c.cfg.RequestTimeout.value())
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("protocol error: bad tools/list result: %w", err)
	}
	return result.Tools, nil
}

// Close rejects every outstanding request with ErrShuttingDown, cancels their
// timers, then terminates the child process. No bytes arriving afterwards can
// resolve a caller.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.connected = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	c.failAllPending(ErrShuttingDown)
	c.health.stop()
	return c.transport.Stop()
}

// takePending removes and returns the pending request for id. The goroutine
// that takes it owns settling it; a nil return means someone else already did.
func (c *Client) takePending(id int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	pr := c.pending[id]
	delete(c.pending, id)
	return pr
}

// discardPending drops a request that was never written successfully.
func (c *Client) discardPending(id int64) {
	if pr := c.takePending(id); pr != nil {
		pr.timer.Stop()
	}
}

func (c *Client) failAllPending(cause error) {
	c.mu.Lock()
	taken := make([]*pendingRequest, 0, len(c.pending))
	for id, pr := range c.pending {
		delete(c.pending, id)
		taken = append(taken, pr)
	}
	c.mu.Unlock()

	for _, pr := range taken {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.ch <- callOutcome{err: cause}
	}
}

// handleData is the transport's data callback. It frames the byte stream and
// routes each message to the matching pending request or the notification
// subscribers.
func (c *Client) handleData(chunk []byte) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	lines := c.buf.feed(chunk)
	c.mu.Unlock()

	for _, line := range lines {
		msg, ok := parseFrame(line)
		if !ok {
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg *Response) {
	switch {
	case msg.isResponse():
		pr := c.takePending(*msg.ID)
		if pr == nil {
			// Likely a response to a request that already timed out.
			log.Debug("dropping response with no pending request", "id", *msg.ID)
			return
		}
		if pr.timer != nil {
			pr.timer.Stop()
		}
		if msg.Error != nil {
			pr.ch <- callOutcome{err: msg.Error}
		} else {
			pr.ch <- callOutcome{result: msg.Result}
		}

	case msg.isNotification():
		c.broadcaster.publish(Event{
			Type:   EventNotification,
			Method: msg.Method,
			Params: msg.Params,
		})

	default:
		log.Debug("dropping frame with neither id nor method")
	}
}

// handleExit is the transport's exit callback for unexpected process death.
func (c *Client) handleExit(cause error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.buf.reset()
	c.mu.Unlock()

	c.health.stop()
	c.failAllPending(fmt.Errorf("%w: %v", ErrNotRunning, cause))
	c.broadcaster.publish(Event{Type: EventDisconnected, Err: cause.Error()})
	c.scheduleReconnect()
}

func (c *Client) probe() error {
	return c.transport.Alive()
}

// onHealthFailure reacts to a failed liveness probe. If the process died
// outright the exit callback already ran; this path covers a wedged or
// orphaned child.
func (c *Client) onHealthFailure(cause error) {
	c.mu.Lock()
	if c.closing || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.buf.reset()
	c.mu.Unlock()

	log.Warn("liveness probe failed, restarting tool server", "error", cause)
	_ = c.transport.Stop()
	c.failAllPending(fmt.Errorf("%w: %v", ErrNotRunning, cause))
	c.broadcaster.publish(Event{Type: EventDisconnected, Err: cause.Error()})
	c.scheduleReconnect()
}

// scheduleReconnect arms the next reconnect attempt with exponential backoff,
// or transitions to the terminal reconnect_failed state once the budget is
// spent.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closing || c.terminal {
		c.mu.Unlock()
		return
	}
	c.reconnects++
	attempt := c.reconnects
	if attempt > c.cfg.MaxReconnectAttempts {
		c.terminal = true
		c.mu.Unlock()
		log.Error("reconnect attempts exhausted", "attempts", c.cfg.MaxReconnectAttempts)
		c.broadcaster.publish(Event{Type: EventReconnectFailed, Err: ErrReconnectFailed.Error()})
		return
	}
	delay := reconnectBackoff(c.cfg.ReconnectDelay.value(), attempt)
	c.mu.Unlock()

	log.Info("scheduling reconnect", "attempt", attempt, "delay", delay)
	c.broadcaster.publish(Event{Type: EventReconnecting, Attempt: attempt, Delay: delay})

	timer := time.AfterFunc(delay, c.reconnect)
	c.mu.Lock()
	if c.closing {
		timer.Stop()
	} else {
		c.reconnectTimer = timer
	}
	c.mu.Unlock()
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closing || c.terminal {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout.value()+startupGraceWindow)
	defer cancel()

	if err := c.start(ctx); err != nil {
		log.Warn("reconnect attempt failed", "error", err)
		_ = c.transport.Stop()
		c.scheduleReconnect()
		return
	}
}
