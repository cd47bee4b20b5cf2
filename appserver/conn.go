package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// transport is the byte-level channel to the agent process. agentProcess is
// the real implementation; tests substitute their own.
type transport interface {
	ReadLine() ([]byte, error)
	WriteJSON(v any) error
	Stop() error
	Exited() <-chan error
}

// pendingCall tracks one in-flight request awaiting its response.
type pendingCall struct {
	ch      chan callResult
	method  string
	summary string
}

type callResult struct {
	result json.RawMessage
	err    error
}

// NotificationHandler receives agent notifications in arrival order. It runs
// on the read loop, so it must not block on the connection.
type NotificationHandler func(method string, params json.RawMessage)

// Conn manages a long-lived agent subprocess speaking newline-delimited
// JSON-RPC 2.0 over its stdio. It correlates responses to requests by id,
// dispatches agent-initiated requests to the approval gate, and fans
// notifications out to a handler.
type Conn struct {
	pending  map[int64]*pendingCall
	proc     transport
	idGen    *idGenerator
	notifyFn NotificationHandler
	logger   *slog.Logger
	aux      *auxForwarder
	done     chan struct{}
	config   Config
	failure  error
	mu       sync.Mutex
	readWg   sync.WaitGroup
	started  bool
	closing  bool
}

// NewConn creates a connection with options. Start must be called before
// any thread or turn operation.
func NewConn(opts ...Option) *Conn {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.Gate == nil {
		config.Gate = NewGate(DeclineAllPolicy())
	}

	return &Conn{
		config:  config,
		idGen:   &idGenerator{},
		pending: make(map[int64]*pendingCall),
		done:    make(chan struct{}),
		logger:  config.Logger,
	}
}

// OnNotification registers the notification handler. Register before Start
// so no early notification is missed.
func (c *Conn) OnNotification(fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyFn = fn
}

// Start spawns the agent process and performs the initialize handshake.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	proc := newAgentProcess()
	if err := proc.Start(ctx, c.config); err != nil {
		return err
	}
	if c.config.StderrHandler != nil {
		c.readWg.Add(1)
		proc.startStderrReader(c.config.StderrHandler, c.readWg.Done)
	}
	return c.start(ctx, proc)
}

// start wires an already-running transport into the connection and runs the
// handshake. Split from Start so tests can inject a transport.
func (c *Conn) start(ctx context.Context, proc transport) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.proc = proc
	c.started = true
	c.aux = newAuxForwarder(c.logger)
	c.mu.Unlock()

	c.readWg.Add(2)
	go c.readLoop()
	go c.watchExit()

	if err := c.initialize(ctx); err != nil {
		c.Close()
		return err
	}
	return nil
}

// initialize sends the handshake request and, once the agent answers, the
// initialized notification that unblocks the agent's event stream.
func (c *Conn) initialize(ctx context.Context) error {
	params := InitializeParams{
		ClientInfo: ClientInfo{
			Name:    c.config.ClientName,
			Version: c.config.ClientVersion,
		},
	}

	result, err := c.call(ctx, MethodInitialize, params)
	if err != nil {
		return err
	}

	var resp InitializeResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return &ProtocolError{Message: "bad initialize response", Line: string(result), Cause: err}
	}
	c.logger.Debug("agent initialized",
		"agent", resp.AgentInfo.Name, "version", resp.AgentInfo.Version,
		"user_agent", resp.UserAgent)

	return c.notify(MethodInitialized, struct{}{})
}

// Close tears the connection down: in-flight callers get ErrConnClosed, the
// process is stopped, and the read loop is drained. Safe to call more than
// once and after an agent crash.
func (c *Conn) Close() error {
	c.mu.Lock()
	if !c.started || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	if c.failure == nil {
		c.failure = ErrConnClosed
	}
	c.mu.Unlock()

	close(c.done)
	c.failPending(ErrConnClosed)
	c.aux.Close()

	err := c.proc.Stop()
	c.readWg.Wait()
	return err
}

// Done is closed when the connection can no longer make progress, whether
// from Close or from the agent dying underneath us.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection stopped. Nil while the connection is live.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// watchExit observes the agent process exiting. An exit before Close is a
// crash: every waiter is failed with the exit details so nothing hangs on a
// response that will never arrive.
func (c *Conn) watchExit() {
	defer c.readWg.Done()
	select {
	case <-c.done:
		return
	case waitErr, ok := <-c.proc.Exited():
		if !ok {
			return
		}
		perr := exitError(waitErr)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.closing = true
		c.failure = perr
		c.mu.Unlock()

		c.logger.Error("agent process exited unexpectedly",
			"exit_code", perr.ExitCode, "signal", perr.Signal)
		close(c.done)
		c.failPending(perr)
	}
}

// failPending rejects every in-flight call with err.
func (c *Conn) failPending(err error) {
	c.mu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		calls = append(calls, pc)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, pc := range calls {
		select {
		case pc.ch <- callResult{err: err}:
		default:
		}
	}
}

// readLoop pulls lines off the agent's stdout until EOF or teardown.
func (c *Conn) readLoop() {
	defer c.readWg.Done()
	for {
		select {
		case <-c.done:
			return
		default:
		}

		line, err := c.proc.ReadLine()
		if err != nil {
			if err != io.EOF && !c.isClosing() {
				c.logger.Error("agent stdout read failed", "error", err)
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		c.handleMessage(line)
	}
}

func (c *Conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// handleMessage routes one classified message. Malformed lines are logged
// and dropped; the agent cannot kill the read loop with garbage.
func (c *Conn) handleMessage(line []byte) {
	c.aux.Forward(line)

	msg, err := classifyMessage(line)
	if err != nil {
		c.logger.Warn("dropping malformed agent message", "error", err)
		return
	}

	switch msg.Kind {
	case inboundResponse:
		c.handleResponse(msg)
	case inboundNotification:
		c.handleNotification(msg)
	case inboundRequest:
		go c.serveRequest(msg)
	}
}

// handleResponse delivers a response to its waiter. Responses for unknown
// ids are ignored: the waiter may have timed out and cleaned up already.
func (c *Conn) handleResponse(msg inboundMessage) {
	c.mu.Lock()
	pc, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request id", "id", msg.ID)
		return
	}

	res := callResult{result: msg.Result}
	if msg.Err != nil {
		res.err = &RPCError{
			Code:    msg.Err.Code,
			Message: msg.Err.Message,
			Method:  pc.method,
			Request: pc.summary,
		}
	}
	select {
	case pc.ch <- res:
	default:
	}
}

// handleNotification invokes the registered handler. A panicking handler
// is contained so it cannot take the read loop down with it.
func (c *Conn) handleNotification(msg inboundMessage) {
	c.mu.Lock()
	fn := c.notifyFn
	c.mu.Unlock()

	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked", "method", msg.Method, "panic", r)
		}
	}()
	fn(msg.Method, msg.Params)
}

// serveRequest answers one agent-initiated request through the gate. Runs
// on its own goroutine so a slow policy cannot stall the read loop. A
// panicking policy is answered with an internal error instead of crashing
// the process.
func (c *Conn) serveRequest(msg inboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("agent request handler panicked", "method", msg.Method, "panic", r)
			if !c.isClosing() {
				c.sendErrorResponse(msg.ID, ErrCodeInternalError, "internal error")
			}
		}
	}()

	result, err := c.config.Gate.Handle(context.Background(), msg.Method, msg.Params)

	if c.isClosing() {
		return
	}

	if err != nil {
		var unsupported *UnsupportedMethodError
		code := ErrCodeInternalError
		if errors.As(err, &unsupported) {
			code = ErrCodeMethodNotFound
		}
		c.logger.Warn("agent request failed", "method", msg.Method, "error", err)
		c.sendErrorResponse(msg.ID, code, err.Error())
		return
	}
	c.sendResponse(msg.ID, result)
}

func (c *Conn) sendResponse(id int64, result any) {
	resp, err := newResponse(id, result)
	if err != nil {
		c.sendErrorResponse(id, ErrCodeInternalError, err.Error())
		return
	}
	if werr := c.proc.WriteJSON(resp); werr != nil {
		c.logger.Warn("failed to send response", "id", id, "error", werr)
	}
}

func (c *Conn) sendErrorResponse(id int64, code int, message string) {
	if err := c.proc.WriteJSON(newErrorResponse(id, code, message)); err != nil {
		c.logger.Warn("failed to send error response", "id", id, "error", err)
	}
}

// call sends a request and blocks for its response or for teardown.
func (c *Conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	if c.closing {
		err := c.failure
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	id := c.idGen.Next()
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	// Re-check closing under the registration lock: a teardown that ran
	// since the entry check has already swept the pending map, and an
	// entry added now would never be fulfilled.
	pc := &pendingCall{
		ch:      make(chan callResult, 1),
		method:  method,
		summary: requestSummary(method, req.Params),
	}
	c.mu.Lock()
	if c.closing {
		err := c.failure
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.proc.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-c.done:
		c.mu.Lock()
		delete(c.pending, id)
		err := c.failure
		c.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify sends a fire-and-forget notification to the agent.
func (c *Conn) notify(method string, params any) error {
	n, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return c.proc.WriteJSON(n)
}
