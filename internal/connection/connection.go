// Package connection implements the Connection Engine: one socket, a read
// pump and write pump, framing, inbound/outbound queues, flow throttling,
// optional tracing, lifecycle callbacks, and a call table — per spec.md
// §4.3. The engine owns its socket exclusively; no other package touches
// conn directly.
// file: internal/connection/connection.go
package connection

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"

	"github.com/dkoosis/wiremux/internal/auth"
	"github.com/dkoosis/wiremux/internal/buserror"
	"github.com/dkoosis/wiremux/internal/calltable"
	"github.com/dkoosis/wiremux/internal/frame"
	"github.com/dkoosis/wiremux/internal/logging"
	"github.com/dkoosis/wiremux/internal/metrics"
	"github.com/dkoosis/wiremux/internal/registry"
	"github.com/dkoosis/wiremux/internal/substrate"
	"github.com/dkoosis/wiremux/internal/wire"
)

var logger = logging.GetLogger("connection")

// Lifecycle states, modeled with qmuntal/stateless the same way the
// teacher's per-connection manager models MCP session state.
type State string

const (
	StateConnecting      State = "connecting"
	StateAuthenticating  State = "authenticating"
	StateReady           State = "ready"
	StateClosing         State = "closing"
	StateClosed          State = "closed"
)

type trigger string

const (
	triggerAuthStart    trigger = "auth_start"
	triggerAuthDisabled trigger = "auth_disabled"
	triggerAuthOK       trigger = "auth_ok"
	triggerAuthFailed   trigger = "auth_failed"
	triggerClose        trigger = "close"
	triggerClosed       trigger = "closed"
)

// authResponseMethod is the request method name a peer uses to answer an
// auth_challenge signal. It is handled internally by dispatchOne rather
// than routed through the attached Registry.
const authResponseMethod = "auth_response"

// Event identifies a lifecycle notification delivered to callbacks
// registered with OnEvent.
type Event string

const (
	// EventClosed fires exactly once, the first time Close completes.
	EventClosed Event = "closed"
)

// Callback receives lifecycle events for a Connection.
type Callback func(conn *Connection, event Event)

// Config mirrors spec.md §6's per-Connection configuration surface.
type Config struct {
	Timeout               time.Duration
	MaxMessageSize        int
	MaxIncomingMessages   int
	MaxConcurrentHandlers int // 0 disables bounding; Spawn runs unbounded.
	Trace                 io.Writer
	Metrics               *metrics.Collector // nil disables instrumentation.
	Authenticator         auth.Authenticator  // nil disables the handshake: Run fires auth_disabled immediately.
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxMessageSize:      1024000,
		MaxIncomingMessages: 100,
	}
}

// Connection owns one socket and runs its read pump, write pump, and
// dispatch loop on dedicated goroutines. Frames and outgoing messages pass
// between them through channels; the remaining shared state (closed flag,
// callbacks, auth challenge, call table) is guarded by mutexes.
type Connection struct {
	id       string
	sub      substrate.Substrate
	conn     net.Conn
	cfg      Config
	registry *registry.Registry
	spawner  *substrate.BoundedSpawner // nil unless cfg.MaxConcurrentHandlers > 0

	localName string
	peerName  string

	calls *calltable.CallTable
	sm    *stateless.StateMachine
	watch *substrate.ToggleWatch

	authChallenge []byte // guarded by mu; set while StateAuthenticating

	inbound  chan []byte
	outbound chan *wire.Message

	mu        sync.Mutex
	closed    bool
	everReady bool
	callbacks []Callback

	done chan struct{}
}

// New constructs a Connection over an already-accepted/dialed socket. reg
// may be nil, in which case inbound requests and signals are logged and
// dropped (spec.md §4.3 dispatch: "else log and drop").
func New(sub substrate.Substrate, conn net.Conn, cfg Config, reg *registry.Registry) *Connection {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	if cfg.MaxIncomingMessages <= 0 {
		cfg.MaxIncomingMessages = DefaultConfig().MaxIncomingMessages
	}

	c := &Connection{
		id:        uuid.NewString(),
		sub:       sub,
		conn:      conn,
		cfg:       cfg,
		registry:  reg,
		localName: conn.LocalAddr().String(),
		peerName:  conn.RemoteAddr().String(),
		inbound:   make(chan []byte, cfg.MaxIncomingMessages),
		outbound:  make(chan *wire.Message, 256),
		watch:     substrate.NewToggleWatch(),
		done:      make(chan struct{}),
	}
	c.calls = calltable.New(sub, cfg.Timeout, func() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordTimeout()
		}
	})
	if cfg.MaxConcurrentHandlers > 0 {
		c.spawner = substrate.NewBoundedSpawner(cfg.MaxConcurrentHandlers)
	}
	c.buildStateMachine()
	return c
}

func (c *Connection) buildStateMachine() {
	c.sm = stateless.NewStateMachine(StateConnecting)
	c.sm.Configure(StateConnecting).
		Permit(triggerAuthStart, StateAuthenticating).
		Permit(triggerAuthDisabled, StateReady).
		Permit(triggerAuthOK, StateReady).
		Permit(triggerAuthFailed, StateClosing).
		Permit(triggerClose, StateClosing)
	c.sm.Configure(StateAuthenticating).
		Permit(triggerAuthOK, StateReady).
		Permit(triggerAuthFailed, StateClosing).
		Permit(triggerClose, StateClosing)
	c.sm.Configure(StateReady).
		Permit(triggerClose, StateClosing)
	c.sm.Configure(StateClosing).
		Permit(triggerClosed, StateClosed)
	c.sm.Configure(StateClosed)
}

// ID returns this connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// LocalName returns the local socket's address.
func (c *Connection) LocalName() string { return c.localName }

// PeerName returns the remote socket's address, used by Server.GetClient's
// glob matching.
func (c *Connection) PeerName() string { return c.peerName }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return c.sm.MustState().(State)
}

// ReachedReady reports whether the connection ever entered StateReady,
// even if it has since closed. server.go uses this to distinguish a
// connection that failed during handshake from one that served traffic
// and closed normally.
func (c *Connection) ReachedReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.everReady
}

// markReady records that the connection has reached StateReady, for
// ReachedReady to report after the connection later closes.
func (c *Connection) markReady() {
	c.mu.Lock()
	c.everReady = true
	c.mu.Unlock()
}

// MarkReady transitions the connection out of CONNECTING/AUTHENTICATING
// once authentication has completed (or is disabled). While a configured
// Authenticator keeps the connection in AUTHENTICATING, dispatchOne drops
// every inbound message except the peer's auth_response request.
func (c *Connection) MarkReady() error {
	if err := c.sm.Fire(triggerAuthOK); err != nil {
		return err
	}
	c.markReady()
	return nil
}

// OnEvent registers a lifecycle callback. Per spec.md §3, ConnectionClosed
// fires exactly once regardless of how many times Close is called.
func (c *Connection) OnEvent(cb Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Run starts the read pump, write pump, and dispatch loop, and — if an
// Authenticator is configured — begins the auth handshake by issuing a
// challenge. It returns immediately; the connection runs until Close is
// called or the peer goes away.
func (c *Connection) Run() {
	c.sub.Spawn(c.readPump)
	c.sub.Spawn(c.writePump)

	if c.cfg.Authenticator == nil {
		_ = c.sm.Fire(triggerAuthDisabled)
		c.markReady()
		return
	}
	c.sub.Spawn(c.beginAuthentication)
}

// beginAuthentication transitions into AUTHENTICATING and sends the peer an
// auth_challenge signal. The handshake completes in dispatchOne, which
// intercepts the peer's auth_response request.
func (c *Connection) beginAuthentication() {
	if err := c.sm.Fire(triggerAuthStart); err != nil {
		logger.Error("failed to enter authenticating state", "peer", c.peerName, "error", err)
		c.Close()
		return
	}

	challenge, err := c.cfg.Authenticator.Challenge()
	if err != nil {
		logger.Error("authenticator failed to produce a challenge", "peer", c.peerName, "error", err)
		c.Close()
		return
	}

	c.mu.Lock()
	c.authChallenge = challenge
	c.mu.Unlock()

	if err := c.SendSignal("auth_challenge", base64.StdEncoding.EncodeToString(challenge)); err != nil {
		logger.Error("failed to send auth_challenge", "peer", c.peerName, "error", err)
		c.Close()
	}
}

// waitForReadWatch blocks while the read watch is disabled, waking
// periodically to recheck. It returns false if the connection closed
// while waiting, telling readPump to stop.
func (c *Connection) waitForReadWatch() bool {
	for !c.watch.Enabled() {
		select {
		case <-c.done:
			return false
		case <-time.After(5 * time.Millisecond):
		}
	}
	return true
}

// readPump implements spec.md §4.3's read pump: accumulate bytes, extract
// complete frames, and push them onto the inbound queue. When the queue is
// saturated it disables the read watch (spec.md §4.2 step 3) — pausing
// further socket reads until the queue drains enough to accept the
// in-flight frame, at which point the watch re-enables itself (spec.md §8
// scenario 7).
func (c *Connection) readPump() {
	var buf bytes.Buffer
	readBuf := make([]byte, 16*1024)

	for {
		if !c.waitForReadWatch() {
			return
		}

		n, err := c.conn.Read(readBuf)
		if n > 0 {
			buf.Write(readBuf[:n])

			for {
				start, end, status := frame.Scan(buf.Bytes())
				if status == frame.Invalid {
					logger.Warn("protocol error: non-whitespace before '{'", "peer", c.peerName)
					c.Close()
					return
				}
				if status != frame.Complete {
					break
				}
				raw := make([]byte, end-start+1)
				copy(raw, buf.Bytes()[start:end+1])
				remaining := append([]byte(nil), buf.Bytes()[end+1:]...)
				buf.Reset()
				buf.Write(remaining)

				select {
				case c.inbound <- raw:
				default:
					c.watch.Disable()
					if c.cfg.Metrics != nil {
						c.cfg.Metrics.RecordThrottle()
					}
					select {
					case c.inbound <- raw:
						c.watch.Enable()
					case <-c.done:
						return
					}
				}
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.RecordMessageIn()
				}
			}

			if buf.Len() > c.cfg.MaxMessageSize {
				logger.Warn("message exceeds max_message_size, closing", "peer", c.peerName, "size", buf.Len())
				c.Close()
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("read pump error", "peer", c.peerName, "error", err)
			}
			c.Close()
			return
		}
	}
}

// writePump implements spec.md §4.3's write pump: drain the outbound
// queue, serializing each message with 2-space indentation for
// traceability.
func (c *Connection) writePump() {
	for {
		select {
		case msg := <-c.outbound:
			raw, err := wire.Encode(msg)
			if err != nil {
				logger.Error("failed to encode outgoing message", "error", err)
				continue
			}
			c.traceMessage(raw, false)
			if _, err := c.conn.Write(raw); err != nil {
				logger.Debug("write pump error", "peer", c.peerName, "error", err)
				c.Close()
				return
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordMessageOut()
			}
		case <-c.done:
			return
		}
	}
}

// Dispatch drains the inbound queue on the caller's goroutine until the
// connection closes. The Server (or a direct client) must call this in a
// loop — kept as an explicit call rather than an internally spawned
// goroutine so tests can single-step dispatch deterministically; production
// callers run it via Substrate.Spawn immediately after Run.
func (c *Connection) Dispatch() {
	for {
		select {
		case raw := <-c.inbound:
			c.dispatchOne(raw)
		case <-c.done:
			return
		}
	}
}

func (c *Connection) dispatchOne(raw []byte) {
	c.traceMessage(raw, true)

	msg, err := wire.Decode(raw)
	if err != nil {
		logger.Warn("protocol error decoding frame, closing", "peer", c.peerName, "error", err)
		c.Close()
		return
	}

	if c.cfg.Authenticator != nil && c.State() == StateAuthenticating {
		if msg.Kind() == wire.KindRequest && msg.Method == authResponseMethod {
			c.handleAuthResponse(msg)
			return
		}
		logger.Debug("dropping message received before authentication completed", "peer", c.peerName, "method", msg.Method)
		return
	}

	switch msg.Kind() {
	case wire.KindResponse:
		c.calls.Deliver(*msg.ID, msg)
	case wire.KindRequest, wire.KindSignal:
		if c.registry == nil {
			logger.Debug("no registry attached, dropping inbound message", "method", msg.Method)
			return
		}
		dispatch := func() {
			start := time.Now()
			errCode := c.registry.Dispatch(msg, c)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.RecordDispatch(msg.Method, time.Since(start), errCode)
			}
		}
		if c.spawner != nil {
			if err := c.spawner.Submit(dispatch); err != nil {
				logger.Warn("dispatch pool rejected task, running inline", "error", err)
				dispatch()
			}
		} else {
			c.sub.Spawn(dispatch)
		}
	}
}

// handleAuthResponse verifies the peer's answer to the outstanding
// auth_challenge, promoting the connection to READY on success or closing
// it on failure. It is reached only while StateAuthenticating.
func (c *Connection) handleAuthResponse(msg *wire.Message) {
	id := *msg.ID

	var args []json.RawMessage
	if err := json.Unmarshal(msg.Params, &args); err != nil || len(args) == 0 {
		_ = c.SendError(id, buserror.New(buserror.CodeInvalidCall, "auth_response expects one argument", nil))
		c.Close()
		return
	}
	var encoded string
	if err := json.Unmarshal(args[0], &encoded); err != nil {
		_ = c.SendError(id, buserror.New(buserror.CodeInvalidCall, "auth_response argument must be a base64 string", nil))
		c.Close()
		return
	}
	response, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		_ = c.SendError(id, buserror.New(buserror.CodeInvalidCall, "auth_response argument is not valid base64", nil))
		c.Close()
		return
	}

	c.mu.Lock()
	challenge := c.authChallenge
	c.mu.Unlock()

	identity, ok := c.cfg.Authenticator.Verify(challenge, response)
	if !ok {
		_ = c.SendError(id, buserror.New(buserror.CodeInvalidCall, "authentication failed", nil))
		_ = c.sm.Fire(triggerAuthFailed)
		logger.Warn("authentication failed, closing", "peer", c.peerName)
		c.Close()
		return
	}

	c.mu.Lock()
	c.peerName = identity
	c.mu.Unlock()

	if err := c.sm.Fire(triggerAuthOK); err != nil {
		logger.Error("failed to promote connection to ready after successful auth", "error", err)
		c.Close()
		return
	}
	c.markReady()
	_ = c.SendMethodReturn(id, true)
}

// PushOutgoing enqueues msg for the write pump. Per spec.md §4.3, a closed
// connection discards outgoing messages: once closed, PushOutgoing enqueues
// nothing and returns an error.
func (c *Connection) PushOutgoing(msg *wire.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("connection: push_outgoing on closed connection")
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("connection: push_outgoing on closed connection")
	}
}

// SendMethodReturn builds and enqueues {jsonrpc, id, result}.
func (c *Connection) SendMethodReturn(id int64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("connection: failed to marshal result: %w", err)
	}
	return c.PushOutgoing(wire.NewResult(id, raw))
}

// SendError builds and enqueues {jsonrpc, id, error}.
func (c *Connection) SendError(id int64, bErr *buserror.Error) error {
	return c.PushOutgoing(wire.NewError(id, bErr.ToWire()))
}

// SendSignal builds and enqueues {jsonrpc, method, params} with no id.
func (c *Connection) SendSignal(name string, args ...any) error {
	params, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("connection: failed to marshal signal params: %w", err)
	}
	return c.PushOutgoing(wire.NewSignal(name, params))
}

// CallMethod sends a method call and blocks until a reply arrives, the
// call times out, or the connection closes — unifying the synchronous and
// asynchronous call paths by always registering a callback internally and
// waiting on a rendezvous (spec.md §9 Design Note).
func (c *Connection) CallMethod(method string, args []any, timeout time.Duration) (json.RawMessage, error) {
	rv := c.sub.NewRendezvous()
	if _, err := c.CallMethodAsync(method, args, timeout, func(m *wire.Message) { rv.Resolve(m) }); err != nil {
		return nil, err
	}
	reply := rv.Wait().(*wire.Message)
	if reply.Error != nil {
		return nil, buserror.New(reply.Error.Code, reply.Error.Message, reply.Error.Data)
	}
	return reply.Result, nil
}

// CallMethodAsync sends a method call and registers reply as the callback
// invoked exactly once with the peer's reply, a synthetic Timeout, or a
// synthetic disconnect error. It returns the allocated call id.
func (c *Connection) CallMethodAsync(method string, args []any, timeout time.Duration, reply calltable.ReplyFunc) (int64, error) {
	params, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("connection: failed to marshal call params: %w", err)
	}
	id := c.calls.NextID()
	if err := c.PushOutgoing(wire.NewRequest(id, method, params)); err != nil {
		return 0, err
	}
	c.calls.Register(id, timeout, reply)
	return id, nil
}

// traceMessage appends the incoming/outgoing trace record spec.md §6
// describes, when tracing is enabled.
func (c *Connection) traceMessage(raw []byte, incoming bool) {
	if c.cfg.Trace == nil {
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	if incoming {
		fmt.Fprintf(c.cfg.Trace, "%s <- %s (incoming)\n%s\n\n", c.localName, c.peerName, pretty.String())
	} else {
		fmt.Fprintf(c.cfg.Trace, "%s -> %s (outgoing)\n%s\n\n", c.localName, c.peerName, pretty.String())
	}
}

// Close is idempotent: it disables further I/O, closes the socket,
// discards queued outgoing messages, completes every outstanding call with
// a synthetic disconnect error, and fires EventClosed exactly once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	callbacks := append([]Callback(nil), c.callbacks...)
	c.mu.Unlock()

	close(c.done)
	c.watch.Stop()
	_ = c.sm.Fire(triggerClose)
	_ = c.sm.Fire(triggerClosed)

	if conn, ok := c.conn.(interface{ CloseWrite() error }); ok {
		_ = conn.CloseWrite()
	}
	err := c.conn.Close()

	c.calls.CloseAll()
	if c.spawner != nil {
		c.spawner.Stop()
	}

	for _, cb := range callbacks {
		cb := cb
		c.sub.Defer(func() { cb(c, EventClosed) })
	}

	return err
}

var _ registry.Responder = (*Connection)(nil)
