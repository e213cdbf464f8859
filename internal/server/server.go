// Package server implements the bus Server: it accepts connections on a
// stream listener, owns the connection list, and provides fan-out
// operations (SendSignal, CallMethod with first-response-wins semantics)
// across all currently connected clients, per spec.md §4.6.
// file: internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path"
	"sync"
	"time"

	"github.com/dkoosis/wiremux/internal/buserror"
	"github.com/dkoosis/wiremux/internal/connection"
	"github.com/dkoosis/wiremux/internal/fsm"
	"github.com/dkoosis/wiremux/internal/logging"
	"github.com/dkoosis/wiremux/internal/metrics"
	"github.com/dkoosis/wiremux/internal/registry"
	"github.com/dkoosis/wiremux/internal/substrate"
	"github.com/dkoosis/wiremux/internal/wire"
)

var logger = logging.GetLogger("server")

// Lifecycle states and events for the Server-level FSM, built on the kept
// looplab/fsm wrapper.
const (
	StateStarting fsm.State = "starting"
	StateListening fsm.State = "listening"
	StateDraining  fsm.State = "draining"
	StateStopped   fsm.State = "stopped"

	EventListen fsm.Event = "listen"
	EventDrain  fsm.Event = "drain"
	EventStop   fsm.Event = "stop"
)

// Event identifies a server-wide connection lifecycle notification.
type Event string

const (
	// EventConnectionClosed fires once per connection, when that connection
	// closes.
	EventConnectionClosed Event = "connection_closed"
	// EventLastConnectionClosed fires once when the connection count drops
	// to zero, after EventConnectionClosed has already fired for the last
	// connection.
	EventLastConnectionClosed Event = "last_connection_closed"
)

// Callback receives server-wide connection lifecycle notifications.
type Callback func(event Event, conn *connection.Connection)

// Config controls how the Server builds each accepted Connection.
type Config struct {
	ConnectionConfig connection.Config
	Registry         *registry.Registry
	Metrics          *metrics.Collector // nil disables instrumentation.
}

// Server accepts connections on a listener and owns the resulting
// connection list. Unlike Connection, which owns exactly one socket,
// Server owns N of them and provides operations that fan out across all of
// them.
type Server struct {
	listener net.Listener
	cfg      Config
	sub      substrate.Substrate
	lifecycle fsm.FSM

	mu          sync.Mutex
	connections []*connection.Connection
	callbacks   []Callback
}

// New wraps an already-listening net.Listener. Callers choose the network
// and address (unix socket, tcp, etc.) per spec.md §6.
func New(listener net.Listener, cfg Config) *Server {
	s := &Server{
		listener: listener,
		cfg:      cfg,
		sub:      substrate.New(),
	}
	s.lifecycle = fsm.NewFSM(StateStarting, logging.GetLogger("server.lifecycle"))
	s.lifecycle.AddTransition(fsm.Transition{From: []fsm.State{StateStarting}, To: StateListening, Event: EventListen})
	s.lifecycle.AddTransition(fsm.Transition{From: []fsm.State{StateListening}, To: StateDraining, Event: EventDrain})
	s.lifecycle.AddTransition(fsm.Transition{From: []fsm.State{StateDraining, StateStarting, StateListening}, To: StateStopped, Event: EventStop})
	if err := s.lifecycle.Build(); err != nil {
		logger.Error("failed to build server lifecycle FSM", "error", err)
	}
	return s
}

// OnEvent registers a callback for connection lifecycle notifications.
func (s *Server) OnEvent(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// Serve runs the accept loop until the listener is closed by Stop. It
// blocks the calling goroutine; callers typically run it via go s.Serve().
func (s *Server) Serve() error {
	if err := s.lifecycle.Transition(context.Background(), EventListen, nil); err != nil {
		logger.Warn("server lifecycle transition to listening failed", "error", err)
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			logger.Debug("accept loop exiting", "error", err)
			return err
		}
		s.handleAccepted(conn)
	}
}

func (s *Server) handleAccepted(netConn net.Conn) {
	c := connection.New(s.sub, netConn, s.cfg.ConnectionConfig, s.cfg.Registry)

	c.OnEvent(func(conn *connection.Connection, event connection.Event) {
		if event == connection.EventClosed {
			s.onConnectionClosed(conn)
		}
	})

	s.mu.Lock()
	s.connections = append(s.connections, c)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordConnection(true)
	}

	c.Run()
	s.sub.Spawn(c.Dispatch)

	logger.Info("accepted connection", "peer", c.PeerName())
}

func (s *Server) onConnectionClosed(conn *connection.Connection) {
	s.mu.Lock()
	remaining := s.removeConnectionLocked(conn)
	callbacks := append([]Callback(nil), s.callbacks...)
	s.mu.Unlock()

	if s.cfg.Metrics != nil {
		if !conn.ReachedReady() {
			s.cfg.Metrics.RecordConnectionFailure()
		}
		s.cfg.Metrics.RecordConnection(false)
	}

	for _, cb := range callbacks {
		cb(EventConnectionClosed, conn)
	}
	if remaining == 0 {
		for _, cb := range callbacks {
			cb(EventLastConnectionClosed, nil)
		}
	}
}

func (s *Server) removeConnectionLocked(conn *connection.Connection) int {
	for i, c := range s.connections {
		if c == conn {
			s.connections = append(s.connections[:i], s.connections[i+1:]...)
			break
		}
	}
	return len(s.connections)
}

// matchingConnections returns a snapshot of every currently connected
// Connection whose peer name matches pattern, an fnmatch-style glob
// (stdlib path.Match). An empty pattern matches every connection.
func (s *Server) matchingConnections(pattern string) []*connection.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pattern == "" {
		return append([]*connection.Connection(nil), s.connections...)
	}
	var matched []*connection.Connection
	for _, c := range s.connections {
		ok, err := path.Match(pattern, c.PeerName())
		if err != nil {
			logger.Warn("invalid client glob pattern", "pattern", pattern, "error", err)
			continue
		}
		if ok {
			matched = append(matched, c)
		}
	}
	return matched
}

// GetClient returns the first connected client whose peer name matches
// pattern, or nil if none do.
func (s *Server) GetClient(pattern string) *connection.Connection {
	matches := s.matchingConnections(pattern)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// ConnectionCount reports how many connections are currently open.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// SendSignal emits a fire-and-forget signal to every connection whose peer
// name matches pattern (empty pattern means every connection).
func (s *Server) SendSignal(pattern, name string, args ...any) error {
	var firstErr error
	for _, c := range s.matchingConnections(pattern) {
		if err := c.SendSignal(name, args...); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CallMethod performs a method call against every connection matching
// pattern and returns the first response that arrives — first-response-wins
// fan-out, per spec.md §4.6/§8 invariant 7. If no connection matches
// pattern, it returns an error immediately.
func (s *Server) CallMethod(pattern, method string, args []any, timeout time.Duration) (json.RawMessage, error) {
	targets := s.matchingConnections(pattern)
	if len(targets) == 0 {
		return nil, fmt.Errorf("server: no connection matches pattern %q", pattern)
	}

	rv := s.sub.NewRendezvous()
	onReply := func(m *wire.Message) { rv.Resolve(fanoutResult{m: m}) }
	for _, c := range targets {
		if _, err := c.CallMethodAsync(method, args, timeout, onReply); err != nil {
			logger.Warn("fan-out call failed to enqueue on one connection", "peer", c.PeerName(), "error", err)
		}
	}

	result := rv.Wait().(fanoutResult)
	if result.m.Error != nil {
		return nil, buserror.New(result.m.Error.Code, result.m.Error.Message, result.m.Error.Data)
	}
	return result.m.Result, nil
}

// fanoutResult carries the winning reply through the Rendezvous, which is
// typed `any`.
type fanoutResult struct {
	m *wire.Message
}

// Stop transitions the server to draining, closes the listener (unblocking
// Serve's Accept loop), and closes every currently open connection.
func (s *Server) Stop() error {
	_ = s.lifecycle.Transition(context.Background(), EventDrain, nil)

	err := s.listener.Close()

	s.mu.Lock()
	conns := append([]*connection.Connection(nil), s.connections...)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}

	_ = s.lifecycle.Transition(context.Background(), EventStop, nil)
	return err
}
