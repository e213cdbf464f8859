// Package registry implements the process-wide Handler Registry: named
// methods and signal handlers, argument-arity checking, per-dispatch
// context, and early/delayed response affordances, per spec.md §4.5.
//
// Registration is explicit rather than reflected off function annotations
// (spec.md §9 Design Note "Registry introspection via function
// annotations"): callers declare a method's arity when they register it.
// file: internal/registry/registry.go
package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dkoosis/wiremux/internal/buserror"
	"github.com/dkoosis/wiremux/internal/logging"
	"github.com/dkoosis/wiremux/internal/wire"
)

var logger = logging.GetLogger("registry")

// Responder is the subset of Connection behavior the Registry needs to
// deliver responses. Connection implements it; Registry depends on this
// narrow interface instead of importing the connection package, so
// Connection can depend on Registry without an import cycle.
type Responder interface {
	SendMethodReturn(id int64, result any) error
	SendError(id int64, err *buserror.Error) error
	PeerName() string
}

// MethodFunc handles a request. args holds the positional parameters
// decoded from the request's params array. A structured *buserror.Error
// returned here is forwarded to the caller verbatim; any other error
// becomes UncaughtException.
type MethodFunc func(ctx *Context, args []json.RawMessage) (any, error)

// SignalFunc handles a fire-and-forget signal. Any error it returns is
// logged and dropped — signals never produce a reply.
type SignalFunc func(ctx *Context, args []json.RawMessage) error

type methodEntry struct {
	fn       MethodFunc
	minArgs  int
	maxArgs  int // -1 means unbounded (variadic).
}

type signalEntry struct {
	fn      SignalFunc
	minArgs int
	maxArgs int
}

// Context is the per-dispatch record passed as a handler's first argument:
// the inbound message, the connection it arrived on, and the early/delayed
// response capability. A fresh Context is allocated for every inbound
// request so concurrent dispatches never share mutable state (spec.md §9
// Design Note, resolving Open Question (b) in favor of per-invocation
// context).
type Context struct {
	Message    *wire.Message
	Connection Responder

	mu           sync.Mutex
	responseSent bool
}

// EarlyReply sends the response immediately, before the handler returns,
// and suppresses the dispatcher's automatic reply on return. Calling it for
// a signal dispatch panics: signals have no id to reply to.
func (c *Context) EarlyReply(result any) error {
	if c.Message.ID == nil {
		panic("registry: EarlyReply called for a signal dispatch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseSent = true
	return c.Connection.SendMethodReturn(*c.Message.ID, result)
}

// EarlyError is EarlyReply's error-response counterpart.
func (c *Context) EarlyError(err *buserror.Error) error {
	if c.Message.ID == nil {
		panic("registry: EarlyError called for a signal dispatch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseSent = true
	return c.Connection.SendError(*c.Message.ID, err)
}

// DelayReply declares that the reply will be sent later, out-of-band,
// possibly from another goroutine. The dispatch loop will not send an
// automatic reply on handler return; it becomes the handler's obligation
// to eventually call EarlyReply/EarlyError, or the caller's call will time
// out (spec.md §4.5).
func (c *Context) DelayReply() {
	if c.Message.ID == nil {
		panic("registry: DelayReply called for a signal dispatch")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseSent = true
}

func (c *Context) alreadyResponded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.responseSent
}

// Registry is the process-wide table of named methods and signal handlers.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]methodEntry
	signals map[string]signalEntry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		methods: make(map[string]methodEntry),
		signals: make(map[string]signalEntry),
	}
}

// Method registers a request handler under name. minArgs/maxArgs declare
// its arity contract; pass maxArgs = -1 for a variadic handler.
func (r *Registry) Method(name string, minArgs, maxArgs int, fn MethodFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[name] = methodEntry{fn: fn, minArgs: minArgs, maxArgs: maxArgs}
}

// Signal registers a signal handler under name.
func (r *Registry) Signal(name string, minArgs, maxArgs int, fn SignalFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[name] = signalEntry{fn: fn, minArgs: minArgs, maxArgs: maxArgs}
}

func checkArity(min, max, got int) bool {
	if got < min {
		return false
	}
	if max >= 0 && got > max {
		return false
	}
	return true
}

func decodeArgs(params json.RawMessage) ([]json.RawMessage, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("registry: params is not a JSON array: %w", err)
	}
	return args, nil
}

// Dispatch routes one inbound message (already classified as Request or
// Signal) to its handler. Responses never reach Dispatch: those are routed
// to the Call Table by the Connection Engine before Dispatch is called. It
// returns the buserror code of any error sent back to the peer, or "" on
// success or for signals (which never reply), for the caller to report to
// metrics.
func (r *Registry) Dispatch(msg *wire.Message, conn Responder) string {
	switch msg.Kind() {
	case wire.KindRequest:
		return r.dispatchRequest(msg, conn)
	case wire.KindSignal:
		r.dispatchSignal(msg, conn)
		return ""
	default:
		logger.Warn("dispatch called with neither request nor signal", "kind", msg.Kind().String())
		return ""
	}
}

func (r *Registry) dispatchRequest(msg *wire.Message, conn Responder) string {
	ctx := &Context{Message: msg, Connection: conn}
	id := *msg.ID

	r.mu.RLock()
	entry, ok := r.methods[msg.Method]
	r.mu.RUnlock()

	if !ok {
		_ = conn.SendError(id, buserror.NotFound(msg.Method))
		return buserror.CodeNotFound
	}

	args, err := decodeArgs(msg.Params)
	if err != nil {
		_ = conn.SendError(id, buserror.New(buserror.CodeInvalidCall, err.Error(), nil))
		return buserror.CodeInvalidCall
	}

	if !checkArity(entry.minArgs, entry.maxArgs, len(args)) {
		_ = conn.SendError(id, buserror.InvalidCall(msg.Method, entry.minArgs, entry.maxArgs, len(args)))
		return buserror.CodeInvalidCall
	}

	result, err := invokeMethod(entry.fn, ctx, args)
	if err != nil {
		if ctx.alreadyResponded() {
			logger.Warn("handler returned an error after already responding", "method", msg.Method)
			return ""
		}
		if structured, ok := err.(*buserror.Error); ok {
			_ = conn.SendError(id, structured)
			return structured.Code
		}
		logger.Error("handler raised uncaught error", "method", msg.Method, "error", fmt.Sprintf("%+v", err))
		_ = conn.SendError(id, buserror.Uncaught())
		return buserror.CodeUncaughtException
	}

	if !ctx.alreadyResponded() {
		_ = conn.SendMethodReturn(id, result)
	}
	return ""
}

func (r *Registry) dispatchSignal(msg *wire.Message, conn Responder) {
	r.mu.RLock()
	entry, ok := r.signals[msg.Method]
	r.mu.RUnlock()

	if !ok {
		logger.Debug("no signal handler registered, dropping", "method", msg.Method)
		return
	}

	args, err := decodeArgs(msg.Params)
	if err != nil {
		logger.Warn("dropping signal with malformed params", "method", msg.Method, "error", err)
		return
	}

	if !checkArity(entry.minArgs, entry.maxArgs, len(args)) {
		logger.Warn("dropping signal due to arity mismatch", "method", msg.Method, "got", len(args))
		return
	}

	ctx := &Context{Message: msg, Connection: conn}
	if err := invokeSignal(entry.fn, ctx, args); err != nil {
		logger.Warn("signal handler returned an error", "method", msg.Method, "error", fmt.Sprintf("%+v", err))
	}
}

// invokeMethod and invokeSignal recover from handler panics, turning them
// into the same UncaughtException path a returned error takes (spec.md
// §4.5: "If it raises anything else, log the traceback and reply
// UncaughtException").
func invokeMethod(fn MethodFunc, ctx *Context, args []json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "panic", fmt.Sprintf("%v", r))
			err = buserror.Uncaught()
		}
	}()
	return fn(ctx, args)
}

func invokeSignal(fn SignalFunc, ctx *Context, args []json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("signal handler panicked", "panic", fmt.Sprintf("%v", r))
			err = fmt.Errorf("signal handler panicked: %v", r)
		}
	}()
	return fn(ctx, args)
}
