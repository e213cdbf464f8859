// Package buserror defines the structured error type exchanged on the wire
// and the helpers used to attach categories and details to it.
// file: internal/buserror/errors.go
package buserror

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/dkoosis/wiremux/internal/wire"
)

// Category groups errors for logging and metrics purposes. It never appears
// on the wire; only Code and Message do.
type Category string

// Categories mirrored from the connection engine's error handling design:
// protocol errors are fatal to the connection, dispatch/handler errors are
// reported to the caller, transport errors are fatal.
const (
	CategoryProtocol  Category = "protocol"
	CategoryDispatch  Category = "dispatch"
	CategoryHandler   Category = "handler"
	CategoryTransport Category = "transport"
)

// Standard domain-level error codes emitted by this implementation. Unlike
// JSON-RPC 2.0's numeric codes, these are names: the wire carries a string.
const (
	CodeNotFound          = "NotFound"
	CodeInvalidCall       = "InvalidCall"
	CodeUncaughtException = "UncaughtException"
	CodeTimeout           = "Timeout"
)

// Error is the structured error object carried inside a Response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the standard error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a structured error with the given code, message and data.
func New(code, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// ToWire converts e to the wire envelope's error shape.
func (e *Error) ToWire() *wire.Error {
	return &wire.Error{Code: e.Code, Message: e.Message, Data: e.Data}
}

// NotFound builds the standard error for an unregistered method name.
func NotFound(method string) *Error {
	return New(CodeNotFound, fmt.Sprintf("method not found: %s", method), nil)
}

// InvalidCall builds the standard error for an arity mismatch.
func InvalidCall(method string, min, max, got int) *Error {
	var arity string
	switch {
	case max < 0:
		arity = fmt.Sprintf("at least %d", min)
	case min == max:
		arity = fmt.Sprintf("exactly %d", min)
	default:
		arity = fmt.Sprintf("between %d and %d", min, max)
	}
	return New(CodeInvalidCall, fmt.Sprintf("method %q expects %s argument(s), got %d", method, arity, got), nil)
}

// Uncaught wraps an unexpected panic or non-structured handler error so no
// internal detail (stack trace, Go type names) leaks to the peer.
func Uncaught() *Error {
	return New(CodeUncaughtException, "internal error while handling request", nil)
}

// TimeoutError is the synthetic error delivered when an outstanding call's
// timer fires before a reply arrives.
func TimeoutError() *Error {
	return New(CodeTimeout, "method call timed out", nil)
}

// Disconnected is the synthetic error delivered to outstanding calls when the
// connection closes before a reply arrives.
func Disconnected() *Error {
	return New(CodeTimeout, "connection closed before a reply arrived", nil)
}

// --- Internal error annotation, for server-side logging only ---.

// detail formats a key and value as a cockroachdb/errors detail in the form
// "key:value" so they round-trip through error wrapping.
func detail(key, value string) string {
	return key + ":" + value
}

// WithDetails annotates cause with a Category and a set of string properties,
// preserving the original error's stack trace and message chain.
func WithDetails(cause error, category Category, properties map[string]any) error {
	wrapped := errors.WithDetail(cause, detail("category", string(category)))
	for k, v := range properties {
		wrapped = errors.WithDetail(wrapped, detail(k, fmt.Sprintf("%v", v)))
	}
	return wrapped
}

// CategoryOf extracts the Category attached by WithDetails, if any.
func CategoryOf(err error) Category {
	for _, d := range errors.GetAllDetails(err) {
		if rest, ok := strings.CutPrefix(d, "category:"); ok {
			return Category(rest)
		}
	}
	return ""
}

// PropertiesOf extracts the key/value properties attached by WithDetails.
func PropertiesOf(err error) map[string]string {
	props := make(map[string]string)
	for _, d := range errors.GetAllDetails(err) {
		key, val, ok := strings.Cut(d, ":")
		if !ok || key == "category" {
			continue
		}
		props[key] = val
	}
	return props
}
