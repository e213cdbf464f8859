// Package wire defines the JSON-RPC 2.0 message shapes carried over a
// Connection and validates/classifies decoded envelopes.
// file: internal/wire/message.go
package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version this implementation accepts.
const Version = "2.0"

// defaultEnvelopeValidator gates every Decode call against the envelope
// schema before the struct-shape classification below runs, per spec.md §1 Non-goals
// (the schema covers only the envelope, never method parameter shapes).
var defaultEnvelopeValidator = NewEnvelopeValidator()

// Kind classifies a decoded Message.
type Kind int

const (
	// KindInvalid is any shape that is neither a Request, Response, nor Signal.
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Error is the wire representation of a structured error: a domain-level
// string code, not JSON-RPC 2.0's standard numeric codes.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Message is the envelope shape shared by requests, responses, and signals.
// Exactly one of the Request/Response/Signal shapes is populated per the
// field combination present after decoding; Kind reports which.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies the message per spec.md §3:
//   - Request:  has both ID and Method.
//   - Response: has ID plus exactly one of Result or Error.
//   - Signal:   has Method but no ID.
func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil && (m.Result != nil) != (m.Error != nil):
		return KindResponse
	case m.ID == nil && m.Method != "":
		return KindSignal
	default:
		return KindInvalid
	}
}

// NewRequest builds a request envelope.
func NewRequest(id int64, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: params}
}

// NewResult builds a success response envelope.
func NewResult(id int64, result json.RawMessage) *Message {
	return &Message{JSONRPC: Version, ID: &id, Result: result}
}

// NewError builds an error response envelope.
func NewError(id int64, err *Error) *Message {
	return &Message{JSONRPC: Version, ID: &id, Error: err}
}

// NewSignal builds a signal envelope.
func NewSignal(method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: Version, Method: method, Params: params}
}

// Decode validates raw against the envelope schema, unmarshals it into a
// Message, and classifies it. Schema failure, decoding failure, or a shape
// matching none of Request/Response/Signal is a fatal protocol error per
// spec.md §4.2/§7.
func Decode(raw []byte) (*Message, error) {
	if err := defaultEnvelopeValidator.Validate(raw); err != nil {
		return nil, err
	}

	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("wire: malformed JSON: %w", err)
	}
	if m.JSONRPC != Version {
		return nil, fmt.Errorf("wire: unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.Kind() == KindInvalid {
		return nil, fmt.Errorf("wire: message has neither request, response, nor signal shape")
	}
	return &m, nil
}

// Encode serializes a Message with 2-space indentation, matching the wire
// format's traceability requirement (spec.md §4.3 write pump step 1).
func Encode(m *Message) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}
