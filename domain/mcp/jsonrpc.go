// Package mcp holds the JSON-RPC 2.0 message types and Model Context
// Protocol constants shared by the transports, the session manager, and
// the bridge.
package mcp

import "encoding/json"

// Message is one JSON-RPC 2.0 message: request, notification, or response.
// A single type keeps proxying cheap; the gateway mostly moves messages
// without caring which shape they are.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // string, number, or absent
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is a JSON-RPC 2.0 error.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Gateway error codes surfaced to clients (spec'd taxonomy).
const (
	ErrCodeNotFound      = -32001 // no such backend server in project
	ErrCodeInitError     = -32002 // backend handshake failed
	ErrCodeTransportGone = -32003 // mid-session transport failure
	ErrCodeTimeout       = -32004 // deadline exceeded
	ErrCodeDecryptError  = -32005 // stored credentials unreadable
)

// NewRequest creates a request message. The id must be JSON-encoded.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	msg := &Message{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewNotification creates a notification (a request without an id).
func NewNotification(method string, params any) (*Message, error) {
	return NewRequest(nil, method, params)
}

// NewResponse creates a success response carrying a marshaled result.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: "2.0", ID: id, Result: raw}, nil
}

// NewError creates an error response.
func NewError(id json.RawMessage, code int, message string, data any) *Message {
	return &Message{
		JSONRPC: "2.0",
		ID:      id,
		Error: &ErrorObject{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}

// IsNotification reports whether the message is a request without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && len(m.ID) > 0
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0
}

// IDString returns the id for logging and sink keys. Notifications
// return "<notification>".
func (m *Message) IDString() string {
	if len(m.ID) == 0 {
		return "<notification>"
	}
	return string(m.ID)
}

// Encode marshals the message to a single JSON document.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one JSON-RPC message.
func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
