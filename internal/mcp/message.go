package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version marker written on
// every outbound message.
const jsonrpcVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ID is a JSON-RPC correlation id. The protocol allows numbers and
// strings; requests we originate always use numbers.
type ID struct {
	num      int64
	str      string
	isString bool
}

// NumberID returns a numeric id.
func NumberID(n int64) *ID { return &ID{num: n} }

// StringID returns a string id.
func StringID(s string) *ID { return &ID{str: s, isString: true} }

// Key returns a value that uniquely identifies the id for use as a map
// key. Numeric 1 and string "1" produce different keys.
func (id *ID) Key() string {
	if id == nil {
		return ""
	}
	if id.isString {
		return "s:" + id.str
	}
	return "n:" + strconv.FormatInt(id.num, 10)
}

// Int64 returns the numeric value and whether the id is numeric.
func (id *ID) Int64() (int64, bool) {
	if id == nil || id.isString {
		return 0, false
	}
	return id.num, true
}

func (id *ID) String() string {
	if id == nil {
		return "<nil>"
	}
	if id.isString {
		return strconv.Quote(id.str)
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isString {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler. Non-integer numbers are
// rejected.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID{str: s, isString: true}
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %s: must be an integer or string", data)
	}
	*id = ID{num: n}
	return nil
}

// Message is the JSON-RPC 2.0 envelope used for requests, notifications,
// and responses. Absent fields are never serialized; the "jsonrpc"
// version marker is added on encode and not retained on decode.
type Message struct {
	ID     *ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *RPCError
}

// wireMessage is the on-the-wire shape of [Message].
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		JSONRPC: jsonrpcVersion,
		ID:      m.ID,
		Method:  m.Method,
		Params:  m.Params,
		Result:  m.Result,
		Error:   m.Error,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown fields are ignored.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:     w.ID,
		Method: w.Method,
		Params: w.Params,
		Result: w.Result,
		Error:  w.Error,
	}
	return nil
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether m is a fire-and-forget message.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.ID != nil || m.Result != nil || m.Error != nil)
}

// Validate checks the envelope invariants: a request or notification
// carries a method and no result or error; a response carries exactly
// one of result or error.
func (m *Message) Validate() error {
	if m.Method != "" {
		if m.Result != nil || m.Error != nil {
			return errors.New("request must not carry result or error")
		}
		return nil
	}
	hasResult := m.Result != nil
	hasError := m.Error != nil
	switch {
	case hasResult && hasError:
		return errors.New("response carries both result and error")
	case !hasResult && !hasError:
		return errors.New("message has neither method, result, nor error")
	}
	return nil
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest creates a request with a numeric id. params may be nil,
// a json.RawMessage, or any value that marshals to JSON.
func NewRequest(id int64, method string, params any) (*Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{ID: NumberID(id), Method: method, Params: raw}, nil
}

// NewNotification creates a notification (no id, no response expected).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{Method: method, Params: raw}, nil
}

// NewResult creates a success response for id. A nil result is encoded
// as an empty object so the response still carries a result.
func NewResult(id *ID, result any) (*Message, error) {
	raw, err := marshalPayload(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if raw == nil {
		raw = json.RawMessage(`{}`)
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response for id.
func NewErrorResponse(id *ID, code int, message string) *Message {
	return &Message{ID: id, Error: &RPCError{Code: code, Message: message}}
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
