package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const Version = "2.0"

var nullJSON = json.RawMessage("null")

// Kind classifies a decoded Message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Request is a call that expects a Response with the same ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc" validate:"eq=2.0"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method" validate:"required,max=256,printascii"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request with a numeric id. params may be nil, a slice or a struct/map.
func NewRequest(id uint64, method string, params any) (Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Request{}, err
	}
	return Request{JSONRPC: Version, ID: IDFromUint64(id), Method: method, Params: raw}, nil
}

// PositionalParams splits array params. Absent params yield an empty slice;
// by-name (object) params are an error.
func (r Request) PositionalParams() ([]json.RawMessage, error) {
	if isAbsent(r.Params) {
		return []json.RawMessage{}, nil
	}
	var params []json.RawMessage
	if err := json.Unmarshal(r.Params, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid params: expected an array")
	}
	return params, nil
}

// BindParams decodes positional params into dst in order. Missing trailing params
// leave their destinations untouched.
func (r Request) BindParams(dst ...any) error {
	params, err := r.PositionalParams()
	if err != nil {
		return err
	}
	if len(params) > len(dst) {
		return Errorf(CodeInvalidParams, "invalid params: expected at most %d, got %d", len(dst), len(params))
	}
	for i, p := range params {
		if err := json.Unmarshal(p, dst[i]); err != nil {
			return Errorf(CodeInvalidParams, "invalid params: argument %d: %v", i, err)
		}
	}
	return nil
}

// Response carries either Result or Error for the request with the same ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func NewResultResponse(id json.RawMessage, result any) (Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

func NewErrorResponse(id json.RawMessage, rpcErr *Error) Response {
	return Response{JSONRPC: Version, ID: id, Error: rpcErr}
}

// MarshalJSON emits exactly one of result and error; a missing result is encoded as null.
func (r Response) MarshalJSON() ([]byte, error) {
	id := r.ID
	if len(id) == 0 {
		id = nullJSON
	}
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error"`
		}{Version, id, r.Error})
	}

	result := r.Result
	if len(result) == 0 {
		result = nullJSON
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  json.RawMessage `json:"result"`
	}{Version, id, result})
}

// Err returns the response error as a Go error, or nil on success.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// Notification is an id-less message pushed by the background side.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func NewNotification(method string, params any) (Notification, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Notification{}, err
	}
	return Notification{JSONRPC: Version, Method: method, Params: raw}, nil
}

// SubscriptionParams is the params object of an eth_subscription notification.
type SubscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Message is the union of every shape that can travel on a stream.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Decode parses a single JSON-RPC message. Batches are not accepted.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, Errorf(CodeParseError, "parse error: %v", err)
	}
	return msg, nil
}

func (m Message) HasID() bool {
	return !isAbsent(m.ID)
}

func (m Message) Kind() Kind {
	switch {
	case m.Method != "" && m.HasID():
		return KindRequest
	case m.Method != "":
		return KindNotification
	case m.HasID() && (len(m.Result) > 0 || m.Error != nil):
		return KindResponse
	default:
		return KindInvalid
	}
}

func (m Message) Request() Request {
	return Request{JSONRPC: m.JSONRPC, ID: m.ID, Method: m.Method, Params: m.Params}
}

func (m Message) Response() Response {
	return Response{JSONRPC: m.JSONRPC, ID: m.ID, Result: m.Result, Error: m.Error}
}

func (m Message) Notification() Notification {
	return Notification{JSONRPC: m.JSONRPC, Method: m.Method, Params: m.Params}
}

func IDFromUint64(id uint64) json.RawMessage {
	return json.RawMessage(strconv.FormatUint(id, 10))
}

// Uint64ID parses a numeric id.
func Uint64ID(id json.RawMessage) (uint64, bool) {
	n, err := strconv.ParseUint(string(bytes.TrimSpace(id)), 10, 64)
	return n, err == nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, nullJSON)
}
