package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CodeParseError          = -32700
	CodeInvalidRequest      = -32600
	CodeMethodNotFound      = -32601
	CodeInvalidParams       = -32602
	CodeInternal            = -32603
	CodeInvalidInput        = -32000
	CodeResourceNotFound    = -32001
	CodeResourceUnavailable = -32002
	CodeMethodNotSupported  = -32004
	CodeLimitExceeded       = -32005

	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
)

var (
	ErrDisconnected       = NewError(CodeDisconnected, "disconnected")
	ErrMethodNotSupported = NewError(CodeMethodNotSupported, "method not supported")
	ErrFilterNotFound     = NewError(CodeResourceNotFound, "filter not found")
	ErrInvalidResponse    = NewError(CodeInternal, "invalid response")
)

// Error is a JSON-RPC error object. Its message is always safe to show to the page.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// WithData returns a copy of e carrying data. Unmarshalable data is dropped.
func (e *Error) WithData(data any) *Error {
	cp := *e
	if raw, err := json.Marshal(data); err == nil {
		cp.Data = raw
	}
	return &cp
}

// AsError extracts a *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
