package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker/v2"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
)

// isRemoteError reports whether the endpoint answered with a JSON-RPC error object.
// Those are replies, not transport failures.
func isRemoteError(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	var he rpc.HTTPError
	return !errors.As(err, &he)
}

// mapError converts any upstream failure into a *jsonrpc.Error. Remote JSON-RPC
// errors keep their code, message and data.
func mapError(err error) *jsonrpc.Error {
	if rpcErr, ok := jsonrpc.AsError(err); ok {
		return rpcErr
	}

	var he rpc.HTTPError
	if errors.As(err, &he) {
		if he.StatusCode == http.StatusTooManyRequests {
			return jsonrpc.NewError(jsonrpc.CodeLimitExceeded, "upstream rate limit exceeded")
		}
		return jsonrpc.Errorf(jsonrpc.CodeInvalidInput, "upstream responded with HTTP %d", he.StatusCode)
	}

	if isRemoteError(err) {
		var remote rpc.Error
		errors.As(err, &remote)
		out := jsonrpc.NewError(remote.ErrorCode(), remote.Error())
		var de rpc.DataError
		if errors.As(err, &de) && de.ErrorData() != nil {
			out = out.WithData(de.ErrorData())
		}
		return out
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var netErr net.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return jsonrpc.NewError(jsonrpc.CodeResourceUnavailable, "upstream unavailable: circuit open")
	case errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewError(jsonrpc.CodeResourceUnavailable, "upstream request timed out")
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewError(jsonrpc.CodeInternal, "request cancelled")
	case errors.Is(err, ethereum.NotFound):
		return jsonrpc.NewError(jsonrpc.CodeResourceNotFound, "not found")
	case errors.Is(err, rpc.ErrNoResult):
		return jsonrpc.NewError(jsonrpc.CodeInternal, "invalid upstream response: missing result")
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
		return jsonrpc.NewError(jsonrpc.CodeInternal, "invalid upstream response")
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return jsonrpc.NewError(jsonrpc.CodeResourceUnavailable, "upstream request timed out")
		}
		return jsonrpc.NewError(jsonrpc.CodeResourceUnavailable, "upstream unreachable")
	default:
		return jsonrpc.NewError(jsonrpc.CodeResourceUnavailable, "upstream request failed")
	}
}
