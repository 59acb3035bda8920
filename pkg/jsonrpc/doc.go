// Package jsonrpc defines the JSON-RPC 2.0 messages exchanged between the injected
// provider, the background engine and the upstream node, together with the structured
// error shape every layer reports failures in.
//
// # Messages
//
// A single stream carries three kinds of message:
//
//   - Request: has a method and a non-null id and expects exactly one Response.
//   - Response: has an id and either a result or an error.
//   - Notification: has a method and no id. The background uses notifications for
//     out-of-band events such as chainChanged, accountsChanged and eth_subscription.
//
// Decode parses any of them into a Message and Kind tells them apart.
//
// # Errors
//
// Error is the only failure shape that crosses a context boundary. Codes follow
// JSON-RPC 2.0, EIP-1474 and EIP-1193:
//
//	CodeParseError          -32700  body is not JSON
//	CodeInvalidRequest      -32600  not a valid request object
//	CodeMethodNotFound      -32601
//	CodeInvalidParams       -32602
//	CodeInternal            -32603
//	CodeInvalidInput        -32000  also used for upstream HTTP failures
//	CodeResourceNotFound    -32001  e.g. unknown or evicted filter id
//	CodeResourceUnavailable -32002  upstream unreachable or timed out
//	CodeMethodNotSupported  -32004  no middleware handled the request
//	CodeLimitExceeded       -32005  rate limited
//	CodeUserRejected          4001
//	CodeUnauthorized          4100
//	CodeUnsupportedMethod     4200
//	CodeDisconnected          4900  the provider lost its stream
//	CodeChainDisconnected     4901
//	CodeUnrecognizedChain     4902
//
// Two errors are considered equal by errors.Is when their codes match, so callers
// can test for a class of failure without caring about the message:
//
//	if errors.Is(err, jsonrpc.ErrDisconnected) { ... }
package jsonrpc
