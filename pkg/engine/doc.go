// Package engine runs JSON-RPC requests through a fixed, ordered chain of middleware.
//
// A Handler receives a *Context. It can answer the request with Succeed or Fail,
// hand it on with Next, or do both around Next to observe the outcome:
//
//	func timing(c *engine.Context) {
//	    start := time.Now()
//	    c.Next()
//	    metrics.Observe(c.Request.Method, time.Since(start))
//	}
//
// The chain is set once in New and never reordered. Validation and local methods sit
// in front of the filter polyfill, which sits in front of the upstream forwarder. A
// request that leaves the chain unanswered gets a "method not supported" error
// (code -32004); nothing is ever dropped silently.
//
// # Errors
//
// Fail exposes the message of a *jsonrpc.Error to the page as is. Any other error is
// replaced by the fallback message with code -32603, so internal details do not leak:
//
//	if err := store.Save(x); err != nil {
//	    c.Fail(err, "failed to save selection")
//	    return
//	}
//	c.Fail(jsonrpc.Errorf(jsonrpc.CodeInvalidParams, "unknown chain %s", id), "")
//
// # Concurrency
//
// Handle may be called from many goroutines at once; the engine holds no lock of its
// own. Middleware that keeps state across requests synchronizes it itself. Per session
// state lives in Session.Storage.
package engine
