// Package mux splits one physical message channel into independently named logical streams.
//
// The bridge crosses two hops: page to content (an in-memory Pipe here) and content to
// background (a websocket). Each hop is a Port. A Mux reads envelopes off its Port and
// routes them by stream name:
//
//	{"stream": "provider", "payload": {"jsonrpc": "2.0", "id": 1, "method": "eth_chainId"}}
//
// # Guarantees
//
//   - Payloads on one stream are delivered in the order they were sent. Nothing is
//     promised across streams.
//   - Writes are serialized, so at most one envelope per direction is in flight.
//     Inbound payloads wait in a small per-stream buffer; when it is full the reader
//     blocks rather than queueing without bound.
//   - When the Port fails or the Mux is closed, every stream's disconnect handlers run
//     exactly once, from the teardown path, and its Messages channel is closed.
//
// # Roles
//
// The side that starts a conversation calls Open. The other side sets
// Config.AcceptRemote and receives the peer's streams from Accept, the way a
// net.Listener hands out connections. Relay wires the content context: streams
// accepted from the page are paired with identically named streams to the background.
package mux
