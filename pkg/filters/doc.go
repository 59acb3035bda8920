// Package filters emulates node side filters and subscriptions on top of a stateless
// JSON-RPC endpoint.
//
// eth_newFilter, eth_newBlockFilter, eth_newPendingTransactionFilter and eth_subscribe
// are answered locally. Each one records a cursor: the first block not yet scanned.
// Polling a filter sends the upstream queries for the blocks from the cursor up to the
// current head. The cursor moves past the head only when those queries succeed, so a
// failed poll loses nothing and the next poll retries the same range.
//
// Every filter carries its own cancellation context. Log and block filters also have
// an idle timer, and a filter that is not polled within Config.IdleTimeout is evicted.
// Subscriptions are polled by a goroutine every Config.PollInterval and push
// eth_subscription notifications to the session that created them. Uninstalling a
// filter, evicting it, tearing down its session or switching chains cancels the
// context and stops any upstream call still in flight.
//
// The cursor tracks block heights only. Reorganizations are not detected: a poll
// after a reorg can miss logs from replaced blocks or return logs twice.
package filters
