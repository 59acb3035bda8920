// Package provider is the object a page script talks to: an EIP-1193 style provider
// that turns Request calls into JSON-RPC messages on a dedicated stream and turns
// unsolicited notifications into events.
//
// Every request id is resolved exactly once: by its response, by a timeout, or by the
// synthetic disconnected error (code 4900) that every pending request receives when
// the stream goes away. A provider whose stream is gone stays disconnected; later calls
// fail immediately. Responses nobody is waiting for, such as the late answer to a
// timed out request, are dropped and logged.
//
//	p := provider.New(stream, provider.Config{RequestTimeout: 30 * time.Second})
//	p.On(provider.EventChainChanged, func(v any) { fmt.Println("chain", v) })
//	res, err := p.Request(ctx, "eth_blockNumber", nil)
package provider
