package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/provider"
)

// fakeStream records outgoing payloads and lets the test inject incoming ones.
type fakeStream struct {
	sent     chan jsonrpc.Request
	inbound  chan []byte
	closeOne sync.Once
	sendErr  error
}

func newFakeStream() *fakeStream {
	return &fakeStream{sent: make(chan jsonrpc.Request, 64), inbound: make(chan []byte, 64)}
}

func (s *fakeStream) Send(_ context.Context, payload []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	s.sent <- req
	return nil
}

func (s *fakeStream) Messages() <-chan []byte { return s.inbound }

func (s *fakeStream) push(raw string) { s.inbound <- []byte(raw) }

func (s *fakeStream) close() { s.closeOne.Do(func() { close(s.inbound) }) }

func (s *fakeStream) nextRequest(t *testing.T) jsonrpc.Request {
	t.Helper()
	select {
	case req := <-s.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request sent")
		return jsonrpc.Request{}
	}
}

func (s *fakeStream) reply(t *testing.T, req jsonrpc.Request, result string) {
	t.Helper()
	s.push(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`)
}

type callResult struct {
	result json.RawMessage
	err    error
}

func requestAsync(p *provider.Provider, method string) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		res, err := p.Request(context.Background(), method, []any{})
		ch <- callResult{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callResult) callResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("request did not resolve")
		return callResult{}
	}
}

func TestProvider_OutOfOrderResponses(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	first := requestAsync(p, "eth_blockNumber")
	firstReq := stream.nextRequest(t)
	second := requestAsync(p, "eth_gasPrice")
	secondReq := stream.nextRequest(t)
	assert.NotEqual(t, string(firstReq.ID), string(secondReq.ID))

	stream.reply(t, secondReq, `"0x2"`)
	stream.reply(t, firstReq, `"0x1"`)

	r1 := await(t, first)
	require.NoError(t, r1.err)
	assert.JSONEq(t, `"0x1"`, string(r1.result))

	r2 := await(t, second)
	require.NoError(t, r2.err)
	assert.JSONEq(t, `"0x2"`, string(r2.result))
	assert.Zero(t, p.Pending())
}

func TestProvider_ErrorResponse(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	call := requestAsync(p, "eth_foo")
	req := stream.nextRequest(t)
	stream.push(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32004,"message":"method not supported"}}`)

	r := await(t, call)
	assert.ErrorIs(t, r.err, jsonrpc.ErrMethodNotSupported)
}

func TestProvider_ConnectEmittedOnceAfterFirstRoundTrip(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	connects := make(chan provider.ConnectInfo, 2)
	p.On(provider.EventConnect, func(v any) { connects <- v.(provider.ConnectInfo) })
	assert.False(t, p.IsConnected())

	call := requestAsync(p, "eth_chainId")
	stream.reply(t, stream.nextRequest(t), `"0x1"`)
	require.NoError(t, await(t, call).err)

	call = requestAsync(p, "eth_chainId")
	stream.reply(t, stream.nextRequest(t), `"0x1"`)
	require.NoError(t, await(t, call).err)

	select {
	case info := <-connects:
		assert.Equal(t, "0x1", info.ChainID)
	case <-time.After(2 * time.Second):
		t.Fatal("connect was not emitted")
	}
	assert.True(t, p.IsConnected())
	assert.Equal(t, "0x1", p.ChainID())

	stream.close()
	<-p.Done()
	assert.Empty(t, connects)
}

func TestProvider_ConnectWaitsForSuccessfulRoundTrip(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	connects := make(chan provider.ConnectInfo, 2)
	p.On(provider.EventConnect, func(v any) { connects <- v.(provider.ConnectInfo) })

	call := requestAsync(p, "eth_foo")
	req := stream.nextRequest(t)
	stream.push(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32004,"message":"method not supported"}}`)
	require.Error(t, await(t, call).err)
	assert.False(t, p.IsConnected())

	// A successful answer without a known chain id does not connect either.
	call = requestAsync(p, "eth_blockNumber")
	stream.reply(t, stream.nextRequest(t), `"0x10"`)
	require.NoError(t, await(t, call).err)
	assert.False(t, p.IsConnected())

	call = requestAsync(p, "eth_chainId")
	stream.reply(t, stream.nextRequest(t), `"0x7a69"`)
	require.NoError(t, await(t, call).err)
	assert.True(t, p.IsConnected())

	stream.close()
	<-p.Done()
	require.Len(t, connects, 1)
	assert.Equal(t, "0x7a69", (<-connects).ChainID)
}

func TestProvider_ListenerMayCallRequest(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	requeried := make(chan callResult, 1)
	p.On(provider.EventChainChanged, func(any) {
		res, err := p.Request(context.Background(), "eth_accounts", nil)
		requeried <- callResult{res, err}
	})

	stream.push(`{"jsonrpc":"2.0","method":"chainChanged","params":"0x5"}`)
	req := stream.nextRequest(t)
	assert.Equal(t, "eth_accounts", req.Method)
	stream.reply(t, req, `["0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"]`)

	r := await(t, requeried)
	require.NoError(t, r.err)
	assert.JSONEq(t, `["0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"]`, string(r.result))
	assert.Zero(t, p.Pending())

	// A listener still busy with its own request does not hold up the disconnect.
	block := make(chan struct{})
	p.On(provider.EventAccountsChanged, func(any) {
		_, _ = p.Request(context.Background(), "eth_chainId", nil)
		close(block)
	})
	stream.push(`{"jsonrpc":"2.0","method":"accountsChanged","params":[]}`)
	stream.nextRequest(t)
	stream.close()

	select {
	case <-block:
	case <-time.After(2 * time.Second):
		t.Fatal("listener request was not rejected on disconnect")
	}
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not processed")
	}
	assert.Zero(t, p.Pending())
}

func TestProvider_DisconnectRejectsAllPending(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	var disconnects atomic.Int32
	p.On(provider.EventDisconnect, func(v any) {
		disconnects.Add(1)
		assert.ErrorIs(t, v.(error), jsonrpc.ErrDisconnected)
	})

	const n = 5
	calls := make([]<-chan callResult, n)
	for i := range calls {
		calls[i] = requestAsync(p, "eth_blockNumber")
		stream.nextRequest(t)
	}
	require.Equal(t, n, p.Pending())

	stream.close()

	for _, call := range calls {
		r := await(t, call)
		assert.ErrorIs(t, r.err, jsonrpc.ErrDisconnected)
	}
	<-p.Done()
	assert.Equal(t, int32(1), disconnects.Load())
	assert.Zero(t, p.Pending())

	_, err := p.Request(context.Background(), "eth_chainId", nil)
	assert.ErrorIs(t, err, jsonrpc.ErrDisconnected)
	assert.False(t, p.IsConnected())
}

func TestProvider_DropsUnmatchedAndMalformed(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	stream.push(`{"jsonrpc":"2.0","id":999,"result":"0xdead"}`)
	stream.push(`{"jsonrpc":"2.0","result":"0xdead"}`)
	stream.push(`{"jsonrpc":"2.0","id":"foreign","result":"0xdead"}`)
	stream.push(`not json`)

	call := requestAsync(p, "eth_chainId")
	stream.reply(t, stream.nextRequest(t), `"0x1"`)
	r := await(t, call)
	require.NoError(t, r.err)
	assert.JSONEq(t, `"0x1"`, string(r.result))
}

func TestProvider_Timeout(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{RequestTimeout: 50 * time.Millisecond})

	call := requestAsync(p, "eth_blockNumber")
	req := stream.nextRequest(t)

	r := await(t, call)
	rpcErr, ok := jsonrpc.AsError(r.err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeResourceUnavailable, rpcErr.Code)
	assert.Zero(t, p.Pending())

	// The late answer has no owner any more and must not resolve anything.
	stream.reply(t, req, `"0x10"`)
	call = requestAsync(p, "eth_chainId")
	stream.reply(t, stream.nextRequest(t), `"0x1"`)
	r = await(t, call)
	require.NoError(t, r.err)
	assert.JSONEq(t, `"0x1"`, string(r.result))
}

func TestProvider_SendFailure(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	stream.sendErr = errors.New("channel closed")
	p := provider.New(stream, provider.Config{})

	_, err := p.Request(context.Background(), "eth_chainId", nil)
	assert.ErrorIs(t, err, jsonrpc.ErrDisconnected)
	assert.Zero(t, p.Pending())
}

func TestProvider_MaxPending(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{MaxPending: 1})

	_ = requestAsync(p, "eth_blockNumber")
	stream.nextRequest(t)

	_, err := p.Request(context.Background(), "eth_chainId", nil)
	assert.ErrorIs(t, err, jsonrpc.NewError(jsonrpc.CodeLimitExceeded, ""))
}

func TestProvider_Notifications(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	chains := make(chan any, 2)
	accounts := make(chan any, 1)
	messages := make(chan any, 1)
	p.On(provider.EventChainChanged, func(v any) { chains <- v })
	p.On(provider.EventAccountsChanged, func(v any) { accounts <- v })
	p.On(provider.EventMessage, func(v any) { messages <- v })

	stream.push(`{"jsonrpc":"2.0","method":"chainChanged","params":"0x5"}`)
	stream.push(`{"jsonrpc":"2.0","method":"chainChanged","params":{"chainId":"0x7a69","networkVersion":"anvil"}}`)
	stream.push(`{"jsonrpc":"2.0","method":"accountsChanged","params":["0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"]}`)
	stream.push(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0x1","result":{"number":"0x10"}}}`)

	assert.Equal(t, "0x5", <-chains)
	assert.Equal(t, "0x7a69", <-chains)
	assert.Equal(t, []string{"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"}, <-accounts)

	msg := (<-messages).(provider.Message)
	assert.Equal(t, "eth_subscription", msg.Type)
	assert.JSONEq(t, `{"subscription":"0x1","result":{"number":"0x10"}}`, string(msg.Data))

	assert.Equal(t, "0x7a69", p.ChainID())
	assert.Equal(t, []string{"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"}, p.Accounts())
}

func TestProvider_RemoveListenerAndPanics(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	var removedCalls atomic.Int32
	id := p.On(provider.EventChainChanged, func(any) { removedCalls.Add(1) })
	p.On(provider.EventChainChanged, func(any) { panic("listener bug") })
	seen := make(chan any, 1)
	p.On(provider.EventChainChanged, func(v any) { seen <- v })

	assert.True(t, p.RemoveListener(provider.EventChainChanged, id))
	assert.False(t, p.RemoveListener(provider.EventChainChanged, id))

	stream.push(`{"jsonrpc":"2.0","method":"chainChanged","params":"0x1"}`)
	assert.Equal(t, "0x1", <-seen)
	assert.Zero(t, removedCalls.Load())
}

func TestProvider_SendAsync(t *testing.T) {
	t.Parallel()

	stream := newFakeStream()
	p := provider.New(stream, provider.Config{})

	type outcome struct {
		err  error
		resp *jsonrpc.Response
	}
	done := make(chan outcome, 2)
	cb := func(err error, resp *jsonrpc.Response) { done <- outcome{err, resp} }

	p.SendAsync(context.Background(), jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`"abc"`), Method: "eth_chainId"}, cb)
	req := stream.nextRequest(t)
	assert.Equal(t, "eth_chainId", req.Method)
	stream.reply(t, req, `"0x1"`)

	o := <-done
	require.NoError(t, o.err)
	assert.JSONEq(t, `"abc"`, string(o.resp.ID))
	assert.JSONEq(t, `"0x1"`, string(o.resp.Result))

	p.SendAsync(context.Background(), jsonrpc.Request{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "eth_foo"}, cb)
	req = stream.nextRequest(t)
	stream.push(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32004,"message":"method not supported"}}`)

	o = <-done
	require.Error(t, o.err)
	require.NotNil(t, o.resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotSupported, o.resp.Error.Code)
	assert.JSONEq(t, `7`, string(o.resp.ID))
}
