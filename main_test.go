package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miguelrdp/iron/pkg/engine"
	"github.com/miguelrdp/iron/pkg/forwarder"
	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/mux"
	"github.com/miguelrdp/iron/pkg/provider"
	"github.com/miguelrdp/iron/pkg/wallet"
)

type nodeService struct {
	chainID uint64
	head    uint64
}

func (s *nodeService) ChainId() hexutil.Uint64     { return hexutil.Uint64(s.chainID) }
func (s *nodeService) BlockNumber() hexutil.Uint64 { return hexutil.Uint64(s.head) }

func newNode(t *testing.T, chainID, head uint64) string {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", &nodeService{chainID: chainID, head: head}))
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ts.Close()
		server.Stop()
	})
	return ts.URL
}

func testConfig(networks ...wallet.Network) *Config {
	return &Config{
		EnvConfig: EnvConfig{
			Network:            networks[0].Name,
			RequestTimeout:     5 * time.Second,
			MaxInFlight:        8,
			RateBurst:          1,
			FilterPollInterval: time.Hour,
			FilterIdleTimeout:  time.Hour,
		},
		Networks: networks,
	}
}

func startApp(t *testing.T, cfg *Config) (*App, string) {
	t.Helper()
	app, err := NewApp(context.Background(), cfg, nil, NewMetricsWithRegistry(prometheus.NewRegistry()), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(app.Host.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(app.Close)
	return app, "ws" + strings.TrimPrefix(ts.URL, "http") + hostListenEndpoint
}

func startHost(t *testing.T, eng *engine.Engine, cfg HostConfig) (*Host, string) {
	t.Helper()
	host := NewHost(eng, cfg)
	ts := httptest.NewServer(host.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(host.Close)
	return host, ts.URL
}

// connectPage opens a page against the host and returns it with the provider it
// discovered.
func connectPage(t *testing.T, ctx context.Context, wsURL string) (*Page, *provider.Provider) {
	t.Helper()

	page, err := OpenPage(ctx, wsURL, PageConfig{RequestTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = page.Close() })

	providers := page.Registry().Providers()
	require.Len(t, providers, 1)
	assert.Equal(t, walletRDNS, providers[0].Info.RDNS)

	p := page.Provider()
	require.NotNil(t, p)
	return page, p
}

func dialRaw(t *testing.T, ctx context.Context, baseURL string) *mux.Stream {
	t.Helper()
	port, err := mux.DialWebsocket(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+hostListenEndpoint, nil)
	require.NoError(t, err)
	channel := mux.New(ctx, port, mux.Config{})
	t.Cleanup(func() { channel.Close() })

	stream, err := channel.Open("raw")
	require.NoError(t, err)
	return stream
}

func receiveMessage(t *testing.T, s *mux.Stream) jsonrpc.Message {
	t.Helper()
	select {
	case data, ok := <-s.Messages():
		require.True(t, ok, "stream closed")
		msg, err := jsonrpc.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return jsonrpc.Message{}
	}
}

func TestBridge_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	anvilURL := newNode(t, 31337, 0x15)
	localURL := newNode(t, 1337, 0x99)
	app, wsURL := startApp(t, testConfig(
		wallet.Network{Name: "anvil", ChainID: 31337, RPCURL: anvilURL},
		wallet.Network{Name: "local", ChainID: 1337, RPCURL: localURL},
	))
	_, p := connectPage(t, ctx, wsURL)

	require.NoError(t, p.Init(ctx))
	assert.Equal(t, "0x7a69", p.ChainID())
	assert.Empty(t, p.Accounts())

	direct, err := forwarder.Dial(ctx, forwarder.Config{URL: anvilURL})
	require.NoError(t, err)
	defer direct.Close()
	req, err := jsonrpc.NewRequest(1, "eth_chainId", nil)
	require.NoError(t, err)
	want, err := direct.Forward(ctx, req)
	require.NoError(t, err)

	got, err := p.Request(ctx, "eth_chainId", nil)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	head, err := p.Request(ctx, "eth_blockNumber", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x15"`, string(head))

	_, err = p.Request(ctx, "eth_sendTransaction", []any{map[string]any{}})
	rpcErr, ok := jsonrpc.AsError(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeUnsupportedMethod, rpcErr.Code)

	require.NoError(t, app.VerifyEndpoint(ctx))

	t.Run("switching networks notifies the page", func(t *testing.T) {
		changed := make(chan string, 1)
		p.On(provider.EventChainChanged, func(payload any) { changed <- payload.(string) })

		_, err := p.Request(ctx, "wallet_switchEthereumChain", []any{map[string]string{"chainId": "0x539"}})
		require.NoError(t, err)

		select {
		case chainID := <-changed:
			assert.Equal(t, "0x539", chainID)
		case <-time.After(3 * time.Second):
			t.Fatal("chainChanged was not delivered")
		}
		assert.Equal(t, "0x539", p.ChainID())

		head, err := p.Request(ctx, "eth_blockNumber", nil)
		require.NoError(t, err)
		assert.JSONEq(t, `"0x99"`, string(head))
	})
}

func TestApp_VerifyEndpointRejectsForeignChain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app, _ := startApp(t, testConfig(
		wallet.Network{Name: "sepolia", ChainID: 11155111, RPCURL: newNode(t, 1, 0x10)},
	))
	err := app.VerifyEndpoint(ctx)
	require.ErrorIs(t, err, ErrChainIDMismatch)
	assert.Contains(t, err.Error(), "sepolia")

	unreachable, _ := startApp(t, testConfig(
		wallet.Network{Name: "down", ChainID: 1, RPCURL: "http://127.0.0.1:1"},
	))
	err = unreachable.VerifyEndpoint(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrChainIDMismatch)
}

func TestBridge_FiltersAreDroppedWithTheSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	app, wsURL := startApp(t, testConfig(
		wallet.Network{Name: "anvil", ChainID: 31337, RPCURL: newNode(t, 31337, 0x15)},
	))
	page, p := connectPage(t, ctx, wsURL)

	id, err := p.Request(ctx, "eth_newBlockFilter", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(id))

	changes, err := p.Request(ctx, "eth_getFilterChanges", []string{"0x1"})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(changes))
	assert.Equal(t, 1, app.Filters.Count())

	require.NoError(t, page.Close())
	require.Eventually(t, func() bool { return app.Filters.Count() == 0 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return app.Host.Hub().Count() == 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestHost_MalformedMessages(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	router := engine.NewRouter()
	router.Handle("ping", func(c *engine.Context) { c.Succeed("pong") })
	_, url := startHost(t, engine.New(engine.Config{}, router.Middleware()), HostConfig{})
	s := dialRaw(t, ctx, url)

	require.NoError(t, s.Send(ctx, []byte(`not json`)))
	msg := receiveMessage(t, s)
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.CodeParseError, msg.Error.Code)
	assert.JSONEq(t, `null`, string(msg.ID))

	require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":7}`)))
	msg = receiveMessage(t, s)
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, msg.Error.Code)
	assert.JSONEq(t, `7`, string(msg.ID))

	// Notifications from the page get no reply.
	require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","method":"ping"}`)))
	require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":"a","method":"ping"}`)))
	msg = receiveMessage(t, s)
	assert.JSONEq(t, `"a"`, string(msg.ID))
	assert.JSONEq(t, `"pong"`, string(msg.Result))

	require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":8,"method":"nope"}`)))
	msg = receiveMessage(t, s)
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotSupported, msg.Error.Code)
}

func TestHost_InFlightLimit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	router := engine.NewRouter()
	router.Handle("slow", func(c *engine.Context) {
		select {
		case <-release:
			c.Succeed(true)
		case <-c.Context.Done():
			c.Fail(c.Context.Err(), "cancelled")
		}
	})
	metrics := NewMetricsWithRegistry(prometheus.NewRegistry())
	_, url := startHost(t, engine.New(engine.Config{}, router.Middleware()), HostConfig{Metrics: metrics, MaxInFlight: 1})
	s := dialRaw(t, ctx, url)

	require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"slow"}`)))
	require.NoError(t, s.Send(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"slow"}`)))

	msg := receiveMessage(t, s)
	assert.JSONEq(t, `2`, string(msg.ID))
	require.NotNil(t, msg.Error)
	assert.Equal(t, jsonrpc.CodeLimitExceeded, msg.Error.Code)

	close(release)
	msg = receiveMessage(t, s)
	assert.JSONEq(t, `1`, string(msg.ID))
	assert.JSONEq(t, `true`, string(msg.Result))
}

func TestHost_Healthz(t *testing.T) {
	t.Parallel()

	_, url := startHost(t, engine.New(engine.Config{}), HostConfig{})

	resp, err := http.Get(url + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Sessions)
}

func TestHost_AllowedOrigins(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, url := startHost(t, engine.New(engine.Config{}), HostConfig{AllowedOrigins: []string{"chrome-extension://iron"}})
	wsURL := "ws" + strings.TrimPrefix(url, "http") + hostListenEndpoint

	_, err := mux.DialWebsocket(ctx, wsURL, http.Header{"Origin": {"https://evil.example"}})
	assert.ErrorIs(t, err, mux.ErrDialingWebsocket)

	port, err := mux.DialWebsocket(ctx, wsURL, http.Header{"Origin": {"chrome-extension://iron"}})
	require.NoError(t, err)
	require.NoError(t, port.Close())
}

func TestSessionHub_Broadcast(t *testing.T) {
	t.Parallel()

	hub := NewSessionHub(nil)
	var got []string
	hub.Add(engine.NewSession("a", "", func(method string, params any) error {
		got = append(got, method+":"+params.(string))
		return nil
	}))
	hub.Add(engine.NewSession("b", "", func(string, any) error { return assert.AnError }))
	assert.Equal(t, 2, hub.Count())

	hub.Broadcast("chainChanged", "0x1")
	assert.Equal(t, []string{"chainChanged:0x1"}, got)

	hub.Remove("a")
	hub.Remove("b")
	assert.Equal(t, 0, hub.Count())
}

func TestPage_AnnouncesProviderAndFailsWithoutHost(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, wsURL := startApp(t, testConfig(
		wallet.Network{Name: "anvil", ChainID: 31337, RPCURL: newNode(t, 31337, 0x15)},
	))
	page, p := connectPage(t, ctx, wsURL)

	legacy, ok := page.Registry().Legacy()
	require.True(t, ok)
	assert.Equal(t, walletName, legacy.Info.Name)
	assert.Same(t, p, legacy.Provider)

	page.Registry().RequestProviders()
	assert.Len(t, page.Registry().Providers(), 1)

	_, err := OpenPage(ctx, "ws://127.0.0.1:1"+hostListenEndpoint, PageConfig{})
	assert.Error(t, err)
}
