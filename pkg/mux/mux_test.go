package mux_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miguelrdp/iron/pkg/mux"
)

func newPipeMuxes(t *testing.T, ctx context.Context, acceptRemote bool) (*mux.Mux, *mux.Mux) {
	t.Helper()

	pa, pb := mux.NewPipe()
	a := mux.New(ctx, pa, mux.Config{})
	b := mux.New(ctx, pb, mux.Config{AcceptRemote: acceptRemote})
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func receive(t *testing.T, s *mux.Stream) string {
	t.Helper()

	select {
	case msg, ok := <-s.Messages():
		require.True(t, ok, "stream closed")
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestMux_OpenAcceptRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	page, content := newPipeMuxes(t, ctx, true)

	out, err := page.Open("provider")
	require.NoError(t, err)
	require.NoError(t, out.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`)))

	in, err := content.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, "provider", in.Name())
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"eth_chainId"}`, receive(t, in))

	require.NoError(t, in.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"result":"0x1"}`)))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`, receive(t, out))
}

func TestMux_OrderWithinStream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	page, content := newPipeMuxes(t, ctx, true)

	first, err := page.Open("first")
	require.NoError(t, err)
	second, err := page.Open("second")
	require.NoError(t, err)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			_ = first.Send(ctx, []byte(fmt.Sprint(i)))
			_ = second.Send(ctx, []byte(fmt.Sprint(i*10)))
		}
	}()

	accepted := map[string]*mux.Stream{}
	for len(accepted) < 2 {
		s, err := content.Accept(ctx)
		require.NoError(t, err)
		accepted[s.Name()] = s
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprint(i), receive(t, accepted["first"]))
		assert.Equal(t, fmt.Sprint(i*10), receive(t, accepted["second"]))
	}
}

func TestMux_TeardownDisconnectsEveryStreamOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	page, content := newPipeMuxes(t, ctx, true)

	var fired [3]atomic.Int32
	streams := make([]*mux.Stream, 3)
	for i := range streams {
		s, err := page.Open(fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		idx := i
		s.OnDisconnect(func(err error) {
			assert.ErrorIs(t, err, mux.ErrClosed)
			fired[idx].Add(1)
		})
		streams[i] = s
	}

	require.NoError(t, content.Close())

	select {
	case <-page.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("page mux did not observe teardown")
	}

	for i, s := range streams {
		assert.Equal(t, int32(1), fired[i].Load())
		_, ok := <-s.Messages()
		assert.False(t, ok)
		assert.ErrorIs(t, s.Send(ctx, []byte(`{}`)), mux.ErrClosed)
	}

	late := make(chan error, 1)
	streams[0].OnDisconnect(func(err error) { late <- err })
	assert.ErrorIs(t, <-late, mux.ErrClosed)
	assert.Equal(t, int32(1), fired[0].Load())

	_, err := page.Open("after")
	assert.ErrorIs(t, err, mux.ErrClosed)
}

func TestMux_UnknownStreamDropped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	page, content := newPipeMuxes(t, ctx, false)

	syncIn, err := content.Open("sync")
	require.NoError(t, err)

	unknown, err := page.Open("unknown")
	require.NoError(t, err)
	syncOut, err := page.Open("sync")
	require.NoError(t, err)

	require.NoError(t, unknown.Send(ctx, []byte(`"dropped"`)))
	require.NoError(t, syncOut.Send(ctx, []byte(`"barrier"`)))
	assert.Equal(t, `"barrier"`, receive(t, syncIn))

	late, err := content.Open("unknown")
	require.NoError(t, err)
	require.NoError(t, unknown.Send(ctx, []byte(`"kept"`)))
	assert.Equal(t, `"kept"`, receive(t, late))
}

func TestMux_OpenErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	page, _ := newPipeMuxes(t, ctx, false)

	_, err := page.Open("")
	assert.ErrorIs(t, err, mux.ErrInvalidStreamName)

	_, err = page.Open("provider")
	require.NoError(t, err)
	_, err = page.Open("provider")
	assert.ErrorIs(t, err, mux.ErrStreamExists)
}

func TestMux_ContextCancellationClosesMux(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	page, _ := newPipeMuxes(t, ctx, false)
	s, err := page.Open("provider")
	require.NoError(t, err)

	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream not disconnected after cancellation")
	}
	assert.ErrorIs(t, page.Err(), mux.ErrClosed)
}

func TestMux_Websocket(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m := mux.New(ctx, mux.NewWebsocketPort(conn), mux.Config{AcceptRemote: true})
		for {
			s, err := m.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				for msg := range s.Messages() {
					_ = s.Send(ctx, msg)
				}
			}()
		}
	}))
	defer server.Close()

	port, err := mux.DialWebsocket(ctx, "ws://"+strings.TrimPrefix(server.URL, "http://"), nil)
	require.NoError(t, err)
	client := mux.New(ctx, port, mux.Config{})
	defer client.Close()

	s, err := client.Open("provider")
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, []byte(`{"echo":true}`)))
	assert.JSONEq(t, `{"echo":true}`, receive(t, s))

	_, err = mux.DialWebsocket(ctx, "ws://127.0.0.1:1", nil)
	assert.ErrorIs(t, err, mux.ErrDialingWebsocket)
}

func TestRelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, contentPage := newPipeMuxes(t, ctx, true)
	contentBackground, background := newPipeMuxes(t, ctx, true)

	go func() { _ = mux.Relay(ctx, contentPage, contentBackground) }()

	disconnected := make(chan struct{})
	go func() {
		s, err := background.Accept(ctx)
		if err != nil {
			return
		}
		s.OnDisconnect(func(error) { close(disconnected) })
		for msg := range s.Messages() {
			_ = s.Send(ctx, msg)
		}
	}()

	s, err := page.Open("provider")
	require.NoError(t, err)
	require.NoError(t, s.Send(ctx, []byte(`{"hop":3}`)))
	assert.JSONEq(t, `{"hop":3}`, receive(t, s))

	require.NoError(t, page.Close())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("background stream survived page teardown")
	}
}

func TestRelay_UnopenableStreamDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, contentPage := newPipeMuxes(t, ctx, true)
	contentBackground, background := newPipeMuxes(t, ctx, true)

	// A stream of that name already exists on the far side, so relaying it fails.
	_, err := contentBackground.Open("provider")
	require.NoError(t, err)

	go func() { _ = mux.Relay(ctx, contentPage, contentBackground) }()
	go func() {
		for {
			s, err := background.Accept(ctx)
			if err != nil {
				return
			}
			go func() {
				for msg := range s.Messages() {
					_ = s.Send(ctx, msg)
				}
			}()
		}
	}()

	stuck, err := page.Open("provider")
	require.NoError(t, err)
	for i := range 3 * mux.DefaultConfig.StreamBufferSize {
		require.NoError(t, stuck.Send(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	sync, err := page.Open("sync")
	require.NoError(t, err)
	require.NoError(t, sync.Send(ctx, []byte(`"ping"`)))
	assert.Equal(t, `"ping"`, receive(t, sync))
}
