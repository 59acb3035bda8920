package mux

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrDialingWebsocket = errors.New("error dialing websocket")

const DefaultHandshakeTimeout = 5 * time.Second

// WebsocketConn is the part of *websocket.Conn a WebsocketPort uses.
type WebsocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

var _ WebsocketConn = (*websocket.Conn)(nil)

// WebsocketPort carries envelopes as websocket text frames. It is the
// content-to-background hop.
type WebsocketPort struct {
	conn      WebsocketConn
	closeOnce sync.Once
	closeErr  error
}

func NewWebsocketPort(conn WebsocketConn) *WebsocketPort {
	return &WebsocketPort{conn: conn}
}

// DialWebsocket connects to a background host.
func DialWebsocket(ctx context.Context, url string, header http.Header) (*WebsocketPort, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialingWebsocket, err)
	}
	return NewWebsocketPort(conn), nil
}

// ReadMessage blocks on the connection; ctx is not consulted; Close unblocks it.
func (p *WebsocketPort) ReadMessage(_ context.Context) ([]byte, error) {
	for {
		messageType, data, err := p.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage closes the connection on failure; gorilla connections are unusable after a failed write.
func (p *WebsocketPort) WriteMessage(ctx context.Context, data []byte) error {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		p.Close()
		return err
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.Close()
		return err
	}
	return nil
}

func (p *WebsocketPort) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.conn.Close()
	})
	return p.closeErr
}
