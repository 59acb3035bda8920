package mux

import (
	"context"
	"sync"
)

type pipePort struct {
	in         <-chan []byte
	out        chan<- []byte
	closed     chan struct{}
	peerClosed <-chan struct{}
	once       sync.Once
}

// NewPipe returns two connected in-memory ports, the analogue of in-page messaging.
// Each direction holds at most one undelivered message.
func NewPipe() (Port, Port) {
	ab := make(chan []byte, 1)
	ba := make(chan []byte, 1)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &pipePort{in: ba, out: ab, closed: aClosed, peerClosed: bClosed}
	b := &pipePort{in: ab, out: ba, closed: bClosed, peerClosed: aClosed}
	return a, b
}

func (p *pipePort) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, ErrClosed
	case <-p.peerClosed:
		// Deliver what the peer wrote before closing.
		select {
		case data := <-p.in:
			return data, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipePort) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	default:
	}

	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-p.peerClosed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
