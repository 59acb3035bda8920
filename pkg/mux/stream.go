package mux

import (
	"context"
	"sync"
)

// Stream is one named, ordered, bidirectional sequence of JSON payloads.
type Stream struct {
	name    string
	m       *Mux
	inbound chan []byte
	done    chan struct{}

	mu           sync.Mutex
	handlers     []func(error)
	disconnected bool
	err          error
}

func (s *Stream) Name() string { return s.name }

// Send writes one JSON payload to the peer's stream of the same name.
func (s *Stream) Send(ctx context.Context, payload []byte) error {
	return s.m.send(ctx, s, payload)
}

// Messages delivers inbound payloads in order. It is closed on disconnect.
func (s *Stream) Messages() <-chan []byte { return s.inbound }

// Done is closed once the stream is disconnected.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the disconnect cause, or nil while the stream is live.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnDisconnect registers fn to run once when the stream goes away.
// If that already happened fn runs immediately.
func (s *Stream) OnDisconnect(fn func(err error)) {
	s.mu.Lock()
	if s.disconnected {
		err := s.err
		s.mu.Unlock()
		fn(err)
		return
	}
	s.handlers = append(s.handlers, fn)
	s.mu.Unlock()
}

// disconnect is only called by the reader goroutine, which is also the only writer to inbound.
func (s *Stream) disconnect(err error) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.err = err
	handlers := s.handlers
	s.handlers = nil
	close(s.done)
	s.mu.Unlock()

	close(s.inbound)
	for _, fn := range handlers {
		fn(err)
	}
}
