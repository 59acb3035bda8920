package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miguelrdp/iron/pkg/log"
)

var (
	ErrClosed            = errors.New("channel closed")
	ErrStreamExists      = errors.New("stream already open")
	ErrInvalidStreamName = errors.New("stream name cannot be empty")
	ErrWrite             = errors.New("error writing envelope")
)

// Port is one physical, message oriented, bidirectional channel.
// Close must be idempotent and must unblock a pending ReadMessage.
type Port interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Envelope tags a payload with its logical stream.
type Envelope struct {
	Stream  string          `json:"stream"`
	Payload json.RawMessage `json:"payload"`
}

type Config struct {
	Logger log.Logger
	// AcceptRemote makes streams opened by the peer available through Accept.
	// Without it envelopes for unknown streams are dropped.
	AcceptRemote bool
	// StreamBufferSize bounds the inbound payloads queued per stream.
	StreamBufferSize int
	// AcceptBacklog bounds the remote streams waiting for Accept.
	AcceptBacklog int
	// WriteTimeout applies to every Send whose context has no earlier deadline.
	WriteTimeout time.Duration
}

var DefaultConfig = Config{
	StreamBufferSize: 16,
	AcceptBacklog:    8,
	WriteTimeout:     5 * time.Second,
}

type Mux struct {
	port Port
	cfg  Config
	lg   log.Logger

	mu      sync.Mutex
	streams map[string]*Stream
	closed  bool
	err     error

	writeMu   sync.Mutex
	accept    chan *Stream
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New starts reading from port. The mux shuts down when ctx is cancelled,
// the port fails or Close is called.
func New(ctx context.Context, port Port, cfg Config) *Mux {
	if cfg.StreamBufferSize <= 0 {
		cfg.StreamBufferSize = DefaultConfig.StreamBufferSize
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = DefaultConfig.AcceptBacklog
	}

	m := &Mux{
		port:    port,
		cfg:     cfg,
		lg:      log.OrNoop(cfg.Logger).WithName("mux"),
		streams: make(map[string]*Stream),
		accept:  make(chan *Stream, cfg.AcceptBacklog),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	stop := context.AfterFunc(ctx, func() { m.Close() })
	go func() {
		defer stop()
		m.readLoop()
	}()
	return m
}

// Open creates a local stream. The peer learns about it with the first envelope.
func (m *Mux) Open(name string) (*Stream, error) {
	if name == "" {
		return nil, ErrInvalidStreamName
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.streams[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, name)
	}

	s := m.newStream(name)
	m.streams[name] = s
	return s, nil
}

// Accept returns the next stream opened by the peer.
func (m *Mux) Accept(ctx context.Context) (*Stream, error) {
	select {
	case s := <-m.accept:
		return s, nil
	case <-m.done:
		return nil, m.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears the mux down. Disconnect handlers run on the reader goroutine;
// use Done to wait for them.
func (m *Mux) Close() error {
	m.closeOnce.Do(func() {
		close(m.closing)
	})
	return m.port.Close()
}

// Done is closed once the channel is torn down and every stream disconnected.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Err reports why the mux shut down, or nil while it is running.
func (m *Mux) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Mux) readLoop() {
	var readErr error
	for {
		data, err := m.port.ReadMessage(context.Background())
		if err != nil {
			readErr = err
			break
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Stream == "" {
			m.lg.Warn("dropping malformed envelope", "error", err, "size", len(data))
			continue
		}

		s, isNew := m.route(env.Stream)
		if s == nil {
			m.lg.Debug("dropping envelope for unknown stream", "stream", env.Stream)
			continue
		}
		if isNew {
			select {
			case m.accept <- s:
			case <-m.closing:
			}
		}

		select {
		case s.inbound <- []byte(env.Payload):
		case <-m.closing:
		}
	}

	m.teardown(readErr)
}

func (m *Mux) route(name string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[name]; ok {
		return s, false
	}
	if !m.cfg.AcceptRemote || m.closed {
		return nil, false
	}

	s := m.newStream(name)
	m.streams[name] = s
	return s, true
}

func (m *Mux) teardown(cause error) {
	m.closeOnce.Do(func() {
		close(m.closing)
	})
	_ = m.port.Close()

	err := ErrClosed
	if cause != nil && !errors.Is(cause, ErrClosed) {
		err = fmt.Errorf("%w: %w", ErrClosed, cause)
	}

	m.mu.Lock()
	m.closed = true
	m.err = err
	streams := m.streams
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()

	m.lg.Debug("channel closed", "streams", len(streams), "cause", cause)
	for _, s := range streams {
		s.disconnect(err)
	}
	close(m.done)
}

func (m *Mux) send(ctx context.Context, s *Stream, payload []byte) error {
	select {
	case <-s.done:
		return s.Err()
	default:
	}

	data, err := json.Marshal(Envelope{Stream: s.name, Payload: payload})
	if err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if m.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := m.port.WriteMessage(ctx, data); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

func (m *Mux) newStream(name string) *Stream {
	return &Stream{
		name:    name,
		m:       m,
		inbound: make(chan []byte, m.cfg.StreamBufferSize),
		done:    make(chan struct{}),
	}
}
