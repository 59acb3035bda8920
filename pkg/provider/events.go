package provider

import (
	"encoding/json"
	"sync"

	"github.com/miguelrdp/iron/pkg/log"
)

type Event string

const (
	EventConnect         Event = "connect"
	EventDisconnect      Event = "disconnect"
	EventChainChanged    Event = "chainChanged"
	EventAccountsChanged Event = "accountsChanged"
	EventMessage         Event = "message"
)

// ConnectInfo is the payload of EventConnect.
type ConnectInfo struct {
	ChainID string `json:"chainId"`
}

// Message is the payload of EventMessage, e.g. Type "eth_subscription".
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Listener receives the event payload: ConnectInfo, error, string, []string or Message.
type Listener func(payload any)

type ListenerID uint64

type registeredListener struct {
	id ListenerID
	fn Listener
}

type listenerSet struct {
	mu     sync.RWMutex
	nextID ListenerID
	byName map[Event][]registeredListener
}

func newListenerSet() *listenerSet {
	return &listenerSet{byName: make(map[Event][]registeredListener)}
}

func (s *listenerSet) add(event Event, fn Listener) ListenerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.byName[event] = append(s.byName[event], registeredListener{id: s.nextID, fn: fn})
	return s.nextID
}

func (s *listenerSet) remove(event Event, id ListenerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	listeners := s.byName[event]
	for i, l := range listeners {
		if l.id == id {
			s.byName[event] = append(listeners[:i:i], listeners[i+1:]...)
			return true
		}
	}
	return false
}

// emit calls listeners in registration order on the caller's goroutine. A panicking
// listener is logged and does not stop the others.
func (s *listenerSet) emit(lg log.Logger, event Event, payload any) {
	s.mu.RLock()
	listeners := append([]registeredListener(nil), s.byName[event]...)
	s.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lg.Error("listener panicked", "event", event, "panic", r)
				}
			}()
			l.fn(payload)
		}()
	}
}

type queuedEvent struct {
	event   Event
	payload any
}

// eventQueue is an unbounded FIFO between the read goroutine and the event goroutine.
// Pushing never blocks, so a slow listener cannot stall response delivery.
type eventQueue struct {
	mu     sync.Mutex
	items  []queuedEvent
	closed bool
	wake   chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) push(event Event, payload any) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, queuedEvent{event: event, payload: payload})
	q.mu.Unlock()
	q.signal()
}

// close lets next drain what is queued and then report the end.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *eventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next blocks until events are queued. ok is false once the queue is closed and empty.
func (q *eventQueue) next() ([]queuedEvent, bool) {
	for {
		q.mu.Lock()
		batch, closed := q.items, q.closed
		q.items = nil
		q.mu.Unlock()

		if len(batch) > 0 {
			return batch, true
		}
		if closed {
			return nil, false
		}
		<-q.wake
	}
}
