// Package discovery implements EIP-6963 multi-wallet discovery: a wallet announces
// itself on the page event target and a dApp side Registry collects the announcements
// keyed by uuid.
package discovery

import (
	"sync"

	"github.com/miguelrdp/iron/pkg/log"
)

const (
	EventRequestProvider  = "eip6963:requestProvider"
	EventAnnounceProvider = "eip6963:announceProvider"
)

type Event struct {
	Type   string
	Detail any
}

// EventTarget is the page's global event bus.
type EventTarget interface {
	Dispatch(ev Event)
	// Listen registers fn for eventType and returns a function that removes it.
	Listen(eventType string, fn func(Event)) (remove func())
}

type listener struct {
	id uint64
	fn func(Event)
}

// Window is an in-memory EventTarget. Dispatch runs listeners synchronously in
// registration order, the way a DOM dispatchEvent does.
type Window struct {
	lg log.Logger

	mu        sync.RWMutex
	nextID    uint64
	listeners map[string][]listener
}

func NewWindow(lg log.Logger) *Window {
	return &Window{
		lg:        log.OrNoop(lg).WithName("window"),
		listeners: make(map[string][]listener),
	}
}

// Dispatch calls every listener of ev.Type synchronously, in registration order.
// A panicking listener is logged and does not stop the others.
func (w *Window) Dispatch(ev Event) {
	w.mu.RLock()
	listeners := append([]listener(nil), w.listeners[ev.Type]...)
	w.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.lg.Error("event listener panicked", "event", ev.Type, "panic", r)
				}
			}()
			l.fn(ev)
		}()
	}
}

// Listen registers fn for eventType and returns a function removing it.
func (w *Window) Listen(eventType string, fn func(Event)) func() {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.listeners[eventType] = append(w.listeners[eventType], listener{id: id, fn: fn})
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			ls := w.listeners[eventType]
			for i, l := range ls {
				if l.id == id {
					w.listeners[eventType] = append(ls[:i:i], ls[i+1:]...)
					return
				}
			}
		})
	}
}
