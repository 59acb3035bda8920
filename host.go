package main

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/miguelrdp/iron/pkg/engine"
	"github.com/miguelrdp/iron/pkg/jsonrpc"
	"github.com/miguelrdp/iron/pkg/log"
	"github.com/miguelrdp/iron/pkg/mux"
)

const (
	hostListenEndpoint = "/ws"
	defaultMaxInFlight = 64
)

type HostConfig struct {
	Logger  log.Logger
	Metrics *Metrics
	// AllowedOrigins restricts websocket upgrades and CORS. Empty allows every origin.
	AllowedOrigins []string
	// MaxInFlight bounds the requests a single stream may have outstanding.
	MaxInFlight int
}

// Host is the background side of the bridge. Every websocket connection carries
// a multiplexed channel; every stream the page opens on it becomes a session
// served by the engine.
type Host struct {
	engine  *engine.Engine
	cfg     HostConfig
	lg      log.Logger
	metrics *Metrics

	upgrader websocket.Upgrader
	hub      *SessionHub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	channels        map[string]*mux.Mux
	onSessionClosed []func(sessionID string)
}

// NewHost serves eng to every connecting page.
func NewHost(eng *engine.Engine, cfg HostConfig) *Host {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	lg := log.OrNoop(cfg.Logger).WithName("host")
	ctx, cancel := context.WithCancel(context.Background())

	h := &Host{
		engine:   eng,
		cfg:      cfg,
		lg:       lg,
		metrics:  cfg.Metrics,
		hub:      NewSessionHub(lg),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*mux.Mux),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Hub exposes the live sessions, e.g. to broadcast chainChanged.
func (h *Host) Hub() *SessionHub { return h.hub }

// OnSessionClosed registers fn to run after a session's stream disconnects.
func (h *Host) OnSessionClosed(fn func(sessionID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSessionClosed = append(h.onSessionClosed, fn)
}

// Router serves the websocket endpoint and a health probe.
func (h *Host) Router() http.Handler {
	r := chi.NewRouter()
	if len(h.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", h.handleHealthz)
	r.Get(hostListenEndpoint, h.HandleConnection)
	return r
}

func (h *Host) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": h.hub.Count(),
	})
}

func (h *Host) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// HandleConnection upgrades the request and serves the channel until either side closes it.
func (h *Host) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Error("failed to upgrade connection to WebSocket", "error", err)
		return
	}

	connectionID := uuid.NewString()
	origin := r.Header.Get("Origin")
	lg := h.lg.WithKV("connectionID", connectionID)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	channel := mux.New(ctx, mux.NewWebsocketPort(conn), mux.Config{Logger: lg, AcceptRemote: true})
	if !h.track(connectionID, channel) {
		channel.Close()
		return
	}
	h.metrics.ConnectedClients.Inc()
	h.metrics.ConnectionsTotal.Inc()
	lg.Info("connection opened", "origin", origin)

	defer func() {
		h.untrack(connectionID)
		h.metrics.ConnectedClients.Dec()
		lg.Info("connection closed", "cause", channel.Err())
	}()

	var streams sync.WaitGroup
	for {
		stream, err := channel.Accept(ctx)
		if err != nil {
			break
		}
		streams.Add(1)
		go func() {
			defer streams.Done()
			h.serveStream(ctx, connectionID+"/"+stream.Name(), origin, stream)
		}()
	}
	channel.Close()
	<-channel.Done()
	streams.Wait()
}

func (h *Host) track(connectionID string, channel *mux.Mux) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx.Err() != nil {
		return false
	}
	h.channels[connectionID] = channel
	h.wg.Add(1)
	return true
}

func (h *Host) untrack(connectionID string) {
	h.mu.Lock()
	delete(h.channels, connectionID)
	h.mu.Unlock()
	h.wg.Done()
}

// serveStream runs one session. Requests are handled concurrently up to
// MaxInFlight; responses go back in completion order.
func (h *Host) serveStream(parent context.Context, sessionID, origin string, stream *mux.Stream) {
	ctx, cancel := context.WithCancel(parent)
	lg := h.lg.WithKV("session", sessionID)

	reply := func(resp jsonrpc.Response) {
		data, err := json.Marshal(resp)
		if err != nil {
			lg.Error("failed to encode response", "error", err)
			return
		}
		if err := stream.Send(ctx, data); err != nil {
			lg.Debug("failed to deliver response", "error", err)
		}
	}
	notify := func(method string, params any) error {
		n, err := jsonrpc.NewNotification(method, params)
		if err != nil {
			return err
		}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return stream.Send(ctx, data)
	}

	sess := engine.NewSession(sessionID, origin, notify)
	h.hub.Add(sess)
	h.metrics.ActiveSessions.Inc()
	lg.Debug("session opened")

	var inFlight sync.WaitGroup
	defer func() {
		cancel()
		inFlight.Wait()
		h.hub.Remove(sessionID)
		h.metrics.ActiveSessions.Dec()

		h.mu.Lock()
		handlers := slices.Clone(h.onSessionClosed)
		h.mu.Unlock()
		for _, fn := range handlers {
			fn(sessionID)
		}
		lg.Debug("session closed", "cause", stream.Err())
	}()

	slots := make(chan struct{}, h.cfg.MaxInFlight)
	for payload := range stream.Messages() {
		msg, err := jsonrpc.Decode(payload)
		if err != nil {
			rpcErr, _ := jsonrpc.AsError(err)
			reply(jsonrpc.NewErrorResponse(nil, rpcErr))
			continue
		}

		switch msg.Kind() {
		case jsonrpc.KindRequest:
		case jsonrpc.KindNotification:
			lg.Debug("ignoring notification from page", "method", msg.Method)
			continue
		default:
			reply(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.NewError(jsonrpc.CodeInvalidRequest, "invalid request")))
			continue
		}

		req := msg.Request()
		select {
		case slots <- struct{}{}:
		default:
			h.metrics.InFlightRejected.Inc()
			reply(jsonrpc.NewErrorResponse(req.ID,
				jsonrpc.Errorf(jsonrpc.CodeLimitExceeded, "too many requests in flight (max %d)", h.cfg.MaxInFlight)))
			continue
		}

		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			defer func() { <-slots }()
			reply(h.engine.Handle(ctx, sess, req))
		}()
	}
}

// Close drops every connection and waits for their sessions to wind down.
func (h *Host) Close() {
	h.mu.Lock()
	h.cancel()
	channels := make([]*mux.Mux, 0, len(h.channels))
	for _, channel := range h.channels {
		channels = append(channels, channel)
	}
	h.mu.Unlock()

	for _, channel := range channels {
		channel.Close()
	}
	h.wg.Wait()
}

// SessionHub tracks the sessions currently attached to the host.
type SessionHub struct {
	lg log.Logger

	mu       sync.RWMutex
	sessions map[string]*engine.Session
}

func NewSessionHub(lg log.Logger) *SessionHub {
	return &SessionHub{
		lg:       log.OrNoop(lg),
		sessions: make(map[string]*engine.Session),
	}
}

func (hub *SessionHub) Add(sess *engine.Session) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.sessions[sess.ID] = sess
}

func (hub *SessionHub) Remove(sessionID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	delete(hub.sessions, sessionID)
}

// Count reports the live sessions.
func (hub *SessionHub) Count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.sessions)
}

// Broadcast notifies every session. Delivery failures are logged and skipped.
func (hub *SessionHub) Broadcast(method string, params any) {
	hub.mu.RLock()
	sessions := make([]*engine.Session, 0, len(hub.sessions))
	for _, sess := range hub.sessions {
		sessions = append(sessions, sess)
	}
	hub.mu.RUnlock()

	for _, sess := range sessions {
		if err := sess.Notify(method, params); err != nil {
			hub.lg.Warn("failed to notify session", "session", sess.ID, "method", method, "error", err)
		}
	}
}
