// Package ws is the real-time fan-out layer: a per-license registry of
// live WebSocket connections bridged across workers over pub/sub. With
// Redis configured every worker sees every event and forwards it to its
// local connections only; without it delivery is direct and local.
package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/almudeerhq/almudeer/internal/cache"
	"github.com/almudeerhq/almudeer/internal/logging"
	"github.com/almudeerhq/almudeer/internal/metrics"
)

const (
	channelPrefix = "almudeer:ws:"
	writeTimeout  = 10 * time.Second
)

// Conn is one registered client connection. Writes are serialized; a
// failed write marks the connection dead and it is swept from the
// registry.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded gorilla connection.
func NewConn(wsc *websocket.Conn) *Conn { return &Conn{ws: wsc} }

func (c *Conn) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close shuts the underlying socket.
func (c *Conn) Close() error { return c.ws.Close() }

// Hub is the process-wide connection registry.
type Hub struct {
	bus cache.Store
	log *slog.Logger

	mu    sync.Mutex
	conns map[string]map[*Conn]struct{}
	subs  map[string]cache.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub builds the registry over the shared pub/sub bus.
func NewHub(bus cache.Store, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		bus:    bus,
		log:    log.With(logging.Module("ws")),
		conns:  make(map[string]map[*Conn]struct{}),
		subs:   make(map[string]cache.Subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect registers a connection under its license. The first local
// connection for a license opens the pub/sub subscription that carries
// events published by other workers.
func (h *Hub) Connect(c *Conn, licenseID string) {
	h.mu.Lock()
	set, ok := h.conns[licenseID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[licenseID] = set
	}
	set[c] = struct{}{}
	first := len(set) == 1
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	if first {
		h.subscribe(licenseID)
	}
	h.log.Debug("client connected", "license", licenseID)
}

// Disconnect removes a connection; the last one out closes the license's
// subscription.
func (h *Hub) Disconnect(c *Conn, licenseID string) {
	h.mu.Lock()
	set := h.conns[licenseID]
	_, present := set[c]
	delete(set, c)
	var sub cache.Subscription
	if len(set) == 0 {
		delete(h.conns, licenseID)
		sub = h.subs[licenseID]
		delete(h.subs, licenseID)
	}
	h.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	c.Close()
	if present {
		metrics.WSConnections.Dec()
	}
	h.log.Debug("client disconnected", "license", licenseID)
}

func (h *Hub) subscribe(licenseID string) {
	sub, err := h.bus.Subscribe(h.ctx, channelPrefix+licenseID)
	if err != nil {
		h.log.Warn("subscribe failed, local delivery only",
			"license", licenseID, logging.Err(err))
		return
	}
	h.mu.Lock()
	h.subs[licenseID] = sub
	h.mu.Unlock()

	go func() {
		for payload := range sub.Messages() {
			h.deliverLocal(licenseID, []byte(payload))
		}
	}()
}

// SendToLicense fans an event out to every live client of the license,
// across workers when pub/sub is up. Errors never propagate to the
// business operation.
func (h *Hub) SendToLicense(licenseID string, ev Event) {
	payload := ev.Encode()
	if err := h.bus.Publish(h.ctx, channelPrefix+licenseID, string(payload)); err != nil {
		// Pub/sub down: degrade to local-only delivery.
		h.log.Warn("publish failed, delivering locally",
			"license", licenseID, logging.Err(err))
		h.deliverLocal(licenseID, payload)
	}
}

// deliverLocal writes to this worker's connections, sweeping the dead.
func (h *Hub) deliverLocal(licenseID string, payload []byte) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns[licenseID]))
	for c := range h.conns[licenseID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.write(payload); err != nil {
			h.Disconnect(c, licenseID)
		}
	}
}

// LocalConnections reports how many clients this worker holds for a
// license.
func (h *Hub) LocalConnections(licenseID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[licenseID])
}

// Shutdown closes every connection and subscription.
func (h *Hub) Shutdown() {
	h.cancel()
	h.mu.Lock()
	conns := h.conns
	subs := h.subs
	h.conns = make(map[string]map[*Conn]struct{})
	h.subs = make(map[string]cache.Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	for _, set := range conns {
		for c := range set {
			c.Close()
		}
	}
}
