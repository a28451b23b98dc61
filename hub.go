package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// hubClient is one connected control-plane client. Writes are serialized
// by mu and bounded by hubWriteTimeout; a failed write drops the client.
type hubClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// send marshals and writes one message. Safe for concurrent use.
func (c *hubClient) send(msg ControlMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// Hub is the control-plane server: it pushes fleet state to WebSocket
// clients and translates their commands into registry and routing
// mutations. Global state changes broadcast to every client; get-*
// responses and errors go only to the requester.
type Hub struct {
	registry *Registry
	router   *Router
	stats    *ServerStats
	audio    AudioParams

	pingInterval time.Duration

	mu      sync.RWMutex
	clients map[string]*hubClient

	upgrader websocket.Upgrader

	// monitor receives per-packet events from the datagram server;
	// Run batches them into packets events every monitorFlushInterval.
	monitor <-chan MonitorEvent
	// events receives registry lifecycle notifications.
	events <-chan DeviceEvent
}

// NewHub wires the control-plane server to its collaborators.
func NewHub(reg *Registry, rt *Router, stats *ServerStats, audio AudioParams, pingInterval time.Duration, monitor <-chan MonitorEvent, events <-chan DeviceEvent) *Hub {
	return &Hub{
		registry:     reg,
		router:       rt,
		stats:        stats,
		audio:        audio,
		pingInterval: pingInterval,
		clients:      make(map[string]*hubClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		monitor: monitor,
		events:  events,
	}
}

// HandleWS upgrades one control-plane connection and serves it until
// disconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] websocket upgrade failed: %v", err)
		return
	}
	go h.serveClient(conn)
}

func (h *Hub) serveClient(conn *websocket.Conn) {
	client := &hubClient{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[hub] client %s connected, total=%d", client.id, total)

	defer func() {
		conn.Close()
		h.dropClient(client.id)
	}()

	// Push the full snapshot so the client can render without a round trip.
	snap := h.stats.Snapshot()
	if err := client.send(ControlMsg{
		Type:    "initial-state",
		Devices: h.registry.List(),
		Routes:  h.router.RoutingMatrix(),
		Stats:   &snap,
		Audio:   &h.audio,
	}); err != nil {
		log.Printf("[hub] initial-state to %s: %v", client.id, err)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ControlMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed messages answer the requester only; the
			// connection stays up.
			client.send(ControlMsg{Type: "error", Error: "malformed message"})
			continue
		}
		h.dispatch(msg, client)
	}
}

func (h *Hub) dropClient(id string) {
	h.mu.Lock()
	_, existed := h.clients[id]
	delete(h.clients, id)
	total := len(h.clients)
	h.mu.Unlock()
	if existed {
		log.Printf("[hub] client %s disconnected, total=%d", id, total)
	}
}

// broadcast sends msg to every connected client. Clients whose writes
// fail are dropped; retry is the client's responsibility.
func (h *Hub) broadcast(msg ControlMsg) {
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(msg); err != nil {
			log.Printf("[hub] write to %s: %v, dropping", c.id, err)
			c.conn.Close()
			h.dropClient(c.id)
		}
	}
}

// ClientCount returns the number of connected control-plane clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// dispatch handles one decoded command from client. Replies and errors
// are written to client's WebSocket connection; global changes are
// broadcast to every client.
func (h *Hub) dispatch(msg ControlMsg, client *hubClient) {
	switch msg.Type {
	case "ping":
		client.send(ControlMsg{Type: "pong", Timestamp: msg.Timestamp})

	case "get-devices":
		client.send(ControlMsg{Type: "devices", Devices: h.registry.List()})

	case "get-routes":
		client.send(ControlMsg{Type: "routes", Routes: h.router.RoutingMatrix()})

	case "get-stats":
		snap := h.stats.Snapshot()
		client.send(ControlMsg{Type: "stats", Stats: &snap})

	case "set-route":
		if msg.Source == "" || msg.Target == "" {
			client.send(ControlMsg{Type: "error", Error: "set-route requires source and target"})
			return
		}
		h.router.SetRoute(msg.Source, msg.Target)
		h.broadcast(ControlMsg{Type: "route-created", Source: msg.Source, Target: msg.Target})

	case "remove-route":
		if msg.Source == "" || msg.Target == "" {
			client.send(ControlMsg{Type: "error", Error: "remove-route requires source and target"})
			return
		}
		if h.router.RemoveRoute(msg.Source, msg.Target) {
			h.broadcast(ControlMsg{Type: "route-removed", Source: msg.Source, Target: msg.Target})
		}

	case "create-bidirectional":
		if msg.DeviceA == "" || msg.DeviceB == "" {
			client.send(ControlMsg{Type: "error", Error: "create-bidirectional requires deviceA and deviceB"})
			return
		}
		h.router.CreateBidirectional(msg.DeviceA, msg.DeviceB)
		h.broadcast(ControlMsg{Type: "bidirectional-created", DeviceA: msg.DeviceA, DeviceB: msg.DeviceB})
		h.broadcastRoutes()

	case "enable-broadcast":
		if msg.Device == "" {
			client.send(ControlMsg{Type: "error", Error: "enable-broadcast requires device"})
			return
		}
		h.router.EnableBroadcast(msg.Device)
		h.broadcastRoutes()

	case "disable-broadcast":
		if msg.Device == "" {
			client.send(ControlMsg{Type: "error", Error: "disable-broadcast requires device"})
			return
		}
		h.router.DisableBroadcast(msg.Device)
		h.broadcastRoutes()

	case "mute-device":
		if msg.Device == "" {
			client.send(ControlMsg{Type: "error", Error: "mute-device requires device"})
			return
		}
		h.router.Mute(msg.Device)
		h.broadcastRoutes()

	case "unmute-device":
		if msg.Device == "" {
			client.send(ControlMsg{Type: "error", Error: "unmute-device requires device"})
			return
		}
		h.router.Unmute(msg.Device)
		h.broadcastRoutes()

	case "apply-scenario":
		if err := h.router.ApplyScenario(msg.Scenario); err != nil {
			client.send(ControlMsg{Type: "error", Error: err.Error()})
			return
		}
		log.Printf("[hub] client %s applied scenario %q", client.id, msg.Scenario)
		h.broadcastRoutes()

	case "export-config":
		cfg := h.router.Export()
		client.send(ControlMsg{Type: "config", Config: &cfg})

	case "import-config":
		if msg.Config == nil {
			client.send(ControlMsg{Type: "error", Error: "import-config requires config"})
			return
		}
		if err := h.router.Import(*msg.Config); err != nil {
			client.send(ControlMsg{Type: "error", Error: err.Error()})
			return
		}
		h.broadcastRoutes()

	default:
		client.send(ControlMsg{Type: "error", Error: "unknown command " + msg.Type})
	}
}

// broadcastRoutes pushes the full routing matrix to every client after a
// topology mutation.
func (h *Hub) broadcastRoutes() {
	h.broadcast(ControlMsg{Type: "routes", Routes: h.router.RoutingMatrix()})
}

// Run consumes registry events and monitor traffic, and drives keepalive
// pings, until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	flush := time.NewTicker(monitorFlushInterval)
	defer flush.Stop()
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	var pending []MonitorEvent
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-h.events:
			h.broadcast(ControlMsg{Type: ev.Kind, Device: ev.ID})
			// Lifecycle changes also refresh the device list.
			h.broadcast(ControlMsg{Type: "devices", Devices: h.registry.List()})

		case ev := <-h.monitor:
			pending = append(pending, ev)

		case <-flush.C:
			if len(pending) == 0 {
				continue
			}
			h.broadcast(ControlMsg{Type: "packets", Packets: pending})
			pending = nil

		case <-ping.C:
			h.broadcast(ControlMsg{Type: "ping", Timestamp: time.Now().UnixMilli()})
		}
	}
}
