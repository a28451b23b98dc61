package main

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// bridgeClient is one connected audio-bridge client.
type bridgeClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *bridgeClient) send(msg BridgeMsg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return c.conn.WriteJSON(msg)
}

// Bridge lets control-plane clients act as the virtual endpoint "DSH"
// inside the routing fabric. It owns a WebSocket channel separate from the
// hub, used exclusively for audio frames and their timing diagnostics.
//
// Outbound audio (client → fleet) is decoded from base64, wrapped in a
// datagram header, and injected into the egress pipeline with the target
// taken from the message. Inbound audio (fleet → client) arrives through
// the datagram server's audio tap whenever a source's effective targets
// include the virtual endpoint.
type Bridge struct {
	registry *Registry
	router   *Router
	udp      *UDPServer
	pacer    *Pacer

	mu      sync.RWMutex
	clients map[string]*bridgeClient

	upgrader websocket.Upgrader
}

// NewBridge registers the virtual endpoint and wires the bridge into the
// datagram server's tap and the pacer's timing diagnostics.
func NewBridge(reg *Registry, rt *Router, udp *UDPServer, pacer *Pacer) *Bridge {
	b := &Bridge{
		registry: reg,
		router:   rt,
		udp:      udp,
		pacer:    pacer,
		clients:  make(map[string]*bridgeClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
	reg.RegisterVirtual(VirtualID)
	udp.SetAudioTap(b.onAudio)
	pacer.SetViolationHandler(b.onViolation)
	pacer.SetTimingHandler(b.onTiming)
	return b
}

// HandleWS upgrades one bridge connection and serves it until disconnect.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[bridge] websocket upgrade failed: %v", err)
		return
	}
	go b.serveClient(conn)
}

func (b *Bridge) serveClient(conn *websocket.Conn) {
	client := &bridgeClient{id: uuid.NewString(), conn: conn}

	b.mu.Lock()
	b.clients[client.id] = client
	total := len(b.clients)
	b.mu.Unlock()
	log.Printf("[bridge] client %s connected, total=%d", client.id, total)

	defer func() {
		conn.Close()
		b.mu.Lock()
		delete(b.clients, client.id)
		total := len(b.clients)
		b.mu.Unlock()
		log.Printf("[bridge] client %s disconnected, total=%d", client.id, total)
	}()

	if err := client.send(BridgeMsg{Type: "connected", From: VirtualID}); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg BridgeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			client.send(BridgeMsg{Type: "error", Error: "malformed message"})
			continue
		}
		b.dispatch(msg, client)
	}
}

// dispatch handles one decoded bridge message from client. Replies and
// errors are written to client's WebSocket connection.
func (b *Bridge) dispatch(msg BridgeMsg, client *bridgeClient) {
	switch msg.Type {
	case "audio_packet":
		if msg.To == "" {
			client.send(BridgeMsg{Type: "error", Error: "audio_packet requires to"})
			return
		}
		payload, err := base64.StdEncoding.DecodeString(msg.Opus)
		if err != nil {
			client.send(BridgeMsg{Type: "error", Error: "invalid base64 payload"})
			return
		}
		pkt := Packet{ID: VirtualID, Seq: msg.Sequence, Type: TypeAudio, Payload: payload}
		// The destination comes from the message: the bridge already
		// carries the target, so the routing matrix is bypassed here.
		b.udp.InjectFromVirtual(pkt, []string{msg.To})

	case "start_listening":
		if msg.DeviceID == "" {
			client.send(BridgeMsg{Type: "error", Error: "start_listening requires deviceId"})
			return
		}
		b.router.SetRoute(msg.DeviceID, VirtualID)
		client.send(BridgeMsg{Type: "listening_started", DeviceID: msg.DeviceID})
		log.Printf("[bridge] listening to %q", msg.DeviceID)

	case "stop_listening":
		if msg.DeviceID == "" {
			client.send(BridgeMsg{Type: "error", Error: "stop_listening requires deviceId"})
			return
		}
		b.router.RemoveRoute(msg.DeviceID, VirtualID)
		client.send(BridgeMsg{Type: "listening_stopped", DeviceID: msg.DeviceID})
		log.Printf("[bridge] stopped listening to %q", msg.DeviceID)

	case "request_stats":
		ep, _ := b.registry.Stats(VirtualID)
		client.send(BridgeMsg{Type: "audio_stats", Stats: &BridgeStats{
			Endpoint: ep,
			Timing:   b.pacer.Stats(),
		}})

	case "set_route":
		if msg.Source == "" || msg.Target == "" {
			client.send(BridgeMsg{Type: "error", Error: "set_route requires source and target"})
			return
		}
		b.router.SetRoute(msg.Source, msg.Target)

	default:
		client.send(BridgeMsg{Type: "error", Error: "unknown message " + msg.Type})
	}
}

// onAudio is the datagram server's tap: an audio packet whose effective
// targets include the virtual endpoint is surfaced to every bridge client.
func (b *Bridge) onAudio(src string, seq uint16, payload []byte) {
	b.fanOut(BridgeMsg{
		Type:      "audio_received",
		From:      src,
		Sequence:  seq,
		Opus:      base64.StdEncoding.EncodeToString(payload),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (b *Bridge) onViolation(v Violation) {
	b.fanOut(BridgeMsg{Type: "timing_violation", Violation: &v})
}

func (b *Bridge) onTiming(ts TimingStats) {
	b.fanOut(BridgeMsg{Type: "timing_update", Timing: &ts})
}

// fanOut sends msg to every bridge client, dropping clients whose writes
// fail.
func (b *Bridge) fanOut(msg BridgeMsg) {
	b.mu.RLock()
	targets := make([]*bridgeClient, 0, len(b.clients))
	for _, c := range b.clients {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(msg); err != nil {
			log.Printf("[bridge] write to %s: %v, dropping", c.id, err)
			c.conn.Close()
			b.mu.Lock()
			delete(b.clients, c.id)
			b.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected bridge clients.
func (b *Bridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
