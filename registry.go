package main

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// DeviceEvent is a registry lifecycle notification consumed by the
// control-plane hub and fanned out to its clients.
type DeviceEvent struct {
	Kind string // "device-connected", "device-reconnected", "device-disconnected"
	ID   string
}

// endpoint is the registry's internal record for one participant.
type endpoint struct {
	id      string
	addr    *net.UDPAddr // last sender address; Addr never returns it for virtual endpoints
	online  bool
	virtual bool

	firstSeen     time.Time
	lastSeen      time.Time
	lastHeartbeat time.Time

	lastSeq         int32 // -1 until the first datagram
	packetsReceived uint64
	packetsLost     uint64

	lastPacketTime time.Time
	jitter         []float64 // ms, ring of last jitterWindow entries
	jitterPos      int
	jitterFull     bool
}

// EndpointInfo is the snapshot of one endpoint handed to the control plane.
type EndpointInfo struct {
	ID              string  `json:"id"`
	Address         string  `json:"address,omitempty"`
	Online          bool    `json:"online"`
	Virtual         bool    `json:"virtual,omitempty"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	PacketsReceived uint64  `json:"packets_received"`
	PacketsLost     uint64  `json:"packets_lost"`
	LossRate        float64 `json:"loss_rate"`
	AvgJitterMs     float64 `json:"avg_jitter_ms"`
}

// Registry tracks every known endpoint: address, liveness, sequence
// accounting, and jitter. Updates for a single endpoint are serialized by
// the registry lock; list operations return copies so readers never hold
// a reference into live state.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*endpoint

	frameDuration time.Duration
	timeout       time.Duration
	maxDevices    int

	events chan DeviceEvent
}

// NewRegistry creates an empty registry. frameDuration is the nominal
// inter-packet interval used for jitter accounting; timeout is how long an
// endpoint may stay silent before it is marked offline.
func NewRegistry(frameDuration, timeout time.Duration, maxDevices int) *Registry {
	return &Registry{
		endpoints:     make(map[string]*endpoint),
		frameDuration: frameDuration,
		timeout:       timeout,
		maxDevices:    maxDevices,
		events:        make(chan DeviceEvent, 64),
	}
}

// Events returns the lifecycle event channel. There is one consumer (the
// hub); events are dropped rather than blocking registry updates when the
// consumer falls behind.
func (r *Registry) Events() <-chan DeviceEvent {
	return r.events
}

func (r *Registry) emit(kind, id string) {
	select {
	case r.events <- DeviceEvent{Kind: kind, ID: id}:
	default:
	}
}

// UpdateFromDatagram records the arrival of a datagram from id at addr.
// It creates the endpoint on first use, refreshes address and liveness,
// and runs the sequence-loss and jitter accounting.
//
// Loss heuristic: a forward gap under lossResetThreshold counts as loss;
// anything larger is treated as a device reset or reordering and skipped,
// so a rebooting device does not register as thousands of lost packets.
func (r *Registry) UpdateFromDatagram(id string, addr *net.UDPAddr, seq uint16, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok {
		if r.maxDevices > 0 && len(r.endpoints) >= r.maxDevices {
			return fmt.Errorf("registry full: %d endpoints", len(r.endpoints))
		}
		ep = &endpoint{
			id:        id,
			firstSeen: now,
			lastSeq:   -1,
			jitter:    make([]float64, jitterWindow),
		}
		r.endpoints[id] = ep
		log.Printf("[registry] endpoint %q registered from %s", id, addr)
		r.emit("device-connected", id)
	} else if !ep.online && !ep.virtual {
		log.Printf("[registry] endpoint %q back online", id)
		r.emit("device-reconnected", id)
	}

	ep.addr = addr
	ep.online = true
	ep.lastSeen = now

	if ep.virtual {
		// Virtual endpoints never participate in datagram loss accounting.
		return nil
	}

	ep.packetsReceived++

	if ep.lastSeq >= 0 {
		expected := uint16(ep.lastSeq) + 1 // wraps mod 2^16
		if seq != expected {
			lost := seq - expected // mod-2^16 distance
			if lost < lossResetThreshold {
				ep.packetsLost += uint64(lost)
			}
		}
	}
	ep.lastSeq = int32(seq)

	if !ep.lastPacketTime.IsZero() {
		delta := now.Sub(ep.lastPacketTime) - r.frameDuration
		if delta < 0 {
			delta = -delta
		}
		ep.jitter[ep.jitterPos] = float64(delta) / float64(time.Millisecond)
		ep.jitterPos = (ep.jitterPos + 1) % jitterWindow
		if ep.jitterPos == 0 {
			ep.jitterFull = true
		}
	}
	ep.lastPacketTime = now

	return nil
}

// RegisterVirtual registers a control-plane-backed endpoint. It carries no
// network address, is always online while registered, and is exempt from
// packet-loss accounting.
func (r *Registry) RegisterVirtual(id string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[id]; ok {
		ep.virtual = true
		ep.online = true
		ep.lastSeen = now
		return
	}
	r.endpoints[id] = &endpoint{
		id:        id,
		virtual:   true,
		online:    true,
		firstSeen: now,
		lastSeen:  now,
		lastSeq:   -1,
		jitter:    make([]float64, jitterWindow),
	}
	log.Printf("[registry] virtual endpoint %q registered", id)
	r.emit("device-connected", id)
}

// Heartbeat refreshes the heartbeat timestamp for id, if known.
func (r *Registry) Heartbeat(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.endpoints[id]; ok {
		ep.lastHeartbeat = now
	}
}

// CheckTimeouts marks endpoints offline when they have been silent longer
// than the configured timeout. Virtual endpoints stay online for the
// lifetime of their registration.
func (r *Registry) CheckTimeouts(now time.Time) {
	r.mu.Lock()
	var expired []string
	for id, ep := range r.endpoints {
		if ep.virtual || !ep.online {
			continue
		}
		if now.Sub(ep.lastSeen) > r.timeout {
			ep.online = false
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		log.Printf("[registry] endpoint %q timed out", id)
		r.emit("device-disconnected", id)
	}
}

// Cleanup removes endpoints that have been offline for longer than
// gcOfflineAge. Returns the number removed.
func (r *Registry) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, ep := range r.endpoints {
		if ep.online || ep.virtual {
			continue
		}
		if now.Sub(ep.lastSeen) > gcOfflineAge {
			delete(r.endpoints, id)
			removed++
			log.Printf("[registry] endpoint %q garbage-collected", id)
		}
	}
	return removed
}

// Addr returns the egress address for id. ok is false when the endpoint is
// unknown, offline, or virtual (virtual endpoints are never datagram targets).
func (r *Registry) Addr(id string) (addr *net.UDPAddr, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, found := r.endpoints[id]
	if !found || !ep.online || ep.virtual || ep.addr == nil {
		return nil, false
	}
	return ep.addr, true
}

// IsOnline reports whether id is registered and online.
func (r *Registry) IsOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ok && ep.online
}

// IsVirtual reports whether id is registered as a virtual endpoint.
func (r *Registry) IsVirtual(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	return ok && ep.virtual
}

// Online returns the ids of all online endpoints.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.endpoints))
	for id, ep := range r.endpoints {
		if ep.online {
			out = append(out, id)
		}
	}
	return out
}

// Stats returns the control-plane snapshot for one endpoint.
func (r *Registry) Stats(id string) (EndpointInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return EndpointInfo{}, false
	}
	return snapshotEndpoint(ep, time.Now()), true
}

// List returns snapshots of every registered endpoint.
func (r *Registry) List() []EndpointInfo {
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EndpointInfo, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, snapshotEndpoint(ep, now))
	}
	return out
}

// Count returns the number of registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// snapshotEndpoint builds an EndpointInfo under the registry lock.
func snapshotEndpoint(ep *endpoint, now time.Time) EndpointInfo {
	info := EndpointInfo{
		ID:              ep.id,
		Online:          ep.online,
		Virtual:         ep.virtual,
		PacketsReceived: ep.packetsReceived,
		PacketsLost:     ep.packetsLost,
	}
	if ep.addr != nil {
		info.Address = ep.addr.String()
	}
	if !ep.firstSeen.IsZero() {
		info.UptimeSeconds = now.Sub(ep.firstSeen).Seconds()
	}
	if total := ep.packetsReceived + ep.packetsLost; total > 0 {
		info.LossRate = float64(ep.packetsLost) / float64(total)
	}

	n := jitterWindow
	if !ep.jitterFull {
		n = ep.jitterPos
	}
	if n > 0 {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += ep.jitter[i]
		}
		info.AvgJitterMs = sum / float64(n)
	}
	return info
}
