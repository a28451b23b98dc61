package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ServerStats holds the process-wide datagram counters. Counters are
// atomic; reads are loose (non-transactional across fields).
type ServerStats struct {
	packetsReceived  atomic.Uint64
	packetsRouted    atomic.Uint64
	packetsDropped   atomic.Uint64
	bytesReceived    atomic.Uint64
	bytesTransmitted atomic.Uint64
	startTime        time.Time
}

// StatsSnapshot is the JSON form of ServerStats for the control plane.
type StatsSnapshot struct {
	PacketsReceived  uint64  `json:"packets_received"`
	PacketsRouted    uint64  `json:"packets_routed"`
	PacketsDropped   uint64  `json:"packets_dropped"`
	BytesReceived    uint64  `json:"bytes_received"`
	BytesTransmitted uint64  `json:"bytes_transmitted"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// NewServerStats creates a counter set stamped with the start time.
func NewServerStats() *ServerStats {
	return &ServerStats{startTime: time.Now()}
}

// Snapshot returns the current counter values.
func (s *ServerStats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsReceived:  s.packetsReceived.Load(),
		PacketsRouted:    s.packetsRouted.Load(),
		PacketsDropped:   s.packetsDropped.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		BytesTransmitted: s.bytesTransmitted.Load(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
	}
}

// MonitorEvent is a throttled per-packet observation for the control plane.
type MonitorEvent struct {
	Device    string `json:"device"`
	Seq       uint16 `json:"seq"`
	Type      string `json:"type"`
	Size      int    `json:"size"`
	Timestamp int64  `json:"ts"`
}

// udpConn is the subset of *net.UDPConn the server uses. Tests inject a
// mock so dispatch can be exercised without a socket.
type udpConn interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// controlCommand is the limited in-band command set carried by control
// datagrams (type 0x0002). The full command surface lives on the
// control-plane channel; this covers headless devices.
type controlCommand struct {
	Command string `json:"command"`
	Source  string `json:"source,omitempty"`
	Target  string `json:"target,omitempty"`
	Device  string `json:"device,omitempty"`
	Enable  bool   `json:"enable"`
}

// UDPServer owns the datagram socket: ingress parsing and dispatch,
// routing fan-out, and all egress including paced handoff.
type UDPServer struct {
	conn     udpConn
	registry *Registry
	router   *Router
	pacer    *Pacer
	stats    *ServerStats

	maxPacketSize int

	monitor chan MonitorEvent

	// audioTap delivers audio packets whose target set includes the
	// virtual endpoint. Set by the bridge; the server holds no reference
	// to bridge internals.
	tapMu    sync.RWMutex
	audioTap func(src string, seq uint16, payload []byte)
}

// NewUDPServer wires the datagram server to its collaborators. conn is an
// already-bound socket (or a test double). The pacer is attached after
// construction: it needs the server's send hook, so the two are wired in
// two steps.
func NewUDPServer(conn udpConn, reg *Registry, rt *Router, stats *ServerStats, maxPacketSize int) *UDPServer {
	return &UDPServer{
		conn:          conn,
		registry:      reg,
		router:        rt,
		stats:         stats,
		maxPacketSize: maxPacketSize,
		monitor:       make(chan MonitorEvent, monitorBacklog),
	}
}

// AttachPacer installs the paced egress queue. Until a pacer is attached,
// all egress is direct.
func (s *UDPServer) AttachPacer(p *Pacer) {
	s.pacer = p
}

// ListenUDP binds the datagram socket on port.
func ListenUDP(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp", &net.UDPAddr{Port: port})
}

// Monitor returns the channel of throttled per-packet events. One consumer
// (the hub) batches and flushes them; overflow is dropped at emit time.
func (s *UDPServer) Monitor() <-chan MonitorEvent {
	return s.monitor
}

// SetAudioTap registers the virtual-endpoint delivery hook.
func (s *UDPServer) SetAudioTap(fn func(src string, seq uint16, payload []byte)) {
	s.tapMu.Lock()
	s.audioTap = fn
	s.tapMu.Unlock()
}

// Run reads datagrams until ctx is canceled. The socket is closed on
// cancellation to unblock the pending read.
func (s *UDPServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, s.maxPacketSize)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleDatagram(data, addr, time.Now())
	}
}

// handleDatagram processes one received datagram. Errors never escape:
// malformed input is counted and dropped.
func (s *UDPServer) handleDatagram(data []byte, addr *net.UDPAddr, now time.Time) {
	s.stats.packetsReceived.Add(1)
	s.stats.bytesReceived.Add(uint64(len(data)))

	pkt, err := ParsePacket(data)
	if err != nil {
		s.stats.packetsDropped.Add(1)
		return
	}

	if err := s.registry.UpdateFromDatagram(pkt.ID, addr, pkt.Seq, now); err != nil {
		log.Printf("[udp] update %q: %v", pkt.ID, err)
		s.stats.packetsDropped.Add(1)
		return
	}

	switch pkt.Type {
	case TypeAudio:
		s.routeAudio(pkt.ID, pkt.Seq, data, pkt.Payload)
	case TypeControl:
		s.handleControl(pkt)
	case TypeHeartbeat:
		s.registry.Heartbeat(pkt.ID, now)
		reply := Packet{ID: ServerID, Seq: 0, Type: TypeHeartbeat}.Marshal()
		if _, err := s.conn.WriteToUDP(reply, addr); err != nil {
			log.Printf("[udp] heartbeat reply to %s: %v", addr, err)
		} else {
			s.stats.bytesTransmitted.Add(uint64(len(reply)))
		}
	default:
		log.Printf("[udp] unknown packet type 0x%04x from %q", pkt.Type, pkt.ID)
		s.stats.packetsDropped.Add(1)
	}

	select {
	case s.monitor <- MonitorEvent{
		Device:    pkt.ID,
		Seq:       pkt.Seq,
		Type:      TypeName(pkt.Type),
		Size:      len(data),
		Timestamp: now.UnixMilli(),
	}:
	default:
	}
}

// routeAudio fans an audio datagram out to the source's effective targets.
// raw is the full datagram (re-sent verbatim to physical targets); payload
// is the opaque frame handed to the virtual-endpoint tap.
func (s *UDPServer) routeAudio(src string, seq uint16, raw, payload []byte) {
	targets := s.router.GetRoutes(src)
	for _, tgt := range targets {
		s.egress(src, tgt, seq, raw, payload, time.Now())
	}
}

// egress delivers one datagram to one target: virtual targets go to the
// bridge tap, virtual-sourced traffic to physical targets goes through the
// pacer, and everything else is sent directly.
func (s *UDPServer) egress(src, tgt string, seq uint16, raw, payload []byte, now time.Time) {
	if tgt == VirtualID || s.registry.IsVirtual(tgt) {
		s.tapMu.RLock()
		tap := s.audioTap
		s.tapMu.RUnlock()
		if tap != nil {
			tap(src, seq, payload)
			s.stats.packetsRouted.Add(1)
		}
		return
	}

	if s.pacer != nil && ShouldPace(src, tgt) {
		s.pacer.Enqueue(raw, src, tgt, now)
		return
	}

	if err := s.SendTo(tgt, raw); err == nil {
		s.stats.packetsRouted.Add(1)
	}
}

// SendTo writes a raw datagram to the endpoint's registered address.
// Offline and virtual endpoints are suppressed; send errors are counted,
// not retried.
func (s *UDPServer) SendTo(id string, data []byte) error {
	addr, ok := s.registry.Addr(id)
	if !ok {
		s.stats.packetsDropped.Add(1)
		return errEndpointUnavailable(id)
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.stats.packetsDropped.Add(1)
		return err
	}
	s.stats.bytesTransmitted.Add(uint64(len(data)))
	return nil
}

// PacedSendTo is the pacer's egress hook: a paced release that lands
// counts as a routed packet.
func (s *UDPServer) PacedSendTo(id string, data []byte) error {
	if err := s.SendTo(id, data); err != nil {
		return err
	}
	s.stats.packetsRouted.Add(1)
	return nil
}

// InjectFromVirtual enters a packet built by the bridge into the egress
// pipeline as if it had arrived on the socket — except the target list is
// supplied by the caller rather than computed from the routing matrix.
func (s *UDPServer) InjectFromVirtual(pkt Packet, targets []string) {
	raw := pkt.Marshal()
	now := time.Now()
	for _, tgt := range targets {
		s.egress(pkt.ID, tgt, pkt.Seq, raw, pkt.Payload, now)
	}
}

// handleControl applies the limited in-band command set. Malformed
// payloads are logged and ignored.
func (s *UDPServer) handleControl(pkt Packet) {
	var cmd controlCommand
	if err := json.Unmarshal(pkt.Payload, &cmd); err != nil {
		log.Printf("[udp] control payload from %q: %v", pkt.ID, err)
		return
	}
	switch cmd.Command {
	case "route":
		src := cmd.Source
		if src == "" {
			src = pkt.ID
		}
		if cmd.Target == "" {
			log.Printf("[udp] control route from %q: missing target", pkt.ID)
			return
		}
		s.router.SetRoute(src, cmd.Target)
		log.Printf("[udp] control: route %s → %s", src, cmd.Target)
	case "broadcast":
		id := cmd.Device
		if id == "" {
			id = pkt.ID
		}
		if cmd.Enable {
			s.router.EnableBroadcast(id)
		} else {
			s.router.DisableBroadcast(id)
		}
		log.Printf("[udp] control: broadcast %s = %v", id, cmd.Enable)
	case "mute":
		id := cmd.Device
		if id == "" {
			id = pkt.ID
		}
		if cmd.Enable {
			s.router.Mute(id)
		} else {
			s.router.Unmute(id)
		}
		log.Printf("[udp] control: mute %s = %v", id, cmd.Enable)
	default:
		log.Printf("[udp] control: unknown command %q from %q", cmd.Command, pkt.ID)
	}
}

// errEndpointUnavailable marks a send suppressed because the target is
// unknown, offline, or virtual.
type errEndpointUnavailable string

func (e errEndpointUnavailable) Error() string {
	return "endpoint unavailable: " + string(e)
}
