package main

import (
	"context"
	"log"
	"net"
	"time"
)

// silenceFrame is a minimal Opus frame (CELT silence). The fabric treats
// payloads as opaque, so any valid-looking frame works for soak testing.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// RunTestDevice simulates a physical endpoint: it binds a local port from
// udp.devicePortStart, sends one audio datagram every frame interval to
// the server's own socket, and heartbeats alongside. Traffic enters
// through the normal ingress path, so routing and stats behave exactly as
// they would for hardware.
func RunTestDevice(ctx context.Context, id string, cfg Config) {
	serverAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.UDP.ServerPort}
	localAddr := &net.UDPAddr{Port: cfg.UDP.DevicePortStart}

	conn, err := net.DialUDP("udp", localAddr, serverAddr)
	if err != nil {
		log.Printf("[testdevice] dial: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[testdevice] %q sending to %s every %v", id, serverAddr, cfg.FrameDuration())

	ticker := time.NewTicker(cfg.FrameDuration())
	defer ticker.Stop()
	heartbeat := time.NewTicker(time.Duration(cfg.Device.HeartbeatInterval) * time.Second)
	defer heartbeat.Stop()

	var seq uint16
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkt := Packet{ID: id, Seq: seq, Type: TypeAudio, Payload: silenceFrame}
			if _, err := conn.Write(pkt.Marshal()); err != nil {
				log.Printf("[testdevice] send: %v", err)
			}
			seq++
		case <-heartbeat.C:
			pkt := Packet{ID: id, Seq: seq, Type: TypeHeartbeat}
			if _, err := conn.Write(pkt.Marshal()); err != nil {
				log.Printf("[testdevice] heartbeat: %v", err)
			}
		}
	}
}
