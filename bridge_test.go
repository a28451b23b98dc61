package main

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestBridge builds the full datagram pipeline with a bridge on an
// HTTP test server at /audio.
func newTestBridge(t *testing.T) (*Bridge, *UDPServer, *mockConn, *Registry, *Router, *Pacer, string) {
	t.Helper()
	srv, conn, reg, rt, pacer := newTestServer()
	bridge := NewBridge(reg, rt, srv, pacer)

	mux := http.NewServeMux()
	mux.HandleFunc("/audio", bridge.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return bridge, srv, conn, reg, rt, pacer, "ws" + strings.TrimPrefix(ts.URL, "http") + "/audio"
}

func readBridgeMsg(t *testing.T, conn *websocket.Conn) BridgeMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg BridgeMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func readBridgeUntil(t *testing.T, conn *websocket.Conn, wantType string) BridgeMsg {
	t.Helper()
	for i := 0; i < 50; i++ {
		msg := readBridgeMsg(t, conn)
		if msg.Type == wantType {
			return msg
		}
	}
	t.Fatalf("no %q message after 50 reads", wantType)
	return BridgeMsg{}
}

func writeBridgeMsg(t *testing.T, conn *websocket.Conn, msg BridgeMsg) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestBridgeRegistersVirtualEndpoint(t *testing.T) {
	_, _, _, reg, _, _, _ := newTestBridge(t)
	if !reg.IsVirtual(VirtualID) || !reg.IsOnline(VirtualID) {
		t.Fatal("virtual endpoint not registered online")
	}
}

func TestBridgeHandshake(t *testing.T) {
	_, _, _, _, _, _, url := newTestBridge(t)
	conn := dialWS(t, url)
	msg := readBridgeMsg(t, conn)
	if msg.Type != "connected" {
		t.Fatalf("first message: %+v", msg)
	}
}

func TestAudioPacketEntersPacedPipeline(t *testing.T) {
	_, _, _, reg, _, pacer, url := newTestBridge(t)
	reg.UpdateFromDatagram("001", testAddr, 0, time.Now())

	conn := dialWS(t, url)
	readBridgeMsg(t, conn)

	payload := []byte{0x10, 0x20, 0x30}
	writeBridgeMsg(t, conn, BridgeMsg{
		Type:     "audio_packet",
		From:     VirtualID,
		To:       "001",
		Sequence: 42,
		Opus:     base64.StdEncoding.EncodeToString(payload),
	})

	// The datagram lands in the pacer flow, not on the socket.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if enq, _, _, _, ok := pacer.FlowCounters(VirtualID, "001"); ok && enq == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("packet never reached the pacer")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Release it on the next tick.
	pacer.Tick(time.Now().Add(catchupAge + packetInterval))
	if _, sent, _, queued, _ := pacer.FlowCounters(VirtualID, "001"); sent != 1 || queued != 0 {
		t.Fatalf("sent=%d queued=%d after tick", sent, queued)
	}
}

func TestAudioPacketReleasedBytes(t *testing.T) {
	_, srv, conn, reg, _, pacer, _ := newTestBridge(t)
	reg.UpdateFromDatagram("001", testAddr, 0, time.Now())

	payload := []byte{0x10, 0x20, 0x30}
	pkt := Packet{ID: VirtualID, Seq: 42, Type: TypeAudio, Payload: payload}
	srv.InjectFromVirtual(pkt, []string{"001"})

	pacer.Tick(time.Now().Add(catchupAge + packetInterval))
	if conn.count() != 1 {
		t.Fatalf("writes: got %d", conn.count())
	}
	out, err := ParsePacket(conn.writes[0].data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != VirtualID || out.Seq != 42 || out.Type != TypeAudio {
		t.Errorf("released: %+v", out)
	}
}

func TestStartStopListening(t *testing.T) {
	// start_listening adds device → DSH; a subsequent audio datagram
	// from the device surfaces as audio_received to the client.
	_, srv, _, reg, rt, _, url := newTestBridge(t)
	reg.UpdateFromDatagram("001", testAddr, 0, time.Now())

	conn := dialWS(t, url)
	readBridgeMsg(t, conn)

	writeBridgeMsg(t, conn, BridgeMsg{Type: "start_listening", DeviceID: "001"})
	msg := readBridgeUntil(t, conn, "listening_started")
	if msg.DeviceID != "001" {
		t.Fatalf("got %+v", msg)
	}

	found := false
	for _, tgt := range rt.GetRoutes("001") {
		if tgt == VirtualID {
			found = true
		}
	}
	if !found {
		t.Fatalf("DSH not in routes of 001: %v", rt.GetRoutes("001"))
	}

	payload := []byte{0xDE, 0xAD}
	raw := Packet{ID: "001", Seq: 5, Type: TypeAudio, Payload: payload}.Marshal()
	srv.handleDatagram(raw, testAddr, time.Now())

	rx := readBridgeUntil(t, conn, "audio_received")
	if rx.From != "001" || rx.Sequence != 5 {
		t.Errorf("got %+v", rx)
	}
	if rx.Opus != base64.StdEncoding.EncodeToString(payload) {
		t.Errorf("opus: got %q", rx.Opus)
	}

	writeBridgeMsg(t, conn, BridgeMsg{Type: "stop_listening", DeviceID: "001"})
	readBridgeUntil(t, conn, "listening_stopped")
	if len(rt.GetRoutes("001")) != 0 {
		t.Errorf("route not removed: %v", rt.GetRoutes("001"))
	}
}

func TestAudioReceivedFansOutToAllBridgeClients(t *testing.T) {
	_, srv, _, reg, rt, _, url := newTestBridge(t)
	reg.UpdateFromDatagram("001", testAddr, 0, time.Now())
	rt.SetRoute("001", VirtualID)

	c1 := dialWS(t, url)
	readBridgeMsg(t, c1)
	c2 := dialWS(t, url)
	readBridgeMsg(t, c2)

	raw := Packet{ID: "001", Seq: 1, Type: TypeAudio, Payload: []byte{0x01}}.Marshal()
	srv.handleDatagram(raw, testAddr, time.Now())

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := readBridgeUntil(t, conn, "audio_received")
		if msg.From != "001" {
			t.Errorf("got %+v", msg)
		}
	}
}

func TestRequestStats(t *testing.T) {
	_, _, _, _, _, _, url := newTestBridge(t)
	conn := dialWS(t, url)
	readBridgeMsg(t, conn)

	writeBridgeMsg(t, conn, BridgeMsg{Type: "request_stats"})
	msg := readBridgeUntil(t, conn, "audio_stats")
	if msg.Stats == nil {
		t.Fatal("missing stats payload")
	}
	if msg.Stats.Endpoint.ID != VirtualID {
		t.Errorf("endpoint: %+v", msg.Stats.Endpoint)
	}
}

func TestBridgeSetRoute(t *testing.T) {
	_, _, _, _, rt, _, url := newTestBridge(t)
	conn := dialWS(t, url)
	readBridgeMsg(t, conn)

	writeBridgeMsg(t, conn, BridgeMsg{Type: "set_route", Source: "001", Target: "002"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := rt.GetRoutes("001"); len(got) == 1 && got[0] == "002" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("route not applied: %v", rt.GetRoutes("001"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeBadBase64(t *testing.T) {
	_, _, _, _, _, _, url := newTestBridge(t)
	conn := dialWS(t, url)
	readBridgeMsg(t, conn)

	writeBridgeMsg(t, conn, BridgeMsg{Type: "audio_packet", To: "001", Opus: "!!not-base64!!"})
	msg := readBridgeUntil(t, conn, "error")
	if !strings.Contains(msg.Error, "base64") {
		t.Errorf("error: %q", msg.Error)
	}
}

func TestTimingViolationFanOut(t *testing.T) {
	_, _, _, _, _, pacer, url := newTestBridge(t)

	conn := dialWS(t, url)
	readBridgeMsg(t, conn)

	// Force a high_latency violation through the pacer.
	now := time.Now()
	pacer.Enqueue(audioDatagram(VirtualID, 0), VirtualID, "001", now.Add(-150*time.Millisecond))
	pacer.Enqueue(audioDatagram(VirtualID, 1), VirtualID, "001", now.Add(-150*time.Millisecond))
	pacer.Tick(now)

	msg := readBridgeUntil(t, conn, "timing_violation")
	if msg.Violation == nil || msg.Violation.Kind != "high_latency" {
		t.Errorf("got %+v", msg)
	}
}
