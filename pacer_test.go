package main

import (
	"sync"
	"testing"
	"time"
)

// sendRecorder collects paced releases for assertions.
type sendRecorder struct {
	mu    sync.Mutex
	sends []recordedSend
	err   error
}

type recordedSend struct {
	tgt  string
	data []byte
}

func (r *sendRecorder) send(tgt string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.mu.Lock()
	r.sends = append(r.sends, recordedSend{tgt: tgt, data: cp})
	r.mu.Unlock()
	return nil
}

func (r *sendRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sends)
}

func audioDatagram(id string, seq uint16) []byte {
	return Packet{ID: id, Seq: seq, Type: TypeAudio, Payload: []byte{0xAA}}.Marshal()
}

func TestShouldPace(t *testing.T) {
	cases := []struct {
		src, tgt string
		want     bool
	}{
		{VirtualID, "001", true},
		{VirtualID, VirtualID, false},
		{"001", "002", false},
		{"001", VirtualID, false},
	}
	for _, c := range cases {
		if got := ShouldPace(c.src, c.tgt); got != c.want {
			t.Errorf("ShouldPace(%q, %q) = %v, want %v", c.src, c.tgt, got, c.want)
		}
	}
}

func TestEnqueueDropsOldestOverCap(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	// A burst of 15: packets 0..4 should be evicted by 10..14.
	for seq := uint16(0); seq < 15; seq++ {
		p.Enqueue(audioDatagram(VirtualID, seq), VirtualID, "001", now)
	}

	enqueued, sent, dropped, queued, ok := p.FlowCounters(VirtualID, "001")
	if !ok {
		t.Fatal("flow missing")
	}
	if enqueued != 15 || sent != 0 || dropped != 5 || queued != maxBufferSize {
		t.Fatalf("counters: enqueued=%d sent=%d dropped=%d queued=%d",
			enqueued, sent, dropped, queued)
	}
	if stats := p.Stats(); stats.TotalDropped != 5 {
		t.Errorf("totalDropped: got %d, want 5", stats.TotalDropped)
	}
}

func TestEnqueueRepairsReordering(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	for _, seq := range []uint16{2, 0, 1} {
		p.Enqueue(audioDatagram(VirtualID, seq), VirtualID, "001", now.Add(-100*time.Millisecond))
	}

	// Old heads force catch-up, so three ticks drain in order.
	for i := 0; i < 3; i++ {
		p.Tick(now.Add(time.Duration(i) * packetInterval))
	}

	if rec.count() != 3 {
		t.Fatalf("sent %d, want 3", rec.count())
	}
	for i, want := range []uint16{0, 1, 2} {
		pkt, err := ParsePacket(rec.sends[i].data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if pkt.Seq != want {
			t.Errorf("release %d: seq %d, want %d", i, pkt.Seq, want)
		}
	}
}

func TestEnqueueSortHandlesWrap(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now().Add(-200 * time.Millisecond)

	for _, seq := range []uint16{0, 65535} {
		p.Enqueue(audioDatagram(VirtualID, seq), VirtualID, "001", now)
	}

	p.Tick(time.Now())
	if rec.count() != 1 {
		t.Fatalf("sent %d, want 1", rec.count())
	}
	pkt, _ := ParsePacket(rec.sends[0].data)
	if pkt.Seq != 65535 {
		t.Errorf("first release: seq %d, want 65535 (precedes 0 mod 2^16)", pkt.Seq)
	}
}

func TestOnePacketPerTick(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	for seq := uint16(0); seq < 5; seq++ {
		p.Enqueue(audioDatagram(VirtualID, seq), VirtualID, "001", now.Add(-200*time.Millisecond))
	}

	p.Tick(now)
	if rec.count() != 1 {
		t.Fatalf("one tick released %d packets", rec.count())
	}
	for i := 1; i < 5; i++ {
		p.Tick(now.Add(time.Duration(i) * packetInterval))
	}
	if rec.count() != 5 {
		t.Fatalf("five ticks released %d packets", rec.count())
	}
}

func TestAntiBurstGuard(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	// Two fresh packets: enough to pass initial buffering, too fresh
	// for catch-up.
	p.Enqueue(audioDatagram(VirtualID, 0), VirtualID, "001", now)
	p.Enqueue(audioDatagram(VirtualID, 1), VirtualID, "001", now)

	p.Tick(now)
	if rec.count() != 1 {
		t.Fatalf("first tick released %d", rec.count())
	}

	// A second tick 5 ms later must not release: inside the guard window
	// and the head is only 5 ms old.
	p.Tick(now.Add(5 * time.Millisecond))
	if rec.count() != 1 {
		t.Fatalf("burst released %d packets within the guard window", rec.count())
	}

	p.Tick(now.Add(packetInterval))
	if rec.count() != 2 {
		t.Fatalf("after full interval: %d", rec.count())
	}
}

func TestInitialBufferingHoldsLoneFreshPacket(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	p.Enqueue(audioDatagram(VirtualID, 0), VirtualID, "001", now)
	p.Tick(now)
	if rec.count() != 0 {
		t.Fatal("lone fresh packet released before warm-up")
	}

	// Once the head has aged past a frame interval it goes out even alone.
	p.Tick(now.Add(packetInterval + time.Millisecond))
	if rec.count() != 1 {
		t.Fatalf("aged packet not released: %d", rec.count())
	}

	// After the first send the warm-up rule no longer applies.
	p.Enqueue(audioDatagram(VirtualID, 1), VirtualID, "001", now.Add(2*packetInterval))
	p.Tick(now.Add(2 * packetInterval))
	if rec.count() != 2 {
		t.Fatalf("lone packet held after warm-up: %d", rec.count())
	}
}

func TestRoundRobinFairness(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	old := time.Now().Add(-200 * time.Millisecond)

	flows := []string{"001", "002", "003"}
	for _, tgt := range flows {
		for seq := uint16(0); seq < 3; seq++ {
			p.Enqueue(audioDatagram(VirtualID, seq), VirtualID, tgt, old)
		}
	}

	now := time.Now()
	perFlow := make(map[string]int)
	for i := 0; i < 9; i++ {
		p.Tick(now.Add(time.Duration(i) * packetInterval))
	}
	rec.mu.Lock()
	for _, s := range rec.sends {
		perFlow[s.tgt]++
	}
	rec.mu.Unlock()

	for _, tgt := range flows {
		if perFlow[tgt] != 3 {
			t.Errorf("flow %s released %d, want 3 (distribution %v)", tgt, perFlow[tgt], perFlow)
		}
	}

	// Every window of 3 consecutive releases covers all 3 flows.
	for i := 0; i+3 <= 9; i += 3 {
		seen := map[string]bool{}
		for j := i; j < i+3; j++ {
			seen[rec.sends[j].tgt] = true
		}
		if len(seen) != 3 {
			t.Errorf("window %d: flows %v", i/3, seen)
		}
	}
}

func TestFlowInvariant(t *testing.T) {
	// enqueued − sent − dropped = queued, at every step.
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	check := func(step string) {
		enq, sent, dropped, queued, ok := p.FlowCounters(VirtualID, "001")
		if !ok {
			t.Fatalf("%s: flow missing", step)
		}
		if int(enq)-int(sent)-int(dropped) != queued {
			t.Fatalf("%s: %d - %d - %d != %d", step, enq, sent, dropped, queued)
		}
	}

	for seq := uint16(0); seq < 14; seq++ {
		p.Enqueue(audioDatagram(VirtualID, seq), VirtualID, "001", now.Add(-150*time.Millisecond))
		check("enqueue")
	}
	for i := 0; i < 6; i++ {
		p.Tick(now.Add(time.Duration(i) * packetInterval))
		check("tick")
	}
}

func TestHighLatencyViolation(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	p.Enqueue(audioDatagram(VirtualID, 0), VirtualID, "001", now.Add(-150*time.Millisecond))
	p.Enqueue(audioDatagram(VirtualID, 1), VirtualID, "001", now.Add(-150*time.Millisecond))
	p.Tick(now)

	var found bool
	for _, v := range p.Violations() {
		if v.Kind == "high_latency" {
			found = true
		}
	}
	if !found {
		t.Errorf("no high_latency violation recorded: %+v", p.Violations())
	}
}

func TestQueueBuildupViolationRateLimited(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	for seq := uint16(0); seq < 8; seq++ {
		p.Enqueue(audioDatagram(VirtualID, seq), VirtualID, "001", now.Add(-150*time.Millisecond))
	}
	p.Tick(now)
	p.Tick(now.Add(packetInterval))

	count := 0
	for _, v := range p.Violations() {
		if v.Kind == "queue_buildup" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("queue_buildup count: got %d, want 1 (rate-limited)", count)
	}
}

func TestViolationHandlerFires(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)

	var mu sync.Mutex
	var kinds []string
	p.SetViolationHandler(func(v Violation) {
		mu.Lock()
		kinds = append(kinds, v.Kind)
		mu.Unlock()
	})

	now := time.Now()
	p.Enqueue(audioDatagram(VirtualID, 0), VirtualID, "001", now.Add(-150*time.Millisecond))
	p.Enqueue(audioDatagram(VirtualID, 1), VirtualID, "001", now.Add(-150*time.Millisecond))
	p.Tick(now)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) == 0 {
		t.Fatal("handler never fired")
	}
}

func TestViolationRingBounded(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	now := time.Now()

	// Alternate stale enqueue + tick to generate many high_latency events.
	for i := 0; i < 3*timingHistory; i++ {
		tick := now.Add(time.Duration(i) * packetInterval)
		p.Enqueue(audioDatagram(VirtualID, uint16(i)), VirtualID, "001", tick.Add(-150*time.Millisecond))
		p.Enqueue(audioDatagram(VirtualID, uint16(i)+1), VirtualID, "001", tick.Add(-150*time.Millisecond))
		p.Tick(tick)
	}
	if got := len(p.Violations()); got > timingHistory {
		t.Errorf("violation ring grew to %d", got)
	}
}

func TestTimingStatsWindow(t *testing.T) {
	rec := &sendRecorder{}
	p := NewPacer(rec.send)
	base := time.Now()

	for seq := uint16(0); seq < 6; seq++ {
		p.Enqueue(audioDatagram(VirtualID, seq), VirtualID, "001", base.Add(-200*time.Millisecond))
	}
	for i := 0; i < 5; i++ {
		p.Tick(base.Add(time.Duration(i) * packetInterval))
	}

	stats := p.Stats()
	if stats.TotalSent != 5 {
		t.Fatalf("totalSent: got %d", stats.TotalSent)
	}
	// Four recorded deltas of exactly one interval each.
	if stats.AvgMs < 19.9 || stats.AvgMs > 20.1 {
		t.Errorf("avg interval: got %v ms", stats.AvgMs)
	}
	if stats.MinMs < 19.9 || stats.MaxMs > 20.1 {
		t.Errorf("min/max: %v/%v ms", stats.MinMs, stats.MaxMs)
	}
	if depth := stats.FlowDepths[VirtualID+"→001"]; depth != 1 {
		t.Errorf("flow depth: got %d, want 1", depth)
	}
}

func TestSendErrorDoesNotStallPacer(t *testing.T) {
	rec := &sendRecorder{err: errEndpointUnavailable("001")}
	p := NewPacer(rec.send)
	now := time.Now()

	p.Enqueue(audioDatagram(VirtualID, 0), VirtualID, "001", now.Add(-150*time.Millisecond))
	p.Enqueue(audioDatagram(VirtualID, 1), VirtualID, "001", now.Add(-150*time.Millisecond))
	p.Tick(now)
	p.Tick(now.Add(packetInterval))

	_, sent, _, queued, _ := p.FlowCounters(VirtualID, "001")
	if sent != 2 || queued != 0 {
		t.Errorf("sent=%d queued=%d after failing sends", sent, queued)
	}
}
