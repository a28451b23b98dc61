package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// Violation is a timing-diagnostic event. Violations are never fatal; they
// are retained in a bounded ring and surfaced to bridge clients.
type Violation struct {
	Kind      string  `json:"kind"` // interval_drift, packet_interval, queue_buildup, high_latency
	Flow      string  `json:"flow,omitempty"`
	Severity  string  `json:"severity,omitempty"`
	ValueMs   float64 `json:"value_ms,omitempty"`
	Timestamp int64   `json:"ts"`
}

// TimingStats is the pacer's inter-send readout over the recent window.
type TimingStats struct {
	MinMs        float64        `json:"min_ms"`
	MaxMs        float64        `json:"max_ms"`
	AvgMs        float64        `json:"avg_ms"`
	TotalSent    uint64         `json:"total_sent"`
	TotalDropped uint64         `json:"total_dropped"`
	FlowDepths   map[string]int `json:"flow_depths"`
}

// pacedPacket is one buffered datagram awaiting release.
type pacedPacket struct {
	data        []byte
	enqueueTime time.Time
	seq         uint16
}

// pacedFlow is the jitter buffer for one (source, target) pair.
type pacedFlow struct {
	mu  sync.Mutex
	src string
	tgt string

	queue        []pacedPacket
	lastSendTime time.Time

	enqueued uint64
	sent     uint64
	dropped  uint64

	lastBuildupWarn time.Time
}

func (f *pacedFlow) key() string { return f.src + "→" + f.tgt }

// Pacer smooths bursty ingress from the virtual endpoint into an exact
// packetInterval cadence toward physical endpoints. Per-flow queues absorb
// jitter and reordering; a round-robin cursor keeps flows fair; at most
// one packet is released per tick.
type Pacer struct {
	mu       sync.Mutex
	flows    map[string]*pacedFlow
	flowKeys []string // insertion order, round-robin domain
	rrIndex  int

	lastGlobalSendTime time.Time
	lastTick           time.Time
	everSent           bool

	intervals    []time.Duration // ring of last timingHistory inter-send deltas
	intervalPos  int
	intervalFull bool

	violations []Violation // ring of last timingHistory events

	totalSent    uint64
	totalDropped uint64

	// send delivers a released packet; wired to the datagram server.
	send func(tgt string, data []byte) error

	// onViolation and onTiming fan timing diagnostics out to the bridge.
	// Both may be nil. Called without pacer locks held is not guaranteed;
	// handlers must not call back into the pacer.
	onViolation func(Violation)
	onTiming    func(TimingStats)
}

// NewPacer creates a pacer that delivers packets through send.
func NewPacer(send func(tgt string, data []byte) error) *Pacer {
	return &Pacer{
		flows:     make(map[string]*pacedFlow),
		intervals: make([]time.Duration, timingHistory),
		send:      send,
	}
}

// SetViolationHandler registers a callback fired for each recorded violation.
func (p *Pacer) SetViolationHandler(fn func(Violation)) {
	p.mu.Lock()
	p.onViolation = fn
	p.mu.Unlock()
}

// SetTimingHandler registers a callback fired after each released packet.
func (p *Pacer) SetTimingHandler(fn func(TimingStats)) {
	p.mu.Lock()
	p.onTiming = fn
	p.mu.Unlock()
}

// ShouldPace reports whether traffic from src to tgt goes through the
// pacer. Only the virtual endpoint produces bursty timing, so only
// virtual→physical flows are paced; everything else sends directly.
func ShouldPace(src, tgt string) bool {
	return src == VirtualID && tgt != VirtualID
}

// Enqueue buffers a packet for paced delivery on the (src, tgt) flow.
// The queue is capped at maxBufferSize: overflow drops from the head
// (oldest first). Packets are kept sorted by sequence so intra-burst
// reordering is repaired before release.
func (p *Pacer) Enqueue(data []byte, src, tgt string, now time.Time) {
	seq := uint16(0)
	if len(data) >= HeaderSize {
		seq = uint16(data[4])<<8 | uint16(data[5])
	}

	p.mu.Lock()
	key := src + "\x00" + tgt
	f, ok := p.flows[key]
	if !ok {
		f = &pacedFlow{src: src, tgt: tgt}
		p.flows[key] = f
		p.flowKeys = append(p.flowKeys, key)
		log.Printf("[pacer] new flow %s", f.key())
	}
	p.mu.Unlock()

	f.mu.Lock()
	f.queue = append(f.queue, pacedPacket{data: data, enqueueTime: now, seq: seq})
	f.enqueued++

	// Nearest-neighbor insertion sort step: the queue is small, so one
	// backward bubble repairs intra-burst reordering.
	for i := len(f.queue) - 1; i > 0 && seqBefore(f.queue[i].seq, f.queue[i-1].seq); i-- {
		f.queue[i], f.queue[i-1] = f.queue[i-1], f.queue[i]
	}

	dropped := 0
	for len(f.queue) > maxBufferSize {
		f.queue = f.queue[1:]
		f.dropped++
		dropped++
	}
	f.mu.Unlock()

	if dropped > 0 {
		p.mu.Lock()
		p.totalDropped += uint64(dropped)
		p.mu.Unlock()
	}
}

// Run fires Tick every packetInterval until ctx is canceled.
func (p *Pacer) Run(ctx context.Context) {
	ticker := time.NewTicker(packetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(time.Now())
		}
	}
}

// Tick releases at most one packet across all flows, round-robin. It also
// records interval drift, queue buildup, and latency violations.
func (p *Pacer) Tick(now time.Time) {
	p.mu.Lock()

	// Tick-to-tick drift against the nominal interval. Only meaningful
	// once the pacer is actively sending.
	if !p.lastTick.IsZero() && p.everSent {
		drift := now.Sub(p.lastTick) - packetInterval
		if drift < -10*time.Millisecond || drift > 10*time.Millisecond {
			p.recordViolation(Violation{
				Kind:      "interval_drift",
				ValueMs:   float64(drift) / float64(time.Millisecond),
				Timestamp: now.UnixMilli(),
			})
		}
	}
	p.lastTick = now

	n := len(p.flowKeys)
	if n == 0 {
		p.mu.Unlock()
		return
	}

	// A head older than catchupAge means a backlog is building; skip the
	// anti-burst guard so it can drain one packet per tick.
	needsCatchup := false
	for _, key := range p.flowKeys {
		f := p.flows[key]
		f.mu.Lock()
		if len(f.queue) > 0 && now.Sub(f.queue[0].enqueueTime) > catchupAge {
			needsCatchup = true
		}
		f.mu.Unlock()
		if needsCatchup {
			break
		}
	}

	if !needsCatchup && !p.lastGlobalSendTime.IsZero() && now.Sub(p.lastGlobalSendTime) < antiBurstGuard {
		p.mu.Unlock()
		return
	}

	for i := 0; i < n; i++ {
		idx := (p.rrIndex + i) % n
		f := p.flows[p.flowKeys[idx]]

		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			continue
		}

		headAge := now.Sub(f.queue[0].enqueueTime)

		// Initial buffering: before the very first send, hold a lone
		// fresh packet so the receiver's playback buffer does not start
		// on a single-packet underrun.
		if !p.everSent && len(f.queue) < 2 && headAge < packetInterval {
			f.mu.Unlock()
			continue
		}

		if len(f.queue) > queueBuildupDepth && now.Sub(f.lastBuildupWarn) > time.Second {
			f.lastBuildupWarn = now
			p.recordViolation(Violation{
				Kind:      "queue_buildup",
				Flow:      f.key(),
				ValueMs:   float64(len(f.queue)),
				Timestamp: now.UnixMilli(),
			})
		}
		if headAge > maxLatency {
			p.recordViolation(Violation{
				Kind:      "high_latency",
				Flow:      f.key(),
				ValueMs:   float64(headAge) / float64(time.Millisecond),
				Timestamp: now.UnixMilli(),
			})
		}

		pkt := f.queue[0]
		f.queue = f.queue[1:]
		f.sent++
		f.lastSendTime = now
		tgt := f.tgt
		f.mu.Unlock()

		if !p.lastGlobalSendTime.IsZero() {
			p.recordInterval(now.Sub(p.lastGlobalSendTime), now)
		}
		p.lastGlobalSendTime = now
		p.everSent = true
		p.totalSent++
		p.rrIndex = (idx + 1) % n

		onTiming := p.onTiming
		stats := p.timingStatsLocked()
		p.mu.Unlock()

		if err := p.send(tgt, pkt.data); err != nil {
			log.Printf("[pacer] send to %q: %v", tgt, err)
		}
		if onTiming != nil {
			onTiming(stats)
		}
		return // at most one packet per tick
	}

	// Nothing to release; keep the cursor moving so a newly-filled flow
	// does not always defer to its predecessors.
	p.rrIndex = (p.rrIndex + 1) % n
	p.mu.Unlock()
}

// recordInterval stores an inter-send delta and classifies it. Must be
// called with p.mu held.
func (p *Pacer) recordInterval(d time.Duration, now time.Time) {
	p.intervals[p.intervalPos] = d
	p.intervalPos = (p.intervalPos + 1) % timingHistory
	if p.intervalPos == 0 {
		p.intervalFull = true
	}

	ms := float64(d) / float64(time.Millisecond)
	if ms >= 15 && ms <= 25 {
		return
	}
	severity := "warning"
	if ms < 10 || ms > 40 {
		severity = "critical"
	}
	p.recordViolation(Violation{
		Kind:      "packet_interval",
		Severity:  severity,
		ValueMs:   ms,
		Timestamp: now.UnixMilli(),
	})
}

// recordViolation appends to the bounded violation ring and fires the
// handler. Must be called with p.mu held.
func (p *Pacer) recordViolation(v Violation) {
	p.violations = append(p.violations, v)
	if len(p.violations) > timingHistory {
		p.violations = p.violations[len(p.violations)-timingHistory:]
	}
	if p.onViolation != nil {
		p.onViolation(v)
	}
}

// timingStatsLocked computes the stats snapshot. Must be called with p.mu
// held; flow locks are taken one at a time for depth readout.
func (p *Pacer) timingStatsLocked() TimingStats {
	stats := TimingStats{
		TotalSent:    p.totalSent,
		TotalDropped: p.totalDropped,
		FlowDepths:   make(map[string]int, len(p.flowKeys)),
	}

	n := timingHistory
	if !p.intervalFull {
		n = p.intervalPos
	}
	window := timingStatsWindow
	if n < window {
		window = n
	}
	if window > 0 {
		min, max, sum := time.Duration(1<<62), time.Duration(0), time.Duration(0)
		for i := 1; i <= window; i++ {
			d := p.intervals[(p.intervalPos-i+timingHistory)%timingHistory]
			if d < min {
				min = d
			}
			if d > max {
				max = d
			}
			sum += d
		}
		stats.MinMs = float64(min) / float64(time.Millisecond)
		stats.MaxMs = float64(max) / float64(time.Millisecond)
		stats.AvgMs = float64(sum) / float64(window) / float64(time.Millisecond)
	}

	for _, key := range p.flowKeys {
		f := p.flows[key]
		f.mu.Lock()
		stats.FlowDepths[f.key()] = len(f.queue)
		f.mu.Unlock()
	}
	return stats
}

// Stats returns the current timing snapshot.
func (p *Pacer) Stats() TimingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timingStatsLocked()
}

// Violations returns a copy of the retained violation ring.
func (p *Pacer) Violations() []Violation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Violation, len(p.violations))
	copy(out, p.violations)
	return out
}

// FlowCounters returns enqueued/sent/dropped/queued for one flow, for tests
// and the bridge stats readout.
func (p *Pacer) FlowCounters(src, tgt string) (enqueued, sent, dropped uint64, queued int, ok bool) {
	p.mu.Lock()
	f, found := p.flows[src+"\x00"+tgt]
	p.mu.Unlock()
	if !found {
		return 0, 0, 0, 0, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enqueued, f.sent, f.dropped, len(f.queue), true
}
