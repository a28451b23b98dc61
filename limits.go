package main

import "time"

// Operational limits — named constants for values that would otherwise be
// scattered across multiple source files.
const (
	// packetInterval is the nominal spacing between paced sends. One Opus
	// frame covers 20 ms of audio, so the pacer releases at most one
	// packet per 20 ms toward any physical endpoint.
	packetInterval = 20 * time.Millisecond

	// maxBufferSize is the per-flow jitter buffer depth. 10 packets is
	// 200 ms of audio; anything older is stale enough to drop.
	maxBufferSize = 10

	// maxLatency is the head-of-queue age beyond which a high_latency
	// violation is recorded.
	maxLatency = 100 * time.Millisecond

	// catchupAge is the head-of-queue age that lets a tick bypass the
	// anti-burst guard so a backlog can drain.
	catchupAge = 60 * time.Millisecond

	// antiBurstGuard is the minimum spacing enforced between sends when
	// the pacer is not catching up. Slightly under packetInterval so a
	// tick that fires marginally early still releases its packet.
	antiBurstGuard = packetInterval - 2*time.Millisecond

	// queueBuildupDepth is the queue depth that triggers a queue_buildup
	// violation (rate-limited to once per second per flow).
	queueBuildupDepth = 5

	// jitterWindow is the number of inter-arrival deltas retained per
	// endpoint for average jitter computation.
	jitterWindow = 100

	// timingHistory is the number of inter-send intervals and violation
	// events retained by the pacer.
	timingHistory = 100

	// timingStatsWindow is the number of recent inter-send deltas used
	// for the min/max/average readout.
	timingStatsWindow = 20

	// lossResetThreshold is the sequence gap at or above which a jump is
	// treated as a device reset or reordering rather than loss.
	lossResetThreshold = 1000

	// monitorFlushInterval is how often accumulated per-packet monitor
	// events are flushed to control-plane clients as one batch.
	monitorFlushInterval = 100 * time.Millisecond

	// monitorBacklog is the monitor channel capacity; events beyond it
	// are dropped rather than stalling the datagram path.
	monitorBacklog = 256

	// hubWriteTimeout bounds a single control-plane write. A client that
	// cannot drain within this window is dropped.
	hubWriteTimeout = 5 * time.Second

	// gcOfflineAge is how long an endpoint stays registered after going
	// offline before Cleanup removes it.
	gcOfflineAge = time.Hour
)
