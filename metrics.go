package main

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunMetrics logs traffic stats every interval until ctx is canceled.
// Rates are computed against the previous snapshot so the line reflects
// the interval, not the process lifetime.
func RunMetrics(ctx context.Context, stats *ServerStats, reg *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := stats.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := stats.Snapshot()
			received := cur.PacketsReceived - prev.PacketsReceived
			routed := cur.PacketsRouted - prev.PacketsRouted
			dropped := cur.PacketsDropped - prev.PacketsDropped
			bytes := cur.BytesReceived - prev.BytesReceived
			prev = cur
			if received > 0 || routed > 0 {
				log.Printf("[metrics] endpoints=%d received=%d routed=%d dropped=%d (%.1f KB/s)",
					reg.Count(), received, routed, dropped,
					float64(bytes)/interval.Seconds()/1024)
			}
		}
	}
}

// RegisterCollectors mirrors the server's atomic counters into the default
// Prometheus registry, served by the API's /metrics endpoint.
func RegisterCollectors(stats *ServerStats, reg *Registry) {
	counters := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"audiomesh_packets_received_total", "Datagrams received on the UDP socket.",
			func() float64 { return float64(stats.packetsReceived.Load()) }},
		{"audiomesh_packets_routed_total", "Datagrams successfully delivered to a routing target.",
			func() float64 { return float64(stats.packetsRouted.Load()) }},
		{"audiomesh_packets_dropped_total", "Datagrams dropped (malformed, unroutable, or send failure).",
			func() float64 { return float64(stats.packetsDropped.Load()) }},
		{"audiomesh_bytes_received_total", "Bytes received on the UDP socket.",
			func() float64 { return float64(stats.bytesReceived.Load()) }},
		{"audiomesh_bytes_transmitted_total", "Bytes written to the UDP socket.",
			func() float64 { return float64(stats.bytesTransmitted.Load()) }},
	}
	for _, c := range counters {
		prometheus.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help}, c.fn))
	}
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "audiomesh_endpoints",
			Help: "Registered endpoints (online and offline).",
		},
		func() float64 { return float64(reg.Count()) }))
}
