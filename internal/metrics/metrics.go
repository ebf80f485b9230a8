// Package metrics exports session health as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chronologos/rollnet/internal/rollback"
)

// Metrics mirrors an engine's counters into Prometheus.
type Metrics struct {
	Rollbacks          prometheus.Counter
	ReplayedFrames     prometheus.Counter
	Rewinds            prometheus.Counter
	StalledTicks       prometheus.Counter
	ChecksumMismatches prometheus.Counter
	Resyncs            prometheus.Counter
	HealthWarnings     prometheus.Counter
	UnreplayedFrames   prometheus.Counter

	SelfFrame      prometheus.Gauge
	ConfirmedFrame prometheus.Gauge
	Peers          prometheus.Gauge
	Spectators     prometheus.Gauge
	// RTT is the smoothed round-trip time per connection, in seconds.
	RTT *prometheus.GaugeVec

	last rollback.Stats
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "rollnet", Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "rollnet", Name: name, Help: help})
	}
	m := &Metrics{
		Rollbacks:          counter("rollbacks_total", "Replays from a divergence point"),
		ReplayedFrames:     counter("replayed_frames_total", "Frames re-simulated by replays"),
		Rewinds:            counter("rewinds_total", "Ticks taken back because the confirmed frame fell behind"),
		StalledTicks:       counter("stalled_ticks_total", "Ticks on which no frame ran"),
		ChecksumMismatches: counter("checksum_mismatches_total", "Snapshot checksums that disagreed with the host"),
		Resyncs:            counter("resyncs_total", "Full-state resynchronizations requested"),
		HealthWarnings:     counter("health_warnings_total", "Times resyncs clustered within the health window"),
		UnreplayedFrames:   counter("unreplayed_frames_total", "Mispredicted frames accepted because savestates were unavailable"),

		SelfFrame:      gauge("self_frame", "Next frame to simulate locally"),
		ConfirmedFrame: gauge("confirmed_frame", "Frames before this are confirmed"),
		Peers:          gauge("peers", "Connected players"),
		Spectators:     gauge("spectators", "Connected spectators"),
		RTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rollnet",
			Name:      "rtt_seconds",
			Help:      "Smoothed round-trip time to a peer",
		}, []string{"peer"}),
	}
	reg.MustRegister(
		m.Rollbacks,
		m.ReplayedFrames,
		m.Rewinds,
		m.StalledTicks,
		m.ChecksumMismatches,
		m.Resyncs,
		m.HealthWarnings,
		m.UnreplayedFrames,
		m.SelfFrame,
		m.ConfirmedFrame,
		m.Peers,
		m.Spectators,
		m.RTT,
	)
	return m
}

// Observe records the engine's progress since the previous call.
func (m *Metrics) Observe(s rollback.Stats, self, confirmed uint32) {
	m.Rollbacks.Add(float64(s.Rollbacks - m.last.Rollbacks))
	m.ReplayedFrames.Add(float64(s.ReplayedFrames - m.last.ReplayedFrames))
	m.Rewinds.Add(float64(s.Rewinds - m.last.Rewinds))
	m.StalledTicks.Add(float64(s.StalledTicks - m.last.StalledTicks))
	m.ChecksumMismatches.Add(float64(s.ChecksumMismatches - m.last.ChecksumMismatches))
	m.Resyncs.Add(float64(s.Resyncs - m.last.Resyncs))
	m.HealthWarnings.Add(float64(s.HealthWarnings - m.last.HealthWarnings))
	m.UnreplayedFrames.Add(float64(s.UnreplayedFrames - m.last.UnreplayedFrames))
	m.last = s

	m.SelfFrame.Set(float64(self))
	m.ConfirmedFrame.Set(float64(confirmed))
}

// ObserveRTT records the round-trip time to peer.
func (m *Metrics) ObserveRTT(peer string, rtt time.Duration) {
	m.RTT.WithLabelValues(peer).Set(rtt.Seconds())
}

// ForgetPeer drops the series of a peer that left.
func (m *Metrics) ForgetPeer(peer string) {
	m.RTT.DeleteLabelValues(peer)
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
