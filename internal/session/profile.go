package session

import (
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/chronologos/rollnet/internal/metrics"
	"github.com/chronologos/rollnet/internal/transport"
)

// profileInterval is how often connection quality is sampled.
const profileInterval = 5 * time.Second

// profiler samples RTT and loss of live connections on the tick loop.
type profiler struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	last    time.Time
}

// due reports whether a sampling round should run now.
func (p *profiler) due(now time.Time) bool {
	if now.Sub(p.last) < profileInterval {
		return false
	}
	p.last = now
	return true
}

func (p *profiler) sample(peer string, conn *transport.Conn) {
	stats := conn.ConnectionStats()
	if p.metrics != nil {
		p.metrics.ObserveRTT(peer, stats.SmoothedRTT)
	}
	p.log.Debug("connection profile", profileFields(peer, stats)...)
}

// summary logs the totals of a connection that is going away.
func (p *profiler) summary(peer string, conn *transport.Conn) {
	if p.metrics != nil {
		p.metrics.ForgetPeer(peer)
	}
	p.log.Info("connection summary", profileFields(peer, conn.ConnectionStats())...)
}

func profileFields(peer string, stats quic.ConnectionStats) []zap.Field {
	return []zap.Field{
		zap.String("peer", peer),
		zap.Duration("rtt_min", stats.MinRTT),
		zap.Duration("rtt_smooth", stats.SmoothedRTT),
		zap.Duration("rtt_latest", stats.LatestRTT),
		zap.Duration("jitter", stats.MeanDeviation),
		zap.Uint64("bytes_sent", stats.BytesSent),
		zap.Uint64("bytes_recv", stats.BytesReceived),
		zap.Uint64("packets_sent", stats.PacketsSent),
		zap.Uint64("packets_recv", stats.PacketsReceived),
		zap.Uint64("packets_lost", stats.PacketsLost),
	}
}
