package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/chronologos/rollnet/internal/rollback"
)

func value(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	var m dto.Metric
	if err := (<-ch).Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestObserveAddsDeltas(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Observe(rollback.Stats{Rollbacks: 2, ReplayedFrames: 10}, 30, 25)
	m.Observe(rollback.Stats{Rollbacks: 3, ReplayedFrames: 12, Resyncs: 1}, 31, 31)

	if got := value(t, m.Rollbacks); got != 3 {
		t.Errorf("rollbacks %v, want 3", got)
	}
	if got := value(t, m.ReplayedFrames); got != 12 {
		t.Errorf("replayed frames %v, want 12", got)
	}
	if got := value(t, m.Resyncs); got != 1 {
		t.Errorf("resyncs %v, want 1", got)
	}
	if got := value(t, m.ConfirmedFrame); got != 31 {
		t.Errorf("confirmed frame %v, want 31", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Spectators.Set(2)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "rollnet_spectators 2") {
		t.Fatalf("metrics output missing gauge:\n%s", body)
	}
}

func TestRTTPerPeer(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveRTT("1", 20*time.Millisecond)
	m.ObserveRTT("2", 5*time.Millisecond)

	if got := value(t, m.RTT.WithLabelValues("1")); got != 0.02 {
		t.Errorf("rtt %v, want 0.02", got)
	}
	m.ForgetPeer("2")
	if n := testutil.CollectAndCount(m.RTT); n != 1 {
		t.Errorf("%d rtt series after forgetting a peer, want 1", n)
	}
}
