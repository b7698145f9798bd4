package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var connectionStates = []string{"idle", "connecting", "connected", "backoff"}

// Metrics collects the observability surface of one mower link.
type Metrics struct {
	FramesDecoded     prometheus.Counter
	FrameDecodeErrors *prometheus.CounterVec
	Reconnects        prometheus.Counter
	Commands          *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	staleness         prometheus.GaugeFunc
}

// New builds and registers the collectors. lastUpdated feeds the
// staleness gauge; pass the state model's LastUpdatedAt.
func New(reg prometheus.Registerer, lastUpdated func() time.Time) *Metrics {
	m := &Metrics{
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudhawk_frames_decoded_total",
			Help: "Inbound frames decoded and applied to the state model",
		}),
		FrameDecodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudhawk_frame_decode_errors_total",
			Help: "Inbound frames dropped because they could not be decoded",
		}, []string{"reason"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cloudhawk_reconnects_total",
			Help: "Connect attempts issued by the reconnection supervisor",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cloudhawk_commands_total",
			Help: "Commands submitted, by kind and outcome",
		}, []string{"kind", "outcome"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cloudhawk_connection_state",
			Help: "Current supervisor state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
		staleness: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cloudhawk_notification_staleness_seconds",
			Help: "Seconds since the state model last absorbed a frame",
		}, func() float64 {
			last := lastUpdated()
			if last.IsZero() {
				return 0
			}
			return time.Since(last).Seconds()
		}),
	}
	reg.MustRegister(
		m.FramesDecoded,
		m.FrameDecodeErrors,
		m.Reconnects,
		m.Commands,
		m.connectionState,
		m.staleness,
	)
	m.SetConnectionState("idle")
	return m
}

// SetConnectionState flips the state gauge so exactly one state reads 1.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}
