package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Metrics
// ============================================================================

// Metrics holds the Prometheus collectors updated by the sync core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connected        prometheus.Gauge
	connectFailures  prometheus.Counter
	reconnects       prometheus.Counter
	reconnectGaveUp  prometheus.Counter
	framesDropped    *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	messages         *prometheus.CounterVec
	markReadFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "connected",
			Help:      "1 while the push connection is established.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled automatic reconnect attempts.",
		}),
		reconnectGaveUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_exhausted_total",
			Help:      "Times the reconnect ceiling was reached.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded, by reason.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "duplicate_messages_total",
			Help:      "Message observations collapsed by id, by source.",
		}, []string{"source"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "messages_ingested_total",
			Help:      "Messages applied to the local view, by source.",
		}, []string{"source"}),
		markReadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "mark_read_failures_total",
			Help:      "Remote mark-as-read calls that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.connected,
			m.connectFailures,
			m.reconnects,
			m.reconnectGaveUp,
			m.framesDropped,
			m.duplicates,
			m.messages,
			m.markReadFailures,
		)
	}
	return m
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) connectFailed() {
	if m != nil {
		m.connectFailures.Inc()
	}
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) reconnectExhausted() {
	if m != nil {
		m.reconnectGaveUp.Inc()
	}
}

func (m *Metrics) frameDropped(reason string) {
	if m != nil {
		m.framesDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) duplicate(source MessageSource) {
	if m != nil {
		m.duplicates.WithLabelValues(string(source)).Inc()
	}
}

func (m *Metrics) ingested(source MessageSource) {
	if m != nil {
		m.messages.WithLabelValues(string(source)).Inc()
	}
}

func (m *Metrics) markReadFailed() {
	if m != nil {
		m.markReadFailures.Inc()
	}
}
