package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "media"
	metricsSubsystem = "call"
)

// Виды потоков (значение label kind)
const (
	kindAudioSend      = "audio_send"
	kindAudioReceive   = "audio_receive"
	kindFlexfecReceive = "flexfec_receive"
)

// callMetrics метрики реестра потоков
type callMetrics struct {
	streamsCreated   *prometheus.CounterVec
	streamsDestroyed *prometheus.CounterVec
	streamsActive    *prometheus.GaugeVec
	packetsDelivered *prometheus.CounterVec
	packetsRecovered prometheus.Counter
}

func newCallMetrics(registerer prometheus.Registerer) *callMetrics {
	factory := promauto.With(registerer)

	return &callMetrics{
		streamsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "streams_created_total",
			Help:      "Total number of streams created by kind",
		}, []string{"kind"}),

		streamsDestroyed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "streams_destroyed_total",
			Help:      "Total number of streams destroyed by kind",
		}, []string{"kind"}),

		streamsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "streams_active",
			Help:      "Number of currently registered streams by kind",
		}, []string{"kind"}),

		packetsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "packets_delivered_total",
			Help:      "Total number of received packets by delivery status",
		}, []string{"status"}),

		packetsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "packets_recovered_total",
			Help:      "Total number of media packets recovered by FlexFEC",
		}),
	}
}

func (m *callMetrics) streamCreated(kind string) {
	m.streamsCreated.WithLabelValues(kind).Inc()
	m.streamsActive.WithLabelValues(kind).Inc()
}

func (m *callMetrics) streamDestroyed(kind string) {
	m.streamsDestroyed.WithLabelValues(kind).Inc()
	m.streamsActive.WithLabelValues(kind).Dec()
}
