package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records relay, meeting and HTTP metrics.
type PrometheusCollector struct {
	roomsActive        prometheus.Gauge
	roomsOpenedTotal   prometheus.Counter
	participantsActive prometheus.Gauge
	attachesTotal      prometheus.Counter

	envelopesRouted  *prometheus.CounterVec
	envelopesDropped *prometheus.CounterVec
	routingMisses    prometheus.Counter
	outboundDropped  prometheus.Counter
	slowConsumers    prometheus.Counter

	meetingsActive       prometheus.Gauge
	eventPublishFailures prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the collector's metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default /metrics
// handler, or a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)

	return &PrometheusCollector{
		roomsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "confab_rooms_active",
			Help: "Number of rooms with at least one attached participant",
		}),
		roomsOpenedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "confab_rooms_opened_total",
			Help: "Total number of rooms created by a first join",
		}),
		participantsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "confab_participants_connected",
			Help: "Number of participants attached to the relay",
		}),
		attachesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "confab_participant_attaches_total",
			Help: "Total number of participant attachments",
		}),

		envelopesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confab_envelopes_routed_total",
			Help: "Signaling envelopes routed, by type",
		}, []string{"type"}),
		envelopesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confab_envelopes_dropped_total",
			Help: "Inbound signaling envelopes dropped, by reason",
		}, []string{"reason"}),
		routingMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "confab_routing_misses_total",
			Help: "Unicast envelopes whose target was not in the sender's room",
		}),
		outboundDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "confab_outbound_frames_dropped_total",
			Help: "Ephemeral frames dropped from full outbound queues",
		}),
		slowConsumers: f.NewCounter(prometheus.CounterOpts{
			Name: "confab_slow_consumers_closed_total",
			Help: "Connections closed because their outbound queue overflowed",
		}),

		meetingsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "confab_meetings_active",
			Help: "Number of active meetings",
		}),
		eventPublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "confab_event_publish_failures_total",
			Help: "Room events that could not be published to the event bus",
		}),

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "confab_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confab_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
	}
}

func (p *PrometheusCollector) RoomOpened() {
	p.roomsActive.Inc()
	p.roomsOpenedTotal.Inc()
}

func (p *PrometheusCollector) RoomClosed() {
	p.roomsActive.Dec()
}

func (p *PrometheusCollector) ParticipantAttached() {
	p.participantsActive.Inc()
	p.attachesTotal.Inc()
}

func (p *PrometheusCollector) ParticipantDetached() {
	p.participantsActive.Dec()
}

func (p *PrometheusCollector) EnvelopeRouted(msgType string) {
	p.envelopesRouted.WithLabelValues(msgType).Inc()
}

func (p *PrometheusCollector) EnvelopeDropped(reason string) {
	p.envelopesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RoutingMiss() {
	p.routingMisses.Inc()
}

func (p *PrometheusCollector) OutboundDropped() {
	p.outboundDropped.Inc()
}

func (p *PrometheusCollector) SlowConsumer() {
	p.slowConsumers.Inc()
}

func (p *PrometheusCollector) SetActiveMeetings(n int) {
	p.meetingsActive.Set(float64(n))
}

func (p *PrometheusCollector) EventPublishFailed() {
	p.eventPublishFailures.Inc()
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
