package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for both the signaling and worker
// processes. Naming follows concord's convention: voxrelay_<subsystem>_<metric>_<unit>.
type Metrics struct {
	// Registry metrics (signaling)
	WorkersActive     *prometheus.GaugeVec
	ClientsBound      *prometheus.GaugeVec
	AssignTotal       *prometheus.CounterVec
	WorkerGoneTotal   *prometheus.CounterVec

	// Session/mailbox metrics (both processes)
	MailboxDepth      *prometheus.GaugeVec
	MailboxDropsTotal *prometheus.CounterVec

	// Bot / negotiation metrics (worker)
	BotsActive          *prometheus.GaugeVec
	NegotiationTotal    *prometheus.CounterVec
	ICECandidatesBuffered *prometheus.CounterVec

	// Audio pipeline metrics (worker)
	OpusDecodeErrorsTotal *prometheus.CounterVec
	VADTransitionsTotal   *prometheus.CounterVec
	ASRFramesTotal        *prometheus.CounterVec
	CapabilityBusyTotal   *prometheus.CounterVec

	// Uplink metrics (worker)
	UplinkReconnectsTotal *prometheus.CounterVec
	UplinkConnected       *prometheus.GaugeVec

	// HTTP metrics (admin surface, both processes)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		WorkersActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxrelay_workers_active",
				Help: "Number of media workers currently registered with the signaling server",
			},
			[]string{},
		),

		ClientsBound: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxrelay_clients_bound",
				Help: "Number of clients currently bound to a worker",
			},
			[]string{"server_id"},
		),

		AssignTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_assign_total",
				Help: "Total number of client->worker assignment attempts",
			},
			[]string{"result"}, // assigned, no_worker_available
		),

		WorkerGoneTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_worker_gone_total",
				Help: "Total number of worker removals (cascading client unbind)",
			},
			[]string{"reason"}, // disconnect, slow_consumer, graceful
		),

		MailboxDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxrelay_mailbox_depth",
				Help: "Current number of queued messages in a mailbox",
			},
			[]string{"role"}, // worker, client, bot, capability
		),

		MailboxDropsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_mailbox_drops_total",
				Help: "Total number of messages dropped due to mailbox overflow or closure",
			},
			[]string{"role", "reason"}, // reason: full, closed
		),

		BotsActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxrelay_bots_active",
				Help: "Number of active bot sessions on this worker",
			},
			[]string{},
		),

		NegotiationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_negotiation_total",
				Help: "Total number of negotiation state transitions",
			},
			[]string{"state"}, // new, active, failed, closed
		),

		ICECandidatesBuffered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_ice_candidates_buffered_total",
				Help: "Total number of local ICE candidates buffered before remote description was set",
			},
			[]string{},
		),

		OpusDecodeErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_opus_decode_errors_total",
				Help: "Total number of Opus decode failures (packet dropped, stream continues)",
			},
			[]string{},
		),

		VADTransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_vad_transitions_total",
				Help: "Total number of VAD state machine transitions",
			},
			[]string{"to"}, // silent, start_speaking, speaking, stop_speaking
		),

		ASRFramesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_asr_frames_total",
				Help: "Total number of PCM frames forwarded to the ASR capability",
			},
			[]string{},
		),

		CapabilityBusyTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_capability_busy_total",
				Help: "Total number of frames dropped because a capability's own mailbox was full",
			},
			[]string{"capability"},
		),

		UplinkReconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_uplink_reconnects_total",
				Help: "Total number of uplink reconnect attempts",
			},
			[]string{},
		),

		UplinkConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voxrelay_uplink_connected",
				Help: "1 if the worker's uplink to signaling is connected, else 0",
			},
			[]string{},
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voxrelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxrelay_http_request_duration_milliseconds",
				Help:    "HTTP request duration in milliseconds",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
			},
			[]string{"method", "path"},
		),

		HTTPResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voxrelay_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
	}
}
