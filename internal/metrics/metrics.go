package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "code"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)

	// Processor
	processorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_processor_runs_total",
			Help: "Queue processor runs by outcome (ok, skipped, error).",
		},
		[]string{"outcome"},
	)
	processorRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mail_processor_run_duration_seconds",
			Help:    "Wall time of one queue processor run.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_messages_sent_total",
			Help: "Messages accepted by the transport.",
		},
		[]string{"transport"},
	)
	messagesFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_messages_failed_total",
			Help: "Failed send attempts; final=true when the message reached failed.",
		},
		[]string{"transport", "final"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail_send_duration_seconds",
			Help:    "Time spent in a single transport send.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
	queueLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mail_queue_lag_seconds",
			Help:    "Lag between enqueue and send attempt.",
			Buckets: []float64{1, 5, 30, 60, 120, 300, 600, 1800, 3600, 14400},
		},
	)
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mail_queue_messages",
			Help: "Current queue rows by status.",
		},
		[]string{"status"},
	)

	// Campaigns and engagement
	campaignsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mail_campaigns_completed_total",
			Help: "Campaigns transitioned from sending to sent.",
		},
	)
	messagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_messages_enqueued_total",
			Help: "Messages enqueued by source.",
		},
		[]string{"source"},
	)
	trackingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_tracking_events_total",
			Help: "Tracking events recorded by type.",
		},
		[]string{"event_type"},
	)
	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_webhook_events_total",
			Help: "Webhook events processed by provider and kind.",
		},
		[]string{"provider", "kind"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,

			processorRuns,
			processorRunDuration,
			messagesSent,
			messagesFailed,
			sendDuration,
			queueLagSeconds,
			queueDepth,

			campaignsCompleted,
			messagesEnqueued,
			trackingEvents,
			webhookEvents,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP ---
func ObserveHTTPRequest(method, route, code string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, code).Inc()
	httpDuration.WithLabelValues(method, route, code).Observe(d.Seconds())
}

// --- Processor ---
func IncProcessorRun(outcome string) {
	processorRuns.WithLabelValues(outcome).Inc()
}

func ObserveProcessorRun(d time.Duration) {
	processorRunDuration.Observe(d.Seconds())
}

func IncMessageSent(transport string) {
	messagesSent.WithLabelValues(transport).Inc()
}

func IncMessageFailed(transport string, final bool) {
	messagesFailed.WithLabelValues(transport, strconv.FormatBool(final)).Inc()
}

func ObserveSend(transport string, d time.Duration) {
	sendDuration.WithLabelValues(transport).Observe(d.Seconds())
}

func ObserveQueueLag(d time.Duration) {
	queueLagSeconds.Observe(d.Seconds())
}

func SetQueueDepth(counts map[string]int) {
	for status, n := range counts {
		queueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// --- Campaigns / tracking ---
func IncCampaignCompleted() {
	campaignsCompleted.Inc()
}

func AddEnqueued(source string, n int) {
	messagesEnqueued.WithLabelValues(source).Add(float64(n))
}

func IncTrackingEvent(eventType string) {
	trackingEvents.WithLabelValues(eventType).Inc()
}

func IncWebhookEvent(provider, kind string) {
	webhookEvents.WithLabelValues(provider, kind).Inc()
}
