package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus collectors for the engine. It satisfies the
// MetricsRecorder interfaces of the aggregation, ingest, alert, notify, cost
// and scheduler packages.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion and aggregation.
	SamplesIngestedTotal prometheus.Counter
	SamplesDroppedTotal  *prometheus.CounterVec
	FlushesTotal         *prometheus.CounterVec
	FlushSamples         prometheus.Histogram
	ActiveShards         prometheus.Gauge

	// Alerting and notification.
	AlertTransitionsTotal *prometheus.CounterVec
	NotificationsTotal    *prometheus.CounterVec
	DeadLetteredTotal     *prometheus.CounterVec

	// Cost.
	CostAlertsTotal    *prometheus.CounterVec
	ProjectedDailyCost prometheus.Gauge

	// Scheduled tasks.
	TaskRunsTotal *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec

	RateLimitRejectionsTotal *prometheus.CounterVec
	AuthFailuresTotal        *prometheus.CounterVec

	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		SamplesIngestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_samples_ingested_total",
			Help: "Samples accepted into aggregation shards.",
		}),

		SamplesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_samples_dropped_total",
			Help: "Samples not aggregated, by reason.",
		}, []string{"reason"}),

		FlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_shard_flushes_total",
			Help: "Shard flushes by trigger (high_water, scheduled).",
		}, []string{"trigger"}),

		FlushSamples: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_shard_flush_samples",
			Help:    "Samples folded into each emitted aggregate.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		ActiveShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_active_shards",
			Help: "Number of live aggregation shards.",
		}),

		AlertTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_alert_transitions_total",
			Help: "Alert state transitions.",
		}, []string{"transition", "severity"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_notifications_total",
			Help: "Notification sends by channel and outcome.",
		}, []string{"channel", "status"}),

		DeadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_notifications_dead_lettered_total",
			Help: "Messages moved to the dead-letter list.",
		}, []string{"kind"}),

		CostAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_cost_alerts_total",
			Help: "Projected overspend alerts by severity.",
		}, []string{"severity"}),

		ProjectedDailyCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_projected_daily_cost_usd",
			Help: "Daily cost projected from the last estimated hour.",
		}),

		TaskRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_task_runs_total",
			Help: "Scheduled task runs by outcome.",
		}, []string{"task", "status"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_task_duration_seconds",
			Help:    "Scheduled task duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"task"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}, []string{"reason"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SamplesIngestedTotal,
		m.SamplesDroppedTotal,
		m.FlushesTotal,
		m.FlushSamples,
		m.ActiveShards,
		m.AlertTransitionsTotal,
		m.NotificationsTotal,
		m.DeadLetteredTotal,
		m.CostAlertsTotal,
		m.ProjectedDailyCost,
		m.TaskRunsTotal,
		m.TaskDuration,
		m.RateLimitRejectionsTotal,
		m.AuthFailuresTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterQueueDepth exposes the notification queue length as a gauge.
func (m *Metrics) RegisterQueueDepth(depth func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "beacon_notification_queue_depth",
		Help: "Messages waiting in the notification queue.",
	}, depth))
}

func (m *Metrics) ObserveHTTPRequest(method, pattern string, status int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(seconds)
}

func (m *Metrics) IncSamplesIngested(n int) {
	m.SamplesIngestedTotal.Add(float64(n))
}

func (m *Metrics) IncSamplesDropped(reason string, n int) {
	m.SamplesDroppedTotal.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) ObserveFlush(trigger string, samples int64) {
	m.FlushesTotal.WithLabelValues(trigger).Inc()
	m.FlushSamples.Observe(float64(samples))
}

func (m *Metrics) SetActiveShards(n int) {
	m.ActiveShards.Set(float64(n))
}

func (m *Metrics) IncAlertTransition(transition, severity string) {
	m.AlertTransitionsTotal.WithLabelValues(transition, severity).Inc()
}

func (m *Metrics) IncNotification(channel, status string) {
	m.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) IncDeadLettered(kind string) {
	m.DeadLetteredTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncCostAlert(severity string) {
	m.CostAlertsTotal.WithLabelValues(severity).Inc()
}

func (m *Metrics) SetProjectedDailyCost(usd float64) {
	m.ProjectedDailyCost.Set(usd)
}

func (m *Metrics) ObserveTask(name, status string, seconds float64) {
	m.TaskRunsTotal.WithLabelValues(name, status).Inc()
	m.TaskDuration.WithLabelValues(name).Observe(seconds)
}

// IncRateLimitRejection increments the rate limit rejection counter.
func (m *Metrics) IncRateLimitRejection(reason string) {
	m.RateLimitRejectionsTotal.WithLabelValues(reason).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}
