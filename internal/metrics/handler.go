package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the metrics summary endpoint.
type Summary struct {
	HTTP          httpSummary         `json:"http"`
	Ingest        ingestInfo          `json:"ingest"`
	Alerts        alertInfo           `json:"alerts"`
	Notifications notificationInfo    `json:"notifications"`
	Cost          costInfo            `json:"cost"`
	Tasks         map[string]taskInfo `json:"tasks"`
	RateLimit     rateLimitInfo       `json:"rateLimit"`
	DB            dbInfo              `json:"db"`
	Server        serverInfo          `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type ingestInfo struct {
	Samples      float64 `json:"samples"`
	Dropped      float64 `json:"dropped"`
	Sampled      float64 `json:"sampled"`
	ActiveShards float64 `json:"activeShards"`
	AutoFlushes  float64 `json:"autoFlushes"`
	Flushes      float64 `json:"flushes"`
}

type alertInfo struct {
	Triggered float64 `json:"triggered"`
	Resolved  float64 `json:"resolved"`
}

type notificationInfo struct {
	Sent         float64 `json:"sent"`
	Failed       float64 `json:"failed"`
	DeadLettered float64 `json:"deadLettered"`
	QueueDepth   float64 `json:"queueDepth"`
}

type costInfo struct {
	ProjectedDailyUSD float64 `json:"projectedDailyUsd"`
	Alerts            float64 `json:"alerts"`
}

type taskInfo struct {
	Runs     float64 `json:"runs"`
	Failures float64 `json:"failures"`
	Skipped  float64 `json:"skipped"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	AuthFailures  float64 `json:"authFailures"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize condenses the registry into a Summary.
func (m *Metrics) Summarize() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	start := gaugeValue(fam["beacon_server_start_time_seconds"])
	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["beacon_http_requests_total"]),
			ErrorRate:     computeErrorRate(fam["beacon_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["beacon_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["beacon_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["beacon_http_request_duration_seconds"], 0.99),
		},
		Ingest: ingestInfo{
			Samples:      counterValue(fam["beacon_samples_ingested_total"]),
			Dropped:      sumCounter(fam["beacon_samples_dropped_total"]),
			Sampled:      counterWithLabel(fam["beacon_samples_dropped_total"], "reason", "sampled"),
			ActiveShards: gaugeValue(fam["beacon_active_shards"]),
			AutoFlushes:  counterWithLabel(fam["beacon_shard_flushes_total"], "trigger", "high_water"),
			Flushes:      sumCounter(fam["beacon_shard_flushes_total"]),
		},
		Alerts: alertInfo{
			Triggered: sumCounterWithLabel(fam["beacon_alert_transitions_total"], "transition", "triggered"),
			Resolved:  sumCounterWithLabel(fam["beacon_alert_transitions_total"], "transition", "resolved"),
		},
		Notifications: notificationInfo{
			Sent:         sumCounterWithLabel(fam["beacon_notifications_total"], "status", "sent"),
			Failed:       sumCounterWithLabel(fam["beacon_notifications_total"], "status", "failed"),
			DeadLettered: sumCounter(fam["beacon_notifications_dead_lettered_total"]),
			QueueDepth:   gaugeValue(fam["beacon_notification_queue_depth"]),
		},
		Cost: costInfo{
			ProjectedDailyUSD: gaugeValue(fam["beacon_projected_daily_cost_usd"]),
			Alerts:            sumCounter(fam["beacon_cost_alerts_total"]),
		},
		Tasks: taskSummary(fam["beacon_task_runs_total"]),
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["beacon_ratelimit_rejections_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["beacon_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["beacon_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["beacon_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
			AuthFailures:  sumCounter(fam["beacon_auth_failures_total"]),
		},
	}, nil
}

func taskSummary(f *dto.MetricFamily) map[string]taskInfo {
	out := make(map[string]taskInfo)
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		var name, status string
		for _, lp := range m.GetLabel() {
			switch lp.GetName() {
			case "task":
				name = lp.GetValue()
			case "status":
				status = lp.GetValue()
			}
		}
		v := m.GetCounter().GetValue()
		ti := out[name]
		switch status {
		case "ok":
			ti.Runs += v
		case "error", "panic":
			ti.Runs += v
			ti.Failures += v
		case "skipped":
			ti.Skipped += v
		}
		out[name] = ti
	}
	return out
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetGauge() != nil {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	ms := f.GetMetric()
	if len(ms) == 0 {
		return 0
	}
	if ms[0].GetCounter() != nil {
		return ms[0].GetCounter().GetValue()
	}
	return 0
}

func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func computeErrorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, errors float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil {
			continue
		}
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" {
				code := lp.GetValue()
				if len(code) > 0 && code[0] >= '4' {
					errors += v
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	return errors / total
}

func hasLabel(m *dto.Metric, name, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func sumCounterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if hasLabel(m, labelName, labelValue) && m.GetCounter() != nil {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	// Aggregate all histogram metrics in the family.
	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}

	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			// Linear interpolation within this bucket.
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// If we didn't find it, return the last finite bucket upper bound.
	if len(buckets) > 0 {
		for i := len(buckets) - 1; i >= 0; i-- {
			if !math.IsInf(buckets[i].upperBound, 1) {
				return buckets[i].upperBound
			}
		}
	}
	return 0
}
