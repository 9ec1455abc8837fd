// Package metrics exposes a Prometheus-compatible /metrics endpoint whose
// values are derived fresh from the traffic ring on every scrape, not
// accumulated as lifetime counters — the ring is a sliding window, so a
// family like lmg_requests can legitimately decrease as old entries rotate
// out. Every family is therefore a gauge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lm-gateway/lm-gateway/internal/traffic"
)

var (
	windowSizeDesc = prometheus.NewDesc(
		"lmg_window_size", "Number of requests currently held in the ring-buffer window.", nil, nil)
	requestsDesc = prometheus.NewDesc(
		"lmg_requests", "Request count in the current window, labelled by tier, backend, and outcome.",
		[]string{"tier", "backend", "success"}, nil)
	latencySumDesc = prometheus.NewDesc(
		"lmg_latency_ms_sum", "Sum of request latency (ms) in the current window, grouped by tier and backend.",
		[]string{"tier", "backend"}, nil)
	latencyCountDesc = prometheus.NewDesc(
		"lmg_latency_ms_count", "Number of observations for the latency sum above.",
		[]string{"tier", "backend"}, nil)
	escalationsDesc = prometheus.NewDesc(
		"lmg_escalations_total", "Requests escalated to a higher tier in the current window.", nil, nil)
	errorsDesc = prometheus.NewDesc(
		"lmg_errors_total", "Requests that returned an error in the current window.", nil, nil)
)

type requestKey struct {
	tier, backend string
	success       bool
}

type latencyKey struct {
	tier, backend string
}

// Collector implements prometheus.Collector by recomputing every family from
// the traffic ring each time Collect is invoked.
type Collector struct {
	log *traffic.Log
}

func NewCollector(log *traffic.Log) *Collector {
	return &Collector{log: log}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- windowSizeDesc
	ch <- requestsDesc
	ch <- latencySumDesc
	ch <- latencyCountDesc
	ch <- escalationsDesc
	ch <- errorsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	entries := c.log.Recent(-1)

	var escalations, errs float64
	requestCounts := make(map[requestKey]float64)
	latencySums := make(map[latencyKey]float64)
	latencyCounts := make(map[latencyKey]float64)

	for _, e := range entries {
		if e.Escalated {
			escalations++
		}
		if !e.Success {
			errs++
		}
		requestCounts[requestKey{e.Tier, e.Backend, e.Success}]++
		lk := latencyKey{e.Tier, e.Backend}
		latencySums[lk] += float64(e.LatencyMs)
		latencyCounts[lk]++
	}

	ch <- prometheus.MustNewConstMetric(windowSizeDesc, prometheus.GaugeValue, float64(len(entries)))
	ch <- prometheus.MustNewConstMetric(escalationsDesc, prometheus.GaugeValue, escalations)
	ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.GaugeValue, errs)

	for k, v := range requestCounts {
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.GaugeValue, v, k.tier, k.backend, boolLabel(k.success))
	}
	for k, v := range latencySums {
		ch <- prometheus.MustNewConstMetric(latencySumDesc, prometheus.GaugeValue, v, k.tier, k.backend)
	}
	for k, v := range latencyCounts {
		ch <- prometheus.MustNewConstMetric(latencyCountDesc, prometheus.GaugeValue, v, k.tier, k.backend)
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Registry builds a fresh prometheus.Registry carrying only the gateway's
// own collector — no process/Go-runtime collectors, keeping /metrics
// limited to what the spec actually names.
func Registry(log *traffic.Log) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(log))
	return reg
}
