// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pigeonworks-llc/go-svcgate/pkg/breaker"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Outcome labels for gateway decisions.
const (
	OutcomeForwarded   = "forwarded"
	OutcomeStarting    = "starting"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeUnreachable = "unreachable"
	OutcomeFallback    = "fallback"
	OutcomeNoRoute     = "no_route"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	registry       *prometheus.Registry
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	outcomes       *prometheus.CounterVec
}

// NewMetrics creates gateway metrics. When breakers is non-nil their state is
// exported as gauges.
func NewMetrics(namespace string, breakers *breaker.Registry) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "http_requests_total",
			Help:      "Count of routed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of routed requests",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "route_outcomes_total",
			Help:      "Gateway routing decisions by outcome",
		}, []string{"route", "outcome"}),
	}

	m.registry.MustRegister(
		m.requestTotal,
		m.requestLatency,
		m.outcomes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if breakers != nil {
		m.registry.MustRegister(newBreakerCollector(namespace, breakers))
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observe(method, route, outcome string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
	m.outcomes.With(prometheus.Labels{"route": route, "outcome": outcome}).Inc()
}

type breakerCollector struct {
	breakers *breaker.Registry
	open     *prometheus.Desc
	failures *prometheus.Desc
}

func newBreakerCollector(namespace string, breakers *breaker.Registry) *breakerCollector {
	return &breakerCollector{
		breakers: breakers,
		open: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "open"),
			"Whether the circuit breaker is open (1) or closed (0)",
			[]string{"breaker"}, nil,
		),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "failures_in_window"),
			"Failures currently inside the sliding window",
			[]string{"breaker"}, nil,
		),
	}
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.failures
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.breakers.Snapshot() {
		open := 0.0
		if st.Open {
			open = 1
		}
		ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, open, st.Name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.GaugeValue, float64(st.Failures), st.Name)
	}
}
