// Package metrics 定义挂单流程的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 持有独立注册表上的全部指标。nil 接收者的方法均为空操作。
type Metrics struct {
	registry *prometheus.Registry

	runs           *prometheus.CounterVec
	legs           *prometheus.CounterVec
	brokerLatency  *prometheus.HistogramVec
	brokerFailures *prometheus.CounterVec
	evictions      prometheus.Counter
}

// New 创建指标并注册到新的注册表。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_runs_total",
				Help: "Ladder runs by submission mode and final state",
			},
			[]string{"mode", "state"},
		),
		legs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_legs_total",
				Help: "Ladder legs by submission mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		brokerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ladder_broker_request_seconds",
				Help:    "Broker REST call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		brokerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ladder_broker_errors_total",
				Help: "Broker REST calls that returned an error",
			},
			[]string{"operation"},
		),
		evictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ladder_journal_evictions_total",
				Help: "Journal rows evicted to honour the capacity bound",
			},
		),
	}

	m.registry.MustRegister(m.runs, m.legs, m.brokerLatency, m.brokerFailures, m.evictions)
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun 记录一次挂单运行的最终状态。
func (m *Metrics) ObserveRun(mode, state string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(mode, state).Inc()
}

// ObserveLeg 记录单腿结果。
func (m *Metrics) ObserveLeg(mode, outcome string) {
	if m == nil {
		return
	}
	m.legs.WithLabelValues(mode, outcome).Inc()
}

// ObserveBroker 与 broker.Observer 签名一致。
func (m *Metrics) ObserveBroker(operation string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.brokerLatency.WithLabelValues(operation).Observe(latency.Seconds())
	if err != nil {
		m.brokerFailures.WithLabelValues(operation).Inc()
	}
}

// ObserveEvictions 累加日志淘汰行数。
func (m *Metrics) ObserveEvictions(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}
