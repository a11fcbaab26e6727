package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 服务的 Prometheus 指标集合
type Metrics struct {
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec

	OperationsTotal          *prometheus.CounterVec
	OperationDurationSeconds *prometheus.HistogramVec
	ConflictRetriesTotal     *prometheus.CounterVec
	LicensesSweptTotal       prometheus.Counter
	SessionsSupersededTotal  prometheus.Counter
}

// New 创建并注册全部指标，reg 为 nil 时只创建不注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_authority_operations_total",
				Help: "Total number of core operations by outcome.",
			},
			[]string{"operation", "result"},
		),
		OperationDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "license_authority_operation_duration_seconds",
				Help:    "Duration of core operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ConflictRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "license_authority_conflict_retries_total",
				Help: "Total number of operations retried after a storage conflict.",
			},
			[]string{"operation"},
		),
		LicensesSweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "license_authority_licenses_swept_total",
				Help: "Total number of licenses deactivated by the expiry sweep.",
			},
		),
		SessionsSupersededTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "license_authority_sessions_superseded_total",
				Help: "Total number of sessions invalidated by a newer login.",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDurationSeconds,
			m.OperationsTotal,
			m.OperationDurationSeconds,
			m.ConflictRetriesTotal,
			m.LicensesSweptTotal,
			m.SessionsSupersededTotal,
		)
	}
	return m
}

// ObserveOperation 记录一次核心操作的结果与耗时
func (m *Metrics) ObserveOperation(operation, result string, started time.Time) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
	m.OperationDurationSeconds.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.ConflictRetriesTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveHTTP(method, path, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDurationSeconds.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
