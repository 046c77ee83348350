// Package metrics exposes Prometheus instruments for the savings API.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savings",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "savings",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	ledgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savings",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)
	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "savings",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration in seconds, release included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	compensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "savings",
			Subsystem: "ledger",
			Name:      "compensations_total",
			Help:      "Debits restored after a failed release.",
		},
		[]string{"operation", "success"},
	)
)

// RegisterMetrics adds every collector to the default registry once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, ledgerOperations, ledgerDuration, compensations)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

// RecordOperation counts one ledger operation. outcome is "ok" or an error class.
func RecordOperation(operation, outcome string, duration time.Duration) {
	RegisterMetrics()
	ledgerOperations.WithLabelValues(operation, outcome).Inc()
	ledgerDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordCompensation(operation string, success bool) {
	RegisterMetrics()
	compensations.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
}

// Middleware records every request against its route template.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		status := c.Response().StatusCode()
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		}
		RecordHTTPRequest(c.Method(), c.Route().Path, status, time.Since(start))
		return err
	}
}

// Handler serves the default registry.
func Handler() fiber.Handler {
	RegisterMetrics()
	return adaptor.HTTPHandler(promhttp.Handler())
}
