package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditline/internal/config"
	"github.com/smallbiznis/creditline/internal/errs"
)

// Config labels every series with the emitting service.
type Config struct {
	ServiceName string
	Environment string
}

func ConfigFrom(cfg config.Config) Config {
	return Config{ServiceName: cfg.AppName, Environment: cfg.Environment}
}

func (c Config) constLabels() prometheus.Labels {
	serviceName := strings.TrimSpace(c.ServiceName)
	if serviceName == "" {
		serviceName = "creditline"
	}
	environment := strings.TrimSpace(c.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}
}

// Metrics captures credit ledger, reconciler and HTTP signals. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	creditOps       *prometheus.CounterVec
	creditAmount    *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	transitionTotal *prometheus.CounterVec
}

func New(registerer prometheus.Registerer, cfg Config) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := cfg.constLabels()

	m := &Metrics{
		creditOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditline_credit_operations_total",
			Help:        "Credit engine operations by operation and outcome.",
			ConstLabels: labels,
		}, []string{"operation", "outcome"}),
		creditAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditline_credit_amount_total",
			Help:        "Absolute credits moved by ledger entry type.",
			ConstLabels: labels,
		}, []string{"type"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditline_provider_notifications_total",
			Help:        "Billing provider notifications by kind and outcome.",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditline_http_requests_total",
			Help:        "HTTP requests by route and status class.",
			ConstLabels: labels,
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "creditline_http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: labels,
		}, []string{"route"}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditline_subscription_transitions_total",
			Help:        "Subscription status transitions by source and target status.",
			ConstLabels: labels,
		}, []string{"from", "to"}),
	}

	for _, c := range []prometheus.Collector{m.creditOps, m.creditAmount, m.notifications, m.httpRequests, m.httpDuration, m.transitionTotal} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveCreditOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.creditOps.WithLabelValues(operation, errs.Label(err)).Inc()
}

func (m *Metrics) AddCreditAmount(entryType string, amount int) {
	if m == nil || amount == 0 {
		return
	}
	if amount < 0 {
		amount = -amount
	}
	m.creditAmount.WithLabelValues(entryType).Add(float64(amount))
}

func (m *Metrics) ObserveNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveHTTPRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
