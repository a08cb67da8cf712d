package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditline/internal/errs"
	"gorm.io/gorm"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonBusinessRule         = "business_rule"
	SchedulerJobReasonUnknown              = "unknown"
)

const (
	SweepSkipReasonOverlap   = "overlap"
	SweepSkipReasonLeaseHeld = "lease_held"
)

const (
	ItemOutcomeGranted    = "granted"
	ItemOutcomeLapsed     = "lapsed"
	ItemOutcomeNotElapsed = "not_elapsed"
	ItemOutcomeFailed     = "failed"
)

// SchedulerMetrics captures renewal sweep health.
type SchedulerMetrics struct {
	sweeps        *prometheus.CounterVec
	sweepSkipped  *prometheus.CounterVec
	sweepDuration prometheus.Observer
	items         *prometheus.CounterVec
	itemErrors    *prometheus.CounterVec
}

func NewSchedulerMetrics(registerer prometheus.Registerer, cfg Config) (*SchedulerMetrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := cfg.constLabels()

	sweeps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditline_scheduler_sweeps_total",
		Help:        "Renewal sweeps started.",
		ConstLabels: labels,
	}, []string{"job"})
	sweepSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditline_scheduler_sweeps_skipped_total",
		Help:        "Renewal sweeps skipped because another sweep was running.",
		ConstLabels: labels,
	}, []string{"reason"})
	sweepDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "creditline_scheduler_sweep_duration_seconds",
		Help:        "Renewal sweep latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		ConstLabels: labels,
	})
	items := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditline_scheduler_items_total",
		Help:        "Subscriptions handled by renewal sweeps by outcome.",
		ConstLabels: labels,
	}, []string{"outcome"})
	itemErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditline_scheduler_item_errors_total",
		Help:        "Renewal failures by low-cardinality reason.",
		ConstLabels: labels,
	}, []string{"reason"})

	for _, c := range []prometheus.Collector{sweeps, sweepSkipped, sweepDuration, items, itemErrors} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return &SchedulerMetrics{
		sweeps:        sweeps,
		sweepSkipped:  sweepSkipped,
		sweepDuration: sweepDuration,
		items:         items,
		itemErrors:    itemErrors,
	}, nil
}

func (m *SchedulerMetrics) IncSweep(job string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(job).Inc()
}

func (m *SchedulerMetrics) IncSweepSkipped(reason string) {
	if m == nil {
		return
	}
	m.sweepSkipped.WithLabelValues(reason).Inc()
}

func (m *SchedulerMetrics) ObserveSweepDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *SchedulerMetrics) IncItem(outcome string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(outcome).Inc()
}

func (m *SchedulerMetrics) IncItemError(err error) {
	if m == nil || err == nil {
		return
	}
	m.itemErrors.WithLabelValues(ClassifySchedulerJobReason(err)).Inc()
}

func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	if errors.Is(err, errs.ErrConcurrencyConflict) {
		return SchedulerJobReasonSerializationFailure
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return SchedulerJobReasonDBLockTimeout
		case "40001", "40P01":
			return SchedulerJobReasonSerializationFailure
		case "23505":
			return SchedulerJobReasonUniqueViolation
		}
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return SchedulerJobReasonUniqueViolation
	}
	if errs.KindOf(err) != nil {
		return SchedulerJobReasonBusinessRule
	}
	return SchedulerJobReasonUnknown
}
