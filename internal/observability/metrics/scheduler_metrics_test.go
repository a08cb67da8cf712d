package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/creditline/internal/errs"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "db_lock_timeout",
			err:  &pgconn.PgError{Code: "55P03"},
			want: SchedulerJobReasonDBLockTimeout,
		},
		{
			name: "serialization_failure",
			err:  &pgconn.PgError{Code: "40001"},
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "concurrency_conflict",
			err:  errs.New(errs.ErrConcurrencyConflict, "transaction_conflict"),
			want: SchedulerJobReasonSerializationFailure,
		},
		{
			name: "unique_violation",
			err:  gorm.ErrDuplicatedKey,
			want: SchedulerJobReasonUniqueViolation,
		},
		{
			name: "business_rule",
			err:  errs.New(errs.ErrInvalidState, "subscription_not_renewable"),
			want: SchedulerJobReasonBusinessRule,
		},
		{
			name: "unknown",
			err:  errors.New("boom"),
			want: SchedulerJobReasonUnknown,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestSchedulerItemCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := NewSchedulerMetrics(registry, Config{ServiceName: "creditline", Environment: "test"})
	if err != nil {
		t.Fatalf("new scheduler metrics: %v", err)
	}

	m.IncItem(ItemOutcomeGranted)
	m.IncItem(ItemOutcomeGranted)
	m.IncItemError(&pgconn.PgError{Code: "40001"})

	if got := testutil.ToFloat64(m.items.WithLabelValues(ItemOutcomeGranted)); got != 2 {
		t.Fatalf("expected granted count 2, got %v", got)
	}
	if got := testutil.ToFloat64(m.itemErrors.WithLabelValues(SchedulerJobReasonSerializationFailure)); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	m.IncSweep("renewal")
	m.IncItem(ItemOutcomeFailed)
	m.IncItemError(errors.New("boom"))
}
