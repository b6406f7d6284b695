package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/collator/internal/analytics/domain"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonDeadlineExceeded},
		{name: "quota", err: fmt.Errorf("%w: %w", domain.ErrTransport, domain.ErrQuotaExceeded), want: ReasonQuota},
		{name: "transport", err: fmt.Errorf("run report: %w", domain.ErrTransport), want: ReasonTransport},
		{name: "decode", err: domain.ErrDecode, want: ReasonDecode},
		{name: "data", err: domain.ErrData, want: ReasonData},
		{name: "db_transient", err: &pgconn.PgError{Code: "40001"}, want: ReasonDBTransient},
		{name: "db", err: &pgconn.PgError{Code: "42P01"}, want: ReasonDB},
		{name: "unknown", err: errors.New("boom"), want: ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCollationMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewCollationMetricsForRegistry(registry, Config{ServiceName: "collator", Environment: "test"})

	m.AddReportRows("opportunity", 3)
	m.AddReportRows("opportunity", 0)
	m.IncReport("overview", OutcomeError)
	m.IncCycleError(StageRawFill, domain.ErrTransport)
	m.AddCellsUpserted("hosts", 2)
	m.ObserveCycle(time.Minute, time.Unix(1700000000, 0))

	if got := testutil.ToFloat64(m.reportRows.WithLabelValues("opportunity")); got != 3 {
		t.Fatalf("expected 3 report rows, got %v", got)
	}
	if got := testutil.ToFloat64(m.reports.WithLabelValues("overview", OutcomeError)); got != 1 {
		t.Fatalf("expected 1 failed overview report, got %v", got)
	}
	if got := testutil.ToFloat64(m.cycleErrors.WithLabelValues(StageRawFill, ReasonTransport)); got != 1 {
		t.Fatalf("expected 1 raw fill transport error, got %v", got)
	}
	if got := testutil.ToFloat64(m.cellsUpserted.WithLabelValues("hosts")); got != 2 {
		t.Fatalf("expected 2 hosts cells, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastCycle); got != 1700000000 {
		t.Fatalf("expected last cycle timestamp, got %v", got)
	}
}

func TestNilCollationMetricsAreSafe(t *testing.T) {
	var m *CollationMetrics
	m.IncCycleRun()
	m.IncQueryRetry()
	m.AddPurgedRows(5)
	m.ObserveQuotaSleep(time.Second)
}
