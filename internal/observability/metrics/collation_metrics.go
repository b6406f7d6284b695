package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/pkg/db"
)

const (
	ReasonDeadlineExceeded = "deadline_exceeded"
	ReasonTransport        = "transport"
	ReasonQuota            = "quota"
	ReasonDecode           = "decode"
	ReasonData             = "data"
	ReasonDBTransient      = "db_transient"
	ReasonDB               = "db"
	ReasonUnknown          = "unknown"
)

const (
	StageRefresh  = "refresh"
	StageRawFill  = "raw_fill"
	StageCompile  = "compile"
	StagePurge    = "purge"
	StageLock     = "lock"
	StageResolve  = "resolve"
	StageOverview = "overview"
)

const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// CollationMetrics captures collation health signals.
type CollationMetrics struct {
	cycleRuns     prometheus.Counter
	cycleDuration prometheus.Histogram
	cycleErrors   *prometheus.CounterVec
	lastCycle     prometheus.Gauge
	reports       *prometheus.CounterVec
	reportRows    *prometheus.CounterVec
	rowsSkipped   *prometheus.CounterVec
	quotaSleep    prometheus.Histogram
	cellsUpserted *prometheus.CounterVec
	queryRetries  prometheus.Counter
	purgedRows    prometheus.Counter
}

var (
	collationMetricsOnce sync.Once
	collationMetrics     *CollationMetrics
)

// Collation returns the singleton collation metrics registry.
func Collation() *CollationMetrics {
	return CollationWithConfig(Config{})
}

// CollationWithConfig returns the singleton collation metrics registry using config labels.
func CollationWithConfig(cfg Config) *CollationMetrics {
	collationMetricsOnce.Do(func() {
		collationMetrics = newCollationMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return collationMetrics
}

// ResetCollationMetricsForTest resets the collation metrics singleton for tests.
func ResetCollationMetricsForTest() {
	collationMetricsOnce = sync.Once{}
	collationMetrics = nil
}

// NewCollationMetricsForRegistry builds an unshared instance bound to registerer.
func NewCollationMetricsForRegistry(registerer prometheus.Registerer, cfg Config) *CollationMetrics {
	return newCollationMetrics(registerer, cfg)
}

func newCollationMetrics(registerer prometheus.Registerer, cfg Config) *CollationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "collator"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	cycleRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collator_cycle_runs_total",
		Help:        "Collation cycles started.",
		ConstLabels: constLabels,
	})
	cycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "collator_cycle_duration_seconds",
		Help:        "Wall time of a full collation cycle.",
		Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200, 14400, 43200},
		ConstLabels: constLabels,
	})
	cycleErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "collator_cycle_errors_total",
		Help:        "Collation errors by stage and low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"stage", "reason"})
	lastCycle := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "collator_last_cycle_finished_timestamp_seconds",
		Help:        "Unix time the last collation cycle finished.",
		ConstLabels: constLabels,
	})
	reports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "collator_reports_total",
		Help:        "External analytics reports by kind and outcome.",
		ConstLabels: constLabels,
	}, []string{"kind", "outcome"})
	reportRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "collator_report_rows_total",
		Help:        "External analytics rows stored by report kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	rowsSkipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "collator_rows_skipped_total",
		Help:        "External analytics rows skipped by report kind and reason.",
		ConstLabels: constLabels,
	}, []string{"kind", "reason"})
	quotaSleep := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "collator_quota_sleep_seconds",
		Help:        "Throttle delay taken after a report page to respect provider quota.",
		Buckets:     []float64{0.1, 1, 5, 15, 60, 300, 900, 3600, 21600, 86400},
		ConstLabels: constLabels,
	})
	cellsUpserted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "collator_cells_upserted_total",
		Help:        "Compiled cells written to the matrix by kind.",
		ConstLabels: constLabels,
	}, []string{"kind"})
	queryRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collator_query_retries_total",
		Help:        "Compiler SQL statements retried after a transient failure.",
		ConstLabels: constLabels,
	})
	purgedRows := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "collator_temporary_rows_purged_total",
		Help:        "Temporary raw snapshot rows deleted at cycle boundaries.",
		ConstLabels: constLabels,
	})

	registerer.MustRegister(
		cycleRuns,
		cycleDuration,
		cycleErrors,
		lastCycle,
		reports,
		reportRows,
		rowsSkipped,
		quotaSleep,
		cellsUpserted,
		queryRetries,
		purgedRows,
	)

	return &CollationMetrics{
		cycleRuns:     cycleRuns,
		cycleDuration: cycleDuration,
		cycleErrors:   cycleErrors,
		lastCycle:     lastCycle,
		reports:       reports,
		reportRows:    reportRows,
		rowsSkipped:   rowsSkipped,
		quotaSleep:    quotaSleep,
		cellsUpserted: cellsUpserted,
		queryRetries:  queryRetries,
		purgedRows:    purgedRows,
	}
}

func (m *CollationMetrics) IncCycleRun() {
	if m == nil {
		return
	}
	m.cycleRuns.Inc()
}

// ObserveCycle records a finished cycle's duration and completion time.
func (m *CollationMetrics) ObserveCycle(duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(duration.Seconds())
	m.lastCycle.Set(float64(finishedAt.Unix()))
}

func (m *CollationMetrics) IncCycleError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	m.cycleErrors.WithLabelValues(stage, ClassifyReason(err)).Inc()
}

func (m *CollationMetrics) IncReport(kind, outcome string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(kind, outcome).Inc()
}

func (m *CollationMetrics) AddReportRows(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reportRows.WithLabelValues(kind).Add(float64(n))
}

func (m *CollationMetrics) IncRowSkipped(kind string, err error) {
	if m == nil {
		return
	}
	m.rowsSkipped.WithLabelValues(kind, ClassifyReason(err)).Inc()
}

func (m *CollationMetrics) ObserveQuotaSleep(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.quotaSleep.Observe(d.Seconds())
}

func (m *CollationMetrics) AddCellsUpserted(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cellsUpserted.WithLabelValues(kind).Add(float64(n))
}

func (m *CollationMetrics) IncQueryRetry() {
	if m == nil {
		return
	}
	m.queryRetries.Inc()
}

func (m *CollationMetrics) AddPurgedRows(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purgedRows.Add(float64(n))
}

// ClassifyReason maps collation errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonDeadlineExceeded
	case errors.Is(err, domain.ErrQuotaExceeded):
		return ReasonQuota
	case errors.Is(err, domain.ErrTransport):
		return ReasonTransport
	case errors.Is(err, domain.ErrDecode):
		return ReasonDecode
	case errors.Is(err, domain.ErrData):
		return ReasonData
	case db.IsTransientErr(err):
		return ReasonDBTransient
	case db.PGCode(err) != "":
		return ReasonDB
	default:
		return ReasonUnknown
	}
}

// IsRetryable reports whether the next cycle is likely to succeed where this one failed.
func IsRetryable(err error) bool {
	switch ClassifyReason(err) {
	case ReasonDeadlineExceeded, ReasonTransport, ReasonQuota, ReasonDBTransient:
		return true
	default:
		return false
	}
}
