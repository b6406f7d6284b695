package cycle

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/compiler"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/internal/analytics/ga4"
	"github.com/smallbiznis/collator/internal/analytics/matrix"
	"github.com/smallbiznis/collator/internal/analytics/snapshot"
	"github.com/smallbiznis/collator/internal/clock"
	"github.com/smallbiznis/collator/internal/config"
	"github.com/smallbiznis/collator/pkg/db"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	threshold = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	cycleAt   = time.Date(2024, 8, 15, 9, 0, 0, 0, time.UTC)
)

// entityReporter answers opportunity-filtered reports with one row per
// opportunity and everything else with no rows.
type entityReporter struct {
	mu       sync.Mutex
	views    map[string]string
	fail     map[string]error
	requests map[string]int
}

func newEntityReporter() *entityReporter {
	return &entityReporter{views: map[string]string{}, fail: map[string]error{}, requests: map[string]int{}}
}

func (r *entityReporter) RunReport(_ context.Context, req ga4.ReportRequest) iter.Seq2[ga4.Row, error] {
	r.mu.Lock()
	defer r.mu.Unlock()

	var uid string
	if req.Filter != nil && req.Filter.Field == ga4.DimEntityUID {
		uid = req.Filter.Value
	}
	r.requests[uid]++
	views, ok := r.views[uid]
	failWith := r.fail[uid]

	return func(yield func(ga4.Row, error) bool) {
		if failWith != nil {
			yield(ga4.Row{}, failWith)
			return
		}
		if !ok {
			return
		}
		date, city := "20240805", "Oslo"
		values := map[string]*string{
			ga4.DimEntityUID: &uid,
			ga4.DimDate:      &date,
			ga4.DimCity:      &city,
			ga4.MetricViews:  &views,
		}
		yield(ga4.NewRow(values, time.UTC), nil)
	}
}

func (r *entityReporter) requestsFor(uid uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[uid.String()]
}

type fixture struct {
	conn     *gorm.DB
	driver   *Driver
	store    *matrix.Store
	reporter *entityReporter
	clock    *clock.FakeClock
}

func setupDriver(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	models := append(snapshot.Models(), compiler.PlatformModels()...)
	models = append(models, &matrix.CompiledCell{})
	if err := conn.AutoMigrate(models...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clk := clock.NewFakeClock(cycleAt)
	log := zap.NewNop()
	cfg := config.Config{Collation: config.CollationEnv{
		Threshold:  threshold,
		Zone:       time.UTC,
		CycleFloor: 7 * 24 * time.Hour,
	}}
	tuning := config.NewStaticCollationConfigHolder(config.DefaultCollationTuning())
	reporter := newEntityReporter()

	store := matrix.NewStore(matrix.Params{DB: conn, Clock: clk, Log: log})
	cache := snapshot.NewCache(snapshot.Params{DB: conn, Reporter: reporter, Clock: clk, Log: log})
	comp := compiler.NewCompiler(compiler.Params{
		DB:     conn,
		Store:  store,
		Config: cfg,
		Tuning: tuning,
		Clock:  clk,
		Log:    log,
	})
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	driver, err := New(Params{
		DB:       conn,
		Config:   cfg,
		Tuning:   tuning,
		Cache:    cache,
		Compiler: comp,
		GenID:    node,
		Clock:    clk,
		Log:      log,
	})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	return &fixture{conn: conn, driver: driver, store: store, reporter: reporter, clock: clk}
}

func (f *fixture) opportunity(t *testing.T, views string) uuid.UUID {
	t.Helper()
	partner := uuid.New()
	if err := f.conn.Create(&compiler.Partner{UID: partner, Name: "partner"}).Error; err != nil {
		t.Fatalf("create partner: %v", err)
	}
	uid := uuid.New()
	opp := compiler.Opportunity{
		UID:              uid,
		PartnerUID:       partner,
		Title:            "cleanup",
		OrganizationName: "River Trust",
		Accepted:         true,
		CreatedAt:        time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := f.conn.Create(&opp).Error; err != nil {
		t.Fatalf("create opportunity: %v", err)
	}
	if views != "" {
		f.reporter.views[uid.String()] = views
	}
	return uid
}

func (f *fixture) temporaryRows(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.conn.Model(&snapshot.RawSnapshot{}).Where("temporary = ?", true).Count(&n).Error; err != nil {
		t.Fatalf("count temporary rows: %v", err)
	}
	return n
}

func (f *fixture) cellsAbout(t *testing.T, uid uuid.UUID) int64 {
	t.Helper()
	var n int64
	if err := f.conn.Model(&matrix.CompiledCell{}).Where("about = ?", uid).Count(&n).Error; err != nil {
		t.Fatalf("count cells: %v", err)
	}
	return n
}

func TestRunOnceFillsCompilesAndPurges(t *testing.T) {
	f := setupDriver(t)
	opp := f.opportunity(t, "3")

	status, err := f.driver.RunOnce(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, status.Cycle)
	require.NotEmpty(t, status.RunID)
	require.False(t, status.Running)
	require.NotNil(t, status.FinishedAt)
	require.Len(t, status.Periods, len(domain.Periods()))
	require.Zero(t, status.Errors)
	require.EqualValues(t, 4, status.Purged)

	require.Zero(t, f.temporaryRows(t))
	var permanent int64
	require.NoError(t, f.conn.Model(&snapshot.RawSnapshot{}).Where("temporary = ?", false).Count(&permanent).Error)
	require.EqualValues(t, 5, permanent)

	want := int64(len(domain.Periods()) * len(domain.Statuses()))
	require.Equal(t, want, f.cellsAbout(t, opp))
	require.Equal(t, want, f.cellsAbout(t, domain.OverviewUID))

	cell, err := f.store.ReadOpportunity(context.Background(), opp, domain.LastMonth, domain.StatusAll)
	require.NoError(t, err)
	require.NotNil(t, cell)
	require.EqualValues(t, 3, cell.Engagement.Views)

	// Temporary periods are compiled before the purge runs.
	cell, err = f.store.ReadOpportunity(context.Background(), opp, domain.ThisMonth, domain.StatusAll)
	require.NoError(t, err)
	require.EqualValues(t, 3, cell.Engagement.Views)

	require.Equal(t, status.Cycle, f.driver.Status().Cycle)
}

func TestRunOnceRefetchesOnlyTemporaryPeriods(t *testing.T) {
	f := setupDriver(t)
	opp := f.opportunity(t, "2")
	ctx := context.Background()

	_, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, len(domain.Periods()), f.reporter.requestsFor(opp))
	require.Zero(t, f.temporaryRows(t))

	status, err := f.driver.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, status.Cycle)
	require.Equal(t, len(domain.Periods())+4, f.reporter.requestsFor(opp))
	require.Zero(t, f.temporaryRows(t))

	for _, ps := range status.Periods {
		if ps.Temporary {
			// opportunity, partner, overview and search terms
			require.Equal(t, 4, ps.Fetched, ps.Period)
		} else {
			require.Zero(t, ps.Fetched, ps.Period)
		}
	}
}

func TestRunOnceContinuesPastReportFailure(t *testing.T) {
	f := setupDriver(t)
	healthy := f.opportunity(t, "4")
	broken := f.opportunity(t, "")
	f.reporter.fail[broken.String()] = domain.ErrTransport

	status, err := f.driver.RunOnce(context.Background())
	require.NoError(t, err)

	for _, ps := range status.Periods {
		require.Equal(t, 1, ps.FillErrors, ps.Period)
		require.Equal(t, 2, ps.Opportunities, ps.Period)
	}

	want := int64(len(domain.Periods()) * len(domain.Statuses()))
	require.Equal(t, want, f.cellsAbout(t, healthy))
	require.Equal(t, want, f.cellsAbout(t, broken))

	cell, err := f.store.ReadOpportunity(context.Background(), broken, domain.LastMonth, domain.StatusAll)
	require.NoError(t, err)
	require.Zero(t, cell.Engagement.Views)
}

type heldLocker struct{ held bool }

func (l *heldLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "token", !l.held, nil
}

func (l *heldLocker) Refresh(context.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}

func (l *heldLocker) Release(context.Context, string, string) error { return nil }

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	f := setupDriver(t)
	opp := f.opportunity(t, "1")
	f.driver.locker = &heldLocker{held: true}

	status, err := f.driver.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrLockHeld)
	require.True(t, status.Skipped)
	require.Zero(t, status.Errors)
	require.Zero(t, f.reporter.requestsFor(opp))
	require.Zero(t, f.cellsAbout(t, opp))
}

func TestRunOnceStopsOnCancel(t *testing.T) {
	f := setupDriver(t)
	opp := f.opportunity(t, "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	status, err := f.driver.RunOnce(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, status.Periods)
	require.Zero(t, f.cellsAbout(t, opp))
}

func TestRunForeverSleepsRemainingFloor(t *testing.T) {
	f := setupDriver(t)
	f.opportunity(t, "1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sleeps []time.Duration
	f.clock.OnSleep = func(d time.Duration) error {
		sleeps = append(sleeps, d)
		cancel()
		return context.Canceled
	}

	f.driver.RunForever(ctx)

	require.Equal(t, []time.Duration{7 * 24 * time.Hour}, sleeps)
	require.EqualValues(t, 1, f.driver.Status().Cycle)
}

func TestRunForeverRetriesFailedCycleSooner(t *testing.T) {
	f := setupDriver(t)
	require.NoError(t, f.conn.Migrator().DropTable(&compiler.Opportunity{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var sleeps []time.Duration
	f.clock.OnSleep = func(d time.Duration) error {
		sleeps = append(sleeps, d)
		if len(sleeps) == 2 {
			cancel()
			return context.Canceled
		}
		return nil
	}

	f.driver.RunForever(ctx)

	require.Equal(t, []time.Duration{defaultRetryDelay, defaultRetryDelay}, sleeps)
	status := f.driver.Status()
	require.EqualValues(t, 2, status.Cycle)
	require.NotZero(t, status.Errors)
	require.NotEmpty(t, status.LastError)
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
