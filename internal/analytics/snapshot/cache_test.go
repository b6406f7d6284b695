package snapshot

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/internal/analytics/ga4"
	"github.com/smallbiznis/collator/internal/clock"
	"github.com/smallbiznis/collator/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeReporter struct {
	rows     []ga4.Row
	failWith error
	requests []ga4.ReportRequest
}

func (f *fakeReporter) RunReport(_ context.Context, req ga4.ReportRequest) iter.Seq2[ga4.Row, error] {
	f.requests = append(f.requests, req)
	return func(yield func(ga4.Row, error) bool) {
		for _, row := range f.rows {
			if !yield(row, nil) {
				return
			}
		}
		if f.failWith != nil {
			yield(ga4.Row{}, f.failWith)
		}
	}
}

func row(kv ...string) ga4.Row {
	values := make(map[string]*string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		v := kv[i+1]
		values[kv[i]] = &v
	}
	return ga4.NewRow(values, time.UTC)
}

var (
	july   = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	august = time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC)
)

func setupCache(t *testing.T, reporter Reporter) (*Cache, *gorm.DB) {
	t.Helper()
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cache := NewCache(Params{
		DB:       conn,
		Reporter: reporter,
		Clock:    clock.NewFakeClock(august),
		Log:      zap.NewNop(),
	})
	return cache, conn
}

func countRows(t *testing.T, conn *gorm.DB, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := conn.Model(model)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestCacheReportStoresRowsAndMarksFilled(t *testing.T) {
	opp := uuid.New()
	partner := uuid.New()
	reporter := &fakeReporter{rows: []ga4.Row{
		row(ga4.DimEntityUID, opp.String(), ga4.DimPartnerUID, partner.String(), ga4.DimDate, "20240703",
			ga4.DimCity, "Oslo", ga4.MetricViews, "5", ga4.MetricTotalUsers, "3", ga4.MetricEngagement, "12.5"),
		row(ga4.DimEntityUID, opp.String(), ga4.DimPartnerUID, partner.String(), ga4.DimDate, "20240703",
			ga4.DimCity, "Oslo", ga4.MetricViews, "5", ga4.MetricTotalUsers, "3"),
		row(ga4.DimEntityUID, opp.String(), ga4.DimDate, "2024-07-04", ga4.MetricViews, "9"),
		row(ga4.DimEntityUID, "not-a-uuid", ga4.DimDate, "20240705", ga4.MetricViews, "9"),
	}}
	cache, conn := setupCache(t, reporter)
	ctx := context.Background()

	cached, err := cache.IsCached(ctx, july, august, opp)
	if err != nil || cached {
		t.Fatalf("expected not cached before fill, got %v %v", cached, err)
	}

	stored, err := cache.CacheReport(ctx, july, august, Filter{Opportunity: opp}, false)
	if err != nil {
		t.Fatalf("cache report: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected duplicate rows stored and bad rows skipped, got %d", stored)
	}
	if n := countRows(t, conn, &RawSnapshot{}, "opportunity_uid = ?", opp); n != 2 {
		t.Fatalf("expected 2 raw rows, got %d", n)
	}

	var first RawSnapshot
	if err := conn.Where("opportunity_uid = ?", opp).Order("id").First(&first).Error; err != nil {
		t.Fatalf("load row: %v", err)
	}
	if first.PartnerUID != partner || first.City != "Oslo" || first.Views != 5 || first.EngagementSeconds != 12.5 {
		t.Fatalf("unexpected row %+v", first)
	}
	if first.FirstSessionDay != nil {
		t.Fatalf("expected missing first session date to stay null")
	}

	cached, err = cache.IsCached(ctx, july, august, opp)
	if err != nil || !cached {
		t.Fatalf("expected cached after fill, got %v %v", cached, err)
	}
	if filter := reporter.requests[0].Filter; filter == nil || filter.Field != ga4.DimEntityUID || filter.Value != opp.String() {
		t.Fatalf("unexpected filter %+v", filter)
	}
}

func TestCacheReportFailureKeepsPartialRowsWithoutMarker(t *testing.T) {
	opp := uuid.New()
	reporter := &fakeReporter{
		rows:     []ga4.Row{row(ga4.DimEntityUID, opp.String(), ga4.DimDate, "20240703", ga4.MetricViews, "4")},
		failWith: domain.ErrTransport,
	}
	cache, conn := setupCache(t, reporter)
	ctx := context.Background()

	stored, err := cache.CacheReport(ctx, july, august, Filter{Opportunity: opp}, true)
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if stored != 1 {
		t.Fatalf("expected 1 partial row, got %d", stored)
	}
	if n := countRows(t, conn, &RawSnapshot{}, ""); n != 1 {
		t.Fatalf("expected partial row to remain, got %d", n)
	}
	cached, err := cache.IsCached(ctx, july, august, opp)
	if err != nil || cached {
		t.Fatalf("expected no marker after failed report, got %v %v", cached, err)
	}
}

func TestCacheReportRetryAfterPartialFailureStoresRowsOnce(t *testing.T) {
	opp := uuid.New()
	reporter := &fakeReporter{
		rows:     []ga4.Row{row(ga4.DimEntityUID, opp.String(), ga4.DimDate, "20240703", ga4.MetricViews, "4")},
		failWith: domain.ErrTransport,
	}
	cache, conn := setupCache(t, reporter)
	ctx := context.Background()

	if _, err := cache.CacheReport(ctx, july, august, Filter{Opportunity: opp}, false); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	other := uuid.New()
	if err := conn.Create(&RawSnapshot{BeginAt: july, EndAt: august, OpportunityUID: other, Day: july, Views: 6}).Error; err != nil {
		t.Fatalf("seed other opportunity: %v", err)
	}

	cached, err := cache.IsCached(ctx, july, august, opp)
	if err != nil || cached {
		t.Fatalf("expected window uncached after failure, got %v %v", cached, err)
	}
	reporter.failWith = nil
	stored, err := cache.CacheReport(ctx, july, august, Filter{Opportunity: opp}, false)
	if err != nil || stored != 1 {
		t.Fatalf("refetch: stored=%d err=%v", stored, err)
	}

	var views int64
	if err := conn.Model(&RawSnapshot{}).
		Where("opportunity_uid = ? AND temporary = ?", opp, false).
		Select("COALESCE(SUM(views), 0)").Scan(&views).Error; err != nil {
		t.Fatalf("sum views: %v", err)
	}
	if views != 4 {
		t.Fatalf("expected views 4 after refetch, got %d", views)
	}
	if n := countRows(t, conn, &RawSnapshot{}, "opportunity_uid = ?", other); n != 1 {
		t.Fatalf("expected other opportunity rows untouched, got %d", n)
	}
	if cached, _ := cache.IsCached(ctx, july, august, opp); !cached {
		t.Fatalf("expected window cached after refetch")
	}
}

func TestCacheOverviewRetryReplacesPartialRows(t *testing.T) {
	reporter := &fakeReporter{
		rows:     []ga4.Row{row(ga4.DimDate, "20240703", ga4.MetricViews, "11")},
		failWith: domain.ErrTransport,
	}
	cache, conn := setupCache(t, reporter)
	ctx := context.Background()

	if _, err := cache.CacheOverview(ctx, july, august, false); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	reporter.failWith = nil
	if _, err := cache.CacheOverview(ctx, july, august, false); err != nil {
		t.Fatalf("refetch overview: %v", err)
	}
	if n := countRows(t, conn, &RawOverview{}, ""); n != 1 {
		t.Fatalf("expected one overview row, got %d", n)
	}
}

func TestCachePartnerKeepsProfileRowsOnly(t *testing.T) {
	partner := uuid.New()
	reporter := &fakeReporter{rows: []ga4.Row{
		row(ga4.DimPartnerUID, partner.String(), ga4.DimDate, "20240703", ga4.DimPagePath, "/partners/acme", ga4.MetricViews, "7"),
		row(ga4.DimEntityUID, uuid.NewString(), ga4.DimPartnerUID, partner.String(), ga4.DimDate, "20240703", ga4.MetricViews, "50"),
		row(ga4.DimDate, "20240704", ga4.MetricViews, "2"),
	}}
	cache, conn := setupCache(t, reporter)
	ctx := context.Background()

	stored, err := cache.CacheReport(ctx, july, august, Filter{Partner: partner}, false)
	if err != nil {
		t.Fatalf("cache partner: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected 2 profile rows, got %d", stored)
	}
	var views int64
	if err := conn.Model(&RawSnapshot{}).
		Where("opportunity_uid = ? AND partner_uid = ?", uuid.Nil, partner).
		Select("COALESCE(SUM(views), 0)").Scan(&views).Error; err != nil {
		t.Fatalf("sum views: %v", err)
	}
	if views != 9 {
		t.Fatalf("expected profile views 9, got %d", views)
	}
	cached, err := cache.IsPartnerCached(ctx, july, august, partner)
	if err != nil || !cached {
		t.Fatalf("expected partner cached, got %v %v", cached, err)
	}
	if cached, _ := cache.IsCached(ctx, july, august, partner); cached {
		t.Fatalf("partner marker must not satisfy opportunity lookup")
	}
}

func TestCacheReportRejectsEmptyFilter(t *testing.T) {
	cache, _ := setupCache(t, &fakeReporter{})
	if _, err := cache.CacheReport(context.Background(), july, august, Filter{}, false); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestCacheOverviewAndSearchTerms(t *testing.T) {
	reporter := &fakeReporter{rows: []ga4.Row{
		row(ga4.DimDate, "20240703", ga4.DimDeviceCategory, "mobile", ga4.DimFirstSessionDate, "20240601",
			ga4.DimSearchTerm, "yoga", ga4.MetricViews, "11", ga4.MetricEvents, "4", ga4.MetricTotalUsers, "2"),
		row(ga4.DimDate, "20240704", ga4.MetricEvents, "1"),
	}}
	cache, conn := setupCache(t, reporter)
	ctx := context.Background()

	stored, err := cache.CacheOverview(ctx, july, august, true)
	if err != nil || stored != 2 {
		t.Fatalf("cache overview: stored=%d err=%v", stored, err)
	}
	var overview RawOverview
	if err := conn.Order("id").First(&overview).Error; err != nil {
		t.Fatalf("load overview: %v", err)
	}
	if overview.FirstSessionDay == nil || overview.FirstSessionDay.Format("2006-01-02") != "2024-06-01" {
		t.Fatalf("unexpected first session day %v", overview.FirstSessionDay)
	}
	if !overview.Temporary || overview.DeviceCategory != "mobile" {
		t.Fatalf("unexpected overview row %+v", overview)
	}

	stored, err = cache.CacheSearchTerms(ctx, july, august, true)
	if err != nil {
		t.Fatalf("cache search terms: %v", err)
	}
	if stored != 1 {
		t.Fatalf("expected row without a term to be skipped, got %d", stored)
	}

	for _, check := range []func(context.Context, time.Time, time.Time) (bool, error){cache.IsOverviewCached, cache.IsSearchTermsCached} {
		cached, err := check(ctx, july, august)
		if err != nil || !cached {
			t.Fatalf("expected cached, got %v %v", cached, err)
		}
	}
}

func TestClearCachedTemporaryKeepsPermanentRows(t *testing.T) {
	opp := uuid.New()
	reporter := &fakeReporter{rows: []ga4.Row{
		row(ga4.DimEntityUID, opp.String(), ga4.DimDate, "20240703", ga4.DimSearchTerm, "run", ga4.MetricViews, "1"),
	}}
	cache, conn := setupCache(t, reporter)
	ctx := context.Background()

	june := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := cache.CacheReport(ctx, june, july, Filter{Opportunity: opp}, false); err != nil {
		t.Fatalf("permanent fill: %v", err)
	}
	if _, err := cache.CacheReport(ctx, july, august, Filter{Opportunity: opp}, true); err != nil {
		t.Fatalf("temporary fill: %v", err)
	}
	if _, err := cache.CacheOverview(ctx, july, august, true); err != nil {
		t.Fatalf("temporary overview: %v", err)
	}
	if _, err := cache.CacheSearchTerms(ctx, july, august, true); err != nil {
		t.Fatalf("temporary search terms: %v", err)
	}

	purged, err := cache.ClearCachedTemporary(ctx)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 3 {
		t.Fatalf("expected 3 temporary rows purged, got %d", purged)
	}
	for _, model := range Models() {
		if n := countRows(t, conn, model, "temporary = ?", true); n != 0 {
			t.Fatalf("expected no temporary rows in %T, got %d", model, n)
		}
	}
	if n := countRows(t, conn, &RawSnapshot{}, "temporary = ?", false); n != 1 {
		t.Fatalf("expected permanent row to survive, got %d", n)
	}
	if cached, _ := cache.IsCached(ctx, june, july, opp); !cached {
		t.Fatalf("expected permanent marker to survive")
	}
	if cached, _ := cache.IsCached(ctx, july, august, opp); cached {
		t.Fatalf("expected temporary marker to be purged")
	}
}
