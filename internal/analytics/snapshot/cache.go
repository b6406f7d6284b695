package snapshot

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/internal/analytics/ga4"
	"github.com/smallbiznis/collator/internal/clock"
	obsmetrics "github.com/smallbiznis/collator/internal/observability/metrics"
	"github.com/smallbiznis/collator/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertBatchSize = 500

// Reporter streams external analytics report rows.
type Reporter interface {
	RunReport(ctx context.Context, req ga4.ReportRequest) iter.Seq2[ga4.Row, error]
}

var (
	entityDimensions = []string{
		ga4.DimEntityUID,
		ga4.DimPartnerUID,
		ga4.DimCity,
		ga4.DimDate,
		ga4.DimDeviceCategory,
		ga4.DimFirstSessionDate,
		ga4.DimChannelGroup,
		ga4.DimPagePath,
		ga4.DimRegion,
	}
	overviewDimensions = []string{
		ga4.DimCity,
		ga4.DimDate,
		ga4.DimDeviceCategory,
		ga4.DimFirstSessionDate,
		ga4.DimChannelGroup,
		ga4.DimPagePath,
		ga4.DimRegion,
	}
	reportMetrics = []string{
		ga4.MetricViews,
		ga4.MetricSessions,
		ga4.MetricEvents,
		ga4.MetricTotalUsers,
		ga4.MetricNewUsers,
		ga4.MetricEngagement,
	}
	searchTermDimensions = []string{ga4.DimSearchTerm, ga4.DimDate}
	searchTermMetrics    = []string{ga4.MetricEvents, ga4.MetricTotalUsers}
)

// Filter selects what a report is attributed to. A non-nil Opportunity wins;
// otherwise the partner profile pages of Partner are fetched.
type Filter struct {
	Opportunity uuid.UUID
	Partner     uuid.UUID
}

func (f Filter) kind() FillKind {
	if f.Opportunity != uuid.Nil {
		return FillOpportunity
	}
	return FillPartner
}

func (f Filter) about() uuid.UUID {
	if f.Opportunity != uuid.Nil {
		return f.Opportunity
	}
	return f.Partner
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Reporter Reporter
	Clock    clock.Clock
	Log      *zap.Logger
	Metrics  *obsmetrics.CollationMetrics `optional:"true"`
	Otel     *obsmetrics.Metrics          `optional:"true"`
}

// Cache persists external analytics rows per period window.
type Cache struct {
	db       *gorm.DB
	reporter Reporter
	clock    clock.Clock
	log      *zap.Logger
	metrics  *obsmetrics.CollationMetrics
	otel     *obsmetrics.Metrics
}

func NewCache(p Params) *Cache {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache{
		db:       p.DB,
		reporter: p.Reporter,
		clock:    clk,
		log:      p.Log.Named("collator.snapshot"),
		metrics:  p.Metrics,
		otel:     p.Otel,
	}
}

// IsCached reports whether the opportunity report for the window was stored.
func (c *Cache) IsCached(ctx context.Context, begin, end time.Time, opp uuid.UUID) (bool, error) {
	return c.filled(ctx, FillOpportunity, opp, begin, end)
}

// IsPartnerCached reports whether the partner profile report for the window was stored.
func (c *Cache) IsPartnerCached(ctx context.Context, begin, end time.Time, partner uuid.UUID) (bool, error) {
	return c.filled(ctx, FillPartner, partner, begin, end)
}

// IsOverviewCached reports whether the site overview report for the window was stored.
func (c *Cache) IsOverviewCached(ctx context.Context, begin, end time.Time) (bool, error) {
	return c.filled(ctx, FillOverview, domain.OverviewUID, begin, end)
}

// IsSearchTermsCached reports whether the search term report for the window was stored.
func (c *Cache) IsSearchTermsCached(ctx context.Context, begin, end time.Time) (bool, error) {
	return c.filled(ctx, FillSearchTerms, domain.OverviewUID, begin, end)
}

func (c *Cache) filled(ctx context.Context, kind FillKind, about uuid.UUID, begin, end time.Time) (bool, error) {
	var count int64
	err := c.db.WithContext(ctx).
		Model(&RawFill{}).
		Where("kind = ? AND about = ? AND begin_at = ? AND end_at = ?", string(kind), about, begin.UTC(), end.UTC()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CacheReport fetches the report selected by filter and inserts every
// decodable row. It returns the number of rows stored. Rows already flushed
// stay in place when the report fails partway; they are cleared before the
// window is fetched again.
func (c *Cache) CacheReport(ctx context.Context, begin, end time.Time, filter Filter, temporary bool) (int, error) {
	kind := filter.kind()
	if filter.about() == uuid.Nil {
		return 0, fmt.Errorf("%w: report filter has no opportunity or partner", domain.ErrConfig)
	}
	if err := c.clearWindow(ctx, kind, filter.about(), begin, end); err != nil {
		return 0, err
	}

	req := ga4.ReportRequest{
		Begin:      begin,
		End:        end,
		Dimensions: entityDimensions,
		Metrics:    reportMetrics,
	}
	if kind == FillOpportunity {
		req.Filter = ga4.Equals(ga4.DimEntityUID, filter.Opportunity.String())
	} else {
		req.Filter = ga4.Equals(ga4.DimPartnerUID, filter.Partner.String())
	}

	log := c.log.With(
		zap.String("kind", string(kind)),
		zap.String("about", filter.about().String()),
		zap.Time("begin", begin),
		zap.Time("end", end),
	)

	var batch []RawSnapshot
	stored, err := c.consume(ctx, req, string(kind), log, func(row ga4.Row) (bool, error) {
		rec, keep, err := snapshotFromRow(row, filter, begin, end, temporary)
		if err != nil || !keep {
			return false, err
		}
		batch = append(batch, rec)
		if len(batch) >= insertBatchSize {
			if err := c.insert(ctx, &batch); err != nil {
				return false, err
			}
		}
		return true, nil
	}, func() error { return c.insert(ctx, &batch) })
	if err != nil {
		return stored, err
	}
	return stored, c.markFilled(ctx, kind, filter.about(), begin, end, temporary, stored)
}

// CacheOverview stores the unfiltered site report for the window.
func (c *Cache) CacheOverview(ctx context.Context, begin, end time.Time, temporary bool) (int, error) {
	req := ga4.ReportRequest{
		Begin:      begin,
		End:        end,
		Dimensions: overviewDimensions,
		Metrics:    reportMetrics,
	}
	if err := c.clearWindow(ctx, FillOverview, domain.OverviewUID, begin, end); err != nil {
		return 0, err
	}
	log := c.log.With(zap.String("kind", string(FillOverview)), zap.Time("begin", begin), zap.Time("end", end))

	var batch []RawOverview
	stored, err := c.consume(ctx, req, string(FillOverview), log, func(row ga4.Row) (bool, error) {
		day, err := row.Date(ga4.DimDate)
		if err != nil {
			return false, err
		}
		batch = append(batch, RawOverview{
			Temporary:         temporary,
			BeginAt:           begin.UTC(),
			EndAt:             end.UTC(),
			Day:               day.UTC(),
			City:              row.String(ga4.DimCity),
			DeviceCategory:    row.String(ga4.DimDeviceCategory),
			FirstSessionDay:   optionalDay(row),
			PagePath:          row.String(ga4.DimPagePath),
			Region:            row.String(ga4.DimRegion),
			ChannelGroup:      row.String(ga4.DimChannelGroup),
			Views:             row.Int(ga4.MetricViews),
			Events:            row.Int(ga4.MetricEvents),
			TotalUsers:        row.Int(ga4.MetricTotalUsers),
			NewUsers:          row.Int(ga4.MetricNewUsers),
			EngagementSeconds: row.Float(ga4.MetricEngagement),
			Sessions:          row.Int(ga4.MetricSessions),
		})
		if len(batch) >= insertBatchSize {
			if err := c.insert(ctx, &batch); err != nil {
				return false, err
			}
		}
		return true, nil
	}, func() error { return c.insert(ctx, &batch) })
	if err != nil {
		return stored, err
	}
	return stored, c.markFilled(ctx, FillOverview, domain.OverviewUID, begin, end, temporary, stored)
}

// CacheSearchTerms stores the site search term report for the window.
func (c *Cache) CacheSearchTerms(ctx context.Context, begin, end time.Time, temporary bool) (int, error) {
	req := ga4.ReportRequest{
		Begin:      begin,
		End:        end,
		Dimensions: searchTermDimensions,
		Metrics:    searchTermMetrics,
	}
	if err := c.clearWindow(ctx, FillSearchTerms, domain.OverviewUID, begin, end); err != nil {
		return 0, err
	}
	log := c.log.With(zap.String("kind", string(FillSearchTerms)), zap.Time("begin", begin), zap.Time("end", end))

	var batch []RawSearchTerm
	stored, err := c.consume(ctx, req, string(FillSearchTerms), log, func(row ga4.Row) (bool, error) {
		term, ok := row.Value(ga4.DimSearchTerm)
		if !ok {
			return false, fmt.Errorf("%w: %s missing", domain.ErrData, ga4.DimSearchTerm)
		}
		day, err := row.Date(ga4.DimDate)
		if err != nil {
			return false, err
		}
		batch = append(batch, RawSearchTerm{
			Temporary:  temporary,
			BeginAt:    begin.UTC(),
			EndAt:      end.UTC(),
			Day:        day.UTC(),
			SearchTerm: term,
			Events:     row.Int(ga4.MetricEvents),
			TotalUsers: row.Int(ga4.MetricTotalUsers),
		})
		if len(batch) >= insertBatchSize {
			if err := c.insert(ctx, &batch); err != nil {
				return false, err
			}
		}
		return true, nil
	}, func() error { return c.insert(ctx, &batch) })
	if err != nil {
		return stored, err
	}
	return stored, c.markFilled(ctx, FillSearchTerms, domain.OverviewUID, begin, end, temporary, stored)
}

// ClearCachedTemporary deletes every temporary raw row and fill marker.
func (c *Cache) ClearCachedTemporary(ctx context.Context) (int64, error) {
	var purged int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range Models() {
			res := tx.Where("temporary = ?", true).Delete(model)
			if res.Error != nil {
				return res.Error
			}
			if _, marker := model.(*RawFill); !marker {
				purged += res.RowsAffected
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.metrics.AddPurgedRows(purged)
	if purged > 0 {
		c.log.Info("purged temporary raw rows", zap.Int64("rows", purged))
	}
	return purged, nil
}

// consume drives one report. decode returns false with a nil error for rows
// that are intentionally dropped; a decode error skips the row with a warning.
// Any other failure (insert, transport) ends the report.
func (c *Cache) consume(
	ctx context.Context,
	req ga4.ReportRequest,
	kind string,
	log *zap.Logger,
	decode func(ga4.Row) (bool, error),
	flush func() error,
) (int, error) {
	var stored, skipped int
	fail := func(err error) (int, error) {
		c.metrics.IncReport(kind, obsmetrics.OutcomeError)
		c.metrics.AddReportRows(kind, stored)
		log.Warn("report failed", zap.Error(err), zap.Int("stored", stored))
		return stored, err
	}

	for row, err := range c.reporter.RunReport(ctx, req) {
		if err != nil {
			if flushErr := flush(); flushErr != nil {
				return fail(errors.Join(err, flushErr))
			}
			return fail(err)
		}
		kept, err := decode(row)
		switch {
		case err != nil && isRowError(err):
			skipped++
			c.metrics.IncRowSkipped(kind, err)
			log.Warn("skipping undecodable row", zap.Error(err))
		case err != nil:
			return fail(err)
		case kept:
			stored++
		}
	}
	if err := flush(); err != nil {
		return fail(err)
	}

	c.metrics.IncReport(kind, obsmetrics.OutcomeOK)
	c.metrics.AddReportRows(kind, stored)
	c.otel.RecordExternalRows(ctx, kind, stored)
	log.Debug("report cached", zap.Int("rows", stored), zap.Int("skipped", skipped))
	return stored, nil
}

func isRowError(err error) bool {
	return errors.Is(err, domain.ErrData) || errors.Is(err, domain.ErrDecode)
}

func (c *Cache) insert(ctx context.Context, batch any) error {
	switch rows := batch.(type) {
	case *[]RawSnapshot:
		if len(*rows) == 0 {
			return nil
		}
		err := c.db.WithContext(ctx).CreateInBatches(*rows, insertBatchSize).Error
		*rows = (*rows)[:0]
		return err
	case *[]RawOverview:
		if len(*rows) == 0 {
			return nil
		}
		err := c.db.WithContext(ctx).CreateInBatches(*rows, insertBatchSize).Error
		*rows = (*rows)[:0]
		return err
	case *[]RawSearchTerm:
		if len(*rows) == 0 {
			return nil
		}
		err := c.db.WithContext(ctx).CreateInBatches(*rows, insertBatchSize).Error
		*rows = (*rows)[:0]
		return err
	default:
		return fmt.Errorf("snapshot: unsupported batch %T", batch)
	}
}

// clearWindow removes rows left behind by an earlier report of the same window
// that never completed. A window without a fill marker owns no valid rows.
func (c *Cache) clearWindow(ctx context.Context, kind FillKind, about uuid.UUID, begin, end time.Time) error {
	begin, end = begin.UTC(), end.UTC()
	var cleared int64
	err := db.RetryExec(ctx, db.DefaultRetryPolicy(), func(ctx context.Context) error {
		cleared = 0
		return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			window := tx.Where("begin_at = ? AND end_at = ?", begin, end)
			var res *gorm.DB
			switch kind {
			case FillOpportunity:
				res = window.Where("opportunity_uid = ?", about).Delete(&RawSnapshot{})
			case FillPartner:
				res = window.Where("opportunity_uid = ? AND partner_uid = ?", uuid.Nil, about).Delete(&RawSnapshot{})
			case FillOverview:
				res = window.Delete(&RawOverview{})
			case FillSearchTerms:
				res = window.Delete(&RawSearchTerm{})
			default:
				return fmt.Errorf("snapshot: unknown fill kind %q", kind)
			}
			if res.Error != nil {
				return res.Error
			}
			cleared = res.RowsAffected
			return tx.Where("kind = ? AND about = ? AND begin_at = ? AND end_at = ?", string(kind), about, begin, end).
				Delete(&RawFill{}).Error
		})
	})
	if err != nil {
		return fmt.Errorf("clear %s window: %w", kind, err)
	}
	if cleared > 0 {
		c.log.Info("cleared rows of incomplete report",
			zap.String("kind", string(kind)),
			zap.String("about", about.String()),
			zap.Int64("rows", cleared),
		)
	}
	return nil
}

func (c *Cache) markFilled(ctx context.Context, kind FillKind, about uuid.UUID, begin, end time.Time, temporary bool, rows int) error {
	fill := RawFill{
		Kind:       string(kind),
		About:      about,
		BeginAt:    begin.UTC(),
		EndAt:      end.UTC(),
		Temporary:  temporary,
		StoredRows: int64(rows),
		FilledAt:   c.clock.Now().UTC(),
	}
	return db.RetryExec(ctx, db.DefaultRetryPolicy(), func(ctx context.Context) error {
		return c.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "about"}, {Name: "begin_at"}, {Name: "end_at"}},
			DoUpdates: clause.AssignmentColumns([]string{"temporary", "stored_rows", "filled_at"}),
		}).Create(&fill).Error
	})
}

// snapshotFromRow decodes one entity report row. Partner fills keep only rows
// without an entity, which are the partner profile pages.
func snapshotFromRow(row ga4.Row, filter Filter, begin, end time.Time, temporary bool) (RawSnapshot, bool, error) {
	entity, err := row.OptionalUUID(ga4.DimEntityUID)
	if err != nil {
		return RawSnapshot{}, false, err
	}
	partner, err := row.OptionalUUID(ga4.DimPartnerUID)
	if err != nil {
		return RawSnapshot{}, false, err
	}

	if filter.Opportunity != uuid.Nil {
		if entity == uuid.Nil {
			return RawSnapshot{}, false, fmt.Errorf("%w: %s missing", domain.ErrData, ga4.DimEntityUID)
		}
	} else {
		if entity != uuid.Nil {
			return RawSnapshot{}, false, nil
		}
		if partner == uuid.Nil {
			partner = filter.Partner
		}
	}

	day, err := row.Date(ga4.DimDate)
	if err != nil {
		return RawSnapshot{}, false, err
	}

	return RawSnapshot{
		Temporary:         temporary,
		BeginAt:           begin.UTC(),
		EndAt:             end.UTC(),
		OpportunityUID:    entity,
		PartnerUID:        partner,
		Day:               day.UTC(),
		City:              row.String(ga4.DimCity),
		DeviceCategory:    row.String(ga4.DimDeviceCategory),
		FirstSessionDay:   optionalDay(row),
		PagePath:          row.String(ga4.DimPagePath),
		Region:            row.String(ga4.DimRegion),
		ChannelGroup:      row.String(ga4.DimChannelGroup),
		Views:             row.Int(ga4.MetricViews),
		Events:            row.Int(ga4.MetricEvents),
		TotalUsers:        row.Int(ga4.MetricTotalUsers),
		NewUsers:          row.Int(ga4.MetricNewUsers),
		EngagementSeconds: row.Float(ga4.MetricEngagement),
		Sessions:          row.Int(ga4.MetricSessions),
	}, true, nil
}

func optionalDay(row ga4.Row) *time.Time {
	t := row.OptionalDate(ga4.DimFirstSessionDate)
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}
