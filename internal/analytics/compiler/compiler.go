package compiler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/internal/analytics/matrix"
	"github.com/smallbiznis/collator/internal/clock"
	"github.com/smallbiznis/collator/internal/config"
	obsmetrics "github.com/smallbiznis/collator/internal/observability/metrics"
	"github.com/smallbiznis/collator/internal/observability/tracing"
	"github.com/smallbiznis/collator/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Cell kinds used as metric labels.
const (
	cellOpportunity = "opportunity"
	cellPartner     = "partner"
	cellHosts       = "hosts"
	cellOverview    = "overview"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Store   *matrix.Store
	Config  config.Config
	Tuning  *config.CollationConfigHolder
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *obsmetrics.CollationMetrics `optional:"true"`
	Otel    *obsmetrics.Metrics          `optional:"true"`
}

// Compiler turns raw snapshots and platform activity into compiled cells.
type Compiler struct {
	db        *gorm.DB
	store     *matrix.Store
	tuning    *config.CollationConfigHolder
	clock     clock.Clock
	threshold time.Time
	zone      *time.Location
	retry     db.RetryPolicy
	log       *zap.Logger
	metrics   *obsmetrics.CollationMetrics
	otel      *obsmetrics.Metrics
}

func NewCompiler(p Params) *Compiler {
	zone := p.Config.Collation.Zone
	if zone == nil {
		zone = time.UTC
	}
	tuning := p.Tuning
	if tuning == nil {
		tuning = config.NewStaticCollationConfigHolder(config.DefaultCollationTuning())
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	c := &Compiler{
		db:        p.DB,
		store:     p.Store,
		tuning:    tuning,
		clock:     clk,
		threshold: p.Config.Collation.Threshold,
		zone:      zone,
		log:       p.Log.Named("collator.compiler"),
		metrics:   p.Metrics,
		otel:      p.Otel,
	}
	c.retry = db.DefaultRetryPolicy()
	c.retry.OnRetry = func(err error, next time.Duration) {
		c.metrics.IncQueryRetry()
		c.log.Warn("retrying query", zap.Error(err), zap.Duration("backoff", next))
	}
	return c
}

// Summary counts the cells written by one period compilation.
type Summary struct {
	Opportunities int
	Partners      int
	Hosts         int
	Overview      int
	Failed        int
}

func (s Summary) Total() int {
	return s.Opportunities + s.Partners + s.Hosts + s.Overview
}

// Compile writes every cell of the window: opportunities, partners with their
// hosts (in parallel, bounded by the tuned worker count) and the overview.
// Failures of individual entities are logged and counted in Summary.Failed;
// an error is returned only when the population cannot be loaded or ctx ends.
func (c *Compiler) Compile(ctx context.Context, w domain.Window) (summary Summary, err error) {
	ctx, span := tracing.StartSpan(ctx, "collator.compile",
		attribute.String("period", w.Period.String()),
		attribute.Bool("temporary", w.Temporary),
	)
	defer func() { tracing.EndSpan(span, err) }()

	pop, err := c.Prepare(ctx, w)
	if err != nil {
		return Summary{}, err
	}

	n, _ := c.CompileOpportunities(ctx, pop)
	summary.Opportunities = n
	summary.Failed += len(pop.Opportunities) - n

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(max(c.tuning.Get().Workers, 1))
	for _, partner := range pop.Partners {
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perr := c.CompilePartner(gctx, pop, partner)
			mu.Lock()
			defer mu.Unlock()
			if perr != nil {
				summary.Failed++
				return nil
			}
			summary.Partners++
			summary.Hosts++
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	if err := c.CompileOverview(ctx, pop); err != nil {
		summary.Failed++
	} else {
		summary.Overview = 1
	}

	period := w.Period.String()
	c.otel.RecordCellsCompiled(ctx, cellOpportunity, period, summary.Opportunities)
	c.otel.RecordCellsCompiled(ctx, cellPartner, period, summary.Partners)
	c.otel.RecordCellsCompiled(ctx, cellHosts, period, summary.Hosts)
	c.otel.RecordCellsCompiled(ctx, cellOverview, period, summary.Overview)

	c.log.Info("period compiled",
		zap.String("period", period),
		zap.Int("opportunities", summary.Opportunities),
		zap.Int("partners", summary.Partners),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

// CompileOpportunities writes one summary cell per current opportunity and
// returns how many were written.
func (c *Compiler) CompileOpportunities(ctx context.Context, pop *Population) (int, error) {
	limit := c.tuning.Get().BreakdownLimit
	var (
		written int
		errs    []error
	)
	for _, opp := range pop.Opportunities {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		cell := domain.OpportunityCell{
			UID:         opp.UID,
			PartnerUID:  opp.PartnerUID,
			Title:       opp.Title,
			Bounds:      pop.Bounds,
			Engagement:  pop.Engagement[opp.UID],
			Involvement: pop.Involvement[opp.UID],
			Context:     pop.Context,
			Breakdowns:  renderOf(pop.Breakdowns[opp.UID], limit),
		}
		if err := c.upsert(ctx, opp.UID, domain.KindSummary, pop.Window.Period, cell); err != nil {
			c.log.Warn("opportunity compile failed",
				zap.String("opportunity_uid", opp.UID.String()),
				zap.String("period", pop.Window.Period.String()),
				zap.String("error_type", obsmetrics.ClassifyReason(err)),
				zap.Bool("retryable", obsmetrics.IsRetryable(err)),
				zap.Error(err),
			)
			c.metrics.IncCycleError(obsmetrics.StageCompile, err)
			errs = append(errs, fmt.Errorf("opportunity %s: %w", opp.UID, err))
			continue
		}
		written++
	}
	c.metrics.AddCellsUpserted(cellOpportunity, written)
	return written, errors.Join(errs...)
}

// CompilePartner writes the partner summary cell and its hosts cell.
func (c *Compiler) CompilePartner(ctx context.Context, pop *Population, partner Partner) error {
	opps := pop.OpportunitiesOf(partner.UID)
	limit := c.tuning.Get().BreakdownLimit

	cell := domain.PartnerCell{
		UID:           partner.UID,
		Name:          partner.Name,
		Bounds:        pop.Bounds,
		Opportunities: int64(len(opps)),
		Context:       pop.Context,
		Profile:       pop.Profiles[partner.UID],
	}
	breakdowns := newBreakdownSet()
	for _, opp := range opps {
		cell.Engagement = cell.Engagement.Add(pop.Engagement[opp.UID])
		cell.Involvement = cell.Involvement.Add(pop.Involvement[opp.UID])
		breakdowns.merge(pop.Breakdowns[opp.UID])
	}
	cell.Breakdowns = breakdowns.render(limit)

	if err := c.upsert(ctx, partner.UID, domain.KindSummary, pop.Window.Period, cell); err != nil {
		c.metrics.IncCycleError(obsmetrics.StageCompile, err)
		c.log.Warn("partner compile failed",
			zap.String("partner_uid", partner.UID.String()),
			zap.String("period", pop.Window.Period.String()),
			zap.Error(err),
		)
		return fmt.Errorf("partner %s: %w", partner.UID, err)
	}
	c.metrics.AddCellsUpserted(cellPartner, 1)

	hosts := c.hosts(pop, partner.UID, opps)
	if err := c.upsert(ctx, partner.UID, domain.KindHosts, pop.Window.Period, hosts); err != nil {
		c.metrics.IncCycleError(obsmetrics.StageCompile, err)
		c.log.Warn("hosts compile failed",
			zap.String("partner_uid", partner.UID.String()),
			zap.String("period", pop.Window.Period.String()),
			zap.Error(err),
		)
		return fmt.Errorf("hosts %s: %w", partner.UID, err)
	}
	c.metrics.AddCellsUpserted(cellHosts, 1)
	return nil
}

// hosts groups a partner's opportunities by trimmed organization name.
// Excluded and empty names are dropped; rows are ordered by name.
func (c *Compiler) hosts(pop *Population, partner uuid.UUID, opps []Opportunity) domain.HostsCell {
	tuning := c.tuning.Get()
	byName := map[string]domain.HostRow{}
	for _, opp := range opps {
		name := strings.TrimSpace(opp.OrganizationName)
		if tuning.HostExcluded(name) {
			continue
		}
		row := byName[name]
		row.Name = name
		row.Total++
		if opp.Live() {
			row.Live++
		}
		row.Views += pop.Engagement[opp.UID].Views
		inv := pop.Involvement[opp.UID]
		row.Exits += inv.Exits
		row.Didits += inv.Didits
		row.Saves += inv.Saves
		row.Likes += inv.Likes
		row.Shares += inv.Shares
		row.CalendarAdds += inv.CalendarAdds
		byName[name] = row
	}

	cell := domain.HostsCell{
		PartnerUID: partner,
		Bounds:     pop.Bounds,
		Hosts:      make([]domain.HostRow, 0, len(byName)),
	}
	for _, row := range byName {
		cell.Hosts = append(cell.Hosts, row)
	}
	slices.SortFunc(cell.Hosts, func(a, b domain.HostRow) int { return cmp.Compare(a.Name, b.Name) })
	for _, row := range cell.Hosts {
		cell.Max = cell.Max.MaxWith(row)
	}
	return cell
}

// CompileOverview writes the population-wide cell under the nil uuid.
func (c *Compiler) CompileOverview(ctx context.Context, pop *Population) error {
	cell := domain.OverviewCell{
		Bounds:        pop.Bounds,
		Opportunities: int64(len(pop.Opportunities)),
		Partners:      int64(len(pop.Partners)),
		Context:       pop.Context,
		Site:          pop.Site,
		SearchTerms:   pop.SearchTerms,
	}
	if cell.SearchTerms == nil {
		cell.SearchTerms = []domain.SearchTerm{}
	}
	breakdowns := newBreakdownSet()
	for _, opp := range pop.Opportunities {
		cell.Engagement = cell.Engagement.Add(pop.Engagement[opp.UID])
		cell.Involvement = cell.Involvement.Add(pop.Involvement[opp.UID])
		breakdowns.merge(pop.Breakdowns[opp.UID])
	}
	cell.Breakdowns = breakdowns.render(c.tuning.Get().BreakdownLimit)

	if err := c.upsert(ctx, domain.OverviewUID, domain.KindSummary, pop.Window.Period, cell); err != nil {
		c.metrics.IncCycleError(obsmetrics.StageOverview, err)
		c.log.Warn("overview compile failed", zap.String("period", pop.Window.Period.String()), zap.Error(err))
		return fmt.Errorf("overview: %w", err)
	}
	c.metrics.AddCellsUpserted(cellOverview, 1)
	return nil
}

func (c *Compiler) upsert(ctx context.Context, about uuid.UUID, kind domain.Kind, period domain.RelativeTimePeriod, data any) error {
	return db.RetryExec(ctx, c.retry, func(ctx context.Context) error {
		return c.store.UpsertAll(ctx, about, kind, period, data)
	})
}

func renderOf(set *breakdownSet, limit int) domain.Breakdowns {
	if set == nil {
		set = newBreakdownSet()
	}
	return set.render(limit)
}
