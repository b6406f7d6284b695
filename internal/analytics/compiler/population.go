package compiler

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/pkg/db"
)

const (
	activityTable            = "activity_log"
	activityCurrentYearTable = "activity_log_current_year"

	// activityViewLead matches the margin the view keeps ahead of the UTC
	// year, so every fixed offset from -12:00 to +14:00 has its local year
	// start inside the view.
	activityViewLead = 14 * time.Hour
)

// breakdownColumns maps each keyed breakdown to its raw column.
var breakdownColumns = []struct {
	name   string
	column string
}{
	{"device", "device_category"},
	{"channel", "channel_group"},
	{"region", "region"},
	{"city", "city"},
}

// Population is everything one (period) compilation reads, loaded once and
// shared by every opportunity, partner and overview document.
type Population struct {
	Window        domain.Window
	Bounds        domain.PeriodBounds
	Opportunities []Opportunity
	Partners      []Partner
	Engagement    map[uuid.UUID]domain.Engagement
	Involvement   map[uuid.UUID]domain.Involvement
	Breakdowns    map[uuid.UUID]*breakdownSet
	Profiles      map[uuid.UUID]domain.Engagement
	Context       domain.Comparison

	Site        domain.SiteSection
	SearchTerms []domain.SearchTerm

	byPartner map[uuid.UUID][]Opportunity
}

// OpportunitiesOf returns the current opportunities of partner ordered by uid.
func (p *Population) OpportunitiesOf(partner uuid.UUID) []Opportunity {
	return p.byPartner[partner]
}

type engagementRow struct {
	UID               uuid.UUID `gorm:"column:uid"`
	Views             int64     `gorm:"column:views"`
	Unique            int64     `gorm:"column:unique_users"`
	NewUsers          int64     `gorm:"column:new_users"`
	Sessions          int64     `gorm:"column:sessions"`
	Events            int64     `gorm:"column:events"`
	EngagementSeconds float64   `gorm:"column:engagement_seconds"`
}

func (r engagementRow) engagement() domain.Engagement {
	return domain.Engagement{
		Views:             r.Views,
		Unique:            r.Unique,
		NewUsers:          r.NewUsers,
		Sessions:          r.Sessions,
		Events:            r.Events,
		EngagementSeconds: domain.RoundSeconds(r.EngagementSeconds),
	}
}

type involvementRow struct {
	UID    uuid.UUID `gorm:"column:uid"`
	Action string    `gorm:"column:action"`
	Count  int64     `gorm:"column:n"`
}

type bucketRow struct {
	UID      uuid.UUID `gorm:"column:uid"`
	Bucket   string    `gorm:"column:bucket"`
	Views    int64     `gorm:"column:views"`
	Unique   int64     `gorm:"column:unique_users"`
	Sessions int64     `gorm:"column:sessions"`
}

type dayRow struct {
	UID      uuid.UUID `gorm:"column:uid"`
	Day      time.Time `gorm:"column:day"`
	Views    int64     `gorm:"column:views"`
	Unique   int64     `gorm:"column:unique_users"`
	Sessions int64     `gorm:"column:sessions"`
}

type searchTermRow struct {
	Term   string `gorm:"column:term"`
	Events int64  `gorm:"column:events"`
	Unique int64  `gorm:"column:unique_users"`
}

const engagementSums = `COALESCE(SUM(views), 0) AS views,
	COALESCE(SUM(total_users), 0) AS unique_users,
	COALESCE(SUM(new_users), 0) AS new_users,
	COALESCE(SUM(sessions), 0) AS sessions,
	COALESCE(SUM(events), 0) AS events,
	COALESCE(SUM(engagement_seconds), 0) AS engagement_seconds`

const bucketSums = `COALESCE(SUM(views), 0) AS views,
	COALESCE(SUM(total_users), 0) AS unique_users,
	COALESCE(SUM(sessions), 0) AS sessions`

// Prepare loads the population for window.
func (c *Compiler) Prepare(ctx context.Context, w domain.Window) (*Population, error) {
	pop := &Population{
		Window:      w,
		Bounds:      c.bounds(w),
		Engagement:  map[uuid.UUID]domain.Engagement{},
		Involvement: map[uuid.UUID]domain.Involvement{},
		Breakdowns:  map[uuid.UUID]*breakdownSet{},
		Profiles:    map[uuid.UUID]domain.Engagement{},
		byPartner:   map[uuid.UUID][]Opportunity{},
	}

	var err error
	if pop.Opportunities, err = c.CurrentOpportunities(ctx); err != nil {
		return nil, fmt.Errorf("load opportunities: %w", err)
	}
	if pop.Partners, err = c.Partners(ctx); err != nil {
		return nil, fmt.Errorf("load partners: %w", err)
	}
	for _, opp := range pop.Opportunities {
		pop.byPartner[opp.PartnerUID] = append(pop.byPartner[opp.PartnerUID], opp)
	}

	if err := c.loadEngagement(ctx, pop); err != nil {
		return nil, fmt.Errorf("load engagement: %w", err)
	}
	if err := c.loadInvolvement(ctx, pop); err != nil {
		return nil, fmt.Errorf("load involvement: %w", err)
	}
	if err := c.loadBreakdowns(ctx, pop); err != nil {
		return nil, fmt.Errorf("load breakdowns: %w", err)
	}
	if err := c.loadProfiles(ctx, pop); err != nil {
		return nil, fmt.Errorf("load partner profiles: %w", err)
	}
	if err := c.loadSite(ctx, pop); err != nil {
		return nil, fmt.Errorf("load site overview: %w", err)
	}
	if err := c.loadSearchTerms(ctx, pop); err != nil {
		return nil, fmt.Errorf("load search terms: %w", err)
	}

	pop.Context = comparison(pop)
	return pop, nil
}

func (c *Compiler) bounds(w domain.Window) domain.PeriodBounds {
	return domain.PeriodBounds{
		Begin: w.Begin.In(c.zone).Format(time.DateOnly),
		End:   w.End.In(c.zone).Format(time.DateOnly),
	}
}

// CurrentOpportunities lists opportunities created on or after the threshold, ordered by uid.
func (c *Compiler) CurrentOpportunities(ctx context.Context) ([]Opportunity, error) {
	opps, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]Opportunity, error) {
		var out []Opportunity
		err := c.db.WithContext(ctx).
			Where("created_at >= ?", c.threshold.UTC()).
			Find(&out).Error
		return out, err
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(opps, func(a, b Opportunity) int { return cmp.Compare(a.UID.String(), b.UID.String()) })
	return opps, nil
}

// Partners lists every partner ordered by uid.
func (c *Compiler) Partners(ctx context.Context) ([]Partner, error) {
	partners, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]Partner, error) {
		var out []Partner
		err := c.db.WithContext(ctx).Find(&out).Error
		return out, err
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(partners, func(a, b Partner) int { return cmp.Compare(a.UID.String(), b.UID.String()) })
	return partners, nil
}

func (c *Compiler) loadEngagement(ctx context.Context, pop *Population) error {
	rows, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]engagementRow, error) {
		var out []engagementRow
		err := c.db.WithContext(ctx).Raw(
			`SELECT opportunity_uid AS uid, `+engagementSums+`
			 FROM raw_snapshots
			 WHERE begin_at = ? AND end_at = ? AND opportunity_uid <> ?
			 GROUP BY opportunity_uid`,
			pop.Window.Begin, pop.Window.End, uuid.Nil,
		).Scan(&out).Error
		return out, err
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		pop.Engagement[row.UID] = row.engagement()
	}
	return nil
}

// activityTableFor reads the current-year materialized view when the window
// lies inside it, which keeps the scan off the full log on postgres.
func (c *Compiler) activityTableFor(w domain.Window) string {
	if !db.IsPostgres(c.db) {
		return activityTable
	}
	return activityTableAt(w, c.clock.Now())
}

// activityTableAt picks the view only when the window begins at or after the
// view's lower bound as of now. The bound is derived from the UTC year, the
// same way the view computes it, whatever the configured offset.
func activityTableAt(w domain.Window, now time.Time) string {
	if w.Begin.Before(activityViewStart(now)) {
		return activityTable
	}
	return activityCurrentYearTable
}

func activityViewStart(now time.Time) time.Time {
	return time.Date(now.UTC().Year(), time.January, 1, 0, 0, 0, 0, time.UTC).Add(-activityViewLead)
}

func (c *Compiler) loadInvolvement(ctx context.Context, pop *Population) error {
	table := c.activityTableFor(pop.Window)
	rows, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]involvementRow, error) {
		var out []involvementRow
		err := c.db.WithContext(ctx).Raw(
			`SELECT object_uid AS uid, action, COUNT(*) AS n
			 FROM `+table+`
			 WHERE occurred_at >= ? AND occurred_at < ?
			 GROUP BY object_uid, action`,
			pop.Window.Begin, pop.Window.End,
		).Scan(&out).Error
		return out, err
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		inv := pop.Involvement[row.UID]
		switch row.Action {
		case ActionExit:
			inv.Exits += row.Count
		case ActionDidit:
			inv.Didits += row.Count
		case ActionSave:
			inv.Saves += row.Count
		case ActionLike:
			inv.Likes += row.Count
		case ActionShare:
			inv.Shares += row.Count
		case ActionCalendar:
			inv.CalendarAdds += row.Count
		default:
			continue
		}
		pop.Involvement[row.UID] = inv
	}
	return nil
}

func (c *Compiler) loadBreakdowns(ctx context.Context, pop *Population) error {
	set := func(uid uuid.UUID) *breakdownSet {
		bs, ok := pop.Breakdowns[uid]
		if !ok {
			bs = newBreakdownSet()
			pop.Breakdowns[uid] = bs
		}
		return bs
	}

	days, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]dayRow, error) {
		var out []dayRow
		err := c.db.WithContext(ctx).Raw(
			`SELECT opportunity_uid AS uid, day, `+bucketSums+`
			 FROM raw_snapshots
			 WHERE begin_at = ? AND end_at = ? AND opportunity_uid <> ?
			 GROUP BY opportunity_uid, day`,
			pop.Window.Begin, pop.Window.End, uuid.Nil,
		).Scan(&out).Error
		return out, err
	})
	if err != nil {
		return err
	}
	for _, row := range days {
		set(row.UID).add("date", dayKey(row.Day), row.Views, row.Unique, row.Sessions)
	}

	for _, dim := range breakdownColumns {
		rows, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]bucketRow, error) {
			var out []bucketRow
			err := c.db.WithContext(ctx).Raw(
				`SELECT opportunity_uid AS uid, `+dim.column+` AS bucket, `+bucketSums+`
				 FROM raw_snapshots
				 WHERE begin_at = ? AND end_at = ? AND opportunity_uid <> ?
				 GROUP BY opportunity_uid, `+dim.column,
				pop.Window.Begin, pop.Window.End, uuid.Nil,
			).Scan(&out).Error
			return out, err
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			set(row.UID).add(dim.name, row.Bucket, row.Views, row.Unique, row.Sessions)
		}
	}
	return nil
}

func (c *Compiler) loadProfiles(ctx context.Context, pop *Population) error {
	rows, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]engagementRow, error) {
		var out []engagementRow
		err := c.db.WithContext(ctx).Raw(
			`SELECT partner_uid AS uid, `+engagementSums+`
			 FROM raw_snapshots
			 WHERE begin_at = ? AND end_at = ? AND opportunity_uid = ?
			 GROUP BY partner_uid`,
			pop.Window.Begin, pop.Window.End, uuid.Nil,
		).Scan(&out).Error
		return out, err
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		pop.Profiles[row.UID] = row.engagement()
	}
	return nil
}

func (c *Compiler) loadSite(ctx context.Context, pop *Population) error {
	totals, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]engagementRow, error) {
		var out []engagementRow
		err := c.db.WithContext(ctx).Raw(
			`SELECT `+engagementSums+`
			 FROM raw_overviews
			 WHERE begin_at = ? AND end_at = ?`,
			pop.Window.Begin, pop.Window.End,
		).Scan(&out).Error
		return out, err
	})
	if err != nil {
		return err
	}
	if len(totals) > 0 {
		pop.Site.Engagement = totals[0].engagement()
	}

	site := newBreakdownSet()
	days, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]dayRow, error) {
		var out []dayRow
		err := c.db.WithContext(ctx).Raw(
			`SELECT day, `+bucketSums+`
			 FROM raw_overviews
			 WHERE begin_at = ? AND end_at = ?
			 GROUP BY day`,
			pop.Window.Begin, pop.Window.End,
		).Scan(&out).Error
		return out, err
	})
	if err != nil {
		return err
	}
	for _, row := range days {
		site.add("date", dayKey(row.Day), row.Views, row.Unique, row.Sessions)
	}
	for _, dim := range breakdownColumns {
		rows, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]bucketRow, error) {
			var out []bucketRow
			err := c.db.WithContext(ctx).Raw(
				`SELECT `+dim.column+` AS bucket, `+bucketSums+`
				 FROM raw_overviews
				 WHERE begin_at = ? AND end_at = ?
				 GROUP BY `+dim.column,
				pop.Window.Begin, pop.Window.End,
			).Scan(&out).Error
			return out, err
		})
		if err != nil {
			return err
		}
		for _, row := range rows {
			site.add(dim.name, row.Bucket, row.Views, row.Unique, row.Sessions)
		}
	}
	pop.Site.Breakdowns = site.render(c.tuning.Get().BreakdownLimit)
	return nil
}

func (c *Compiler) loadSearchTerms(ctx context.Context, pop *Population) error {
	rows, err := db.RetryQuery(ctx, c.retry, func(ctx context.Context) ([]searchTermRow, error) {
		var out []searchTermRow
		err := c.db.WithContext(ctx).Raw(
			`SELECT search_term AS term,
			        COALESCE(SUM(events), 0) AS events,
			        COALESCE(SUM(total_users), 0) AS unique_users
			 FROM raw_search_terms
			 WHERE begin_at = ? AND end_at = ?
			 GROUP BY search_term`,
			pop.Window.Begin, pop.Window.End,
		).Scan(&out).Error
		return out, err
	})
	if err != nil {
		return err
	}

	terms := make([]domain.SearchTerm, 0, len(rows))
	for _, row := range rows {
		terms = append(terms, domain.SearchTerm{Term: row.Term, Events: row.Events, Unique: row.Unique})
	}
	slices.SortFunc(terms, func(a, b domain.SearchTerm) int {
		if a.Events != b.Events {
			return cmp.Compare(b.Events, a.Events)
		}
		return cmp.Compare(a.Term, b.Term)
	})
	if limit := c.tuning.Get().SearchTermLimit; limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}
	pop.SearchTerms = terms
	return nil
}

// comparison summarizes the per-opportunity totals of every current
// opportunity with any activity in the window.
func comparison(pop *Population) domain.Comparison {
	var views, unique, clicks []int64
	for _, opp := range pop.Opportunities {
		eng, hasEngagement := pop.Engagement[opp.UID]
		inv, hasInvolvement := pop.Involvement[opp.UID]
		if !hasEngagement && !hasInvolvement {
			continue
		}
		views = append(views, eng.Views)
		unique = append(unique, eng.Unique)
		clicks = append(clicks, inv.Exits)
	}
	return domain.Comparison{
		Views:  Summarize(views),
		Unique: Summarize(unique),
		Clicks: Summarize(clicks),
	}
}

func dayKey(day time.Time) string {
	return day.UTC().Format(time.DateOnly)
}
