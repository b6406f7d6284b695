package domain

import (
	"math"

	"github.com/google/uuid"
)

// OverviewUID addresses the overview cell.
var OverviewUID = uuid.Nil

// Engagement sums external analytics counters.
type Engagement struct {
	Views             int64   `json:"views"`
	Unique            int64   `json:"unique"`
	NewUsers          int64   `json:"new_users"`
	Sessions          int64   `json:"sessions"`
	Events            int64   `json:"events"`
	EngagementSeconds float64 `json:"engagement_seconds"`
}

func (e Engagement) Add(o Engagement) Engagement {
	return Engagement{
		Views:             e.Views + o.Views,
		Unique:            e.Unique + o.Unique,
		NewUsers:          e.NewUsers + o.NewUsers,
		Sessions:          e.Sessions + o.Sessions,
		Events:            e.Events + o.Events,
		EngagementSeconds: RoundSeconds(e.EngagementSeconds + o.EngagementSeconds),
	}
}

// RoundSeconds keeps float sums stable across recompiles.
func RoundSeconds(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Involvement counts internal activity log actions.
type Involvement struct {
	Exits        int64 `json:"exits"`
	Didits       int64 `json:"didits"`
	Saves        int64 `json:"saves"`
	Likes        int64 `json:"likes"`
	Shares       int64 `json:"shares"`
	CalendarAdds int64 `json:"calendar_adds"`
}

func (i Involvement) Add(o Involvement) Involvement {
	return Involvement{
		Exits:        i.Exits + o.Exits,
		Didits:       i.Didits + o.Didits,
		Saves:        i.Saves + o.Saves,
		Likes:        i.Likes + o.Likes,
		Shares:       i.Shares + o.Shares,
		CalendarAdds: i.CalendarAdds + o.CalendarAdds,
	}
}

// Stat is the comparative context of one field across the population.
type Stat struct {
	Mean   int64 `json:"mean"`
	Median int64 `json:"median"`
	Max    int64 `json:"max"`
}

type Comparison struct {
	Views  Stat `json:"views"`
	Unique Stat `json:"unique"`
	Clicks Stat `json:"clicks"`
}

type Bucket struct {
	Key      string `json:"key"`
	Views    int64  `json:"views"`
	Unique   int64  `json:"unique"`
	Sessions int64  `json:"sessions"`
}

type Breakdowns struct {
	ByDate    []Bucket `json:"by_date"`
	ByDevice  []Bucket `json:"by_device"`
	ByChannel []Bucket `json:"by_channel"`
	ByRegion  []Bucket `json:"by_region"`
	ByCity    []Bucket `json:"by_city"`
}

type PeriodBounds struct {
	Begin string `json:"begin"`
	End   string `json:"end"`
}

// OpportunityCell is stored at (opportunity uid, KindSummary).
type OpportunityCell struct {
	UID         uuid.UUID    `json:"uid"`
	PartnerUID  uuid.UUID    `json:"partner_uid"`
	Title       string       `json:"title"`
	Bounds      PeriodBounds `json:"bounds"`
	Engagement  Engagement   `json:"engagement"`
	Involvement Involvement  `json:"involvement"`
	Context     Comparison   `json:"context"`
	Breakdowns  Breakdowns   `json:"breakdowns"`
}

// PartnerCell is stored at (partner uid, KindSummary).
type PartnerCell struct {
	UID           uuid.UUID    `json:"uid"`
	Name          string       `json:"name"`
	Bounds        PeriodBounds `json:"bounds"`
	Opportunities int64        `json:"opportunities"`
	Engagement    Engagement   `json:"engagement"`
	Involvement   Involvement  `json:"involvement"`
	Context       Comparison   `json:"context"`
	Breakdowns    Breakdowns   `json:"breakdowns"`
	// Profile holds partner pages not attributed to any opportunity.
	Profile Engagement `json:"profile"`
}

type HostRow struct {
	Name         string `json:"name"`
	Total        int64  `json:"total"`
	Live         int64  `json:"live"`
	Views        int64  `json:"views"`
	Exits        int64  `json:"exits"`
	Didits       int64  `json:"didits"`
	Saves        int64  `json:"saves"`
	Likes        int64  `json:"likes"`
	Shares       int64  `json:"shares"`
	CalendarAdds int64  `json:"calendar_adds"`
}

// MaxWith returns the element-wise maximum of r and o; Name is kept from r.
func (r HostRow) MaxWith(o HostRow) HostRow {
	return HostRow{
		Name:         r.Name,
		Total:        max(r.Total, o.Total),
		Live:         max(r.Live, o.Live),
		Views:        max(r.Views, o.Views),
		Exits:        max(r.Exits, o.Exits),
		Didits:       max(r.Didits, o.Didits),
		Saves:        max(r.Saves, o.Saves),
		Likes:        max(r.Likes, o.Likes),
		Shares:       max(r.Shares, o.Shares),
		CalendarAdds: max(r.CalendarAdds, o.CalendarAdds),
	}
}

// HostsCell is stored at (partner uid, KindHosts).
type HostsCell struct {
	PartnerUID uuid.UUID    `json:"partner_uid"`
	Bounds     PeriodBounds `json:"bounds"`
	Hosts      []HostRow    `json:"hosts"`
	Max        HostRow      `json:"max"`
}

type SearchTerm struct {
	Term   string `json:"term"`
	Events int64  `json:"events"`
	Unique int64  `json:"unique"`
}

type SiteSection struct {
	Engagement Engagement `json:"engagement"`
	Breakdowns Breakdowns `json:"breakdowns"`
}

// OverviewCell is stored at (OverviewUID, KindSummary).
type OverviewCell struct {
	Bounds        PeriodBounds `json:"bounds"`
	Opportunities int64        `json:"opportunities"`
	Partners      int64        `json:"partners"`
	Engagement    Engagement   `json:"engagement"`
	Involvement   Involvement  `json:"involvement"`
	Context       Comparison   `json:"context"`
	Breakdowns    Breakdowns   `json:"breakdowns"`
	Site          SiteSection  `json:"site"`
	SearchTerms   []SearchTerm `json:"search_terms"`
}
