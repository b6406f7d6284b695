package ga4

import (
	"time"

	analyticsdata "google.golang.org/api/analyticsdata/v1beta"
)

// Dimension names.
const (
	DimEntityUID        = "customEvent:entity_uid"
	DimPartnerUID       = "customEvent:partner_uid"
	DimCity             = "city"
	DimDate             = "date"
	DimDeviceCategory   = "deviceCategory"
	DimFirstSessionDate = "firstSessionDate"
	DimChannelGroup     = "sessionDefaultChannelGroup"
	DimPagePath         = "pagePath"
	DimRegion           = "region"
	DimSearchTerm       = "searchTerm"
)

// Metric names.
const (
	MetricViews      = "screenPageViews"
	MetricSessions   = "sessions"
	MetricEvents     = "eventCount"
	MetricTotalUsers = "totalUsers"
	MetricNewUsers   = "newUsers"
	MetricEngagement = "userEngagementDuration"
)

// ReportRequest describes one logical report. End is exclusive.
type ReportRequest struct {
	Begin      time.Time
	End        time.Time
	Filter     *Filter
	Dimensions []string
	Metrics    []string
}

// Filter is an exact-match dimension filter, optionally AND-ed with others.
type Filter struct {
	Field string
	Value string
	And   []*Filter
}

func Equals(field, value string) *Filter {
	return &Filter{Field: field, Value: value}
}

func All(filters ...*Filter) *Filter {
	return &Filter{And: filters}
}

func (f *Filter) expression() *analyticsdata.FilterExpression {
	if f == nil {
		return nil
	}
	if len(f.And) > 0 {
		group := &analyticsdata.FilterExpressionList{}
		for _, sub := range f.And {
			if expr := sub.expression(); expr != nil {
				group.Expressions = append(group.Expressions, expr)
			}
		}
		return &analyticsdata.FilterExpression{AndGroup: group}
	}
	return &analyticsdata.FilterExpression{
		Filter: &analyticsdata.Filter{
			FieldName: f.Field,
			StringFilter: &analyticsdata.StringFilter{
				MatchType:     "EXACT",
				Value:         f.Value,
				CaseSensitive: false,
			},
		},
	}
}

func (r ReportRequest) page(limit, offset int64, zone *time.Location) *analyticsdata.RunReportRequest {
	if zone == nil {
		zone = time.UTC
	}
	last := r.End.In(zone).AddDate(0, 0, -1)
	req := &analyticsdata.RunReportRequest{
		DateRanges: []*analyticsdata.DateRange{{
			StartDate: r.Begin.In(zone).Format(time.DateOnly),
			EndDate:   last.Format(time.DateOnly),
		}},
		DimensionFilter:     r.Filter.expression(),
		Limit:               limit,
		Offset:              offset,
		ReturnPropertyQuota: true,
		KeepEmptyRows:       false,
	}
	for _, name := range r.Dimensions {
		req.Dimensions = append(req.Dimensions, &analyticsdata.Dimension{Name: name})
	}
	for _, name := range r.Metrics {
		req.Metrics = append(req.Metrics, &analyticsdata.Metric{Name: name})
	}
	return req
}
