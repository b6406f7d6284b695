package compiler

import (
	"cmp"
	"slices"

	"github.com/smallbiznis/collator/internal/analytics/domain"
)

const unknownBucket = "(not set)"

// breakdownSet accumulates bucket counters per dimension before rendering.
type breakdownSet struct {
	dims map[string]map[string]domain.Bucket
}

func newBreakdownSet() *breakdownSet {
	return &breakdownSet{dims: map[string]map[string]domain.Bucket{}}
}

func (s *breakdownSet) add(dim, key string, views, unique, sessions int64) {
	if key == "" {
		key = unknownBucket
	}
	buckets, ok := s.dims[dim]
	if !ok {
		buckets = map[string]domain.Bucket{}
		s.dims[dim] = buckets
	}
	b := buckets[key]
	b.Key = key
	b.Views += views
	b.Unique += unique
	b.Sessions += sessions
	buckets[key] = b
}

func (s *breakdownSet) merge(o *breakdownSet) {
	if o == nil {
		return
	}
	for dim, buckets := range o.dims {
		for _, b := range buckets {
			s.add(dim, b.Key, b.Views, b.Unique, b.Sessions)
		}
	}
}

// render orders dates chronologically and every other dimension by views
// descending then key, keeping the top limit buckets.
func (s *breakdownSet) render(limit int) domain.Breakdowns {
	return domain.Breakdowns{
		ByDate:    s.sorted("date", byKey, 0),
		ByDevice:  s.sorted("device", byViews, limit),
		ByChannel: s.sorted("channel", byViews, limit),
		ByRegion:  s.sorted("region", byViews, limit),
		ByCity:    s.sorted("city", byViews, limit),
	}
}

func (s *breakdownSet) sorted(dim string, order func(a, b domain.Bucket) int, limit int) []domain.Bucket {
	out := make([]domain.Bucket, 0, len(s.dims[dim]))
	for _, b := range s.dims[dim] {
		out = append(out, b)
	}
	slices.SortFunc(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byKey(a, b domain.Bucket) int {
	return cmp.Compare(a.Key, b.Key)
}

func byViews(a, b domain.Bucket) int {
	if a.Views != b.Views {
		return cmp.Compare(b.Views, a.Views)
	}
	return cmp.Compare(a.Key, b.Key)
}
