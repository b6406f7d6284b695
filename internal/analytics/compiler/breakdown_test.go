package compiler

import (
	"testing"

	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/stretchr/testify/require"
)

func TestBreakdownSetRender(t *testing.T) {
	s := newBreakdownSet()
	s.add("date", "2024-07-02", 1, 1, 1)
	s.add("date", "2024-07-01", 2, 1, 1)
	s.add("city", "Oslo", 5, 2, 2)
	s.add("city", "Bergen", 5, 1, 1)
	s.add("city", "", 9, 3, 3)
	s.add("city", "Tromso", 1, 1, 1)

	other := newBreakdownSet()
	other.add("city", "Tromso", 3, 1, 1)
	s.merge(other)

	got := s.render(3)
	require.Equal(t, []string{"2024-07-01", "2024-07-02"}, keys(got.ByDate))
	require.Equal(t, []string{unknownBucket, "Bergen", "Oslo"}, keys(got.ByCity))
	require.NotNil(t, got.ByDevice)
	require.Empty(t, got.ByDevice)

	full := s.render(0)
	require.Len(t, full.ByCity, 4)
	require.EqualValues(t, 4, full.ByCity[3].Views)
}

func keys(buckets []domain.Bucket) []string {
	out := make([]string, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.Key)
	}
	return out
}
