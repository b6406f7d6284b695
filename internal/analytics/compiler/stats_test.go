package compiler

import (
	"testing"

	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	cases := []struct {
		name   string
		values []int64
		want   domain.Stat
	}{
		{name: "empty", values: nil, want: domain.Stat{}},
		{name: "single", values: []int64{1}, want: domain.Stat{Mean: 1, Median: 1, Max: 1}},
		{name: "odd", values: []int64{9, 1, 5}, want: domain.Stat{Mean: 5, Median: 5, Max: 9}},
		{name: "even interpolates", values: []int64{10, 0}, want: domain.Stat{Mean: 5, Median: 5, Max: 10}},
		{name: "truncates", values: []int64{1, 2, 2, 4}, want: domain.Stat{Mean: 2, Median: 2, Max: 4}},
		{name: "half median truncated", values: []int64{3, 4}, want: domain.Stat{Mean: 3, Median: 3, Max: 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Summarize(tc.values)
			require.Equal(t, tc.want, got)
			require.LessOrEqual(t, got.Mean, got.Max)
			require.LessOrEqual(t, got.Median, got.Max)
		})
	}
}

func TestSummarizeDoesNotReorderInput(t *testing.T) {
	values := []int64{3, 1, 2}
	Summarize(values)
	require.Equal(t, []int64{3, 1, 2}, values)
}
