package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolveCalendarWindows(t *testing.T) {
	zone := time.FixedZone("-05:00", -5*3600)
	now := time.Date(2024, time.August, 15, 3, 0, 0, 0, time.UTC) // Aug 14 22:00 local
	threshold := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)

	local := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 0, 0, 0, 0, zone).UTC()
	}

	cases := []struct {
		period    RelativeTimePeriod
		begin     time.Time
		end       time.Time
		temporary bool
	}{
		{ThisMonth, local(2024, 8, 1), local(2024, 9, 1), true},
		{LastMonth, local(2024, 7, 1), local(2024, 8, 1), false},
		{ThisQuarter, local(2024, 7, 1), local(2024, 10, 1), true},
		{LastQuarter, local(2024, 4, 1), local(2024, 7, 1), false},
		{ThisSemiannum, local(2024, 7, 1), local(2025, 1, 1), true},
		{LastSemiannum, local(2024, 1, 1), local(2024, 7, 1), false},
		{ThisYear, local(2024, 1, 1), local(2025, 1, 1), true},
		{LastYear, local(2023, 1, 1), local(2024, 1, 1), false},
		{AllTime, local(2022, 1, 1), local(2024, 8, 1), false},
	}

	for _, tc := range cases {
		t.Run(tc.period.String(), func(t *testing.T) {
			w, err := Resolve(tc.period, now, zone, threshold)
			require.NoError(t, err)
			require.Equal(t, tc.begin, w.Begin)
			require.Equal(t, tc.end, w.End)
			require.Equal(t, tc.temporary, w.Temporary)
		})
	}
}

func TestResolveJanuaryRollsBackYear(t *testing.T) {
	now := time.Date(2025, time.January, 10, 12, 0, 0, 0, time.UTC)
	w, err := Resolve(LastMonth, now, time.UTC, time.Time{})
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), w.Begin)

	w, err = Resolve(LastQuarter, now, time.UTC, time.Time{})
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC), w.Begin)
	require.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), w.End)
}

func TestResolveRejectsUnknownPeriod(t *testing.T) {
	_, err := Resolve(RelativeTimePeriod(42), time.Now(), time.UTC, time.Time{})
	require.ErrorIs(t, err, ErrInvalidPeriod)
}

func TestDiscriminantsAreStable(t *testing.T) {
	require.EqualValues(t, 8, AllTime)
	require.EqualValues(t, 0, KindSummary)
	require.EqualValues(t, 1, KindHosts)
	require.Len(t, Periods(), 9)
	for _, p := range Periods() {
		require.Equal(t, p == ThisMonth || p == ThisQuarter || p == ThisSemiannum || p == ThisYear, p.Temporary())
	}
}

func TestHostRowMaxWith(t *testing.T) {
	a := HostRow{Name: "a", Total: 3, Views: 10, Saves: 1}
	b := HostRow{Name: "b", Total: 1, Views: 20, Likes: 4}
	got := a.MaxWith(b)
	require.Equal(t, HostRow{Name: "a", Total: 3, Views: 20, Saves: 1, Likes: 4}, got)
}
