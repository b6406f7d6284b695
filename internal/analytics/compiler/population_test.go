package compiler

import (
	"testing"
	"time"

	"github.com/smallbiznis/collator/internal/analytics/domain"
)

func TestActivityTableAtHonoursViewBound(t *testing.T) {
	plus5 := time.FixedZone("+05:00", 5*60*60)
	minus5 := time.FixedZone("-05:00", -5*60*60)
	plus14 := time.FixedZone("+14:00", 14*60*60)

	cases := []struct {
		name  string
		begin time.Time
		now   time.Time
		want  string
	}{
		{
			name:  "utc this year",
			begin: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			now:   time.Date(2024, 8, 15, 9, 0, 0, 0, time.UTC),
			want:  activityCurrentYearTable,
		},
		{
			name:  "positive offset year starts before utc year",
			begin: time.Date(2024, 1, 1, 0, 0, 0, 0, plus5),
			now:   time.Date(2024, 8, 15, 9, 0, 0, 0, time.UTC),
			want:  activityCurrentYearTable,
		},
		{
			name:  "largest positive offset",
			begin: time.Date(2024, 1, 1, 0, 0, 0, 0, plus14),
			now:   time.Date(2024, 8, 15, 9, 0, 0, 0, time.UTC),
			want:  activityCurrentYearTable,
		},
		{
			name:  "negative offset still in previous local year",
			begin: time.Date(2023, 12, 1, 0, 0, 0, 0, minus5),
			now:   time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
			want:  activityTable,
		},
		{
			name:  "last year",
			begin: time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC),
			now:   time.Date(2024, 8, 15, 9, 0, 0, 0, time.UTC),
			want:  activityTable,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := activityTableAt(domain.Window{Begin: tc.begin.UTC(), End: tc.now}, tc.now)
			if got != tc.want {
				t.Fatalf("expected %s, got %s (view starts %s)", tc.want, got, activityViewStart(tc.now))
			}
		})
	}
}

func TestActivityTableForFullLogOffPostgres(t *testing.T) {
	f := setupCompiler(t)
	w := domain.Window{Begin: compileAt.AddDate(0, -1, 0), End: compileAt}
	if got := f.compiler.activityTableFor(w); got != activityTable {
		t.Fatalf("expected %s on sqlite, got %s", activityTable, got)
	}
}
