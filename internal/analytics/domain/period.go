package domain

import (
	"fmt"
	"time"
)

// RelativeTimePeriod discriminants are persisted in compiled_cells.period and
// read by downstream consumers. Never renumber.
type RelativeTimePeriod int16

const (
	ThisMonth     RelativeTimePeriod = 0
	LastMonth     RelativeTimePeriod = 1
	ThisQuarter   RelativeTimePeriod = 2
	LastQuarter   RelativeTimePeriod = 3
	ThisSemiannum RelativeTimePeriod = 4
	LastSemiannum RelativeTimePeriod = 5
	ThisYear      RelativeTimePeriod = 6
	LastYear      RelativeTimePeriod = 7
	AllTime       RelativeTimePeriod = 8
)

// Periods lists every period in collection order.
func Periods() []RelativeTimePeriod {
	return []RelativeTimePeriod{
		ThisMonth, LastMonth,
		ThisQuarter, LastQuarter,
		ThisSemiannum, LastSemiannum,
		ThisYear, LastYear,
		AllTime,
	}
}

func (p RelativeTimePeriod) Valid() bool {
	return p >= ThisMonth && p <= AllTime
}

func (p RelativeTimePeriod) String() string {
	switch p {
	case ThisMonth:
		return "this_month"
	case LastMonth:
		return "last_month"
	case ThisQuarter:
		return "this_quarter"
	case LastQuarter:
		return "last_quarter"
	case ThisSemiannum:
		return "this_semiannum"
	case LastSemiannum:
		return "last_semiannum"
	case ThisYear:
		return "this_year"
	case LastYear:
		return "last_year"
	case AllTime:
		return "all_time"
	default:
		return fmt.Sprintf("period(%d)", int16(p))
	}
}

// Temporary reports whether the period is still open, so its raw rows must be
// recollected every cycle.
func (p RelativeTimePeriod) Temporary() bool {
	switch p {
	case ThisMonth, ThisQuarter, ThisSemiannum, ThisYear:
		return true
	default:
		return false
	}
}

// Window is a resolved period: [Begin, End) in UTC.
type Window struct {
	Period    RelativeTimePeriod
	Begin     time.Time
	End       time.Time
	Temporary bool
}

// Resolve turns p into absolute bounds using calendar boundaries in zone.
// AllTime spans from threshold to the start of the current month so it only
// covers elapsed time.
func Resolve(p RelativeTimePeriod, now time.Time, zone *time.Location, threshold time.Time) (Window, error) {
	if !p.Valid() {
		return Window{}, fmt.Errorf("%w: %d", ErrInvalidPeriod, int16(p))
	}
	if zone == nil {
		zone = time.UTC
	}
	local := now.In(zone)
	year, month := local.Year(), local.Month()

	monthStart := time.Date(year, month, 1, 0, 0, 0, 0, zone)
	quarterStart := time.Date(year, month-(month-1)%3, 1, 0, 0, 0, 0, zone)
	halfStart := time.Date(year, month-(month-1)%6, 1, 0, 0, 0, 0, zone)
	yearStart := time.Date(year, time.January, 1, 0, 0, 0, 0, zone)

	var begin, end time.Time
	switch p {
	case ThisMonth:
		begin, end = monthStart, monthStart.AddDate(0, 1, 0)
	case LastMonth:
		begin, end = monthStart.AddDate(0, -1, 0), monthStart
	case ThisQuarter:
		begin, end = quarterStart, quarterStart.AddDate(0, 3, 0)
	case LastQuarter:
		begin, end = quarterStart.AddDate(0, -3, 0), quarterStart
	case ThisSemiannum:
		begin, end = halfStart, halfStart.AddDate(0, 6, 0)
	case LastSemiannum:
		begin, end = halfStart.AddDate(0, -6, 0), halfStart
	case ThisYear:
		begin, end = yearStart, yearStart.AddDate(1, 0, 0)
	case LastYear:
		begin, end = yearStart.AddDate(-1, 0, 0), yearStart
	case AllTime:
		t := threshold.In(zone)
		begin = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, zone)
		end = monthStart
		if !begin.Before(end) {
			begin = end
		}
	}

	return Window{
		Period:    p,
		Begin:     begin.UTC(),
		End:       end.UTC(),
		Temporary: p.Temporary(),
	}, nil
}

func (w Window) String() string {
	return fmt.Sprintf("%s[%s,%s)", w.Period, w.Begin.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
