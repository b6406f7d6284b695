package cycle

import (
	"sync"
	"time"
)

// PeriodStatus summarizes one period of a cycle.
type PeriodStatus struct {
	Period        string    `json:"period"`
	Begin         time.Time `json:"begin"`
	End           time.Time `json:"end"`
	Temporary     bool      `json:"temporary"`
	Opportunities int       `json:"opportunities"`
	Fetched       int       `json:"fetched_reports"`
	FillErrors    int       `json:"fill_errors"`
	Cells         int       `json:"cells"`
	CompileErrors int       `json:"compile_errors"`
	Error         string    `json:"error,omitempty"`
}

// Status is the summary of the latest cycle.
type Status struct {
	Cycle      uint64         `json:"cycle"`
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Running    bool           `json:"running"`
	Skipped    bool           `json:"skipped"`
	Purged     int64          `json:"purged_rows"`
	Periods    []PeriodStatus `json:"periods"`
	Errors     int            `json:"errors"`
	LastError  string         `json:"last_error,omitempty"`
}

type statusBoard struct {
	mu      sync.RWMutex
	current Status
}

func (b *statusBoard) set(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.Periods = append([]PeriodStatus(nil), s.Periods...)
	b.current = s
}

func (b *statusBoard) get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.current
	out.Periods = append([]PeriodStatus(nil), b.current.Periods...)
	return out
}
