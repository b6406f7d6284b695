package domain

import "fmt"

// Status labels a compiled cell for presentation. Collection does not depend
// on it; every status receives the same compiled document.
type Status int16

const (
	StatusLive Status = 0
	StatusPast Status = 1
	StatusAll  Status = 2
)

func Statuses() []Status {
	return []Status{StatusLive, StatusPast, StatusAll}
}

func (s Status) Valid() bool {
	return s >= StatusLive && s <= StatusAll
}

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "live"
	case StatusPast:
		return "past"
	case StatusAll:
		return "all"
	default:
		return fmt.Sprintf("status(%d)", int16(s))
	}
}

// Kind discriminates the document stored in a compiled cell.
type Kind int16

const (
	// KindSummary covers opportunity, partner and overview documents.
	KindSummary Kind = 0
	// KindHosts is the per-partner hosts breakdown.
	KindHosts Kind = 1
)

func (k Kind) Valid() bool {
	return k == KindSummary || k == KindHosts
}

func (k Kind) String() string {
	switch k {
	case KindSummary:
		return "summary"
	case KindHosts:
		return "hosts"
	default:
		return fmt.Sprintf("kind(%d)", int16(k))
	}
}
