package snapshot

import (
	"time"

	"github.com/google/uuid"
)

// FillKind names what a fill marker covers.
type FillKind string

const (
	FillOpportunity FillKind = "opportunity"
	FillPartner     FillKind = "partner"
	FillOverview    FillKind = "overview"
	FillSearchTerms FillKind = "search_terms"
)

// RawSnapshot is one external analytics row attributed to an opportunity, or
// to a partner profile page when OpportunityUID is nil.
type RawSnapshot struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement"`
	Temporary         bool      `gorm:"not null;index"`
	BeginAt           time.Time `gorm:"not null;index:idx_raw_snapshots_window,priority:1"`
	EndAt             time.Time `gorm:"not null;index:idx_raw_snapshots_window,priority:2"`
	OpportunityUID    uuid.UUID `gorm:"type:uuid;not null;index:idx_raw_snapshots_window,priority:3"`
	PartnerUID        uuid.UUID `gorm:"type:uuid;not null;index"`
	Day               time.Time `gorm:"not null"`
	City              string    `gorm:"not null;default:''"`
	DeviceCategory    string    `gorm:"not null;default:''"`
	FirstSessionDay   *time.Time
	PagePath          string  `gorm:"not null;default:''"`
	Region            string  `gorm:"not null;default:''"`
	ChannelGroup      string  `gorm:"not null;default:''"`
	// PageReferrer is part of the row key but not of the report dimension
	// set, so ingestion leaves it empty.
	PageReferrer      string  `gorm:"not null;default:''"`
	Views             int64   `gorm:"not null;default:0"`
	Events            int64   `gorm:"not null;default:0"`
	TotalUsers        int64   `gorm:"not null;default:0"`
	NewUsers          int64   `gorm:"not null;default:0"`
	EngagementSeconds float64 `gorm:"not null;default:0"`
	Sessions          int64   `gorm:"not null;default:0"`
}

func (RawSnapshot) TableName() string { return "raw_snapshots" }

// RawOverview is one site-wide external analytics row.
type RawOverview struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement"`
	Temporary         bool      `gorm:"not null;index"`
	BeginAt           time.Time `gorm:"not null;index:idx_raw_overviews_window,priority:1"`
	EndAt             time.Time `gorm:"not null;index:idx_raw_overviews_window,priority:2"`
	Day               time.Time `gorm:"not null"`
	City              string    `gorm:"not null;default:''"`
	DeviceCategory    string    `gorm:"not null;default:''"`
	FirstSessionDay   *time.Time
	PagePath          string  `gorm:"not null;default:''"`
	Region            string  `gorm:"not null;default:''"`
	ChannelGroup      string  `gorm:"not null;default:''"`
	// PageReferrer is part of the row key but not of the report dimension
	// set, so ingestion leaves it empty.
	PageReferrer      string  `gorm:"not null;default:''"`
	Views             int64   `gorm:"not null;default:0"`
	Events            int64   `gorm:"not null;default:0"`
	TotalUsers        int64   `gorm:"not null;default:0"`
	NewUsers          int64   `gorm:"not null;default:0"`
	EngagementSeconds float64 `gorm:"not null;default:0"`
	Sessions          int64   `gorm:"not null;default:0"`
}

func (RawOverview) TableName() string { return "raw_overviews" }

// RawSearchTerm is one site search term row.
type RawSearchTerm struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	Temporary  bool      `gorm:"not null;index"`
	BeginAt    time.Time `gorm:"not null;index:idx_raw_search_terms_window,priority:1"`
	EndAt      time.Time `gorm:"not null;index:idx_raw_search_terms_window,priority:2"`
	Day        time.Time `gorm:"not null"`
	SearchTerm string    `gorm:"not null"`
	Events     int64     `gorm:"not null;default:0"`
	TotalUsers int64     `gorm:"not null;default:0"`
}

func (RawSearchTerm) TableName() string { return "raw_search_terms" }

// RawFill records that a report for (kind, about, window) completed.
type RawFill struct {
	Kind       string    `gorm:"primaryKey"`
	About      uuid.UUID `gorm:"type:uuid;primaryKey"`
	BeginAt    time.Time `gorm:"primaryKey"`
	EndAt      time.Time `gorm:"primaryKey"`
	Temporary  bool      `gorm:"not null;index"`
	StoredRows int64     `gorm:"not null;default:0"`
	FilledAt   time.Time `gorm:"not null"`
}

func (RawFill) TableName() string { return "raw_fills" }

// Models lists the tables owned by the raw snapshot cache.
func Models() []any {
	return []any{&RawSnapshot{}, &RawOverview{}, &RawSearchTerm{}, &RawFill{}}
}
