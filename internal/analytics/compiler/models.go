package compiler

import (
	"time"

	"github.com/google/uuid"
)

// Opportunity is the platform record read by the compiler. The platform owns
// the table; the collator never writes it.
type Opportunity struct {
	UID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	PartnerUID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Title            string
	OrganizationName string
	Accepted         bool
	Withdrawn        bool
	CreatedAt        time.Time
}

func (Opportunity) TableName() string { return "opportunities" }

// Live reports whether the opportunity is currently presented to users.
func (o Opportunity) Live() bool {
	return o.Accepted && !o.Withdrawn
}

type Partner struct {
	UID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name string
}

func (Partner) TableName() string { return "partners" }

// Activity is one platform activity log entry.
type Activity struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	ObjectUID  uuid.UUID `gorm:"type:uuid;not null;index"`
	Action     string    `gorm:"not null"`
	OccurredAt time.Time `gorm:"not null;index"`
}

func (Activity) TableName() string { return "activity_log" }

// Activity log actions counted as involvement.
const (
	ActionExit     = "exit"
	ActionDidit    = "didit"
	ActionSave     = "save"
	ActionLike     = "like"
	ActionShare    = "share"
	ActionCalendar = "calendar"
)

// PlatformModels lists the platform tables the compiler reads.
func PlatformModels() []any {
	return []any{&Opportunity{}, &Partner{}, &Activity{}}
}
