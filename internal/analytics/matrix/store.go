package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CompiledCell is one value of the compiled matrix.
type CompiledCell struct {
	About     uuid.UUID                 `gorm:"type:uuid;primaryKey"`
	Kind      domain.Kind               `gorm:"primaryKey"`
	Period    domain.RelativeTimePeriod `gorm:"primaryKey"`
	Status    domain.Status             `gorm:"primaryKey"`
	Data      datatypes.JSON            `gorm:"not null"`
	UpdatedAt time.Time                 `gorm:"not null"`
}

func (CompiledCell) TableName() string { return "compiled_cells" }

// Key addresses one cell.
type Key struct {
	About  uuid.UUID
	Kind   domain.Kind
	Period domain.RelativeTimePeriod
	Status domain.Status
}

func (k Key) validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidKind, k.Kind)
	}
	if !k.Period.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidPeriod, k.Period)
	}
	if !k.Status.Valid() {
		return fmt.Errorf("%w: %d", domain.ErrInvalidStatus, k.Status)
	}
	return nil
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Clock clock.Clock
	Log   *zap.Logger
}

// Store persists compiled cells keyed by (about, kind, period, status).
type Store struct {
	db    *gorm.DB
	clock clock.Clock
	log   *zap.Logger
}

func NewStore(p Params) *Store {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{db: p.DB, clock: clk, log: p.Log.Named("collator.matrix")}
}

// Upsert writes data under key, replacing any existing document in one statement.
func (s *Store) Upsert(ctx context.Context, key Key, data any) error {
	if err := key.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("matrix: encode %s cell: %w", key.Kind, err)
	}
	cell := CompiledCell{
		About:     key.About,
		Kind:      key.Kind,
		Period:    key.Period,
		Status:    key.Status,
		Data:      datatypes.JSON(payload),
		UpdatedAt: s.clock.Now().UTC(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "about"},
			{Name: "kind"},
			{Name: "period"},
			{Name: "status"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&cell).Error
}

// UpsertAll writes the same document under every status.
func (s *Store) UpsertAll(ctx context.Context, about uuid.UUID, kind domain.Kind, period domain.RelativeTimePeriod, data any) error {
	for _, status := range domain.Statuses() {
		if err := s.Upsert(ctx, Key{About: about, Kind: kind, Period: period, Status: status}, data); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the cell at key, or nil when none has been compiled.
func (s *Store) Read(ctx context.Context, key Key) (*CompiledCell, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	var cell CompiledCell
	err := s.db.WithContext(ctx).
		Where("about = ? AND kind = ? AND period = ? AND status = ?", key.About, key.Kind, key.Period, key.Status).
		Take(&cell).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cell, nil
}

// Decode unmarshals the cell document into out.
func (c *CompiledCell) Decode(out any) error {
	if c == nil {
		return fmt.Errorf("matrix: decode of missing cell")
	}
	return json.Unmarshal(c.Data, out)
}

// ReadOpportunity returns the compiled opportunity document, or nil.
func (s *Store) ReadOpportunity(ctx context.Context, uid uuid.UUID, period domain.RelativeTimePeriod, status domain.Status) (*domain.OpportunityCell, error) {
	return readAs[domain.OpportunityCell](ctx, s, Key{About: uid, Kind: domain.KindSummary, Period: period, Status: status})
}

// ReadPartner returns the compiled partner document, or nil.
func (s *Store) ReadPartner(ctx context.Context, uid uuid.UUID, period domain.RelativeTimePeriod, status domain.Status) (*domain.PartnerCell, error) {
	return readAs[domain.PartnerCell](ctx, s, Key{About: uid, Kind: domain.KindSummary, Period: period, Status: status})
}

// ReadHosts returns the compiled hosts document of a partner, or nil.
func (s *Store) ReadHosts(ctx context.Context, partner uuid.UUID, period domain.RelativeTimePeriod, status domain.Status) (*domain.HostsCell, error) {
	return readAs[domain.HostsCell](ctx, s, Key{About: partner, Kind: domain.KindHosts, Period: period, Status: status})
}

// ReadOverview returns the compiled overview document, or nil.
func (s *Store) ReadOverview(ctx context.Context, period domain.RelativeTimePeriod, status domain.Status) (*domain.OverviewCell, error) {
	return readAs[domain.OverviewCell](ctx, s, Key{About: domain.OverviewUID, Kind: domain.KindSummary, Period: period, Status: status})
}

func readAs[T any](ctx context.Context, s *Store, key Key) (*T, error) {
	cell, err := s.Read(ctx, key)
	if err != nil || cell == nil {
		return nil, err
	}
	var out T
	if err := cell.Decode(&out); err != nil {
		return nil, fmt.Errorf("matrix: decode %s/%s: %w", key.About, key.Period, err)
	}
	return &out, nil
}
