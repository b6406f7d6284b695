package matrix

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/smallbiznis/collator/internal/clock"
	"github.com/smallbiznis/collator/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) (*Store, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	conn, err := db.NewTest()
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := conn.AutoMigrate(&CompiledCell{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC))
	return NewStore(Params{DB: conn, Clock: clk, Log: zap.NewNop()}), conn, clk
}

func TestReadMissingCellReturnsNil(t *testing.T) {
	store, _, _ := setupStore(t)
	cell, err := store.Read(context.Background(), Key{About: uuid.New(), Period: domain.ThisMonth, Status: domain.StatusLive})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if cell != nil {
		t.Fatalf("expected nil cell, got %+v", cell)
	}
}

func TestUpsertReplacesData(t *testing.T) {
	store, conn, clk := setupStore(t)
	ctx := context.Background()
	uid := uuid.New()
	key := Key{About: uid, Kind: domain.KindSummary, Period: domain.LastMonth, Status: domain.StatusAll}

	if err := store.Upsert(ctx, key, domain.OpportunityCell{UID: uid, Engagement: domain.Engagement{Views: 3}}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	clk.Advance(time.Hour)
	if err := store.Upsert(ctx, key, domain.OpportunityCell{UID: uid, Engagement: domain.Engagement{Views: 8}}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var count int64
	if err := conn.Model(&CompiledCell{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one cell per key, got %d", count)
	}

	got, err := store.ReadOpportunity(ctx, uid, domain.LastMonth, domain.StatusAll)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got == nil || got.Engagement.Views != 8 {
		t.Fatalf("expected replaced document, got %+v", got)
	}

	cell, err := store.Read(ctx, key)
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if !cell.UpdatedAt.Equal(time.Date(2024, 7, 15, 1, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected updated_at to advance, got %v", cell.UpdatedAt)
	}
}

func TestUpsertAllWritesEveryStatus(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()
	partner := uuid.New()
	hosts := domain.HostsCell{PartnerUID: partner, Hosts: []domain.HostRow{{Name: "Acme", Total: 2}}}

	if err := store.UpsertAll(ctx, partner, domain.KindHosts, domain.ThisYear, hosts); err != nil {
		t.Fatalf("upsert all: %v", err)
	}
	for _, status := range domain.Statuses() {
		got, err := store.ReadHosts(ctx, partner, domain.ThisYear, status)
		if err != nil {
			t.Fatalf("read %s: %v", status, err)
		}
		if got == nil || len(got.Hosts) != 1 || got.Hosts[0].Name != "Acme" {
			t.Fatalf("unexpected hosts for %s: %+v", status, got)
		}
	}
	summary, err := store.ReadPartner(ctx, partner, domain.ThisYear, domain.StatusAll)
	if err != nil || summary != nil {
		t.Fatalf("hosts cell must not be visible as summary, got %+v %v", summary, err)
	}
}

func TestOverviewUsesNilUUID(t *testing.T) {
	store, conn, _ := setupStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, Key{About: domain.OverviewUID, Period: domain.AllTime, Status: domain.StatusLive}, domain.OverviewCell{Opportunities: 4}); err != nil {
		t.Fatalf("upsert overview: %v", err)
	}
	var cell CompiledCell
	if err := conn.Where("about = ?", uuid.Nil).Take(&cell).Error; err != nil {
		t.Fatalf("load overview: %v", err)
	}
	got, err := store.ReadOverview(ctx, domain.AllTime, domain.StatusLive)
	if err != nil || got == nil || got.Opportunities != 4 {
		t.Fatalf("unexpected overview %+v %v", got, err)
	}
}

func TestUpsertRejectsInvalidKey(t *testing.T) {
	store, _, _ := setupStore(t)
	ctx := context.Background()
	cases := []struct {
		key  Key
		want error
	}{
		{Key{Kind: 7}, domain.ErrInvalidKind},
		{Key{Period: 42}, domain.ErrInvalidPeriod},
		{Key{Status: -1}, domain.ErrInvalidStatus},
	}
	for _, tc := range cases {
		if err := store.Upsert(ctx, tc.key, struct{}{}); !errors.Is(err, tc.want) {
			t.Fatalf("expected %v for %+v, got %v", tc.want, tc.key, err)
		}
	}
}
