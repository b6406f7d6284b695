package ga4

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/domain"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestRowAccessorsFailSoft(t *testing.T) {
	id := uuid.New()
	zone := time.FixedZone("-05:00", -5*3600)
	row := NewRow(map[string]*string{
		DimEntityUID:     strPtr(id.String()),
		DimPartnerUID:    strPtr("not-a-uuid"),
		DimDate:          strPtr("20240715"),
		DimCity:          strPtr("(not set)"),
		DimRegion:        nil,
		MetricViews:      strPtr("12"),
		MetricSessions:   strPtr("3.0"),
		MetricNewUsers:   strPtr("lots"),
		MetricEngagement: strPtr("30.5"),
	}, zone)

	got, err := row.UUID(DimEntityUID)
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = row.UUID(DimPartnerUID)
	require.ErrorIs(t, err, domain.ErrDecode)

	_, err = row.UUID(DimPagePath)
	require.ErrorIs(t, err, domain.ErrData)

	day, err := row.Date(DimDate)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC), day.UTC())
	require.Equal(t, 7, day.Hour())
	require.Equal(t, zone, day.Location())

	require.Equal(t, "", row.String(DimCity))
	require.Equal(t, "", row.String(DimRegion))
	require.EqualValues(t, 12, row.Int(MetricViews))
	require.EqualValues(t, 3, row.Int(MetricSessions))
	require.EqualValues(t, 0, row.Int(MetricNewUsers))
	require.InDelta(t, 30.5, row.Float(MetricEngagement), 1e-9)
	require.Zero(t, row.Float(MetricNewUsers))
	require.True(t, row.OptionalDate(DimFirstSessionDate).IsZero())

	nilID, err := row.OptionalUUID(DimCity)
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, nilID)
}

func TestRowDateRejectsGarbage(t *testing.T) {
	row := NewRow(map[string]*string{DimDate: strPtr("2024-07-15")}, nil)
	_, err := row.Date(DimDate)
	require.ErrorIs(t, err, domain.ErrDecode)
}
