package ga4

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/collator/internal/analytics/domain"
)

// notSet is how the provider spells an absent dimension value.
const notSet = "(not set)"

// Row is one report row keyed by dimension or metric name. Accessors fail soft:
// required fields go through the error-returning variants.
type Row struct {
	values map[string]*string
	zone   *time.Location
}

func NewRow(values map[string]*string, zone *time.Location) Row {
	if zone == nil {
		zone = time.UTC
	}
	return Row{values: values, zone: zone}
}

// Value returns the raw value and whether it is present.
func (r Row) Value(name string) (string, bool) {
	v, ok := r.values[name]
	if !ok || v == nil {
		return "", false
	}
	s := strings.TrimSpace(*v)
	if s == "" || s == notSet {
		return "", false
	}
	return s, true
}

// String returns the value or "" when missing.
func (r Row) String(name string) string {
	v, _ := r.Value(name)
	return v
}

// Int returns the value as an integer, or 0 when missing or malformed.
func (r Row) Int(name string) int64 {
	v, ok := r.Value(name)
	if !ok {
		return 0
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	// metrics occasionally arrive as "12.0"
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return int64(f)
	}
	return 0
}

// Float returns the value as a float, or 0 when missing or malformed.
func (r Row) Float(name string) float64 {
	v, ok := r.Value(name)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

// UUID parses the value as a UUID.
func (r Row) UUID(name string) (uuid.UUID, error) {
	v, ok := r.Value(name)
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %s missing", domain.ErrData, name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s=%q: %v", domain.ErrDecode, name, v, err)
	}
	return id, nil
}

// OptionalUUID returns uuid.Nil for a missing value and an error only for a malformed one.
func (r Row) OptionalUUID(name string) (uuid.UUID, error) {
	if _, ok := r.Value(name); !ok {
		return uuid.Nil, nil
	}
	return r.UUID(name)
}

// Date parses a YYYYMMDD value as noon UTC of that day, expressed in the row's zone.
func (r Row) Date(name string) (time.Time, error) {
	v, ok := r.Value(name)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s missing", domain.ErrData, name)
	}
	day, err := time.Parse("20060102", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s=%q: %v", domain.ErrDecode, name, v, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, time.UTC).In(r.zone), nil
}

// OptionalDate is Date returning the zero time when the value is missing or malformed.
func (r Row) OptionalDate(name string) time.Time {
	t, err := r.Date(name)
	if err != nil {
		return time.Time{}
	}
	return t
}
