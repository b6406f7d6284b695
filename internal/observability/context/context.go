package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type runIDKey struct{}
type cycleKey struct{}
type periodKey struct{}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, strings.TrimSpace(requestID))
}

func RequestIDFromContext(ctx context.Context) string {
	return stringValue(ctx, requestIDKey{})
}

// WithRunID tags ctx with the collation run identifier.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, strings.TrimSpace(runID))
}

func RunIDFromContext(ctx context.Context) string {
	return stringValue(ctx, runIDKey{})
}

// WithCycle tags ctx with the monotonically increasing cycle number.
func WithCycle(ctx context.Context, cycle uint64) context.Context {
	return context.WithValue(ctx, cycleKey{}, cycle)
}

func CycleFromContext(ctx context.Context) (uint64, bool) {
	if ctx == nil {
		return 0, false
	}
	cycle, ok := ctx.Value(cycleKey{}).(uint64)
	return cycle, ok
}

func WithPeriod(ctx context.Context, period string) context.Context {
	return context.WithValue(ctx, periodKey{}, strings.TrimSpace(period))
}

func PeriodFromContext(ctx context.Context) string {
	return stringValue(ctx, periodKey{})
}

func stringValue(ctx context.Context, key any) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(key).(string); ok {
		return value
	}
	return ""
}
