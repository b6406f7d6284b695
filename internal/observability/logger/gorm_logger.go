package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// maxLoggedSQL caps the statement text kept in a log entry. Raw snapshot
// batches insert hundreds of rows per statement.
const maxLoggedSQL = 2048

// GormLoggerConfig configures the GORM zap logger.
type GormLoggerConfig struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	// LogNotFound also reports ErrRecordNotFound. Cell reads treat a missing
	// row as an empty result, so this is off by default.
	LogNotFound bool
}

func DefaultGormLoggerConfig() GormLoggerConfig {
	return GormLoggerConfig{
		Level:         gormlogger.Warn,
		SlowThreshold: 2 * time.Second,
	}
}

// ParseGormLevel maps a textual level to a GORM log level, falling back to def.
func ParseGormLevel(level string, def gormlogger.LogLevel) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "silent", "off":
		return gormlogger.Silent
	case "error":
		return gormlogger.Error
	case "warn", "warning":
		return gormlogger.Warn
	case "info", "debug":
		return gormlogger.Info
	default:
		return def
	}
}

// GormLogger writes GORM output through zap, tagging every entry with the
// collation run, cycle and period carried by ctx.
type GormLogger struct {
	base          *zap.Logger
	level         gormlogger.LogLevel
	slowThreshold time.Duration
	logNotFound   bool
}

// NewGormLogger builds a GormLogger on top of base. A nil base falls back to
// the global logger at log time.
func NewGormLogger(base *zap.Logger, cfg GormLoggerConfig) *GormLogger {
	if base != nil {
		base = base.Named("db")
	}
	return &GormLogger{
		base:          base,
		level:         cfg.Level,
		slowThreshold: cfg.SlowThreshold,
		logNotFound:   cfg.LogNotFound,
	}
}

func (l *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Info {
		return
	}
	l.logger(ctx).Info(msg, l.dataFields(data)...)
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Warn {
		return
	}
	l.logger(ctx).Warn(msg, l.dataFields(data)...)
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level < gormlogger.Error {
		return
	}
	l.logger(ctx).Error(msg, l.dataFields(data)...)
}

// Trace reports failed statements as errors and slow ones as warnings. Other
// statements are only logged at Info level.
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error && (l.logNotFound || !errors.Is(err, gormlogger.ErrRecordNotFound)):
		l.logQuery(ctx, "db.query.failed", fc, elapsed, err, zap.ErrorLevel)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		l.logQuery(ctx, "db.query.slow", fc, elapsed, nil, zap.WarnLevel)
	case l.level >= gormlogger.Info:
		l.logQuery(ctx, "db.query", fc, elapsed, nil, zap.DebugLevel)
	}
}

// ParamsFilter drops bound values; report rows carry visitor locations.
func (l *GormLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

func (l *GormLogger) logger(ctx context.Context) *zap.Logger {
	base := l.base
	if base == nil {
		base = zap.L().Named("db")
	}
	return WithContext(ctx, base)
}

func (l *GormLogger) dataFields(data []interface{}) []zap.Field {
	if len(data) == 0 {
		return nil
	}
	return []zap.Field{zap.Any("data", data)}
}

func (l *GormLogger) logQuery(ctx context.Context, msg string, fc func() (string, int64), elapsed time.Duration, err error, level zapcore.Level) {
	sql, rows := fc()
	sql = strings.TrimSpace(sql)
	op, table := describeSQL(sql)
	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("table", table),
		zap.String("sql", truncateSQL(sql)),
		zap.Duration("duration", elapsed),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}
	if l.slowThreshold > 0 && elapsed > l.slowThreshold {
		fields = append(fields, zap.Duration("slow_threshold", l.slowThreshold))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	if ce := l.logger(ctx).Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func truncateSQL(sql string) string {
	if len(sql) <= maxLoggedSQL {
		return sql
	}
	return sql[:maxLoggedSQL] + "..."
}

// describeSQL returns the statement verb and the first table it touches.
func describeSQL(sql string) (operation, table string) {
	operation, table = "UNKNOWN", ""
	tokens := strings.Fields(sql)
	for i, raw := range tokens {
		token := strings.ToUpper(strings.Trim(raw, "();"))
		switch token {
		case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE", "REFRESH":
			if operation == "UNKNOWN" {
				operation = token
			}
			if token == "UPDATE" {
				table = tableAt(tokens, i+1)
			}
		case "FROM", "INTO":
			if table == "" {
				table = tableAt(tokens, i+1)
			}
		case "VIEW":
			if operation == "REFRESH" && table == "" {
				table = tableAt(tokens, i+1)
			}
		}
		if operation != "UNKNOWN" && table != "" {
			break
		}
	}
	return operation, table
}

func tableAt(tokens []string, i int) string {
	if i >= len(tokens) {
		return ""
	}
	name := strings.Trim(tokens[i], "`\"();")
	if name == "" || strings.EqualFold(name, "SELECT") {
		return ""
	}
	return name
}

var _ gormlogger.Interface = (*GormLogger)(nil)
