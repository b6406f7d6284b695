package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCollationConfigHolder),
	fx.Invoke(func(cfg Config) error { return cfg.Validate() }),
)

// ErrInvalidConfig marks configuration that must stop the process at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	DefaultAnalyticsSecretPath = "/etc/collator/analytics-secret.json"
	DefaultThreshold           = "2022-01-01"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string
	HTTPAddr     string

	DatabaseURL       string
	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Analytics  AnalyticsConfig
	Collation  CollationEnv
	Redis      RedisConfig
	MetricPush MetricPushConfig
}

type AnalyticsConfig struct {
	SecretPath string
	PropertyID string
	// RequestsPerSecond bounds report calls across all workers.
	RequestsPerSecond float64
}

type CollationEnv struct {
	Threshold  time.Time
	Zone       *time.Location
	CycleFloor time.Duration
	Workers    int
	ConfigPath string

	rawThreshold string
	rawOffset    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type MetricPushConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	rawThreshold := getenv("COLLATION_THRESHOLD", DefaultThreshold)
	rawOffset := getenv("COLLATION_UTC_OFFSET", "+00:00")
	threshold, _ := time.Parse(time.DateOnly, strings.TrimSpace(rawThreshold))
	zone, _ := ParseOffset(rawOffset)

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "collator"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8090"),
		DatabaseURL:       strings.TrimSpace(getenv("DATABASE_URL", "")),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 4),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 16),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Analytics: AnalyticsConfig{
			SecretPath:        getenv("SNM_ANALYTICS_SECRET", DefaultAnalyticsSecretPath),
			PropertyID:        normalizeProperty(getenv("SNM_ANALYTICS_PROPERTY", "")),
			RequestsPerSecond: getenvFloat("SNM_ANALYTICS_RPS", 5),
		},
		Collation: CollationEnv{
			Threshold:    threshold.UTC(),
			Zone:         zone,
			CycleFloor:   getenvDuration("COLLATION_CYCLE_FLOOR", 7*24*time.Hour),
			Workers:      getenvInt("COLLATION_WORKERS", 8),
			ConfigPath:   strings.TrimSpace(getenv("COLLATION_CONFIG_PATH", "")),
			rawThreshold: rawThreshold,
			rawOffset:    rawOffset,
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		MetricPush: MetricPushConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("METRICS_PUSH_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("METRICS_PUSH_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("METRICS_PUSH_TOKEN", "")),
		},
	}

	return cfg
}

// Validate reports configuration problems that make the collator unusable.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Analytics.PropertyID) == "" {
		errs = append(errs, errors.New("SNM_ANALYTICS_PROPERTY is required"))
	}
	if _, err := os.Stat(c.Analytics.SecretPath); err != nil {
		errs = append(errs, fmt.Errorf("analytics credentials %q: %w", c.Analytics.SecretPath, err))
	}
	if c.Collation.Threshold.IsZero() {
		errs = append(errs, fmt.Errorf("COLLATION_THRESHOLD %q is not a YYYY-MM-DD date", c.Collation.rawThreshold))
	}
	if c.Collation.Zone == nil {
		errs = append(errs, fmt.Errorf("COLLATION_UTC_OFFSET %q is not a +HH:MM offset", c.Collation.rawOffset))
	}
	if c.DatabaseURL == "" && c.DBType == "" {
		errs = append(errs, errors.New("DATABASE_URL or DATABASE_TYPE is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// ParseOffset turns "+HH:MM" / "-HH:MM" into a fixed zone.
func ParseOffset(raw string) (*time.Location, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "Z" {
		return time.UTC, nil
	}
	t, err := time.Parse("-07:00", raw)
	if err != nil {
		return nil, err
	}
	_, offset := t.Zone()
	if offset == 0 {
		return time.UTC, nil
	}
	return time.FixedZone(raw, offset), nil
}

func normalizeProperty(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "properties/") {
		return raw
	}
	return "properties/" + raw
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
