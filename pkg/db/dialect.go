package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// Dialect picks a gorm dialector. DATABASE_URL wins over the discrete settings.
func Dialect(cfg Config) (gorm.Dialector, string, error) {
	if cfg.URL != "" {
		return dialectFromURL(cfg.URL)
	}
	switch cfg.Type {
	case TypeMySQL:
		return mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.User,
			cfg.Password,
			cfg.Host,
			cfg.Port,
			cfg.Name,
		)), TypeMySQL, nil
	case TypePostgres, "":
		return postgres.Open(fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			cfg.Host,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.Port,
			cfg.SSLMode,
		)), TypePostgres, nil
	case TypeSQLite:
		name := cfg.Name
		if name == "" || name == "postgres" {
			name = "collator.db"
		}
		return sqlite.Open(name), TypeSQLite, nil
	default:
		return nil, "", fmt.Errorf("unsupported %s type", cfg.Type)
	}
}

func dialectFromURL(raw string) (gorm.Dialector, string, error) {
	switch {
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return postgres.Open(raw), TypePostgres, nil
	case strings.HasPrefix(raw, "mysql://"):
		return mysql.Open(strings.TrimPrefix(raw, "mysql://")), TypeMySQL, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return sqlite.Open(strings.TrimPrefix(raw, "sqlite://")), TypeSQLite, nil
	case strings.HasPrefix(raw, "file:"):
		return sqlite.Open(raw), TypeSQLite, nil
	default:
		return nil, "", fmt.Errorf("unsupported DATABASE_URL scheme in %q", redactURL(raw))
	}
}

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return "<invalid>"
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return scheme + "://" + rest
}
