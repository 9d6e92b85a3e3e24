package db

import (
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func Dialect(cfg Config) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "mysql":
		return mysql.Open(MySQLDSN(cfg)), nil
	case "postgres", "":
		return postgres.Open(PostgresDSN(cfg)), nil
	case "sqlite":
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			path = "escrow.db"
		}
		return sqlite.Open(SQLiteDSN(path)), nil
	default:
		return nil, fmt.Errorf("unsupported %s type", cfg.Type)
	}
}

func PostgresDSN(cfg Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.Host,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.Port,
		cfg.SSLMode,
	)
}

func MySQLDSN(cfg Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)
}

// SQLiteDSN enables WAL and a busy timeout so the dispute checker can read
// while an action transaction holds the write lock.
func SQLiteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}
