// Package sqlexec backs the query executor hook with a real
// database. Statements arrive verbatim from the wire; this is the
// only layer that ever touches SQL.
package sqlexec

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wirepulse/wirepulse/internal/sqlparse"
)

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects a driver by name. sqlite DSNs may be file paths or
// ":memory:"; postgres takes a standard connection string.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return &Store{db: db}, nil
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// ExecResult reports a mutation's effect.
type ExecResult struct {
	RowsAffected int64 `json:"rows_affected"`
}

// Query runs one statement. SELECTs return their rows as ordered
// column maps; everything else returns the affected row count.
func (s *Store) Query(ctx context.Context, _, _, sql string, params []any) (any, error) {
	if sqlparse.IsSelect(sql) {
		var rows []map[string]any
		if err := s.db.WithContext(ctx).Raw(sql, params...).Scan(&rows).Error; err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []map[string]any{}
		}
		return rows, nil
	}
	res := s.db.WithContext(ctx).Exec(sql, params...)
	if res.Error != nil {
		return nil, res.Error
	}
	return ExecResult{RowsAffected: res.RowsAffected}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
