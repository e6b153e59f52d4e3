package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// 支持的驱动
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Options 描述如何打开数据库.
type Options struct {
	Driver string
	DSN    string
	Pool   PoolConfig
	// Debug 打开 GORM 的 SQL 日志
	Debug bool
}

// Dialector 根据驱动名返回 GORM 方言.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return sqlite.Open(dsn), nil
	case DriverPostgres, "postgresql":
		return postgres.Open(dsn), nil
	case DriverMySQL:
		return mysql.Open(dsn), nil
	case "":
		return nil, fmt.Errorf("database driver not configured")
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: sqlite, postgres, mysql)", driver)
	}
}

// Open 打开数据库并初始化连接池，返回前会 Ping 一次.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	level := gormlogger.Silent
	if opts.Debug {
		level = gormlogger.Info
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(level)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	p, err := NewPool(db, opts.Pool, logger)
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	logger.Info("database connected", zap.String("driver", opts.Driver))
	return p, nil
}
