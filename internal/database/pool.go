package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrClosed 连接池关闭后的所有调用返回此错误
var ErrClosed = errors.New("database pool closed")

// PoolConfig 连接池参数。零值字段不覆盖驱动默认值。
type PoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// PingInterval > 0 时后台定期 Ping，失败只记日志
	PingInterval time.Duration
}

// DefaultPoolConfig 查询历史写入量很小，连接数保守
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:    2,
		MaxOpenConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PingInterval:   time.Minute,
	}
}

// Pool 持有 GORM 句柄与底层 sql.DB
type Pool struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewPool 把 cfg 应用到 db 的连接池
func NewPool(db *gorm.DB, cfg PoolConfig, logger *zap.Logger) (*Pool, error) {
	if db == nil {
		return nil, errors.New("database: nil gorm handle")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: underlying sql.DB: %w", err)
	}
	applyPoolConfig(sqlDB, cfg)

	p := &Pool{
		db:     db,
		sqlDB:  sqlDB,
		logger: logger.With(zap.String("component", "database")),
		done:   make(chan struct{}),
	}
	if cfg.PingInterval > 0 {
		p.wg.Add(1)
		go p.pingLoop(cfg.PingInterval)
	}
	return p, nil
}

func applyPoolConfig(sqlDB *sql.DB, cfg PoolConfig) {
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
}

// DB 返回 GORM 句柄
func (p *Pool) DB() *gorm.DB { return p.db }

func (p *Pool) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Ping 用于就绪检查
func (p *Pool) Ping(ctx context.Context) error {
	if p.closed() {
		return ErrClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// Close 停止探活并关闭连接，可重复调用
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		err = p.sqlDB.Close()
		p.logger.Info("database closed")
	})
	return err
}

func (p *Pool) pingLoop(every time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.sqlDB.PingContext(ctx); err != nil {
			p.logger.Warn("database ping failed", zap.Error(err))
		}
		cancel()
	}
}

// PoolStats 供 /metrics 使用的连接池快照
type PoolStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
}

// Stats 读取 sql.DB 的连接池统计
func (p *Pool) Stats() PoolStats {
	s := p.sqlDB.Stats()
	return PoolStats{
		MaxOpenConnections: s.MaxOpenConnections,
		OpenConnections:    s.OpenConnections,
		InUse:              s.InUse,
		Idle:               s.Idle,
		WaitCount:          s.WaitCount,
		WaitDuration:       s.WaitDuration,
	}
}

// 各驱动的瞬时错误特征，小写匹配
var transientSignatures = []string{
	"deadlock",
	"40001", "could not serialize",
	"database is locked", "sqlite_busy",
	"lock wait timeout",
	"connection reset", "connection refused", "broken pipe",
	"bad connection",
}

// IsTransient 报告 err 是否值得重试：死锁、序列化冲突、SQLite 忙、连接中断。
// 约束冲突与语法错误不算。
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
