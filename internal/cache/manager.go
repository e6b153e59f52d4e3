package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/ddrflow/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrCacheMiss 键不存在或已过期
	ErrCacheMiss = errors.New("cache miss")
	// ErrClosed Close 之后的调用
	ErrClosed = errors.New("cache closed")
)

// IsCacheMiss 判断是否为未命中
func IsCacheMiss(err error) bool { return errors.Is(err, ErrCacheMiss) }

// Config Redis 连接参数
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	DefaultTTL   time.Duration // SetJSON 传入 0 时使用
	MaxRetries   int
	PoolSize     int
	MinIdleConns int
	TLSEnabled   bool
	// PingInterval > 0 时后台定期探活，失败只记日志
	PingInterval time.Duration
}

// DefaultConfig 本地单机 Redis
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		KeyPrefix:    "ddrflow:",
		DefaultTTL:   24 * time.Hour,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
		PingInterval: 30 * time.Second,
	}
}

// Manager 查询向量与回答共用的 Redis JSON 存储。所有键带 KeyPrefix。
type Manager struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	hits, misses atomic.Uint64
}

// NewManager 连接并 Ping 一次，失败时返回错误，由调用方决定是否降级到进程内缓存。
func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = tlsutil.ClientConfig("")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return NewManagerFromClient(client, cfg, logger), nil
}

// NewManagerFromClient 复用已有客户端，测试里配合 miniredis 使用
func NewManagerFromClient(client *redis.Client, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "cache")),
		done:   make(chan struct{}),
	}
	if cfg.PingInterval > 0 {
		go m.watch(cfg.PingInterval)
	}
	m.logger.Info("redis cache ready",
		zap.String("addr", client.Options().Addr),
		zap.String("key_prefix", cfg.KeyPrefix))
	return m
}

// Client 返回底层客户端，回答缓存直接在其上做 SETNX 等操作
func (m *Manager) Client() *redis.Client { return m.client }

// GetJSON 读取 key 并解码到 dest
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	if m.closed.Load() {
		return ErrClosed
	}
	raw, err := m.client.Get(ctx, m.cfg.KeyPrefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		m.misses.Add(1)
		return ErrCacheMiss
	case err != nil:
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		// 损坏的值不算未命中
		return fmt.Errorf("decode cached %s: %w", key, err)
	}
	m.hits.Add(1)
	return nil
}

// SetJSON 编码 value 后写入，ttl 为 0 时使用 DefaultTTL
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if ttl == 0 {
		ttl = m.cfg.DefaultTTL
	}
	if err := m.client.Set(ctx, m.cfg.KeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Ping 供就绪检查使用
func (m *Manager) Ping(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.client.Ping(ctx).Err()
}

// Stats 本进程观察到的命中与未命中次数
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Stats 返回计数快照
func (m *Manager) Stats() Stats {
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load()}
}

// Close 停止探活并关闭客户端，可重复调用
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		close(m.done)
		err = m.client.Close()
	})
	return err
}

func (m *Manager) watch(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.client.Ping(ctx).Err(); err != nil && !m.closed.Load() {
			m.logger.Warn("redis ping failed", zap.Error(err))
		}
		cancel()
	}
}
