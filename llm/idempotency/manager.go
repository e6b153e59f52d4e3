// Package idempotency 提供基于请求指纹的结果缓存。
// 调用闸门用 Key 为每次 LLM 请求生成稳定指纹，回答编排器用 Manager 缓存
// 相同问题的回答，避免在 TTL 内重复消耗预算。
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL 是未指定 TTL 时的缓存时长
const DefaultTTL = 10 * time.Minute

// Manager 幂等结果存储接口
type Manager interface {
	// Get 获取缓存的结果
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set 设置缓存结果
	Set(ctx context.Context, key string, result any, ttl time.Duration) error

	// Delete 删除缓存
	Delete(ctx context.Context, key string) error
}

// Key 使用 SHA256 对输入的 JSON 表示求指纹，相同输入得到相同的键
func Key(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("at least one input is required")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal key inputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// GetTyped 读取并反序列化缓存结果
func GetTyped[T any](ctx context.Context, m Manager, key string) (T, bool, error) {
	var zero T
	raw, found, err := m.Get(ctx, key)
	if err != nil || !found {
		return zero, found, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, false, fmt.Errorf("unmarshal cached result: %w", err)
	}
	return out, true, nil
}

// =============================================================================
// Redis 实现
// =============================================================================

type redisManager struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisManager 创建基于 Redis 的管理器
func NewRedisManager(client *redis.Client, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "ddrflow:answer:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	m.logger.Debug("idempotency hit", zap.String("key", key), zap.Int("size", len(data)))
	return data, true, nil
}

func (m *redisManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := m.client.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// =============================================================================
// 内存实现（未配置 Redis 时使用）
// =============================================================================

type memoryEntry struct {
	data      json.RawMessage
	expiresAt time.Time
}

// MemoryManager 是进程内实现，过期条目在读取时惰性清理
type MemoryManager struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	maxSize int
}

// NewMemoryManager 创建内存管理器；maxSize <= 0 表示不限制条目数
func NewMemoryManager(maxSize int) *MemoryManager {
	return &MemoryManager{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		maxSize: maxSize,
	}
}

func (m *MemoryManager) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.data, true, nil
}

func (m *MemoryManager) Set(_ context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.evictLocked(now)
	}
	m.entries[key] = memoryEntry{data: data, expiresAt: now.Add(ttl)}
	return nil
}

func (m *MemoryManager) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len 返回当前条目数（含未清理的过期条目）
func (m *MemoryManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictLocked 先清理过期条目，仍然已满时淘汰最早过期的一条
func (m *MemoryManager) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			continue
		}
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey, oldest = k, e.expiresAt
		}
	}
	if len(m.entries) >= m.maxSize && oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}
