package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/ddrflow/llm/retry"
	"github.com/BaSui01/ddrflow/rag"
	"github.com/BaSui01/ddrflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// QueryRecord 一次问答的持久化记录
type QueryRecord struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	Question  string         `gorm:"type:text;not null" json:"question"`
	Answer    string         `gorm:"type:text" json:"answer"`
	Outcome   string         `gorm:"size:32;index" json:"outcome"`
	ErrorCode string         `gorm:"size:32" json:"error_code,omitempty"`
	Intent    string         `gorm:"size:16" json:"intent"`
	Citations []rag.Citation `gorm:"serializer:json;type:text" json:"citations"`
	Attempts  int            `json:"attempts"`
	LatencyMS int64          `json:"latency_ms"`
	CreatedAt time.Time      `gorm:"index" json:"created_at"`
}

// TableName 表名
func (QueryRecord) TableName() string { return "query_records" }

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Store 查询历史存储，实现 rag.HistorySink.
type Store struct {
	db      *gorm.DB
	retryer *retry.Retryer
	logger  *zap.Logger
}

var _ rag.HistorySink = (*Store)(nil)

// Option 定制 Store
type Option func(*Store)

// WithRetryer 写操作（Record、Prune）失败时交给 r 重试，读操作不重试。
func WithRetryer(r *retry.Retryer) Option {
	return func(s *Store) { s.retryer = r }
}

// NewStore 创建历史存储
func NewStore(db *gorm.DB, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: db, logger: logger.With(zap.String("component", "history"))}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) write(ctx context.Context, fn func() error) error {
	if s.retryer == nil {
		return fn()
	}
	return s.retryer.Do(ctx, fn)
}

// Migrate 建表
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&QueryRecord{}); err != nil {
		return fmt.Errorf("migrate query history: %w", err)
	}
	return nil
}

// Record 写入一条记录
func (s *Store) Record(ctx context.Context, rec rag.AnswerRecord) error {
	row := QueryRecord{
		ID:        rec.ID,
		Question:  rec.Question,
		Answer:    rec.Answer,
		Outcome:   rec.Outcome,
		ErrorCode: string(rec.ErrorCode),
		Intent:    string(rec.Intent),
		Citations: rec.Citations,
		Attempts:  rec.Attempts,
		LatencyMS: rec.Latency.Milliseconds(),
		CreatedAt: rec.CreatedAt,
	}
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	err := s.write(ctx, func() error {
		return s.db.WithContext(ctx).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("insert query record: %w", err)
	}
	s.logger.Debug("query recorded", zap.String("id", row.ID), zap.String("outcome", row.Outcome))
	return nil
}

// Recent 按时间倒序返回最近的记录，limit 超出范围时取默认值或上限.
func (s *Store) Recent(ctx context.Context, limit int) ([]QueryRecord, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	var rows []QueryRecord
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list query records: %w", err)
	}
	return rows, nil
}

// Get 按 ID 取一条记录
func (s *Store) Get(ctx context.Context, id string) (*QueryRecord, error) {
	var row QueryRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.NewNotFoundError(fmt.Sprintf("query record %q not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("get query record: %w", err)
	}
	return &row, nil
}

// Count 返回每种结果的记录数
func (s *Store) Count(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		N       int64
	}
	err := s.db.WithContext(ctx).Model(&QueryRecord{}).
		Select("outcome, count(*) AS n").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count query records: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Outcome] = r.N
	}
	return out, nil
}

// Prune 删除早于 before 的记录，返回删除条数.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.write(ctx, func() error {
		res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&QueryRecord{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("prune query records: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("query history pruned", zap.Int64("deleted", deleted), zap.Time("before", before))
	}
	return deleted, nil
}

// RunRetention 每隔 interval 清理超过 maxAge 的记录，直到 ctx 结束.
func (s *Store) RunRetention(ctx context.Context, maxAge, interval time.Duration) {
	if maxAge <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx, time.Now().Add(-maxAge)); err != nil && ctx.Err() == nil {
				s.logger.Warn("query history retention failed", zap.Error(err))
			}
		}
	}
}
