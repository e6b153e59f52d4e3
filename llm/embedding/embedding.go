package embedding

import (
	"context"
	"time"
)

// Embedder 将查询文本转换为向量.
type Embedder interface {
	// EmbedQuery 返回单个查询的向量.
	EmbedQuery(ctx context.Context, text string) ([]float64, error)

	// Name 返回实现名称.
	Name() string

	// Model 返回向量模型名，用于缓存键与维度校验.
	Model() string
}

// Config 配置 HTTP 向量化服务.
type Config struct {
	BaseURL    string        `yaml:"base_url" json:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" json:"api_key" env:"API_KEY"`
	Model      string        `yaml:"model" json:"model" env:"MODEL"`
	Dimensions int           `yaml:"dimensions" json:"dimensions" env:"DIMENSIONS"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	CacheTTL   time.Duration `yaml:"cache_ttl" json:"cache_ttl" env:"CACHE_TTL"`
}

// DefaultConfig 返回默认配置（与段落向量一致的 all-MiniLM-L6-v2，384 维）.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://localhost:8080",
		Model:      "sentence-transformers/all-MiniLM-L6-v2",
		Dimensions: 384,
		Timeout:    15 * time.Second,
		MaxRetries: 3,
		CacheTTL:   7 * 24 * time.Hour,
	}
}

type embedRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}
