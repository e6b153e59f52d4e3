package config

import (
	"fmt"
	"time"
)

// Config 是 ddrflow 的完整配置
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	JWT       JWTConfig       `yaml:"jwt" env:"JWT"`
	LLM       LLMConfig       `yaml:"llm" env:"LLM"`
	RateLimit RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT"`
	Backoff   BackoffConfig   `yaml:"backoff" env:"BACKOFF"`
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`
	Data      DataConfig      `yaml:"data" env:"DATA"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	History   HistoryConfig   `yaml:"history" env:"HISTORY"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"` // 0 表示不单独开放 /metrics
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	TLSCertFile     string        `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile      string        `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
	// 每个客户端 IP 的问答接口限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 单次问答请求的默认与最大超时
	AnswerTimeout    time.Duration `yaml:"answer_timeout" env:"ANSWER_TIMEOUT"`
	MaxAnswerTimeout time.Duration `yaml:"max_answer_timeout" env:"MAX_ANSWER_TIMEOUT"`
}

// JWTConfig Bearer 认证配置，Enabled 为 false 时不校验.
type JWTConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// LLMConfig 对话模型配置（OpenAI 兼容接口，默认 Groq）
type LLMConfig struct {
	Provider    string        `yaml:"provider" env:"PROVIDER"`
	BaseURL     string        `yaml:"base_url" env:"BASE_URL"`
	APIKey      string        `yaml:"api_key" env:"API_KEY"`
	Model       string        `yaml:"model" env:"MODEL"`
	MaxTokens   int           `yaml:"max_tokens" env:"MAX_TOKENS"`
	Temperature float64       `yaml:"temperature" env:"TEMPERATURE"`
	Timeout     time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// RateLimitConfig 预算窗口
type RateLimitConfig struct {
	RequestsPerMinute   int           `yaml:"rpm" env:"RPM"`
	TokensPerMinute     int           `yaml:"tpm" env:"TPM"`
	Window              time.Duration `yaml:"window" env:"WINDOW"`
	RequestSafetyMargin int           `yaml:"request_safety_margin" env:"REQUEST_SAFETY_MARGIN"`
	TokenSafetyMargin   int           `yaml:"token_safety_margin" env:"TOKEN_SAFETY_MARGIN"`
	MinInterval         time.Duration `yaml:"min_interval" env:"MIN_INTERVAL"`
	AlertThreshold      float64       `yaml:"alert_threshold" env:"ALERT_THRESHOLD"`
}

// BackoffConfig 限流后的重试策略
type BackoffConfig struct {
	BaseDelay      time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	MaxAttempts    int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	JitterFraction float64       `yaml:"jitter_fraction" env:"JITTER_FRACTION"`
	CallTimeout    time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
}

// RetrievalConfig 检索与上下文组装参数
type RetrievalConfig struct {
	TopK              int           `yaml:"top_k" env:"TOP_K"`
	MaxHops           int           `yaml:"max_hops" env:"MAX_HOPS"`
	MaxPathsPerEntity int           `yaml:"max_paths_per_entity" env:"MAX_PATHS_PER_ENTITY"`
	MaxContextItems   int           `yaml:"max_context_items" env:"MAX_CONTEXT_ITEMS"`
	MaxContextTokens  int           `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS"`
	StructuredScore   float64       `yaml:"structured_score" env:"STRUCTURED_SCORE"`
	GraphScore        float64       `yaml:"graph_score" env:"GRAPH_SCORE"`
	VectorWeight      float64       `yaml:"vector_weight" env:"VECTOR_WEIGHT"`
	MinSimilarity     float64       `yaml:"min_similarity" env:"MIN_SIMILARITY"`
	DepthTolerance    float64       `yaml:"depth_tolerance" env:"DEPTH_TOLERANCE"`
	GasThreshold      float64       `yaml:"gas_threshold" env:"GAS_THRESHOLD"`
	AnswerCacheTTL    time.Duration `yaml:"answer_cache_ttl" env:"ANSWER_CACHE_TTL"`
	AnswerLanguage    string        `yaml:"answer_language" env:"ANSWER_LANGUAGE"`
}

// EmbeddingConfig 查询向量化服务
type EmbeddingConfig struct {
	BaseURL    string        `yaml:"base_url" env:"BASE_URL"`
	APIKey     string        `yaml:"api_key" env:"API_KEY"`
	Model      string        `yaml:"model" env:"MODEL"`
	Dimensions int           `yaml:"dimensions" env:"DIMENSIONS"`
	Timeout    time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES"`
	CacheTTL   time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// 连续失败 BreakerThreshold 次后熔断 BreakerResetTimeout
	BreakerThreshold    int           `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
}

// DataConfig 段落与知识图谱快照路径
type DataConfig struct {
	PassagesPath string `yaml:"passages_path" env:"PASSAGES_PATH"`
	GraphPath    string `yaml:"graph_path" env:"GRAPH_PATH"`
}

// RedisConfig 嵌入缓存与回答缓存
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	KeyPrefix    string `yaml:"key_prefix" env:"KEY_PREFIX"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	TLSEnabled   bool   `yaml:"tls_enabled" env:"TLS_ENABLED"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: sqlite, postgres, mysql
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"` // sqlite 时为文件路径
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// HistoryConfig 查询历史
type HistoryConfig struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	Retention     time.Duration `yaml:"retention" env:"RETENTION"` // 0 表示永久保留
	PruneInterval time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
	// 写入遇到锁冲突等瞬时错误时的最大尝试次数
	WriteAttempts int `yaml:"write_attempts" env:"WRITE_ATTEMPTS"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level       string   `yaml:"level" env:"LEVEL"`
	Format      string   `yaml:"format" env:"FORMAT"` // json 或 console
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig OpenTelemetry 配置
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure       bool          `yaml:"insecure" env:"INSECURE"`
	ServiceName    string        `yaml:"service_name" env:"SERVICE_NAME"`
	Environment    string        `yaml:"environment" env:"ENVIRONMENT"`
	SampleRate     float64       `yaml:"sample_rate" env:"SAMPLE_RATE"`
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
