package config

import "time"

// DefaultConfig 返回默认配置. 预算与退避的默认值面向 Groq 免费档.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:         8080,
			MetricsPort:      9091,
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     3 * time.Minute,
			ShutdownTimeout:  15 * time.Second,
			RateLimitRPS:     2,
			RateLimitBurst:   5,
			AnswerTimeout:    90 * time.Second,
			MaxAnswerTimeout: 150 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "groq",
			BaseURL:     "https://api.groq.com/openai",
			Model:       "llama-3.1-8b-instant",
			MaxTokens:   1024,
			Temperature: 0.1,
			Timeout:     60 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute:   28,
			TokensPerMinute:     16000,
			Window:              time.Minute,
			RequestSafetyMargin: 3,
			TokenSafetyMargin:   1500,
			MinInterval:         2500 * time.Millisecond,
			AlertThreshold:      0.8,
		},
		Backoff: BackoffConfig{
			BaseDelay:      8 * time.Second,
			MaxDelay:       120 * time.Second,
			MaxAttempts:    5,
			JitterFraction: 0.1,
			CallTimeout:    60 * time.Second,
		},
		Retrieval: RetrievalConfig{
			TopK:              5,
			MaxHops:           3,
			MaxPathsPerEntity: 4,
			MaxContextItems:   12,
			MaxContextTokens:  3000,
			StructuredScore:   2.0,
			GraphScore:        1.5,
			VectorWeight:      1.0,
			MinSimilarity:     0.25,
			DepthTolerance:    10,
			GasThreshold:      1.2,
			AnswerCacheTTL:    10 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			BaseURL:    "http://localhost:8081",
			Model:      "sentence-transformers/all-MiniLM-L6-v2",
			Dimensions: 384,
			Timeout:    15 * time.Second,
			MaxRetries: 3,
			CacheTTL:   24 * time.Hour,

			BreakerThreshold:    5,
			BreakerResetTimeout: 30 * time.Second,
		},
		Data: DataConfig{
			PassagesPath: "data/passages.jsonl",
			GraphPath:    "data/graph.json",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			KeyPrefix:    "ddrflow:",
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			Name:            "ddrflow.db",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
		},
		History: HistoryConfig{
			Enabled:       true,
			Retention:     30 * 24 * time.Hour,
			PruneInterval: time.Hour,
			WriteAttempts: 3,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "localhost:4317",
			Insecure:       true,
			ServiceName:    "ddrflow",
			Environment:    "development",
			SampleRate:     0.1,
			ExportInterval: 30 * time.Second,
		},
	}
}
