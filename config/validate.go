package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate 校验配置，一次返回全部问题.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		add("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		add("server.metrics_port %d out of range", c.Server.MetricsPort)
	}
	if c.Server.MetricsPort != 0 && c.Server.MetricsPort == c.Server.HTTPPort {
		add("server.metrics_port must differ from http_port")
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		add("server.tls_cert_file and tls_key_file must be set together")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		add("server rate limit must not be negative")
	}
	if c.Server.MaxAnswerTimeout > 0 && c.Server.AnswerTimeout > c.Server.MaxAnswerTimeout {
		add("server.answer_timeout exceeds max_answer_timeout")
	}

	if c.JWT.Enabled && len(c.JWT.Secret) < 32 {
		add("jwt.secret must be at least 32 bytes when jwt is enabled")
	}

	if c.LLM.Model == "" {
		add("llm.model is required")
	}
	if c.LLM.BaseURL == "" {
		add("llm.base_url is required")
	}
	if c.LLM.MaxTokens <= 0 {
		add("llm.max_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature must be between 0 and 2")
	}

	rl := c.RateLimit
	if rl.RequestsPerMinute <= 0 || rl.TokensPerMinute <= 0 {
		add("rate_limit.rpm and tpm must be positive")
	}
	if rl.Window <= 0 {
		add("rate_limit.window must be positive")
	}
	if rl.RequestSafetyMargin < 0 || rl.RequestSafetyMargin >= rl.RequestsPerMinute {
		add("rate_limit.request_safety_margin must be in [0, rpm)")
	}
	if rl.TokenSafetyMargin < 0 || rl.TokenSafetyMargin >= rl.TokensPerMinute {
		add("rate_limit.token_safety_margin must be in [0, tpm)")
	}
	if rl.AlertThreshold < 0 || rl.AlertThreshold > 1 {
		add("rate_limit.alert_threshold must be between 0 and 1")
	}

	b := c.Backoff
	if b.BaseDelay <= 0 || b.MaxDelay < b.BaseDelay {
		add("backoff requires 0 < base_delay <= max_delay")
	}
	if b.MaxAttempts < 1 {
		add("backoff.max_attempts must be at least 1")
	}
	if b.JitterFraction < 0 || b.JitterFraction >= 1 {
		add("backoff.jitter_fraction must be in [0, 1)")
	}

	r := c.Retrieval
	if r.TopK <= 0 {
		add("retrieval.top_k must be positive")
	}
	if r.MaxHops <= 0 {
		add("retrieval.max_hops must be positive")
	}
	if r.MaxContextItems < 0 || r.MaxContextTokens < 0 {
		add("retrieval context limits must not be negative")
	}
	if r.VectorWeight > 0 && r.StructuredScore <= r.VectorWeight {
		add("retrieval.structured_score must exceed vector_weight so exact matches outrank similarity")
	}
	if r.MinSimilarity < -1 || r.MinSimilarity > 1 {
		add("retrieval.min_similarity must be between -1 and 1")
	}

	if c.Embedding.Dimensions <= 0 {
		add("embedding.dimensions must be positive")
	}
	if c.Embedding.BreakerThreshold < 0 {
		add("embedding.breaker_threshold must not be negative")
	}
	if c.Embedding.BreakerResetTimeout < 0 {
		add("embedding.breaker_reset_timeout must not be negative")
	}

	if c.History.WriteAttempts < 0 {
		add("history.write_attempts must not be negative")
	}
	if c.History.Enabled {
		switch strings.ToLower(c.Database.Driver) {
		case "sqlite", "postgres", "mysql":
		default:
			add("database.driver %q unsupported (sqlite, postgres, mysql)", c.Database.Driver)
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level %q unsupported", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		add("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
