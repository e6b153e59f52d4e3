package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/ddrflow/internal/tlsutil"
	"github.com/BaSui01/ddrflow/llm"
	"github.com/BaSui01/ddrflow/llm/providers"
	"go.uber.org/zap"
)

const (
	// GroqBaseURL Groq 的 OpenAI 兼容入口
	GroqBaseURL = "https://api.groq.com/openai"
	// GroqDefaultModel 默认问答模型
	GroqDefaultModel = "llama-3.1-8b-instant"

	defaultPath = "/v1/chat/completions"
)

// Config OpenAI 兼容端点。零值字段使用 Groq 默认值。
type Config struct {
	ProviderName string
	APIKey       string
	BaseURL      string
	// Model 请求未指定模型时使用
	Model        string
	Timeout      time.Duration
	EndpointPath string
}

// Provider 非流式聊天补全客户端
type Provider struct {
	cfg    Config
	url    string
	client *http.Client
	logger *zap.Logger
}

var _ llm.Provider = (*Provider)(nil)

// New 创建 Provider
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "groq"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = GroqBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = GroqDefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = defaultPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		cfg:    cfg,
		url:    strings.TrimRight(cfg.BaseURL, "/") + cfg.EndpointPath,
		client: tlsutil.HTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

func (p *Provider) Name() string { return p.cfg.ProviderName }

// Completion 发送一次补全请求。429 返回 IsThrottle 为真的错误并带上 Retry-After。
func (p *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, &llm.Error{
			Code:       llm.ErrInvalidRequest,
			Message:    "chat request has no messages",
			HTTPStatus: http.StatusBadRequest,
			Provider:   p.Name(),
		}
	}
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	payload, err := json.Marshal(completionRequest{
		Model:       model,
		Messages:    toWire(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if req.TraceID != "" {
		httpReq.Header.Set("X-Request-ID", req.TraceID)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, providers.FromTransport(ctx, err, p.Name())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		e := providers.FromResponse(resp, p.Name())
		p.logger.Debug("completion rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("code", string(e.Code)),
			zap.Duration("retry_after", e.RetryAfter))
		return nil, e
	}

	var body completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &llm.Error{
			Code:       llm.ErrMalformedResponse,
			Message:    "decode completion: " + err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Provider:   p.Name(),
		}
	}
	out := body.toChat(p.Name())
	p.logger.Debug("completion ok",
		zap.String("model", out.Model),
		zap.Int("total_tokens", out.Usage.TotalTokens),
		zap.Duration("latency", time.Since(start)))
	return out, nil
}
