package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"

	"homework-live/server/internal/metrics"
)

// ErrMissingAPIKey 没有配置 Gemini API Key
var ErrMissingAPIKey = errors.New("GEMINI_API_KEY is empty")

// Config 签发参数
type Config struct {
	APIKey string
	// Model 非空时把 token 锁定到该 Live 模型
	Model string
	// Uses token 可用于开启会话的次数，默认 1
	Uses int
	// TTL token 整体有效期，默认 30 分钟
	TTL time.Duration
	// NewSessionTTL 必须在此时间内用 token 开启会话，默认 1 分钟
	NewSessionTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.Uses <= 0 {
		c.Uses = 1
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.NewSessionTTL <= 0 {
		c.NewSessionTTL = time.Minute
	}
}

// Token 下发给浏览器的短期凭证。
// 只能用于直连 Live API，不能替代服务端的长期 API Key。
type Token struct {
	Value               string    `json:"token"`
	Model               string    `json:"model,omitempty"`
	Uses                int       `json:"uses"`
	ExpiresAt           time.Time `json:"expires_at"`
	NewSessionExpiresAt time.Time `json:"new_session_expires_at"`
}

type tokenCreator interface {
	Create(ctx context.Context, config *genai.CreateAuthTokenConfig) (*genai.AuthToken, error)
}

// Client 封装 Live API 的"签发 ephemeral token"能力。
// 长期 API Key 只留在本进程，浏览器只拿到单次、短时的 token。
type Client struct {
	tokens  tokenCreator
	config  Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewClient 用 API Key 创建 genai 客户端。token 接口只在 v1alpha 上提供。
func NewClient(ctx context.Context, config Config, m *metrics.Metrics) (*Client, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      config.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1alpha"},
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newClient(gc.AuthTokens, config, m), nil
}

func newClient(tokens tokenCreator, config Config, m *metrics.Metrics) *Client {
	config.applyDefaults()
	return &Client{tokens: tokens, config: config, metrics: m, now: time.Now}
}

// CreateEphemeralToken 签发一个 token
func (c *Client) CreateEphemeralToken(ctx context.Context) (Token, error) {
	now := c.now()
	out := Token{
		Model:               c.config.Model,
		Uses:                c.config.Uses,
		ExpiresAt:           now.Add(c.config.TTL).UTC(),
		NewSessionExpiresAt: now.Add(c.config.NewSessionTTL).UTC(),
	}

	req := &genai.CreateAuthTokenConfig{
		ExpireTime:           out.ExpiresAt,
		NewSessionExpireTime: out.NewSessionExpiresAt,
		Uses:                 genai.Ptr(int32(c.config.Uses)),
	}
	if c.config.Model != "" {
		req.LiveConnectConstraints = &genai.LiveConnectConstraints{Model: c.config.Model}
	}

	tok, err := c.tokens.Create(ctx, req)
	if err != nil {
		c.metrics.RecordToken("error")
		return Token{}, fmt.Errorf("create auth token: %w", err)
	}
	if tok == nil || tok.Name == "" {
		c.metrics.RecordToken("error")
		return Token{}, errors.New("create auth token: empty token in response")
	}
	c.metrics.RecordToken("ok")

	out.Value = tok.Name
	return out, nil
}
