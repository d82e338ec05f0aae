package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"homework-live/server/internal/orchestrator"
	"homework-live/server/internal/realtime"
	"homework-live/server/internal/transport"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	History HistoryConfig `yaml:"history"`
	Live    LiveConfig    `yaml:"live"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// PublicURL 浏览器打开会话页面的地址（二维码内容），默认 http://<host>:<port>
	PublicURL string `yaml:"public_url"`
}

// BackendConfig 作业辅导 Agent 后端
type BackendConfig struct {
	// WSURL 会话通道地址，连接 <ws_url>/ws/<session_id>
	WSURL string `yaml:"ws_url"`
	// HTTPURL 图片等 HTTP 资源地址
	HTTPURL        string        `yaml:"http_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	OutboxSize     int           `yaml:"outbox_size"`
}

type AudioConfig struct {
	CaptureSampleRate  int           `yaml:"capture_sample_rate"`
	PlaybackSampleRate int           `yaml:"playback_sample_rate"`
	BlockSize          int           `yaml:"block_size"`
	ClipThreshold      float64       `yaml:"clip_threshold"`
	LevelGain          float64       `yaml:"level_gain"`
	OutputBuffer       time.Duration `yaml:"output_buffer"`
	DumpDir            string        `yaml:"dump_dir"`
}

type SessionConfig struct {
	// InterruptionPolicy retain | clear
	InterruptionPolicy string        `yaml:"interruption_policy"`
	InterruptGrace     time.Duration `yaml:"interrupt_grace"`
	StatusClearDelay   time.Duration `yaml:"status_clear_delay"`
	EventQueueSize     int           `yaml:"event_queue_size"`
}

type HistoryConfig struct {
	// Store memory | sqlite
	Store string `yaml:"store"`
	Path  string `yaml:"path"`
}

// LiveConfig Live API ephemeral token
type LiveConfig struct {
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	TokenUses     int           `yaml:"token_uses"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	NewSessionTTL time.Duration `yaml:"new_session_ttl"`
}

type LoggingConfig struct {
	// Output stderr 或文件路径
	Output     string `yaml:"output"`
	PrefixTime bool   `yaml:"prefix_time"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8090,
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
		Backend: BackendConfig{
			WSURL:          "ws://localhost:8000",
			HTTPURL:        "http://localhost:8000",
			ConnectTimeout: 10 * time.Second,
			PingInterval:   30 * time.Second,
			WriteTimeout:   5 * time.Second,
			OutboxSize:     256,
		},
		Audio: AudioConfig{
			CaptureSampleRate:  16000,
			PlaybackSampleRate: 24000,
			BlockSize:          4096,
			ClipThreshold:      0.98,
			LevelGain:          5,
			OutputBuffer:       50 * time.Millisecond,
		},
		Session: SessionConfig{
			InterruptionPolicy: string(orchestrator.PolicyRetain),
			InterruptGrace:     300 * time.Millisecond,
			StatusClearDelay:   3 * time.Second,
			EventQueueSize:     100,
		},
		History: HistoryConfig{Store: "memory", Path: "homework-live.db"},
		Live: LiveConfig{
			TokenUses:     1,
			TokenTTL:      30 * time.Minute,
			NewSessionTTL: time.Minute,
		},
		Logging: LoggingConfig{Output: "stderr", PrefixTime: true},
	}
}

// Load 加载 .env 与配置文件；path 为空时只用默认值和环境变量
func Load(path string) (*Config, error) {
	// .env 不存在不是错误
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		fmt.Printf("📋 Loading config from: %s\n", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖敏感信息与常改项
func (c *Config) applyEnv() {
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		fmt.Printf("🔑 Using GEMINI_API_KEY from environment variable\n")
		c.Live.APIKey = apiKey
	}
	if model := os.Getenv("GEMINI_LIVE_MODEL"); model != "" {
		c.Live.Model = model
	}
	if backend := os.Getenv("HOMEWORK_BACKEND_URL"); backend != "" {
		fmt.Printf("🌐 Using HOMEWORK_BACKEND_URL from environment: %s\n", backend)
		c.Backend.HTTPURL = backend
		c.Backend.WSURL = wsURLFor(backend)
	}
}

// wsURLFor http(s)://host -> ws(s)://host
func wsURLFor(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if u, err := url.Parse(c.Backend.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("backend.ws_url must be a ws:// or wss:// URL, got %q", c.Backend.WSURL))
	}
	if c.Audio.CaptureSampleRate <= 0 || c.Audio.PlaybackSampleRate <= 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if c.Audio.ClipThreshold <= 0 || c.Audio.ClipThreshold > 1 {
		errs = append(errs, fmt.Errorf("audio.clip_threshold %.2f must be in (0, 1]", c.Audio.ClipThreshold))
	}
	if _, err := orchestrator.ParseInterruptionPolicy(c.Session.InterruptionPolicy); err != nil {
		errs = append(errs, fmt.Errorf("session.interruption_policy: %w", err))
	}
	switch c.History.Store {
	case "memory":
	case "sqlite":
		if c.History.Path == "" {
			errs = append(errs, errors.New("history.path is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("history.store must be memory or sqlite, got %q", c.History.Store))
	}
	return errors.Join(errs...)
}

// Addr 监听地址
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ViewURL 浏览器查看某个会话的地址
func (c *Config) ViewURL(sessionID string) string {
	base := c.Server.PublicURL
	if base == "" {
		base = "http://" + c.Addr()
	}
	return strings.TrimRight(base, "/") + "/?session=" + url.QueryEscape(sessionID)
}

// Transport 传输客户端配置
func (c *Config) Transport() transport.Config {
	return transport.Config{
		ConnectTimeout:     c.Backend.ConnectTimeout,
		PingInterval:       c.Backend.PingInterval,
		WriteTimeout:       c.Backend.WriteTimeout,
		OutboxSize:         c.Backend.OutboxSize,
		CaptureSampleRate:  c.Audio.CaptureSampleRate,
		PlaybackSampleRate: c.Audio.PlaybackSampleRate,
		BlockSize:          c.Audio.BlockSize,
		LevelGain:          c.Audio.LevelGain,
		DumpDir:            c.Audio.DumpDir,
	}
}

// Controller 会话配置
func (c *Config) Controller(sessionID string) orchestrator.ControllerConfig {
	policy, _ := orchestrator.ParseInterruptionPolicy(c.Session.InterruptionPolicy)
	return orchestrator.ControllerConfig{
		SessionID:          sessionID,
		Endpoint:           c.Backend.WSURL,
		ImageBaseURL:       c.Backend.HTTPURL,
		InterruptionPolicy: policy,
		InterruptGrace:     c.Session.InterruptGrace,
		StatusClearDelay:   c.Session.StatusClearDelay,
		QueueSize:          c.Session.EventQueueSize,
	}
}

// Realtime Live token 签发配置
func (c *Config) Realtime() realtime.Config {
	return realtime.Config{
		APIKey:        c.Live.APIKey,
		Model:         c.Live.Model,
		Uses:          c.Live.TokenUses,
		TTL:           c.Live.TokenTTL,
		NewSessionTTL: c.Live.NewSessionTTL,
	}
}
