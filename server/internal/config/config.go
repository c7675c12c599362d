package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"talentbud/server/internal/model"
)

// Config 全局配置
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Agent       AgentConfig        `yaml:"agent"`
	Transport   TransportConfig    `yaml:"transport"`
	Persistence PersistenceConfig  `yaml:"persistence"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Auth        AuthConfig         `yaml:"auth"`
	Logging     LoggingConfig      `yaml:"logging"`
	Checkpoints []model.Checkpoint `yaml:"checkpoints"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// PublicURL 用于拼接签发给浏览器的会话流地址。
	PublicURL string `yaml:"public_url"`
}

// AgentConfig 第三方对话 Agent 配置
type AgentConfig struct {
	APIKey  string `yaml:"api_key"`
	AgentID string `yaml:"agent_id"`
	// BaseURL 用于签发 signed url，默认 https://api.elevenlabs.io
	BaseURL string `yaml:"base_url"`
	// SignedURL 非空时跳过签发，直接连接（本地联调用）。
	SignedURL string `yaml:"signed_url"`
}

// TransportConfig 语音传输与重连策略
type TransportConfig struct {
	// ReconnectAttempts 为 0 时取默认值 3，负数表示关闭自动重连。
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectTimeout  time.Duration `yaml:"reconnect_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
}

// PersistenceConfig 异步持久化的并发与重试策略
type PersistenceConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type DatabaseConfig struct {
	// URL 为空时使用内存存储。
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	// Addr 为空时不启用缓存。
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// Load 从文件加载配置，随后用环境变量覆盖敏感信息并补齐默认值。
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置内容。
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TALENTBUD_AGENT_API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("TALENTBUD_AGENT_ID"); v != "" {
		c.Agent.AgentID = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TALENTBUD_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Agent.BaseURL == "" {
		c.Agent.BaseURL = "https://api.elevenlabs.io"
	}
	if c.Transport.ReconnectAttempts < 0 {
		c.Transport.ReconnectAttempts = 0
	} else if c.Transport.ReconnectAttempts == 0 {
		c.Transport.ReconnectAttempts = 3
	}
	if c.Transport.ReconnectTimeout <= 0 {
		c.Transport.ReconnectTimeout = 10 * time.Second
	}
	if c.Transport.HandshakeTimeout <= 0 {
		c.Transport.HandshakeTimeout = 15 * time.Second
	}
	if c.Transport.PingInterval <= 0 {
		c.Transport.PingInterval = 30 * time.Second
	}
	if c.Persistence.Workers <= 0 {
		c.Persistence.Workers = 4
	}
	if c.Persistence.QueueSize <= 0 {
		c.Persistence.QueueSize = 256
	}
	if c.Persistence.CallTimeout <= 0 {
		c.Persistence.CallTimeout = 10 * time.Second
	}
	if c.Persistence.RetryAttempts <= 0 {
		c.Persistence.RetryAttempts = 1
	}
	if c.Persistence.RetryBackoff <= 0 {
		c.Persistence.RetryBackoff = 200 * time.Millisecond
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = time.Hour
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 30 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Agent.SignedURL == "" {
		if c.Agent.APIKey == "" {
			return errors.New("agent api key is required (set TALENTBUD_AGENT_API_KEY env var or config)")
		}
		if c.Agent.AgentID == "" {
			return errors.New("agent.agent_id is required")
		}
	}
	if len(c.Auth.JWTSecret) < 16 {
		return errors.New("auth.jwt_secret must be at least 16 bytes (set TALENTBUD_JWT_SECRET)")
	}
	return nil
}

// Addr 返回 HTTP 监听地址。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
