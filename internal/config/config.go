package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Security   SecurityConfig   `mapstructure:"security"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
	Automation AutomationConfig `mapstructure:"automation"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MiddlewareTimeout time.Duration `mapstructure:"middleware_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`

	// AutoMigrate applies pending migrations from MigrationsSource at startup
	AutoMigrate      bool   `mapstructure:"auto_migrate"`
	MigrationsSource string `mapstructure:"migrations_source"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type LLMConfig struct {
	DefaultProvider  string          `mapstructure:"default_provider"`
	ResponderTimeout time.Duration   `mapstructure:"responder_timeout"`
	OpenAI           OpenAIConfig    `mapstructure:"openai"`
	Anthropic        AnthropicConfig `mapstructure:"anthropic"`
	Ollama           OllamaConfig    `mapstructure:"ollama"`
	DeepSeek         DeepSeekConfig  `mapstructure:"deepseek"`
	Gemini           GeminiConfig    `mapstructure:"gemini"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type OllamaConfig struct {
	Host         string `mapstructure:"host"`
	DefaultModel string `mapstructure:"default_model"`
}

type DeepSeekConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type SecurityConfig struct {
	EncryptionKey string          `mapstructure:"encryption_key"`
	RateLimit     RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// RealtimeConfig tunes live sessions and their heartbeat
type RealtimeConfig struct {
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	PongTimeout          time.Duration `mapstructure:"pong_timeout"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	MaxSessionsPerUser   int           `mapstructure:"max_sessions_per_user"`
	SendBuffer           int           `mapstructure:"send_buffer"`
	MaxMessageBytes      int64         `mapstructure:"max_message_bytes"`
	ConnectRatePerMinute int           `mapstructure:"connect_rate_per_minute"`
}

// AutomationConfig tunes funnels, the scheduler and responders
type AutomationConfig struct {
	SchedulerSpec        string        `mapstructure:"scheduler_spec"`
	SchedulerBatch       int           `mapstructure:"scheduler_batch"`
	MaxStepsPerRun       int           `mapstructure:"max_steps_per_run"`
	MaxResponseDelay     time.Duration `mapstructure:"max_response_delay"`
	DefaultConditionWait time.Duration `mapstructure:"default_condition_wait"`
}

type WebhookConfig struct {
	VerifyToken        string        `mapstructure:"verify_token"`
	FacebookAppSecret  string        `mapstructure:"facebook_app_secret"`
	InstagramAppSecret string        `mapstructure:"instagram_app_secret"`
	RequestsPerMinute  int           `mapstructure:"requests_per_minute"`
	EventTimeout       time.Duration `mapstructure:"event_timeout"`
}

// AppSecret returns the signing secret for a platform
func (c WebhookConfig) AppSecret(platform string) string {
	switch platform {
	case "facebook":
		return c.FacebookAppSecret
	case "instagram":
		return c.InstagramAppSecret
	}
	return ""
}

type LoggingConfig struct {
	Level        string        `mapstructure:"level"`
	Format       string        `mapstructure:"format"`
	File         string        `mapstructure:"file"`
	RotationTime time.Duration `mapstructure:"rotation_time"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./configs/config.yaml"
	}

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.AutomaticEnv()
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.middleware_timeout", "60s")

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "inbox")
	v.SetDefault("database.database", "inbox")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.migrations_source", "file://migrations")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// Auth
	v.SetDefault("auth.issuer", "social-inbox")
	v.SetDefault("auth.access_token_ttl", "15m")

	// LLM
	v.SetDefault("llm.default_provider", "openai")
	v.SetDefault("llm.responder_timeout", "30s")
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.anthropic.model", "claude-3-haiku-20240307")
	v.SetDefault("llm.ollama.default_model", "llama3")
	v.SetDefault("llm.deepseek.model", "deepseek-chat")
	v.SetDefault("llm.gemini.model", "gemini-2.5-flash")

	// Security
	v.SetDefault("security.rate_limit.requests_per_minute", 60)
	v.SetDefault("security.rate_limit.burst", 10)

	// Realtime
	v.SetDefault("realtime.ping_interval", "15s")
	v.SetDefault("realtime.pong_timeout", "5s")
	v.SetDefault("realtime.write_timeout", "10s")
	v.SetDefault("realtime.max_sessions_per_user", 8)
	v.SetDefault("realtime.send_buffer", 64)
	v.SetDefault("realtime.max_message_bytes", 64*1024)
	v.SetDefault("realtime.connect_rate_per_minute", 30)

	// Automation
	v.SetDefault("automation.scheduler_spec", "@every 5s")
	v.SetDefault("automation.scheduler_batch", 100)
	v.SetDefault("automation.max_steps_per_run", 32)
	v.SetDefault("automation.max_response_delay", "30s")
	v.SetDefault("automation.default_condition_wait", "24h")

	// Webhook
	v.SetDefault("webhook.requests_per_minute", 600)
	v.SetDefault("webhook.event_timeout", "45s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.rotation_time", "24h")
	v.SetDefault("logging.max_age", "168h")

	// Metrics
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// envBindings maps config keys to the environment names deployments use
var envBindings = map[string]string{
	"database.host":                "POSTGRES_HOST",
	"database.password":            "POSTGRES_PASSWORD",
	"redis.host":                   "REDIS_HOST",
	"redis.password":               "REDIS_PASSWORD",
	"server.port":                  "SERVER_PORT",
	"auth.jwt_secret":              "JWT_SECRET",
	"security.encryption_key":      "ENCRYPTION_KEY",
	"llm.openai.api_key":           "OPENAI_API_KEY",
	"llm.anthropic.api_key":        "ANTHROPIC_API_KEY",
	"llm.deepseek.api_key":         "DEEPSEEK_API_KEY",
	"llm.gemini.api_key":           "GEMINI_API_KEY",
	"llm.ollama.host":              "OLLAMA_HOST",
	"webhook.verify_token":         "WEBHOOK_VERIFY_TOKEN",
	"webhook.facebook_app_secret":  "FACEBOOK_APP_SECRET",
	"webhook.instagram_app_secret": "INSTAGRAM_APP_SECRET",
}

func bindEnvVars(v *viper.Viper) {
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}

// Validate checks the settings the server cannot start without. The migrate
// command skips it since it only needs the database section.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("security.encryption_key is required"))
	}
	if c.Realtime.PingInterval <= 0 {
		errs = append(errs, errors.New("realtime.ping_interval must be positive"))
	}
	if c.Realtime.PongTimeout <= 0 || c.Realtime.PongTimeout >= c.Realtime.PingInterval {
		errs = append(errs, fmt.Errorf("realtime.pong_timeout must be positive and below ping_interval (%s)", c.Realtime.PingInterval))
	}
	if c.Realtime.MaxSessionsPerUser <= 0 {
		errs = append(errs, errors.New("realtime.max_sessions_per_user must be positive"))
	}
	if c.Automation.MaxStepsPerRun <= 0 {
		errs = append(errs, errors.New("automation.max_steps_per_run must be positive"))
	}
	return errors.Join(errs...)
}
