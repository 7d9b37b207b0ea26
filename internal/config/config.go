package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig
	RateLimit RateLimitConfig
	DB        DBConfig
	Redis     RedisConfig
	JWT       JWTConfig
	LLM       LLMConfig
	Quota     QuotaConfig
	Chat      ChatConfig
	NATS      NATSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	CORSAllowedOrigins []string
}

// RateLimitConfig throttles the public auth endpoints per client IP.
type RateLimitConfig struct {
	MaxRequests   int
	WindowSeconds int
}

type DBConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Name           string
	SSLMode        string
	MaxConns       int32
	MigrationsPath string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

// LLMConfig describes the upstream completion endpoint.
type LLMConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

// QuotaConfig holds the per-user daily limits and the day-boundary timezone.
// The timezone is fixed in config so counters roll over at the same instant
// on every deployment, regardless of host-local time.
type QuotaConfig struct {
	DailyRequestLimit int
	TokenQuotaPerUser int
	Timezone          string
	BurstPerMinute    int
	StrictAuth        bool

	Location *time.Location
}

type ChatConfig struct {
	HistoryWindow int
	CacheTTL      time.Duration
}

type NATSConfig struct {
	URL string
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(".env"), dotenv.Parser())

	// Load environment variables (override .env)
	err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: k.String("server.host"),
			Port: k.Int("server.port"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests:   k.Int("auth.ratelimit.max"),
			WindowSeconds: k.Int("auth.ratelimit.window.seconds"),
		},
		DB: DBConfig{
			Host:           k.String("db.host"),
			Port:           k.Int("db.port"),
			User:           k.String("db.user"),
			Password:       k.String("db.password"),
			Name:           k.String("db.name"),
			SSLMode:        k.String("db.sslmode"),
			MaxConns:       int32(k.Int("db.max.conns")),
			MigrationsPath: k.String("db.migrations.path"),
		},
		Redis: RedisConfig{
			Host:     k.String("redis.host"),
			Port:     k.Int("redis.port"),
			Password: k.String("redis.password"),
			DB:       k.Int("redis.db"),
		},
		JWT: JWTConfig{
			AccessSecret:  k.String("jwt.access.secret"),
			RefreshSecret: k.String("jwt.refresh.secret"),
		},
		LLM: LLMConfig{
			APIKey:    k.String("llm.api.key"),
			BaseURL:   k.String("llm.api.url"),
			Model:     k.String("llm.model"),
			MaxTokens: int64(k.Int("llm.max.tokens")),
		},
		Quota: QuotaConfig{
			DailyRequestLimit: k.Int("daily.request.limit"),
			TokenQuotaPerUser: k.Int("token.quota.per.user"),
			Timezone:          k.String("quota.timezone"),
			BurstPerMinute:    k.Int("quota.burst.per.minute"),
			StrictAuth:        k.Bool("quota.strict.auth"),
		},
		Chat: ChatConfig{
			HistoryWindow: k.Int("chat.history.window"),
		},
		NATS: NATSConfig{
			URL: k.String("nats.url"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
	}

	// Apply defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if origins := k.String("cors.allowed.origins"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Server.CORSAllowedOrigins = append(cfg.Server.CORSAllowedOrigins, o)
			}
		}
	}
	if cfg.RateLimit.MaxRequests == 0 {
		cfg.RateLimit.MaxRequests = 10
	}
	if cfg.RateLimit.WindowSeconds == 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.DB.Host == "" {
		cfg.DB.Host = "localhost"
	}
	if cfg.DB.Port == 0 {
		cfg.DB.Port = 5432
	}
	if cfg.DB.User == "" {
		cfg.DB.User = "aitutor"
	}
	if cfg.DB.Name == "" {
		cfg.DB.Name = "aitutor"
	}
	if cfg.DB.SSLMode == "" {
		cfg.DB.SSLMode = "disable"
	}
	if cfg.DB.MaxConns == 0 {
		cfg.DB.MaxConns = 25
	}
	if cfg.DB.MigrationsPath == "" {
		cfg.DB.MigrationsPath = "migrations"
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "LLama-3.3-70B-Instruct"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 800
	}
	if cfg.Quota.DailyRequestLimit == 0 {
		cfg.Quota.DailyRequestLimit = 100
	}
	if cfg.Quota.TokenQuotaPerUser == 0 {
		cfg.Quota.TokenQuotaPerUser = 10000
	}
	if cfg.Quota.Timezone == "" {
		cfg.Quota.Timezone = "UTC"
	}
	if cfg.Quota.BurstPerMinute == 0 {
		cfg.Quota.BurstPerMinute = 20
	}
	if cfg.Chat.HistoryWindow == 0 {
		cfg.Chat.HistoryWindow = 8
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "debug"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	// Parse durations
	accessExpStr := k.String("jwt.access.expiry")
	if accessExpStr == "" {
		accessExpStr = "15m"
	}
	cfg.JWT.AccessExpiry, err = time.ParseDuration(accessExpStr)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt access expiry: %w", err)
	}

	refreshExpStr := k.String("jwt.refresh.expiry")
	if refreshExpStr == "" {
		refreshExpStr = "168h"
	}
	cfg.JWT.RefreshExpiry, err = time.ParseDuration(refreshExpStr)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt refresh expiry: %w", err)
	}

	llmTimeoutStr := k.String("llm.timeout")
	if llmTimeoutStr == "" {
		llmTimeoutStr = "120s"
	}
	cfg.LLM.Timeout, err = time.ParseDuration(llmTimeoutStr)
	if err != nil {
		return nil, fmt.Errorf("parsing llm timeout: %w", err)
	}

	cacheTTLStr := k.String("chat.cache.ttl")
	if cacheTTLStr == "" {
		cacheTTLStr = "1h"
	}
	cfg.Chat.CacheTTL, err = time.ParseDuration(cacheTTLStr)
	if err != nil {
		return nil, fmt.Errorf("parsing chat cache ttl: %w", err)
	}

	cfg.Quota.Location, err = time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading quota timezone %q: %w", cfg.Quota.Timezone, err)
	}

	return cfg, nil
}
