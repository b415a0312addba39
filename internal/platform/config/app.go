package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel   string           `json:"log_level"`
	LogFormat  string           `json:"log_format"`
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Cache      CacheConfig      `json:"cache"`
	OpenRouter OpenRouterConfig `json:"openrouter"`
	Search     SearchConfig     `json:"search"`
	Tavily     TavilyConfig     `json:"tavily"`
	Structure  StructureConfig  `json:"structure"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	RunTimeoutSeconds   int    `json:"run_timeout_seconds"` // 查询处理超时（同步/流式）
	HeartbeatSeconds    int    `json:"heartbeat_seconds"`   // SSE 心跳间隔
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// RedisConfig 共享缓存层配置。URL 为空时仅使用进程内缓存。
type RedisConfig struct {
	URL string `json:"url"`
}

type CacheConfig struct {
	DefaultTTLSeconds      int `json:"default_ttl_seconds"`
	StepRetentionSeconds   int `json:"step_retention_seconds"`
	SweepIntervalSeconds   int `json:"sweep_interval_seconds"`
	FreshnessWindowSeconds int `json:"freshness_window_seconds"`
	SharedTTLSeconds       int `json:"shared_ttl_seconds"`
}

// OpenRouterConfig 搜索和结构化供应商共用的 OpenRouter 网关凭证。
type OpenRouterConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

type SearchConfig struct {
	Model               string `json:"model"`
	MaxRetries          int    `json:"max_retries"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
	RetryBackoffSeconds int    `json:"retry_backoff_seconds"`
}

type TavilyConfig struct {
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type StructureConfig struct {
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 600, // SSE 需要较长写超时
			RunTimeoutSeconds:   240,
			HeartbeatSeconds:    30,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           25,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 300,
		},
		Cache: CacheConfig{
			DefaultTTLSeconds:      1800,
			StepRetentionSeconds:   600,
			SweepIntervalSeconds:   300,
			FreshnessWindowSeconds: 3600,
			SharedTTLSeconds:       1800,
		},
		OpenRouter: OpenRouterConfig{
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Search: SearchConfig{
			Model:               "perplexity/sonar-pro",
			MaxRetries:          3,
			TimeoutSeconds:      180,
			RetryBackoffSeconds: 2,
		},
		Tavily: TavilyConfig{
			BaseURL:        "https://api.tavily.com",
			TimeoutSeconds: 90,
		},
		Structure: StructureConfig{
			Model:          "google/gemini-2.5-flash",
			TimeoutSeconds: 180,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	// .env 非必需，加载失败直接忽略
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("SERVER_RUN_TIMEOUT", &c.Server.RunTimeoutSeconds)
	applyInt("SERVER_SSE_HEARTBEAT", &c.Server.HeartbeatSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyInt("CACHE_DEFAULT_TTL", &c.Cache.DefaultTTLSeconds)
	applyInt("CACHE_STEP_RETENTION", &c.Cache.StepRetentionSeconds)
	applyInt("CACHE_SWEEP_INTERVAL", &c.Cache.SweepIntervalSeconds)
	applyInt("CACHE_FRESHNESS_WINDOW", &c.Cache.FreshnessWindowSeconds)
	applyInt("CACHE_SHARED_TTL", &c.Cache.SharedTTLSeconds)

	applyString("OPENROUTER_API_KEY", &c.OpenRouter.APIKey)
	applyString("OPENROUTER_BASE_URL", &c.OpenRouter.BaseURL)

	applyString("SEARCH_MODEL", &c.Search.Model)
	applyInt("SEARCH_MAX_RETRIES", &c.Search.MaxRetries)
	applyInt("SEARCH_TIMEOUT", &c.Search.TimeoutSeconds)
	applyInt("SEARCH_RETRY_BACKOFF", &c.Search.RetryBackoffSeconds)

	applyString("TAVILY_API_KEY", &c.Tavily.APIKey)
	applyString("TAVILY_BASE_URL", &c.Tavily.BaseURL)
	applyInt("TAVILY_TIMEOUT", &c.Tavily.TimeoutSeconds)

	applyString("STRUCTURE_MODEL", &c.Structure.Model)
	applyInt("STRUCTURE_TIMEOUT", &c.Structure.TimeoutSeconds)
}

func (c *AppConfig) normalize() {
	if c.OpenRouter.BaseURL == "" {
		c.OpenRouter.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Tavily.BaseURL == "" {
		c.Tavily.BaseURL = "https://api.tavily.com"
	}
	if c.Search.MaxRetries <= 0 {
		c.Search.MaxRetries = 3
	}
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}
