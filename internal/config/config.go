package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bugpilot/pkg/logging"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 环境变量覆盖，填充默认值
func Load() (*Config, error) {
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	env := parseEnv(getEnv("APP_ENV", "dev"))
	cfg := defaults()
	cfg.Env = env

	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
			break
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile 从指定 YAML 文件加载（CLI --config 使用），同样应用环境变量覆盖
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := defaults()
	cfg.Env = parseEnv(getEnv("APP_ENV", "dev"))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             "8080",
			ReadTimeout:      15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			ValidateRequests: true,
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "bugpilot.db", Name: "bugpilot"},
		MinIO:    MinIOConfig{Bucket: "bugpilot-reports"},
		Slack: SlackConfig{
			APIBaseURL:    "https://slack.com/api",
			RatePerSecond: 1,
			MaxSkew:       5 * time.Minute,
		},
		LLM: LLMConfig{
			Model:         "claude-sonnet-4-5",
			MaxTokens:     4096,
			Timeout:       2 * time.Minute,
			MaxConcurrent: 3,
		},
		Worker: WorkerConfig{Concurrency: 2, QueueSize: 64, BlockTimeout: 5 * time.Second},
		Log:    defaultLog(),
	}
}

func defaultLog() logging.Config {
	return logging.Config{Level: "info", Format: "text", Output: "stdout"}
}

// applyEnv 环境变量覆盖
func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Database.Driver = getEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.Path = getEnv("SQLITE_PATH", c.Database.Path)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", c.MinIO.AccessKey)
	c.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", c.MinIO.SecretKey)
	c.Slack.BotToken = getEnv("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.SigningSecret = getEnv("SLACK_SIGNING_SECRET", c.Slack.SigningSecret)
	c.Slack.Channel = getEnv("SLACK_CHANNEL", c.Slack.Channel)
	c.GitHub.WebhookSecret = getEnv("GITHUB_WEBHOOK_SECRET", c.GitHub.WebhookSecret)
	c.LLM.APIKey = getEnv("ANTHROPIC_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getEnv("ANTHROPIC_MODEL", c.LLM.Model)
	c.Pipeline.SourceRoot = getEnv("BUGPILOT_SOURCE_ROOT", c.Pipeline.SourceRoot)
	c.Pipeline.LogsFile = getEnv("BUGPILOT_LOGS_FILE", c.Pipeline.LogsFile)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	if v, ok := os.LookupEnv("ENABLE_PATCH"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Pipeline.EnablePatch = b
		}
	}
}

// validate 校验并填充默认值
func (c *Config) validate() error {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql", "pgx", "mongo", "mongodb":
		if c.Database.URL == "" {
			return fmt.Errorf("database driver %q requires DATABASE_URL", c.Database.Driver)
		}
	case "sqlite", "sqlite3":
		if c.Database.Path == "" {
			c.Database.Path = "bugpilot.db"
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Name == "" {
		c.Database.Name = "bugpilot"
	}
	if c.Slack.RatePerSecond <= 0 {
		c.Slack.RatePerSecond = 1
	}
	if c.Slack.MaxSkew <= 0 {
		c.Slack.MaxSkew = 5 * time.Minute
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.MaxConcurrent <= 0 {
		c.LLM.MaxConcurrent = 1
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 64
	}
	if c.Worker.BlockTimeout <= 0 {
		c.Worker.BlockTimeout = 5 * time.Second
	}
	return nil
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码与密钥）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, DB: %s %s, Redis: %s, Slack: %t, LLM: %s (key %s), Patch: %t}",
		c.Env, c.Database.Driver, maskPassword(c.Database.URL), maskPassword(c.Redis.URL),
		c.Slack.Enabled(), c.LLM.Model, maskSecret(c.LLM.APIKey), c.Pipeline.EnablePatch)
}

// maskPassword 隐藏 URL 中的密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:/@]*:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// maskSecret 只保留末 4 位
func maskSecret(s string) string {
	if s == "" {
		return "<unset>"
	}
	if len(s) <= 4 {
		return "***"
	}
	return "***" + s[len(s)-4:]
}
