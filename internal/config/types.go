// Package config 统一配置管理
//
// 配置加载优先级（高→低）：
//  1. 环境变量（通过 .env 文件或 shell/systemd 注入）
//  2. YAML 配置文件（configs/{env}.yaml）
//  3. 代码硬编码默认值
//
// 凭据只来自环境变量（YAML 中不存储任何密钥）：
// DATABASE_URL、SLACK_BOT_TOKEN、SLACK_SIGNING_SECRET、GITHUB_WEBHOOK_SECRET、
// ANTHROPIC_API_KEY、MINIO_ACCESS_KEY、MINIO_SECRET_KEY。
package config

import (
	"time"

	"bugpilot/pkg/logging"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// Config 应用配置
type Config struct {
	Env      Environment    `yaml:"-"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Slack    SlackConfig    `yaml:"slack"`
	GitHub   GitHubConfig   `yaml:"github"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      logging.Config `yaml:"log"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ValidateRequests 是否按 api/openapi/bugpilot.yaml 校验请求体
	ValidateRequests bool `yaml:"validate_requests"`
}

// DatabaseConfig Case 存储配置
//
// Driver: postgres | sqlite | mongo。
// postgres / mongo 使用 URL（来自 DATABASE_URL）；sqlite 使用 Path。
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"-"`
	Path   string `yaml:"path"`
	Name   string `yaml:"name"` // mongo 数据库名
}

// RedisConfig Redis 配置；URL 为空时使用进程内实现
type RedisConfig struct {
	URL string `yaml:"url"`
}

// MinIOConfig 报告归档配置
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled 是否配置了 MinIO
func (m MinIOConfig) Enabled() bool {
	return m.Endpoint != "" && m.AccessKey != "" && m.SecretKey != ""
}

// SlackConfig Slack 集成配置
type SlackConfig struct {
	BotToken      string        `yaml:"-"`
	SigningSecret string        `yaml:"-"`
	Channel       string        `yaml:"channel"`
	APIBaseURL    string        `yaml:"api_base_url"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	MaxSkew       time.Duration `yaml:"max_skew"`
}

// Enabled 是否配置了 Slack 机器人
func (s SlackConfig) Enabled() bool {
	return s.BotToken != ""
}

// GitHubConfig GitHub webhook 配置
type GitHubConfig struct {
	WebhookSecret string `yaml:"-"`
	// AutoInvestigate issue opened 后自动排队调查
	AutoInvestigate bool `yaml:"auto_investigate"`
}

// LLMConfig 分析阶段使用的模型配置
type LLMConfig struct {
	APIKey    string        `yaml:"-"`
	Model     string        `yaml:"model"`
	MaxTokens int64         `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxConcurrent 单个阶段内并发模型调用上限
	MaxConcurrent int64 `yaml:"max_concurrent"`
}

// PipelineConfig 流水线配置
type PipelineConfig struct {
	EnablePatch bool `yaml:"enable_patch"`
	// StageTimeout 单阶段超时，0 表示不限制
	StageTimeout time.Duration `yaml:"stage_timeout"`
	// SourceRoot 代码与文档检索的本地目录，为空时对应阶段降级
	SourceRoot string `yaml:"source_root"`
	// LogsFile 日志分析读取的 YAML 日志文件，为空时日志阶段降级
	LogsFile string `yaml:"logs_file"`
}

// WorkerConfig 后台调查 worker 配置
type WorkerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Concurrency  int           `yaml:"concurrency"`
	QueueSize    int           `yaml:"queue_size"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}
