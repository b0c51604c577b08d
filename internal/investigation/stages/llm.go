// Package stages 各分析阶段的实现
//
// 每个阶段由可选的模型客户端（LLM）与数据源（Backend）组合而成：
// 配置了模型时由模型完成推理，未配置时退化为关键词启发式，保证离线可运行。
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
)

// LLM 模型客户端
type LLM interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ErrNoAPIKey 未配置 API Key
var ErrNoAPIKey = errors.New("ANTHROPIC_API_KEY not set")

// ErrNoJSON 模型回复中找不到 JSON 对象
var ErrNoJSON = errors.New("no JSON object in model reply")

// AnthropicConfig Anthropic 客户端配置
type AnthropicConfig struct {
	APIKey        string
	Model         string
	MaxTokens     int64
	Timeout       time.Duration
	MaxConcurrent int64
	MaxRetries    int
}

// AnthropicLLM 基于 anthropic-sdk-go 的 LLM 实现
type AnthropicLLM struct {
	client     *anthropic.Client
	model      string
	maxTokens  int64
	timeout    time.Duration
	maxRetries int
	sem        *semaphore.Weighted
}

var _ LLM = (*AnthropicLLM)(nil)

// NewAnthropicLLM 创建客户端；APIKey 为空时读取 ANTHROPIC_API_KEY
func NewAnthropicLLM(cfg AnthropicConfig) (*AnthropicLLM, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, ErrNoAPIKey
		}
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicLLM{
		client:     &client,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
	}, nil
}

// Model 返回使用的模型名
func (a *AnthropicLLM) Model() string { return a.model }

// Complete 发送一次对话并返回全部文本块拼接结果
//
// 并发调用数受 MaxConcurrent 限制；失败按指数退避重试 MaxRetries 次。
func (a *AnthropicLLM) Complete(ctx context.Context, system, prompt string) (string, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer a.sem.Release(1)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		resp, err := a.client.Messages.New(callCtx, params)
		cancel()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Printf("[LLM] attempt %d failed: %v", attempt+1, err)
			continue
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		log.Printf("[LLM] call: input=%d tokens, output=%d tokens, duration=%v",
			resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start))
		return text.String(), nil
	}
	return "", fmt.Errorf("anthropic API call failed: %w", lastErr)
}

// StripFences 去掉模型回复外层的 ``` 代码块围栏
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	if j := strings.LastIndex(s, "```"); j >= 0 {
		s = s[:j]
	}
	return strings.TrimSpace(s)
}

// ParseJSON 从模型回复中解析 JSON 对象
//
// 先去围栏直接解析；失败时截取第一个 '{' 到最后一个 '}' 之间的内容再试一次。
func ParseJSON(raw string, v any) error {
	s := StripFences(raw)
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("%w (len=%d)", ErrNoJSON, len(raw))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return nil
}
