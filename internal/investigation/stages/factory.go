package stages

import (
	"errors"
	"fmt"

	"bugpilot/internal/config"
	"bugpilot/internal/investigation"
	"bugpilot/pkg/logging"
)

// FromConfig 按配置组装阶段依赖
//
// offline 为 true 或未配置 API Key 时不创建模型客户端，各阶段走启发式分支。
func FromConfig(cfg *config.Config, offline bool, logger *logging.Logger) (Deps, error) {
	if logger == nil {
		logger = logging.Default("stages")
	}
	deps := Deps{MaxConcurrent: cfg.LLM.MaxConcurrent}

	if !offline {
		llm, err := NewAnthropicLLM(AnthropicConfig{
			APIKey:        cfg.LLM.APIKey,
			Model:         cfg.LLM.Model,
			MaxTokens:     cfg.LLM.MaxTokens,
			Timeout:       cfg.LLM.Timeout,
			MaxConcurrent: cfg.LLM.MaxConcurrent,
			MaxRetries:    2,
		})
		switch {
		case errors.Is(err, ErrNoAPIKey):
			logger.Warn("no model api key, stages run heuristically")
		case err != nil:
			return Deps{}, fmt.Errorf("create llm client: %w", err)
		default:
			deps.LLM = llm
			logger.Info("model client ready", "model", llm.Model())
		}
	}

	if cfg.Pipeline.SourceRoot != "" {
		dir := NewDirSearcher(cfg.Pipeline.SourceRoot)
		deps.Code = dir
		deps.Docs = dir
	}
	if cfg.Pipeline.LogsFile != "" {
		logs, err := LoadLogsFile(cfg.Pipeline.LogsFile)
		if err != nil {
			return Deps{}, fmt.Errorf("load logs: %w", err)
		}
		deps.Logs = logs
	}
	return deps, nil
}

// NewPipeline 按配置创建完整流水线
func NewPipeline(cfg *config.Config, offline bool, opts ...investigation.Option) (*investigation.Pipeline, error) {
	deps, err := FromConfig(cfg, offline, nil)
	if err != nil {
		return nil, err
	}
	return investigation.New(investigation.Config{
		EnablePatch:  cfg.Pipeline.EnablePatch,
		StageTimeout: cfg.Pipeline.StageTimeout,
	}, Build(deps), opts...)
}
