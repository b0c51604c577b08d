package stages

import (
	"context"
	"fmt"
	"unicode/utf8"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/model"
)

// Deps 各阶段共享的依赖；任一字段为 nil 时对应阶段退化运行
type Deps struct {
	LLM       LLM
	Code      CodeSearcher
	Docs      DocSearcher
	Logs      LogSource
	Publisher PRPublisher
	// MaxConcurrent 阶段内并发检索上限
	MaxConcurrent int64
}

// Build 按流水线顺序构造全部阶段
func Build(d Deps) []investigation.Stage {
	if d.MaxConcurrent <= 0 {
		d.MaxConcurrent = 3
	}
	if d.Publisher == nil {
		d.Publisher = DryRunPublisher{}
	}
	return []investigation.Stage{
		&Triage{LLM: d.LLM},
		&Search{LLM: d.LLM, Code: d.Code, MaxConcurrent: d.MaxConcurrent},
		&Docs{LLM: d.LLM, Docs: d.Docs},
		&Logs{LLM: d.LLM, Source: d.Logs},
		&Patch{LLM: d.LLM, Publisher: d.Publisher},
	}
}

// degrade 以 error + complete 结束阶段并返回降级结果
//
// ctx 已取消时直接返回取消错误，由流水线按取消处理。
func degrade(ctx context.Context, ev investigation.Events, step string, cause error, result any) (any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	_ = ev.Error(step, cause.Error(), result)
	_ = ev.Complete(fmt.Sprintf("%s finished with errors", ev.Agent))
	return result, nil
}

// finish 以 result + complete 结束阶段
func finish(ev investigation.Events, msg string, result any) (any, error) {
	_ = ev.Result("complete", msg, result)
	_ = ev.Complete(fmt.Sprintf("%s complete", ev.Agent))
	return result, nil
}

// truncate 按字节截断，退到 rune 边界
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func issueContext(issue model.Issue) string {
	body := issue.Body
	if body == "" {
		body = "(no description provided)"
	}
	s := fmt.Sprintf("Issue Title: %s\n\nIssue Body:\n%s\n", issue.Title, body)
	if issue.Repo != "" {
		s += fmt.Sprintf("\nRepository: %s\n", issue.Repo)
	}
	return s
}
