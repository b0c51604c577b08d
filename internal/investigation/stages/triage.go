package stages

import (
	"context"
	"fmt"
	"strings"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/model"
)

const triageSystemPrompt = `You are a senior software triage engineer. Analyze the GitHub issue and return ONLY a JSON object:
{"severity": "critical|high|medium|low", "likely_module": "string", "is_duplicate": false, "duplicate_of": "", "summary": "max 5 lines, plain text"}`

// Triage 分诊阶段：判断严重程度、可能的模块与是否重复
type Triage struct {
	LLM LLM
}

// Name 实现 investigation.Stage
func (t *Triage) Name() model.Agent { return model.AgentTriage }

// Run 实现 investigation.Stage
func (t *Triage) Run(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
	ev := investigation.For(model.AgentTriage, emit)
	_ = ev.Status("starting", "Triage agent analyzing issue")

	if t.LLM == nil {
		_ = ev.Log("heuristic", "No model configured, using keyword triage")
		res := heuristicTriage(in.Issue)
		return finish(ev, triageMessage(res), res)
	}

	_ = ev.Progress("classify", "Asking model to classify the issue", nil)
	raw, err := t.LLM.Complete(ctx, triageSystemPrompt, issueContext(in.Issue))
	if err != nil {
		return degrade(ctx, ev, "classify", fmt.Errorf("model call failed: %w", err), heuristicTriage(in.Issue))
	}
	var res model.TriageResult
	if err := ParseJSON(raw, &res); err != nil {
		return degrade(ctx, ev, "parse", err, heuristicTriage(in.Issue))
	}
	res.Severity = normalizeSeverity(res.Severity)
	if res.LikelyModule == "" {
		res.LikelyModule = "unknown"
	}
	return finish(ev, triageMessage(&res), &res)
}

func triageMessage(r *model.TriageResult) string {
	msg := fmt.Sprintf("Severity: %s, module: %s", r.Severity, r.LikelyModule)
	if r.IsDuplicate {
		msg += " (possible duplicate)"
	}
	return msg
}

func normalizeSeverity(s model.Severity) model.Severity {
	switch model.Severity(strings.ToLower(string(s))) {
	case model.SeverityCritical:
		return model.SeverityCritical
	case model.SeverityHigh:
		return model.SeverityHigh
	case model.SeverityLow:
		return model.SeverityLow
	default:
		return model.SeverityMedium
	}
}

var severityHints = []struct {
	severity model.Severity
	words    []string
}{
	{model.SeverityCritical, []string{"data loss", "security", "vulnerability", "outage", "all users", "production down"}},
	{model.SeverityHigh, []string{"crash", "500", "exception", "panic", "broken", "cannot", "fails"}},
	{model.SeverityMedium, []string{"slow", "intermittent", "sometimes", "timeout", "wrong"}},
}

var moduleHints = []string{
	"auth", "login", "payment", "checkout", "billing", "api", "database", "cache",
	"frontend", "dashboard", "notification", "email", "search", "upload", "ci",
}

// heuristicTriage 关键词分诊
func heuristicTriage(issue model.Issue) *model.TriageResult {
	text := strings.ToLower(issue.Title + "\n" + issue.Body)
	res := &model.TriageResult{Severity: model.SeverityLow, LikelyModule: "unknown"}
	for _, h := range severityHints {
		if containsAny(text, h.words) {
			res.Severity = h.severity
			break
		}
	}
	for _, m := range moduleHints {
		if strings.Contains(text, m) {
			res.LikelyModule = m
			break
		}
	}
	summary := issue.Title
	if first := strings.TrimSpace(strings.SplitN(issue.Body, "\n", 2)[0]); first != "" {
		summary += "\n" + truncate(first, 200)
	}
	res.Summary = summary
	return res
}
