package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/model"
)

const logsSystemPrompt = `Given a bug report and matching log events, identify suspicious entries and recurring patterns.
Return ONLY a JSON object: {"suspicious_logs": [{"event_id": "", "timestamp": "", "message": "", "level": "", "why_suspicious": ""}], "patterns_found": [""], "timeline": "", "confidence": "high|medium|low"}`

// Logs 日志分析阶段
type Logs struct {
	LLM    LLM
	Source LogSource
	Limit  int
}

// Name 实现 investigation.Stage
func (l *Logs) Name() model.Agent { return model.AgentLogAnalysis }

// Run 实现 investigation.Stage
func (l *Logs) Run(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
	ev := investigation.For(model.AgentLogAnalysis, emit)
	_ = ev.Status("starting", "Log analysis agent starting")

	var triage *model.TriageResult
	if in.Prior != nil {
		triage = in.Prior.Triage
	}
	keywords := Keywords(in.Issue, triage, 8)
	if in.Prior != nil && in.Prior.Investigation != nil {
		for _, f := range in.Prior.Investigation.SuspectFiles {
			base := f.FilePath[strings.LastIndex(f.FilePath, "/")+1:]
			if name := strings.TrimSuffix(base, fileExt(base)); len(name) >= 4 {
				keywords = append(keywords, strings.ToLower(name))
			}
		}
	}
	_ = ev.Progress("keywords", fmt.Sprintf("Search keywords: %s", strings.Join(keywords, ", ")), nil)

	if l.Source == nil {
		return degrade(ctx, ev, "query", errors.New("no log source configured"),
			&model.LogResult{Confidence: "low", SearchKeywords: keywords})
	}
	limit := l.Limit
	if limit <= 0 {
		limit = 50
	}
	records, scanned, err := l.Source.QueryLogs(ctx, keywords, limit)
	if err != nil {
		return degrade(ctx, ev, "query", fmt.Errorf("log query failed: %w", err),
			&model.LogResult{Confidence: "low", SearchKeywords: keywords})
	}
	_ = ev.Progress("query", fmt.Sprintf("Scanned %d event(s), %d matched", scanned, len(records)), nil)

	res := l.analyze(ctx, in, records, ev)
	res.TotalEventsScanned = scanned
	res.SearchKeywords = keywords
	return finish(ev, fmt.Sprintf("Found %d suspicious log(s)", len(res.SuspiciousLogs)), res)
}

func (l *Logs) analyze(ctx context.Context, in investigation.StageInput, records []LogRecord, ev investigation.Events) *model.LogResult {
	if l.LLM != nil && len(records) > 0 {
		payload, _ := json.Marshal(records)
		raw, err := l.LLM.Complete(ctx, logsSystemPrompt, issueContext(in.Issue)+"\nLog events:\n"+string(payload))
		if err == nil {
			var res model.LogResult
			if err := ParseJSON(raw, &res); err == nil {
				return &res
			}
		}
		_ = ev.Log("analyze", "Model analysis unavailable, flagging error-level events")
	}
	return heuristicLogs(records)
}

// heuristicLogs error/warn 级别视为可疑，重复出现的消息视为模式
func heuristicLogs(records []LogRecord) *model.LogResult {
	res := &model.LogResult{Confidence: "low", PatternsFound: []string{}}
	counts := map[string]int{}
	for _, r := range records {
		counts[r.Message]++
		level := strings.ToLower(r.Level)
		if level == "error" || level == "fatal" || level == "warn" || level == "warning" {
			res.SuspiciousLogs = append(res.SuspiciousLogs, model.SuspiciousLog{
				EventID:       r.EventID,
				Timestamp:     r.Timestamp,
				Message:       r.Message,
				Level:         r.Level,
				WhySuspicious: fmt.Sprintf("%s-level event matching issue keywords", level),
			})
		}
	}
	for msg, n := range counts {
		if n > 1 {
			res.PatternsFound = append(res.PatternsFound, fmt.Sprintf("%dx %s", n, truncate(msg, 120)))
		}
	}
	sort.Strings(res.PatternsFound)

	if len(records) > 0 {
		ts := make([]string, 0, len(records))
		for _, r := range records {
			if r.Timestamp != "" {
				ts = append(ts, r.Timestamp)
			}
		}
		sort.Strings(ts)
		if len(ts) > 0 {
			res.Timeline = fmt.Sprintf("%d matching event(s) between %s and %s", len(records), ts[0], ts[len(ts)-1])
		}
	}
	if len(res.SuspiciousLogs) > 0 {
		res.Confidence = "medium"
	}
	return res
}

func fileExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}
