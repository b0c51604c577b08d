package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/model"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const questionsSystemPrompt = `You are investigating a bug report. Propose short code search queries that would locate the root cause.
Return ONLY a JSON object: {"questions": ["..."], "grep_patterns": ["identifier or phrase", "..."]}`

const searchReportSystemPrompt = `You are a senior engineer. Given a bug report and code evidence, identify the files most likely responsible.
Return ONLY a JSON object: {"suspect_files": [{"file_path": "", "why_relevant": "", "lines_referenced": "", "snippet": ""}], "reasoning": "", "confidence": "high|medium|low"}`

// Search 代码检索阶段
//
// 三步：生成检索问题 → 并发收集证据 → 汇总可疑文件。
type Search struct {
	LLM           LLM
	Code          CodeSearcher
	MaxConcurrent int64
	// PerQuery 单个查询最多保留的命中数
	PerQuery int
}

// Name 实现 investigation.Stage
func (s *Search) Name() model.Agent { return model.AgentCodebaseSearch }

type searchPlan struct {
	Questions    []string `json:"questions"`
	GrepPatterns []string `json:"grep_patterns"`
}

// Run 实现 investigation.Stage
func (s *Search) Run(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
	ev := investigation.For(model.AgentCodebaseSearch, emit)
	_ = ev.Status("starting", "Codebase search agent starting")

	// Step 1
	_ = ev.Status("generating_questions", "STEP 1/3: Generating investigation questions")
	plan := s.plan(ctx, in, ev)
	if len(plan.GrepPatterns) == 0 {
		return degrade(ctx, ev, "generating_questions", errors.New("no questions generated"),
			&model.SearchResult{Reasoning: "Failed to generate questions.", Confidence: "low"})
	}
	for i, q := range plan.Questions {
		_ = ev.Progress("generating_questions", fmt.Sprintf("Q%d: %s", i+1, q), nil)
	}

	// Step 2
	_ = ev.Status("collecting_evidence", "STEP 2/3: Collecting evidence from codebase")
	if s.Code == nil {
		return degrade(ctx, ev, "collecting_evidence", errors.New("no code searcher configured"),
			&model.SearchResult{Reasoning: "No code source available.", Confidence: "low", QuestionsAsked: len(plan.Questions)})
	}
	evidence, err := s.collect(ctx, in.Issue.Repo, plan.GrepPatterns, ev)
	if err != nil {
		return degrade(ctx, ev, "collecting_evidence", err,
			&model.SearchResult{Reasoning: "Failed to collect evidence.", Confidence: "low", QuestionsAsked: len(plan.Questions)})
	}
	if len(evidence) == 0 {
		return degrade(ctx, ev, "collecting_evidence", errors.New("no evidence collected"),
			&model.SearchResult{Reasoning: "Failed to collect evidence.", Confidence: "low", QuestionsAsked: len(plan.Questions)})
	}

	// Step 3
	_ = ev.Status("generating_report", "STEP 3/3: Analyzing evidence")
	res := s.report(ctx, in, evidence, ev)
	res.QuestionsAsked = len(plan.Questions)
	res.EvidenceCollected = len(evidence)
	return finish(ev, fmt.Sprintf("Found %d suspect file(s), confidence %s", len(res.SuspectFiles), res.Confidence), res)
}

// plan 生成检索问题与检索词；模型不可用时使用关键词
func (s *Search) plan(ctx context.Context, in investigation.StageInput, ev investigation.Events) searchPlan {
	var triage *model.TriageResult
	if in.Prior != nil {
		triage = in.Prior.Triage
	}
	fallback := func() searchPlan {
		kw := Keywords(in.Issue, triage, 6)
		qs := make([]string, 0, len(kw))
		for _, k := range kw {
			qs = append(qs, fmt.Sprintf("Where is %q handled?", k))
		}
		return searchPlan{Questions: qs, GrepPatterns: kw}
	}
	if s.LLM == nil {
		return fallback()
	}

	prompt := issueContext(in.Issue)
	if triage != nil {
		prompt += fmt.Sprintf("\nTriage: severity=%s module=%s\n", triage.Severity, triage.LikelyModule)
	}
	raw, err := s.LLM.Complete(ctx, questionsSystemPrompt, prompt)
	if err != nil {
		_ = ev.Log("generating_questions", fmt.Sprintf("Model call failed, falling back to keywords: %v", err))
		return fallback()
	}
	var p searchPlan
	if err := ParseJSON(raw, &p); err != nil || len(p.GrepPatterns) == 0 {
		_ = ev.Log("json_parse", "Could not parse questions, falling back to keywords")
		return fallback()
	}
	return p
}

// collect 并发执行检索，事件在全部检索结束后按查询顺序发出
func (s *Search) collect(ctx context.Context, repo string, patterns []string, ev investigation.Events) ([]Evidence, error) {
	perQuery := s.PerQuery
	if perQuery <= 0 {
		perQuery = 5
	}
	max := s.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	sem := semaphore.NewWeighted(max)
	g, gctx := errgroup.WithContext(ctx)

	results := make([][]Evidence, len(patterns))
	errs := make([]error, len(patterns))
	for i, pattern := range patterns {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			hits, err := s.Code.SearchCode(gctx, repo, pattern, perQuery)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Evidence
	failed := 0
	for i, pattern := range patterns {
		if errs[i] != nil {
			failed++
			_ = ev.Log("collecting_evidence", fmt.Sprintf("Search %q failed: %v", pattern, errs[i]))
			continue
		}
		_ = ev.Log("collecting_evidence", fmt.Sprintf("Search %q: %d matches", pattern, len(results[i])))
		all = append(all, results[i]...)
	}
	if failed == len(patterns) {
		return nil, fmt.Errorf("all %d searches failed: %w", failed, errs[0])
	}
	_ = ev.Progress("collecting_evidence", fmt.Sprintf("Collected %d piece(s) of evidence", len(all)), nil)
	return all, nil
}

// report 由证据生成结果
func (s *Search) report(ctx context.Context, in investigation.StageInput, evidence []Evidence, ev investigation.Events) *model.SearchResult {
	if s.LLM != nil {
		payload, _ := json.Marshal(limitEvidence(evidence, 30))
		raw, err := s.LLM.Complete(ctx, searchReportSystemPrompt, issueContext(in.Issue)+"\nEvidence:\n"+string(payload))
		if err == nil {
			var res model.SearchResult
			if err := ParseJSON(raw, &res); err == nil {
				return &res
			}
		}
		_ = ev.Log("generating_report", "Model report unavailable, ranking evidence by hit count")
	}
	return rankEvidence(evidence, 5)
}

func limitEvidence(evidence []Evidence, n int) []Evidence {
	if len(evidence) > n {
		return evidence[:n]
	}
	return evidence
}

// rankEvidence 按文件命中次数选出可疑文件
func rankEvidence(evidence []Evidence, top int) *model.SearchResult {
	byFile := map[string][]Evidence{}
	for _, e := range evidence {
		byFile[e.FilePath] = append(byFile[e.FilePath], e)
	}
	res := &model.SearchResult{Confidence: "low"}
	for _, f := range rankFiles(evidence) {
		if len(res.SuspectFiles) >= top {
			break
		}
		hits := byFile[f]
		var (
			lines   []string
			queries []string
		)
		for _, h := range hits {
			lines = append(lines, fmt.Sprint(h.Line))
			if !contains(queries, h.Query) {
				queries = append(queries, h.Query)
			}
		}
		res.SuspectFiles = append(res.SuspectFiles, model.SuspectFile{
			FilePath:        f,
			WhyRelevant:     fmt.Sprintf("matches %s", strings.Join(queries, ", ")),
			LinesReferenced: strings.Join(lines, ","),
			Snippet:         hits[0].Snippet,
		})
	}
	if len(res.SuspectFiles) > 0 && len(byFile[res.SuspectFiles[0].FilePath]) > 2 {
		res.Confidence = "medium"
	}
	res.Reasoning = fmt.Sprintf("Ranked %d file(s) by keyword matches", len(byFile))
	return res
}
