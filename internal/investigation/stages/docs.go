package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/model"
)

const docsSystemPrompt = `Given a bug report and documentation excerpts, pick the documents that explain the affected behavior.
Return ONLY a JSON object: {"relevant_docs": [{"file_path": "", "why_relevant": "", "key_sections": [""]}], "reasoning": "", "confidence": "high|medium|low"}`

// Docs 文档分析阶段
type Docs struct {
	LLM  LLM
	Docs DocSearcher
	// Limit 每个关键词最多保留的文档数
	Limit int
}

// Name 实现 investigation.Stage
func (d *Docs) Name() model.Agent { return model.AgentDocAnalysis }

// Run 实现 investigation.Stage
func (d *Docs) Run(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
	ev := investigation.For(model.AgentDocAnalysis, emit)
	_ = ev.Status("starting", "Documentation agent starting")

	if d.Docs == nil {
		return degrade(ctx, ev, "search", errors.New("no documentation source configured"),
			&model.DocResult{Reasoning: "No documentation source available.", Confidence: "low"})
	}

	var triage *model.TriageResult
	if in.Prior != nil {
		triage = in.Prior.Triage
	}
	keywords := Keywords(in.Issue, triage, 5)
	limit := d.Limit
	if limit <= 0 {
		limit = 3
	}

	var (
		hits    []DocHit
		scanned int
	)
	seen := map[string]bool{}
	for _, kw := range keywords {
		found, n, err := d.Docs.SearchDocs(ctx, kw, limit)
		if err != nil {
			return degrade(ctx, ev, "search", fmt.Errorf("documentation search failed: %w", err),
				&model.DocResult{Reasoning: "Documentation search failed.", Confidence: "low"})
		}
		if n > scanned {
			scanned = n
		}
		for _, h := range found {
			if !seen[h.FilePath] {
				seen[h.FilePath] = true
				hits = append(hits, h)
			}
		}
		_ = ev.Log("search", fmt.Sprintf("Docs %q: %d match(es)", kw, len(found)))
	}
	_ = ev.Progress("search", fmt.Sprintf("Scanned %d document(s), %d relevant", scanned, len(hits)), nil)

	res := d.analyze(ctx, in, hits, ev)
	res.TotalDocsScanned = scanned
	return finish(ev, fmt.Sprintf("Found %d relevant doc(s)", len(res.RelevantDocs)), res)
}

func (d *Docs) analyze(ctx context.Context, in investigation.StageInput, hits []DocHit, ev investigation.Events) *model.DocResult {
	if d.LLM != nil && len(hits) > 0 {
		payload, _ := json.Marshal(hits)
		raw, err := d.LLM.Complete(ctx, docsSystemPrompt, issueContext(in.Issue)+"\nDocumentation:\n"+string(payload))
		if err == nil {
			var res model.DocResult
			if err := ParseJSON(raw, &res); err == nil {
				return &res
			}
		}
		_ = ev.Log("analyze", "Model analysis unavailable, listing matches")
	}

	res := &model.DocResult{Confidence: "low"}
	for _, h := range hits {
		res.RelevantDocs = append(res.RelevantDocs, model.RelevantDoc{
			FilePath:    h.FilePath,
			WhyRelevant: truncate(strings.ReplaceAll(h.Excerpt, "\n", " "), 160),
			KeySections: h.Sections,
		})
	}
	if len(hits) == 0 {
		res.Reasoning = "No documentation matched the issue keywords."
	} else {
		res.Reasoning = fmt.Sprintf("%d document(s) mention the issue keywords", len(hits))
	}
	return res
}
