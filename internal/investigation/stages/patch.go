package stages

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/model"
)

const patchSystemPrompt = `You write minimal, safe fixes. Given a bug report and the suspect files, produce a unified diff.
Return ONLY a JSON object: {"title": "short PR title", "diff": "unified diff", "changed_files": ["path"], "explanation": ""}`

// Patch 补丁生成阶段：由模型生成 diff 并通过 Publisher 发布草稿 PR
type Patch struct {
	LLM       LLM
	Publisher PRPublisher
}

// Name 实现 investigation.Stage
func (p *Patch) Name() model.Agent { return model.AgentPatchGeneration }

type patchDraft struct {
	Title        string   `json:"title"`
	Diff         string   `json:"diff"`
	ChangedFiles []string `json:"changed_files"`
	Explanation  string   `json:"explanation"`
}

func failedPatch(code string) *model.PatchResult {
	return &model.PatchResult{Status: model.PatchFailed, Error: code, DraftPR: &model.DraftPR{Status: "not_attempted"}}
}

// Run 实现 investigation.Stage
func (p *Patch) Run(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
	ev := investigation.For(model.AgentPatchGeneration, emit)
	_ = ev.Status("starting", "Patch agent starting")

	if p.LLM == nil {
		return degrade(ctx, ev, "context", errors.New("no model configured for patch generation"), failedPatch("no_model"))
	}
	if in.Prior == nil || in.Prior.Investigation == nil || len(in.Prior.Investigation.SuspectFiles) == 0 {
		return degrade(ctx, ev, "context", errors.New("no suspect files to patch"), failedPatch("no_suspect_files"))
	}

	_ = ev.Progress("context", "Building patch context from prior agents...", nil)
	prompt := issueContext(in.Issue) + "\nSuspect files:\n"
	for _, f := range in.Prior.Investigation.SuspectFiles {
		prompt += fmt.Sprintf("- %s (%s)\n%s\n", f.FilePath, f.WhyRelevant, f.Snippet)
	}

	_ = ev.Progress("generate", "Asking model for a fix", nil)
	raw, err := p.LLM.Complete(ctx, patchSystemPrompt, prompt)
	if err != nil {
		return degrade(ctx, ev, "generate", fmt.Errorf("model call failed: %w", err), failedPatch("model_error"))
	}
	var draft patchDraft
	if err := ParseJSON(raw, &draft); err != nil {
		return degrade(ctx, ev, "generate", err, failedPatch("unparseable_reply"))
	}
	if strings.TrimSpace(draft.Diff) == "" {
		return degrade(ctx, ev, "generate", errors.New("model produced no changes"), failedPatch("no_changes_generated"))
	}
	if len(draft.ChangedFiles) == 0 {
		draft.ChangedFiles = diffFiles(draft.Diff)
	}
	if draft.Title == "" {
		draft.Title = "Fix: " + in.Issue.Title
	}

	branch := "bugpilot/" + slug(in.Issue.Title)
	_ = ev.Progress("draft_pr", fmt.Sprintf("Publishing %d changed file(s) on %s", len(draft.ChangedFiles), branch), nil)
	res, err := p.Publisher.Publish(ctx, Proposal{
		Repo:   in.Issue.Repo,
		Branch: branch,
		Title:  draft.Title,
		Body:   draft.Explanation,
		Diff:   draft.Diff,
		Files:  draft.ChangedFiles,
	})
	if err != nil {
		failed := failedPatch("publish_failed")
		failed.Reason = err.Error()
		failed.Branch = branch
		failed.Diff = draft.Diff
		failed.ChangedFiles = draft.ChangedFiles
		return degrade(ctx, ev, "draft_pr", fmt.Errorf("draft PR creation failed: %w", err), failed)
	}
	return finish(ev, fmt.Sprintf("Patch %s on %s", res.Status, res.Branch), res)
}

var diffFileRE = regexp.MustCompile(`(?m)^\+\+\+ b/(\S+)`)

// diffFiles 从 unified diff 中提取被修改的文件
func diffFiles(diff string) []string {
	var files []string
	for _, m := range diffFileRE.FindAllStringSubmatch(diff, -1) {
		if !contains(files, m[1]) {
			files = append(files, m[1])
		}
	}
	return files
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slug(s string) string {
	out := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(out) > 40 {
		out = strings.TrimRight(out[:40], "-")
	}
	if out == "" {
		out = "fix"
	}
	return out
}
