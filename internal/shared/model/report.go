// Package model 定义核心数据模型
//
// report.go 包含各分析阶段的结果类型与汇总报告：
//   - Issue：被调查的缺陷描述
//   - TriageResult / SearchResult / DocResult / LogResult / PatchResult
//   - InvestigationReport：流水线最终产物
package model

import (
	"encoding/json"
	"fmt"
)

// Issue 被调查的缺陷
type Issue struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Repo  string `json:"repo"`
}

// Severity 分诊严重程度
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// TriageResult 分诊结论
type TriageResult struct {
	Severity     Severity `json:"severity" yaml:"severity"`
	LikelyModule string   `json:"likely_module" yaml:"likely_module"`
	IsDuplicate  bool     `json:"is_duplicate" yaml:"is_duplicate"`
	DuplicateOf  string   `json:"duplicate_of,omitempty" yaml:"duplicate_of"`
	Summary      string   `json:"summary" yaml:"summary"`
}

// SuspectFile 代码检索命中的可疑文件
type SuspectFile struct {
	FilePath        string `json:"file_path" yaml:"file_path"`
	WhyRelevant     string `json:"why_relevant" yaml:"why_relevant"`
	LinesReferenced string `json:"lines_referenced,omitempty" yaml:"lines_referenced"`
	Snippet         string `json:"snippet,omitempty" yaml:"snippet"`
}

// SearchResult 代码检索结果
type SearchResult struct {
	SuspectFiles      []SuspectFile `json:"suspect_files" yaml:"suspect_files"`
	Reasoning         string        `json:"reasoning" yaml:"reasoning"`
	Confidence        string        `json:"confidence" yaml:"confidence"`
	QuestionsAsked    int           `json:"questions_asked" yaml:"questions_asked"`
	EvidenceCollected int           `json:"evidence_collected" yaml:"evidence_collected"`
}

// RelevantDoc 文档分析命中的文档
type RelevantDoc struct {
	FilePath    string   `json:"file_path" yaml:"file_path"`
	WhyRelevant string   `json:"why_relevant" yaml:"why_relevant"`
	KeySections []string `json:"key_sections,omitempty" yaml:"key_sections"`
}

// DocResult 文档分析结果
type DocResult struct {
	RelevantDocs     []RelevantDoc `json:"relevant_docs" yaml:"relevant_docs"`
	Reasoning        string        `json:"reasoning" yaml:"reasoning"`
	Confidence       string        `json:"confidence" yaml:"confidence"`
	TotalDocsScanned int           `json:"total_docs_scanned" yaml:"total_docs_scanned"`
}

// SuspiciousLog 日志分析命中的可疑日志
type SuspiciousLog struct {
	EventID       string `json:"event_id" yaml:"event_id"`
	Timestamp     string `json:"timestamp" yaml:"timestamp"`
	Message       string `json:"message" yaml:"message"`
	Level         string `json:"level" yaml:"level"`
	WhySuspicious string `json:"why_suspicious" yaml:"why_suspicious"`
}

// LogResult 日志分析结果
type LogResult struct {
	SuspiciousLogs     []SuspiciousLog `json:"suspicious_logs" yaml:"suspicious_logs"`
	PatternsFound      []string        `json:"patterns_found" yaml:"patterns_found"`
	Timeline           string          `json:"timeline" yaml:"timeline"`
	Confidence         string          `json:"confidence" yaml:"confidence"`
	TotalEventsScanned int             `json:"total_events_scanned" yaml:"total_events_scanned"`
	SearchKeywords     []string        `json:"search_keywords,omitempty" yaml:"search_keywords"`
}

// PatchStatus 补丁生成状态
type PatchStatus string

const (
	PatchSkipped PatchStatus = "skipped"
	PatchFailed  PatchStatus = "failed"
	PatchCreated PatchStatus = "created"
)

// DraftPR 草稿 PR 信息
type DraftPR struct {
	Status string `json:"status" yaml:"status"`
	URL    string `json:"url,omitempty" yaml:"url"`
	Number int    `json:"number,omitempty" yaml:"number"`
}

// PatchResult 补丁生成结果
type PatchResult struct {
	Status       PatchStatus `json:"status" yaml:"status"`
	Error        string      `json:"error,omitempty" yaml:"error"`
	Reason       string      `json:"reason,omitempty" yaml:"reason"`
	Branch       string      `json:"branch,omitempty" yaml:"branch"`
	CommitSHA    string      `json:"commit_sha,omitempty" yaml:"commit_sha"`
	ChangedFiles []string    `json:"changed_files,omitempty" yaml:"changed_files"`
	Diff         string      `json:"diff,omitempty" yaml:"diff"`
	DraftPR      *DraftPR    `json:"draft_pr,omitempty" yaml:"draft_pr"`
}

// ============================================================================
// InvestigationReport
// ============================================================================

// InvestigationReport 调查汇总报告
//
// 由编排器随阶段完成逐步填充；流水线进入终态后不再修改。
// 编排器不解释各结果的内容，只负责转发。
type InvestigationReport struct {
	Issue           Issue         `json:"issue"`
	Triage          *TriageResult `json:"triage,omitempty"`
	Investigation   *SearchResult `json:"investigation,omitempty"`
	Documentation   *DocResult    `json:"documentation,omitempty"`
	LogAnalysis     *LogResult    `json:"log_analysis,omitempty"`
	PatchGeneration *PatchResult  `json:"patch_generation,omitempty"`
}

// Set 按阶段写入结果；result 类型须与阶段匹配
func (r *InvestigationReport) Set(agent Agent, result any) error {
	switch agent {
	case AgentTriage:
		v, ok := result.(*TriageResult)
		if !ok {
			return resultTypeError(agent, result)
		}
		r.Triage = v
	case AgentCodebaseSearch:
		v, ok := result.(*SearchResult)
		if !ok {
			return resultTypeError(agent, result)
		}
		r.Investigation = v
	case AgentDocAnalysis:
		v, ok := result.(*DocResult)
		if !ok {
			return resultTypeError(agent, result)
		}
		r.Documentation = v
	case AgentLogAnalysis:
		v, ok := result.(*LogResult)
		if !ok {
			return resultTypeError(agent, result)
		}
		r.LogAnalysis = v
	case AgentPatchGeneration:
		v, ok := result.(*PatchResult)
		if !ok {
			return resultTypeError(agent, result)
		}
		r.PatchGeneration = v
	default:
		return fmt.Errorf("unknown stage %q", agent)
	}
	return nil
}

// Has 某阶段是否已有结果
func (r *InvestigationReport) Has(agent Agent) bool {
	switch agent {
	case AgentTriage:
		return r.Triage != nil
	case AgentCodebaseSearch:
		return r.Investigation != nil
	case AgentDocAnalysis:
		return r.Documentation != nil
	case AgentLogAnalysis:
		return r.LogAnalysis != nil
	case AgentPatchGeneration:
		return r.PatchGeneration != nil
	}
	return false
}

// Overview 汇总报告与各阶段结局
func (r *InvestigationReport) Overview(stages []StageOutcome) PipelineReportData {
	out := PipelineReportData{
		Severity:    "unknown",
		Confidence:  "unknown",
		PatchStatus: PatchSkipped,
		Stages:      stages,
	}
	if r.Triage != nil && r.Triage.Severity != "" {
		out.Severity = r.Triage.Severity
	}
	if r.Investigation != nil {
		out.SuspectFiles = len(r.Investigation.SuspectFiles)
		if r.Investigation.Confidence != "" {
			out.Confidence = r.Investigation.Confidence
		}
	}
	if r.Documentation != nil {
		out.RelevantDocs = len(r.Documentation.RelevantDocs)
	}
	if r.LogAnalysis != nil {
		out.SuspiciousLogs = len(r.LogAnalysis.SuspiciousLogs)
		out.LogPatterns = len(r.LogAnalysis.PatternsFound)
	}
	if r.PatchGeneration != nil && r.PatchGeneration.Status != "" {
		out.PatchStatus = r.PatchGeneration.Status
	}
	for _, st := range stages {
		if st.Outcome == OutcomeDegraded {
			out.Degraded = true
		}
	}
	return out
}

func resultTypeError(agent Agent, result any) error {
	return fmt.Errorf("stage %s produced unexpected result type %T", agent, result)
}

// Clone 深拷贝报告（通过 JSON 往返），用于交出不可变副本
func (r *InvestigationReport) Clone() *InvestigationReport {
	if r == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out InvestigationReport
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

// Summary 单行摘要，用于 Slack 消息和状态迁移元数据
func (r *InvestigationReport) Summary() string {
	if r == nil {
		return ""
	}
	s := r.Issue.Title
	if r.Triage != nil {
		s = fmt.Sprintf("[%s] %s", r.Triage.Severity, s)
		if r.Triage.LikelyModule != "" {
			s += " (module: " + r.Triage.LikelyModule + ")"
		}
	}
	if r.Investigation != nil && len(r.Investigation.SuspectFiles) > 0 {
		s += fmt.Sprintf(", %d suspect file(s)", len(r.Investigation.SuspectFiles))
	}
	return s
}

// ============================================================================
// 负载解码（按 agent 区分的 tagged union）
// ============================================================================

// NewResult 返回某阶段结果类型的零值指针
func NewResult(agent Agent) (any, error) {
	switch agent {
	case AgentTriage:
		return &TriageResult{}, nil
	case AgentCodebaseSearch:
		return &SearchResult{}, nil
	case AgentDocAnalysis:
		return &DocResult{}, nil
	case AgentLogAnalysis:
		return &LogResult{}, nil
	case AgentPatchGeneration:
		return &PatchResult{}, nil
	}
	return nil, fmt.Errorf("no result type for agent %q", agent)
}

// DegradedResult 阶段失败时记入报告的占位结果
func DegradedResult(agent Agent, cause string) (any, error) {
	switch agent {
	case AgentTriage:
		return &TriageResult{Summary: "triage failed: " + cause}, nil
	case AgentCodebaseSearch:
		return &SearchResult{Reasoning: cause, Confidence: "low"}, nil
	case AgentDocAnalysis:
		return &DocResult{Reasoning: cause, Confidence: "low"}, nil
	case AgentLogAnalysis:
		return &LogResult{Timeline: cause, Confidence: "low"}, nil
	case AgentPatchGeneration:
		return &PatchResult{Status: PatchFailed, Error: cause}, nil
	}
	return nil, fmt.Errorf("no result type for agent %q", agent)
}

// DecodeResult 将某阶段 result 事件的负载解码为对应的结果类型
func DecodeResult(agent Agent, data json.RawMessage) (any, error) {
	v, err := NewResult(agent)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", agent, err)
	}
	return v, nil
}

// DecodeReport 从 pipeline complete 事件中取出报告
func DecodeReport(e Event) (*InvestigationReport, error) {
	var payload PipelineCompleteData
	if err := e.DecodeData(&payload); err != nil {
		return nil, err
	}
	if payload.Report == nil {
		return nil, fmt.Errorf("pipeline complete event carries no report")
	}
	return payload.Report, nil
}
