// Package model 定义核心数据模型
//
// event.go 包含调查事件相关的数据模型定义：
//   - Event：调查流水线中的原子可观测单元
//   - EventType：事件类型枚举
//   - Agent：事件来源（分析 Agent 或流水线本身）
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Agent - 事件来源
// ============================================================================

// Agent 标识发出事件的分析阶段，或流水线级哨兵 AgentPipeline
type Agent string

const (
	AgentTriage          Agent = "triage"
	AgentCodebaseSearch  Agent = "codebase_search"
	AgentDocAnalysis     Agent = "doc_analysis"
	AgentLogAnalysis     Agent = "log_analysis"
	AgentPatchGeneration Agent = "patch_generation"

	// AgentPipeline 流水线级事件（开始、阶段切换、完成、致命错误）
	AgentPipeline Agent = "pipeline"
)

// StageAgents 按执行顺序列出所有分析阶段
var StageAgents = []Agent{
	AgentTriage,
	AgentCodebaseSearch,
	AgentDocAnalysis,
	AgentLogAnalysis,
	AgentPatchGeneration,
}

// IsStage 是否为分析阶段（不含 pipeline）
func (a Agent) IsStage() bool {
	for _, s := range StageAgents {
		if s == a {
			return true
		}
	}
	return false
}

// ============================================================================
// EventType - 事件类型
// ============================================================================

// EventType 定义事件的类型
//
// 一个阶段的事件序列：任意个 status/progress/log，
// 恰好一个终结事件（result 或 error），最后恰好一个 complete。
type EventType string

const (
	// EventStatus 阶段状态变化，如 "calling_model"
	EventStatus EventType = "status"

	// EventProgress 进度更新
	EventProgress EventType = "progress"

	// EventResult 阶段终结事件：成功产出结果
	EventResult EventType = "result"

	// EventError 阶段终结事件：报告错误（非致命）
	// 对 AgentPipeline 而言表示流水线致命错误
	EventError EventType = "error"

	// EventLog 自由文本日志
	EventLog EventType = "log"

	// EventComplete 阶段结束；对 AgentPipeline 而言表示整个调查完成
	EventComplete EventType = "complete"
)

// Valid 是否为已知事件类型
func (t EventType) Valid() bool {
	switch t {
	case EventStatus, EventProgress, EventResult, EventError, EventLog, EventComplete:
		return true
	}
	return false
}

// IsTerminal 是否为阶段终结事件
func (t EventType) IsTerminal() bool {
	return t == EventResult || t == EventError
}

// 流水线级 step 取值
const (
	StepStarted       = "started"
	StepStageStarted  = "stage_started"
	StepStageFinished = "stage_finished"
	StepDone          = "done"
	StepFatal         = "fatal"
	StepSkipped       = "skipped"
	StepReport        = "report"
)

// ============================================================================
// Event
// ============================================================================

// Event 调查事件
//
// 创建后不可变。Timestamp 在构造时（即发出时）写入，而不是序列化时。
type Event struct {
	Agent     Agent           `json:"agent"`
	Type      EventType       `json:"type"`
	Step      string          `json:"step"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// now 可在测试中替换
var now = time.Now

// NewEvent 创建事件并打上发出时间戳
//
// data 可以是任意可 JSON 序列化的值；nil 表示无负载。
func NewEvent(agent Agent, typ EventType, step, message string, data any) Event {
	return Event{
		Agent:     agent,
		Type:      typ,
		Step:      step,
		Message:   message,
		Data:      mustRaw(data),
		Timestamp: now().UTC(),
	}
}

func mustRaw(data any) json.RawMessage {
	switch v := data.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	}
	b, err := json.Marshal(data)
	if err != nil {
		// 负载不可序列化时保留错误描述，事件本身仍然可以送达
		b, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return b
}

// IsPipelineTerminal 是否为流水线终结事件（pipeline complete / error）
func (e Event) IsPipelineTerminal() bool {
	return e.Agent == AgentPipeline && (e.Type == EventComplete || e.Type == EventError)
}

// DecodeData 将负载解码到 v
func (e Event) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s/%s has no data", e.Agent, e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// String 便于日志输出
func (e Event) String() string {
	return fmt.Sprintf("[%s] %s/%s: %s", e.Agent, e.Type, e.Step, e.Message)
}

// ============================================================================
// 流水线负载
// ============================================================================

// PipelineStartedData pipeline/status/started 的负载
type PipelineStartedData struct {
	RunID  string  `json:"run_id"`
	Stages []Agent `json:"stages"`
}

// StageProgressData pipeline/progress/stage_* 的负载
type StageProgressData struct {
	Stage Agent `json:"stage"`
	Index int   `json:"index"`
	Total int   `json:"total"`
}

// PipelineCompleteData pipeline/complete/done 的负载
type PipelineCompleteData struct {
	Report *InvestigationReport `json:"report"`
}

// 阶段结局
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeSkipped  = "skipped"
)

// StageOutcome 单个阶段的结局
type StageOutcome struct {
	Stage   Agent  `json:"stage"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// PipelineReportData pipeline/result/report 的负载，complete 之前发出
type PipelineReportData struct {
	Severity       Severity       `json:"severity"`
	SuspectFiles   int            `json:"suspect_files"`
	RelevantDocs   int            `json:"relevant_docs"`
	Confidence     string         `json:"confidence"`
	SuspiciousLogs int            `json:"suspicious_logs"`
	LogPatterns    int            `json:"log_patterns"`
	PatchStatus    PatchStatus    `json:"patch_status"`
	Stages         []StageOutcome `json:"stages"`
	Degraded       bool           `json:"degraded"`
}

// PipelineErrorData pipeline/error/fatal 的负载
type PipelineErrorData struct {
	Error string `json:"error"`
	Stage Agent  `json:"stage,omitempty"`
}
