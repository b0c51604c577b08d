// Package client 调查事件流的客户端重建
//
// 将服务端推送的 Event 序列归约为界面状态：每个 agent 的状态与日志、
// 跨 agent 时间线、计时与最终报告。
//
//   - Reduce：纯函数归约器，写时复制，不修改入参
//   - Engine：单 goroutine 事件循环，代次计数防止旧运行的回调污染新状态
//   - Simulation：按脚本回放事件的离线生产者
//   - Decoder / Stream：SSE 解码与 HTTP 流消费
package client

import (
	"encoding/json"
	"time"

	"bugpilot/internal/shared/model"
)

// AgentStatus 单个 agent 的界面状态
//
//	idle → running → finding* → done
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentRunning AgentStatus = "running"
	AgentFinding AgentStatus = "finding"
	AgentDone    AgentStatus = "done"
)

// RunStatus 整体运行状态
type RunStatus string

const (
	RunIdle     RunStatus = "idle"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

// EntryKind 客户端日志条目类型
type EntryKind string

const (
	EntryAction  EntryKind = "action"
	EntryResult  EntryKind = "result"
	EntryError   EntryKind = "error"
	EntrySuccess EntryKind = "success"
)

// kindFor 服务端事件类型 → 客户端条目类型
var kindFor = map[model.EventType]EntryKind{
	model.EventStatus:   EntryAction,
	model.EventProgress: EntryAction,
	model.EventLog:      EntryAction,
	model.EventResult:   EntryResult,
	model.EventError:    EntryError,
	model.EventComplete: EntrySuccess,
}

// FallbackAgent 无法定位失败阶段时承载流水线错误的 agent
const FallbackAgent = model.AgentTriage

// Entry 一条 agent 日志
type Entry struct {
	Kind    EntryKind       `json:"kind"`
	Step    string          `json:"step,omitempty"`
	Message string          `json:"message"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data,omitempty"`
	// Synthetic 由客户端补齐的条目（流水线完成时）
	Synthetic bool `json:"synthetic,omitempty"`
}

// AgentState 单个 agent 的状态与日志
type AgentState struct {
	Status  AgentStatus `json:"status"`
	Entries []Entry     `json:"entries"`
}

// TimelineItem 时间线条目
type TimelineItem struct {
	Agent model.Agent `json:"agent"`
	Entry Entry       `json:"entry"`
}

// State 客户端状态快照
//
// State 视为不可变值：Reduce 总是返回新值，共享的切片与 map 不会被原地修改。
type State struct {
	Status   RunStatus                  `json:"status"`
	RunID    string                     `json:"run_id,omitempty"`
	Agents   map[model.Agent]AgentState `json:"agents"`
	Timeline []TimelineItem             `json:"timeline"`

	// Overview 流水线在 complete 之前发出的各阶段结局汇总
	Overview  *model.PipelineReportData  `json:"overview,omitempty"`
	Report    *model.InvestigationReport `json:"report,omitempty"`
	RawReport json.RawMessage            `json:"raw_report,omitempty"`
	Error     string                     `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	Now       time.Time `json:"now"`
}

// KnownAgents 客户端认识的分析阶段
var KnownAgents = model.StageAgents

// NewState 初始状态：所有已知 agent 为 idle
func NewState() State {
	agents := make(map[model.Agent]AgentState, len(KnownAgents))
	for _, a := range KnownAgents {
		agents[a] = AgentState{Status: AgentIdle}
	}
	return State{Status: RunIdle, Agents: agents}
}

// Agent 返回某 agent 的状态；未知 agent 返回零值
func (s State) Agent(a model.Agent) AgentState {
	return s.Agents[a]
}

// Elapsed 计时：运行中为 Now-StartedAt，结束后固定为 StoppedAt-StartedAt
func (s State) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.Now
	if !s.StoppedAt.IsZero() {
		end = s.StoppedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Terminal 是否已进入终态
func (s State) Terminal() bool {
	return s.Status == RunComplete || s.Status == RunError
}
