// Package eventbus 事件总线类型定义
package eventbus

import (
	"encoding/json"
	"time"

	"bugpilot/internal/shared/model"
)

// Kind Case 事件种类
type Kind string

const (
	// KindPipelineEvent 流水线事件镜像，Payload 为 model.Event
	KindPipelineEvent Kind = "pipeline_event"

	// KindTransition 状态迁移，Payload 为 model.CaseTransition
	KindTransition Kind = "transition"
)

// CaseEvent 挂在 Case 下的事件
type CaseEvent struct {
	ID        string          `json:"id"`
	CaseID    string          `json:"case_id"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewPipelineEvent 包装流水线事件
func NewPipelineEvent(caseID string, e model.Event) *CaseEvent {
	b, _ := json.Marshal(e)
	return &CaseEvent{CaseID: caseID, Kind: KindPipelineEvent, Timestamp: e.Timestamp, Payload: b}
}

// NewTransitionEvent 包装状态迁移
func NewTransitionEvent(tr *model.CaseTransition) *CaseEvent {
	b, _ := json.Marshal(tr)
	return &CaseEvent{CaseID: tr.CaseID, Kind: KindTransition, Timestamp: tr.CreatedAt, Payload: b}
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyCaseEvents Case 事件流 key 前缀
	KeyCaseEvents = "case_events:"

	// MaxStreamLength Stream 最大长度
	MaxStreamLength = 1000
)
