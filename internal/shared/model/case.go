// Package model 定义核心数据模型
//
// case.go 包含 Case 与状态迁移相关的数据模型定义：
//   - Case：一次缺陷调查的持久化记录，独立于任何一次流水线运行
//   - CaseState：Case 状态枚举
//   - CaseTransition：追加写的审计记录
//   - TransitionPolicy：迁移校验策略
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// CaseState - Case 状态
// ============================================================================

// CaseState 表示 Case 的当前状态
//
// 典型流转（并不强制）：
//
//	NEW → TRIAGED → NOTIFIED → WAITING_FOR_ADMIN → INVESTIGATING → REPORT_READY
//	    → PATCHING → PR_OPENED → UNDER_REVIEW → READY_TO_MERGE
//
// 任一状态都可能进入 NEEDS_HUMAN 或 FAILED，也允许回退（重新打开、重试）。
type CaseState string

const (
	CaseNew             CaseState = "NEW"
	CaseTriaged         CaseState = "TRIAGED"
	CaseNotified        CaseState = "NOTIFIED"
	CaseWaitingForAdmin CaseState = "WAITING_FOR_ADMIN"
	CaseInvestigating   CaseState = "INVESTIGATING"
	CaseReportReady     CaseState = "REPORT_READY"
	CasePatching        CaseState = "PATCHING"
	CasePROpened        CaseState = "PR_OPENED"
	CaseUnderReview     CaseState = "UNDER_REVIEW"
	CaseNeedsHuman      CaseState = "NEEDS_HUMAN"
	CaseReadyToMerge    CaseState = "READY_TO_MERGE"
	CaseFailed          CaseState = "FAILED"

	// CaseOpenLegacy 旧版本写入的状态名，读写时一律视为 NEW
	CaseOpenLegacy CaseState = "OPEN"
)

// CaseStates 全部有效状态（不含旧别名）
var CaseStates = []CaseState{
	CaseNew, CaseTriaged, CaseNotified, CaseWaitingForAdmin, CaseInvestigating,
	CaseReportReady, CasePatching, CasePROpened, CaseUnderReview, CaseNeedsHuman,
	CaseReadyToMerge, CaseFailed,
}

// ErrInvalidState 未知状态名
var ErrInvalidState = errors.New("invalid case state")

// ParseCaseState 解析状态名（大小写不敏感），旧别名归一化为 NEW
func ParseCaseState(s string) (CaseState, error) {
	st := CaseState(strings.ToUpper(strings.TrimSpace(s)))
	if st == CaseOpenLegacy {
		return CaseNew, nil
	}
	for _, known := range CaseStates {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Normalize 将旧别名归一化；未知值原样返回
func (s CaseState) Normalize() CaseState {
	if s == CaseOpenLegacy {
		return CaseNew
	}
	return s
}

// Valid 是否为有效状态（含旧别名）
func (s CaseState) Valid() bool {
	_, err := ParseCaseState(string(s))
	return err == nil
}

// ============================================================================
// Case
// ============================================================================

// Case 一次调查请求的持久化记录
//
// (Repo, ExternalIssueID) 全局唯一；只通过经校验的状态迁移修改 State；
// 本系统从不删除 Case。
type Case struct {
	ID              string    `json:"id" bson:"_id"`
	Repo            string    `json:"repo" bson:"repo"`
	ExternalIssueID string    `json:"external_issue_id" bson:"external_issue_id"`
	Title           string    `json:"title" bson:"title"`
	State           CaseState `json:"state" bson:"state"`
	SlackChannel    string    `json:"slack_channel,omitempty" bson:"slack_channel,omitempty"`
	SlackThreadTS   string    `json:"slack_thread_ts,omitempty" bson:"slack_thread_ts,omitempty"`
	CreatedAt       time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" bson:"updated_at"`
}

// HasThread 是否已关联 Slack 线程
func (c *Case) HasThread() bool {
	return c.SlackChannel != "" && c.SlackThreadTS != ""
}

// CaseSource Case 的来源元数据（创建与去重合并时使用）
type CaseSource struct {
	Repo            string `json:"repo"`
	ExternalIssueID string `json:"external_issue_id"`
	Title           string `json:"title"`
	SlackChannel    string `json:"slack_channel,omitempty"`
	SlackThreadTS   string `json:"slack_thread_ts,omitempty"`
}

// ============================================================================
// CaseTransition - 审计记录
// ============================================================================

// CaseTransition 状态迁移审计记录，只追加不修改
//
// 不变量：某 Case 最新一条记录的 ToState 恒等于 Case.State。
type CaseTransition struct {
	ID        int64           `json:"id" bson:"seq"`
	CaseID    string          `json:"case_id" bson:"case_id"`
	FromState CaseState       `json:"from_state" bson:"from_state"`
	ToState   CaseState       `json:"to_state" bson:"to_state"`
	Metadata  json.RawMessage `json:"metadata,omitempty" bson:"-"`
	CreatedAt time.Time       `json:"created_at" bson:"created_at"`
}

// TransitionResult 一次迁移的结果
type TransitionResult struct {
	CaseID string    `json:"case_id"`
	From   CaseState `json:"from"`
	To     CaseState `json:"to"`
}

// ============================================================================
// TransitionPolicy - 迁移策略
// ============================================================================

// TransitionPolicy 校验 from → to 是否允许；返回非 nil 即拒绝，错误文本作为拒绝原因
type TransitionPolicy interface {
	Check(from, to CaseState) error
}

// AllowAll 任意状态之间均可迁移（含回退与自迁移）
type AllowAll struct{}

// Check 实现 TransitionPolicy
func (AllowAll) Check(from, to CaseState) error { return nil }

// DenyList 拒绝列出的迁移，其余放行
type DenyList map[CaseState][]CaseState

// Check 实现 TransitionPolicy
func (d DenyList) Check(from, to CaseState) error {
	for _, denied := range d[from] {
		if denied == to {
			return fmt.Errorf("transition %s -> %s is not allowed", from, to)
		}
	}
	return nil
}
