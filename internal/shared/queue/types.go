// Package queue 消息队列类型定义
package queue

import (
	"time"

	"bugpilot/internal/shared/model"
)

// Job 一次待执行的调查
type Job struct {
	ID         string      `json:"-"`
	CaseID     string      `json:"case_id"`
	Issue      model.Issue `json:"issue"`
	Trigger    string      `json:"trigger"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// 触发来源
const (
	TriggerGitHub = "github_issue_opened"
	TriggerSlack  = "slack_button"
	TriggerAPI    = "api"
)

const (
	// KeyInvestigations 调查任务 Stream
	KeyInvestigations = "investigations:pending"

	// WorkerConsumerGroup 消费者组
	WorkerConsumerGroup = "investigation_workers"
)
