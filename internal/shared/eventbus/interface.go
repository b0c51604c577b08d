// Package eventbus 事件总线抽象接口
//
// 为 Case 提供事件的发布/订阅能力（流水线事件镜像、状态迁移通知），
// 当前由 Redis Streams 实现。SSE 主通道不经过事件总线。
package eventbus

import (
	"context"
)

// CaseEventBus Case 事件总线接口
type CaseEventBus interface {
	PublishCaseEvent(ctx context.Context, caseID string, event *CaseEvent) error
	GetCaseEvents(ctx context.Context, caseID string, fromID string, count int64) ([]*CaseEvent, error)
	SubscribeCaseEvents(ctx context.Context, caseID string) (<-chan *CaseEvent, error)
	Close() error
}
