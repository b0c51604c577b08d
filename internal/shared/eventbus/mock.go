// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
)

// NoOpEventBus 不做任何操作的 CaseEventBus 实现（未配置 Redis 时使用）
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

func (n *NoOpEventBus) PublishCaseEvent(ctx context.Context, caseID string, event *CaseEvent) error {
	return nil
}

func (n *NoOpEventBus) GetCaseEvents(ctx context.Context, caseID string, fromID string, count int64) ([]*CaseEvent, error) {
	return nil, nil
}

// SubscribeCaseEvents 返回一个在 ctx 结束时关闭的空 channel
func (n *NoOpEventBus) SubscribeCaseEvents(ctx context.Context, caseID string) (<-chan *CaseEvent, error) {
	ch := make(chan *CaseEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (n *NoOpEventBus) Close() error {
	return nil
}

var _ CaseEventBus = (*NoOpEventBus)(nil)
