// Package queue 消息队列抽象接口
//
// 提供调查任务的分发和消费能力，当前由 Redis Streams 实现。
// 由入站触发（webhook、Slack 按钮）生产，后台 worker 消费。
package queue

import (
	"context"
	"time"
)

// InvestigationQueue 调查任务队列接口
type InvestigationQueue interface {
	// Enqueue 加入队列，返回消息 ID
	Enqueue(ctx context.Context, job *Job) (string, error)
	CreateConsumerGroup(ctx context.Context) error
	// Consume 阻塞读取最多 count 个任务；超时无消息返回 (nil, nil)
	Consume(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*Job, error)
	Ack(ctx context.Context, messageID string) error
	Len(ctx context.Context) (int64, error)
	Close() error
}
