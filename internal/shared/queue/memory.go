package queue

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// MemoryQueue 进程内队列（未配置 Redis 时使用）
//
// 没有 pending 列表，Ack 为空操作；进程退出即丢失未消费任务。
type MemoryQueue struct {
	ch  chan *Job
	seq atomic.Int64
}

// NewMemoryQueue 创建容量为 size 的进程内队列
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan *Job, size)}
}

// Enqueue 实现 InvestigationQueue；队列满时立即返回错误
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	job.ID = strconv.FormatInt(q.seq.Add(1), 10)
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	select {
	case q.ch <- job:
		return job.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	default:
		return "", ErrQueueFull
	}
}

func (q *MemoryQueue) CreateConsumerGroup(ctx context.Context) error {
	return nil
}

// Consume 实现 InvestigationQueue
func (q *MemoryQueue) Consume(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*Job, error) {
	timer := time.NewTimer(blockTimeout)
	defer timer.Stop()

	var jobs []*Job
	select {
	case job := <-q.ch:
		jobs = append(jobs, job)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	for int64(len(jobs)) < count {
		select {
		case job := <-q.ch:
			jobs = append(jobs, job)
		default:
			return jobs, nil
		}
	}
	return jobs, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, messageID string) error {
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

var _ InvestigationQueue = (*MemoryQueue)(nil)
