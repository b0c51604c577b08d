// Package redis 基于 Redis Streams 的调查任务队列
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"bugpilot/internal/shared/queue"
)

// Store Redis 队列
type Store struct {
	client *redis.Client
}

var _ queue.InvestigationQueue = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建队列实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Enqueue 将调查任务加入队列
func (s *Store) Enqueue(ctx context.Context, job *queue.Job) (string, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: queue.KeyInvestigations,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]interface{}{
			"case_id": job.CaseID,
			"job":     string(body),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue investigation for case %s: %w", job.CaseID, err)
	}
	job.ID = id
	log.Printf("[Redis/Queue] Enqueued investigation: case=%s msg_id=%s trigger=%s", job.CaseID, id, job.Trigger)
	return id, nil
}

// CreateConsumerGroup 创建消费者组（已存在时忽略）
func (s *Store) CreateConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, queue.KeyInvestigations, queue.WorkerConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Consume 以消费者组方式读取任务
func (s *Store) Consume(ctx context.Context, consumerID string, count int64, blockTimeout time.Duration) ([]*queue.Job, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    queue.WorkerConsumerGroup,
		Consumer: consumerID,
		Streams:  []string{queue.KeyInvestigations, ">"},
		Count:    count,
		Block:    blockTimeout,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume investigations: %w", err)
	}

	var jobs []*queue.Job
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, _ := msg.Values["job"].(string)
			var job queue.Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				// 无法解析的消息直接确认，避免反复投递
				log.Printf("[Redis/Queue] Dropping malformed job %s: %v", msg.ID, err)
				s.client.XAck(ctx, queue.KeyInvestigations, queue.WorkerConsumerGroup, msg.ID)
				continue
			}
			job.ID = msg.ID
			jobs = append(jobs, &job)
		}
	}
	return jobs, nil
}

// Ack 确认任务已处理
func (s *Store) Ack(ctx context.Context, messageID string) error {
	return s.client.XAck(ctx, queue.KeyInvestigations, queue.WorkerConsumerGroup, messageID).Err()
}

// Len 队列长度
func (s *Store) Len(ctx context.Context) (int64, error) {
	return s.client.XLen(ctx, queue.KeyInvestigations).Result()
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}
