// Package redis 基于 Redis Streams 的 Case 事件总线
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"bugpilot/internal/shared/eventbus"
)

// Store Redis 事件总线
type Store struct {
	client *redis.Client
}

var _ eventbus.CaseEventBus = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建事件总线
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}

func caseEventsKey(caseID string) string {
	return eventbus.KeyCaseEvents + caseID
}

// PublishCaseEvent 发布 Case 事件
func (s *Store) PublishCaseEvent(ctx context.Context, caseID string, event *eventbus.CaseEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	args := &redis.XAddArgs{
		Stream: caseEventsKey(caseID),
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"kind":      string(event.Kind),
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(event.Payload),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish case event: %w", err)
	}
	event.ID = id
	event.CaseID = caseID
	return nil
}

// GetCaseEvents 按顺序读取 Case 事件；fromID 为空时从头读取
func (s *Store) GetCaseEvents(ctx context.Context, caseID string, fromID string, count int64) ([]*eventbus.CaseEvent, error) {
	if fromID == "" {
		fromID = "-"
	}

	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, caseEventsKey(caseID), fromID, "+", count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, caseEventsKey(caseID), fromID, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get case events: %w", err)
	}

	events := make([]*eventbus.CaseEvent, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, decodeMessage(caseID, msg))
	}
	return events, nil
}

// SubscribeCaseEvents 订阅 Case 的新事件，ctx 结束时关闭 channel
func (s *Store) SubscribeCaseEvents(ctx context.Context, caseID string) (<-chan *eventbus.CaseEvent, error) {
	key := caseEventsKey(caseID)
	ch := make(chan *eventbus.CaseEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   10,
				Block:   5 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() == nil {
					log.Printf("[Redis/EventBus] case %s subscription error: %v", caseID, err)
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					select {
					case ch <- decodeMessage(caseID, msg):
						lastID = msg.ID
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

func decodeMessage(caseID string, msg redis.XMessage) *eventbus.CaseEvent {
	e := &eventbus.CaseEvent{ID: msg.ID, CaseID: caseID}
	if kind, ok := msg.Values["kind"].(string); ok {
		e.Kind = eventbus.Kind(kind)
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
	}
	if payload, ok := msg.Values["payload"].(string); ok && json.Valid([]byte(payload)) {
		e.Payload = json.RawMessage(payload)
	}
	return e
}
