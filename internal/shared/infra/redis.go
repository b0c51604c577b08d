// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	cacheredis "bugpilot/internal/shared/cache/redis"
	eventbusredis "bugpilot/internal/shared/eventbus/redis"
	queueredis "bugpilot/internal/shared/queue/redis"
)

// RedisInfra 共享同一连接的 Redis 组件
type RedisInfra struct {
	EventBus   *eventbusredis.Store
	Deliveries *cacheredis.Store
	Queue      *queueredis.Store

	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &RedisInfra{
		client:     client,
		EventBus:   eventbusredis.NewStoreFromClient(client),
		Deliveries: cacheredis.NewStoreFromClient(client),
		Queue:      queueredis.NewStoreFromClient(client),
	}, nil
}

// Close 关闭底层连接（各组件共享，只关闭一次）
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
