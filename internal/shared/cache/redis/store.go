// Package redis Redis 缓存实现
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bugpilot/internal/shared/cache"
)

// Store Redis 缓存存储
type Store struct {
	client *redis.Client
}

var _ cache.DeliveryCache = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建缓存实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// MarkDelivery SETNX 实现投递去重
func (s *Store) MarkDelivery(ctx context.Context, source, deliveryID string, ttl time.Duration) (bool, error) {
	key := cache.KeyDelivery + source + ":" + deliveryID
	ok, err := s.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark delivery %s: %w", key, err)
	}
	return ok, nil
}

// ForgetDelivery 删除去重标记
func (s *Store) ForgetDelivery(ctx context.Context, source, deliveryID string) error {
	key := cache.KeyDelivery + source + ":" + deliveryID
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to forget delivery %s: %w", key, err)
	}
	return nil
}

// Close 关闭连接
func (s *Store) Close() error {
	return s.client.Close()
}
