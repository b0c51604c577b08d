// Package cache 缓存层抽象接口
//
// 提供临时状态的存取能力，当前由 Redis 实现。
package cache

import (
	"context"
	"time"
)

// DeliveryCache 入站 webhook 投递去重
//
// GitHub / Slack 都会在超时后重发同一投递，MarkDelivery 保证同一投递 ID
// 在 ttl 内只被处理一次。
type DeliveryCache interface {
	// MarkDelivery 首次见到该投递返回 true，重复投递返回 false
	MarkDelivery(ctx context.Context, source, deliveryID string, ttl time.Duration) (bool, error)
	// ForgetDelivery 撤销标记，处理失败后让重发的同一投递能再次被处理
	ForgetDelivery(ctx context.Context, source, deliveryID string) error
	Close() error
}

// KeyDelivery 投递去重 key 前缀
const KeyDelivery = "delivery:"
