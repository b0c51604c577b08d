package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache 进程内 DeliveryCache（未配置 Redis 时使用，不跨实例共享）
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryCache 创建进程内缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]time.Time), now: time.Now}
}

// MarkDelivery 实现 DeliveryCache
func (m *MemoryCache) MarkDelivery(ctx context.Context, source, deliveryID string, ttl time.Duration) (bool, error) {
	key := KeyDelivery + source + ":" + deliveryID
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.entries[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.entries[key] = now.Add(ttl)

	// 顺带清理过期项，避免长时间运行后无限增长
	for k, exp := range m.entries {
		if !now.Before(exp) {
			delete(m.entries, k)
		}
	}
	return true, nil
}

// ForgetDelivery 实现 DeliveryCache
func (m *MemoryCache) ForgetDelivery(ctx context.Context, source, deliveryID string) error {
	m.mu.Lock()
	delete(m.entries, KeyDelivery+source+":"+deliveryID)
	m.mu.Unlock()
	return nil
}

// Close 实现 DeliveryCache
func (m *MemoryCache) Close() error {
	return nil
}

var _ DeliveryCache = (*MemoryCache)(nil)
