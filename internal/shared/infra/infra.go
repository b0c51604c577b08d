// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Store：Case 持久化（PostgreSQL / SQLite / MongoDB）
//   - EventBus：Case 事件总线（Redis Streams）
//   - Deliveries：webhook 投递去重（Redis）
//   - Queue：调查任务队列（Redis Streams）
//   - Archive：报告归档（MinIO）
//
// 未配置 Redis 时退化为 NoOp / 进程内实现。
package infra

import (
	"fmt"
	"log"

	"bugpilot/internal/config"
	"bugpilot/internal/shared/cache"
	"bugpilot/internal/shared/eventbus"
	"bugpilot/internal/shared/objstore"
	"bugpilot/internal/shared/queue"
	"bugpilot/internal/shared/storage"
	"bugpilot/internal/shared/storage/dbutil"
	"bugpilot/internal/shared/storage/mongostore"
	"bugpilot/internal/shared/storage/repository"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	Store      storage.CaseStore
	EventBus   eventbus.CaseEventBus
	Deliveries cache.DeliveryCache
	Queue      queue.InvestigationQueue

	// Archive 报告归档，未配置 MinIO 时为 nil
	Archive *objstore.Client

	redis *RedisInfra
}

// New 按配置初始化全部基础设施
func New(cfg *config.Config) (*Infrastructure, error) {
	store, err := OpenStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	inf := &Infrastructure{
		Store:      store,
		EventBus:   eventbus.NewNoOpEventBus(),
		Deliveries: cache.NewMemoryCache(),
		Queue:      queue.NewMemoryQueue(cfg.Worker.QueueSize),
	}

	if cfg.Redis.URL != "" {
		r, err := NewRedisInfra(cfg.Redis.URL)
		if err != nil {
			log.Printf("WARNING: Redis unavailable, falling back to in-process event bus and queue: %v", err)
		} else {
			inf.redis = r
			inf.EventBus = r.EventBus
			inf.Deliveries = r.Deliveries
			inf.Queue = r.Queue
		}
	}

	if cfg.MinIO.Enabled() {
		archive, err := objstore.NewClient(objstore.Config{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
		if err != nil {
			log.Printf("WARNING: MinIO unavailable, report archiving disabled: %v", err)
		} else {
			inf.Archive = archive
		}
	}

	return inf, nil
}

// OpenStore 按数据库配置打开 CaseStore
func OpenStore(db config.DatabaseConfig) (storage.CaseStore, error) {
	if db.Driver == "mongo" || db.Driver == "mongodb" {
		s, err := mongostore.NewStore(db.URL, db.Name)
		if err != nil {
			return nil, err
		}
		log.Printf("[infra] Case store: mongodb (%s)", db.Name)
		return s, nil
	}

	driver, err := dbutil.ParseDriverType(db.Driver)
	if err != nil {
		return nil, err
	}
	dsn := db.URL
	if driver == dbutil.DriverSQLite {
		dsn = db.Path
	}
	s, err := repository.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	log.Printf("[infra] Case store: %s", driver)
	return s, nil
}

// Close 关闭所有基础设施连接
func (i *Infrastructure) Close() error {
	var lastErr error

	if i.Store != nil {
		if err := i.Store.Close(); err != nil {
			lastErr = err
		}
	}
	if i.redis != nil {
		if err := i.redis.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
