// Package mongostore 实现基于 MongoDB 的 CaseStore
//
// 使用 mongo-go-driver v2。审计记录内嵌在 Case 文档中，
// 状态更新与审计追加通过单文档原子更新完成，不依赖副本集事务。
package mongostore

import (
	"context"
	"fmt"
	"time"

	"bugpilot/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection 名称常量
const (
	ColCases = "cases"
)

// indexCreator 在指定 collection 上创建索引
type indexCreator func(ctx context.Context, col *mongo.Collection, m mongo.IndexModel) error

func createIndex(ctx context.Context, col *mongo.Collection, m mongo.IndexModel) error {
	_, err := col.Indexes().CreateOne(ctx, m)
	return err
}

// Store 实现 storage.CaseStore 接口的 MongoDB 驱动
type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	createIndex indexCreator
}

var _ storage.CaseStore = (*Store)(nil)

// NewStore 创建 MongoDB 存储实例
//
// uri: MongoDB 连接 URI，如 "mongodb://localhost:27017"
// dbName: 数据库名称，如 "bugpilot"
func NewStore(uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect failed: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping failed: %w", err)
	}

	return open(ctx, client, dbName, createIndex)
}

// open 建立索引后返回 Store；(repo, external_issue_id) 唯一性依赖唯一索引，建索引失败即失败
func open(ctx context.Context, client *mongo.Client, dbName string, create indexCreator) (*Store, error) {
	s := &Store{client: client, db: client.Database(dbName), createIndex: create}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ensure indexes: %w", err)
	}
	return s, nil
}

// Close 关闭 MongoDB 连接
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// col 获取指定 Collection
func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

// ensureIndexes 创建所有必要的索引
func (s *Store) ensureIndexes(ctx context.Context) error {
	type idx struct {
		col    string
		keys   bson.D
		unique bool
	}

	indexes := []idx{
		{ColCases, bson.D{{Key: "repo", Value: 1}, {Key: "external_issue_id", Value: 1}}, true},
		{ColCases, bson.D{{Key: "state", Value: 1}}, false},
		{ColCases, bson.D{{Key: "created_at", Value: -1}}, false},
	}

	for _, i := range indexes {
		m := mongo.IndexModel{Keys: i.keys}
		if i.unique {
			m.Options = options.Index().SetUnique(true)
		}
		if err := s.createIndex(ctx, s.col(i.col), m); err != nil {
			return fmt.Errorf("create index on %s: %w", i.col, err)
		}
	}
	return nil
}
