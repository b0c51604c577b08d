// Package storage 定义存储层领域错误与接口
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore）负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突：比较并交换时当前状态已被其他写入者修改
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突，如同一 (repo, external_issue_id) 重复创建 Case
	ErrDuplicate = errors.New("duplicate: entity already exists")
)
