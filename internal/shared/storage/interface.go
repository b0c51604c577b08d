package storage

import (
	"context"
	"encoding/json"

	"bugpilot/internal/shared/model"
)

// CaseFilter Case 列表查询条件
type CaseFilter struct {
	State model.CaseState
	Repo  string
	Limit int
}

// CaseStore Case 持久化接口（由 repository.Store 与 mongostore.Store 实现）
//
// 实现必须保证：
//   - CreateCase 在同一事务内写入 Case 与初始 NEW → NEW 审计记录
//   - (repo, external_issue_id) 唯一，冲突返回 ErrDuplicate
//   - TransitionCase 在同一事务内追加审计记录并更新 state，且仅当当前 state == from
//     时生效，否则返回 ErrConflict；两者要么都成功要么都不生效
//   - ListTransitions 按时间倒序（最新在前）
type CaseStore interface {
	CreateCase(ctx context.Context, c *model.Case) error
	GetCase(ctx context.Context, id string) (*model.Case, error)
	GetCaseByExternal(ctx context.Context, repo, externalIssueID string) (*model.Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]*model.Case, error)
	UpdateCaseSource(ctx context.Context, id string, src model.CaseSource) error
	TransitionCase(ctx context.Context, id string, from, to model.CaseState, metadata json.RawMessage) (*model.CaseTransition, error)
	ListTransitions(ctx context.Context, caseID string) ([]*model.CaseTransition, error)
	Close() error
}
