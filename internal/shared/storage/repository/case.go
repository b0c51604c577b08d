package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/storage"
	"bugpilot/internal/shared/storage/dbutil"
)

const caseColumns = `id, repo, external_issue_id, title, state, slack_channel, slack_thread_ts, created_at, updated_at`

// createdMetadata 初始审计记录的元数据
var createdMetadata = json.RawMessage(`{"reason":"created"}`)

// CreateCase 创建 Case 并写入初始 NEW → NEW 审计记录
//
// 两条写入在同一事务内完成。(repo, external_issue_id) 冲突返回 storage.ErrDuplicate，
// 此时不会留下任何行。
func (s *Store) CreateCase(ctx context.Context, c *model.Case) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	c.State = model.CaseNew

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := s.rebind(`
		INSERT INTO cases (` + caseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	_, err = tx.ExecContext(ctx, query,
		c.ID, c.Repo, c.ExternalIssueID, c.Title, string(c.State),
		c.SlackChannel, c.SlackThreadTS, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("case %s#%s: %w", c.Repo, c.ExternalIssueID, storage.ErrDuplicate)
		}
		return err
	}

	if _, err := s.insertTransition(ctx, tx, c.ID, model.CaseNew, model.CaseNew, createdMetadata, c.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCase 按 ID 获取 Case，不存在返回 (nil, nil)
func (s *Store) GetCase(ctx context.Context, id string) (*model.Case, error) {
	query := s.rebind(`SELECT ` + caseColumns + ` FROM cases WHERE id = $1`)
	return scanCase(s.db.QueryRowContext(ctx, query, id))
}

// GetCaseByExternal 按 (repo, external_issue_id) 获取 Case，不存在返回 (nil, nil)
func (s *Store) GetCaseByExternal(ctx context.Context, repo, externalIssueID string) (*model.Case, error) {
	query := s.rebind(`SELECT ` + caseColumns + ` FROM cases WHERE repo = $1 AND external_issue_id = $2`)
	return scanCase(s.db.QueryRowContext(ctx, query, repo, externalIssueID))
}

// ListCases 列出 Case（按创建时间倒序）
func (s *Store) ListCases(ctx context.Context, filter storage.CaseFilter) ([]*model.Case, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.State != "" {
		args = append(args, string(filter.State))
		conditions = append(conditions, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.Repo != "" {
		args = append(args, filter.Repo)
		conditions = append(conditions, fmt.Sprintf("repo = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	suffix := fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	query := dbutil.BuildWhere(s.dialect, `SELECT `+caseColumns+` FROM cases`, conditions, suffix)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cases := []*model.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// UpdateCaseSource 合并来源元数据：只覆盖 src 中非空且当前为空的字段
func (s *Store) UpdateCaseSource(ctx context.Context, id string, src model.CaseSource) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	c, err := scanCase(tx.QueryRowContext(ctx, s.rebind(`SELECT `+caseColumns+` FROM cases WHERE id = $1`), id))
	if err != nil {
		return err
	}
	if c == nil {
		return storage.ErrNotFound
	}

	changed := false
	merge := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
			changed = true
		}
	}
	merge(&c.Title, src.Title)
	merge(&c.SlackChannel, src.SlackChannel)
	merge(&c.SlackThreadTS, src.SlackThreadTS)
	if !changed {
		return nil
	}

	query := s.rebind(`
		UPDATE cases SET title = $1, slack_channel = $2, slack_thread_ts = $3, updated_at = $4
		WHERE id = $5
	`)
	if _, err := tx.ExecContext(ctx, query, c.Title, c.SlackChannel, c.SlackThreadTS, time.Now().UTC(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// TransitionCase 将 Case 从 from 迁移到 to，并追加审计记录
//
// 状态更新带比较条件（state = from），与审计写入处于同一事务：
//   - Case 不存在返回 storage.ErrNotFound
//   - 当前状态已不是 from 返回 storage.ErrConflict
//   - to 不是有效状态返回 model.ErrInvalidState
//
// 任一错误都不会留下部分写入。
func (s *Store) TransitionCase(ctx context.Context, id string, from, to model.CaseState, metadata json.RawMessage) (*model.CaseTransition, error) {
	to = to.Normalize()
	from = from.Normalize()
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidState, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := s.rebind(`
		UPDATE cases SET state = $1, updated_at = $2
		WHERE id = $3 AND (state = $4 OR state = $5)
	`)
	res, err := tx.ExecContext(ctx, query, string(to), now, id, string(from), legacyName(from))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT state FROM cases WHERE id = $1`), id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("case %s is %s, expected %s: %w", id, current, from, storage.ErrConflict)
	}

	tr, err := s.insertTransition(ctx, tx, id, from, to, metadata, now)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tr, nil
}

// ListTransitions 返回 Case 的全部审计记录，最新在前
func (s *Store) ListTransitions(ctx context.Context, caseID string) ([]*model.CaseTransition, error) {
	query := s.rebind(`
		SELECT id, case_id, from_state, to_state, metadata, created_at
		FROM case_transitions WHERE case_id = $1
		ORDER BY id DESC
	`)
	rows, err := s.db.QueryContext(ctx, query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.CaseTransition{}
	for rows.Next() {
		var (
			tr       model.CaseTransition
			from, to string
			meta     sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.CaseID, &from, &to, &meta, &tr.CreatedAt); err != nil {
			return nil, err
		}
		tr.FromState = model.CaseState(from).Normalize()
		tr.ToState = model.CaseState(to).Normalize()
		tr.Metadata = rawJSON(meta)
		out = append(out, &tr)
	}
	return out, rows.Err()
}

func (s *Store) insertTransition(ctx context.Context, tx *sql.Tx, caseID string, from, to model.CaseState, metadata json.RawMessage, at time.Time) (*model.CaseTransition, error) {
	query := s.rebind(`
		INSERT INTO case_transitions (case_id, from_state, to_state, metadata, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		RETURNING id
	`)
	tr := &model.CaseTransition{
		CaseID:    caseID,
		FromState: from,
		ToState:   to,
		Metadata:  metadata,
		CreatedAt: at,
	}
	if err := tx.QueryRowContext(ctx, query, caseID, string(from), string(to), nullableJSON(metadata), at).Scan(&tr.ID); err != nil {
		return nil, fmt.Errorf("insert transition: %w", err)
	}
	return tr, nil
}

// legacyName 返回状态在旧数据中可能出现的名字
func legacyName(s model.CaseState) string {
	if s == model.CaseNew {
		return string(model.CaseOpenLegacy)
	}
	return string(s)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*model.Case, error) {
	var (
		c     model.Case
		state string
	)
	err := row.Scan(&c.ID, &c.Repo, &c.ExternalIssueID, &c.Title, &state,
		&c.SlackChannel, &c.SlackThreadTS, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.State = model.CaseState(state).Normalize()
	return &c, nil
}
