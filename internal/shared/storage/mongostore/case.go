package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/storage"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// maxCASRetries 审计序号竞争时的最大重试次数
const maxCASRetries = 5

// caseDoc cases 集合的文档结构
type caseDoc struct {
	ID              string          `bson:"_id"`
	Repo            string          `bson:"repo"`
	ExternalIssueID string          `bson:"external_issue_id"`
	Title           string          `bson:"title"`
	State           string          `bson:"state"`
	SlackChannel    string          `bson:"slack_channel"`
	SlackThreadTS   string          `bson:"slack_thread_ts"`
	CreatedAt       time.Time       `bson:"created_at"`
	UpdatedAt       time.Time       `bson:"updated_at"`
	TransitionSeq   int64           `bson:"transition_seq"`
	Transitions     []transitionDoc `bson:"transitions,omitempty"`
}

type transitionDoc struct {
	Seq       int64     `bson:"seq"`
	From      string    `bson:"from_state"`
	To        string    `bson:"to_state"`
	Metadata  string    `bson:"metadata,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d *caseDoc) toModel() *model.Case {
	return &model.Case{
		ID:              d.ID,
		Repo:            d.Repo,
		ExternalIssueID: d.ExternalIssueID,
		Title:           d.Title,
		State:           model.CaseState(d.State).Normalize(),
		SlackChannel:    d.SlackChannel,
		SlackThreadTS:   d.SlackThreadTS,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func (t transitionDoc) toModel(caseID string) *model.CaseTransition {
	tr := &model.CaseTransition{
		ID:        t.Seq,
		CaseID:    caseID,
		FromState: model.CaseState(t.From).Normalize(),
		ToState:   model.CaseState(t.To).Normalize(),
		CreatedAt: t.CreatedAt,
	}
	if t.Metadata != "" {
		tr.Metadata = json.RawMessage(t.Metadata)
	}
	return tr
}

// withoutTransitions 读取 Case 时不加载内嵌审计记录
var withoutTransitions = bson.D{{Key: "transitions", Value: 0}}

// CreateCase 创建 Case，初始审计记录随文档一并插入
func (s *Store) CreateCase(ctx context.Context, c *model.Case) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	c.State = model.CaseNew

	doc := caseDoc{
		ID:              c.ID,
		Repo:            c.Repo,
		ExternalIssueID: c.ExternalIssueID,
		Title:           c.Title,
		State:           string(model.CaseNew),
		SlackChannel:    c.SlackChannel,
		SlackThreadTS:   c.SlackThreadTS,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
		TransitionSeq:   1,
		Transitions: []transitionDoc{{
			Seq:       1,
			From:      string(model.CaseNew),
			To:        string(model.CaseNew),
			Metadata:  `{"reason":"created"}`,
			CreatedAt: c.CreatedAt,
		}},
	}
	if _, err := s.col(ColCases).InsertOne(ctx, doc); err != nil {
		err = wrapError(err)
		if errors.Is(err, storage.ErrDuplicate) {
			return fmt.Errorf("case %s#%s: %w", c.Repo, c.ExternalIssueID, err)
		}
		return err
	}
	return nil
}

// GetCase 按 ID 获取 Case，不存在返回 (nil, nil)
func (s *Store) GetCase(ctx context.Context, id string) (*model.Case, error) {
	return s.getCase(ctx, bson.D{{Key: "_id", Value: id}})
}

// GetCaseByExternal 按 (repo, external_issue_id) 获取 Case
func (s *Store) GetCaseByExternal(ctx context.Context, repo, externalIssueID string) (*model.Case, error) {
	return s.getCase(ctx, bson.D{{Key: "repo", Value: repo}, {Key: "external_issue_id", Value: externalIssueID}})
}

func (s *Store) getCase(ctx context.Context, filter bson.D) (*model.Case, error) {
	doc, err := findOne[caseDoc](ctx, s.col(ColCases), filter, options.FindOne().SetProjection(withoutTransitions))
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.toModel(), nil
}

// ListCases 列出 Case（按创建时间倒序）
func (s *Store) ListCases(ctx context.Context, filter storage.CaseFilter) ([]*model.Case, error) {
	q := bson.D{}
	if filter.State != "" {
		q = append(q, bson.E{Key: "state", Value: string(filter.State)})
	}
	if filter.Repo != "" {
		q = append(q, bson.E{Key: "repo", Value: filter.Repo})
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(withoutTransitions)

	docs, err := findMany[caseDoc](ctx, s.col(ColCases), q, opts)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Case, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toModel())
	}
	return out, nil
}

// UpdateCaseSource 合并来源元数据：只覆盖当前为空的字段
func (s *Store) UpdateCaseSource(ctx context.Context, id string, src model.CaseSource) error {
	c, err := s.GetCase(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return storage.ErrNotFound
	}

	set := bson.D{}
	if c.Title == "" && src.Title != "" {
		set = append(set, bson.E{Key: "title", Value: src.Title})
	}
	if c.SlackChannel == "" && src.SlackChannel != "" {
		set = append(set, bson.E{Key: "slack_channel", Value: src.SlackChannel})
	}
	if c.SlackThreadTS == "" && src.SlackThreadTS != "" {
		set = append(set, bson.E{Key: "slack_thread_ts", Value: src.SlackThreadTS})
	}
	if len(set) == 0 {
		return nil
	}
	set = append(set, bson.E{Key: "updated_at", Value: time.Now().UTC()})

	_, err = s.col(ColCases).UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: set}})
	return wrapError(err)
}

// TransitionCase 单文档原子更新：$set state 与 $push 审计记录同时生效
//
// 过滤条件同时比较 state 与 transition_seq，两个并发迁移最多一个成功；
// 仅 seq 竞争（state 未变）时重试。
func (s *Store) TransitionCase(ctx context.Context, id string, from, to model.CaseState, metadata json.RawMessage) (*model.CaseTransition, error) {
	to = to.Normalize()
	from = from.Normalize()
	if !to.Valid() {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidState, to)
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		cur, err := findOne[caseDoc](ctx, s.col(ColCases), bson.D{{Key: "_id", Value: id}}, options.FindOne().SetProjection(withoutTransitions))
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, storage.ErrNotFound
		}
		if model.CaseState(cur.State).Normalize() != from {
			return nil, fmt.Errorf("case %s is %s, expected %s: %w", id, cur.State, from, storage.ErrConflict)
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		entry := transitionDoc{
			Seq:       cur.TransitionSeq + 1,
			From:      string(from),
			To:        string(to),
			Metadata:  string(metadata),
			CreatedAt: now,
		}
		filter := bson.D{
			{Key: "_id", Value: id},
			{Key: "state", Value: cur.State},
			{Key: "transition_seq", Value: cur.TransitionSeq},
		}
		update := bson.D{
			{Key: "$set", Value: bson.D{{Key: "state", Value: string(to)}, {Key: "updated_at", Value: now}}},
			{Key: "$inc", Value: bson.D{{Key: "transition_seq", Value: 1}}},
			{Key: "$push", Value: bson.D{{Key: "transitions", Value: entry}}},
		}
		res, err := s.col(ColCases).UpdateOne(ctx, filter, update)
		if err != nil {
			return nil, wrapError(err)
		}
		if res.ModifiedCount == 1 {
			return entry.toModel(id), nil
		}
	}
	return nil, fmt.Errorf("case %s: %w", id, storage.ErrConflict)
}

// ListTransitions 返回审计记录，最新在前
func (s *Store) ListTransitions(ctx context.Context, caseID string) ([]*model.CaseTransition, error) {
	doc, err := findOne[caseDoc](ctx, s.col(ColCases), bson.D{{Key: "_id", Value: caseID}},
		options.FindOne().SetProjection(bson.D{{Key: "transitions", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []*model.CaseTransition{}
	if doc == nil {
		return out, nil
	}
	for i := len(doc.Transitions) - 1; i >= 0; i-- {
		out = append(out, doc.Transitions[i].toModel(caseID))
	}
	return out, nil
}
