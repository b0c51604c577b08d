// Package cases Case 领域 - 业务逻辑与 HTTP 处理
//
// Service 是 Case 状态的唯一写入方：webhook、Slack 按钮、调查流水线都经由它
// 创建 Case 与迁移状态。每次迁移成功后：
//   - 发布 transition 事件到 Case 事件总线（WebSocket 镜像）
//   - 在 Case 关联的 Slack 线程中发通知
//
// 两者都是旁路，失败只记日志，不影响迁移结果。
package cases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bugpilot/internal/notify"
	"bugpilot/internal/shared/eventbus"
	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/storage"
	"bugpilot/pkg/logging"

	"github.com/google/uuid"
)

var (
	// ErrTransitionRejected 迁移被策略拒绝或目标状态无效
	ErrTransitionRejected = errors.New("transition rejected")

	// ErrInvalidInput 创建请求缺少必填字段
	ErrInvalidInput = errors.New("invalid input")
)

// Options Service 可选依赖
type Options struct {
	// Policy 迁移策略，默认 model.AllowAll
	Policy model.TransitionPolicy
	Bus    eventbus.CaseEventBus
	// Notifier 为 nil 时不发通知
	Notifier notify.Notifier
	// Channel Case 未关联 Slack 线程时用于开线程的默认频道
	Channel string
	Logger  *logging.Logger
}

// Service Case 业务逻辑
type Service struct {
	store    storage.CaseStore
	policy   model.TransitionPolicy
	bus      eventbus.CaseEventBus
	notifier notify.Notifier
	channel  string
	logger   *logging.Logger
}

// NewService 创建 Case 服务
func NewService(store storage.CaseStore, opts Options) *Service {
	if opts.Policy == nil {
		opts.Policy = model.AllowAll{}
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.NewNoOpEventBus()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoOp{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("cases")
	}
	return &Service{
		store:    store,
		policy:   opts.Policy,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		channel:  opts.Channel,
		logger:   opts.Logger,
	}
}

// ============================================================================
// 创建
// ============================================================================

// Create 创建 Case；(repo, external_issue_id) 已存在时返回已有 Case
//
// 重复创建时把 src 中的非空来源信息（如 Slack 线程）合并进已有 Case，
// 返回 created=false。并发创建同一 issue 时恰好一方 created=true。
func (s *Service) Create(ctx context.Context, src model.CaseSource) (*model.Case, bool, error) {
	src.Repo = strings.TrimSpace(src.Repo)
	src.ExternalIssueID = strings.TrimSpace(src.ExternalIssueID)
	if src.Repo == "" || src.ExternalIssueID == "" {
		return nil, false, fmt.Errorf("%w: repo and external_issue_id are required", ErrInvalidInput)
	}

	c := &model.Case{
		ID:              uuid.NewString(),
		Repo:            src.Repo,
		ExternalIssueID: src.ExternalIssueID,
		Title:           src.Title,
		SlackChannel:    src.SlackChannel,
		SlackThreadTS:   src.SlackThreadTS,
	}
	err := s.store.CreateCase(ctx, c)
	switch {
	case err == nil:
		s.logger.WithCaseID(c.ID).Info("case created", "repo", c.Repo, "issue", c.ExternalIssueID)
		s.openThread(ctx, c)
		return c, true, nil
	case errors.Is(err, storage.ErrDuplicate):
		existing, err := s.mergeExisting(ctx, src)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("create case: %w", err)
	}
}

func (s *Service) mergeExisting(ctx context.Context, src model.CaseSource) (*model.Case, error) {
	existing, err := s.store.GetCaseByExternal(ctx, src.Repo, src.ExternalIssueID)
	if err != nil {
		return nil, fmt.Errorf("load existing case: %w", err)
	}
	if existing == nil {
		return nil, fmt.Errorf("case %s#%s: %w", src.Repo, src.ExternalIssueID, storage.ErrNotFound)
	}
	if err := s.store.UpdateCaseSource(ctx, existing.ID, src); err != nil {
		return nil, fmt.Errorf("merge case source: %w", err)
	}
	merged, err := s.store.GetCase(ctx, existing.ID)
	if err != nil || merged == nil {
		return existing, err
	}
	s.logger.WithCaseID(merged.ID).Info("duplicate case resolved to existing", "repo", src.Repo, "issue", src.ExternalIssueID)
	return merged, nil
}

// openThread 新 Case 发开线程消息；没有关联线程时在默认频道开一个并回写
func (s *Service) openThread(ctx context.Context, c *model.Case) {
	channel, thread := c.SlackChannel, c.SlackThreadTS
	if channel == "" {
		channel = s.channel
	}
	if channel == "" {
		return
	}
	ts, err := s.notifier.PostInThread(ctx, channel, thread, notify.CreatedMessage(c))
	if err != nil {
		s.logger.WithCaseID(c.ID).WithError(err).Warn("failed to announce case")
		return
	}
	if thread != "" || ts == "" {
		return
	}
	src := model.CaseSource{SlackChannel: channel, SlackThreadTS: ts}
	if err := s.store.UpdateCaseSource(ctx, c.ID, src); err != nil {
		s.logger.WithCaseID(c.ID).WithError(err).Warn("failed to record slack thread")
		return
	}
	c.SlackChannel, c.SlackThreadTS = channel, ts
}

// ============================================================================
// 查询
// ============================================================================

// Get 获取 Case，不存在返回 storage.ErrNotFound
func (s *Service) Get(ctx context.Context, id string) (*model.Case, error) {
	c, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("case %s: %w", id, storage.ErrNotFound)
	}
	return c, nil
}

// List 列出 Case
func (s *Service) List(ctx context.Context, filter storage.CaseFilter) ([]*model.Case, error) {
	return s.store.ListCases(ctx, filter)
}

// History 审计记录，最新在前
func (s *Service) History(ctx context.Context, id string) ([]*model.CaseTransition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTransitions(ctx, id)
}

// ============================================================================
// 状态迁移
// ============================================================================

// Transition 将 Case 迁移到 to
//
// 当前状态在迁移前读取并作为比较条件；与并发迁移冲突时基于最新状态重试一次。
// 目标状态无效或策略拒绝返回 ErrTransitionRejected，不产生任何写入。
func (s *Service) Transition(ctx context.Context, id string, to model.CaseState, metadata json.RawMessage) (*model.TransitionResult, error) {
	target, err := model.ParseCaseState(string(to))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransitionRejected, err)
	}
	if len(metadata) > 0 && !json.Valid(metadata) {
		return nil, fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidInput)
	}

	var (
		c  *model.Case
		tr *model.CaseTransition
	)
	for attempt := 0; attempt < 2; attempt++ {
		c, err = s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.policy.Check(c.State, target); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransitionRejected, err)
		}
		tr, err = s.store.TransitionCase(ctx, id, c.State, target, metadata)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) || attempt == 1 {
			return nil, err
		}
		s.logger.WithCaseID(id).Debug("transition raced, retrying from fresh state")
	}

	log := s.logger.WithCaseID(id)
	log.Info("case transitioned", "from", tr.FromState, "to", tr.ToState)

	if err := s.bus.PublishCaseEvent(ctx, id, eventbus.NewTransitionEvent(tr)); err != nil {
		log.WithError(err).Warn("failed to publish transition")
	}
	s.notifyTransition(ctx, c, tr, metadata)

	return &model.TransitionResult{CaseID: id, From: tr.FromState, To: tr.ToState}, nil
}

func (s *Service) notifyTransition(ctx context.Context, c *model.Case, tr *model.CaseTransition, metadata json.RawMessage) {
	if !c.HasThread() {
		return
	}
	msg := notify.TransitionMessage(c, tr.FromState, tr.ToState, metadataSummary(metadata))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := s.notifier.PostInThread(ctx, c.SlackChannel, c.SlackThreadTS, msg); err != nil {
		s.logger.WithCaseID(c.ID).WithError(err).Warn("failed to notify transition")
	}
}

// metadataSummary 从迁移元数据中取出可读摘要（summary / reason / error）
func metadataSummary(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(metadata, &m); err != nil {
		return ""
	}
	for _, key := range []string{"summary", "reason", "error"} {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
