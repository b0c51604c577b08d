// Package notify Case 通知
//
// 核心只依赖两项能力：在某频道的某个线程里发消息，以及构造带操作按钮的消息。
// Slack 为默认实现，未配置时使用 NoOp。
package notify

import (
	"context"
	"errors"
	"fmt"

	"bugpilot/internal/shared/model"
	"bugpilot/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// 消息结构（Block Kit 子集）
// ============================================================================

// Text Block Kit 文本对象
type Text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Element 交互元素（按钮）
type Element struct {
	Type     string `json:"type"`
	Text     *Text  `json:"text,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Value    string `json:"value,omitempty"`
	Style    string `json:"style,omitempty"`
}

// Block 消息块
type Block struct {
	Type     string    `json:"type"`
	BlockID  string    `json:"block_id,omitempty"`
	Text     *Text     `json:"text,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// Message 一条待发送的消息
//
// Text 在不支持 Block 的客户端与通知摘要中显示。
type Message struct {
	Text   string  `json:"text"`
	Blocks []Block `json:"blocks,omitempty"`
}

// Action 消息上的操作按钮
type Action struct {
	ID    string
	Label string
	Style string
	// Target 点击后 Case 迁移到的状态
	Target model.CaseState
}

// 报告就绪后可执行的操作
var (
	ActionGeneratePatch = Action{ID: "generate_patch", Label: "Generate patch", Style: "primary", Target: model.CasePatching}
	ActionNeedsHuman    = Action{ID: "needs_human", Label: "Needs human", Target: model.CaseNeedsHuman}
	ActionCloseFailed   = Action{ID: "close_failed", Label: "Close as failed", Style: "danger", Target: model.CaseFailed}
)

// ReportActions REPORT_READY 消息上的按钮
var ReportActions = []Action{ActionGeneratePatch, ActionNeedsHuman, ActionCloseFailed}

// LookupAction 按 action_id 查找按钮
func LookupAction(id string) (Action, bool) {
	for _, a := range ReportActions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

// BuildActionMessage 构造带按钮的消息；按钮 value 携带 Case ID
func BuildActionMessage(caseID, text string, actions []Action) Message {
	msg := Message{
		Text: text,
		Blocks: []Block{{
			Type: "section",
			Text: &Text{Type: "mrkdwn", Text: text},
		}},
	}
	if len(actions) == 0 {
		return msg
	}
	elems := make([]Element, 0, len(actions))
	for _, a := range actions {
		elems = append(elems, Element{
			Type:     "button",
			Text:     &Text{Type: "plain_text", Text: a.Label},
			ActionID: a.ID,
			Value:    caseID,
			Style:    a.Style,
		})
	}
	msg.Blocks = append(msg.Blocks, Block{Type: "actions", BlockID: "case_actions", Elements: elems})
	return msg
}

// TransitionMessage Case 状态变化的通知内容
//
// 进入 REPORT_READY 时附带报告摘要与操作按钮。
func TransitionMessage(c *model.Case, from, to model.CaseState, summary string) Message {
	text := fmt.Sprintf("*%s#%s* %s → *%s*", c.Repo, c.ExternalIssueID, from, to)
	if summary != "" {
		text += "\n" + summary
	}
	if to == model.CaseReportReady {
		return BuildActionMessage(c.ID, text, ReportActions)
	}
	return Message{Text: text}
}

// CreatedMessage 新 Case 的开线程消息
func CreatedMessage(c *model.Case) Message {
	return Message{Text: fmt.Sprintf(":mag: New case *%s#%s*: %s (`%s`)", c.Repo, c.ExternalIssueID, c.Title, c.ID)}
}

// ============================================================================
// Notifier
// ============================================================================

// Notifier 通知协作方
type Notifier interface {
	// PostInThread 在 channel 的 threadTS 线程中发消息；threadTS 为空时开新线程。
	// 返回消息的 ts，可作为后续消息的线程标识。
	PostInThread(ctx context.Context, channel, threadTS string, msg Message) (string, error)

	// BuildActionMessage 构造带操作按钮的消息
	BuildActionMessage(caseID, text string, actions []Action) Message
}

// NoOp 不发送任何消息
type NoOp struct{}

var _ Notifier = NoOp{}

// PostInThread 实现 Notifier
func (NoOp) PostInThread(ctx context.Context, channel, threadTS string, msg Message) (string, error) {
	return threadTS, nil
}

// BuildActionMessage 实现 Notifier
func (NoOp) BuildActionMessage(caseID, text string, actions []Action) Message {
	return BuildActionMessage(caseID, text, actions)
}

// Log 把消息写入日志，便于本地开发时观察通知内容
type Log struct {
	Logger *logging.Logger
}

var _ Notifier = (*Log)(nil)

// PostInThread 实现 Notifier
func (l *Log) PostInThread(ctx context.Context, channel, threadTS string, msg Message) (string, error) {
	l.Logger.WithContext(ctx).Info("notification",
		"channel", channel, "thread_ts", threadTS, "text", msg.Text, "buttons", countButtons(msg))
	return threadTS, nil
}

// BuildActionMessage 实现 Notifier
func (l *Log) BuildActionMessage(caseID, text string, actions []Action) Message {
	return BuildActionMessage(caseID, text, actions)
}

func countButtons(msg Message) int {
	n := 0
	for _, b := range msg.Blocks {
		n += len(b.Elements)
	}
	return n
}

// Multi 并发投递到多个 Notifier
//
// 返回第一个 Notifier 的 ts；任一投递失败都会返回合并后的错误。
type Multi []Notifier

var _ Notifier = Multi(nil)

// PostInThread 实现 Notifier
func (m Multi) PostInThread(ctx context.Context, channel, threadTS string, msg Message) (string, error) {
	if len(m) == 0 {
		return threadTS, nil
	}
	var (
		g    errgroup.Group
		ts   = make([]string, len(m))
		errs = make([]error, len(m))
	)
	for i, n := range m {
		g.Go(func() error {
			ts[i], errs[i] = n.PostInThread(ctx, channel, threadTS, msg)
			return nil
		})
	}
	_ = g.Wait()
	return ts[0], errors.Join(errs...)
}

// BuildActionMessage 实现 Notifier
func (m Multi) BuildActionMessage(caseID, text string, actions []Action) Message {
	return BuildActionMessage(caseID, text, actions)
}
