package investigation

import (
	"context"
	"fmt"
	"log"

	"bugpilot/internal/shared/model"
)

// ============================================================================
// Stage
// ============================================================================

// StageInput 阶段输入
type StageInput struct {
	Issue model.Issue
	// Prior 之前各阶段的结果（只读副本）
	Prior *model.InvestigationReport
}

// Stage 一个分析阶段
//
// 事件契约：
//   - 任意数量的 status / progress / log 事件
//   - 恰好一个终结事件（result 或 error）
//   - 恰好一个 complete 事件
//
// 无法完成的阶段应发出 error + complete 并返回降级结果与 nil 错误。
// 在终结事件之前返回非 nil 错误（或 panic）视为硬故障，流水线终止；
// 终结事件之后返回的错误只使该阶段降级。
type Stage interface {
	Name() model.Agent
	Run(ctx context.Context, in StageInput, emit Emitter) (any, error)
}

// ============================================================================
// Events - 阶段侧事件构造助手
// ============================================================================

// Events 以固定 agent 名发出事件的助手
type Events struct {
	Agent model.Agent
	Out   Emitter
}

// For 返回绑定 agent 的事件助手
func For(agent model.Agent, out Emitter) Events {
	return Events{Agent: agent, Out: out}
}

func (ev Events) emit(typ model.EventType, step, msg string, data any) error {
	return ev.Out.Emit(model.NewEvent(ev.Agent, typ, step, msg, data))
}

// Status 阶段状态
func (ev Events) Status(step, msg string) error {
	return ev.emit(model.EventStatus, step, msg, nil)
}

// Progress 阶段进度
func (ev Events) Progress(step, msg string, data any) error {
	return ev.emit(model.EventProgress, step, msg, data)
}

// Log 细节日志
func (ev Events) Log(step, msg string) error {
	return ev.emit(model.EventLog, step, msg, nil)
}

// Result 终结事件：成功
func (ev Events) Result(step, msg string, data any) error {
	return ev.emit(model.EventResult, step, msg, data)
}

// Error 终结事件：阶段自身报告的失败
func (ev Events) Error(step, msg string, data any) error {
	return ev.emit(model.EventError, step, msg, data)
}

// Complete 阶段结束
func (ev Events) Complete(msg string) error {
	return ev.emit(model.EventComplete, model.StepDone, msg, nil)
}

// ============================================================================
// StageEmitter - 契约跟踪
// ============================================================================

// StageEmitter 包装阶段的输出并跟踪事件契约
//
//   - agent 字段被强制为阶段名
//   - 第二个终结事件与 complete 之后的事件被丢弃
//   - Pipeline 根据 Terminal()/Completed() 补发缺失的事件
type StageEmitter struct {
	agent     model.Agent
	next      Emitter
	terminal  model.EventType
	completed bool
}

// NewStageEmitter 创建阶段输出包装
func NewStageEmitter(agent model.Agent, next Emitter) *StageEmitter {
	return &StageEmitter{agent: agent, next: next}
}

// Emit 实现 Emitter
func (s *StageEmitter) Emit(e model.Event) error {
	if s.completed {
		log.Printf("[Investigation] %s emitted %s after complete, dropped", s.agent, e.Type)
		return nil
	}
	e.Agent = s.agent

	switch e.Type {
	case model.EventResult, model.EventError:
		if s.terminal != "" {
			log.Printf("[Investigation] %s emitted second terminal event %s, dropped", s.agent, e.Type)
			return nil
		}
		s.terminal = e.Type
	case model.EventComplete:
		if s.terminal == "" {
			return fmt.Errorf("stage %s: complete emitted before result or error", s.agent)
		}
		s.completed = true
	}
	return s.next.Emit(e)
}

// Terminal 返回已发出的终结事件类型，未发出时为空
func (s *StageEmitter) Terminal() model.EventType { return s.terminal }

// Completed 是否已发出 complete
func (s *StageEmitter) Completed() bool { return s.completed }

// Degraded 阶段是否以 error 终结
func (s *StageEmitter) Degraded() bool { return s.terminal == model.EventError }

// finish 补发缺失的终结事件与 complete
func (s *StageEmitter) finish(result any) error {
	if s.terminal == "" {
		if err := s.Emit(model.NewEvent(s.agent, model.EventResult, model.StepDone,
			fmt.Sprintf("%s finished", s.agent), result)); err != nil {
			return err
		}
	}
	if !s.completed {
		return s.Emit(model.NewEvent(s.agent, model.EventComplete, model.StepDone,
			fmt.Sprintf("%s complete", s.agent), nil))
	}
	return nil
}
