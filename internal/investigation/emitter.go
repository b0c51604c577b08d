// Package investigation 调查流水线
//
// 包含：
//   - Emitter：事件输出抽象（SSE、控制台、回调、空实现）
//   - Stage：单个分析阶段的契约与 StageEmitter 契约校验
//   - Pipeline：按固定顺序驱动各阶段并累积报告
//   - Recorder：流水线 Prometheus 指标
//   - SSEWriter：将事件写为 text/event-stream
package investigation

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"bugpilot/internal/shared/model"

	"github.com/fatih/color"
)

// ============================================================================
// Emitter
// ============================================================================

// Emitter 事件输出
//
// Emit 返回错误表示下游已不可写（例如 HTTP 客户端断开），
// Pipeline 收到错误后会取消本次运行。
type Emitter interface {
	Emit(e model.Event) error
}

// EmitterFunc 函数适配器
type EmitterFunc func(e model.Event) error

// Emit 实现 Emitter
func (f EmitterFunc) Emit(e model.Event) error { return f(e) }

// NoopEmitter 丢弃所有事件
type NoopEmitter struct{}

// Emit 实现 Emitter
func (NoopEmitter) Emit(model.Event) error { return nil }

// Recording 收集事件（用于测试与 CLI 汇总）
type Recording struct {
	mu     sync.Mutex
	events []model.Event
}

// Emit 实现 Emitter
func (r *Recording) Emit(e model.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Events 返回已收集事件的副本
func (r *Recording) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// tee 主输出 + 旁路输出
type tee struct {
	primary Emitter
	side    []Emitter
}

// Tee 将事件同时写入 primary 与 side
//
// 只有 primary 的错误会返回给调用方；side（如 Redis 事件总线镜像）失败只记日志。
func Tee(primary Emitter, side ...Emitter) Emitter {
	if len(side) == 0 {
		return primary
	}
	return &tee{primary: primary, side: side}
}

func (t *tee) Emit(e model.Event) error {
	for _, s := range t.side {
		if err := s.Emit(e); err != nil {
			log.Printf("[Investigation] side emitter failed for %s/%s: %v", e.Agent, e.Type, err)
		}
	}
	return t.primary.Emit(e)
}

// ============================================================================
// ConsoleEmitter - 终端彩色输出
// ============================================================================

var agentColors = map[model.Agent]color.Attribute{
	model.AgentTriage:          color.FgCyan,
	model.AgentCodebaseSearch:  color.FgYellow,
	model.AgentDocAnalysis:     color.FgBlue,
	model.AgentLogAnalysis:     color.FgGreen,
	model.AgentPatchGeneration: color.FgHiCyan,
	model.AgentPipeline:        color.FgMagenta,
}

var typeIcons = map[model.EventType]string{
	model.EventStatus:   "●",
	model.EventProgress: "→",
	model.EventResult:   "✓",
	model.EventError:    "✗",
	model.EventLog:      "·",
	model.EventComplete: "■",
}

// ConsoleEmitter 按 agent 着色输出到终端
type ConsoleEmitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleEmitter 创建控制台输出
func NewConsoleEmitter(w io.Writer) *ConsoleEmitter {
	return &ConsoleEmitter{w: w}
}

// Emit 实现 Emitter
func (c *ConsoleEmitter) Emit(e model.Event) error {
	label := strings.ToUpper(strings.ReplaceAll(string(e.Agent), "_", " "))
	line := fmt.Sprintf("  [%s] %s %s", label, typeIcons[e.Type], e.Message)

	var attrs []color.Attribute
	switch e.Type {
	case model.EventError:
		attrs = []color.Attribute{color.FgRed}
	case model.EventLog:
		attrs = []color.Attribute{color.Faint}
	case model.EventStatus, model.EventResult, model.EventComplete:
		attrs = []color.Attribute{color.Bold, agentColors[e.Agent]}
	default:
		attrs = []color.Attribute{agentColors[e.Agent]}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := color.New(attrs...).Fprintln(c.w, line)
	return err
}
