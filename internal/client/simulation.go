package client

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"bugpilot/internal/shared/model"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// Simulation - 脚本回放
// ============================================================================

//go:embed scripts/demo.yaml
var demoScript []byte

// ScriptStep 脚本中的一步：等待 Delay 后发出一条事件
type ScriptStep struct {
	Delay   time.Duration   `yaml:"delay"`
	Agent   model.Agent     `yaml:"agent"`
	Type    model.EventType `yaml:"type"`
	Step    string          `yaml:"step"`
	Message string          `yaml:"message"`
	Data    any             `yaml:"data,omitempty"`
}

// Script 一段可回放的事件脚本
type Script struct {
	Name  string       `yaml:"name"`
	Steps []ScriptStep `yaml:"steps"`
}

// ParseScript 解析 YAML 脚本
func ParseScript(b []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	for i, st := range s.Steps {
		if st.Agent != model.AgentPipeline && !st.Agent.IsStage() {
			return nil, fmt.Errorf("step %d: unknown agent %q", i, st.Agent)
		}
		if !st.Type.Valid() {
			return nil, fmt.Errorf("step %d: unknown event type %q", i, st.Type)
		}
		if st.Delay < 0 {
			return nil, fmt.Errorf("step %d: negative delay", i)
		}
	}
	return &s, nil
}

// LoadScript 从文件加载脚本
func LoadScript(path string) (*Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScript(b)
}

// DemoScript 内置演示脚本
func DemoScript() *Script {
	s, err := ParseScript(demoScript)
	if err != nil {
		panic(fmt.Sprintf("embedded demo script: %v", err))
	}
	return s
}

// Scaled 返回所有延迟乘以 factor 的副本；factor <= 0 时延迟全部为 0
func (s *Script) Scaled(factor float64) *Script {
	out := &Script{Name: s.Name, Steps: make([]ScriptStep, len(s.Steps))}
	copy(out.Steps, s.Steps)
	for i := range out.Steps {
		if factor <= 0 {
			out.Steps[i].Delay = 0
			continue
		}
		out.Steps[i].Delay = time.Duration(float64(out.Steps[i].Delay) * factor)
	}
	return out
}

// EventAt 将脚本步骤转为时间戳为 at 的事件
func (st ScriptStep) EventAt(at time.Time) model.Event {
	e := model.NewEvent(st.Agent, st.Type, st.Step, st.Message, jsonData(st.Data))
	e.Timestamp = at.UTC()
	return e
}

// Events 按 base 加累计延迟为每一步打时间戳
//
// 同一 base 下多次回放得到完全相同的事件序列。
func (s *Script) Events(base time.Time) []model.Event {
	out := make([]model.Event, len(s.Steps))
	offset := time.Duration(0)
	for i, st := range s.Steps {
		offset += st.Delay
		out[i] = st.EventAt(base.Add(offset))
	}
	return out
}

// jsonData 预先序列化脚本负载
func jsonData(v any) any {
	if v == nil {
		return nil
	}
	if b, err := json.Marshal(v); err == nil {
		return json.RawMessage(b)
	}
	return v
}

// Play 按脚本节奏向 run 投递事件
//
// run 被取代（Start/Reset）或 ctx 取消时立即停止，已排定的步骤不会再投递。
func (s *Script) Play(ctx context.Context, run *Run) error {
	ctx, cancel := mergeDone(ctx, run.Context())
	defer cancel()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	events := s.Events(run.StartedAt())
	for i, st := range s.Steps {
		if st.Delay > 0 {
			timer.Reset(st.Delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		if !run.Dispatch(EventReceived{Event: events[i]}) {
			return context.Canceled
		}
	}
	return nil
}

// Emit 立即按顺序投递全部事件（不等待延迟，时间戳仍按延迟推算）
func (s *Script) Emit(emit func(model.Event) error) error {
	for _, e := range s.Events(time.Now()) {
		if err := emit(e); err != nil {
			return err
		}
	}
	return nil
}

// mergeDone 任一 ctx 结束即结束
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
