package client

import (
	"encoding/json"
	"time"

	"bugpilot/internal/shared/model"
)

// Msg 归约器输入
type Msg interface {
	isMsg()
}

// Started 开始一次新运行
type Started struct {
	At time.Time
}

// EventReceived 收到一条服务端事件
type EventReceived struct {
	Event model.Event
}

// Tick 计时器滴答
type Tick struct {
	At time.Time
}

// StreamFailed 传输层失败（连接断开、服务端返回错误）
type StreamFailed struct {
	Err string
	At  time.Time
}

func (Started) isMsg()       {}
func (EventReceived) isMsg() {}
func (Tick) isMsg()          {}
func (StreamFailed) isMsg()  {}

// Reduce 纯函数归约：返回新状态，不修改 s
func Reduce(s State, m Msg) State {
	switch m := m.(type) {
	case Started:
		next := NewState()
		next.Status = RunRunning
		next.StartedAt = m.At
		next.Now = m.At
		return next
	case Tick:
		if s.Status != RunRunning {
			return s
		}
		s.Now = m.At
		return s
	case StreamFailed:
		if s.Terminal() {
			return s
		}
		return failRun(s, m.Err, "stream", m.At)
	case EventReceived:
		return reduceEvent(s, m.Event)
	}
	return s
}

func reduceEvent(s State, e model.Event) State {
	if s.Terminal() {
		return s
	}
	if e.Agent == model.AgentPipeline {
		return reducePipeline(s, e)
	}
	cur, known := s.Agents[e.Agent]
	if !known {
		return s
	}
	kind, ok := kindFor[e.Type]
	if !ok {
		return s
	}
	if s.Status == RunIdle {
		s.Status = RunRunning
		s.StartedAt = e.Timestamp
	}

	entry := Entry{Kind: kind, Step: e.Step, Message: e.Message, At: e.Timestamp, Data: e.Data}
	next := AgentState{Status: cur.Status, Entries: appendEntry(cur.Entries, entry)}

	// 首个事件先激活为 running，再按事件类型推进
	if next.Status == AgentIdle {
		next.Status = AgentRunning
	}
	switch {
	case next.Status == AgentDone:
		// done 之后的迟到事件只记日志
	case kind == EntrySuccess:
		next.Status = AgentDone
	case kind == EntryResult || kind == EntryError:
		next.Status = AgentFinding
	}

	s.Agents = withAgent(s.Agents, e.Agent, next)
	s.Timeline = appendTimeline(s.Timeline, TimelineItem{Agent: e.Agent, Entry: entry})
	s.Now = later(s.Now, e.Timestamp)
	return s
}

func reducePipeline(s State, e model.Event) State {
	switch e.Type {
	case model.EventComplete:
		return completeRun(s, e)
	case model.EventError:
		return failRun(s, e.Message, e.Step, e.Timestamp)
	}

	if s.Status == RunIdle {
		s.Status = RunRunning
		s.StartedAt = e.Timestamp
	}
	if e.Type == model.EventResult && e.Step == model.StepReport {
		var overview model.PipelineReportData
		if err := e.DecodeData(&overview); err == nil {
			s.Overview = &overview
		}
	}
	if e.Step == model.StepStarted {
		var started model.PipelineStartedData
		if err := e.DecodeData(&started); err == nil {
			s.RunID = started.RunID
		}
	}
	s.Now = later(s.Now, e.Timestamp)
	return s
}

// completeRun 流水线完成：活跃 agent 强制 done 并补齐 success 条目，保存报告，停止计时
func completeRun(s State, e model.Event) State {
	agents := cloneAgents(s.Agents)
	timeline := s.Timeline
	for _, a := range KnownAgents {
		st := agents[a]
		if st.Status == AgentIdle || st.Status == AgentDone {
			continue
		}
		if n := len(st.Entries); n == 0 || st.Entries[n-1].Kind != EntrySuccess {
			entry := Entry{Kind: EntrySuccess, Step: model.StepDone, Message: "Done", At: e.Timestamp, Synthetic: true}
			st.Entries = appendEntry(st.Entries, entry)
			timeline = appendTimeline(timeline, TimelineItem{Agent: a, Entry: entry})
		}
		st.Status = AgentDone
		agents[a] = st
	}
	s.Agents = agents
	s.Timeline = timeline

	var payload struct {
		Report json.RawMessage `json:"report"`
	}
	if err := json.Unmarshal(e.Data, &payload); err == nil && len(payload.Report) > 0 {
		s.RawReport = payload.Report
		var report model.InvestigationReport
		if err := json.Unmarshal(payload.Report, &report); err == nil {
			s.Report = &report
		}
	}

	s.Status = RunComplete
	s.StoppedAt = e.Timestamp
	s.Now = later(s.Now, e.Timestamp)
	return s
}

// failRun 流水线失败：错误记在 FallbackAgent 上，停止计时，其余 agent 不变
func failRun(s State, msg, step string, at time.Time) State {
	cur := s.Agents[FallbackAgent]
	entry := Entry{Kind: EntryError, Step: step, Message: msg, At: at}
	next := AgentState{Status: cur.Status, Entries: appendEntry(cur.Entries, entry)}
	if next.Status == AgentIdle {
		next.Status = AgentRunning
	}
	s.Agents = withAgent(s.Agents, FallbackAgent, next)
	s.Timeline = appendTimeline(s.Timeline, TimelineItem{Agent: FallbackAgent, Entry: entry})
	s.Status = RunError
	s.Error = msg
	s.StoppedAt = at
	s.Now = later(s.Now, at)
	return s
}

// ============================================================================
// 写时复制助手
// ============================================================================

func appendEntry(entries []Entry, e Entry) []Entry {
	out := make([]Entry, len(entries), len(entries)+1)
	copy(out, entries)
	return append(out, e)
}

func appendTimeline(items []TimelineItem, it TimelineItem) []TimelineItem {
	out := make([]TimelineItem, len(items), len(items)+1)
	copy(out, items)
	return append(out, it)
}

func cloneAgents(m map[model.Agent]AgentState) map[model.Agent]AgentState {
	out := make(map[model.Agent]AgentState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func withAgent(m map[model.Agent]AgentState, a model.Agent, st AgentState) map[model.Agent]AgentState {
	out := cloneAgents(m)
	out[a] = st
	return out
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
