package client

import (
	"encoding/json"
	"testing"
	"time"

	"bugpilot/internal/shared/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func ev(agent model.Agent, typ model.EventType, step, msg string, data any, sec int) model.Event {
	e := model.NewEvent(agent, typ, step, msg, data)
	e.Timestamp = at(sec)
	return e
}

func reduceAll(s State, events ...model.Event) State {
	for _, e := range events {
		s = Reduce(s, EventReceived{Event: e})
	}
	return s
}

func started() State {
	return Reduce(NewState(), Started{At: t0})
}

func scenarioReport() *model.InvestigationReport {
	return &model.InvestigationReport{
		Issue:  model.Issue{Title: "checkout fails", Repo: "a/b"},
		Triage: &model.TriageResult{Severity: model.SeverityHigh, LikelyModule: "payments"},
		Investigation: &model.SearchResult{
			Reasoning:  "no evidence",
			Confidence: "low",
		},
	}
}

func TestReduceScenarioA(t *testing.T) {
	report := scenarioReport()
	events := []model.Event{
		ev(model.AgentTriage, model.EventResult, "done", "severity high", model.TriageResult{Severity: model.SeverityHigh}, 1),
		ev(model.AgentTriage, model.EventComplete, model.StepDone, "Triage complete", nil, 2),
		ev(model.AgentCodebaseSearch, model.EventError, "collecting_evidence", "no evidence", nil, 3),
		ev(model.AgentCodebaseSearch, model.EventComplete, model.StepDone, "Search complete", nil, 4),
		ev(model.AgentPipeline, model.EventComplete, model.StepDone, "Investigation complete", model.PipelineCompleteData{Report: report}, 5),
	}

	got := reduceAll(started(), events...)

	entry := func(kind EntryKind, e model.Event) Entry {
		return Entry{Kind: kind, Step: e.Step, Message: e.Message, At: e.Timestamp, Data: e.Data}
	}
	triage := []Entry{entry(EntryResult, events[0]), entry(EntrySuccess, events[1])}
	search := []Entry{entry(EntryError, events[2]), entry(EntrySuccess, events[3])}

	want := State{
		Status: RunComplete,
		Agents: map[model.Agent]AgentState{
			model.AgentTriage:          {Status: AgentDone, Entries: triage},
			model.AgentCodebaseSearch:  {Status: AgentDone, Entries: search},
			model.AgentDocAnalysis:     {Status: AgentIdle},
			model.AgentLogAnalysis:     {Status: AgentIdle},
			model.AgentPatchGeneration: {Status: AgentIdle},
		},
		Timeline: []TimelineItem{
			{Agent: model.AgentTriage, Entry: triage[0]},
			{Agent: model.AgentTriage, Entry: triage[1]},
			{Agent: model.AgentCodebaseSearch, Entry: search[0]},
			{Agent: model.AgentCodebaseSearch, Entry: search[1]},
		},
		Report:    report,
		StartedAt: t0,
		StoppedAt: at(5),
		Now:       at(5),
	}

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(State{}, "RawReport")); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}

	raw, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(got.RawReport))
	assert.Equal(t, 5*time.Second, got.Elapsed())
}

func TestReduceIsolation(t *testing.T) {
	base := reduceAll(started(),
		ev(model.AgentTriage, model.EventStatus, "starting", "go", nil, 1),
		ev(model.AgentDocAnalysis, model.EventLog, "scanning", "docs", nil, 2),
	)

	for _, agent := range KnownAgents {
		t.Run(string(agent), func(t *testing.T) {
			next := reduceAll(base,
				ev(agent, model.EventProgress, "working", "p", nil, 3),
				ev(agent, model.EventResult, "done", "r", nil, 4),
			)
			for _, other := range KnownAgents {
				if other == agent {
					continue
				}
				if diff := cmp.Diff(base.Agent(other), next.Agent(other)); diff != "" {
					t.Errorf("agent %s changed (-before +after):\n%s", other, diff)
				}
			}
			assert.Equal(t, AgentFinding, next.Agent(agent).Status)
		})
	}
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	before := reduceAll(started(),
		ev(model.AgentTriage, model.EventStatus, "starting", "go", nil, 1),
	)
	snapshot := reduceAll(started(),
		ev(model.AgentTriage, model.EventStatus, "starting", "go", nil, 1),
	)

	_ = reduceAll(before,
		ev(model.AgentTriage, model.EventResult, "done", "r", nil, 2),
		ev(model.AgentCodebaseSearch, model.EventLog, "x", "y", nil, 3),
		ev(model.AgentPipeline, model.EventComplete, model.StepDone, "done", nil, 4),
	)

	if diff := cmp.Diff(snapshot, before); diff != "" {
		t.Errorf("input state mutated (-want +got):\n%s", diff)
	}
}

func TestReduceAgentStatusOrdering(t *testing.T) {
	steps := []struct {
		name string
		e    model.Event
		want AgentStatus
	}{
		{"首个事件激活", ev(model.AgentLogAnalysis, model.EventStatus, "starting", "a", nil, 1), AgentRunning},
		{"进度保持运行", ev(model.AgentLogAnalysis, model.EventProgress, "querying", "b", nil, 2), AgentRunning},
		{"结果进入 finding", ev(model.AgentLogAnalysis, model.EventResult, "done", "c", nil, 3), AgentFinding},
		{"finding 后日志不回退", ev(model.AgentLogAnalysis, model.EventLog, "x", "d", nil, 4), AgentFinding},
		{"complete 之后才 done", ev(model.AgentLogAnalysis, model.EventComplete, model.StepDone, "e", nil, 5), AgentDone},
		{"迟到事件只记日志", ev(model.AgentLogAnalysis, model.EventError, "late", "f", nil, 6), AgentDone},
	}

	s := started()
	for i, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			s = Reduce(s, EventReceived{Event: st.e})
			a := s.Agent(model.AgentLogAnalysis)
			assert.Equal(t, st.want, a.Status)
			assert.Len(t, a.Entries, i+1)
		})
	}
}

func TestReduceFirstEventTerminal(t *testing.T) {
	tests := []struct {
		name string
		typ  model.EventType
		want AgentStatus
	}{
		{"首个事件为 result", model.EventResult, AgentFinding},
		{"首个事件为 error", model.EventError, AgentFinding},
		{"首个事件为 complete", model.EventComplete, AgentDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Reduce(started(), EventReceived{Event: ev(model.AgentDocAnalysis, tt.typ, "done", "m", nil, 1)})
			a := s.Agent(model.AgentDocAnalysis)
			assert.Equal(t, tt.want, a.Status)
			require.Len(t, a.Entries, 1)
			assert.Equal(t, RunRunning, s.Status)

			// 激活后的 agent 在流水线完成时被收尾
			s = Reduce(s, EventReceived{Event: ev(model.AgentPipeline, model.EventComplete, model.StepDone, "done", nil, 2)})
			assert.Equal(t, AgentDone, s.Agent(model.AgentDocAnalysis).Status)
		})
	}
}

func TestReducePipelineOverview(t *testing.T) {
	overview := model.PipelineReportData{
		Severity: model.SeverityHigh,
		Degraded: true,
		Stages:   []model.StageOutcome{{Stage: model.AgentLogAnalysis, Outcome: model.OutcomeDegraded, Error: "cleanup failed"}},
	}
	s := reduceAll(started(),
		ev(model.AgentPipeline, model.EventResult, model.StepReport, "Final report assembled", overview, 1),
	)
	require.NotNil(t, s.Overview)
	assert.Equal(t, overview, *s.Overview)
	assert.Equal(t, RunRunning, s.Status)
	assert.Empty(t, s.Timeline)
}

func TestReduceDropsUnknownInput(t *testing.T) {
	s := started()
	next := reduceAll(s,
		ev("mystery_agent", model.EventResult, "done", "?", nil, 1),
		ev(model.AgentTriage, "telemetry", "x", "?", nil, 2),
	)
	if diff := cmp.Diff(s, next); diff != "" {
		t.Errorf("unknown input changed state (-want +got):\n%s", diff)
	}
}

func TestReducePipelineError(t *testing.T) {
	s := reduceAll(started(),
		ev(model.AgentTriage, model.EventResult, "done", "ok", nil, 1),
		ev(model.AgentTriage, model.EventComplete, model.StepDone, "ok", nil, 2),
		ev(model.AgentCodebaseSearch, model.EventStatus, "starting", "go", nil, 3),
		ev(model.AgentPipeline, model.EventError, model.StepFatal, "Pipeline error: boom", model.PipelineErrorData{Error: "boom"}, 4),
	)

	assert.Equal(t, RunError, s.Status)
	assert.Equal(t, "Pipeline error: boom", s.Error)
	assert.Equal(t, at(4), s.StoppedAt)

	triage := s.Agent(model.AgentTriage)
	require.Len(t, triage.Entries, 3)
	assert.Equal(t, EntryError, triage.Entries[2].Kind)
	assert.Equal(t, AgentDone, triage.Status)

	// 其余 agent 不受影响
	assert.Equal(t, AgentRunning, s.Agent(model.AgentCodebaseSearch).Status)
	assert.Len(t, s.Agent(model.AgentCodebaseSearch).Entries, 1)

	// 终态之后的事件与计时都被忽略
	after := Reduce(reduceAll(s, ev(model.AgentDocAnalysis, model.EventLog, "x", "y", nil, 5)), Tick{At: at(30)})
	if diff := cmp.Diff(s, after); diff != "" {
		t.Errorf("terminal state changed (-want +got):\n%s", diff)
	}
}

func TestReduceCompleteSynthesizesSuccess(t *testing.T) {
	s := reduceAll(started(),
		ev(model.AgentTriage, model.EventResult, "done", "ok", nil, 1),
		ev(model.AgentTriage, model.EventComplete, model.StepDone, "ok", nil, 2),
		ev(model.AgentCodebaseSearch, model.EventResult, "done", "found", nil, 3),
		ev(model.AgentPipeline, model.EventComplete, model.StepDone, "Investigation complete", nil, 4),
	)

	assert.Equal(t, RunComplete, s.Status)
	assert.Nil(t, s.Report)

	triage := s.Agent(model.AgentTriage)
	assert.Len(t, triage.Entries, 2)

	search := s.Agent(model.AgentCodebaseSearch)
	assert.Equal(t, AgentDone, search.Status)
	require.Len(t, search.Entries, 2)
	last := search.Entries[1]
	assert.Equal(t, EntrySuccess, last.Kind)
	assert.True(t, last.Synthetic)
	assert.Equal(t, at(4), last.At)

	assert.Equal(t, AgentIdle, s.Agent(model.AgentDocAnalysis).Status)
	assert.Len(t, s.Timeline, 4)
}

func TestReduceTickAndRunID(t *testing.T) {
	s := started()
	s = Reduce(s, EventReceived{Event: ev(model.AgentPipeline, model.EventStatus, model.StepStarted, "go",
		model.PipelineStartedData{RunID: "run-1"}, 0)})
	assert.Equal(t, "run-1", s.RunID)

	s = Reduce(s, Tick{At: at(7)})
	assert.Equal(t, 7*time.Second, s.Elapsed())
	assert.Empty(t, s.Timeline)

	idle := Reduce(NewState(), Tick{At: at(7)})
	assert.Equal(t, time.Duration(0), idle.Elapsed())
}

func TestReduceStreamFailed(t *testing.T) {
	s := Reduce(started(), StreamFailed{Err: "connection reset", At: at(3)})
	assert.Equal(t, RunError, s.Status)
	assert.Equal(t, "connection reset", s.Error)
	entries := s.Agent(FallbackAgent).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "stream", entries[0].Step)

	// 已完成的运行不会被传输错误覆盖
	done := reduceAll(started(), ev(model.AgentPipeline, model.EventComplete, model.StepDone, "ok", nil, 1))
	assert.Equal(t, RunComplete, Reduce(done, StreamFailed{Err: "eof", At: at(2)}).Status)
}
