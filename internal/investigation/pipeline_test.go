package investigation

import (
	"context"
	"errors"
	"testing"

	"bugpilot/internal/shared/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStage 按脚本运行的阶段
type fakeStage struct {
	name  model.Agent
	calls int
	run   func(ctx context.Context, in StageInput, emit Emitter) (any, error)
}

func (f *fakeStage) Name() model.Agent { return f.name }

func (f *fakeStage) Run(ctx context.Context, in StageInput, emit Emitter) (any, error) {
	f.calls++
	return f.run(ctx, in, emit)
}

// okStage 发出 status + result + complete 并返回该阶段的空结果
func okStage(name model.Agent) *fakeStage {
	return &fakeStage{name: name, run: func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
		result, _ := model.NewResult(name)
		ev := For(name, emit)
		_ = ev.Status("start", "working")
		_ = ev.Result("done", "found something", result)
		_ = ev.Complete("ok")
		return result, nil
	}}
}

func allStages() map[model.Agent]*fakeStage {
	out := map[model.Agent]*fakeStage{}
	for _, a := range model.StageAgents {
		out[a] = okStage(a)
	}
	return out
}

func newTestPipeline(t *testing.T, cfg Config, stages map[model.Agent]*fakeStage, opts ...Option) *Pipeline {
	t.Helper()
	list := make([]Stage, 0, len(stages))
	for _, a := range model.StageAgents {
		if st, ok := stages[a]; ok {
			list = append(list, st)
		}
	}
	opts = append([]Option{WithRunID(func() string { return "run-1" })}, opts...)
	p, err := New(cfg, list, opts...)
	require.NoError(t, err)
	return p
}

type key struct {
	agent model.Agent
	typ   model.EventType
	step  string
}

func keys(events []model.Event) []key {
	out := make([]key, 0, len(events))
	for _, e := range events {
		out = append(out, key{e.Agent, e.Type, e.Step})
	}
	return out
}

var issue = model.Issue{Title: "checkout fails", Body: "500 on /pay", Repo: "acme/shop"}

func TestNewRequiresStages(t *testing.T) {
	stages := allStages()
	delete(stages, model.AgentDocAnalysis)
	list := []Stage{stages[model.AgentTriage], stages[model.AgentCodebaseSearch], stages[model.AgentLogAnalysis]}

	_, err := New(Config{}, list)
	assert.True(t, errors.Is(err, ErrMissingStage))

	// 启用补丁时补丁阶段也是必需的
	all := allStages()
	delete(all, model.AgentPatchGeneration)
	four := []Stage{all[model.AgentTriage], all[model.AgentCodebaseSearch], all[model.AgentDocAnalysis], all[model.AgentLogAnalysis]}
	_, err = New(Config{EnablePatch: true}, four)
	assert.True(t, errors.Is(err, ErrMissingStage))
	_, err = New(Config{EnablePatch: false}, four)
	assert.NoError(t, err)

	_, err = New(Config{}, append(four, all[model.AgentTriage]))
	assert.Error(t, err)
}

func TestRunHappyPathWithPatchDisabled(t *testing.T) {
	stages := allStages()
	p := newTestPipeline(t, Config{}, stages)
	rec := &Recording{}

	report, err := p.Run(context.Background(), issue, rec)
	require.NoError(t, err)
	require.NotNil(t, report)

	events := rec.Events()
	want := []key{{model.AgentPipeline, model.EventStatus, model.StepStarted}}
	for _, a := range model.StageAgents[:4] {
		want = append(want,
			key{model.AgentPipeline, model.EventProgress, model.StepStageStarted},
			key{a, model.EventStatus, "start"},
			key{a, model.EventResult, "done"},
			key{a, model.EventComplete, model.StepDone},
			key{model.AgentPipeline, model.EventProgress, model.StepStageFinished},
		)
	}
	want = append(want,
		key{model.AgentPatchGeneration, model.EventStatus, model.StepSkipped},
		key{model.AgentPatchGeneration, model.EventResult, model.StepSkipped},
		key{model.AgentPatchGeneration, model.EventComplete, model.StepDone},
		key{model.AgentPipeline, model.EventResult, model.StepReport},
		key{model.AgentPipeline, model.EventComplete, model.StepDone},
	)
	assert.Equal(t, want, keys(events))

	var skipped model.PatchResult
	require.NoError(t, events[len(events)-4].DecodeData(&skipped))
	assert.Equal(t, model.PatchSkipped, skipped.Status)

	var overview model.PipelineReportData
	require.NoError(t, events[len(events)-2].DecodeData(&overview))
	assert.False(t, overview.Degraded)
	assert.Equal(t, model.PatchSkipped, overview.PatchStatus)
	require.Len(t, overview.Stages, 5)
	assert.Equal(t, model.StageOutcome{Stage: model.AgentPatchGeneration, Outcome: OutcomeSkipped}, overview.Stages[4])

	last := events[len(events)-1]
	assert.Equal(t, "Investigation complete", last.Message)
	decoded, err := model.DecodeReport(last)
	require.NoError(t, err)
	assert.Equal(t, report, decoded)

	var started model.PipelineStartedData
	require.NoError(t, events[0].DecodeData(&started))
	assert.Equal(t, "run-1", started.RunID)
	assert.Len(t, started.Stages, 5)

	assert.Equal(t, issue, report.Issue)
	assert.NotNil(t, report.Triage)
	assert.NotNil(t, report.LogAnalysis)
	require.NotNil(t, report.PatchGeneration)
	assert.Equal(t, model.PatchSkipped, report.PatchGeneration.Status)
	assert.Equal(t, 0, stages[model.AgentPatchGeneration].calls)

	// 时间戳单调不减
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i-1].Timestamp))
	}
}

func TestRunWithPatchEnabled(t *testing.T) {
	stages := allStages()
	p := newTestPipeline(t, Config{EnablePatch: true}, stages)

	report, err := p.Run(context.Background(), issue, &Recording{})
	require.NoError(t, err)
	assert.Equal(t, 1, stages[model.AgentPatchGeneration].calls)
	require.NotNil(t, report.PatchGeneration)
	assert.NotEqual(t, model.PatchSkipped, report.PatchGeneration.Status)
}

func TestRunPassesPriorResults(t *testing.T) {
	stages := allStages()
	var prior *model.InvestigationReport
	stages[model.AgentCodebaseSearch].run = func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
		prior = in.Prior
		return &model.SearchResult{}, nil
	}
	p := newTestPipeline(t, Config{}, stages)

	_, err := p.Run(context.Background(), issue, &Recording{})
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.NotNil(t, prior.Triage)
	assert.Nil(t, prior.Investigation)
}

func TestRunHardFault(t *testing.T) {
	tests := []struct {
		name string
		run  func(ctx context.Context, in StageInput, emit Emitter) (any, error)
	}{
		{"返回错误", func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
			_ = For(model.AgentCodebaseSearch, emit).Status("start", "working")
			return nil, errors.New("boom")
		}},
		{"panic", func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
			panic("boom")
		}},
		{"结果类型错误", func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
			return &model.TriageResult{}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages := allStages()
			stages[model.AgentCodebaseSearch].run = tt.run
			p := newTestPipeline(t, Config{}, stages)
			rec := &Recording{}

			report, err := p.Run(context.Background(), issue, rec)
			require.Error(t, err)
			assert.Nil(t, report)

			events := rec.Events()
			last := events[len(events)-1]
			assert.Equal(t, model.AgentPipeline, last.Agent)
			assert.Equal(t, model.EventError, last.Type)
			assert.Equal(t, model.StepFatal, last.Step)
			assert.Contains(t, last.Message, "Pipeline error: ")

			var data model.PipelineErrorData
			require.NoError(t, last.DecodeData(&data))
			assert.Equal(t, model.AgentCodebaseSearch, data.Stage)

			// 之后的阶段不再执行，且没有 pipeline complete
			assert.Equal(t, 0, stages[model.AgentDocAnalysis].calls)
			for _, e := range events {
				assert.False(t, e.Agent == model.AgentPipeline && e.Type == model.EventComplete)
			}
		})
	}
}

func TestRunDegradedStageContinues(t *testing.T) {
	stages := allStages()
	stages[model.AgentDocAnalysis].run = func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
		ev := For(model.AgentDocAnalysis, emit)
		degraded := &model.DocResult{Reasoning: "docs index unavailable", Confidence: "low"}
		_ = ev.Error("search", "docs index unavailable", degraded)
		_ = ev.Complete("gave up")
		return degraded, nil
	}
	p := newTestPipeline(t, Config{}, stages)

	report, err := p.Run(context.Background(), issue, &Recording{})
	require.NoError(t, err)
	require.NotNil(t, report.Documentation)
	assert.Equal(t, "docs index unavailable", report.Documentation.Reasoning)
	assert.Equal(t, 1, stages[model.AgentLogAnalysis].calls)
}

func TestReportOverview(t *testing.T) {
	report := &model.InvestigationReport{
		Triage:        &model.TriageResult{Severity: model.SeverityHigh},
		Investigation: &model.SearchResult{SuspectFiles: []model.SuspectFile{{FilePath: "pay.go"}}, Confidence: "high"},
		LogAnalysis:   &model.LogResult{PatternsFound: []string{"timeout"}},
	}
	overview := report.Overview([]model.StageOutcome{
		{Stage: model.AgentTriage, Outcome: OutcomeOK},
		{Stage: model.AgentDocAnalysis, Outcome: OutcomeDegraded},
	})
	assert.Equal(t, model.SeverityHigh, overview.Severity)
	assert.Equal(t, 1, overview.SuspectFiles)
	assert.Equal(t, "high", overview.Confidence)
	assert.Equal(t, 1, overview.LogPatterns)
	assert.Equal(t, model.PatchSkipped, overview.PatchStatus)
	assert.True(t, overview.Degraded)
}

func TestRunErrorAfterTerminalIsNonFatal(t *testing.T) {
	tests := []struct {
		name string
		run  func(ctx context.Context, in StageInput, emit Emitter) (any, error)
	}{
		{"error + complete 之后返回错误", func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
			ev := For(model.AgentLogAnalysis, emit)
			_ = ev.Error("query", "log backend unavailable", nil)
			_ = ev.Complete("gave up")
			return nil, errors.New("cleanup failed")
		}},
		{"result 之后返回错误", func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
			_ = For(model.AgentLogAnalysis, emit).Result("done", "found logs", nil)
			return &model.LogResult{Confidence: "medium"}, errors.New("cleanup failed")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages := allStages()
			stages[model.AgentLogAnalysis].run = tt.run
			p := newTestPipeline(t, Config{EnablePatch: true}, stages)
			rec := &Recording{}

			report, err := p.Run(context.Background(), issue, rec)
			require.NoError(t, err)
			require.NotNil(t, report)
			assert.Equal(t, 1, stages[model.AgentPatchGeneration].calls)
			require.NotNil(t, report.LogAnalysis)
			assert.NotEmpty(t, report.LogAnalysis.Confidence)

			events := rec.Events()
			completes := 0
			for _, e := range events {
				assert.False(t, e.Agent == model.AgentPipeline && e.Type == model.EventError, "unexpected %s", e)
				if e.Agent == model.AgentLogAnalysis && e.Type == model.EventComplete {
					completes++
				}
			}
			assert.Equal(t, 1, completes)

			last := events[len(events)-1]
			assert.Equal(t, model.AgentPipeline, last.Agent)
			assert.Equal(t, model.EventComplete, last.Type)

			var overview model.PipelineReportData
			require.NoError(t, events[len(events)-2].DecodeData(&overview))
			assert.True(t, overview.Degraded)
			assert.Contains(t, overview.Stages, model.StageOutcome{Stage: model.AgentLogAnalysis, Outcome: OutcomeDegraded, Error: "cleanup failed"})
		})
	}
}

func TestRunSynthesizesMissingTerminalEvents(t *testing.T) {
	stages := allStages()
	stages[model.AgentTriage].run = func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
		return &model.TriageResult{Severity: model.SeverityLow}, nil
	}
	stages[model.AgentLogAnalysis].run = func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
		_ = For(model.AgentLogAnalysis, emit).Result("done", "ok", nil)
		return &model.LogResult{}, nil
	}
	p := newTestPipeline(t, Config{}, stages)
	rec := &Recording{}

	_, err := p.Run(context.Background(), issue, rec)
	require.NoError(t, err)

	count := func(agent model.Agent, typ model.EventType) int {
		n := 0
		for _, e := range rec.Events() {
			if e.Agent == agent && e.Type == typ {
				n++
			}
		}
		return n
	}
	for _, a := range model.StageAgents {
		assert.Equal(t, 1, count(a, model.EventComplete), a)
	}
	assert.Equal(t, 1, count(model.AgentTriage, model.EventResult))
	assert.Equal(t, 1, count(model.AgentLogAnalysis, model.EventResult))
}

func TestStageEmitterEnforcesContract(t *testing.T) {
	rec := &Recording{}
	se := NewStageEmitter(model.AgentTriage, rec)

	// complete 不能先于终结事件
	assert.Error(t, se.Emit(model.NewEvent(model.AgentTriage, model.EventComplete, "", "", nil)))

	// agent 字段被强制为阶段名
	require.NoError(t, se.Emit(model.NewEvent(model.AgentLogAnalysis, model.EventStatus, "s", "", nil)))
	require.NoError(t, se.Emit(model.NewEvent(model.AgentTriage, model.EventError, "e", "", nil)))
	require.NoError(t, se.Emit(model.NewEvent(model.AgentTriage, model.EventResult, "r", "", nil)))
	require.NoError(t, se.Emit(model.NewEvent(model.AgentTriage, model.EventComplete, "", "", nil)))
	require.NoError(t, se.Emit(model.NewEvent(model.AgentTriage, model.EventLog, "late", "", nil)))

	events := rec.Events()
	require.Len(t, events, 3)
	assert.Equal(t, model.AgentTriage, events[0].Agent)
	assert.Equal(t, model.EventError, events[1].Type)
	assert.Equal(t, model.EventComplete, events[2].Type)
	assert.True(t, se.Degraded())
	assert.True(t, se.Completed())
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stages := allStages()
	stages[model.AgentCodebaseSearch].run = func(c context.Context, in StageInput, emit Emitter) (any, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	}
	p := newTestPipeline(t, Config{}, stages)
	rec := &Recording{}

	report, err := p.Run(ctx, issue, rec)
	assert.Nil(t, report)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, stages[model.AgentDocAnalysis].calls)

	for _, e := range rec.Events() {
		assert.False(t, e.IsPipelineTerminal(), "unexpected terminal event %s", e)
	}
}

func TestRunStopsWhenConsumerGone(t *testing.T) {
	stages := allStages()
	sent := 0
	failing := EmitterFunc(func(e model.Event) error {
		sent++
		if sent > 3 {
			return errors.New("broken pipe")
		}
		return nil
	})
	p := newTestPipeline(t, Config{}, stages)

	_, err := p.Run(context.Background(), issue, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.Equal(t, 1, stages[model.AgentTriage].calls)
	assert.Equal(t, 0, stages[model.AgentCodebaseSearch].calls)
}

func TestRunIsFreshEachTime(t *testing.T) {
	p := newTestPipeline(t, Config{}, allStages())
	a, err := p.Run(context.Background(), issue, nil)
	require.NoError(t, err)
	b, err := p.Run(context.Background(), model.Issue{Title: "other"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "checkout fails", a.Issue.Title)
	assert.Equal(t, "other", b.Issue.Title)
}

func TestRecorderCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder := NewRecorder("test", reg)
	stages := allStages()
	stages[model.AgentLogAnalysis].run = func(ctx context.Context, in StageInput, emit Emitter) (any, error) {
		return nil, errors.New("boom")
	}
	p := newTestPipeline(t, Config{}, stages, WithRecorder(recorder))

	_, err := p.Run(context.Background(), issue, nil)
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.StageOutcomes.WithLabelValues("triage", OutcomeOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.StageOutcomes.WithLabelValues("log_analysis", OutcomeFault)))
	assert.Equal(t, float64(1), testutil.ToFloat64(recorder.RunsTotal.WithLabelValues(string(RunError))))
	assert.Equal(t, float64(0), testutil.ToFloat64(recorder.RunsInFlight))

	var nilRecorder *Recorder
	assert.NotPanics(t, func() { nilRecorder.StageFinished(model.AgentTriage, OutcomeOK, 0) })
}
