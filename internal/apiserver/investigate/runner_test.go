package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/eventbus"
	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/objstore"
	"bugpilot/internal/shared/queue"
	"bugpilot/internal/shared/storage"
	"bugpilot/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 测试替身
// ============================================================================

type transitionCall struct {
	to   model.CaseState
	meta map[string]any
}

// fakeCases 内存 Case 服务，记录每次迁移
type fakeCases struct {
	mu        sync.Mutex
	cases     map[string]*model.Case
	calls     []transitionCall
	rejectFor model.CaseState
}

func newFakeCases(ids ...string) *fakeCases {
	f := &fakeCases{cases: map[string]*model.Case{}}
	for _, id := range ids {
		f.cases[id] = &model.Case{ID: id, Repo: "acme/shop", State: model.CaseNew}
	}
	return f
}

func (f *fakeCases) Get(ctx context.Context, id string) (*model.Case, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, storage.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCases) Transition(ctx context.Context, id string, to model.CaseState, metadata json.RawMessage) (*model.TransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cases[id]
	if !ok {
		return nil, fmt.Errorf("case %s: %w", id, storage.ErrNotFound)
	}
	if to == f.rejectFor {
		return nil, errors.New("store unavailable")
	}
	var meta map[string]any
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &meta)
	}
	f.calls = append(f.calls, transitionCall{to: to, meta: meta})
	from := c.State
	c.State = to
	return &model.TransitionResult{CaseID: id, From: from, To: to}, nil
}

func (f *fakeCases) transitions() []transitionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transitionCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeCases) states() []model.CaseState {
	var out []model.CaseState
	for _, c := range f.transitions() {
		out = append(out, c.to)
	}
	return out
}

// recordingBus 记录发布到事件总线的事件
type recordingBus struct {
	eventbus.NoOpEventBus
	mu     sync.Mutex
	events []*eventbus.CaseEvent
}

func (b *recordingBus) PublishCaseEvent(ctx context.Context, caseID string, e *eventbus.CaseEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBus) snapshot() []*eventbus.CaseEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*eventbus.CaseEvent, len(b.events))
	copy(out, b.events)
	return out
}

type fakeArchive struct {
	mu      sync.Mutex
	reports map[string]*model.InvestigationReport
	err     error
}

func (a *fakeArchive) ArchiveReport(ctx context.Context, caseID, runID string, report *model.InvestigationReport) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reports == nil {
		a.reports = map[string]*model.InvestigationReport{}
	}
	key := objstore.ReportKey(caseID, runID)
	a.reports[key] = report
	return key, nil
}

// stubStage 可计数的阶段
type stubStage struct {
	name  model.Agent
	calls atomic.Int32
	run   func(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error)
}

func (s *stubStage) Name() model.Agent { return s.name }

func (s *stubStage) Run(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
	s.calls.Add(1)
	return s.run(ctx, in, emit)
}

func okStage(name model.Agent) *stubStage {
	return &stubStage{name: name, run: func(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
		result, _ := model.NewResult(name)
		ev := investigation.For(name, emit)
		_ = ev.Status("start", "working")
		_ = ev.Result("done", "found something", result)
		_ = ev.Complete("ok")
		return result, nil
	}}
}

type stageSet map[model.Agent]*stubStage

func newStageSet() stageSet {
	out := stageSet{}
	for _, a := range model.StageAgents {
		if a == model.AgentPatchGeneration {
			continue
		}
		out[a] = okStage(a)
	}
	return out
}

func (s stageSet) pipeline(t *testing.T) *investigation.Pipeline {
	t.Helper()
	list := make([]investigation.Stage, 0, len(s))
	for _, a := range model.StageAgents {
		if st, ok := s[a]; ok {
			list = append(list, st)
		}
	}
	p, err := investigation.New(investigation.Config{}, list,
		investigation.WithRunID(func() string { return "run-1" }),
		investigation.WithLogger(logging.Nop()))
	require.NoError(t, err)
	return p
}

var testIssue = model.Issue{Title: "checkout fails", Body: "500 on /pay", Repo: "acme/shop"}

// ============================================================================
// Runner
// ============================================================================

func TestRunner_CompletesToReportReady(t *testing.T) {
	cases := newFakeCases("c1")
	bus := &recordingBus{}
	archive := &fakeArchive{}
	runner := NewRunner(newStageSet().pipeline(t), RunnerOptions{
		Cases: cases, Bus: bus, Archive: archive, Logger: logging.Nop(),
	})

	rec := &investigation.Recording{}
	report, err := runner.Run(context.Background(), Request{Issue: testIssue, CaseID: "c1"}, rec)
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, []model.CaseState{model.CaseInvestigating, model.CaseReportReady}, cases.states())
	last := cases.transitions()[1]
	assert.Equal(t, "run-1", last.meta["run_id"])
	assert.Equal(t, report.Summary(), last.meta["summary"])
	assert.Equal(t, "reports/c1/run-1.json", last.meta["report_key"])
	assert.Contains(t, archive.reports, "reports/c1/run-1.json")

	// 每个流水线事件都镜像到事件总线，顺序一致
	events := rec.Events()
	mirrored := bus.snapshot()
	require.Len(t, mirrored, len(events))
	for i, ce := range mirrored {
		assert.Equal(t, eventbus.KindPipelineEvent, ce.Kind)
		assert.Equal(t, "c1", ce.CaseID)
		var e model.Event
		require.NoError(t, json.Unmarshal(ce.Payload, &e))
		assert.Equal(t, events[i].Agent, e.Agent)
		assert.Equal(t, events[i].Type, e.Type)
	}
	assert.True(t, events[len(events)-1].IsPipelineTerminal())
}

func TestRunner_ArchiveFailureStillReportReady(t *testing.T) {
	cases := newFakeCases("c1")
	runner := NewRunner(newStageSet().pipeline(t), RunnerOptions{
		Cases: cases, Archive: &fakeArchive{err: errors.New("minio down")}, Logger: logging.Nop(),
	})

	_, err := runner.Run(context.Background(), Request{Issue: testIssue, CaseID: "c1"}, nil)
	require.NoError(t, err)

	calls := cases.transitions()
	require.Len(t, calls, 2)
	assert.Equal(t, model.CaseReportReady, calls[1].to)
	assert.NotContains(t, calls[1].meta, "report_key")
}

func TestRunner_StageFaultMarksFailed(t *testing.T) {
	stages := newStageSet()
	stages[model.AgentCodebaseSearch].run = func(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
		return nil, errors.New("index corrupted")
	}
	cases := newFakeCases("c1")
	runner := NewRunner(stages.pipeline(t), RunnerOptions{Cases: cases, Logger: logging.Nop()})

	rec := &investigation.Recording{}
	report, err := runner.Run(context.Background(), Request{Issue: testIssue, CaseID: "c1"}, rec)
	require.Error(t, err)
	assert.Nil(t, report)

	calls := cases.transitions()
	require.Len(t, calls, 2)
	assert.Equal(t, model.CaseFailed, calls[1].to)
	assert.Contains(t, calls[1].meta["error"], "index corrupted")
	assert.Equal(t, "run-1", calls[1].meta["run_id"])
	assert.NotContains(t, calls[1].meta, "cancelled")

	events := rec.Events()
	assert.Equal(t, model.EventError, events[len(events)-1].Type)
	assert.Zero(t, stages[model.AgentDocAnalysis].calls.Load())
}

func TestRunner_CancelledMarksFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stages := newStageSet()
	stages[model.AgentTriage].run = func(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	cases := newFakeCases("c1")
	runner := NewRunner(stages.pipeline(t), RunnerOptions{Cases: cases, Logger: logging.Nop()})

	_, err := runner.Run(ctx, Request{Issue: testIssue, CaseID: "c1"}, nil)
	require.ErrorIs(t, err, context.Canceled)

	calls := cases.transitions()
	require.Len(t, calls, 2)
	assert.Equal(t, model.CaseFailed, calls[1].to)
	assert.Equal(t, true, calls[1].meta["cancelled"])
	assert.Zero(t, stages[model.AgentCodebaseSearch].calls.Load())
}

func TestRunner_StartTransitionFailureSkipsPipeline(t *testing.T) {
	stages := newStageSet()
	cases := newFakeCases("c1")
	cases.rejectFor = model.CaseInvestigating
	runner := NewRunner(stages.pipeline(t), RunnerOptions{Cases: cases, Logger: logging.Nop()})

	rec := &investigation.Recording{}
	_, err := runner.Run(context.Background(), Request{Issue: testIssue, CaseID: "c1"}, rec)
	require.Error(t, err)
	assert.Empty(t, rec.Events())
	assert.Zero(t, stages[model.AgentTriage].calls.Load())
	assert.Empty(t, cases.transitions())
}

func TestRunner_WithoutCase(t *testing.T) {
	cases := newFakeCases()
	bus := &recordingBus{}
	runner := NewRunner(newStageSet().pipeline(t), RunnerOptions{Cases: cases, Bus: bus, Logger: logging.Nop()})

	rec := &investigation.Recording{}
	report, err := runner.Run(context.Background(), Request{Issue: testIssue}, rec)
	require.NoError(t, err)
	assert.Equal(t, testIssue, report.Issue)
	assert.Empty(t, cases.transitions())
	assert.Empty(t, bus.snapshot())
	assert.NotEmpty(t, rec.Events())
}

// ============================================================================
// Worker
// ============================================================================

// ackQueue 记录 Ack 的进程内队列
type ackQueue struct {
	*queue.MemoryQueue
	mu    sync.Mutex
	acked []string
}

func (q *ackQueue) Ack(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *ackQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

func TestWorker_ConsumesAndAcks(t *testing.T) {
	cases := newFakeCases("c1", "c2")
	stages := newStageSet()
	stages[model.AgentTriage].run = func(ctx context.Context, in investigation.StageInput, emit investigation.Emitter) (any, error) {
		if in.Issue.Title == "broken" {
			return nil, errors.New("boom")
		}
		return &model.TriageResult{Severity: model.SeverityLow}, nil
	}
	runner := NewRunner(stages.pipeline(t), RunnerOptions{Cases: cases, Logger: logging.Nop()})

	q := &ackQueue{MemoryQueue: queue.NewMemoryQueue(4)}
	id1, err := q.Enqueue(context.Background(), &queue.Job{CaseID: "c1", Issue: testIssue, Trigger: queue.TriggerAPI})
	require.NoError(t, err)
	id2, err := q.Enqueue(context.Background(), &queue.Job{CaseID: "c2", Issue: model.Issue{Title: "broken"}, Trigger: queue.TriggerAPI})
	require.NoError(t, err)

	w := NewWorker(runner, q, WorkerConfig{ConsumerID: "test", Concurrency: 2, BlockTimeout: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(q.ackedIDs()) == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.ElementsMatch(t, []string{id1, id2}, q.ackedIDs())

	c1, _ := cases.Get(context.Background(), "c1")
	c2, _ := cases.Get(context.Background(), "c2")
	assert.Equal(t, model.CaseReportReady, c1.State)
	assert.Equal(t, model.CaseFailed, c2.State)
}

func TestNewWorkerDefaults(t *testing.T) {
	w := NewWorker(nil, queue.NewMemoryQueue(1), WorkerConfig{})
	assert.Equal(t, 1, w.cfg.Concurrency)
	assert.Equal(t, 5*time.Second, w.cfg.BlockTimeout)
	assert.NotEmpty(t, w.cfg.ConsumerID)
}
