package investigation

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"bugpilot/internal/shared/model"
	"bugpilot/pkg/logging"

	"github.com/google/uuid"
)

// ============================================================================
// RunState
// ============================================================================

// RunState 一次流水线运行的状态
//
//	PENDING → RUNNING → COMPLETE | ERROR | CANCELLED
type RunState string

const (
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunComplete  RunState = "complete"
	RunError     RunState = "error"
	RunCancelled RunState = "cancelled"
)

// ErrMissingStage 构造流水线时缺少必需阶段
var ErrMissingStage = errors.New("missing stage")

// ============================================================================
// Pipeline
// ============================================================================

// Config 流水线配置
type Config struct {
	// EnablePatch 为 false 时不调用补丁阶段，报告中记为 skipped
	EnablePatch bool
	// StageTimeout 单阶段超时，0 表示不限制
	StageTimeout time.Duration
}

// Option 流水线选项
type Option func(*Pipeline)

// WithRecorder 设置指标记录器
func WithRecorder(r *Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithLogger 设置日志
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithRunID 设置运行 ID 生成函数
func WithRunID(fn func() string) Option {
	return func(p *Pipeline) { p.newRunID = fn }
}

// Pipeline 按固定顺序执行各阶段：
//
//	triage → codebase_search → doc_analysis → log_analysis → patch_generation
//
// 每次 Run 都从空报告开始，同一 Pipeline 可被多个请求并发使用
// （前提是各 Stage 实现本身可并发调用）。
type Pipeline struct {
	cfg      Config
	stages   map[model.Agent]Stage
	recorder *Recorder
	logger   *logging.Logger
	newRunID func() string
}

// New 创建流水线
//
// 必须提供 triage、codebase_search、doc_analysis、log_analysis 四个阶段；
// EnablePatch 为 true 时还必须提供 patch_generation。
func New(cfg Config, stages []Stage, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		stages:   make(map[model.Agent]Stage, len(stages)),
		logger:   logging.Default("pipeline"),
		newRunID: uuid.NewString,
	}
	for _, st := range stages {
		name := st.Name()
		if !name.IsStage() {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
		if _, dup := p.stages[name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", name)
		}
		p.stages[name] = st
	}
	for _, name := range model.StageAgents {
		if name == model.AgentPatchGeneration && !cfg.EnablePatch {
			continue
		}
		if _, ok := p.stages[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingStage, name)
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PatchEnabled 是否启用补丁阶段
func (p *Pipeline) PatchEnabled() bool { return p.cfg.EnablePatch }

// run 单次运行的上下文
type run struct {
	id     string
	state  RunState
	stage  model.Agent
	out    Emitter
	cancel context.CancelCauseFunc
	rec    *Recorder
}

// Emit 实现 Emitter：下游写失败时取消本次运行
func (r *run) Emit(e model.Event) error {
	if err := r.out.Emit(e); err != nil {
		r.cancel(fmt.Errorf("event consumer gone: %w", err))
		return err
	}
	r.rec.EventEmitted(e)
	return nil
}

// Run 执行一次调查，事件按顺序写入 emit
//
// 返回值：
//   - 成功：最终报告（独立副本），已依次发出 pipeline/result/report 与 pipeline/complete/done
//   - 阶段在终结事件之后返回的错误只使该阶段降级，流水线继续
//   - 硬故障：已发出 pipeline/error/fatal，返回错误
//   - ctx 取消或下游不可写：不再发出任何流水线终结事件，返回取消原因
func (p *Pipeline) Run(ctx context.Context, issue model.Issue, emit Emitter) (*model.InvestigationReport, error) {
	if emit == nil {
		emit = NoopEmitter{}
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r := &run{id: p.newRunID(), state: RunPending, out: emit, cancel: cancel, rec: p.recorder}
	logger := p.logger.WithRunID(r.id)

	p.recorder.RunStarted()
	defer func() { p.recorder.RunFinished(r.state) }()

	plan := p.plan()
	report := &model.InvestigationReport{Issue: issue}
	outcomes := make([]model.StageOutcome, 0, len(plan))

	r.state = RunRunning
	logger.Info("investigation started", "title", issue.Title, "repo", issue.Repo)
	if err := r.Emit(model.NewEvent(model.AgentPipeline, model.EventStatus, model.StepStarted,
		fmt.Sprintf("Investigating: %s", issue.Title),
		model.PipelineStartedData{RunID: r.id, Stages: plan})); err != nil {
		r.state = RunCancelled
		return nil, context.Cause(runCtx)
	}

	for i, name := range plan {
		if runCtx.Err() != nil {
			r.state = RunCancelled
			logger.Info("investigation cancelled", "before_stage", name)
			return nil, context.Cause(runCtx)
		}
		r.stage = name

		if name == model.AgentPatchGeneration && !p.cfg.EnablePatch {
			if err := p.skipPatch(r, report); err != nil {
				r.state = RunCancelled
				return nil, context.Cause(runCtx)
			}
			outcomes = append(outcomes, model.StageOutcome{Stage: name, Outcome: OutcomeSkipped})
			continue
		}

		progress := model.StageProgressData{Stage: name, Index: i, Total: len(plan)}
		if err := r.Emit(model.NewEvent(model.AgentPipeline, model.EventProgress, model.StepStageStarted,
			fmt.Sprintf("Running %s", name), progress)); err != nil {
			r.state = RunCancelled
			return nil, context.Cause(runCtx)
		}

		start := time.Now()
		se := NewStageEmitter(name, r)
		result, err := p.runStage(runCtx, p.stages[name], StageInput{Issue: issue, Prior: report.Clone()}, se)
		dur := time.Since(start)

		if runCtx.Err() != nil {
			r.state = RunCancelled
			p.recorder.StageFinished(name, OutcomeCancelled, dur)
			logger.StageLog(string(name), OutcomeCancelled, dur, context.Cause(runCtx))
			return nil, context.Cause(runCtx)
		}
		if result != nil {
			if serr := report.Set(name, result); err == nil {
				err = serr
			}
		}
		// 终结事件之前的失败才是硬故障
		if err != nil && se.Terminal() == "" {
			p.recorder.StageFinished(name, OutcomeFault, dur)
			logger.StageLog(string(name), OutcomeFault, dur, err)
			return nil, p.fail(r, name, err)
		}
		stageErr := err
		if stageErr != nil && !report.Has(name) {
			if placeholder, derr := model.DegradedResult(name, stageErr.Error()); derr == nil {
				_ = report.Set(name, placeholder)
			}
		}
		if err := se.finish(result); err != nil {
			r.state = RunCancelled
			return nil, context.Cause(runCtx)
		}

		stage := model.StageOutcome{Stage: name, Outcome: OutcomeOK}
		if se.Degraded() || stageErr != nil {
			stage.Outcome = OutcomeDegraded
		}
		if stageErr != nil {
			stage.Error = stageErr.Error()
		}
		outcomes = append(outcomes, stage)
		p.recorder.StageFinished(name, stage.Outcome, dur)
		logger.StageLog(string(name), stage.Outcome, dur, stageErr)

		if err := r.Emit(model.NewEvent(model.AgentPipeline, model.EventProgress, model.StepStageFinished,
			fmt.Sprintf("Finished %s", name), progress)); err != nil {
			r.state = RunCancelled
			return nil, context.Cause(runCtx)
		}
	}

	final := report.Clone()
	overview := final.Overview(outcomes)
	if err := r.Emit(model.NewEvent(model.AgentPipeline, model.EventResult, model.StepReport,
		"Final report assembled", overview)); err != nil {
		r.state = RunCancelled
		return nil, context.Cause(runCtx)
	}
	if err := r.Emit(model.NewEvent(model.AgentPipeline, model.EventComplete, model.StepDone,
		"Investigation complete", model.PipelineCompleteData{Report: final})); err != nil {
		r.state = RunCancelled
		return nil, context.Cause(runCtx)
	}
	r.state = RunComplete
	logger.Info("investigation complete", "summary", final.Summary())
	return final, nil
}

// plan 本次运行的阶段顺序（包含被跳过的补丁阶段）
func (p *Pipeline) plan() []model.Agent {
	out := make([]model.Agent, len(model.StageAgents))
	copy(out, model.StageAgents)
	return out
}

// runStage 执行单个阶段，panic 转为错误
func (p *Pipeline) runStage(ctx context.Context, st Stage, in StageInput, se *StageEmitter) (result any, err error) {
	if p.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("stage panicked", "stage", st.Name(), "panic", rec, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return st.Run(ctx, in, se)
}

// skipPatch 补丁阶段被禁用：记录 skipped 结果并发出 status + result + complete
func (p *Pipeline) skipPatch(r *run, report *model.InvestigationReport) error {
	skipped := &model.PatchResult{Status: model.PatchSkipped, Reason: "disabled"}
	_ = report.Set(model.AgentPatchGeneration, skipped)
	p.recorder.StageFinished(model.AgentPatchGeneration, OutcomeSkipped, 0)

	ev := For(model.AgentPatchGeneration, r)
	if err := ev.Status(model.StepSkipped, "Patch generation disabled"); err != nil {
		return err
	}
	if err := ev.Result(model.StepSkipped, "Patch generation skipped", skipped); err != nil {
		return err
	}
	return ev.Complete("patch_generation skipped")
}

// fail 硬故障：发出 pipeline/error/fatal 并返回错误
func (p *Pipeline) fail(r *run, stage model.Agent, cause error) error {
	r.state = RunError
	err := fmt.Errorf("stage %s: %w", stage, cause)
	_ = r.Emit(model.NewEvent(model.AgentPipeline, model.EventError, model.StepFatal,
		fmt.Sprintf("Pipeline error: %v", cause),
		model.PipelineErrorData{Error: cause.Error(), Stage: stage}))
	return err
}
