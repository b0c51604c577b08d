// Package investigate 调查领域 - 流水线执行、SSE 接口与后台 worker
//
// Runner 把一次流水线运行与 Case 生命周期绑定：
//
//	开始          → INVESTIGATING
//	完成          → REPORT_READY（元数据为报告摘要，报告归档到对象存储）
//	致命错误/中断 → FAILED（元数据为错误）
//
// 流水线事件同时镜像到 Case 事件总线，供 WebSocket 观察者订阅。
package investigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/eventbus"
	"bugpilot/internal/shared/model"
	"bugpilot/pkg/logging"
)

// Investigator 执行一次调查（*investigation.Pipeline）
type Investigator interface {
	Run(ctx context.Context, issue model.Issue, emit investigation.Emitter) (*model.InvestigationReport, error)
}

var _ Investigator = (*investigation.Pipeline)(nil)

// CaseService Runner 需要的 Case 操作
type CaseService interface {
	Get(ctx context.Context, id string) (*model.Case, error)
	Transition(ctx context.Context, id string, to model.CaseState, metadata json.RawMessage) (*model.TransitionResult, error)
}

// Archiver 报告归档（*objstore.Client）
type Archiver interface {
	ArchiveReport(ctx context.Context, caseID, runID string, report *model.InvestigationReport) (string, error)
}

// RunnerOptions Runner 可选依赖
type RunnerOptions struct {
	Cases CaseService
	Bus   eventbus.CaseEventBus
	// Archive 为 nil 时不归档
	Archive Archiver
	Logger  *logging.Logger
}

// Runner 调查执行器
type Runner struct {
	pipeline Investigator
	cases    CaseService
	bus      eventbus.CaseEventBus
	archive  Archiver
	logger   *logging.Logger
}

// NewRunner 创建执行器
func NewRunner(p Investigator, opts RunnerOptions) *Runner {
	if opts.Bus == nil {
		opts.Bus = eventbus.NewNoOpEventBus()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("investigate")
	}
	return &Runner{
		pipeline: p,
		cases:    opts.Cases,
		bus:      opts.Bus,
		archive:  opts.Archive,
		logger:   opts.Logger,
	}
}

// Request 一次调查请求
type Request struct {
	Issue  model.Issue
	CaseID string
}

// Run 执行调查，事件写入 emit
//
// CaseID 非空时迁移 Case 状态并镜像事件；Case 迁移失败在流水线开始前返回。
// 返回值与流水线一致：致命错误返回 error，消费者断开返回 context 错误。
func (r *Runner) Run(ctx context.Context, req Request, emit investigation.Emitter) (*model.InvestigationReport, error) {
	log := r.logger.WithContext(ctx)
	if emit == nil {
		emit = investigation.NoopEmitter{}
	}
	if req.CaseID == "" || r.cases == nil {
		return r.pipeline.Run(ctx, req.Issue, emit)
	}
	log = log.WithCaseID(req.CaseID)

	if _, err := r.cases.Transition(ctx, req.CaseID, model.CaseInvestigating, mustJSON(map[string]string{"reason": "investigation started"})); err != nil {
		return nil, fmt.Errorf("start investigation: %w", err)
	}

	mirror := &busMirror{bus: r.bus, caseID: req.CaseID, ctx: context.WithoutCancel(ctx)}
	start := time.Now()
	report, err := r.pipeline.Run(ctx, req.Issue, investigation.Tee(emit, mirror))

	// 终态迁移不受请求取消影响
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err != nil {
		meta := map[string]any{"error": err.Error(), "run_id": mirror.RunID()}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			meta["cancelled"] = true
		}
		if _, terr := r.cases.Transition(finishCtx, req.CaseID, model.CaseFailed, mustJSON(meta)); terr != nil {
			log.WithError(terr).Error("failed to mark case failed")
		}
		log.WithError(err).WithDuration(time.Since(start)).Warn("investigation failed")
		return nil, err
	}

	meta := map[string]any{"summary": report.Summary(), "run_id": mirror.RunID()}
	if r.archive != nil {
		key, aerr := r.archive.ArchiveReport(finishCtx, req.CaseID, mirror.RunID(), report)
		if aerr != nil {
			log.WithError(aerr).Warn("failed to archive report")
		} else {
			meta["report_key"] = key
		}
	}
	if _, terr := r.cases.Transition(finishCtx, req.CaseID, model.CaseReportReady, mustJSON(meta)); terr != nil {
		log.WithError(terr).Error("failed to mark report ready")
	}
	log.WithDuration(time.Since(start)).Info("investigation complete", "summary", report.Summary())
	return report, nil
}

// busMirror 把流水线事件发布到 Case 事件总线，并记下 run_id
type busMirror struct {
	bus    eventbus.CaseEventBus
	caseID string
	ctx    context.Context

	mu    sync.Mutex
	runID string
}

func (m *busMirror) Emit(e model.Event) error {
	if e.Agent == model.AgentPipeline && e.Step == model.StepStarted {
		var started model.PipelineStartedData
		if e.DecodeData(&started) == nil {
			m.mu.Lock()
			m.runID = started.RunID
			m.mu.Unlock()
		}
	}
	return m.bus.PublishCaseEvent(m.ctx, m.caseID, eventbus.NewPipelineEvent(m.caseID, e))
}

// RunID 流水线开始事件中的 run_id
func (m *busMirror) RunID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runID
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
