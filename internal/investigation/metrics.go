package investigation

import (
	"time"

	"bugpilot/internal/shared/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 阶段结果标签
const (
	OutcomeOK        = model.OutcomeOK
	OutcomeDegraded  = model.OutcomeDegraded
	OutcomeFault     = "fault"
	OutcomeCancelled = "cancelled"
	OutcomeSkipped   = model.OutcomeSkipped
)

// Recorder 流水线指标
//
// nil *Recorder 可安全调用，所有方法均为空操作。
type Recorder struct {
	StageDuration *prometheus.HistogramVec
	StageOutcomes *prometheus.CounterVec
	RunsTotal     *prometheus.CounterVec
	RunsInFlight  prometheus.Gauge
	EventsTotal   *prometheus.CounterVec
}

// NewRecorder 在 reg 上注册流水线指标；reg 为 nil 时使用默认注册表
func NewRecorder(namespace string, reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Investigation stage duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage", "outcome"},
		),
		StageOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_outcomes_total",
				Help:      "Investigation stage outcomes",
			},
			[]string{"stage", "outcome"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Pipeline runs by final state",
			},
			[]string{"state"},
		),
		RunsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_in_flight",
				Help:      "Pipeline runs currently executing",
			},
		),
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_events_total",
				Help:      "Events emitted by agent and type",
			},
			[]string{"agent", "type"},
		),
	}
}

// StageFinished 记录一个阶段的结果与耗时
func (r *Recorder) StageFinished(stage model.Agent, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.StageDuration.WithLabelValues(string(stage), outcome).Observe(d.Seconds())
	r.StageOutcomes.WithLabelValues(string(stage), outcome).Inc()
}

// RunStarted 记录运行开始
func (r *Recorder) RunStarted() {
	if r == nil {
		return
	}
	r.RunsInFlight.Inc()
}

// RunFinished 记录运行结束状态
func (r *Recorder) RunFinished(state RunState) {
	if r == nil {
		return
	}
	r.RunsInFlight.Dec()
	r.RunsTotal.WithLabelValues(string(state)).Inc()
}

// EventEmitted 记录一个已送出的事件
func (r *Recorder) EventEmitted(e model.Event) {
	if r == nil {
		return
	}
	r.EventsTotal.WithLabelValues(string(e.Agent), string(e.Type)).Inc()
}
