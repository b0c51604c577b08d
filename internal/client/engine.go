package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Engine - 单 goroutine 事件循环
// ============================================================================

// envelope 带代次标记的消息
type envelope struct {
	gen     uint64
	msg     Msg
	control control
	at      time.Time
	done    chan struct{}
}

type control int

const (
	ctlNone control = iota
	ctlStart
	ctlReset
	ctlSync
)

// EngineOption 引擎选项
type EngineOption func(*Engine)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithTickInterval 设置计时器间隔；0 表示不启动计时器
func WithTickInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.tick = d }
}

// WithOnUpdate 每次状态变化后在事件循环内回调
func WithOnUpdate(fn func(State)) EngineOption {
	return func(e *Engine) { e.onUpdate = fn }
}

// Engine 驱动 Reduce 的事件循环
//
// 所有状态修改都在同一个 goroutine 内按到达顺序执行。
// 每次 Start/Reset 都会递增代次并取消上一次运行的计时器与生产者；
// 携带旧代次的消息在循环内被丢弃。
type Engine struct {
	msgs     chan envelope
	gen      atomic.Uint64
	snapshot atomic.Pointer[State]
	now      func() time.Time
	tick     time.Duration
	onUpdate func(State)

	mu        sync.Mutex
	cancelRun context.CancelFunc

	closeOnce sync.Once
	quit      chan struct{}
	stopped   chan struct{}
}

// NewEngine 创建并启动事件循环
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		msgs:    make(chan envelope, 256),
		now:     time.Now,
		tick:    time.Second,
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	initial := NewState()
	e.snapshot.Store(&initial)
	go e.loop()
	return e
}

// Run 一次运行的句柄，生产者通过它投递消息
type Run struct {
	ctx     context.Context
	gen     uint64
	started time.Time
	engine  *Engine
}

// Context 运行上下文；Start/Reset/Close 后被取消
func (r *Run) Context() context.Context { return r.ctx }

// Generation 运行代次
func (r *Run) Generation() uint64 { return r.gen }

// StartedAt 运行开始时刻（取自引擎时钟）
func (r *Run) StartedAt() time.Time { return r.started }

// Dispatch 投递消息；运行已被取代时直接丢弃并返回 false
func (r *Run) Dispatch(m Msg) bool {
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.engine.msgs <- envelope{gen: r.gen, msg: m}:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Start 开始新运行：取消上一运行、重置状态并返回新句柄
func (e *Engine) Start(ctx context.Context) *Run {
	return e.begin(ctx, ctlStart)
}

// Reset 取消当前运行并回到初始状态
func (e *Engine) Reset() {
	e.begin(context.Background(), ctlReset)
}

func (e *Engine) begin(ctx context.Context, ctl control) *Run {
	e.mu.Lock()
	if e.cancelRun != nil {
		e.cancelRun()
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelRun = cancel
	gen := e.gen.Add(1)
	e.mu.Unlock()

	at := e.now()
	e.send(envelope{gen: gen, control: ctl, at: at})

	run := &Run{ctx: runCtx, gen: gen, started: at, engine: e}
	if ctl == ctlStart && e.tick > 0 {
		go e.ticker(run)
	}
	if ctl == ctlReset {
		cancel()
	}
	return run
}

func (e *Engine) ticker(run *Run) {
	t := time.NewTicker(e.tick)
	defer t.Stop()
	for {
		select {
		case <-run.ctx.Done():
			return
		case <-t.C:
			if !run.Dispatch(Tick{At: e.now()}) {
				return
			}
		}
	}
}

// Snapshot 当前状态（不可变值）
func (e *Engine) Snapshot() State {
	return *e.snapshot.Load()
}

// Sync 等待此前投递的所有消息处理完毕
func (e *Engine) Sync() {
	done := make(chan struct{})
	if !e.send(envelope{control: ctlSync, done: done}) {
		return
	}
	select {
	case <-done:
	case <-e.stopped:
	}
}

// Close 停止事件循环
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		if e.cancelRun != nil {
			e.cancelRun()
		}
		e.mu.Unlock()
		close(e.quit)
		<-e.stopped
	})
}

func (e *Engine) send(env envelope) bool {
	select {
	case e.msgs <- env:
		return true
	case <-e.quit:
		return false
	}
}

func (e *Engine) loop() {
	defer close(e.stopped)
	var current uint64
	state := NewState()

	for {
		select {
		case <-e.quit:
			return
		case env := <-e.msgs:
			switch env.control {
			case ctlSync:
				close(env.done)
				continue
			case ctlStart:
				current = env.gen
				state = Reduce(NewState(), Started{At: env.at})
			case ctlReset:
				current = env.gen
				state = NewState()
			default:
				if env.gen != current {
					continue
				}
				state = Reduce(state, env.msg)
			}
			snap := state
			e.snapshot.Store(&snap)
			if e.onUpdate != nil {
				e.onUpdate(state)
			}
		}
	}
}
