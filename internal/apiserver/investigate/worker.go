package investigate

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"bugpilot/internal/investigation"
	"bugpilot/internal/shared/model"
	"bugpilot/internal/shared/queue"
)

// WorkerConfig 后台 worker 配置
type WorkerConfig struct {
	// ConsumerID 消费者名，多实例部署时需唯一
	ConsumerID   string
	Concurrency  int
	BlockTimeout time.Duration
}

// Worker 消费调查队列并执行 Runner
//
// 入站触发（GitHub issue、Slack 按钮）只负责入队，调查在这里异步执行；
// 事件写入日志并镜像到 Case 事件总线。
type Worker struct {
	runner *Runner
	queue  queue.InvestigationQueue
	cfg    WorkerConfig

	mu      sync.Mutex
	running bool
}

// NewWorker 创建 worker
func NewWorker(runner *Runner, q queue.InvestigationQueue, cfg WorkerConfig) *Worker {
	if cfg.ConsumerID == "" {
		host, _ := os.Hostname()
		cfg.ConsumerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	return &Worker{runner: runner, queue: q, cfg: cfg}
}

// Start 启动消费循环，阻塞直到 ctx 结束
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if err := w.queue.CreateConsumerGroup(ctx); err != nil {
		log.Printf("[worker.group.failed] error=%v", err)
	}
	log.Printf("[worker.start] consumer_id=%s concurrency=%d", w.cfg.ConsumerID, w.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consume(ctx, fmt.Sprintf("%s-%d", w.cfg.ConsumerID, slot))
		}(i)
	}
	wg.Wait()
	log.Printf("[worker.stopped] consumer_id=%s", w.cfg.ConsumerID)
}

func (w *Worker) consume(ctx context.Context, consumerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		jobs, err := w.queue.Consume(ctx, consumerID, 1, w.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[worker.consume.failed] consumer_id=%s error=%v", consumerID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, job := range jobs {
			w.Process(ctx, job)
		}
	}
}

// Process 执行单个任务并 Ack
//
// 调查失败同样 Ack，失败结果已体现在 Case 状态上。
func (w *Worker) Process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	log.Printf("[worker.job.start] job_id=%s case_id=%s trigger=%s", job.ID, job.CaseID, job.Trigger)

	emit := logEmitter(job.CaseID)
	_, err := w.runner.Run(ctx, Request{Issue: job.Issue, CaseID: job.CaseID}, emit)
	if err != nil {
		log.Printf("[worker.job.failed] job_id=%s case_id=%s error=%v", job.ID, job.CaseID, err)
	} else {
		log.Printf("[worker.job.done] job_id=%s case_id=%s delay_ms=%d duration_ms=%d",
			job.ID, job.CaseID, start.Sub(job.EnqueuedAt).Milliseconds(), time.Since(start).Milliseconds())
	}

	// Ack 不受关停影响
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Ack(ackCtx, job.ID); err != nil {
		log.Printf("[worker.ack.failed] job_id=%s error=%v", job.ID, err)
	}
}

// logEmitter 把阶段终结事件写入日志，其余事件只走事件总线
func logEmitter(caseID string) investigation.Emitter {
	return investigation.EmitterFunc(func(e model.Event) error {
		switch e.Type {
		case model.EventResult, model.EventError:
			log.Printf("[worker.event] case_id=%s agent=%s type=%s message=%q", caseID, e.Agent, e.Type, e.Message)
		}
		return nil
	})
}
