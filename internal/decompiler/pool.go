package decompiler

import (
	"context"
	"fmt"
	"sync"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/sirupsen/logrus"
)

// ResultHandler 任务完成回调（持久化、缓存等）
type ResultHandler func(ctx context.Context, job Job, result *domain.DecompileResult, err error)

// StartHandler Worker 取到任务、开始分析前的回调
type StartHandler func(ctx context.Context, job Job)

// Pool 常驻 Worker 池，服务端的入站目录和队列消费都提交到这里
type Pool struct {
	workers  int
	taskChan chan *poolTask
	engine   Decompiler
	handler  ResultHandler
	onStart  StartHandler
	logger   *logrus.Logger
	wg       sync.WaitGroup
}

type poolTask struct {
	job      Job
	resultCh chan Outcome // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, engine Decompiler, handler ResultHandler, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *poolTask, queueSize),
		engine:   engine,
		handler:  handler,
		logger:   logger,
	}
}

// OnStart 设置开始回调，需在 Start 之前调用
func (p *Pool) OnStart(fn StartHandler) *Pool {
	p.onStart = fn
	return p
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}

			fields := logrus.Fields{
				"worker_id": id,
				"job_id":    task.job.ID,
				"artifact":  task.job.Path,
			}
			p.logger.WithFields(fields).Info("Processing artifact")

			if p.onStart != nil {
				p.onStart(ctx, task.job)
			}

			result, err := p.engine.Decompile(ctx, task.job.Path, task.job.OutputDir)
			if err != nil {
				p.logger.WithError(err).WithFields(fields).Error("Artifact analysis failed")
			}

			if p.handler != nil {
				p.handler(ctx, task.job, result, err)
			}

			if task.resultCh != nil {
				task.resultCh <- Outcome{Job: task.job, Result: result, Err: err}
				close(task.resultCh)
			}
		}
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job Job) error {
	select {
	case p.taskChan <- &poolTask{job: job}:
		p.logger.WithField("job_id", job.ID).Debug("Job submitted to pool")
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job Job) Outcome {
	task := &poolTask{job: job, resultCh: make(chan Outcome, 1)}

	select {
	case p.taskChan <- task:
	case <-ctx.Done():
		return Outcome{Job: job, Err: ctx.Err()}
	}

	select {
	case out := <-task.resultCh:
		return out
	case <-ctx.Done():
		return Outcome{Job: job, Err: ctx.Err()}
	}
}

// Stop 关闭队列并等待在途任务结束
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	close(p.taskChan)
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// QueueSize 队列中等待的任务数
func (p *Pool) QueueSize() int {
	return len(p.taskChan)
}
