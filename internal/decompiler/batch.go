package decompiler

import (
	"context"
	"sync"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/sirupsen/logrus"
)

// Decompiler 单制品分析接口，Engine 实现
type Decompiler interface {
	Decompile(ctx context.Context, artifactPath, outputDir string) (*domain.DecompileResult, error)
}

var _ Decompiler = (*Engine)(nil)

// Job 批量任务
type Job struct {
	ID        string
	Path      string
	OutputDir string
}

// Outcome 批量任务结果
type Outcome struct {
	Job    Job
	Result *domain.DecompileResult
	Err    error
}

// BatchRunner 有界并发地分析多个制品
// 取消是制品粒度的：已开始的制品跑完（外部工具进程组会被终止），未开始的不再启动
type BatchRunner struct {
	workers int
	engine  Decompiler
	logger  *logrus.Logger
}

// NewBatchRunner workers<=0 时按 1 处理
func NewBatchRunner(workers int, engine Decompiler, logger *logrus.Logger) *BatchRunner {
	if workers <= 0 {
		workers = 1
	}
	return &BatchRunner{workers: workers, engine: engine, logger: logger}
}

// Run 结果与 jobs 顺序一致
func (b *BatchRunner) Run(ctx context.Context, jobs []Job) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	for i, job := range jobs {
		outcomes[i].Job = job
	}

	indexes := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < b.workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := range indexes {
				job := jobs[i]
				b.logger.WithFields(logrus.Fields{
					"worker_id": workerID,
					"job_id":    job.ID,
					"artifact":  job.Path,
				}).Debug("Processing artifact")

				outcomes[i].Result, outcomes[i].Err = b.engine.Decompile(ctx, job.Path, job.OutputDir)
			}
		}(w)
	}

	next := 0
dispatch:
	for ; next < len(jobs); next++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case indexes <- next:
		}
	}
	close(indexes)
	wg.Wait()

	for i := next; i < len(jobs); i++ {
		outcomes[i].Err = ctx.Err()
	}

	if next < len(jobs) {
		b.logger.WithFields(logrus.Fields{
			"started": next,
			"skipped": len(jobs) - next,
		}).Warn("Batch canceled before all artifacts started")
	}
	return outcomes
}
