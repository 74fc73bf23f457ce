package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/decompiler"
	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/queue"
	"github.com/apk-analysis/appsec-engine/internal/report"
	"github.com/apk-analysis/appsec-engine/internal/repository"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ScanService 扫描任务服务接口
type ScanService interface {
	// 提交制品，返回排队中的记录
	Submit(ctx context.Context, artifactPath string) (*domain.ScanReport, error)

	// 标记为运行中，签名与 decompiler.StartHandler 一致
	Start(ctx context.Context, job decompiler.Job)

	// 保存分析结果，签名与 decompiler.ResultHandler 一致
	Complete(ctx context.Context, job decompiler.Job, result *domain.DecompileResult, err error)

	// 按 scan_id 获取记录
	GetScan(ctx context.Context, scanID string) (*domain.ScanReport, error)

	// 按 SHA-256 获取最近一次完成的报告
	GetReportBySHA256(ctx context.Context, sha256 string) (*report.Report, error)

	// 分页列出记录
	ListScans(ctx context.Context, opts repository.ListOptions) ([]domain.ScanReport, int64, error)

	// 启动时恢复：中断的任务标记失败，排队中的任务重新派发
	Recover(ctx context.Context) (int, error)
}

// Dispatcher 把任务交给执行端（本地 Pool 或消息队列）
type Dispatcher interface {
	Dispatch(ctx context.Context, job decompiler.Job) error
}

// DispatcherFunc 函数适配
type DispatcherFunc func(ctx context.Context, job decompiler.Job) error

func (f DispatcherFunc) Dispatch(ctx context.Context, job decompiler.Job) error { return f(ctx, job) }

// PoolDispatcher 直接提交到本地 Pool
func PoolDispatcher(pool *decompiler.Pool) Dispatcher {
	return DispatcherFunc(func(_ context.Context, job decompiler.Job) error {
		return pool.Submit(job)
	})
}

// QueueDispatcher 发布到 RabbitMQ，由消费者执行
func QueueDispatcher(producer *queue.Producer) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, job decompiler.Job) error {
		return producer.PublishScan(ctx, &queue.ScanMessage{
			ScanID:       job.ID,
			ArtifactPath: job.Path,
			OutputDir:    job.OutputDir,
			SubmittedAt:  time.Now().UTC(),
		})
	})
}

// JobRunner 同步执行任务，由 *decompiler.Pool 实现
type JobRunner interface {
	SubmitAndWait(ctx context.Context, job decompiler.Job) decompiler.Outcome
}

// Options 服务参数
type Options struct {
	ResultDir     string         // 非空时每个任务输出到 <ResultDir>/<scan_id>
	CacheEntries  int            // 报告 LRU 容量
	OnCacheLookup func(hit bool) // 缓存命中统计
}

type scanService struct {
	repo          repository.ScanReportRepository
	dispatcher    Dispatcher
	cache         *lru.Cache[string, *report.Report]
	resultDir     string
	onCacheLookup func(hit bool)
	logger        *logrus.Logger
}

// NewScanService 创建扫描服务实例
func NewScanService(repo repository.ScanReportRepository, dispatcher Dispatcher, opts Options, logger *logrus.Logger) (ScanService, error) {
	size := opts.CacheEntries
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *report.Report](size)
	if err != nil {
		return nil, fmt.Errorf("create report cache: %w", err)
	}

	return &scanService{
		repo:          repo,
		dispatcher:    dispatcher,
		cache:         cache,
		resultDir:     opts.ResultDir,
		onCacheLookup: opts.OnCacheLookup,
		logger:        logger,
	}, nil
}

func (s *scanService) Submit(ctx context.Context, artifactPath string) (*domain.ScanReport, error) {
	artifact, err := domain.NewArtifact(artifactPath)
	if err != nil {
		return nil, err
	}

	scanID := uuid.New().String()
	row := &domain.ScanReport{
		ScanID:     scanID,
		Status:     domain.ScanStatusQueued,
		BinaryType: artifact.BinaryType(),
		BinaryPath: artifact.Path(),
		FileSize:   artifact.SizeBytes(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, row); err != nil {
		s.logger.WithError(err).Error("Failed to create scan record")
		return nil, fmt.Errorf("创建扫描记录失败: %w", err)
	}

	job := decompiler.Job{ID: scanID, Path: artifact.Path()}
	if s.resultDir != "" {
		job.OutputDir = filepath.Join(s.resultDir, scanID)
	}

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to dispatch scan")
		if uerr := s.repo.UpdateStatus(ctx, scanID, domain.ScanStatusFailed, err.Error()); uerr != nil {
			s.logger.WithError(uerr).WithField("scan_id", scanID).Warn("Failed to mark scan as failed")
		}
		return nil, fmt.Errorf("提交扫描任务失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id":  scanID,
		"artifact": artifact.Path(),
	}).Info("Scan submitted")
	return row, nil
}

func (s *scanService) Start(ctx context.Context, job decompiler.Job) {
	err := s.repo.UpdateStatus(ctx, job.ID, domain.ScanStatusRunning, "")
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.WithError(err).WithField("scan_id", job.ID).Warn("Failed to mark scan as running")
	}
}

func (s *scanService) Complete(ctx context.Context, job decompiler.Job, result *domain.DecompileResult, runErr error) {
	// 关闭阶段 ctx 可能已取消，结果仍需落库
	ctx = context.WithoutCancel(ctx)
	fields := logrus.Fields{"scan_id": job.ID, "artifact": job.Path}

	if runErr != nil || result == nil {
		if runErr == nil {
			runErr = errors.New("no result produced")
		}
		if err := s.repo.Upsert(ctx, repository.NewFailedReport(job.ID, job.Path, runErr)); err != nil {
			s.logger.WithError(err).WithFields(fields).Error("Failed to save failed scan")
		}
		return
	}

	rep := report.FromResult(result)
	row, err := repository.NewCompletedReport(job.ID, rep)
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("Failed to build scan record")
		return
	}
	if err := s.repo.Upsert(ctx, row); err != nil {
		s.logger.WithError(err).WithFields(fields).Error("Failed to save scan report")
		return
	}

	s.cache.Add(rep.Hashes.SHA256, rep)
	s.logger.WithFields(fields).WithField("sha256", rep.Hashes.SHA256).Info("Scan report saved")
}

func (s *scanService) GetScan(ctx context.Context, scanID string) (*domain.ScanReport, error) {
	row, err := s.repo.FindByScanID(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("获取扫描记录失败: %w", err)
	}
	return row, nil
}

func (s *scanService) GetReportBySHA256(ctx context.Context, sha256 string) (*report.Report, error) {
	key := strings.ToLower(sha256)
	if rep, ok := s.cache.Get(key); ok {
		s.recordLookup(true)
		return rep, nil
	}
	s.recordLookup(false)

	row, err := s.repo.FindBySHA256(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("获取扫描报告失败: %w", err)
	}
	rep, err := repository.DecodeReport(row)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, rep)
	return rep, nil
}

func (s *scanService) ListScans(ctx context.Context, opts repository.ListOptions) ([]domain.ScanReport, int64, error) {
	rows, total, err := s.repo.List(ctx, opts)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list scans")
		return nil, 0, fmt.Errorf("获取扫描列表失败: %w", err)
	}
	return rows, total, nil
}

func (s *scanService) Recover(ctx context.Context) (int, error) {
	failed, err := s.repo.FailInterrupted(ctx, "服务重启，任务中断")
	if err != nil {
		return 0, fmt.Errorf("标记中断任务失败: %w", err)
	}
	if failed > 0 {
		s.logger.WithField("count", failed).Warn("Marked interrupted scans as failed")
	}

	queued, err := s.repo.ListQueued(ctx)
	if err != nil {
		return 0, fmt.Errorf("查询排队任务失败: %w", err)
	}

	dispatched := 0
	for _, row := range queued {
		job := decompiler.Job{ID: row.ScanID, Path: row.BinaryPath}
		if s.resultDir != "" {
			job.OutputDir = filepath.Join(s.resultDir, row.ScanID)
		}
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.logger.WithError(err).WithField("scan_id", row.ScanID).Error("Failed to redispatch scan")
			continue
		}
		dispatched++
	}

	s.logger.WithFields(logrus.Fields{
		"total":      len(queued),
		"dispatched": dispatched,
	}).Info("Queued scans redispatched")
	return dispatched, nil
}

func (s *scanService) recordLookup(hit bool) {
	if s.onCacheLookup != nil {
		s.onCacheLookup(hit)
	}
}

// QueueHandler 消费者回调：交给 Pool 同步执行。
// 状态流转由 Pool 的 StartHandler/ResultHandler 负责，这里只把错误交回给消费者决定是否重投。
func QueueHandler(runner JobRunner, logger *logrus.Logger) queue.ScanHandler {
	return func(ctx context.Context, msg *queue.ScanMessage) error {
		logger.WithField("scan_id", msg.ScanID).Debug("Scan message received")
		out := runner.SubmitAndWait(ctx, decompiler.Job{
			ID:        msg.ScanID,
			Path:      msg.ArtifactPath,
			OutputDir: msg.OutputDir,
		})
		return out.Err
	}
}
