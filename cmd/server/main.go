package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/api"
	"github.com/apk-analysis/appsec-engine/internal/config"
	"github.com/apk-analysis/appsec-engine/internal/decompiler"
	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/metrics"
	"github.com/apk-analysis/appsec-engine/internal/queue"
	"github.com/apk-analysis/appsec-engine/internal/repository"
	"github.com/apk-analysis/appsec-engine/internal/retry"
	"github.com/apk-analysis/appsec-engine/internal/service"
	"github.com/apk-analysis/appsec-engine/internal/toolexec"
	"github.com/apk-analysis/appsec-engine/internal/watcher"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	fmt.Printf("AppSec Engine %s (build %s, commit %s)\n\n", Version, BuildTime, GitCommit)

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Config loaded from: %s", *configPath)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	// 3. 初始化数据库
	db, err := repository.InitDB(rootCtx, &cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	repo := repository.NewScanReportRepository(db)

	// 4. 指标与外部工具
	promMetrics := metrics.NewPrometheusMetrics(logger, "appsec", nil)
	runner := toolexec.NewRunner(logger).WithObserver(promMetrics.ObserveTool)

	engine, err := decompiler.NewEngineFromConfig(cfg, runner, promMetrics, logger)
	if err != nil {
		logger.Fatalf("Failed to create engine: %v", err)
	}

	// 5. Worker Pool，结果由 ScanService 落库
	workers := cfg.Worker.Concurrency
	if workers <= 0 {
		workers = 1
	}
	var scanService service.ScanService
	pool := decompiler.NewPool(workers, cfg.Worker.QueueSize, engine,
		func(ctx context.Context, job decompiler.Job, result *domain.DecompileResult, err error) {
			scanService.Complete(ctx, job, result, err)
		}, logger).
		OnStart(func(ctx context.Context, job decompiler.Job) {
			scanService.Start(ctx, job)
		})
	pool.Start(rootCtx)

	// 6. 派发方式：启用 RabbitMQ 时经队列，否则直接进入 Pool
	var (
		dispatcher service.Dispatcher
		mq         *queue.RabbitMQ
		consumer   *queue.Consumer
	)
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(cfg.RabbitMQ, workers, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}

		publishRetry := retry.DefaultConfig()
		publishRetry.Operation = "publish_scan"
		publishRetry.Logger = logger
		publishRetry.OnAttempt = promMetrics.RecordRetryAttempt
		publishRetry.OnRecovered = promMetrics.RecordRetrySuccess

		dispatcher = service.QueueDispatcher(queue.NewProducer(mq, publishRetry, logger))
		consumer = queue.NewConsumer(mq, service.QueueHandler(pool, logger), workers, logger)
		logger.WithField("queue", cfg.RabbitMQ.Queue).Info("RabbitMQ dispatch enabled")
	} else {
		dispatcher = service.PoolDispatcher(pool)
		logger.Info("RabbitMQ disabled, dispatching to local worker pool")
	}

	scanService, err = service.NewScanService(repo, dispatcher, service.Options{
		ResultDir:     cfg.ResultDir,
		CacheEntries:  cfg.Cache.ReportEntries,
		OnCacheLookup: promMetrics.RecordCacheLookup,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to create scan service: %v", err)
	}

	// 7. 重启恢复
	if _, err := scanService.Recover(rootCtx); err != nil {
		logger.WithError(err).Warn("Failed to recover scans from previous run")
	}

	if consumer != nil {
		if err := consumer.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
	}

	// 8. 入站目录监听
	var fileWatcher *watcher.FileWatcher
	if cfg.Watcher.Enabled {
		opts := watcher.DefaultOptions()
		if cfg.Watcher.DebounceMs > 0 {
			opts.Debounce = time.Duration(cfg.Watcher.DebounceMs) * time.Millisecond
		}
		fileWatcher, err = watcher.NewFileWatcher(cfg.Watcher.InboundDir, opts, func(ctx context.Context, path string) error {
			_, err := scanService.Submit(ctx, path)
			return err
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(rootCtx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
	}

	// 9. 内存与 Pool 指标
	memMonitor := metrics.NewMemoryMonitor(logger, 30*time.Second, promMetrics.UpdateMemoryStats)
	memMonitor.Start()
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case <-ticker.C:
				promMetrics.UpdateWorkerPoolStats(workers, pool.QueueSize())
			}
		}
	}()

	// 10. HTTP Server
	router := api.SetupRouter(cfg, logger, scanService, memMonitor, promMetrics)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	// 11. 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully...")
	shutdown(server, fileWatcher, consumer, mq, pool, memMonitor, cancelRoot, logger)

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	logger.Info("Server stopped")
}

// shutdown 先停入口，再等待 Pool 中在途任务完成
func shutdown(server *http.Server, fw *watcher.FileWatcher, consumer *queue.Consumer, mq *queue.RabbitMQ,
	pool *decompiler.Pool, mem *metrics.MemoryMonitor, cancel context.CancelFunc, logger *logrus.Logger) {
	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown error")
	}
	if fw != nil {
		if err := fw.Stop(); err != nil {
			logger.WithError(err).Warn("File watcher stop error")
		}
	}
	if consumer != nil {
		consumer.Stop()
	}

	pool.Stop()
	cancel()
	mem.Stop()

	if mq != nil {
		if err := mq.Close(); err != nil {
			logger.WithError(err).Warn("RabbitMQ close error")
		}
	}
}
