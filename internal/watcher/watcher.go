// Package watcher 监听入站目录，新制品写入完成后交给处理函数
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 监听参数
type Options struct {
	Debounce     time.Duration // 同一文件连续事件的合并窗口
	PollInterval time.Duration // 判断写入完成时两次 stat 的间隔
	MaxPolls     int
	ScanExisting bool // 启动时处理目录中已有的制品
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		Debounce:     2 * time.Second,
		PollInterval: 500 * time.Millisecond,
		MaxPolls:     10,
	}
}

// FileWatcher 入站目录监听器，只处理 .apk/.aab/.ipa
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	handler  FileHandler
	logger   *logrus.Logger
	opts     Options

	mu         sync.Mutex
	timers     map[string]*time.Timer
	processing map[string]bool
	stopOnce   sync.Once
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewFileWatcher 创建监听器，目录不存在时创建
func NewFileWatcher(watchDir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultOptions().Debounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.MaxPolls <= 0 {
		opts.MaxPolls = DefaultOptions().MaxPolls
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(watchDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to add watch directory: %w", err)
	}

	logger.WithField("watch_dir", watchDir).Info("File watcher created")

	return &FileWatcher{
		watcher:    w,
		watchDir:   watchDir,
		handler:    handler,
		logger:     logger,
		opts:       opts,
		timers:     make(map[string]*time.Timer),
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}, nil
}

// IsArtifact 文件名是否为支持的制品类型
func IsArtifact(name string) bool {
	_, err := domain.BinaryTypeFromPath(name)
	return err == nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExisting(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	fw.wg.Add(1)
	go fw.eventLoop(ctx)

	fw.logger.Info("File watcher started")
	return nil
}

func (fw *FileWatcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() && IsArtifact(entry.Name()) {
			fw.schedule(ctx, filepath.Join(fw.watchDir, entry.Name()))
		}
	}
	return nil
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !IsArtifact(event.Name) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  filepath.Base(event.Name),
			}).Debug("File event detected")
			fw.schedule(ctx, event.Name)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// schedule 防抖：窗口内的重复事件只触发一次
func (fw *FileWatcher) schedule(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if timer, ok := fw.timers[path]; ok {
		timer.Stop()
	}
	fw.timers[path] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.mu.Lock()
		delete(fw.timers, path)
		fw.mu.Unlock()
		fw.handleFile(ctx, path)
	})
}

func (fw *FileWatcher) handleFile(ctx context.Context, path string) {
	fw.mu.Lock()
	if fw.processing[path] {
		fw.mu.Unlock()
		fw.logger.WithField("file", path).Debug("File is already being processed")
		return
	}
	fw.processing[path] = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.processing, path)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Warn("File not ready")
		return
	}

	if err := fw.handler(ctx, path); err != nil {
		fw.logger.WithError(err).WithField("file", path).Error("Failed to submit file")
		return
	}
	fw.logger.WithField("file", path).Info("File submitted")
}

// waitForFileReady 大小连续两次相同且非零视为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, path string) error {
	var last int64 = -1
	for i := 0; i < fw.opts.MaxPolls; i++ {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("file does not exist")
			}
			return err
		}
		if info.Size() > 0 && info.Size() == last {
			return nil
		}
		last = info.Size()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.opts.PollInterval):
		}
	}
	return fmt.Errorf("file not ready after %d polls", fw.opts.MaxPolls)
}

// Stop 停止监听，可重复调用
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)

		fw.mu.Lock()
		for path, timer := range fw.timers {
			timer.Stop()
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// WatchDir 监听的目录
func (fw *FileWatcher) WatchDir() string {
	return fw.watchDir
}
