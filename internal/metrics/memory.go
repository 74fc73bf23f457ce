package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`
	Sys        uint64 `json:"sys"`
	NumGC      uint32 `json:"num_gc"`
	Goroutines int    `json:"goroutines"`
	AllocMB    uint64 `json:"alloc_mb"`
}

// highMemoryMB 超过后告警
const highMemoryMB = 1536

// MemoryMonitor 定期采样运行时内存，推送到 sink
type MemoryMonitor struct {
	logger   *logrus.Logger
	interval time.Duration
	sink     func(MemoryStats)

	mu       sync.RWMutex
	stats    MemoryStats
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMemoryMonitor sink 可为 nil
func NewMemoryMonitor(logger *logrus.Logger, interval time.Duration, sink func(MemoryStats)) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		interval: interval,
		sink:     sink,
		stopChan: make(chan struct{}),
	}
}

// Start 启动采样
func (m *MemoryMonitor) Start() {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}

// Stop 可重复调用
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

// Sample 立即采样一次
func (m *MemoryMonitor) Sample() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	if m.sink != nil {
		m.sink(stats)
	}

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	if stats.AllocMB > highMemoryMB {
		m.logger.WithField("alloc_mb", stats.AllocMB).Warn("High memory usage detected")
	}
	return stats
}

// Stats 最近一次采样
func (m *MemoryMonitor) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
