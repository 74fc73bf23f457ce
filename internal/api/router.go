package api

import (
	"crypto/subtle"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/api/handlers"
	"github.com/apk-analysis/appsec-engine/internal/config"
	"github.com/apk-analysis/appsec-engine/internal/metrics"
	"github.com/apk-analysis/appsec-engine/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRouter 组装 HTTP 路由；memMonitor 与 promMetrics 可为 nil
func SetupRouter(cfg *config.Config, logger *logrus.Logger, scanService service.ScanService, memMonitor *metrics.MemoryMonitor, promMetrics *metrics.PrometheusMetrics) *gin.Engine {
	// 设置 Gin 模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	if promMetrics != nil {
		r.Use(promMetrics.HTTPMiddleware())
		r.GET("/metrics", promMetrics.Handler())
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if memMonitor != nil {
		r.GET("/debug/memory", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"memory": memMonitor.Stats()})
		})
		if cfg.Server.Mode != "release" {
			r.POST("/debug/gc", func(c *gin.Context) {
				runtime.GC()
				c.JSON(http.StatusOK, gin.H{"memory": memMonitor.Sample()})
			})
		}
	}

	scanHandler := handlers.NewScanHandler(scanService, logger, cfg.Server.UploadDir, cfg.Server.MaxUploadMB)

	v1 := r.Group("/api")
	if cfg.Server.APIToken != "" {
		v1.Use(AuthMiddleware(cfg.Server.APIToken))
	}
	{
		v1.GET("/scans", scanHandler.ListScans)
		v1.POST("/scans", scanHandler.SubmitScan)
		v1.POST("/scans/upload", scanHandler.UploadScan)
		v1.GET("/scans/:id", scanHandler.GetScan)
		v1.GET("/reports/:sha256", scanHandler.GetReport)
	}

	return r
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware 校验 Bearer token
func AuthMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未提供认证令牌"})
			return
		}

		presented := strings.TrimPrefix(authHeader, "Bearer ")
		if presented == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "认证令牌格式错误"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "无效的认证令牌"})
			return
		}

		c.Next()
	}
}
