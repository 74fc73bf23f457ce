package handlers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/repository"
	"github.com/apk-analysis/appsec-engine/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ScanHandler 扫描任务处理器
type ScanHandler struct {
	scanService service.ScanService
	logger      *logrus.Logger
	uploadDir   string
	maxUpload   int64
}

// NewScanHandler 创建扫描任务处理器实例
func NewScanHandler(scanService service.ScanService, logger *logrus.Logger, uploadDir string, maxUploadMB int64) *ScanHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 500
	}
	return &ScanHandler{
		scanService: scanService,
		logger:      logger,
		uploadDir:   uploadDir,
		maxUpload:   maxUploadMB * 1024 * 1024,
	}
}

type submitRequest struct {
	Path string `json:"path" binding:"required"`
}

// SubmitScan 提交服务器本地路径上的制品
// POST /api/scans {"path": "/data/inbound/app.apk"}
func (h *ScanHandler) SubmitScan(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数错误: path 必填"})
		return
	}

	row, err := h.scanService.Submit(c.Request.Context(), req.Path)
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"scan_id": row.ScanID,
		"status":  row.Status,
	})
}

// UploadScan 上传制品并提交
// POST /api/scans/upload (multipart, 字段 file)
func (h *ScanHandler) UploadScan(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "获取上传文件失败"})
		return
	}

	filename := filepath.Base(file.Filename)
	if _, err := domain.BinaryTypeFromPath(filename); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 APK / AAB / IPA 文件格式"})
		return
	}
	if file.Size > h.maxUpload {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.maxUpload/(1024*1024)),
		})
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create upload directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建上传目录失败"})
		return
	}

	destPath := filepath.Join(h.uploadDir, filename)
	if _, err := os.Stat(destPath); err == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "文件已存在",
			"filename": filename,
		})
		return
	}

	if err := c.SaveUploadedFile(file, destPath); err != nil {
		h.logger.WithError(err).WithField("filename", filename).Error("Failed to save uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存上传文件失败"})
		return
	}

	row, err := h.scanService.Submit(c.Request.Context(), destPath)
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"filename": filename,
		"size":     file.Size,
		"scan_id":  row.ScanID,
	}).Info("Artifact uploaded")

	c.JSON(http.StatusAccepted, gin.H{
		"scan_id":  row.ScanID,
		"status":   row.Status,
		"filename": filename,
	})
}

// GetScan 获取扫描记录
// GET /api/scans/:id
func (h *ScanHandler) GetScan(c *gin.Context) {
	scanID := c.Param("id")

	row, err := h.scanService.GetScan(c.Request.Context(), scanID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "扫描记录不存在"})
			return
		}
		h.logger.WithError(err).WithField("scan_id", scanID).Error("Failed to get scan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取扫描记录失败"})
		return
	}

	c.JSON(http.StatusOK, row)
}

// GetReport 按 SHA-256 获取最近一次完成的报告
// GET /api/reports/:sha256
func (h *ScanHandler) GetReport(c *gin.Context) {
	sha := c.Param("sha256")
	if len(sha) != 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sha256 必须是 64 位十六进制"})
		return
	}
	if _, err := hex.DecodeString(sha); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sha256 必须是 64 位十六进制"})
		return
	}

	rep, err := h.scanService.GetReportBySHA256(c.Request.Context(), sha)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "报告不存在"})
			return
		}
		h.logger.WithError(err).WithField("sha256", sha).Error("Failed to get report")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取报告失败"})
		return
	}

	c.JSON(http.StatusOK, rep)
}

// ListScans 获取扫描列表
// GET /api/scans?page=1&page_size=20&status=completed&package=com.example
func (h *ScanHandler) ListScans(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	rows, total, err := h.scanService.ListScans(c.Request.Context(), repository.ListOptions{
		Status:      domain.ScanStatus(c.Query("status")),
		PackageName: c.Query("package"),
		Limit:       pageSize,
		Offset:      (page - 1) * pageSize,
	})
	if err != nil {
		h.logger.WithError(err).Error("Failed to list scans")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取扫描列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":     rows,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

func (h *ScanHandler) respondSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedArtifact), errors.Is(err, domain.ErrArtifactCorrupt):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrArtifactNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("Failed to submit scan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "提交扫描任务失败"})
	}
}
