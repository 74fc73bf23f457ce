package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apk-analysis/appsec-engine/internal/decompiler"
	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/report"
	"github.com/apk-analysis/appsec-engine/internal/repository"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// MockScanService Mock Service
type MockScanService struct {
	mock.Mock
}

func (m *MockScanService) Submit(ctx context.Context, path string) (*domain.ScanReport, error) {
	args := m.Called(path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScanReport), args.Error(1)
}

func (m *MockScanService) Complete(ctx context.Context, job decompiler.Job, result *domain.DecompileResult, err error) {
	m.Called(job, result, err)
}

func (m *MockScanService) GetScan(ctx context.Context, scanID string) (*domain.ScanReport, error) {
	args := m.Called(scanID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScanReport), args.Error(1)
}

func (m *MockScanService) GetReportBySHA256(ctx context.Context, sha256 string) (*report.Report, error) {
	args := m.Called(sha256)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*report.Report), args.Error(1)
}

func (m *MockScanService) ListScans(ctx context.Context, opts repository.ListOptions) ([]domain.ScanReport, int64, error) {
	args := m.Called(opts)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]domain.ScanReport), args.Get(1).(int64), args.Error(2)
}

func (m *MockScanService) Start(ctx context.Context, job decompiler.Job) {
	m.Called(job)
}

func (m *MockScanService) Recover(ctx context.Context) (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

// setupTestRouter 设置测试路由
func setupTestRouter(handler *ScanHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/scans", handler.SubmitScan)
	r.POST("/api/scans/upload", handler.UploadScan)
	r.GET("/api/scans", handler.ListScans)
	r.GET("/api/scans/:id", handler.GetScan)
	r.GET("/api/reports/:sha256", handler.GetReport)
	return r
}

func newTestHandler(svc *MockScanService, uploadDir string) *ScanHandler {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewScanHandler(svc, logger, uploadDir, 1)
}

// TestScanHandler_SubmitScan 测试提交扫描
func TestScanHandler_SubmitScan(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
	}{
		{name: "accepted", body: `{"path":"/in/app.apk"}`, wantStatus: http.StatusAccepted},
		{name: "missing path", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "unsupported", body: `{"path":"/in/app.apk"}`, serviceErr: domain.ErrUnsupportedArtifact, wantStatus: http.StatusBadRequest},
		{name: "not found", body: `{"path":"/in/app.apk"}`, serviceErr: domain.ErrArtifactNotFound, wantStatus: http.StatusNotFound},
		{name: "internal", body: `{"path":"/in/app.apk"}`, serviceErr: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockScanService)
			router := setupTestRouter(newTestHandler(svc, t.TempDir()))

			if tt.serviceErr != nil {
				svc.On("Submit", "/in/app.apk").Return(nil, tt.serviceErr)
			} else {
				svc.On("Submit", "/in/app.apk").Return(&domain.ScanReport{ScanID: "scan-1", Status: domain.ScanStatusQueued}, nil)
			}

			req := httptest.NewRequest(http.MethodPost, "/api/scans", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusAccepted {
				var resp map[string]string
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, "scan-1", resp["scan_id"])
				assert.Equal(t, "queued", resp["status"])
			}
		})
	}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

// TestScanHandler_UploadScan 测试上传并提交
func TestScanHandler_UploadScan(t *testing.T) {
	uploadDir := t.TempDir()
	svc := new(MockScanService)
	router := setupTestRouter(newTestHandler(svc, uploadDir))

	dest := filepath.Join(uploadDir, "app.ipa")
	svc.On("Submit", dest).Return(&domain.ScanReport{ScanID: "scan-2", Status: domain.ScanStatusQueued}, nil)

	body, contentType := multipartBody(t, "app.ipa", []byte("PK\x03\x04ipa"))
	req := httptest.NewRequest(http.MethodPost, "/api/scans/upload", body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04ipa"), data)
	svc.AssertExpectations(t)

	// 同名文件再次上传
	body, contentType = multipartBody(t, "app.ipa", []byte("again"))
	req = httptest.NewRequest(http.MethodPost, "/api/scans/upload", body)
	req.Header.Set("Content-Type", contentType)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

// TestScanHandler_UploadScan_Rejected 测试上传校验
func TestScanHandler_UploadScan_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
	}{
		{name: "unsupported extension", filename: "notes.txt", content: []byte("hello")},
		{name: "too large", filename: "big.apk", content: bytes.Repeat([]byte{'a'}, 1024*1024+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockScanService)
			router := setupTestRouter(newTestHandler(svc, t.TempDir()))

			body, contentType := multipartBody(t, tt.filename, tt.content)
			req := httptest.NewRequest(http.MethodPost, "/api/scans/upload", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			svc.AssertNotCalled(t, "Submit", mock.Anything)
		})
	}
}

// TestScanHandler_GetScan 测试获取扫描记录
func TestScanHandler_GetScan(t *testing.T) {
	svc := new(MockScanService)
	router := setupTestRouter(newTestHandler(svc, t.TempDir()))

	svc.On("GetScan", "scan-1").Return(&domain.ScanReport{ScanID: "scan-1", Status: domain.ScanStatusCompleted}, nil)
	svc.On("GetScan", "missing").Return(nil, gorm.ErrRecordNotFound)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/scans/scan-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var row domain.ScanReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &row))
	assert.Equal(t, domain.ScanStatusCompleted, row.Status)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/scans/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	svc.AssertExpectations(t)
}

// TestScanHandler_GetReport 测试按摘要获取报告
func TestScanHandler_GetReport(t *testing.T) {
	sha := strings.Repeat("ab", 32)
	missing := strings.Repeat("cd", 32)

	svc := new(MockScanService)
	router := setupTestRouter(newTestHandler(svc, t.TempDir()))

	svc.On("GetReportBySHA256", sha).Return(&report.Report{
		BinaryType: domain.BinaryTypeAPK,
		Hashes:     domain.Hashes{SHA256: sha},
	}, nil)
	svc.On("GetReportBySHA256", missing).Return(nil, gorm.ErrRecordNotFound)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "found", path: "/api/reports/" + sha, wantStatus: http.StatusOK},
		{name: "not found", path: "/api/reports/" + missing, wantStatus: http.StatusNotFound},
		{name: "short", path: "/api/reports/abc", wantStatus: http.StatusBadRequest},
		{name: "not hex", path: "/api/reports/" + strings.Repeat("zz", 32), wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/reports/"+sha, nil))
	var rep report.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
	assert.Equal(t, sha, rep.Hashes.SHA256)
}

// TestScanHandler_ListScans 测试分页参数
func TestScanHandler_ListScans(t *testing.T) {
	svc := new(MockScanService)
	router := setupTestRouter(newTestHandler(svc, t.TempDir()))

	svc.On("ListScans", repository.ListOptions{
		Status:      domain.ScanStatusCompleted,
		PackageName: "com.example",
		Limit:       100,
		Offset:      100,
	}).Return([]domain.ScanReport{{ScanID: "a"}}, int64(101), nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/scans?page=2&page_size=500&status=completed&package=com.example", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Items    []domain.ScanReport `json:"items"`
		Total    int64               `json:"total"`
		Page     int                 `json:"page"`
		PageSize int                 `json:"page_size"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Items, 1)
	assert.Equal(t, int64(101), resp.Total)
	assert.Equal(t, 2, resp.Page)
	assert.Equal(t, 100, resp.PageSize)
	svc.AssertExpectations(t)
}
