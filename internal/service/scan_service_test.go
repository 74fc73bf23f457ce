package service

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/decompiler"
	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/queue"
	"github.com/apk-analysis/appsec-engine/internal/report"
	"github.com/apk-analysis/appsec-engine/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// MockScanReportRepository Mock Repository
type MockScanReportRepository struct {
	mock.Mock
}

func (m *MockScanReportRepository) Create(ctx context.Context, r *domain.ScanReport) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockScanReportRepository) Upsert(ctx context.Context, r *domain.ScanReport) error {
	args := m.Called(ctx, r)
	return args.Error(0)
}

func (m *MockScanReportRepository) UpdateStatus(ctx context.Context, scanID string, status domain.ScanStatus, errMsg string) error {
	args := m.Called(ctx, scanID, status, errMsg)
	return args.Error(0)
}

func (m *MockScanReportRepository) FindByID(ctx context.Context, id uint) (*domain.ScanReport, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScanReport), args.Error(1)
}

func (m *MockScanReportRepository) FindByScanID(ctx context.Context, scanID string) (*domain.ScanReport, error) {
	args := m.Called(ctx, scanID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScanReport), args.Error(1)
}

func (m *MockScanReportRepository) FindBySHA256(ctx context.Context, sha256 string) (*domain.ScanReport, error) {
	args := m.Called(ctx, sha256)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ScanReport), args.Error(1)
}

func (m *MockScanReportRepository) List(ctx context.Context, opts repository.ListOptions) ([]domain.ScanReport, int64, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]domain.ScanReport), args.Get(1).(int64), args.Error(2)
}

func (m *MockScanReportRepository) ListQueued(ctx context.Context) ([]domain.ScanReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ScanReport), args.Error(1)
}

func (m *MockScanReportRepository) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	args := m.Called(ctx, reason)
	return args.Get(0).(int64), args.Error(1)
}

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []decompiler.Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job decompiler.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return d.err
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeArtifact(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("PK\x03\x04"), 0o644))
	return path
}

func newTestService(t *testing.T, repo repository.ScanReportRepository, d Dispatcher, opts Options) *scanService {
	t.Helper()
	svc, err := NewScanService(repo, d, opts, quietLogger())
	require.NoError(t, err)
	return svc.(*scanService)
}

func TestSubmit_Success(t *testing.T) {
	repo := new(MockScanReportRepository)
	disp := &recordingDispatcher{}
	svc := newTestService(t, repo, disp, Options{ResultDir: "/srv/results"})

	path := writeArtifact(t, "app.apk")
	repo.On("Create", mock.Anything, mock.MatchedBy(func(r *domain.ScanReport) bool {
		return r.Status == domain.ScanStatusQueued && r.BinaryType == domain.BinaryTypeAPK && r.FileSize == 4
	})).Return(nil)

	row, err := svc.Submit(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, row.ScanID, 36)

	require.Len(t, disp.jobs, 1)
	assert.Equal(t, row.ScanID, disp.jobs[0].ID)
	assert.Equal(t, path, disp.jobs[0].Path)
	assert.Equal(t, filepath.Join("/srv/results", row.ScanID), disp.jobs[0].OutputDir)
	repo.AssertExpectations(t)
}

func TestSubmit_InvalidArtifact(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{name: "unsupported extension", path: "/tmp/readme.txt", wantErr: domain.ErrUnsupportedArtifact},
		{name: "missing file", path: "/nonexistent/app.ipa", wantErr: domain.ErrArtifactNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockScanReportRepository)
			disp := &recordingDispatcher{}
			svc := newTestService(t, repo, disp, Options{})

			_, err := svc.Submit(context.Background(), tt.path)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, disp.jobs)
			repo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
		})
	}
}

func TestSubmit_DispatchFailure(t *testing.T) {
	repo := new(MockScanReportRepository)
	disp := &recordingDispatcher{err: errors.New("task queue is full")}
	svc := newTestService(t, repo, disp, Options{})

	repo.On("Create", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdateStatus", mock.Anything, mock.Anything, domain.ScanStatusFailed, "task queue is full").Return(nil)

	_, err := svc.Submit(context.Background(), writeArtifact(t, "app.aab"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task queue is full")
	assert.Empty(t, disp.jobs[0].OutputDir)
	repo.AssertExpectations(t)
}

func sampleResult(t *testing.T) *domain.DecompileResult {
	t.Helper()
	art, err := domain.NewArtifact(writeArtifact(t, "app.apk"))
	require.NoError(t, err)

	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.NewDecompileResult(domain.ResultParts{
		Artifact: art,
		Hashes:   domain.Hashes{MD5: "m", SHA1: "s", SHA256: "abcdef"},
		Manifest: domain.ManifestInfo{PackageName: "com.example", Permissions: []string{"android.permission.CAMERA"}},
		Findings: []domain.SecurityFinding{
			{Title: "Sensitive Permission: android.permission.CAMERA", Severity: domain.SeverityHigh, Source: domain.SourcePermission},
		},
		Metadata: domain.RunMetadata{RunID: "run-1", StartedAt: started, FinishedAt: started.Add(time.Second)},
	})
}

func TestComplete_SavesAndCaches(t *testing.T) {
	repo := new(MockScanReportRepository)
	var lookups []bool
	svc := newTestService(t, repo, &recordingDispatcher{}, Options{
		OnCacheLookup: func(hit bool) { lookups = append(lookups, hit) },
	})

	repo.On("Upsert", mock.Anything, mock.MatchedBy(func(r *domain.ScanReport) bool {
		return r.ScanID == "scan-1" && r.Status == domain.ScanStatusCompleted && r.HighCount == 1 && r.PackageName == "com.example"
	})).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Complete(ctx, decompiler.Job{ID: "scan-1"}, sampleResult(t), nil)

	rep, err := svc.GetReportBySHA256(context.Background(), "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, "run-1", rep.Metadata.RunID)
	assert.Equal(t, []bool{true}, lookups)
	repo.AssertNotCalled(t, "FindBySHA256", mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestComplete_Failure(t *testing.T) {
	repo := new(MockScanReportRepository)
	svc := newTestService(t, repo, &recordingDispatcher{}, Options{})

	repo.On("Upsert", mock.Anything, mock.MatchedBy(func(r *domain.ScanReport) bool {
		return r.ScanID == "scan-2" && r.Status == domain.ScanStatusFailed && r.ErrorMessage == "artifact corrupt"
	})).Return(nil)

	svc.Complete(context.Background(), decompiler.Job{ID: "scan-2", Path: "/in/bad.apk"}, nil, domain.ErrArtifactCorrupt)
	repo.AssertExpectations(t)
}

func TestGetReportBySHA256_LoadsFromRepository(t *testing.T) {
	repo := new(MockScanReportRepository)
	var lookups []bool
	svc := newTestService(t, repo, &recordingDispatcher{}, Options{
		OnCacheLookup: func(hit bool) { lookups = append(lookups, hit) },
	})

	row, err := repository.NewCompletedReport("scan-3", report.FromResult(sampleResult(t)))
	require.NoError(t, err)
	repo.On("FindBySHA256", mock.Anything, "abcdef").Return(row, nil).Once()

	first, err := svc.GetReportBySHA256(context.Background(), "abcdef")
	require.NoError(t, err)
	second, err := svc.GetReportBySHA256(context.Background(), "abcdef")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, []bool{false, true}, lookups)
	repo.AssertExpectations(t)
}

func TestGetReportBySHA256_NotFound(t *testing.T) {
	repo := new(MockScanReportRepository)
	svc := newTestService(t, repo, &recordingDispatcher{}, Options{})
	repo.On("FindBySHA256", mock.Anything, "ffff").Return(nil, gorm.ErrRecordNotFound)

	_, err := svc.GetReportBySHA256(context.Background(), "ffff")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListScans(t *testing.T) {
	repo := new(MockScanReportRepository)
	svc := newTestService(t, repo, &recordingDispatcher{}, Options{})

	opts := repository.ListOptions{Status: domain.ScanStatusCompleted, Limit: 10}
	repo.On("List", mock.Anything, opts).Return([]domain.ScanReport{{ScanID: "a"}, {ScanID: "b"}}, int64(2), nil)

	rows, total, err := svc.ListScans(context.Background(), opts)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, int64(2), total)
}

func TestRecover(t *testing.T) {
	repo := new(MockScanReportRepository)
	disp := &recordingDispatcher{}
	svc := newTestService(t, repo, disp, Options{ResultDir: "/srv/results"})

	repo.On("FailInterrupted", mock.Anything, mock.Anything).Return(int64(2), nil)
	repo.On("ListQueued", mock.Anything).Return([]domain.ScanReport{
		{ScanID: "q1", BinaryPath: "/in/a.apk"},
		{ScanID: "q2", BinaryPath: "/in/b.ipa"},
	}, nil)

	n, err := svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, disp.jobs, 2)
	assert.Equal(t, decompiler.Job{ID: "q1", Path: "/in/a.apk", OutputDir: "/srv/results/q1"}, disp.jobs[0])
	assert.Equal(t, "q2", disp.jobs[1].ID)
	repo.AssertExpectations(t)
}

func TestRecover_RepositoryError(t *testing.T) {
	repo := new(MockScanReportRepository)
	svc := newTestService(t, repo, &recordingDispatcher{}, Options{})
	repo.On("FailInterrupted", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))

	_, err := svc.Recover(context.Background())
	assert.Error(t, err)
	repo.AssertNotCalled(t, "ListQueued", mock.Anything)
}

type fakeRunner struct {
	jobs []decompiler.Job
	err  error
}

func (r *fakeRunner) SubmitAndWait(_ context.Context, job decompiler.Job) decompiler.Outcome {
	r.jobs = append(r.jobs, job)
	return decompiler.Outcome{Job: job, Err: r.err}
}

func TestStart_MarksRunning(t *testing.T) {
	repo := new(MockScanReportRepository)
	svc := newTestService(t, repo, &recordingDispatcher{}, Options{})
	repo.On("UpdateStatus", mock.Anything, "scan-1", domain.ScanStatusRunning, "").Return(nil).Once()
	repo.On("UpdateStatus", mock.Anything, "gone", domain.ScanStatusRunning, "").Return(gorm.ErrRecordNotFound).Once()

	svc.Start(context.Background(), decompiler.Job{ID: "scan-1", Path: "/in/app.apk"})
	svc.Start(context.Background(), decompiler.Job{ID: "gone", Path: "/in/app.apk"})
	repo.AssertExpectations(t)
}

func TestQueueHandler(t *testing.T) {
	runner := &fakeRunner{err: domain.ErrArtifactCorrupt}
	handler := QueueHandler(runner, quietLogger())

	err := handler(context.Background(), &queue.ScanMessage{ScanID: "scan-9", ArtifactPath: "/in/app.ipa", OutputDir: "/out/scan-9"})
	assert.ErrorIs(t, err, domain.ErrArtifactCorrupt)
	require.Len(t, runner.jobs, 1)
	assert.Equal(t, decompiler.Job{ID: "scan-9", Path: "/in/app.ipa", OutputDir: "/out/scan-9"}, runner.jobs[0])
}
