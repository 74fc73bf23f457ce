package repository

import (
	"context"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScanReportRepository 扫描报告 Repository
type ScanReportRepository interface {
	Create(ctx context.Context, report *domain.ScanReport) error
	Upsert(ctx context.Context, report *domain.ScanReport) error
	UpdateStatus(ctx context.Context, scanID string, status domain.ScanStatus, errMsg string) error
	FindByID(ctx context.Context, id uint) (*domain.ScanReport, error)
	FindByScanID(ctx context.Context, scanID string) (*domain.ScanReport, error)
	FindBySHA256(ctx context.Context, sha256 string) (*domain.ScanReport, error)
	List(ctx context.Context, opts ListOptions) ([]domain.ScanReport, int64, error)
	ListQueued(ctx context.Context) ([]domain.ScanReport, error)
	FailInterrupted(ctx context.Context, reason string) (int64, error)
}

// ListOptions 列表查询条件
type ListOptions struct {
	Status      domain.ScanStatus
	PackageName string
	Limit       int
	Offset      int
}

type scanReportRepo struct {
	db *gorm.DB
}

// NewScanReportRepository 创建扫描报告 Repository
func NewScanReportRepository(db *gorm.DB) ScanReportRepository {
	return &scanReportRepo{db: db}
}

func (r *scanReportRepo) Create(ctx context.Context, report *domain.ScanReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// Upsert 按 scan_id 插入或更新
func (r *scanReportRepo) Upsert(ctx context.Context, report *domain.ScanReport) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "scan_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "binary_type", "binary_path",
				"package_name", "version_name", "file_size", "md5", "sha1", "sha256",
				"permission_count", "native_lib_count", "string_count",
				"critical_count", "high_count", "medium_count", "low_count", "warning_count",
				"report_json", "error_message", "duration_ms", "analyzed_at", "updated_at",
			}),
		}).
		Create(report).Error
}

// UpdateStatus 只更新状态与错误信息
func (r *scanReportRepo) UpdateStatus(ctx context.Context, scanID string, status domain.ScanStatus, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.ScanReport{}).
		Where("scan_id = ?", scanID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *scanReportRepo) FindByID(ctx context.Context, id uint) (*domain.ScanReport, error) {
	var report domain.ScanReport
	if err := r.db.WithContext(ctx).First(&report, id).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *scanReportRepo) FindByScanID(ctx context.Context, scanID string) (*domain.ScanReport, error) {
	var report domain.ScanReport
	if err := r.db.WithContext(ctx).Where("scan_id = ?", scanID).First(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// FindBySHA256 同一制品可能扫描多次，返回最近完成的一次
func (r *scanReportRepo) FindBySHA256(ctx context.Context, sha256 string) (*domain.ScanReport, error) {
	var report domain.ScanReport
	err := r.db.WithContext(ctx).
		Where("sha256 = ? AND status = ?", sha256, domain.ScanStatusCompleted).
		Order("id DESC").
		First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// List 分页查询，不加载 report_json
func (r *scanReportRepo) List(ctx context.Context, opts ListOptions) ([]domain.ScanReport, int64, error) {
	filtered := func() *gorm.DB {
		query := r.db.WithContext(ctx).Model(&domain.ScanReport{})
		if opts.Status != "" {
			query = query.Where("status = ?", opts.Status)
		}
		if opts.PackageName != "" {
			query = query.Where("package_name = ?", opts.PackageName)
		}
		return query
	}

	var total int64
	if err := filtered().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var reports []domain.ScanReport
	err := filtered().
		Omit("report_json").
		Order("id DESC").
		Limit(limit).
		Offset(opts.Offset).
		Find(&reports).Error
	if err != nil {
		return nil, 0, err
	}
	return reports, total, nil
}

// ListQueued 按提交顺序返回排队中的记录
func (r *scanReportRepo) ListQueued(ctx context.Context) ([]domain.ScanReport, error) {
	var reports []domain.ScanReport
	err := r.db.WithContext(ctx).
		Omit("report_json").
		Where("status = ?", domain.ScanStatusQueued).
		Order("id ASC").
		Find(&reports).Error
	if err != nil {
		return nil, err
	}
	return reports, nil
}

// FailInterrupted 服务重启时把 running 记录标记为 failed；queued 记录保留
func (r *scanReportRepo) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.ScanReport{}).
		Where("status = ?", domain.ScanStatusRunning).
		Updates(map[string]interface{}{
			"status":        domain.ScanStatusFailed,
			"error_message": reason,
			"analyzed_at":   now,
		})
	return result.RowsAffected, result.Error
}
