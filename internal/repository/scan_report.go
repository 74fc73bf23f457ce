package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/apk-analysis/appsec-engine/internal/report"
)

// NewCompletedReport 由报告 DTO 构造已完成的记录
func NewCompletedReport(scanID string, rep *report.Report) (*domain.ScanReport, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}

	analyzedAt := rep.Metadata.FinishedAt
	row := &domain.ScanReport{
		ScanID:          scanID,
		Status:          domain.ScanStatusCompleted,
		BinaryType:      rep.BinaryType,
		BinaryPath:      rep.BinaryPath,
		VersionName:     rep.Version,
		FileSize:        rep.SizeBytes,
		MD5:             rep.Hashes.MD5,
		SHA1:            rep.Hashes.SHA1,
		SHA256:          rep.Hashes.SHA256,
		PermissionCount: len(rep.Permissions),
		NativeLibCount:  len(rep.NativeLibs),
		StringCount:     len(rep.InterestingStrings),
		WarningCount:    len(rep.Warnings),
		ReportJSON:      string(data),
		DurationMs:      int(rep.Metadata.DurationMs),
		AnalyzedAt:      &analyzedAt,
		UpdatedAt:       time.Now().UTC(),
	}
	if rep.PackageName != nil {
		row.PackageName = *rep.PackageName
	}

	for _, f := range rep.SecurityFindings {
		switch domain.Severity(f.Severity) {
		case domain.SeverityCritical:
			row.CriticalCount++
		case domain.SeverityHigh:
			row.HighCount++
		case domain.SeverityMedium:
			row.MediumCount++
		case domain.SeverityLow:
			row.LowCount++
		}
	}
	return row, nil
}

// NewFailedReport 致命错误时的记录
func NewFailedReport(scanID, binaryPath string, cause error) *domain.ScanReport {
	now := time.Now().UTC()
	binType, _ := domain.BinaryTypeFromPath(binaryPath)
	return &domain.ScanReport{
		ScanID:       scanID,
		Status:       domain.ScanStatusFailed,
		BinaryType:   binType,
		BinaryPath:   binaryPath,
		ErrorMessage: cause.Error(),
		AnalyzedAt:   &now,
		UpdatedAt:    now,
	}
}

// DecodeReport 还原记录中保存的报告
func DecodeReport(row *domain.ScanReport) (*report.Report, error) {
	if row.ReportJSON == "" {
		return nil, fmt.Errorf("scan %s has no report", row.ScanID)
	}
	var rep report.Report
	if err := json.Unmarshal([]byte(row.ReportJSON), &rep); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &rep, nil
}
