package domain

import "time"

// ScanStatus 扫描状态
type ScanStatus string

const (
	ScanStatusQueued    ScanStatus = "queued"
	ScanStatusRunning   ScanStatus = "running"
	ScanStatusCompleted ScanStatus = "completed"
	ScanStatusFailed    ScanStatus = "failed"
)

// ScanReport 扫描报告表
type ScanReport struct {
	ID     uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	ScanID string     `gorm:"type:varchar(36);uniqueIndex:uk_scan_id;not null" json:"scan_id"` // 提交时生成，与引擎的 run_id 不同
	Status ScanStatus `gorm:"type:varchar(30);default:'queued'" json:"status"`

	// 制品信息（冗余存储，方便查询）
	BinaryType  BinaryType `gorm:"type:varchar(8)" json:"binary_type"`
	BinaryPath  string     `gorm:"type:varchar(1024)" json:"binary_path"`
	PackageName string     `gorm:"type:varchar(255);index:idx_package_name" json:"package_name,omitempty"`
	VersionName string     `gorm:"type:varchar(50)" json:"version_name,omitempty"`
	FileSize    int64      `json:"file_size"`
	MD5         string     `gorm:"type:varchar(32)" json:"md5,omitempty"`
	SHA1        string     `gorm:"type:varchar(40)" json:"sha1,omitempty"`
	SHA256      string     `gorm:"type:varchar(64);index:idx_sha256" json:"sha256,omitempty"`

	// 统计
	PermissionCount int `gorm:"default:0" json:"permission_count"`
	NativeLibCount  int `gorm:"default:0" json:"native_lib_count"`
	StringCount     int `gorm:"default:0" json:"string_count"`
	CriticalCount   int `gorm:"default:0" json:"critical_count"`
	HighCount       int `gorm:"default:0" json:"high_count"`
	MediumCount     int `gorm:"default:0" json:"medium_count"`
	LowCount        int `gorm:"default:0" json:"low_count"`
	WarningCount    int `gorm:"default:0" json:"warning_count"`

	// 完整报告 JSON
	ReportJSON   string `gorm:"type:mediumtext" json:"report_json,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	DurationMs int        `gorm:"type:int" json:"duration_ms,omitempty"`
	AnalyzedAt *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (ScanReport) TableName() string {
	return "scan_reports"
}
