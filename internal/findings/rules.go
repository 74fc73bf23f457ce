package findings

import "github.com/apk-analysis/appsec-engine/internal/domain"

// PermissionRule 危险权限规则
type PermissionRule struct {
	Permission string
	Label      string // 标题后缀，如 "Camera Access"
	Severity   domain.Severity
}

// Rules 综合规则表，构造后只读
type Rules struct {
	permissions map[string]PermissionRule
	sensitive   map[domain.StringCategory]bool
	baseline    map[domain.Platform][]domain.ProtectionType
}

// NewRules 构造规则表
func NewRules(permissions []PermissionRule, sensitive []domain.StringCategory, baseline map[domain.Platform][]domain.ProtectionType) *Rules {
	r := &Rules{
		permissions: make(map[string]PermissionRule, len(permissions)),
		sensitive:   make(map[domain.StringCategory]bool, len(sensitive)),
		baseline:    make(map[domain.Platform][]domain.ProtectionType, len(baseline)),
	}
	for _, p := range permissions {
		r.permissions[p.Permission] = p
	}
	for _, c := range sensitive {
		r.sensitive[c] = true
	}
	for platform, types := range baseline {
		r.baseline[platform] = append([]domain.ProtectionType(nil), types...)
	}
	return r
}

// DefaultRules 内置规则
func DefaultRules() *Rules {
	return NewRules(
		defaultPermissions(),
		[]domain.StringCategory{
			domain.CategoryAPIKey,
			domain.CategoryPassword,
			domain.CategoryPrivateKey,
			domain.CategoryAWSKey,
		},
		map[domain.Platform][]domain.ProtectionType{
			domain.PlatformAndroid: {
				domain.ProtectionRootDetection,
				domain.ProtectionCertificatePinning,
				domain.ProtectionObfuscation,
			},
			domain.PlatformIOS: {
				domain.ProtectionJailbreakDetection,
				domain.ProtectionCertificatePinning,
				domain.ProtectionObfuscation,
			},
		},
	)
}

func defaultPermissions() []PermissionRule {
	high, medium, low := domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow
	return []PermissionRule{
		// Android
		{"android.permission.CAMERA", "Camera Access", high},
		{"android.permission.RECORD_AUDIO", "Microphone Access", high},
		{"android.permission.ACCESS_FINE_LOCATION", "Precise Location", high},
		{"android.permission.ACCESS_BACKGROUND_LOCATION", "Background Location", high},
		{"android.permission.ACCESS_COARSE_LOCATION", "Approximate Location", medium},
		{"android.permission.READ_SMS", "Read SMS", high},
		{"android.permission.SEND_SMS", "Send SMS", high},
		{"android.permission.RECEIVE_SMS", "Receive SMS", high},
		{"android.permission.READ_CALL_LOG", "Call Log Access", high},
		{"android.permission.CALL_PHONE", "Phone Calls", medium},
		{"android.permission.READ_PHONE_STATE", "Phone State", medium},
		{"android.permission.READ_CONTACTS", "Read Contacts", medium},
		{"android.permission.WRITE_CONTACTS", "Write Contacts", medium},
		{"android.permission.READ_CALENDAR", "Calendar Access", medium},
		{"android.permission.BODY_SENSORS", "Body Sensors", medium},
		{"android.permission.MANAGE_EXTERNAL_STORAGE", "All Files Access", high},
		{"android.permission.WRITE_EXTERNAL_STORAGE", "External Storage Write", medium},
		{"android.permission.READ_EXTERNAL_STORAGE", "External Storage Read", low},
		{"android.permission.SYSTEM_ALERT_WINDOW", "Overlay Windows", high},
		{"android.permission.REQUEST_INSTALL_PACKAGES", "Install Packages", high},
		{"android.permission.QUERY_ALL_PACKAGES", "Package Visibility", low},
		// iOS 隐私声明
		{"NSCameraUsageDescription", "Camera Access", high},
		{"NSMicrophoneUsageDescription", "Microphone Access", high},
		{"NSLocationAlwaysAndWhenInUseUsageDescription", "Background Location", high},
		{"NSLocationAlwaysUsageDescription", "Background Location", high},
		{"NSLocationWhenInUseUsageDescription", "Location Access", medium},
		{"NSContactsUsageDescription", "Read Contacts", medium},
		{"NSPhotoLibraryUsageDescription", "Photo Library Access", medium},
		{"NSCalendarsUsageDescription", "Calendar Access", medium},
		{"NSHealthShareUsageDescription", "Health Data Access", high},
		{"NSBluetoothAlwaysUsageDescription", "Bluetooth Access", low},
	}
}
