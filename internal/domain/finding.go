package domain

// StringCategory 字符串分类（固定枚举）
type StringCategory string

const (
	CategoryURL          StringCategory = "url"
	CategoryIPAddress    StringCategory = "ip_address"
	CategoryAPIKey       StringCategory = "api_key"
	CategoryAWSKey       StringCategory = "aws_key"
	CategoryGoogleAPIKey StringCategory = "google_api_key"
	CategoryFirebaseHost StringCategory = "firebase_host"
	CategoryPassword     StringCategory = "password"
	CategoryPrivateKey   StringCategory = "private_key"
	CategoryJWT          StringCategory = "jwt"
	CategorySQLQuery     StringCategory = "sql_query"
	CategoryEmail        StringCategory = "email"
	CategoryBearerToken  StringCategory = "bearer_token"
)

// AllStringCategories 枚举全部分类
func AllStringCategories() []StringCategory {
	return []StringCategory{
		CategoryURL, CategoryIPAddress, CategoryAPIKey, CategoryAWSKey,
		CategoryGoogleAPIKey, CategoryFirebaseHost, CategoryPassword,
		CategoryPrivateKey, CategoryJWT, CategorySQLQuery, CategoryEmail,
		CategoryBearerToken,
	}
}

// Valid 判断分类是否属于固定枚举
func (c StringCategory) Valid() bool {
	for _, known := range AllStringCategories() {
		if c == known {
			return true
		}
	}
	return false
}

// StringFinding 命中分类规则的字符串
type StringFinding struct {
	Value      string
	Location   string
	Category   StringCategory
	Confidence float64
}

// ProtectionType 防护类型
type ProtectionType string

const (
	ProtectionRootDetection      ProtectionType = "root_detection"
	ProtectionJailbreakDetection ProtectionType = "jailbreak_detection"
	ProtectionEmulatorDetection  ProtectionType = "emulator_detection"
	ProtectionDebugDetection     ProtectionType = "debug_detection"
	ProtectionObfuscation        ProtectionType = "obfuscation"
	ProtectionCertificatePinning ProtectionType = "certificate_pinning"
	ProtectionTamperDetection    ProtectionType = "tamper_detection"
)

// AllProtectionTypes 固定顺序，决定输出顺序
func AllProtectionTypes() []ProtectionType {
	return []ProtectionType{
		ProtectionRootDetection,
		ProtectionJailbreakDetection,
		ProtectionEmulatorDetection,
		ProtectionDebugDetection,
		ProtectionObfuscation,
		ProtectionCertificatePinning,
		ProtectionTamperDetection,
	}
}

// ProtectionFinding 单个防护类型的检测结果
type ProtectionFinding struct {
	Type       ProtectionType
	Detected   bool
	Indicators []string
}

// Severity 严重程度
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// FindingSource 安全发现来源
type FindingSource string

const (
	SourcePermission FindingSource = "permission"
	SourceComponent  FindingSource = "component"
	SourceString     FindingSource = "string"
	SourceProtection FindingSource = "protection"
	SourceManifest   FindingSource = "manifest"
)

// SecurityFinding 综合后的安全发现
type SecurityFinding struct {
	Title       string
	Description string
	Severity    Severity
	Location    string
	Source      FindingSource
}
