package protection

import "github.com/apk-analysis/appsec-engine/internal/domain"

// Rule 单个防护类型的指示词表
type Rule struct {
	Type       domain.ProtectionType `yaml:"type"`
	Platforms  []domain.Platform     `yaml:"platforms"`
	Indicators []string              `yaml:"indicators"`
}

// AppliesTo 判断规则是否适用于平台
func (r Rule) AppliesTo(p domain.Platform) bool {
	for _, platform := range r.Platforms {
		if platform == p {
			return true
		}
	}
	return false
}

// PackerSignature 商业加固特征
type PackerSignature struct {
	Name       string   `yaml:"name"`
	NativeLibs []string `yaml:"native_libs"` // 特征 Native 库
	Strings    []string `yaml:"strings"`     // 特征字符串/类名
	Priority   int      `yaml:"priority"`    // 越大越优先
}

// PackerMatch 加固识别结果
type PackerMatch struct {
	Name       string
	Confidence float64
	Indicators []string
}

// MaxIndicators 单个防护类型最多记录的指示词数
const MaxIndicators = 10
