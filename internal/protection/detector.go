// Package protection 基于指示词表启发式识别运行时防护
package protection

import (
	"sort"
	"strings"

	"github.com/apk-analysis/appsec-engine/internal/domain"
	"github.com/sirupsen/logrus"
)

// Detector 防护检测器，可并发使用
type Detector struct {
	rules  *Rules
	logger *logrus.Logger
}

// NewDetector 创建检测器；rules 为 nil 时使用内置规则
func NewDetector(rules *Rules, logger *logrus.Logger) *Detector {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Detector{rules: rules, logger: logger}
}

// Input 检测输入
type Input struct {
	Values     []string // 提取到的字符串
	NativeLibs []string // 原生库文件名
	Platform   domain.Platform
}

// Detect 对平台适用的每个防护类型返回一条结果（按枚举顺序，无重复）
// 任一值包含任一指示词即判定存在；Android 上命中的商业加固计入 obfuscation
func (d *Detector) Detect(in Input) []domain.ProtectionFinding {
	values := make(map[string]struct{}, len(in.Values)+len(in.NativeLibs))
	for _, v := range in.Values {
		values[strings.ToLower(v)] = struct{}{}
	}
	for _, lib := range in.NativeLibs {
		values[strings.ToLower(lib)] = struct{}{}
	}

	var packer *PackerMatch
	if in.Platform == domain.PlatformAndroid {
		packer = d.rules.IdentifyPacker(in.NativeLibs, values)
	}

	var findings []domain.ProtectionFinding
	for _, t := range domain.AllProtectionTypes() {
		rule, ok := d.rules.Rule(t)
		if !ok || !rule.AppliesTo(in.Platform) {
			continue
		}

		var indicators []string
		for _, indicator := range rule.Indicators {
			if containsAny(values, indicator) {
				indicators = append(indicators, indicator)
			}
		}
		if t == domain.ProtectionObfuscation && packer != nil {
			indicators = append(indicators, "packer:"+packer.Name)
		}

		sort.Strings(indicators)
		if len(indicators) > MaxIndicators {
			indicators = indicators[:MaxIndicators]
		}

		findings = append(findings, domain.ProtectionFinding{
			Type:       t,
			Detected:   len(indicators) > 0,
			Indicators: indicators,
		})
	}

	fields := logrus.Fields{
		"platform": in.Platform,
		"values":   len(values),
		"detected": countDetected(findings),
	}
	if packer != nil {
		fields["packer"] = packer.Name
		fields["packer_confidence"] = packer.Confidence
	}
	d.logger.WithFields(fields).Debug("Protection detection finished")

	return findings
}

func countDetected(findings []domain.ProtectionFinding) int {
	n := 0
	for _, f := range findings {
		if f.Detected {
			n++
		}
	}
	return n
}
