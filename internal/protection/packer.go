package protection

import (
	"sort"
	"strings"
)

// packerThreshold 置信度达到该值才认定为加固
const packerThreshold = 0.4

// IdentifyPacker 按优先级匹配加固特征，返回第一个达到阈值的结果
func (r *Rules) IdentifyPacker(nativeLibs []string, values map[string]struct{}) *PackerMatch {
	for _, sig := range r.packers {
		confidence, indicators := matchPacker(sig, nativeLibs, values)
		if confidence >= packerThreshold {
			if confidence > 1 {
				confidence = 1
			}
			sort.Strings(indicators)
			return &PackerMatch{
				Name:       sig.Name,
				Confidence: confidence,
				Indicators: indicators,
			}
		}
	}
	return nil
}

// matchPacker Native 库命中 +0.4，特征字符串命中 +0.2
func matchPacker(sig PackerSignature, nativeLibs []string, values map[string]struct{}) (float64, []string) {
	confidence := 0.0
	var indicators []string

	for _, ruleLib := range sig.NativeLibs {
		for _, lib := range nativeLibs {
			if matchLibName(ruleLib, lib) {
				confidence += 0.4
				indicators = append(indicators, "native_lib:"+lib)
			}
		}
	}

	for _, marker := range sig.Strings {
		if containsAny(values, marker) {
			confidence += 0.2
			indicators = append(indicators, "string:"+marker)
		}
	}

	return confidence, indicators
}

// matchLibName 库名模糊匹配，忽略版本后缀（libshellx-2.10.3.4.so 匹配 libshellx.so）
func matchLibName(pattern, name string) bool {
	if strings.EqualFold(pattern, name) {
		return true
	}

	patternBase := strings.ToLower(strings.TrimSuffix(pattern, ".so"))
	nameBase := strings.ToLower(strings.TrimSuffix(name, ".so"))

	patternCore := strings.Split(strings.TrimPrefix(patternBase, "lib"), "-")[0]
	nameCore := strings.Split(strings.TrimPrefix(nameBase, "lib"), "-")[0]

	return patternCore != "" && patternCore == nameCore
}

func containsAny(values map[string]struct{}, indicator string) bool {
	for v := range values {
		if strings.Contains(v, indicator) {
			return true
		}
	}
	return false
}
